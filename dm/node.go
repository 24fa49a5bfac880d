package dm

import (
	"fmt"
	"strings"
)

// +-----------+
// | Node tree |
// +-----------+

// Node is a node of the document tree built over the linear data.
//
// Branch nodes span their open tag, their children and their close tag. Text nodes span
// Length characters and have no tags of their own.
type Node struct {
	Type       string
	Attributes map[string]string
	Children   []*Node
	// Length is the number of characters of a text node.
	Length int
	Parent *Node
}

// NewTextNode creates a text node of length characters.
func NewTextNode(length int) *Node {
	return &Node{Type: TextType, Length: length}
}

// NewBranchNode creates an empty branch node from an open tag.
func NewBranchNode(open Item) *Node {
	return &Node{Type: open.Type, Attributes: cloneAttributes(open.Attributes)}
}

func (n *Node) IsText() bool {
	return n.Type == TextType
}

// IsRoot reports whether n is a document node, which has no tags of its own.
func (n *Node) IsRoot() bool {
	return n.Type == DocumentType
}

// OuterLength is the number of linear items spanned by n, tags included.
func (n *Node) OuterLength() int {
	if n.IsText() {
		return n.Length
	}
	length := 2
	if n.IsRoot() {
		length = 0
	}
	for _, c := range n.Children {
		length += c.OuterLength()
	}
	return length
}

// InnerLength is the number of linear items between n's tags.
func (n *Node) InnerLength() int {
	if n.IsText() {
		return n.Length
	}
	var length int
	for _, c := range n.Children {
		length += c.OuterLength()
	}
	return length
}

// Index returns the position of n among its siblings, or -1 for the root.
func (n *Node) Index() int {
	if n.Parent == nil {
		return -1
	}
	for i, c := range n.Parent.Children {
		if c == n {
			return i
		}
	}
	panic(&InvariantError{Msg: "node not found in its parent"})
}

// Path returns the child indexes leading from the root to n.
func (n *Node) Path() []int {
	var path []int
	for x := n; x.Parent != nil; x = x.Parent {
		path = append(path, x.Index())
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Root returns the root of the tree containing n.
func (n *Node) Root() *Node {
	x := n
	for x.Parent != nil {
		x = x.Parent
	}
	return x
}

// NodeAt follows path from n.
func (n *Node) NodeAt(path []int) (*Node, error) {
	x := n
	for i, idx := range path {
		if idx < 0 || idx >= len(x.Children) {
			return nil, fmt.Errorf("%w: %v at depth %d", ErrInvalidPath, path, i)
		}
		x = x.Children[idx]
	}
	return x, nil
}

// Offset returns the linear offset of n's first item within the document.
func (n *Node) Offset() int {
	var offset int
	for x := n; x.Parent != nil; x = x.Parent {
		p := x.Parent
		if !p.IsRoot() {
			offset++
		}
		for _, c := range p.Children {
			if c == x {
				break
			}
			offset += c.OuterLength()
		}
	}
	return offset
}

// InsertChild inserts c as the i-th child of n.
func (n *Node) InsertChild(i int, c *Node) {
	n.Children = append(n.Children, nil)
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = c
	c.Parent = n
}

// RemoveChild detaches and returns the i-th child of n.
func (n *Node) RemoveChild(i int) *Node {
	c := n.Children[i]
	copy(n.Children[i:], n.Children[i+1:])
	n.Children[len(n.Children)-1] = nil
	n.Children = n.Children[:len(n.Children)-1]
	c.Parent = nil
	return c
}

// SpliceChildren removes count children at i and inserts nodes in their place.
func (n *Node) SpliceChildren(i, count int, nodes ...*Node) []*Node {
	removed := append([]*Node(nil), n.Children[i:i+count]...)
	for _, c := range removed {
		c.Parent = nil
	}
	rest := append([]*Node(nil), n.Children[i+count:]...)
	n.Children = append(append(n.Children[:i], nodes...), rest...)
	for _, c := range nodes {
		c.Parent = n
	}
	return removed
}

// OpenItem returns the open tag that represents n.
func (n *Node) OpenItem() Item {
	return Open(n.Type, n.Attributes)
}

// Clone deep-copies the subtree rooted at n, leaving the copy detached.
func (n *Node) Clone() *Node {
	c := &Node{Type: n.Type, Attributes: cloneAttributes(n.Attributes), Length: n.Length}
	for _, child := range n.Children {
		cc := child.Clone()
		cc.Parent = c
		c.Children = append(c.Children, cc)
	}
	return c
}

// +------+
// | Dump |
// +------+

// NodeDump is a plain, comparable snapshot of a subtree.
type NodeDump struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Length     int               `json:"length,omitempty"`
	Children   []NodeDump        `json:"children,omitempty"`
}

// Dump snapshots the subtree rooted at n.
func (n *Node) Dump() NodeDump {
	d := NodeDump{Type: n.Type, Attributes: cloneAttributes(n.Attributes)}
	if n.IsText() {
		d.Length = n.Length
		return d
	}
	for _, c := range n.Children {
		d.Children = append(d.Children, c.Dump())
	}
	return d
}

func (d NodeDump) String() string {
	var sb strings.Builder
	d.write(&sb)
	return sb.String()
}

func (d NodeDump) write(sb *strings.Builder) {
	if d.Type == TextType {
		fmt.Fprintf(sb, "#%d", d.Length)
		return
	}
	fmt.Fprintf(sb, "%s(", d.Type)
	for i, c := range d.Children {
		if i > 0 {
			sb.WriteString(" ")
		}
		c.write(sb)
	}
	sb.WriteString(")")
}

// +-------+
// | Build |
// +-------+

// BuildTree builds a fresh document tree from linear items.
func BuildTree(items []Item, reg *Registry) (*Node, error) {
	root := &Node{Type: DocumentType}
	nodes, err := BuildNodes(items, reg, DocumentType)
	if err != nil {
		return nil, err
	}
	for _, c := range nodes {
		c.Parent = root
	}
	root.Children = nodes
	return root, nil
}

// BuildNodes builds the sibling nodes spanned by a balanced run of items, to be placed under
// a node of type parentType.
func BuildNodes(items []Item, reg *Registry, parentType string) ([]*Node, error) {
	top := &Node{Type: parentType}
	stack := []*Node{top}
	for i, it := range items {
		cur := stack[len(stack)-1]
		curSpec, _ := reg.Lookup(cur.Type)
		switch {
		case it.IsChar():
			if curSpec.Kind != ContentKind {
				return nil, fmt.Errorf("%w: text at offset %d inside %q", ErrInvalidNesting, i, cur.Type)
			}
			if k := len(cur.Children); k > 0 && cur.Children[k-1].IsText() {
				cur.Children[k-1].Length++
			} else {
				t := NewTextNode(1)
				t.Parent = cur
				cur.Children = append(cur.Children, t)
			}
		case it.IsOpen():
			if _, ok := reg.Lookup(it.Type); !ok || it.Type == DocumentType {
				return nil, fmt.Errorf("%w: %q at offset %d", ErrUnknownType, it.Type, i)
			}
			if curSpec.Kind != BranchKind {
				return nil, fmt.Errorf("%w: %q at offset %d inside %q", ErrInvalidNesting, it.Type, i, cur.Type)
			}
			child := NewBranchNode(it)
			child.Parent = cur
			cur.Children = append(cur.Children, child)
			stack = append(stack, child)
		default:
			if len(stack) == 1 {
				return nil, fmt.Errorf("%w: unmatched close %q at offset %d", ErrUnbalancedData, it.ElementType(), i)
			}
			if cur.Type != it.ElementType() {
				return nil, fmt.Errorf("%w: close %q at offset %d doesn't match open %q",
					ErrUnbalancedData, it.ElementType(), i, cur.Type)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: %d unclosed elements", ErrUnbalancedData, len(stack)-1)
	}
	nodes := top.Children
	for _, c := range nodes {
		c.Parent = nil
	}
	return nodes, nil
}
