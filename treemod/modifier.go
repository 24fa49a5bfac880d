/*
Package treemod updates a document tree in place to follow a transaction, touching only the
nodes the transaction affects, and records what it did as a tree diff.

The modifier walks the old tree with two cursors. The remover follows the old data consumed by
the transaction, that is, retained and removed items; the inserter follows the new data,
that is, retained and inserted items. While the transaction retains data without having removed
or inserted structure, both cursors are at the same place and simply step together. Once they
diverge, retained content is moved from the remover to the inserter: whole nodes are moved,
text is moved between text nodes, and nodes entered by the remover are recreated at the
inserter and deleted once the remover leaves them.

  # BEGIN ASCII ART

   old:  <div> <p> foo bar baz </p>  <p> qux </p>  </div>
                ^remover
   new:  <ul> <li> <p> foo </p> <p> bar
                                       ^inserter

  # END ASCII ART
  # ALT TEXT: The old data of a div with two paragraphs, with the remover inside the first
              paragraph after "bar", and the new data of a list whose item has a paragraph
              "foo" and the start of a second paragraph, with the inserter after "bar".

The inserter never walks past the remover in linear order, and neither cursor ever enters a
node marked by the other as deleted or inserted.
*/
package treemod

import (
	"fmt"

	"github.com/brunokim/docsync/dm"
)

// Modifier applies transactions to document trees. The zero value is ready to use; a Modifier
// may be reused, but not concurrently.
type Modifier struct {
	registry *dm.Registry
	root     *dm.Node

	remover  Cursor
	inserter Cursor
	// deletions are the nodes entered by the remover whose content is being moved out, to be
	// removed when the remover leaves them.
	deletions []*dm.Node
	// insertions are the nodes placed by the inserter, which the remover must skip.
	insertions map[*dm.Node]bool
	// insertedPositions holds the child index of each freshly created node the inserter is in.
	insertedPositions []int

	entries []Entry
}

// Modify updates the tree of doc to follow tx, and returns the tree diff.
//
// doc's tree must match the data tx was built against; the data itself is not read. Modify
// panics with an *dm.InvariantError if the tree and tx are found to be inconsistent, leaving
// the tree in an undefined state.
func (m *Modifier) Modify(doc *dm.Document, tx *dm.Transaction) ([]Entry, error) {
	m.registry = doc.Registry()
	m.root = doc.Tree()
	m.remover = NewCursor(m.root)
	m.inserter = NewCursor(m.root)
	m.deletions = nil
	m.insertions = make(map[*dm.Node]bool)
	m.insertedPositions = nil
	m.entries = nil

	for i, op := range tx.Operations {
		switch op := op.(type) {
		case dm.Retain:
			m.processRetain(op.Length)
		case dm.Replace:
			m.processRemove(op.Remove)
			m.processInsert(op.Insert)
		case dm.AttributeChange:
			m.processAttributeChange(op)
		case dm.RetainMetadata, dm.ReplaceMetadata:
			// The tree holds no metadata.
		default:
			return nil, fmt.Errorf("operation %d: %w: %T", i, dm.ErrUnknownOperation, op)
		}
	}
	m.processImplicitFinalRetain()
	return m.entries, nil
}

func (m *Modifier) add(e Entry) {
	m.entries = append(m.entries, e)
}

func (m *Modifier) normalize() {
	m.remover.normalize()
	m.inserter.normalize()
}

// inSync reports whether both cursors are at the same place.
func (m *Modifier) inSync() bool {
	m.normalize()
	return len(m.insertedPositions) == 0 && m.remover.Equal(m.inserter)
}

// +--------+
// | Retain |
// +--------+

// processRetain keeps n items, moving them to the inserter if the cursors diverged.
func (m *Modifier) processRetain(n int) {
	for n > 0 {
		if m.inSync() {
			if s := m.remover.Peek(n); s.Length == 0 {
				dm.Invariantf("retaining %d items past the end of the document", n)
			}
			rs := m.remover.StepAtMost(n)
			is := m.inserter.StepAtMost(n)
			if rs != is {
				dm.Invariantf("Remover and inserter unexpectedly diverged: %v, %v", rs, is)
			}
			n -= rs.Length
			continue
		}
		s := m.remover.Peek(n)
		switch s.Type {
		case StepCrossText:
			m.moveText(s.Length)
		case StepCross:
			m.moveNode()
		case StepOpen:
			m.deletions = append(m.deletions, s.Node)
			m.insertNode(dm.NewBranchNode(s.Node.OpenItem()))
			m.remover.enter(s.Node)
		case StepClose:
			if s.Length == 0 {
				dm.Invariantf("retaining %d items past the end of the document", n)
			}
			m.leaveRemover()
			m.closeInserter(s.Node.Type)
		}
		n -= s.Length
	}
}

// processImplicitFinalRetain keeps everything after the last operation, one node or text
// node at a time.
func (m *Modifier) processImplicitFinalRetain() {
	for {
		m.normalize()
		next := m.remover.Next()
		if next == nil && m.remover.Node == m.root {
			break
		}
		length := 1
		switch {
		case next == nil:
		case next.IsText():
			length = next.Length - m.remover.Offset
		default:
			length = next.OuterLength()
		}
		m.processRetain(length)
	}
	if len(m.deletions) > 0 {
		dm.Invariantf("unprocessed deletions: %d nodes, first %q", len(m.deletions), m.deletions[0].Type)
	}
	if !m.inSync() {
		dm.Invariantf("Remover and inserter unexpectedly diverged at the end: %v, %v", m.remover, m.inserter)
	}
}

// +--------+
// | Remove |
// +--------+

// processRemove removes items at the remover.
func (m *Modifier) processRemove(items []dm.Item) {
	for i := 0; i < len(items); {
		m.normalize()
		it := items[i]
		next := m.remover.Next()
		switch {
		case it.IsChar():
			if next == nil || !next.IsText() {
				dm.Invariantf("removing text at %v, found %v", m.remover, next)
			}
			j := i
			for j < len(items) && items[j].IsChar() {
				j++
			}
			n := min(j-i, next.Length-m.remover.Offset)
			m.add(Entry{Type: RemoveText, Path: m.remover.Path(), Offset: m.remover.Offset, Length: n})
			m.removeText(n)
			i += n
		case it.IsOpen():
			if next == nil || next.Type != it.Type {
				dm.Invariantf("removing open %q at %v, found %v", it.Type, m.remover, next)
			}
			if length := next.OuterLength(); len(items)-i >= length && isCloseOf(items[i+length-1], it.Type) {
				m.add(Entry{Type: RemoveNode, Path: m.remover.Path()})
				m.removeChild(m.remover.Node, m.remover.Index)
				i += length
				continue
			}
			m.deletions = append(m.deletions, next)
			m.remover.enter(next)
			i++
		default:
			if next != nil || m.remover.Node == m.root {
				dm.Invariantf("removing close %q at %v", it.ElementType(), m.remover)
			}
			if typ := m.remover.Node.Type; typ != it.ElementType() {
				dm.Invariantf("removing close %q, remover is in %q", it.ElementType(), typ)
			}
			m.leaveRemover()
			i++
		}
	}
}

func isCloseOf(it dm.Item, typ string) bool {
	return it.IsClose() && it.ElementType() == typ
}

// leaveRemover steps the remover out of its node, which is removed if marked for deletion.
// The remover then skips whatever the inserter placed after the node.
func (m *Modifier) leaveRemover() {
	node := m.remover.Node
	if k := len(m.deletions) - 1; k >= 0 && m.deletions[k] == node {
		m.deletions = m.deletions[:k]
		if len(node.Children) > 0 {
			dm.Invariantf("removing %q with %d children left", node.Type, len(node.Children))
		}
		parent, i := node.Parent, node.Index()
		m.add(Entry{Type: RemoveNode, Path: node.Path()})
		m.removeChild(parent, i)
		m.remover = Cursor{Node: parent, Index: i}
	} else {
		m.remover.stepOut()
	}
	for next := m.remover.Next(); next != nil && m.insertions[next]; next = m.remover.Next() {
		m.remover.Index++
	}
}

// removeText removes n characters at the remover, pruning the text node if emptied.
func (m *Modifier) removeText(n int) {
	c := m.remover
	text := c.Next()
	text.Length -= n
	if m.inserter.Node == c.Node && m.inserter.Index == c.Index && m.inserter.Offset > c.Offset {
		m.inserter.Offset = max(c.Offset, m.inserter.Offset-n)
	}
	if text.Length == 0 {
		m.removeChild(c.Node, c.Index)
	}
}

// removeChild detaches the i-th child of parent, keeping the cursors in place.
func (m *Modifier) removeChild(parent *dm.Node, i int) *dm.Node {
	node := parent.RemoveChild(i)
	for _, c := range []*Cursor{&m.remover, &m.inserter} {
		if c.Node != parent {
			continue
		}
		if c.Index > i {
			c.Index--
		} else if c.Index == i {
			c.Offset = 0
		}
	}
	return node
}

// +--------+
// | Insert |
// +--------+

// processInsert inserts items at the inserter.
func (m *Modifier) processInsert(items []dm.Item) {
	for i := 0; i < len(items); {
		m.normalize()
		it := items[i]
		switch {
		case it.IsChar():
			j := i
			for j < len(items) && items[j].IsChar() {
				j++
			}
			path, offset := m.insertText(j - i)
			m.add(Entry{Type: InsertText, Path: path, Offset: offset, Length: j - i})
			i = j
		case it.IsOpen():
			if _, ok := m.registry.Lookup(it.Type); !ok {
				dm.Invariantf("inserting unknown node type %q", it.Type)
			}
			m.insertNode(dm.NewBranchNode(it))
			i++
		default:
			m.closeInserter(it.ElementType())
			i++
		}
	}
}

// insertNode places a new node at the inserter and enters it.
func (m *Modifier) insertNode(node *dm.Node) {
	item := node.OpenItem()
	m.add(Entry{Type: InsertNode, Path: m.inserter.Path(), Item: &item})
	i := m.inserter.Index
	m.placeNode(node)
	m.inserter.enter(node)
	m.insertedPositions = append(m.insertedPositions, i)
}

// moveNode moves the node at the remover to the inserter.
func (m *Modifier) moveNode() {
	from := m.remover.Path()
	node := m.removeChild(m.remover.Node, m.remover.Index)
	m.add(Entry{Type: MoveNode, Path: from, NewPath: m.inserter.Path()})
	m.placeNode(node)
	m.inserter.Index++
}

// placeNode inserts node as a child at the inserter, which stays before it.
func (m *Modifier) placeNode(node *dm.Node) {
	c := m.inserter
	if spec, _ := m.registry.Lookup(c.Node.Type); c.Offset > 0 || spec.Kind != dm.BranchKind {
		dm.Invariantf("placing %q inside %q", node.Type, c.Node.Type)
	}
	c.Node.InsertChild(c.Index, node)
	if m.remover.Node == c.Node && m.remover.Index >= c.Index {
		m.remover.Index++
	}
	m.insertions[node] = true
}

// moveText moves n characters from the remover to the inserter.
func (m *Modifier) moveText(n int) {
	from, offset := m.remover.Path(), m.remover.Offset
	m.removeText(n)
	m.normalize()
	path, newOffset := m.insertText(n)
	m.add(Entry{Type: MoveText, Path: from, Offset: offset, NewPath: path, NewOffset: newOffset, Length: n})
}

// insertText inserts n characters at the inserter, into an adjacent text node if there's one,
// and returns the text slot and offset where they went.
func (m *Modifier) insertText(n int) ([]int, int) {
	c := &m.inserter
	if !m.registry.IsContent(c.Node.Type) {
		dm.Invariantf("inserting text inside %q", c.Node.Type)
	}
	switch next := c.Next(); {
	case next != nil && next.IsText():
		path, offset := c.Path(), c.Offset
		next.Length += n
		if m.remover.Node == c.Node && m.remover.Index == c.Index && m.remover.Offset >= offset {
			m.remover.Offset += n
		}
		c.Offset += n
		return path, offset
	case c.Index > 0 && c.Node.Children[c.Index-1].IsText():
		prev := c.Node.Children[c.Index-1]
		path, offset := append(c.Node.Path(), c.Index-1), prev.Length
		prev.Length += n
		return path, offset
	}
	path := c.Path()
	c.Node.InsertChild(c.Index, dm.NewTextNode(n))
	if m.remover.Node == c.Node && m.remover.Index >= c.Index {
		m.remover.Index++
	}
	c.Index++
	return path, 0
}

// closeInserter steps the inserter out of its node, which must be of type typ.
func (m *Modifier) closeInserter(typ string) {
	c := &m.inserter
	if c.Node == m.root {
		dm.Invariantf("closing %q at the document root", typ)
	}
	if c.Node.Type != typ {
		dm.Invariantf("closing %q, inserter is in %q", typ, c.Node.Type)
	}
	c.stepOut()
	if k := len(m.insertedPositions); k > 0 {
		m.insertedPositions = m.insertedPositions[:k-1]
	}
}

// +------------+
// | Attributes |
// +------------+

// processAttributeChange sets an attribute of the node right after the remover.
func (m *Modifier) processAttributeChange(op dm.AttributeChange) {
	m.normalize()
	node := m.remover.Next()
	if node == nil || node.IsText() || m.remover.Offset > 0 {
		dm.Invariantf("changing attribute %q at %v, found %v", op.Key, m.remover, node)
	}
	if got := node.Attributes[op.Key]; got != op.From {
		dm.Invariantf("attribute %q of %q is %q, want %q", op.Key, node.Type, got, op.From)
	}
	m.add(Entry{Type: ChangeAttribute, Path: m.remover.Path(), Key: op.Key, From: op.From, To: op.To})
	node.Attributes = node.OpenItem().WithAttribute(op.Key, op.To).Attributes
}
