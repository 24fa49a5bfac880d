package treemod

import (
	"fmt"

	"github.com/brunokim/docsync/dm"
)

// StepType classifies a cursor move.
type StepType string

const (
	// StepCross skips a whole branch node.
	StepCross StepType = "cross"
	// StepCrossText skips characters of a text node.
	StepCrossText StepType = "crosstext"
	// StepOpen enters a branch node through its open tag.
	StepOpen StepType = "open"
	// StepClose leaves a branch node through its close tag.
	StepClose StepType = "close"
)

// Step describes a cursor move over the linear data.
type Step struct {
	Type   StepType
	Length int
	// Node is the node crossed, entered or left.
	Node *dm.Node
}

func (s Step) String() string {
	return fmt.Sprintf("%s(%d, %s)", s.Type, s.Length, s.Node.Type)
}

// Cursor is a position within a tree, walked in linear order.
//
// The cursor is before the Index-th child of Node, which is always a branch. If that child is
// a text node, Offset counts the characters of it already walked. A cursor is normalized
// when it's never at the end of a text node.
type Cursor struct {
	Node   *dm.Node
	Index  int
	Offset int
}

// NewCursor returns a cursor at the start of the tree rooted at root.
func NewCursor(root *dm.Node) Cursor {
	return Cursor{Node: root}
}

// Clone returns a copy of c that moves independently.
func (c Cursor) Clone() Cursor {
	return c
}

// Path returns the child indexes leading from the root to the cursor's next child.
func (c Cursor) Path() []int {
	return append(c.Node.Path(), c.Index)
}

// Equal reports whether c and other are at the same place.
func (c Cursor) Equal(other Cursor) bool {
	return c.Node == other.Node && c.Index == other.Index && c.Offset == other.Offset
}

// AtEnd reports whether c is past every child of its node.
func (c Cursor) AtEnd() bool {
	return c.Index >= len(c.Node.Children)
}

// Next returns the child the cursor is before, or nil at the end of the node.
func (c Cursor) Next() *dm.Node {
	if c.AtEnd() {
		return nil
	}
	return c.Node.Children[c.Index]
}

func (c Cursor) String() string {
	return fmt.Sprintf("%s%v+%d", c.Node.Type, c.Path(), c.Offset)
}

func (c *Cursor) normalize() {
	if next := c.Next(); next != nil && next.IsText() && c.Offset >= next.Length {
		c.Index++
		c.Offset = 0
	}
}

// Peek describes the move of at most max items from c, without moving.
//
// At the end of the root, Peek returns a zero-length close step of the root.
func (c Cursor) Peek(max int) Step {
	c.normalize()
	next := c.Next()
	switch {
	case next == nil && c.Node.Parent == nil:
		return Step{Type: StepClose, Node: c.Node}
	case next == nil:
		return Step{Type: StepClose, Length: 1, Node: c.Node}
	case next.IsText():
		return Step{Type: StepCrossText, Length: min(max, next.Length-c.Offset), Node: next}
	case max >= next.OuterLength():
		return Step{Type: StepCross, Length: next.OuterLength(), Node: next}
	}
	return Step{Type: StepOpen, Length: 1, Node: next}
}

// StepAtMost moves c forward by at most max items.
func (c *Cursor) StepAtMost(max int) Step {
	s := c.Peek(max)
	c.normalize()
	switch s.Type {
	case StepCrossText:
		c.Offset += s.Length
		c.normalize()
	case StepCross:
		c.Index++
	case StepOpen:
		c.enter(s.Node)
	case StepClose:
		if s.Length > 0 {
			c.stepOut()
		}
	}
	return s
}

func (c *Cursor) enter(node *dm.Node) {
	c.Node, c.Index, c.Offset = node, 0, 0
}

func (c *Cursor) stepOut() {
	node := c.Node
	c.Node, c.Index, c.Offset = node.Parent, node.Index()+1, 0
}
