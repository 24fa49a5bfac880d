package treemod

import (
	"errors"
	"fmt"

	"github.com/brunokim/docsync/dm"
)

// ErrReplay is returned when a tree diff doesn't fit the tree it's replayed on.
var ErrReplay = errors.New("tree diff doesn't apply")

// EntryType discriminates tree diff entries.
type EntryType string

const (
	InsertNode      EntryType = "insertNode"
	RemoveNode      EntryType = "removeNode"
	MoveNode        EntryType = "moveNode"
	InsertText      EntryType = "insertText"
	RemoveText      EntryType = "removeText"
	MoveText        EntryType = "moveText"
	ChangeAttribute EntryType = "changeAttribute"
)

// Entry is one step of a tree diff.
//
// Paths address children in the tree as it is when the entry is applied: the last index is a
// child of the node at the rest of the path. Text entries address a text node slot, which is
// created when insertText or moveText target a slot without one.
type Entry struct {
	Type EntryType `json:"type"`
	// Path locates the removed, moved or changed node or text, or where a node is inserted.
	Path []int `json:"path"`
	// NewPath is where moved content goes.
	NewPath []int `json:"newPath,omitempty"`
	// Offset and NewOffset are character offsets within text nodes.
	Offset    int `json:"offset,omitempty"`
	NewOffset int `json:"newOffset,omitempty"`
	// Length is the number of characters of text entries.
	Length int `json:"length,omitempty"`
	// Item is the open tag of an inserted node.
	Item *dm.Item `json:"item,omitempty"`
	// Key, From and To describe an attribute change.
	Key  string `json:"key,omitempty"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (e Entry) String() string {
	switch e.Type {
	case InsertNode:
		return fmt.Sprintf("insertNode(%v)@%v", e.Item, e.Path)
	case RemoveNode:
		return fmt.Sprintf("removeNode@%v", e.Path)
	case MoveNode:
		return fmt.Sprintf("moveNode@%v->%v", e.Path, e.NewPath)
	case InsertText:
		return fmt.Sprintf("insertText(%d)@%v+%d", e.Length, e.Path, e.Offset)
	case RemoveText:
		return fmt.Sprintf("removeText(%d)@%v+%d", e.Length, e.Path, e.Offset)
	case MoveText:
		return fmt.Sprintf("moveText(%d)@%v+%d->%v+%d", e.Length, e.Path, e.Offset, e.NewPath, e.NewOffset)
	case ChangeAttribute:
		return fmt.Sprintf("changeAttribute(%s: %q -> %q)@%v", e.Key, e.From, e.To, e.Path)
	}
	return fmt.Sprintf("%s@%v", e.Type, e.Path)
}

// +--------+
// | Replay |
// +--------+

// Replay applies a tree diff, as returned by Modifier.Modify, to another copy of the tree it
// was computed on.
func Replay(root *dm.Node, entries []Entry) error {
	for i, e := range entries {
		if err := replayEntry(root, e); err != nil {
			return fmt.Errorf("entry %d (%v): %w", i, e, err)
		}
	}
	return nil
}

func replayEntry(root *dm.Node, e Entry) error {
	switch e.Type {
	case InsertNode:
		parent, i, err := slot(root, e.Path, true)
		if err != nil {
			return err
		}
		if e.Item == nil {
			return fmt.Errorf("%w: inserted node without open tag", ErrReplay)
		}
		parent.InsertChild(i, dm.NewBranchNode(*e.Item))
	case RemoveNode:
		parent, i, err := slot(root, e.Path, false)
		if err != nil {
			return err
		}
		parent.RemoveChild(i)
	case MoveNode:
		parent, i, err := slot(root, e.Path, false)
		if err != nil {
			return err
		}
		node := parent.RemoveChild(i)
		parent, i, err = slot(root, e.NewPath, true)
		if err != nil {
			return err
		}
		parent.InsertChild(i, node)
	case InsertText:
		return replayInsertText(root, e.Path, e.Offset, e.Length)
	case RemoveText:
		return replayRemoveText(root, e.Path, e.Offset, e.Length)
	case MoveText:
		if err := replayRemoveText(root, e.Path, e.Offset, e.Length); err != nil {
			return err
		}
		return replayInsertText(root, e.NewPath, e.NewOffset, e.Length)
	case ChangeAttribute:
		node, err := root.NodeAt(e.Path)
		if err != nil {
			return err
		}
		node.Attributes = node.OpenItem().WithAttribute(e.Key, e.To).Attributes
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrReplay, e.Type)
	}
	return nil
}

// slot resolves the parent and child index of path. Insertion slots may be past the last child.
func slot(root *dm.Node, path []int, insert bool) (*dm.Node, int, error) {
	if len(path) == 0 {
		return nil, 0, fmt.Errorf("%w: empty path", ErrReplay)
	}
	parent, err := root.NodeAt(path[:len(path)-1])
	if err != nil {
		return nil, 0, err
	}
	i, n := path[len(path)-1], len(parent.Children)
	if i < 0 || i > n || (i == n && !insert) {
		return nil, 0, fmt.Errorf("%w: child %d of %d at %v", ErrReplay, i, n, path)
	}
	return parent, i, nil
}

func replayInsertText(root *dm.Node, path []int, offset, length int) error {
	parent, i, err := slot(root, path, true)
	if err != nil {
		return err
	}
	if i < len(parent.Children) && parent.Children[i].IsText() {
		text := parent.Children[i]
		if offset > text.Length {
			return fmt.Errorf("%w: offset %d in text of length %d", ErrReplay, offset, text.Length)
		}
		text.Length += length
		return nil
	}
	parent.InsertChild(i, dm.NewTextNode(length))
	return nil
}

func replayRemoveText(root *dm.Node, path []int, offset, length int) error {
	parent, i, err := slot(root, path, false)
	if err != nil {
		return err
	}
	text := parent.Children[i]
	if !text.IsText() || offset+length > text.Length {
		return fmt.Errorf("%w: removing %d characters at %d from %v", ErrReplay, length, offset, text.Dump())
	}
	text.Length -= length
	if text.Length == 0 {
		parent.RemoveChild(i)
	}
	return nil
}
