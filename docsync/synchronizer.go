/*
Package docsync updates a document tree from the actions gathered while a transaction was
applied to the linear data.

Actions are sorted by range, and actions nested within a rebuild or resize are merged into it,
so that every region of the tree is touched once. Annotations are left alone, since they don't
change the tree. Each action is then synchronized in order, and events are buffered until the
whole tree is updated.

  # BEGIN ASCII ART

  actions   [ rebuild 2..9 ]   [ resize 12..13 ]
                [ resize 4..5 ]   [ annotation 14..16 ]

  merged    [ rebuild 2..9 ]   [ resize 12..13 ]
                                  [ annotation 14..16 ]

  # END ASCII ART
  # ALT TEXT: A resize nested in a rebuild is merged into it; other actions stay as they are.
*/
package docsync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/brunokim/docsync/dm"
)

var (
	// ErrNotContent is returned when text must be placed outside a content branch.
	ErrNotContent = errors.New("text outside content branch")
	// ErrTextMismatch is returned when a resize doesn't fit the text node it targets.
	ErrTextMismatch = errors.New("resize doesn't fit text node")
)

// +--------------+
// | Synchronizer |
// +--------------+

// Synchronizer implements dm.TreeSync with per-action tree updates.
type Synchronizer struct {
	logger *slog.Logger
}

// New creates a synchronizer logging to logger, or to slog.Default() if nil.
func New(logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{logger: logger.With(slog.String("component", "docsync"))}
}

// SyncTree implements dm.TreeSync.
func (s *Synchronizer) SyncTree(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
	return s.Sync(doc, tx, actions)
}

// Sync brings doc's tree up to date with its data, changed by tx as described by actions.
//
// Every tree mutation is done before the returned events, which end with a transact event of
// the document.
func (s *Synchronizer) Sync(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
	merged := MergeActions(actions)
	st := &state{doc: doc, root: doc.Tree(), pending: merged}
	for len(st.pending) > 0 {
		action := st.pending[0]
		st.pending = st.pending[1:]
		if err := st.sync(action); err != nil {
			return nil, fmt.Errorf("%v: %w", action, err)
		}
	}
	s.logger.Debug("tree synchronized",
		slog.Int("actions", len(actions)), slog.Int("merged", len(merged)), slog.Int("events", st.queue.Len()))
	events := st.queue.Flush()
	return append(events, dm.Event{Name: dm.EventTransact, Node: st.root, Args: []interface{}{tx}}), nil
}

// MergeActions sorts actions by start, widest first, and merges actions overlapping a rebuild
// or resize into it. A resize that absorbs another action becomes a rebuild. Annotations are
// never merged.
func MergeActions(actions []dm.SyncAction) []dm.SyncAction {
	sorted := append([]dm.SyncAction(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Range, sorted[j].Range
		if a.Start() != b.Start() {
			return a.Start() < b.Start()
		}
		return a.End() > b.End()
	})
	var merged []dm.SyncAction
	container := -1
	for _, a := range sorted {
		if a.Type == dm.ActionAnnotation {
			merged = append(merged, a)
			continue
		}
		if container >= 0 && overlaps(merged[container], a) {
			merged[container] = absorb(merged[container], a)
			continue
		}
		merged = append(merged, a)
		if a.Type == dm.ActionRebuild || a.Type == dm.ActionResize {
			container = len(merged) - 1
		} else {
			container = -1
		}
	}
	return merged
}

func overlaps(c, a dm.SyncAction) bool {
	return a.Range.Start() < c.Range.End() || a.Range.Start() == c.Range.Start()
}

// absorb returns c widened to cover a.
func absorb(c, a dm.SyncAction) dm.SyncAction {
	start := c.Range.Start()
	end := max(c.Range.End(), a.Range.End())
	newStart := c.NewRange.Start()
	return dm.SyncAction{
		Type:     dm.ActionRebuild,
		Range:    dm.NewRange(start, end),
		NewRange: dm.NewRange(newStart, newStart+(end-start)+c.Delta()+a.Delta()),
	}
}

// +-------+
// | State |
// +-------+

// state walks the merged actions in order. Regions before the current action are already
// synchronized, so the tree is addressed by old offsets shifted by delta.
type state struct {
	doc     *dm.Document
	root    *dm.Node
	pending []dm.SyncAction
	delta   int
	queue   EventQueue
}

func (st *state) sync(a dm.SyncAction) error {
	switch a.Type {
	case dm.ActionAnnotation:
		return st.annotation(a)
	case dm.ActionAttributeChange:
		return st.attributeChange(a)
	case dm.ActionResize:
		return st.resize(a)
	case dm.ActionInsertTextNode:
		return st.insertTextNode(a)
	case dm.ActionRebuild:
		return st.rebuild(a)
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

// at returns where an action starts in the partially synchronized tree.
func (st *state) at(a dm.SyncAction) int {
	return a.Range.Start() + st.delta
}

func (st *state) annotation(a dm.SyncAction) error {
	node, _ := st.doc.ContainerAt(st.at(a))
	st.queue.Enqueue(dm.EventAnnotation, node)
	return nil
}

func (st *state) attributeChange(a dm.SyncAction) error {
	offset := st.at(a)
	node, rel := st.doc.ContainerAt(offset + 1)
	if rel != 0 || node.IsRoot() {
		return fmt.Errorf("no element at %d", offset)
	}
	node.Attributes = st.doc.Data.At(offset).Clone().Attributes
	st.queue.Enqueue(dm.EventAttributeChange, node, a.Key, a.From, a.To)
	return nil
}

func (st *state) contentAt(offset int) (*dm.Node, error) {
	node, _ := st.doc.ContainerAt(offset)
	if !st.doc.Registry().IsContent(node.Type) {
		return nil, fmt.Errorf("%w: %q at %d", ErrNotContent, node.Type, offset)
	}
	return node, nil
}

// resize grows or shrinks the text of a content branch, removing it if it becomes empty.
func (st *state) resize(a dm.SyncAction) error {
	node, err := st.contentAt(st.at(a))
	if err != nil {
		return err
	}
	if len(node.Children) == 0 {
		return st.placeText(node, a)
	}
	text := node.Children[0]
	length := text.Length + a.Delta()
	switch {
	case length < 0:
		return fmt.Errorf("%w: %d characters %+d", ErrTextMismatch, text.Length, a.Delta())
	case length == 0:
		node.RemoveChild(0)
	default:
		text.Length = length
	}
	st.delta += a.Delta()
	st.queue.Enqueue(dm.EventUpdate, node)
	return nil
}

// insertTextNode places text in a content branch that had none around the insertion.
func (st *state) insertTextNode(a dm.SyncAction) error {
	node, err := st.contentAt(st.at(a))
	if err != nil {
		return err
	}
	if len(node.Children) > 0 {
		return fmt.Errorf("%w: %q already has text", ErrTextMismatch, node.Type)
	}
	return st.placeText(node, a)
}

func (st *state) placeText(node *dm.Node, a dm.SyncAction) error {
	if a.Delta() < 0 {
		return fmt.Errorf("%w: no text to remove %d characters from", ErrTextMismatch, -a.Delta())
	}
	if a.Delta() > 0 {
		node.InsertChild(0, dm.NewTextNode(a.Delta()))
	}
	st.delta += a.Delta()
	st.queue.Enqueue(dm.EventUpdate, node)
	return nil
}

// rebuild replaces the siblings spanning the action with nodes built from the new data.
//
// The siblings are taken from the deepest node containing the action. If the new data doesn't
// fit that node, the rebuild moves up to its parent. Pending actions within the rebuilt
// siblings are absorbed into the rebuild.
func (st *state) rebuild(a dm.SyncAction) error {
	start := st.at(a)
	end := start + a.Range.Length()
	delta := a.Delta()
	reg := st.doc.Registry()
	for {
		sp := locate(st.root, start, end)
		if reg.IsContent(sp.parent.Type) {
			sp = sp.all()
		}
		if d, widened := st.absorbPending(sp.end); widened > end || d != 0 {
			delta += d
			end = max(end, widened)
			continue
		}
		items := st.doc.Data.Slice(sp.start, sp.end+delta)
		nodes, err := dm.BuildNodes(items, reg, sp.parent.Type)
		if err == nil {
			sp.parent.SpliceChildren(sp.i, sp.j-sp.i, nodes...)
			st.delta += delta
			st.queue.Enqueue(dm.EventUpdate, sp.parent)
			return nil
		}
		if sp.parent.Parent == nil {
			return err
		}
		start = sp.parent.Offset()
		end = start + sp.parent.OuterLength()
	}
}

// absorbPending removes pending actions starting before end, except annotations. It returns
// their total delta and the farthest end among them.
func (st *state) absorbPending(end int) (delta, farthest int) {
	kept := st.pending[:0]
	for _, p := range st.pending {
		if p.Type == dm.ActionAnnotation || st.at(p) >= end {
			kept = append(kept, p)
			continue
		}
		delta += p.Delta()
		farthest = max(farthest, st.at(p)+p.Range.Length())
	}
	st.pending = kept
	return delta, farthest
}

// +------+
// | Span |
// +------+

// span is a run of siblings parent.Children[i:j] covering the linear range [start, end).
type span struct {
	parent     *dm.Node
	base       int
	i, j       int
	start, end int
}

// all widens s to every child of its parent.
func (s span) all() span {
	s.i, s.j = 0, len(s.parent.Children)
	s.start, s.end = s.base, s.base+s.parent.InnerLength()
	return s
}

// locate finds the smallest run of siblings covering [start, end), within the deepest node
// whose inner range contains it.
func locate(root *dm.Node, start, end int) span {
	node, base := root, 0
descend:
	for {
		pos := base
		for _, c := range node.Children {
			length := c.OuterLength()
			if !c.IsText() && pos < start && end < pos+length {
				node, base = c, pos+1
				continue descend
			}
			pos += length
		}
		break
	}
	s := span{parent: node, base: base, start: base, end: base}
	pos := base
	for k, c := range node.Children {
		cstart, cend := pos, pos+c.OuterLength()
		if cend <= start {
			s.i, s.start = k+1, cend
		}
		if cstart < end {
			s.j, s.end = k+1, cend
		}
		pos = cend
	}
	if s.j < s.i {
		s.j, s.end = s.i, s.start
	}
	return s
}
