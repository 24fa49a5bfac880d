/*
Package dm provides the data model of a collaborative hierarchical document.

A document is stored twice: as a flat sequence of linear items (characters and element
open/close tags) interleaved with metadata, and as a node tree built over that sequence.
Edits are expressed as transactions of operations over the linear data; committing a
transaction updates the linear data and then synchronizes the tree through a pluggable
TreeSync, so the tree never needs a full rebuild for ordinary edits.

  # BEGIN ASCII ART

     0     1     2     3     4     5     6     7     8
  .-----.-----.-----.-----.-----.-----.-----.-----.-----.
  | <p> |  f  |  o  |  o  | </p>| <p> |  b  |  a  | </p>|
  '-----'-----'-----'-----'-----'-----'-----'-----'-----'

  document( paragraph(#3) paragraph(#2) )

  # END ASCII ART
  # ALT TEXT: Linear data of two paragraphs, "foo" and "ba", with offsets from 0 to 8, and the
              tree built from it: a document node with two paragraph children, holding text nodes
              of length 3 and 2.
*/
package dm

import (
	"errors"
	"fmt"
	"log/slog"
)

// +--------+
// | Errors |
// +--------+

// Errors returned by data model operations.
var (
	ErrInvalidPath        = errors.New("invalid node path")
	ErrInvalidNesting     = errors.New("invalid nesting")
	ErrUnknownType        = errors.New("unknown node type")
	ErrUnbalancedData     = errors.New("unbalanced linear data")
	ErrUnknownOperation   = errors.New("unknown operation type")
	ErrLengthMismatch     = errors.New("transaction length doesn't match document length")
	ErrRemoveMismatch     = errors.New("removed data doesn't match document")
	ErrMetadataMismatch   = errors.New("removed metadata doesn't match document")
	ErrAttributeMismatch  = errors.New("attribute change doesn't match document")
	ErrInvalidOperations  = errors.New("invalid operation sequence")
	ErrUncomposable       = errors.New("transactions can't be composed")
	ErrInvalidRange       = errors.New("range out of document bounds")
	ErrInvalidInsertion   = errors.New("insertion can't be placed at offset")
	ErrNoIntention        = errors.New("transaction has no intention")
	ErrUnknownVerb        = errors.New("unknown intention verb")
	ErrInvalidTransaction = errors.New("transaction produces an invalid document")
)

// InvariantError is raised, as a panic, when the linear data and the tree are found to be
// inconsistent with each other. Only Document.Commit recovers it.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

// Invariantf panics with an *InvariantError.
func Invariantf(format string, args ...interface{}) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}

// +--------------+
// | Sync actions |
// +--------------+

// ActionType names a tree-affecting action found while applying a transaction to the data.
type ActionType string

const (
	ActionAnnotation      ActionType = "annotation"
	ActionAttributeChange ActionType = "attributeChange"
	ActionResize          ActionType = "resize"
	ActionInsertTextNode  ActionType = "insertTextNode"
	ActionRebuild         ActionType = "rebuild"
)

// SyncAction describes how a region of the tree must change to follow the linear data.
type SyncAction struct {
	Type ActionType
	// Range is the affected region in the data before the transaction.
	Range Range
	// NewRange is the affected region in the data after the transaction.
	NewRange Range
	// Key, From and To describe an attribute change.
	Key, From, To string
}

// Delta is the change in data length caused by the action.
func (a SyncAction) Delta() int {
	return a.NewRange.Length() - a.Range.Length()
}

func (a SyncAction) String() string {
	return fmt.Sprintf("%s%v->%v", a.Type, a.Range, a.NewRange)
}

// TreeSync updates a document tree to match linear data that has already been changed by tx.
//
// Implementations must finish every tree mutation before returning, and return the events to
// be emitted afterwards. Errors and *InvariantError panics make the document fall back to a
// full rebuild.
type TreeSync interface {
	SyncTree(doc *Document, tx *Transaction, actions []SyncAction) ([]Event, error)
}

// +--------+
// | Events |
// +--------+

// Event names emitted by documents.
const (
	EventAnnotation      = "annotation"
	EventAttributeChange = "attributeChange"
	EventUpdate          = "update"
	EventTransact        = "transact"
)

// Event notifies observers that a node changed.
type Event struct {
	Name string
	Node *Node
	Args []interface{}
}

// +----------+
// | Document |
// +----------+

// Document holds linear data, its metadata and the tree built over them.
//
// A Document is not safe for concurrent use; it's owned by a single editing session.
type Document struct {
	Data     LinearData
	Metadata Metadata

	registry  *Registry
	tree      *Node
	sync      TreeSync
	logger    *slog.Logger
	observers map[int]func(Event)
	nextObs   int
}

// Option configures a Document.
type Option func(*Document)

// WithRegistry sets the node registry. Documents use DefaultRegistry otherwise.
func WithRegistry(reg *Registry) Option {
	return func(d *Document) { d.registry = reg }
}

// WithTreeSync sets how the tree follows committed transactions. Without one, the tree is
// rebuilt after every commit.
func WithTreeSync(s TreeSync) Option {
	return func(d *Document) { d.sync = s }
}

// WithLogger sets the logger used to report recovered tree inconsistencies.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) { d.logger = logger }
}

// NewDocument creates a document over items, validating that they form a tree.
func NewDocument(items []Item, opts ...Option) (*Document, error) {
	d := &Document{
		Data:     NewLinearData(items...),
		Metadata: NewMetadata(len(items)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.registry == nil {
		d.registry = DefaultRegistry()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	tree, err := BuildTree(items, d.registry)
	if err != nil {
		return nil, err
	}
	d.tree = tree
	return d, nil
}

// MustNewDocument is like NewDocument, but panics on error.
func MustNewDocument(items []Item, opts ...Option) *Document {
	d, err := NewDocument(items, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Registry returns the node registry of the document.
func (d *Document) Registry() *Registry {
	return d.registry
}

// Len returns the length of the linear data.
func (d *Document) Len() int {
	return d.Data.Len()
}

// Tree returns the document tree, building it if needed.
func (d *Document) Tree() *Node {
	if d.tree == nil {
		tree, err := BuildTree(d.Data.Items(), d.registry)
		if err != nil {
			Invariantf("building tree from committed data: %v", err)
		}
		d.tree = tree
	}
	return d.tree
}

// SetTreeSync replaces how the tree follows committed transactions.
func (d *Document) SetTreeSync(s TreeSync) {
	d.sync = s
}

// Logger returns the document logger.
func (d *Document) Logger() *slog.Logger {
	return d.logger
}

// Clone returns a copy of the document's data and metadata, sharing the finger tree. The
// clone has no observers and no tree sync, and builds its tree lazily.
func (d *Document) Clone() *Document {
	return &Document{
		Data:     d.Data,
		Metadata: d.Metadata.Clone(),
		registry: d.registry,
		logger:   d.logger,
	}
}

// Subscribe registers an observer and returns a function that unregisters it.
func (d *Document) Subscribe(fn func(Event)) func() {
	if d.observers == nil {
		d.observers = make(map[int]func(Event))
	}
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() { delete(d.observers, id) }
}

func (d *Document) emit(e Event) {
	for id := 0; id < d.nextObs; id++ {
		if fn, ok := d.observers[id]; ok {
			fn(e)
		}
	}
}

// Commit applies tx to the document.
//
// The linear data is updated first, then the tree, if already built, is synchronized. Events
// are only emitted after the tree is fully updated. If tx doesn't apply to the document, the
// document is left unchanged.
func (d *Document) Commit(tx *Transaction) error {
	res, err := process(d.Data, d.Metadata, tx)
	if err != nil {
		return err
	}
	oldData, oldMeta := d.Data, d.Metadata
	d.Data, d.Metadata = res.data, res.meta
	if d.tree == nil {
		d.emit(Event{Name: EventTransact, Args: []interface{}{tx}})
		return nil
	}
	events, err := d.syncTree(tx, res.actions)
	if err != nil {
		d.Data, d.Metadata = oldData, oldMeta
		d.tree = nil
		return err
	}
	for _, e := range events {
		d.emit(e)
	}
	return nil
}

func (d *Document) syncTree(tx *Transaction, actions []SyncAction) (events []Event, err error) {
	if d.sync != nil {
		events, err = d.trySync(tx, actions)
		if err == nil {
			return events, nil
		}
		d.logger.Warn("tree sync failed, rebuilding", "error", err, "transaction", tx.String())
	}
	return d.rebuild(tx)
}

func (d *Document) trySync(tx *Transaction, actions []SyncAction) (events []Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ierr, ok := r.(*InvariantError)
			if !ok {
				panic(r)
			}
			err = ierr
		}
	}()
	return d.sync.SyncTree(d, tx, actions)
}

func (d *Document) rebuild(tx *Transaction) ([]Event, error) {
	tree, err := BuildTree(d.Data.Items(), d.registry)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	d.tree = tree
	return []Event{
		{Name: EventUpdate, Node: tree},
		{Name: EventTransact, Node: tree, Args: []interface{}{tx}},
	}, nil
}

// Validate checks that the linear data forms a valid tree.
func (d *Document) Validate() error {
	_, err := BuildTree(d.Data.Items(), d.registry)
	return err
}

// Items returns a copy of the document's linear data.
func (d *Document) Items() []Item {
	return d.Data.Items()
}

// ItemsAt returns a copy of the linear data in r.
func (d *Document) ItemsAt(r Range) []Item {
	return d.Data.Slice(r.Start(), r.End())
}

// ContainerAt returns the deepest branch node whose inner range holds offset, and offset
// relative to that node's first inner item. Offsets at a tag boundary belong to the parent.
func (d *Document) ContainerAt(offset int) (*Node, int) {
	node, rel := d.Tree(), offset
	for {
		var next *Node
		pos := 0
		for _, c := range node.Children {
			length := c.OuterLength()
			if !c.IsText() && rel > pos && rel < pos+length {
				next, rel = c, rel-pos-1
				break
			}
			pos += length
		}
		if next == nil {
			return node, rel
		}
		node = next
	}
}
