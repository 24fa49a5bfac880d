/*
Package session binds a live document to a rebase client and a transport.

A Session is an editing session of one author. It owns the document, its local history and
the roster of connected authors, and runs every mutation from a single loop:

  # BEGIN ASCII ART

        transport ----> +-----+ ----> rebase.Client ----> document
                        | Run |                              |
   Do / Edit / Select ->+-----+ <------- capture ------------+

  # END ASCII ART
  # ALT TEXT: Messages from the transport and local edits are both processed by Run. Local
              commits are captured into the history and submitted through the rebase client.

Transactions applied while synchronizing with the server are not captured as local edits.
*/
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
	"github.com/brunokim/docsync/docsync"
	"github.com/brunokim/docsync/rebase"
	"github.com/brunokim/docsync/transport"
)

var (
	// ErrNotReady is returned for edits before the document was received.
	ErrNotReady = errors.New("session not initialized")
	// ErrDisconnected is returned when the server goes away.
	ErrDisconnected = errors.New("disconnected from server")
	// ErrCorruptedDocument is reported when a change from the server can't be decoded or
	// applied. The session keeps running, but may be out of sync with the server.
	ErrCorruptedDocument = errors.New("corrupted document")
)

// Session is the client side of a collaborative document.
type Session struct {
	transport transport.Transport
	logger    *slog.Logger
	treeSync  dm.TreeSync
	registry  *dm.Registry
	events    rebase.EventLogger
	onError   func(error)

	ops     chan func()
	ready   chan struct{}
	stopped chan struct{}

	// Owned by Run.
	ctx              context.Context
	doc              *dm.Document
	history          *change.Change
	client           *rebase.Client
	applying         bool
	pendingSelection *change.Selection

	mu      sync.Mutex
	author  int
	token   string
	authors map[int]transport.AuthorData
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. Sessions log to slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTreeSync sets how the document tree follows commits. It defaults to a docsync
// synchronizer.
func WithTreeSync(ts dm.TreeSync) Option {
	return func(s *Session) { s.treeSync = ts }
}

// WithRegistry sets the node registry of the document.
func WithRegistry(reg *dm.Registry) Option {
	return func(s *Session) { s.registry = reg }
}

// WithErrorHandler sets the function receiving errors that don't stop the session, like
// ErrCorruptedDocument.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithEventLogger sets where rebase protocol events are logged.
func WithEventLogger(l rebase.EventLogger) Option {
	return func(s *Session) { s.events = l }
}

// New creates a session over t. It does nothing until Run is called.
func New(t transport.Transport, opts ...Option) *Session {
	s := &Session{
		transport: t,
		ops:       make(chan func()),
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
		authors:   make(map[int]transport.AuthorData),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "session"))
	if s.treeSync == nil {
		s.treeSync = docsync.New(s.logger)
	}
	if s.registry == nil {
		s.registry = dm.DefaultRegistry()
	}
	if s.events == nil {
		s.events = rebase.NewSlogLogger(s.logger)
	}
	if s.onError == nil {
		s.onError = func(err error) { s.logger.Error("session error", slog.Any("error", err)) }
	}
	return s
}

// Ready is closed once the document was received from the server.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Author returns the author id assigned by the server, or 0 before registration.
func (s *Session) Author() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.author
}

// Token returns the token to resume this author's identity on reconnection.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Authors returns a copy of the roster of connected authors.
func (s *Session) Authors() map[int]transport.AuthorData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]transport.AuthorData, len(s.authors))
	for id, data := range s.authors {
		out[id] = data
	}
	return out
}

// +------+
// | Loop |
// +------+

// Run processes server messages and local operations until the server disconnects, returning
// ErrDisconnected, or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.ctx = ctx
	recv := s.transport.Receive()
	for {
		select {
		case m, ok := <-recv:
			if !ok || m.Event == transport.EventDisconnect {
				return ErrDisconnected
			}
			if err := s.handle(m); err != nil {
				s.onError(err)
			}
		case op := <-s.ops:
			op()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// call runs fn in the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case s.ops <- func() { done <- fn() }:
	case <-s.stopped:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handle(m transport.Message) error {
	switch m.Event {
	case transport.EventRegistered:
		var p transport.Registered
		if err := m.Decode(&p); err != nil {
			return err
		}
		s.mu.Lock()
		s.author, s.token = p.AuthorID, p.Token
		s.mu.Unlock()
		s.logger = s.logger.With(slog.Int("author", p.AuthorID))
	case transport.EventInitDoc:
		var p transport.InitDoc
		if err := m.Decode(&p); err != nil {
			return err
		}
		return s.init(p)
	case transport.EventNewChange:
		var p transport.NewChange
		if err := m.Decode(&p); err != nil {
			return err
		}
		return s.accept(p.Change)
	case transport.EventAuthorChange:
		var p transport.AuthorChange
		if err := m.Decode(&p); err != nil {
			return err
		}
		s.mu.Lock()
		s.authors[p.AuthorID] = p.AuthorData
		s.mu.Unlock()
	case transport.EventAuthorDisconnect:
		var p transport.AuthorDisconnect
		if err := m.Decode(&p); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.authors, p.AuthorID)
		s.mu.Unlock()
	default:
		return fmt.Errorf("%w: %q", transport.ErrUnexpectedEvent, m.Event)
	}
	return nil
}

func (s *Session) init(p transport.InitDoc) error {
	if s.client != nil {
		return fmt.Errorf("%w: document already initialized", transport.ErrUnexpectedEvent)
	}
	doc, err := dm.NewDocument(p.Base, dm.WithRegistry(s.registry), dm.WithTreeSync(s.treeSync), dm.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("%w: base document: %v", ErrCorruptedDocument, err)
	}
	history := p.History
	if history == nil {
		history = change.New(0)
	}
	if err := history.Apply(doc); err != nil {
		return fmt.Errorf("%w: replaying history: %v", ErrCorruptedDocument, err)
	}
	s.doc, s.history = doc, history
	s.doc.Subscribe(s.capture)
	s.client = rebase.NewClient(s.Author(), s, rebase.WithHistoryLength(history.End()), rebase.WithEventLogger(s.events))

	s.mu.Lock()
	for id, data := range p.Authors {
		s.authors[id] = data
	}
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("document initialized", slog.Int("historyLength", history.End()), slog.Int("length", doc.Len()))
	return nil
}

func (s *Session) accept(bs []byte) error {
	if s.client == nil {
		return ErrNotReady
	}
	c, err := change.Deserialize(bs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedDocument, err)
	}
	if err := s.client.AcceptChange(c); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptedDocument, err)
	}
	if s.client.State() == rebase.PendingSend {
		return s.client.SubmitChange()
	}
	return nil
}

// capture appends local commits to the history.
func (s *Session) capture(e dm.Event) {
	if e.Name != dm.EventTransact || s.applying {
		return
	}
	tx := e.Args[0].(*dm.Transaction)
	history, err := s.history.Concat(change.New(s.history.End(), tx))
	if err != nil {
		s.onError(err)
		return
	}
	s.history = history
}

// +------------+
// | Operations |
// +------------+

// Do commits the transaction built by fn over the live document as a local edit, and submits
// it to the server.
func (s *Session) Do(ctx context.Context, fn func(doc *dm.Document) (*dm.Transaction, error)) error {
	return s.call(ctx, func() error {
		if s.client == nil {
			return ErrNotReady
		}
		tx, err := fn(s.doc)
		if err != nil {
			return err
		}
		tx.Author = s.client.Author()
		if err := s.doc.Commit(tx); err != nil {
			return err
		}
		return s.client.SubmitChange()
	})
}

// Edit commits tx as a local edit and submits it.
func (s *Session) Edit(ctx context.Context, tx *dm.Transaction) error {
	return s.Do(ctx, func(*dm.Document) (*dm.Transaction, error) { return tx, nil })
}

// EditText replaces oldText, the characters at offset, with newText as a local edit. Only the
// characters that differ are replaced.
func (s *Session) EditText(ctx context.Context, offset int, oldText, newText string) error {
	return s.Do(ctx, func(doc *dm.Document) (*dm.Transaction, error) {
		return dm.NewFromTextDiff(doc, offset, oldText, newText)
	})
}

// Select sets the author's selection and submits it.
func (s *Session) Select(ctx context.Context, r dm.Range) error {
	return s.call(ctx, func() error {
		if s.client == nil {
			return ErrNotReady
		}
		sel := change.LinearSelection(r)
		s.pendingSelection = &sel
		s.history.Selections[s.client.Author()] = sel
		return s.client.SubmitChange()
	})
}

// Inspect runs fn in the session loop with the live document and history, which fn must not
// modify.
func (s *Session) Inspect(ctx context.Context, fn func(doc *dm.Document, history *change.Change)) error {
	return s.call(ctx, func() error {
		if s.client == nil {
			return ErrNotReady
		}
		fn(s.doc, s.history)
		return nil
	})
}

// State returns the rebase client state.
func (s *Session) State(ctx context.Context) (rebase.State, error) {
	var state rebase.State
	err := s.call(ctx, func() error {
		if s.client == nil {
			return ErrNotReady
		}
		state = s.client.State()
		return nil
	})
	return state, err
}

// +---------+
// | Surface |
// +---------+

// GetChangeSince implements rebase.Surface. Submitted changes only carry the author's own
// selection, when it changed.
func (s *Session) GetChangeSince(start int, toSubmit bool) *change.Change {
	c := s.history.MostRecent(start)
	if toSubmit {
		c.Selections = make(map[int]change.Selection)
		if s.pendingSelection != nil {
			c.Selections[s.client.Author()] = *s.pendingSelection
		}
	}
	return c
}

// SendChange implements rebase.Surface.
func (s *Session) SendChange(backtrack int, c *change.Change) error {
	bs, err := c.Serialize()
	if err != nil {
		return err
	}
	payload := transport.SubmitChange{Backtrack: backtrack, Change: json.RawMessage(bs)}
	if err := s.transport.Send(s.ctx, transport.EventSubmitChange, payload); err != nil {
		return err
	}
	s.pendingSelection = nil
	return nil
}

// ApplyChange implements rebase.Surface.
func (s *Session) ApplyChange(c *change.Change) error {
	s.applying = true
	defer func() { s.applying = false }()
	return c.Apply(s.doc)
}

// UnapplyChange implements rebase.Surface.
func (s *Session) UnapplyChange(c *change.Change) error {
	s.applying = true
	defer func() { s.applying = false }()
	if err := c.Unapply(s.doc); err != nil {
		return err
	}
	s.truncateHistory(c.Start)
	return nil
}

// AddToHistory implements rebase.Surface.
func (s *Session) AddToHistory(c *change.Change) {
	history, err := s.history.Concat(c)
	if err != nil {
		s.onError(fmt.Errorf("adding to history: %w", err))
		return
	}
	s.history = history
}

// RemoveFromHistory implements rebase.Surface.
func (s *Session) RemoveFromHistory(c *change.Change) {
	s.truncateHistory(c.Start)
}

// truncateHistory drops transactions from history offset end on, keeping selections.
func (s *Session) truncateHistory(end int) {
	sels := s.history.Selections
	s.history = s.history.Truncate(end - s.history.Start)
	s.history.Selections = sels
}

// CommittedDocument implements rebase.Surface.
func (s *Session) CommittedDocument(commitLength int) (*dm.Document, error) {
	doc := s.doc.Clone()
	if err := s.history.MostRecent(commitLength).Unapply(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
