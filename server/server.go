/*
Package server is the authority of the rebase protocol.

The server keeps the committed history of each document, and commits the changes submitted by
authors in the order they arrive. A submitted change was built over the history the author knew
about, so it's rebased over everything committed since then:

  # BEGIN ASCII ART

   history   [ 0 .. c.Start )[ committed since, unknown to the author ]
   author                    [ submitted change c ]
   result    [ 0 .. c.Start )[ committed since ][ c rebased ]

  # END ASCII ART
  # ALT TEXT: The submitted change starts at an offset the author knew about. It's rebased over
              the changes committed after that offset, and appended to the history.

Transactions that conflict are rejected, and so is every later transaction of the same change.
The author learns about it by rebasing over the same history, and sends the number of rejected
transactions it had already sent, as backtrack, with its next change. Changes sent before the
author knew about the rejection depend on rejected transactions, and are dropped too.

For each author the server remembers the history committed after its last submission,
transposed over the author's accepted transactions: the continue base. The next change of the
author is rebased over it, so that committed changes are never rebased twice.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
	"github.com/brunokim/docsync/rebase"
	"github.com/brunokim/docsync/store"
	"github.com/brunokim/docsync/transport"
)

var (
	// ErrUnknownAuthor is returned for changes of authors that never joined the document.
	ErrUnknownAuthor = errors.New("unknown author")
	// ErrBacktrack is returned when an author backtracks more transactions than were rejected.
	ErrBacktrack = errors.New("backtrack exceeds rejected transactions")
	// ErrBadStart is returned when a change doesn't start where the author's history continues.
	ErrBadStart = errors.New("change doesn't continue the author's history")
)

// EventApplyChange is the type of the protocol events logged by the server.
const EventApplyChange = "applyChange"

const tracerName = "github.com/brunokim/docsync/server"

// Token generation, overridden by tests.
var newToken = uuid.NewString

// +--------+
// | Server |
// +--------+

// Server serves documents to connected authors.
type Server struct {
	ctx      context.Context
	store    store.HistoryStore
	relay    *transport.RedisRelay
	logger   *slog.Logger
	events   rebase.EventLogger
	registry *dm.Registry
	base     []dm.Item

	mu   sync.Mutex
	docs map[string]*document
}

// Option configures a Server.
type Option func(*Server)

// WithStore sets where histories are persisted. Servers keep them in memory otherwise.
func WithStore(s store.HistoryStore) Option {
	return func(srv *Server) { srv.store = s }
}

// WithRelay fans committed changes out to other replicas, and mirrors theirs.
func WithRelay(r *transport.RedisRelay) Option {
	return func(srv *Server) { srv.relay = r }
}

// WithLogger sets the server logger. Servers log to slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(srv *Server) { srv.logger = logger }
}

// WithEventLogger sets where protocol events are logged, besides the server logger.
func WithEventLogger(l rebase.EventLogger) Option {
	return func(srv *Server) { srv.events = l }
}

// WithRegistry sets the node registry of documents.
func WithRegistry(reg *dm.Registry) Option {
	return func(srv *Server) { srv.registry = reg }
}

// WithBaseDocument sets the content every history starts from. It's an empty paragraph
// otherwise.
func WithBaseDocument(items []dm.Item) Option {
	return func(srv *Server) { srv.base = items }
}

// New creates a server. Background work, like broadcasting, stops when ctx is done.
func New(ctx context.Context, opts ...Option) *Server {
	s := &Server{ctx: ctx, docs: make(map[string]*document)}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "server"))
	if s.events == nil {
		s.events = rebase.NewSlogLogger(s.logger)
	}
	if s.registry == nil {
		s.registry = dm.DefaultRegistry()
	}
	if s.base == nil {
		s.base = dm.Element("paragraph", nil)
	}
	return s
}

// +----------+
// | Document |
// +----------+

type author struct {
	id          int
	token       string
	data        transport.AuthorData
	connections int

	continueBase *change.Change
	rejections   int
}

// document is the committed state of a document. Every field is guarded by mu, which is also
// held while broadcasting, so that messages reach clients in commit order.
type document struct {
	id string

	mu         sync.Mutex
	history    *change.Change
	doc        *dm.Document
	authors    map[int]*author
	tokens     map[string]*author
	nextAuthor int
	hub        *transport.Hub
}

// document returns the state of docID, loading its history on first use.
func (s *Server) document(ctx context.Context, docID string) (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[docID]; ok {
		return d, nil
	}
	history, err := s.store.LoadHistory(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		history = change.New(0)
	} else if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", docID, err)
	}
	base, err := dm.NewDocument(dm.CloneItems(s.base), dm.WithRegistry(s.registry), dm.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("base document: %w", err)
	}
	// The server doesn't need a tree, and the clone builds one only if asked.
	doc := base.Clone()
	if err := history.Apply(doc); err != nil {
		return nil, fmt.Errorf("replaying history of %s: %w", docID, err)
	}
	logger := s.logger.With(slog.String("docId", docID))
	d := &document{
		id:      docID,
		history: history,
		doc:     doc,
		authors: make(map[int]*author),
		tokens:  make(map[string]*author),
		hub:     transport.NewHub(logger),
	}
	go d.hub.Run(s.ctx)
	if s.relay != nil {
		msgs, err := s.relay.Subscribe(s.ctx, docID)
		if err != nil {
			return nil, err
		}
		go s.follow(d, msgs)
	}
	s.docs[docID] = d
	historyLength.WithLabelValues(docID).Set(float64(history.End()))
	logger.Info("document loaded", slog.Int("historyLength", history.End()))
	return d, nil
}

func (d *document) roster() map[int]transport.AuthorData {
	out := make(map[int]transport.AuthorData)
	for id, a := range d.authors {
		if a.connections > 0 {
			out[id] = a.data
		}
	}
	return out
}

// History returns a copy of the committed history of docID.
func (s *Server) History(ctx context.Context, docID string) (*change.Change, error) {
	d, err := s.document(ctx, docID)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Clone(), nil
}

// +-------------+
// | Connections |
// +-------------+

// Serve runs the protocol for an author connected to docID through t, until t disconnects or
// ctx is done. A known token resumes the identity of its author; otherwise the author joins
// with a new id.
func (s *Server) Serve(ctx context.Context, docID string, t transport.Transport, data transport.AuthorData, token string) error {
	d, err := s.document(ctx, docID)
	if err != nil {
		return err
	}
	a, err := s.join(ctx, d, t, data, token)
	if err != nil {
		return err
	}
	defer s.leave(d, t, a)

	logger := s.logger.With(slog.String("docId", docID), slog.Int("author", a.id))
	logger.Info("author connected", slog.String("name", a.data.Name))
	recv := t.Receive()
	for {
		select {
		case m, ok := <-recv:
			if !ok || m.Event == transport.EventDisconnect {
				logger.Info("author disconnected")
				return nil
			}
			if err := s.handle(ctx, docID, a.id, m); err != nil {
				logger.Warn("message failed", slog.String("event", m.Event), slog.Any("error", err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// join registers the author of t, and sends it the document.
func (s *Server) join(ctx context.Context, d *document, t transport.Transport, data transport.AuthorData, token string) (*author, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.tokens[token]
	if a == nil {
		d.nextAuthor++
		a = &author{id: d.nextAuthor, token: newToken()}
		d.authors[a.id] = a
		d.tokens[a.token] = a
	}
	if data.Name != "" || a.data.Name == "" {
		a.data = data
	}
	// A new connection starts over from the full history.
	a.continueBase, a.rejections = nil, 0

	if err := t.Send(ctx, transport.EventRegistered, transport.Registered{AuthorID: a.id, Token: a.token}); err != nil {
		return nil, err
	}
	a.connections++
	init := transport.InitDoc{Base: s.base, History: d.history, Authors: d.roster()}
	if err := t.Send(ctx, transport.EventInitDoc, init); err != nil {
		a.connections--
		return nil, err
	}
	if err := d.hub.Register(ctx, t); err != nil {
		a.connections--
		return nil, err
	}
	connectedAuthors.Inc()
	m, err := transport.NewMessage(transport.EventAuthorChange, transport.AuthorChange{AuthorID: a.id, AuthorData: a.data})
	if err != nil {
		return a, err
	}
	return a, d.hub.Broadcast(ctx, m, t)
}

func (s *Server) leave(d *document, t transport.Transport, a *author) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a.connections--
	connectedAuthors.Dec()
	if err := d.hub.Unregister(s.ctx, t); err != nil {
		return
	}
	if a.connections > 0 {
		return
	}
	m, err := transport.NewMessage(transport.EventAuthorDisconnect, transport.AuthorDisconnect{AuthorID: a.id})
	if err != nil {
		return
	}
	d.hub.Broadcast(s.ctx, m, nil)
}

func (s *Server) handle(ctx context.Context, docID string, authorID int, m transport.Message) error {
	if m.Event != transport.EventSubmitChange {
		return fmt.Errorf("%w: %q", transport.ErrUnexpectedEvent, m.Event)
	}
	var p transport.SubmitChange
	if err := m.Decode(&p); err != nil {
		return err
	}
	c, err := change.Deserialize(p.Change)
	if err != nil {
		return err
	}
	_, err = s.ApplyChange(ctx, docID, authorID, p.Backtrack, c)
	return err
}

// +--------+
// | Commit |
// +--------+

// ApplyChange commits a change submitted by an author, after discarding the last backtrack
// transactions the author sent. It returns the committed change, which is empty if the whole
// change was dropped or rejected.
//
// Committed changes are persisted, broadcast to connected authors, and published to other
// replicas.
func (s *Server) ApplyChange(ctx context.Context, docID string, authorID, backtrack int, c *change.Change) (*change.Change, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "server.ApplyChange",
		trace.WithAttributes(
			attribute.String("doc_id", docID),
			attribute.Int("author", authorID),
			attribute.Int("backtrack", backtrack),
			attribute.Int("start", c.Start),
			attribute.Int("length", c.Len()),
		))
	defer span.End()
	timer := prometheus.NewTimer(applyDuration)
	defer timer.ObserveDuration()

	d, err := s.document(ctx, docID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	committed, err := s.apply(ctx, d, authorID, backtrack, c)
	if err != nil {
		appliedChanges.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("committed", committed.Len()),
		attribute.Int("history_length", d.history.End()),
	)
	return committed, nil
}

// apply rebases and commits c. d.mu must be held.
func (s *Server) apply(ctx context.Context, d *document, authorID, backtrack int, c *change.Change) (*change.Change, error) {
	a, ok := d.authors[authorID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAuthor, authorID)
	}
	ev := rebase.Event{Type: EventApplyChange, Author: authorID, Change: c, Backtrack: backtrack}
	switch {
	case backtrack > a.rejections:
		return nil, fmt.Errorf("%w: backtrack %d, %d rejected", ErrBacktrack, backtrack, a.rejections)
	case backtrack < a.rejections:
		// Sent before the author knew about the rejection, so it depends on rejected
		// transactions, and will be backtracked as well.
		a.rejections += c.Len() - backtrack
		ev.CommitLength = d.history.End()
		s.events.LogEvent(ev)
		appliedChanges.WithLabelValues("dropped").Inc()
		return change.New(d.history.End()), nil
	}

	base := a.continueBase
	if base == nil {
		base = change.New(c.Start)
	}
	if c.Start > base.Start {
		base = base.MostRecent(c.Start)
	}
	if base.Start != c.Start {
		return nil, fmt.Errorf("%w: change at %d, history continues at %d", ErrBadStart, c.Start, base.Start)
	}
	base, err := base.Concat(d.history.MostRecent(base.End()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStart, err)
	}

	// The author's view is the committed document without the history it didn't know about.
	view := d.doc.Clone()
	if err := base.Unapply(view); err != nil {
		return nil, fmt.Errorf("reconstructing document at %d: %w", c.Start, err)
	}
	res, err := change.RebaseUncommittedChange(view, base, c)
	if err != nil {
		return nil, err
	}

	next := d.doc.Clone()
	if err := res.Rebased.Apply(next); err != nil {
		return nil, fmt.Errorf("committing %v: %w", res.Rebased, err)
	}
	history, err := d.history.Concat(res.Rebased)
	if err != nil {
		return nil, err
	}
	if !res.Rebased.IsEmpty() {
		if err := s.store.AppendChange(ctx, d.id, res.Rebased); err != nil {
			return nil, fmt.Errorf("persisting %v: %w", res.Rebased, err)
		}
	}
	d.doc, d.history = next, history
	a.continueBase = res.TransposedHistory
	a.rejections = 0
	if res.Rejected != nil {
		a.rejections = res.Rejected.Len()
		rejectedTransactions.Add(float64(a.rejections))
		appliedChanges.WithLabelValues("rejected").Inc()
	} else {
		appliedChanges.WithLabelValues("committed").Inc()
	}
	historyLength.WithLabelValues(d.id).Set(float64(history.End()))

	ev.Rebased = res.Rebased
	ev.TransposedHistory = res.TransposedHistory
	ev.Rejected = res.Rejected
	ev.CommitLength = history.End()
	s.events.LogEvent(ev)

	if res.Rebased.IsEmpty() {
		return res.Rebased, nil
	}
	return res.Rebased, s.publish(d, res.Rebased)
}

// publish broadcasts a committed change. d.mu must be held.
func (s *Server) publish(d *document, c *change.Change) error {
	m, err := transport.NewChangeMessage(c)
	if err != nil {
		return err
	}
	if err := d.hub.Broadcast(s.ctx, m, nil); err != nil {
		return err
	}
	if s.relay == nil {
		return nil
	}
	return s.relay.Publish(s.ctx, d.id, m)
}

// +----------+
// | Replicas |
// +----------+

// follow mirrors changes committed by other replicas. Each document is expected to have a
// single replica accepting changes; the others serve it read-only.
func (s *Server) follow(d *document, msgs <-chan transport.Message) {
	logger := s.logger.With(slog.String("docId", d.id))
	for m := range msgs {
		if m.Event != transport.EventNewChange {
			continue
		}
		if err := s.mirror(d, m); err != nil {
			logger.Error("mirroring change", slog.Any("error", err))
		}
	}
}

func (s *Server) mirror(d *document, m transport.Message) error {
	var p transport.NewChange
	if err := m.Decode(&p); err != nil {
		return err
	}
	c, err := change.Deserialize(p.Change)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	history, err := d.history.Concat(c)
	if err != nil {
		return err
	}
	next := d.doc.Clone()
	if err := c.Apply(next); err != nil {
		return err
	}
	d.doc, d.history = next, history
	historyLength.WithLabelValues(d.id).Set(float64(history.End()))
	return d.hub.Broadcast(s.ctx, m, nil)
}
