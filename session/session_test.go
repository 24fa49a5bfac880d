package session_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
	"github.com/brunokim/docsync/rebase"
	"github.com/brunokim/docsync/server"
	"github.com/brunokim/docsync/session"
	"github.com/brunokim/docsync/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func para(s string) []dm.Item {
	return dm.Element("paragraph", nil, dm.Text(s)...)
}

func insert(offset int, s string) func(doc *dm.Document) (*dm.Transaction, error) {
	return func(doc *dm.Document) (*dm.Transaction, error) {
		return dm.NewFromInsertion(doc, offset, dm.Text(s))
	}
}

func remove(from, to int) func(doc *dm.Document) (*dm.Transaction, error) {
	return func(doc *dm.Document) (*dm.Transaction, error) {
		return dm.NewFromRemoval(doc, dm.NewRange(from, to))
	}
}

func text(ctx context.Context, s *session.Session) (string, error) {
	var out string
	err := s.Inspect(ctx, func(doc *dm.Document, _ *change.Change) { out = doc.Data.PlainText() })
	return out, err
}

func history(t *testing.T, ctx context.Context, s *session.Session) *change.Change {
	t.Helper()
	var out *change.Change
	require.NoError(t, s.Inspect(ctx, func(_ *dm.Document, h *change.Change) { out = h.Clone() }))
	return out
}

// +-------------+
// | Fake server |
// +-------------+

type harness struct {
	t       *testing.T
	ctx     context.Context
	session *session.Session
	server  transport.Transport
	errs    chan error
	done    chan error
}

// start runs a session whose server side is driven by the test.
func start(t *testing.T) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client, srv := transport.Pipe()
	h := &harness{t: t, ctx: ctx, server: srv, errs: make(chan error, 16), done: make(chan error, 1)}
	h.session = session.New(client, session.WithErrorHandler(func(err error) { h.errs <- err }))
	go func() { h.done <- h.session.Run(ctx) }()
	return h
}

func (h *harness) send(event string, payload interface{}) {
	h.t.Helper()
	require.NoError(h.t, h.server.Send(h.ctx, event, payload))
}

// init registers the session as author 1 of a document with base content.
func (h *harness) init(base []dm.Item) {
	h.t.Helper()
	h.send(transport.EventRegistered, transport.Registered{AuthorID: 1, Token: "token-1"})
	h.send(transport.EventInitDoc, transport.InitDoc{
		Base:    base,
		History: change.New(0),
		Authors: map[int]transport.AuthorData{1: {Name: "alice"}},
	})
	select {
	case <-h.session.Ready():
	case <-time.After(timeout):
		h.t.Fatal("session not ready")
	}
}

func (h *harness) sendChange(c *change.Change) {
	h.t.Helper()
	bs, err := c.Serialize()
	require.NoError(h.t, err)
	h.send(transport.EventNewChange, transport.NewChange{Change: bs})
}

// submitted waits for the next change submitted by the session.
func (h *harness) submitted() (int, *change.Change) {
	h.t.Helper()
	select {
	case m := <-h.server.Receive():
		require.Equal(h.t, transport.EventSubmitChange, m.Event)
		var p transport.SubmitChange
		require.NoError(h.t, m.Decode(&p))
		c, err := change.Deserialize(p.Change)
		require.NoError(h.t, err)
		return p.Backtrack, c
	case <-time.After(timeout):
		h.t.Fatal("nothing submitted")
	}
	return 0, nil
}

func (h *harness) nothingSubmitted() {
	h.t.Helper()
	select {
	case m := <-h.server.Receive():
		h.t.Fatalf("unexpected %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) eventuallyText(want string) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool {
		got, err := text(h.ctx, h.session)
		return err == nil && got == want
	}, timeout, tick, "want text %q", want)
}

// +-------+
// | Tests |
// +-------+

func TestNotReady(t *testing.T) {
	h := start(t)
	assert.ErrorIs(t, h.session.Do(h.ctx, insert(1, "X")), session.ErrNotReady)
	_, err := h.session.State(h.ctx)
	assert.ErrorIs(t, err, session.ErrNotReady)
}

func TestEditSubmitsAndEcho(t *testing.T) {
	h := start(t)
	h.init(para("abcd"))
	assert.Equal(t, 1, h.session.Author())
	assert.Equal(t, "token-1", h.session.Token())

	require.NoError(t, h.session.Do(h.ctx, insert(1, "X")))
	backtrack, c := h.submitted()
	assert.Equal(t, 0, backtrack)
	assert.Equal(t, 0, c.Start)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Transactions[0].Author)

	state, err := h.session.State(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, rebase.InFlight, state)

	h.sendChange(c)
	assert.Eventually(t, func() bool {
		state, err := h.session.State(h.ctx)
		return err == nil && state == rebase.Clean
	}, timeout, tick)
	h.eventuallyText("Xabcd")
	assert.Equal(t, 1, history(t, h.ctx, h.session).Len())
}

func TestForeignChangeIsNotCaptured(t *testing.T) {
	h := start(t)
	base := para("abcd")
	h.init(base)

	tx, err := remove(2, 4)(dm.MustNewDocument(base))
	require.NoError(t, err)
	tx.Author = 2
	h.sendChange(change.New(0, tx))

	h.eventuallyText("ad")
	h.nothingSubmitted()
	hist := history(t, h.ctx, h.session)
	require.Equal(t, 1, hist.Len())
	assert.Equal(t, 2, hist.Transactions[0].Author)
}

func TestForeignChangeRebasesLocalEdits(t *testing.T) {
	h := start(t)
	base := para("abcd")
	h.init(base)

	require.NoError(t, h.session.Do(h.ctx, insert(1, "X")))
	h.submitted()
	// Between 'b' and 'c', which the other author removes.
	require.NoError(t, h.session.Do(h.ctx, insert(4, "Y")))
	h.submitted()

	tx, err := remove(2, 4)(dm.MustNewDocument(base))
	require.NoError(t, err)
	tx.Author = 2
	h.sendChange(change.New(0, tx))
	h.eventuallyText("Xad")

	// The rejected transaction is backtracked with the next submission.
	require.NoError(t, h.session.Do(h.ctx, insert(1, "W")))
	backtrack, c := h.submitted()
	assert.Equal(t, 1, backtrack)
	assert.Equal(t, 2, c.Start)
}

func TestForeignNoOpAfterLocalRemoval(t *testing.T) {
	h := start(t)
	base := para("abcd")
	h.init(base)

	require.NoError(t, h.session.Do(h.ctx, remove(2, 4)))
	h.submitted()

	// Clearing an annotation nobody set changes nothing, but retains the whole base.
	tx, err := dm.NewFromAnnotation(dm.MustNewDocument(base), dm.NewRange(1, 5), dm.AnnotationClear, "bold")
	require.NoError(t, err)
	tx.Author = 2
	h.sendChange(change.New(0, tx))
	assert.Eventually(t, func() bool {
		return history(t, h.ctx, h.session).Len() == 2
	}, timeout, tick)
	select {
	case err := <-h.errs:
		t.Fatalf("unexpected error: %v", err)
	default:
	}
	got, err := text(h.ctx, h.session)
	require.NoError(t, err)
	assert.Equal(t, "ad", got)
}

func TestEditText(t *testing.T) {
	h := start(t)
	h.init(para("abcd"))

	require.NoError(t, h.session.EditText(h.ctx, 1, "abcd", "xabdy"))
	_, c := h.submitted()
	require.Equal(t, 1, c.Len())
	assert.Equal(t, dm.VerbReplace, c.Transactions[0].Intention.Verb)
	h.eventuallyText("xabdy")

	// Text that doesn't match the document is refused.
	assert.ErrorIs(t, h.session.EditText(h.ctx, 1, "abcd", "z"), dm.ErrRemoveMismatch)
	h.nothingSubmitted()
}

func TestSelect(t *testing.T) {
	h := start(t)
	h.init(para("abcd"))

	require.NoError(t, h.session.Select(h.ctx, dm.NewRange(1, 3)))
	_, c := h.submitted()
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Selections[1].Equal(change.LinearSelection(dm.NewRange(1, 3))))

	// Only changed selections are submitted.
	require.NoError(t, h.session.Do(h.ctx, insert(1, "X")))
	_, c = h.submitted()
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, c.Selections)
}

func TestCorruptedChange(t *testing.T) {
	h := start(t)
	h.init(para("abcd"))

	h.send(transport.EventNewChange, transport.NewChange{Change: json.RawMessage(`{"start": -1, "transactions": []}`)})
	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, session.ErrCorruptedDocument)
	case <-time.After(timeout):
		t.Fatal("no error reported")
	}

	// The session keeps running.
	got, err := text(h.ctx, h.session)
	require.NoError(t, err)
	assert.Equal(t, "abcd", got)
}

func TestRoster(t *testing.T) {
	h := start(t)
	h.init(para(""))
	assert.Equal(t, map[int]transport.AuthorData{1: {Name: "alice"}}, h.session.Authors())

	h.send(transport.EventAuthorChange, transport.AuthorChange{AuthorID: 2, AuthorData: transport.AuthorData{Name: "bob"}})
	assert.Eventually(t, func() bool { return len(h.session.Authors()) == 2 }, timeout, tick)
	assert.Equal(t, "bob", h.session.Authors()[2].Name)

	h.send(transport.EventAuthorDisconnect, transport.AuthorDisconnect{AuthorID: 2})
	assert.Eventually(t, func() bool { return len(h.session.Authors()) == 1 }, timeout, tick)
}

func TestDisconnect(t *testing.T) {
	h := start(t)
	h.init(para(""))
	h.server.Close()
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, session.ErrDisconnected)
	case <-time.After(timeout):
		t.Fatal("session still running")
	}
	assert.ErrorIs(t, h.session.Do(context.Background(), insert(1, "X")), session.ErrDisconnected)
}

// +-------------+
// | With server |
// +-------------+

func connect(t *testing.T, ctx context.Context, srv *server.Server, name string) *session.Session {
	t.Helper()
	client, conn := transport.Pipe()
	go srv.Serve(ctx, "doc", conn, transport.AuthorData{Name: name}, "")
	s := session.New(client)
	go s.Run(ctx)
	select {
	case <-s.Ready():
	case <-time.After(timeout):
		t.Fatalf("%s: session not ready", name)
	}
	return s
}

func converged(ctx context.Context, sessions ...*session.Session) bool {
	var want string
	for i, s := range sessions {
		state, err := s.State(ctx)
		if err != nil || state != rebase.Clean {
			return false
		}
		got, err := text(ctx, s)
		if err != nil || (i > 0 && got != want) {
			return false
		}
		want = got
	}
	return true
}

func TestSessionsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := server.New(ctx, server.WithBaseDocument(para("abcd")))
	alice := connect(t, ctx, srv, "alice")
	bob := connect(t, ctx, srv, "bob")

	require.NoError(t, alice.Do(ctx, insert(1, "X")))
	require.NoError(t, bob.Do(ctx, func(doc *dm.Document) (*dm.Transaction, error) {
		return dm.NewFromInsertion(doc, doc.Len()-1, dm.Text("Y"))
	}))
	require.Eventually(t, func() bool { return converged(ctx, alice, bob) }, timeout, tick)
	got, err := text(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "XabcdY", got)
}

func TestRandomEditsConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	base := para("abcdefgh")
	srv := server.New(ctx, server.WithBaseDocument(base))
	sessions := []*session.Session{
		connect(t, ctx, srv, "alice"),
		connect(t, ctx, srv, "bob"),
		connect(t, ctx, srv, "carol"),
	}
	rnd := rand.New(rand.NewSource(42))
	edit := func(doc *dm.Document) (*dm.Transaction, error) {
		// Text lies between the paragraph tags.
		n := doc.Len() - 2
		if n > 1 && rnd.Intn(3) == 0 {
			from := 1 + rnd.Intn(n)
			to := from + 1 + rnd.Intn(min(3, n-from+1))
			return dm.NewFromRemoval(doc, dm.NewRange(from, min(to, n+1)))
		}
		ch := string(rune('A' + rnd.Intn(26)))
		return dm.NewFromInsertion(doc, 1+rnd.Intn(n+1), dm.Text(ch))
	}
	for i := 0; i < 30; i++ {
		require.NoError(t, sessions[i%len(sessions)].Do(ctx, edit))
	}
	require.Eventually(t, func() bool { return converged(ctx, sessions...) }, timeout, tick)

	// Every session agrees with the committed history.
	committed, err := srv.History(ctx, "doc")
	require.NoError(t, err)
	doc := dm.MustNewDocument(base)
	require.NoError(t, committed.Apply(doc))
	got, err := text(ctx, sessions[0])
	require.NoError(t, err)
	assert.Equal(t, doc.Data.PlainText(), got)
}
