/*
Package rebase implements the client side of the rebase protocol.

Each author keeps a local history of transactions, split in three parts by two offsets:

  # BEGIN ASCII ART

   0                commitLength         sentLength           len(history)
   |-- committed -----|---- in flight ------|---- pending -------|

  # END ASCII ART
  # ALT TEXT: A history line from 0 to its length. Transactions up to commitLength are known
              to be identical on the server; transactions up to sentLength were sent but not yet
              committed; the remaining ones were not sent yet.

Local edits are applied right away, and submitted with SubmitChange. The server commits changes
in some order and broadcasts them; AcceptChange receives each committed change. Our own changes
come back as an echo and just advance commitLength. Changes from other authors are rebased
against our uncommitted work, and parts of it that conflict are rejected: undone locally, and
backtracked on the server with the next submission.

A Client is not safe for concurrent use. It's meant to be driven by a single event loop that
also owns the Surface.
*/
package rebase

import (
	"fmt"
	"log/slog"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
)

// Surface is what a Client needs from an editing session.
type Surface interface {
	// GetChangeSince returns the local history from start on. toSubmit is set when the
	// change is about to be sent to the server.
	GetChangeSince(start int, toSubmit bool) *change.Change
	// SendChange sends a change to the server, asking it to first discard the last
	// backtrack transactions previously sent.
	SendChange(backtrack int, c *change.Change) error
	// ApplyChange applies a change to the live document, without capturing it as a local edit.
	ApplyChange(c *change.Change) error
	// UnapplyChange undoes a change, the tail of the local history, from the live document and
	// drops it from the history.
	UnapplyChange(c *change.Change) error
	// AddToHistory appends a change to the local history.
	AddToHistory(c *change.Change)
	// RemoveFromHistory removes a change, the tail of the local history, from it.
	RemoveFromHistory(c *change.Change)
	// CommittedDocument returns a copy of the document as of the client's commit length.
	CommittedDocument(commitLength int) (*dm.Document, error)
}

// State classifies the client bookkeeping.
type State int

const (
	// Clean clients have nothing to send or to wait for.
	Clean State = iota
	// PendingSend clients have local transactions that were not sent yet.
	PendingSend
	// InFlight clients have sent transactions that were not committed yet.
	InFlight
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case PendingSend:
		return "pendingSend"
	case InFlight:
		return "inFlight"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Client runs the rebase protocol for one author.
type Client struct {
	author  int
	surface Surface
	logger  EventLogger

	commitLength int
	sentLength   int
	backtrack    int
}

// Option configures a Client.
type Option func(*Client)

// WithEventLogger sets where protocol events are logged. Clients log to slog.Default()
// otherwise.
func WithEventLogger(l EventLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHistoryLength starts the client with length transactions already committed, like after
// loading a document history from the server.
func WithHistoryLength(length int) Option {
	return func(c *Client) {
		c.commitLength = length
		c.sentLength = length
	}
}

// NewClient creates a client for author over surface.
func NewClient(author int, surface Surface, opts ...Option) *Client {
	c := &Client{author: author, surface: surface}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = NewSlogLogger(slog.Default())
	}
	return c
}

func (c *Client) Author() int       { return c.author }
func (c *Client) CommitLength() int { return c.commitLength }
func (c *Client) SentLength() int   { return c.sentLength }
func (c *Client) Backtrack() int    { return c.backtrack }

// State classifies the client from its counters and the local history.
func (c *Client) State() State {
	if c.surface.GetChangeSince(c.sentLength, false).Len() > 0 {
		return PendingSend
	}
	if c.sentLength > c.commitLength {
		return InFlight
	}
	return Clean
}

// SubmitChange sends every local transaction not sent yet. It doesn't wait for the server:
// the outcome arrives later through AcceptChange.
//
// If the surface fails to send, nothing is marked as sent and the call may be retried.
func (c *Client) SubmitChange() error {
	ch := c.surface.GetChangeSince(c.sentLength, true)
	if ch.IsEmpty() {
		return nil
	}
	if err := c.surface.SendChange(c.backtrack, ch); err != nil {
		return fmt.Errorf("sending change at %d: %w", ch.Start, err)
	}
	c.logger.LogEvent(Event{
		Type:      EventSubmitChange,
		Author:    c.author,
		Change:    ch,
		Backtrack: c.backtrack,
	})
	submittedChanges.Inc()
	c.backtrack = 0
	c.sentLength += ch.Len()
	return nil
}

// AcceptChange processes a change committed by the server.
//
// Our own changes were already applied, and only advance the commit length. Changes from other
// authors are applied after rebasing the uncommitted local history over them; rejected local
// transactions are undone, and marked to be backtracked on the server if they were sent.
//
// Conflicts are not errors. Errors mean that the surface failed to apply a change, and leave the
// client out of sync with the server.
func (c *Client) AcceptChange(ch *change.Change) error {
	author := ch.FirstAuthor()
	if author == 0 {
		return nil
	}
	ev := Event{
		Type:        EventAcceptChange,
		Author:      c.author,
		Change:      ch,
		UnsentStart: c.sentLength,
	}
	if author == c.author {
		c.commitLength += ch.Len()
		ev.CommitLength, ev.SentLength = c.commitLength, c.sentLength
		c.logger.LogEvent(ev)
		acceptedChanges.WithLabelValues("own").Inc()
		return nil
	}

	uncommitted := c.surface.GetChangeSince(c.commitLength, false)
	base, err := c.surface.CommittedDocument(c.commitLength)
	if err != nil {
		return fmt.Errorf("loading committed document at %d: %w", c.commitLength, err)
	}
	res, err := change.RebaseUncommittedChange(base, ch, uncommitted)
	if err != nil {
		return fmt.Errorf("rebasing %v: %w", uncommitted, err)
	}
	// Counters are updated only once the surface accepted every step.
	backtrack, sentLength := c.backtrack, c.sentLength
	var backtracked int
	if res.Rejected != nil {
		if err := c.surface.UnapplyChange(res.Rejected); err != nil {
			return fmt.Errorf("unapplying rejected %v: %w", res.Rejected, err)
		}
		uncommitted = uncommitted.Truncate(res.Rejected.Start - uncommitted.Start)
		if sentLength > res.Rejected.Start {
			backtracked = sentLength - res.Rejected.Start
			backtrack += backtracked
			sentLength = res.Rejected.Start
		}
	}
	if err := c.surface.ApplyChange(res.TransposedHistory); err != nil {
		return fmt.Errorf("applying %v: %w", res.TransposedHistory, err)
	}
	c.surface.RemoveFromHistory(uncommitted)
	c.surface.AddToHistory(ch)
	c.surface.AddToHistory(res.Rebased)
	c.backtrack = backtrack
	c.sentLength = sentLength + ch.Len()
	c.commitLength += ch.Len()
	if res.Rejected != nil {
		backtrackedTransactions.Add(float64(backtracked))
		rejectedTransactions.Add(float64(res.Rejected.Len()))
	}

	ev.Rebased = res.Rebased
	ev.TransposedHistory = res.TransposedHistory
	ev.Rejected = res.Rejected
	ev.Backtrack = c.backtrack
	ev.CommitLength, ev.SentLength = c.commitLength, c.sentLength
	c.logger.LogEvent(ev)
	acceptedChanges.WithLabelValues("foreign").Inc()
	return nil
}
