// Package store persists document histories, as the sequence of changes committed by a server.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brunokim/docsync/change"
)

var (
	// ErrNotFound is returned when loading a document without history.
	ErrNotFound = errors.New("document not found")
	// ErrStartMismatch is returned when appending a change that doesn't start at the end of
	// the stored history.
	ErrStartMismatch = errors.New("change doesn't start at history end")
)

// HistoryStore appends and loads document histories. Implementations are safe for concurrent
// use.
type HistoryStore interface {
	// AppendChange appends c to the history of docID. c must start at the end of the history.
	AppendChange(ctx context.Context, docID string, c *change.Change) error
	// LoadHistory returns the whole history of docID as a single change starting at 0.
	LoadHistory(ctx context.Context, docID string) (*change.Change, error)
	Close() error
}

// concatHistory joins stored changes into a single change.
func concatHistory(docID string, changes []*change.Change) (*change.Change, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, docID)
	}
	history := change.New(0)
	for _, c := range changes {
		var err error
		if history, err = history.Concat(c); err != nil {
			return nil, fmt.Errorf("loading %s: %w", docID, err)
		}
	}
	return history, nil
}

func checkStart(docID string, end int, c *change.Change) error {
	if c.Start != end {
		return fmt.Errorf("%w: %s ends at %d, change starts at %d", ErrStartMismatch, docID, end, c.Start)
	}
	return nil
}

// +--------+
// | Memory |
// +--------+

// MemoryStore keeps histories in memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]*change.Change
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]*change.Change)}
}

func (s *MemoryStore) AppendChange(ctx context.Context, docID string, c *change.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.docs[docID]
	end := 0
	if n := len(changes); n > 0 {
		end = changes[n-1].End()
	}
	if err := checkStart(docID, end, c); err != nil {
		return err
	}
	s.docs[docID] = append(changes, c.Clone())
	return nil
}

func (s *MemoryStore) LoadHistory(ctx context.Context, docID string) (*change.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return concatHistory(docID, s.docs[docID])
}

func (s *MemoryStore) Close() error {
	return nil
}
