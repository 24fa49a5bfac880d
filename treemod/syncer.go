package treemod

import (
	"log/slog"

	"github.com/brunokim/docsync/dm"
)

// Syncer keeps a document tree in sync with committed transactions through a Modifier.
type Syncer struct {
	modifier Modifier
	logger   *slog.Logger
	// OnDiff, if set, receives the tree diff of every commit.
	OnDiff func(tx *dm.Transaction, entries []Entry)
}

// NewSyncer creates a tree sync logging to logger, or to slog.Default() if nil.
func NewSyncer(logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{logger: logger.With(slog.String("component", "treemod"))}
}

// SyncTree implements dm.TreeSync.
//
// Besides a transact event carrying the transaction and its tree diff, it emits annotation and
// attributeChange events for the nodes touched by those actions.
func (s *Syncer) SyncTree(doc *dm.Document, tx *dm.Transaction, actions []dm.SyncAction) ([]dm.Event, error) {
	entries, err := s.modifier.Modify(doc, tx)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("tree modified", slog.Int("entries", len(entries)), slog.Int("author", tx.Author))
	if s.OnDiff != nil {
		s.OnDiff(tx, entries)
	}
	var events []dm.Event
	for _, a := range actions {
		switch a.Type {
		case dm.ActionAnnotation:
			node, _ := doc.ContainerAt(a.NewRange.Start())
			events = append(events, dm.Event{Name: dm.EventAnnotation, Node: node, Args: []interface{}{a.NewRange}})
		case dm.ActionAttributeChange:
			node, _ := doc.ContainerAt(a.NewRange.Start() + 1)
			events = append(events, dm.Event{Name: dm.EventAttributeChange, Node: node, Args: []interface{}{a.Key, a.From, a.To}})
		}
	}
	events = append(events, dm.Event{Name: dm.EventTransact, Node: doc.Tree(), Args: []interface{}{tx, entries}})
	return events, nil
}
