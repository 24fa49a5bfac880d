package docsync

import (
	"fmt"

	"github.com/brunokim/docsync/dm"
	"github.com/cespare/xxhash/v2"
)

// EventQueue buffers node events until the tree is fully synchronized.
//
// An event is queued at most once per node between flushes; events are told apart by a hash
// of their name and typed arguments.
type EventQueue struct {
	events []dm.Event
	seen   map[*dm.Node]map[uint64]struct{}
}

// Enqueue buffers an event for node, unless an identical one is already buffered for it.
// It reports whether the event was buffered.
func (q *EventQueue) Enqueue(name string, node *dm.Node, args ...interface{}) bool {
	if q.seen == nil {
		q.seen = make(map[*dm.Node]map[uint64]struct{})
	}
	key := eventKey(name, args)
	hashes, ok := q.seen[node]
	if !ok {
		hashes = make(map[uint64]struct{})
		q.seen[node] = hashes
	}
	if _, dup := hashes[key]; dup {
		return false
	}
	hashes[key] = struct{}{}
	q.events = append(q.events, dm.Event{Name: name, Node: node, Args: args})
	return true
}

// Len returns the number of buffered events.
func (q *EventQueue) Len() int {
	return len(q.events)
}

// Flush returns the buffered events in the order they were queued, and forgets them.
func (q *EventQueue) Flush() []dm.Event {
	events := q.events
	q.events, q.seen = nil, nil
	return events
}

func eventKey(name string, args []interface{}) uint64 {
	d := xxhash.New()
	d.WriteString(name)
	for _, arg := range args {
		d.WriteString("\x00")
		fmt.Fprintf(d, "%T:%v", arg, arg)
	}
	return d.Sum64()
}
