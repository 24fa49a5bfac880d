/*
Package transport carries the named events of the rebase protocol between clients and servers.

Events are JSON messages with a name and a payload:

	{"event": "newChange", "payload": {"change": {"start": 3, "transactions": [...]}}}

Transports deliver incoming messages on a channel. When the other side goes away, a final
disconnect message is delivered and the channel is closed.
*/
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brunokim/docsync/change"
	"github.com/brunokim/docsync/dm"
)

var (
	// ErrClosed is returned when sending through a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrUnexpectedEvent is returned when a message has an event name that wasn't expected.
	ErrUnexpectedEvent = errors.New("unexpected event")
)

// Event names.
const (
	// EventRegistered is sent by the server to a new author.
	EventRegistered = "registered"
	// EventInitDoc is sent by the server with the document history, after registered.
	EventInitDoc = "initDoc"
	// EventNewChange is broadcast by the server for every committed change.
	EventNewChange = "newChange"
	// EventAuthorChange is broadcast by the server when an author joins or updates its data.
	EventAuthorChange = "authorChange"
	// EventAuthorDisconnect is broadcast by the server when an author leaves.
	EventAuthorDisconnect = "authorDisconnect"
	// EventSubmitChange is sent by clients with their uncommitted transactions.
	EventSubmitChange = "submitChange"
	// EventDisconnect is delivered locally when the other side goes away.
	EventDisconnect = "disconnect"
)

// Message is a named event with its payload.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message. A nil payload is omitted.
func NewMessage(event string, payload interface{}) (Message, error) {
	m := Message{Event: event}
	if payload == nil {
		return m, nil
	}
	bs, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	m.Payload = bs
	return m, nil
}

// Decode decodes the payload into v. Fields unknown to v are an error, so that a payload of
// another event is not mistaken for an empty one.
func (m Message) Decode(v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(m.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Event, err)
	}
	return nil
}

// payload returns the raw payload to be sent again, or nil without one.
func (m Message) payload() interface{} {
	if len(m.Payload) == 0 {
		return nil
	}
	return m.Payload
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%s)", m.Event, m.Payload)
}

// Transport is one end of a connection between a client and a server.
type Transport interface {
	// Send delivers an event to the other side. It blocks until the event is queued, ctx is
	// done, or the transport is closed.
	Send(ctx context.Context, event string, payload interface{}) error
	// Receive returns the channel of incoming messages, closed after a disconnect message.
	Receive() <-chan Message
	// Close disconnects both sides.
	Close() error
}

// +----------+
// | Payloads |
// +----------+

// AuthorData describes an author to other authors.
type AuthorData struct {
	Name string `json:"name"`
}

// Registered is the payload of EventRegistered.
type Registered struct {
	AuthorID int    `json:"authorId"`
	Token    string `json:"token"`
}

// InitDoc is the payload of EventInitDoc.
type InitDoc struct {
	// Base is the document the history starts from.
	Base    []dm.Item          `json:"base"`
	History *change.Change     `json:"history"`
	Authors map[int]AuthorData `json:"authors"`
}

// NewChange is the payload of EventNewChange. The change is kept in its wire form, so that
// receivers tell a malformed change apart from a malformed message.
type NewChange struct {
	Change json.RawMessage `json:"change"`
}

// AuthorChange is the payload of EventAuthorChange.
type AuthorChange struct {
	AuthorID   int        `json:"authorId"`
	AuthorData AuthorData `json:"authorData"`
}

// AuthorDisconnect is the payload of EventAuthorDisconnect.
type AuthorDisconnect struct {
	AuthorID int `json:"authorId"`
}

// SubmitChange is the payload of EventSubmitChange.
type SubmitChange struct {
	Backtrack int             `json:"backtrack"`
	Change    json.RawMessage `json:"change"`
}

// NewChangeMessage builds the broadcast of a committed change.
func NewChangeMessage(c *change.Change) (Message, error) {
	bs, err := c.Serialize()
	if err != nil {
		return Message{}, err
	}
	return NewMessage(EventNewChange, NewChange{Change: bs})
}
