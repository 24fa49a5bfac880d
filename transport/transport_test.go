package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, tr Transport) Message {
	t.Helper()
	select {
	case m, ok := <-tr.Receive():
		require.True(t, ok, "receive channel closed")
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func requireClosed(t *testing.T, tr Transport) {
	t.Helper()
	select {
	case m, ok := <-tr.Receive():
		require.False(t, ok, "got %v, want closed channel", m)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := Pipe()

	require.NoError(t, a.Send(ctx, EventRegistered, Registered{AuthorID: 3, Token: "tok"}))
	require.NoError(t, b.Send(ctx, EventAuthorDisconnect, AuthorDisconnect{AuthorID: 2}))

	m := receive(t, b)
	require.Equal(t, EventRegistered, m.Event)
	var reg Registered
	require.NoError(t, m.Decode(&reg))
	assert.Equal(t, Registered{AuthorID: 3, Token: "tok"}, reg)

	m = receive(t, a)
	require.Equal(t, EventAuthorDisconnect, m.Event)
	assert.JSONEq(t, `{"authorId":2}`, string(m.Payload))

	require.NoError(t, a.Close())
	assert.Equal(t, EventDisconnect, receive(t, a).Event)
	assert.Equal(t, EventDisconnect, receive(t, b).Event)
	requireClosed(t, a)
	requireClosed(t, b)
	assert.ErrorIs(t, b.Send(ctx, EventSubmitChange, nil), ErrClosed)
	assert.NoError(t, b.Close())
}

func TestMessageWithoutPayload(t *testing.T) {
	m, err := NewMessage(EventDisconnect, nil)
	require.NoError(t, err)
	assert.Nil(t, m.Payload)
	assert.Nil(t, m.payload())

	m, err = NewMessage(EventAuthorChange, AuthorChange{AuthorID: 1, AuthorData: AuthorData{Name: "ana"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"authorId":1,"authorData":{"name":"ana"}}`, string(m.Payload))

	var ac AuthorChange
	require.NoError(t, m.Decode(&ac))
	assert.Equal(t, "ana", ac.AuthorData.Name)

	// A payload of another event doesn't decode.
	var sub SubmitChange
	assert.Error(t, m.Decode(&sub))
}

func TestConn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, nil)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		// Echo every message back, with its event name upper-cased.
		for m := range conn.Receive() {
			if m.Event == EventDisconnect {
				return
			}
			conn.Send(context.Background(), strings.ToUpper(m.Event), m.payload())
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(ctx, url, time.Second, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Send(ctx, EventSubmitChange, SubmitChange{Backtrack: 1, Change: []byte(`{"start":0,"transactions":[]}`)}))
	m := receive(t, conn)
	assert.Equal(t, "SUBMITCHANGE", m.Event)
	var sub SubmitChange
	require.NoError(t, m.Decode(&sub))
	assert.Equal(t, 1, sub.Backtrack)
	assert.JSONEq(t, `{"start":0,"transactions":[]}`, string(sub.Change))

	require.NoError(t, conn.Close())
	assert.Equal(t, EventDisconnect, receive(t, conn).Event)
	requireClosed(t, conn)
	assert.ErrorIs(t, conn.Send(ctx, EventSubmitChange, nil), ErrClosed)
}

func TestDialGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, 200*time.Millisecond, nil)
	assert.Error(t, err)
}

func TestHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	var clients, servers []Transport
	for i := 0; i < 3; i++ {
		client, server := Pipe()
		require.NoError(t, h.Register(ctx, server))
		clients = append(clients, client)
		servers = append(servers, server)
	}

	m, err := NewMessage(EventAuthorChange, AuthorChange{AuthorID: 1, AuthorData: AuthorData{Name: "ana"}})
	require.NoError(t, err)
	require.NoError(t, h.Broadcast(ctx, m, servers[0]))
	for _, c := range clients[1:] {
		got := receive(t, c)
		assert.Equal(t, EventAuthorChange, got.Event)
		assert.JSONEq(t, string(m.Payload), string(got.Payload))
	}

	require.NoError(t, h.Unregister(ctx, servers[1]))
	m, err = NewMessage(EventAuthorDisconnect, AuthorDisconnect{AuthorID: 2})
	require.NoError(t, err)
	require.NoError(t, h.Broadcast(ctx, m, nil))
	assert.Equal(t, EventAuthorDisconnect, receive(t, clients[0]).Event)
	assert.Equal(t, EventAuthorDisconnect, receive(t, clients[2]).Event)
	select {
	case got := <-clients[1].Receive():
		t.Errorf("unregistered client received %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelayedMessages(t *testing.T) {
	m, err := NewMessage(EventNewChange, NewChange{Change: []byte(`{"start":2,"transactions":[]}`)})
	require.NoError(t, err)
	bs, err := encodeRelayed("replica-a", m)
	require.NoError(t, err)

	_, ok, err := decodeRelayed("replica-a", bs)
	require.NoError(t, err)
	assert.False(t, ok, "own message wasn't filtered")

	got, ok, err := decodeRelayed("replica-b", bs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.Event, got.Event)
	assert.JSONEq(t, string(m.Payload), string(got.Payload))

	_, _, err = decodeRelayed("replica-b", []byte(`{"origin":`))
	assert.Error(t, err)
}

func TestRedisRelay(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	a, b := NewRedisRelay(client, nil), NewRedisRelay(client, nil)
	fromA, err := b.Subscribe(ctx, "relay-test")
	require.NoError(t, err)
	fromB, err := a.Subscribe(ctx, "relay-test")
	require.NoError(t, err)

	m, err := NewMessage(EventAuthorDisconnect, AuthorDisconnect{AuthorID: 7})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ctx, "relay-test", m))
	select {
	case got := <-fromA:
		assert.Equal(t, EventAuthorDisconnect, got.Event)
	case <-ctx.Done():
		t.Fatal("timeout waiting for relayed message")
	}
	select {
	case got := <-fromB:
		t.Errorf("relay received its own message %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
