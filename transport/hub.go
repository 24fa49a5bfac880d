package transport

import (
	"context"
	"log/slog"
	"time"
)

// broadcastTimeout bounds how long a slow client may hold a broadcast.
const broadcastTimeout = 5 * time.Second

type envelope struct {
	msg    Message
	except Transport
}

// Hub broadcasts messages to a set of transports.
//
// Registration, unregistration and broadcasts are serialized by Run. Clients that can't keep
// up with broadcasts are unregistered and closed.
type Hub struct {
	clients    map[Transport]bool
	register   chan Transport
	unregister chan Transport
	broadcast  chan envelope
	logger     *slog.Logger
}

// NewHub creates a hub. It does nothing until Run is called.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[Transport]bool),
		register:   make(chan Transport),
		unregister: make(chan Transport),
		broadcast:  make(chan envelope),
		logger:     logger,
	}
}

// Run serves the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case t := <-h.register:
			h.clients[t] = true
			h.logger.Debug("client registered", slog.Int("clients", len(h.clients)))
		case t := <-h.unregister:
			if h.clients[t] {
				delete(h.clients, t)
				h.logger.Debug("client unregistered", slog.Int("clients", len(h.clients)))
			}
		case env := <-h.broadcast:
			for t := range h.clients {
				if t == env.except {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, broadcastTimeout)
				err := t.Send(sendCtx, env.msg.Event, env.msg.payload())
				cancel()
				if err != nil {
					h.logger.Warn("dropping client", slog.String("event", env.msg.Event), slog.Any("error", err))
					delete(h.clients, t)
					t.Close()
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Register adds t to the broadcast set.
func (h *Hub) Register(ctx context.Context, t Transport) error {
	select {
	case h.register <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes t from the broadcast set.
func (h *Hub) Unregister(ctx context.Context, t Transport) error {
	select {
	case h.unregister <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast sends m to every registered transport except the one given, which may be nil.
func (h *Hub) Broadcast(ctx context.Context, m Message, except Transport) error {
	select {
	case h.broadcast <- envelope{msg: m, except: except}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
