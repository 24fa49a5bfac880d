package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Upgrader accepts websocket connections from any origin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is a transport over a websocket connection.
//
// A read pump decodes incoming messages, and a write pump serializes outgoing messages and
// keeps the connection alive with pings.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte
	recv chan Message
	done chan struct{}
	once sync.Once
}

// NewConn starts the pumps of a transport over ws.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:     ws,
		logger: logger.With(slog.String("remote", ws.RemoteAddr().String())),
		send:   make(chan []byte, sendBuffer),
		recv:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c
}

// Accept upgrades an HTTP request to a websocket transport.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*Conn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading connection: %w", err)
	}
	return NewConn(ws, logger), nil
}

// Dial connects to a websocket server, retrying with exponential backoff until ctx is done or
// maxElapsed passes. A zero maxElapsed retries until ctx is done.
func Dial(ctx context.Context, url string, maxElapsed time.Duration, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	var ws *websocket.Conn
	op := func() error {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("dial failed, retrying", slog.String("url", url), slog.Any("error", err), slog.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewConn(ws, logger), nil
}

func (c *Conn) Send(ctx context.Context, event string, payload interface{}) error {
	m, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- bs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) Receive() <-chan Message {
	return c.recv
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readPump() {
	defer func() {
		c.recv <- Message{Event: EventDisconnect}
		close(c.recv)
		c.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, bs, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection lost", slog.Any("error", err))
			}
			return
		}
		var m Message
		if err := json.Unmarshal(bs, &m); err != nil {
			c.logger.Warn("dropping undecodable message", slog.Any("error", err))
			continue
		}
		select {
		case c.recv <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case bs := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, bs); err != nil {
				c.logger.Warn("write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
