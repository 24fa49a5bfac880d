package transport

import (
	"context"
	"sync"
)

const pipeBuffer = 64

// Pipe returns the two ends of an in-memory transport.
func Pipe() (Transport, Transport) {
	done := make(chan struct{})
	once := new(sync.Once)
	a := newPipeEnd(done, once)
	b := newPipeEnd(done, once)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

type pipeEnd struct {
	peer  *pipeEnd
	inbox chan Message
	out   chan Message
	done  chan struct{}
	once  *sync.Once
}

func newPipeEnd(done chan struct{}, once *sync.Once) *pipeEnd {
	return &pipeEnd{
		inbox: make(chan Message, pipeBuffer),
		out:   make(chan Message),
		done:  done,
		once:  once,
	}
}

func (p *pipeEnd) Send(ctx context.Context, event string, payload interface{}) error {
	m, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.peer.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Receive() <-chan Message {
	return p.out
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// pump moves messages from the inbox to the receive channel, which it owns.
func (p *pipeEnd) pump() {
	defer close(p.out)
	for {
		select {
		case m := <-p.inbox:
			select {
			case p.out <- m:
			case <-p.done:
				p.out <- Message{Event: EventDisconnect}
				return
			}
		case <-p.done:
			p.out <- Message{Event: EventDisconnect}
			return
		}
	}
}
