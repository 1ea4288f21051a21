package transport

import (
	"context"
	"sync"

	"github.com/besafe/chat/internal/events"
)

// Pipe returns two connected in-memory ends. Whatever one end writes the
// other reads. Closing either end closes both.
func Pipe() (Conn, Conn) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan events.Envelope, 64)
	ba := make(chan events.Envelope, 64)
	return &pipeEnd{state: shared, in: ba, out: ab}, &pipeEnd{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

type pipeEnd struct {
	state *pipeState
	in    <-chan events.Envelope
	out   chan<- events.Envelope
}

func (p *pipeEnd) Read(ctx context.Context) (events.Envelope, error) {
	// Drain frames written before a close.
	select {
	case env := <-p.in:
		return env, nil
	default:
	}
	select {
	case env := <-p.in:
		return env, nil
	case <-p.state.done:
		return events.Envelope{}, ErrClosed
	case <-ctx.Done():
		return events.Envelope{}, ctx.Err()
	}
}

func (p *pipeEnd) Write(ctx context.Context, env events.Envelope) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close(reason string) error {
	p.state.once.Do(func() {
		p.state.mu.Lock()
		p.state.reason = reason
		p.state.mu.Unlock()
		close(p.state.done)
	})
	return nil
}

// CloseReason returns the reason passed to the first Close on either end.
func CloseReason(c Conn) string {
	p, ok := c.(*pipeEnd)
	if !ok {
		return ""
	}
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return p.state.reason
}
