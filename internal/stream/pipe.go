package stream

import (
	"context"
	"io"
	"sync"
	"time"
)

// Pipe is a bounded chunk queue. Producers use Send and CloseSend; the
// consumer end is returned by Receiver.
type Pipe struct {
	ch          chan Chunk
	sendTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	sendClosed bool
	err        error
}

// NewPipe returns a pipe holding up to capacity chunks. A full pipe blocks
// Send for at most sendTimeout; zero waits forever.
func NewPipe(capacity int, sendTimeout time.Duration) *Pipe {
	if capacity < 1 {
		capacity = 1
	}
	return &Pipe{
		ch:          make(chan Chunk, capacity),
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
	}
}

// Send enqueues c.
func (p *Pipe) Send(ctx context.Context, c Chunk) error {
	if p == nil || p.ch == nil {
		return ErrNotInitialized
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sendClosed {
		return ErrClosed
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	var timeout <-chan time.Time
	if p.sendTimeout > 0 {
		t := time.NewTimer(p.sendTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case p.ch <- c:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrBufferFull
	}
}

// CloseSend ends the stream. Recv drains buffered chunks and then returns
// err, or io.EOF when err is nil. Later calls are no-ops.
func (p *Pipe) CloseSend(err error) {
	if p == nil || p.ch == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendClosed {
		return
	}
	p.sendClosed = true
	p.err = err
	close(p.ch)
}

// Receiver returns the consumer end.
func (p *Pipe) Receiver() *Receiver { return &Receiver{p: p} }

// Receiver is the consumer end of a Pipe.
type Receiver struct {
	p *Pipe
}

// Recv returns the next chunk in send order.
func (r *Receiver) Recv(ctx context.Context) (Chunk, error) {
	if r == nil || r.p == nil || r.p.ch == nil {
		return Chunk{}, ErrNotInitialized
	}
	select {
	case c, ok := <-r.p.ch:
		if ok {
			return c, nil
		}
		r.p.mu.RLock()
		err := r.p.err
		r.p.mu.RUnlock()
		if err == nil {
			err = io.EOF
		}
		return Chunk{}, err
	case <-r.p.done:
		return Chunk{}, ErrClosed
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close tells producers to stop. It is safe to call more than once.
func (r *Receiver) Close() {
	if r == nil || r.p == nil || r.p.done == nil {
		return
	}
	r.p.closeOnce.Do(func() { close(r.p.done) })
}

// Collect drains the receiver into an Accumulator sized for n choices.
func (r *Receiver) Collect(ctx context.Context, n int) ([]Choice, error) {
	acc := NewAccumulator(n)
	for {
		c, err := r.Recv(ctx)
		if err == io.EOF {
			return acc.Choices()
		}
		if err != nil {
			return nil, err
		}
		if err := acc.Send(ctx, c); err != nil {
			return nil, err
		}
	}
}
