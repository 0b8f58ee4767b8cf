package sandbox

import (
	"context"
	"errors"
	"sync"
)

var ErrPoolClosed = errors.New("sandbox pool is closed")

// Pool bounds the number of live sessions.
type Pool struct {
	slots chan struct{}
	size  int

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size   int  `json:"size"`
	InUse  int  `json:"in_use"`
	Closed bool `json:"closed"`
}

// NewPool creates a pool with size slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		slots: make(chan struct{}, size),
		size:  size,
		done:  make(chan struct{}),
	}
}

// Acquire blocks until a slot is free. The returned release func is
// idempotent.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-p.slots })
	}, nil
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolStats{
		Size:   p.size,
		InUse:  len(p.slots),
		Closed: p.closed,
	}
}

// Close rejects further acquisitions. Held slots stay valid until released.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return nil
}
