package progress

import (
	"context"
	"sync"
)

// Gate suspends readers between Close and Open. The zero value is open.
type Gate struct {
	mu     sync.Mutex
	closed bool
	opened chan struct{}
}

// Close makes subsequent Wait calls block until Open.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}

	g.closed = true
	g.opened = make(chan struct{})
}

// Open releases every blocked Wait.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		return
	}

	g.closed = false
	close(g.opened)
}

// IsClosed reports whether readers are currently held.
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.closed
}

// Wait blocks while the gate is closed or until ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.mu.Unlock()

		return nil
	}

	opened := g.opened
	g.mu.Unlock()

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
