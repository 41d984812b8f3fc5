package nntp

import (
	"context"
	"sync"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/errkind"
)

// Pool is a bounded connection pool for one server. Checkouts are
// exclusive: a session is owned by one worker until it is returned.
//
// Idle sessions are reaped lazily on checkout; a session that sat idle
// past the configured IdleTimeout is closed rather than reused, since
// providers drop silent connections without notice.
type Pool struct {
	cfg Config

	mu     sync.Mutex
	idle   []*Client
	caps   []string
	closed bool

	// sem holds one token per live or permitted connection.
	sem chan struct{}
}

// NewPool creates a pool. No connection is dialed until the first Get.
func NewPool(cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg: cfg,
		sem: make(chan struct{}, cfg.MaxConnections),
	}
}

// Get checks a session out, reusing an idle one when fresh enough and
// dialing otherwise. Blocks while the pool is at capacity until a
// session is returned or the context ends.
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.KindCancelled, "nntp.pool", ctx.Err())
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.sem
			return nil, errkind.New(errkind.KindInternal, "nntp.pool", "pool is closed")
		}
		var c *Client
		if n := len(p.idle); n > 0 {
			c = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if c == nil {
			break
		}
		if time.Since(c.lastUsed) < p.cfg.IdleTimeout {
			return c, nil
		}
		// Stale; close it and look for another.
		_ = c.Close()
		logger.Debug("closed stale pooled connection", logger.KeyServer, p.cfg.Host)
	}

	c, err := Dial(ctx, p.cfg)
	if err != nil {
		<-p.sem
		return nil, err
	}
	return c, nil
}

// Capabilities returns the server's advertised capability list, fetched
// once over a pooled session and cached for the pool's lifetime.
func (p *Pool) Capabilities(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	cached := p.caps
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	c, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	caps, err := c.Capabilities()
	p.Put(c, err)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.caps = caps
	p.mu.Unlock()
	return caps, nil
}

// Put returns a session. A session that errored at the transport level
// or is otherwise broken is discarded; its capacity slot frees up for
// a fresh dial.
func (p *Pool) Put(c *Client, opErr error) {
	discard := c.Broken() || errkind.Is(opErr, errkind.KindTransport)

	p.mu.Lock()
	if p.closed {
		discard = true
	} else if !discard {
		p.idle = append(p.idle, c)
	}
	p.mu.Unlock()

	if discard {
		_ = c.Close()
	}
	<-p.sem
}

// Close closes all idle sessions and rejects future checkouts.
// Sessions currently checked out are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Quit()
	}
}
