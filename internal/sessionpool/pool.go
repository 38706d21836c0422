// Package sessionpool implements the Browser Session Pool: acquire/release
// of isolated browser sessions with an adaptively-tuned worker cap, adapted
// from a circuit-breaker/backoff idiom but applied to session-creation
// health rather than per-domain request pacing.
package sessionpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/signaler/engine/internal/retry"
)

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("sessionpool: pool closed")

// Session is the handle returned to the scheduler. Its lifetime is owned by
// the caller until Release is invoked.
type Session interface {
	ID() string
	Close() error
}

// Driver constructs new browser sessions. It is the external collaborator
// boundary: the real implementation (CDP-driven Chrome/Firefox launch) lives
// outside this module; tests and simple embedders use a fake.
type Driver interface {
	NewSession(ctx context.Context) (Session, error)
}

// ThrottlingProfile names a CPU/network throttling mode (spec section 4.2).
// Pool keeps the configured profile in Config.Throttling but applies
// neither mode to the sessions it creates and does not pass the profile to
// the Driver.
type ThrottlingProfile string

const (
	ThrottlingSimulate ThrottlingProfile = "simulate"
	ThrottlingDevtools ThrottlingProfile = "devtools"
)

// Config configures the pool's auto-tuned cap.
type Config struct {
	ConfiguredCap     int
	TotalMemoryMB     int
	LogicalCPUCount   int
	ExternallyManaged bool // true when attached to an externally managed browser instance; cap forced to 1
	Throttling        ThrottlingProfile
	Retry             retry.Policy
}

// Normalize fills in sensible defaults for zero fields.
func (c Config) Normalize() Config {
	if c.ConfiguredCap <= 0 {
		c.ConfiguredCap = 4
	}
	if c.LogicalCPUCount <= 0 {
		c.LogicalCPUCount = runtime.NumCPU()
	}
	if c.TotalMemoryMB <= 0 {
		c.TotalMemoryMB = 4096
	}
	if c.Throttling == "" {
		c.Throttling = ThrottlingSimulate
	}
	c.Retry = c.Retry.Normalize()
	return c
}

// initialCap implements the auto-tune formula from spec section 4.2.
func (c Config) initialCap() int {
	if c.ExternallyManaged {
		return 1
	}
	byMemory := c.TotalMemoryMB / 1500
	cap := c.ConfiguredCap
	if byMemory > 0 && byMemory < cap {
		cap = byMemory
	}
	if c.LogicalCPUCount > 0 && c.LogicalCPUCount < cap {
		cap = c.LogicalCPUCount
	}
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Pool manages the current worker cap and per-slot health. The cap changes
// only through HalveCap, called by the orchestrator's adaptive scheduling,
// and through Acquire's own rule that two consecutive session creation
// failures halve it; Release never resizes it.
type Pool struct {
	driver Driver
	cfg    Config

	mu                     sync.Mutex
	cap                    int
	inFlight               int
	consecutiveCreateFails int
	closed                 bool
	idle                   []Session // released sessions available for reuse by the next Acquire

	slotFailuresMu sync.Mutex
	slotFailures   map[string]int // session id -> consecutive failure count from that slot
}

// New constructs a Pool bound to driver with the given config.
func New(driver Driver, cfg Config) *Pool {
	cfg = cfg.Normalize()
	return &Pool{
		driver:       driver,
		cfg:          cfg,
		cap:          cfg.initialCap(),
		slotFailures: make(map[string]int),
	}
}

// Cap returns the current worker cap.
func (p *Pool) Cap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cap
}

// HalveCap halves the worker cap, floor 1. Invoked by the orchestrator's
// adaptive scheduling (spec section 4.6); Acquire applies the same halving
// inline after two consecutive session creation failures (spec section 4.2).
func (p *Pool) HalveCap() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cap = p.cap / 2
	if p.cap < 1 {
		p.cap = 1
	}
	return p.cap
}

// Acquire blocks (respecting ctx) until a slot under the current cap is
// available. It first tries to reuse a released session from the idle
// list, recreating it via the driver instead of reusing it once
// ShouldRecreate reports three consecutive failures from that slot;
// otherwise it creates a fresh session via the driver, retrying transient
// creation failures per the configured retry policy. Two consecutive
// creation failures halve the cap.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for p.inFlight >= p.cap {
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
	}
	p.inFlight++

	for len(p.idle) > 0 {
		sess := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !p.ShouldRecreate(sess.ID()) {
			p.mu.Unlock()
			return sess, nil
		}
		p.mu.Unlock()
		_ = sess.Close()
		p.clearSlotFailures(sess.ID())
		p.mu.Lock()
	}
	p.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retry.MaxAttempts; attempt++ {
		sess, err := p.driver.NewSession(ctx)
		if err == nil {
			p.mu.Lock()
			p.consecutiveCreateFails = 0
			p.mu.Unlock()
			return sess, nil
		}
		lastErr = err
		if retry.Classify(err, 0) != retry.Transient {
			break
		}
		if !p.cfg.Retry.Sleep(ctx, attempt) {
			lastErr = ctx.Err()
			break
		}
	}

	p.mu.Lock()
	p.inFlight--
	p.consecutiveCreateFails++
	if p.consecutiveCreateFails >= 2 {
		p.cap = p.cap / 2
		if p.cap < 1 {
			p.cap = 1
		}
		p.consecutiveCreateFails = 0
	}
	p.mu.Unlock()
	return nil, lastErr
}

// Release returns a slot to the pool. The session is kept for reuse by a
// later Acquire regardless of healthy, since ShouldRecreate (not a single
// failed use) decides whether a slot gets destroyed and recreated; a
// session whose consecutive-failure count has already crossed the
// threshold is destroyed here instead of being handed back idle, so a
// closed pool never accumulates unreachable sessions waiting to be reused.
func (p *Pool) Release(sess Session, healthy bool) {
	if sess == nil {
		return
	}
	p.slotFailuresMu.Lock()
	if healthy {
		delete(p.slotFailures, sess.ID())
	} else {
		p.slotFailures[sess.ID()]++
	}
	p.slotFailuresMu.Unlock()

	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	closed := p.closed
	recreate := !healthy && p.ShouldRecreate(sess.ID())
	if !closed && !recreate {
		p.idle = append(p.idle, sess)
	}
	p.mu.Unlock()

	if closed || recreate {
		_ = sess.Close()
	}
	if closed {
		p.clearSlotFailures(sess.ID())
	}
}

// ShouldRecreate reports whether the given session id has failed three
// consecutive times and its underlying slot should be destroyed and
// recreated before the next acquisition (spec section 4.6).
func (p *Pool) ShouldRecreate(sessionID string) bool {
	p.slotFailuresMu.Lock()
	defer p.slotFailuresMu.Unlock()
	return p.slotFailures[sessionID] >= 3
}

func (p *Pool) clearSlotFailures(sessionID string) {
	p.slotFailuresMu.Lock()
	delete(p.slotFailures, sessionID)
	p.slotFailuresMu.Unlock()
}

// Close shuts the pool down, closing every idle session; subsequent
// Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, sess := range idle {
		_ = sess.Close()
	}
	return nil
}
