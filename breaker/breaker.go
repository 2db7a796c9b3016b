// Package breaker implements the allow/half-open/open circuit breaker the
// component design calls for around filesystem and database calls: no
// circuit-breaker library exists anywhere in the retrieval pack, so this
// is stdlib-only by necessity (see DESIGN.md).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker's current disposition.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Call without invoking fn when the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// Config fixes the three thresholds spec.md names for filesystem/DynamoDB
// calls: a 3s per-call timeout, trip at 10% error rate, 30s reset.
type Config struct {
	Timeout      time.Duration
	ErrorRate    float64
	ResetAfter   time.Duration
	WindowSize   int
}

// DefaultConfig matches spec.md §4.9 exactly.
func DefaultConfig() Config {
	return Config{
		Timeout:    3 * time.Second,
		ErrorRate:  0.10,
		ResetAfter: 30 * time.Second,
		WindowSize: 20,
	}
}

// Breaker wraps fallible calls (filesystem writes, DB rows) with a
// timeout and trips to Open once the rolling error rate crosses the
// configured threshold, emitting state transitions via OnStateChange.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	openedAt    time.Time
	window      []bool // true = error, ring buffer of last WindowSize calls
	windowPos   int
	windowFull  bool

	OnStateChange func(from, to State)
}

// New constructs a Breaker with the given config.
func New(cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	return &Breaker{
		cfg:    cfg,
		state:  Closed,
		window: make([]bool, cfg.WindowSize),
	}
}

// Call runs fn under the breaker's timeout. If the breaker is Open and the
// reset interval has not elapsed, it returns ErrOpen without calling fn. On
// the first Call after the reset interval elapses, the breaker transitions
// to HalfOpen and allows exactly that one call through as a probe.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := fn(cctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) >= b.cfg.ResetAfter {
			b.transition(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// only one probe in flight at a time; further callers are refused
		// until the probe resolves and moves state back to Closed or Open
		return false
	default:
		return true
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if ok {
			b.resetWindowLocked()
			b.transition(Closed)
		} else {
			b.openedAt = time.Now()
			b.transition(Open)
		}
		return
	}

	b.window[b.windowPos] = !ok
	b.windowPos = (b.windowPos + 1) % len(b.window)
	if b.windowPos == 0 {
		b.windowFull = true
	}

	if b.errorRateLocked() > b.cfg.ErrorRate {
		b.openedAt = time.Now()
		b.transition(Open)
	}
}

func (b *Breaker) errorRateLocked() float64 {
	n := len(b.window)
	if !b.windowFull {
		n = b.windowPos
	}
	if n == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < n; i++ {
		if b.window[i] {
			errs++
		}
	}
	return float64(errs) / float64(n)
}

func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowPos = 0
	b.windowFull = false
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

// State reports the breaker's current state for metrics/logging.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
