package recovery

import (
	"sync/atomic"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// WallClock returns the system clock.
func WallClock() Clock { return realClock{} }

// Config holds the policy settings.
type Config struct {
	// MaxAttempts bounds consecutive retries. Zero disables auto-recovery.
	MaxAttempts int

	// Delay is how long the retry waits before going online again.
	Delay time.Duration

	// ResetInterval is the online dwell time after which the attempt counter
	// returns to zero.
	ResetInterval time.Duration
}

// Enabled reports whether retries can ever be scheduled.
func (c Config) Enabled() bool { return c.MaxAttempts > 0 }

// Snapshot is an immutable view of the policy counters.
type Snapshot struct {
	Config      Config
	Attempts    int
	Total       int64
	Online      bool
	OnlineSince time.Time
}

// Decision is the result of evaluating an error.
type Decision struct {
	Retry   bool
	Delay   time.Duration
	Attempt int
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Policy) { p.clock = c }
}

// Policy tracks retry attempts and online dwell time.
type Policy struct {
	clock Clock
	snap  atomic.Pointer[Snapshot]
}

// New creates a policy with the given configuration.
func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{clock: realClock{}}
	for _, opt := range opts {
		opt(p)
	}
	p.snap.Store(&Snapshot{Config: cfg})
	return p
}

// Snapshot returns the current counters.
func (p *Policy) Snapshot() Snapshot { return *p.snap.Load() }

// Config returns the active configuration.
func (p *Policy) Config() Config { return p.snap.Load().Config }

// SetConfig replaces the configuration, keeping the counters.
func (p *Policy) SetConfig(cfg Config) {
	next := p.Snapshot()
	next.Config = cfg
	p.snap.Store(&next)
}

// Evaluate decides whether an error should schedule a retry. fromActive
// tells whether the replicator was online or synchronizing when the error
// occurred. Scheduling does not count as an attempt.
func (p *Policy) Evaluate(fromActive bool) Decision {
	p.Observe()
	s := p.Snapshot()
	if !fromActive || !s.Config.Enabled() || s.Attempts >= s.Config.MaxAttempts {
		return Decision{Attempt: s.Attempts}
	}
	return Decision{Retry: true, Delay: s.Config.Delay, Attempt: s.Attempts + 1}
}

// RecordAttempt counts a retry being processed and returns the new attempt
// number.
func (p *Policy) RecordAttempt() int {
	next := p.Snapshot()
	next.Attempts++
	next.Total++
	p.snap.Store(&next)
	return next.Attempts
}

// EnterOnline starts dwell tracking.
func (p *Policy) EnterOnline() {
	next := p.Snapshot()
	if next.Online {
		return
	}
	next.Online = true
	next.OnlineSince = p.clock.Now()
	p.snap.Store(&next)
}

// LeaveOnline stops dwell tracking, applying a pending reset first.
func (p *Policy) LeaveOnline() {
	p.Observe()
	next := p.Snapshot()
	if !next.Online {
		return
	}
	next.Online = false
	next.OnlineSince = time.Time{}
	p.snap.Store(&next)
}

// Observe resets the attempt counter once the online dwell time reaches the
// reset interval. It reports whether a reset happened.
func (p *Policy) Observe() bool {
	s := p.Snapshot()
	if !s.Online || s.Attempts == 0 || s.Config.ResetInterval <= 0 {
		return false
	}
	if p.clock.Now().Sub(s.OnlineSince) < s.Config.ResetInterval {
		return false
	}
	s.Attempts = 0
	p.snap.Store(&s)
	return true
}

// Reset clears the attempt counter, e.g. after a successful reconfiguration.
// The lifetime total is kept.
func (p *Policy) Reset() {
	next := p.Snapshot()
	next.Attempts = 0
	p.snap.Store(&next)
}
