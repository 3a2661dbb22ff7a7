// Package resilience provides transcriber failover with per-backend circuit
// breakers.
//
// Answer recordings are transcribed in the background after upload, so a dead
// whisper-server must not burn sixty-second timeouts on every clip. [Breaker]
// trips after repeated failures and rejects calls until a cooldown elapses;
// [Failover] chains several transcribers behind one [transcribe.Transcriber]
// so a healthy backup takes over while the primary recovers.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is tripped and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

const (
	defaultTripAfter = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker is a three-state circuit breaker. After TripAfter consecutive
// failures it rejects calls for Cooldown, then lets a single probe through;
// the probe's outcome decides whether the breaker closes again or re-trips.
//
// Safe for concurrent use.
type Breaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	trippedAt time.Time
	probing  bool
}

// BreakerConfig tunes a [Breaker]. Zero fields use the defaults
// (trip after 3 consecutive failures, 30s cooldown).
type BreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// TripAfter is the consecutive-failure count that trips the breaker.
	TripAfter int

	// Cooldown is how long a tripped breaker rejects calls before probing.
	Cooldown time.Duration
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = defaultTripAfter
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Breaker{
		name:      cfg.Name,
		tripAfter: cfg.TripAfter,
		cooldown:  cfg.Cooldown,
	}
}

// Do runs fn unless the breaker is tripped, in which case it returns
// [ErrBreakerOpen] without calling fn. Once the cooldown has elapsed a single
// in-flight probe call is allowed; concurrent callers during the probe still
// get [ErrBreakerOpen].
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.tripped() {
		if time.Since(b.trippedAt) < b.cooldown || b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
		slog.Debug("breaker probing", "breaker", b.name)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.failures++
		if b.failures == b.tripAfter {
			b.trippedAt = time.Now()
			slog.Warn("breaker tripped", "breaker", b.name, "failures", b.failures)
		} else if b.tripped() {
			// Failed probe: restart the cooldown.
			b.trippedAt = time.Now()
		}
		return err
	}
	if b.tripped() {
		slog.Info("breaker closed after successful probe", "breaker", b.name)
	}
	b.failures = 0
	return nil
}

// Tripped reports whether the breaker is currently rejecting calls.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped() && time.Since(b.trippedAt) < b.cooldown
}

// tripped reports whether the failure count has reached the trip threshold.
// Callers must hold b.mu.
func (b *Breaker) tripped() bool {
	return b.failures >= b.tripAfter
}

// Reset forces the breaker closed and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}
