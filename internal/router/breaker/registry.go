// Package breaker provides a per-target circuit breaker registry for the
// HTTP mediator. Each downstream target gets its own breaker so a single
// failing client cannot trip the circuit for every other target sharing a
// pool.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// Config configures every breaker the registry creates.
type Config struct {
	// WindowSize is the rolling stats window used to decide whether to trip.
	WindowSize time.Duration

	// FailureRatePercent is the failure percentage (0-100) that trips the breaker.
	FailureRatePercent float64

	// MinimumCalls is the minimum request volume within WindowSize before the
	// failure rate is evaluated.
	MinimumCalls uint32

	// OpenDuration is how long the breaker stays OPEN before moving to HALF_OPEN.
	OpenDuration time.Duration

	// HalfOpenPermittedCalls is how many probe calls are allowed through while
	// HALF_OPEN before deciding to close or re-open.
	HalfOpenPermittedCalls uint32

	// IdleEvictionTTL is how long a target's breaker may sit unused before the
	// registry drops it to bound memory under a high-cardinality target set.
	IdleEvictionTTL time.Duration
}

// WarningService reports operational issues. Defined locally (rather than
// importing the warning package) to avoid coupling the registry to a
// concrete warning implementation.
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// Warning categories/severities mirror internal/router/warning's constants
// without importing that package.
const (
	categoryCircuitBreaker = "CIRCUIT_BREAKER"
	severityInfo           = "INFO"
	severityWarning        = "WARNING"
	severityError          = "ERROR"
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:             60 * time.Second,
		FailureRatePercent:     50,
		MinimumCalls:           10,
		OpenDuration:           5 * time.Second,
		HalfOpenPermittedCalls: 1,
		IdleEvictionTTL:        30 * time.Minute,
	}
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

type entry struct {
	cb       *gobreaker.CircuitBreaker
	lastUsed atomicTime
}

// Registry lazily creates and caches one circuit breaker per target, evicting
// breakers that have been idle past IdleEvictionTTL.
type Registry struct {
	cfg *Config

	mu       sync.RWMutex
	breakers map[string]*entry

	warningMu sync.RWMutex
	warning   WarningService

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a breaker registry and starts its idle-eviction loop.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Registry{
		cfg:      cfg,
		breakers: make(map[string]*entry),
		stopCh:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.evictLoop()
	return r
}

// SetWarningService wires a warning sink that receives one event per breaker
// state transition, across every target the registry tracks.
func (r *Registry) SetWarningService(ws WarningService) {
	r.warningMu.Lock()
	r.warning = ws
	r.warningMu.Unlock()
}

// Stop halts the eviction loop.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Get returns the breaker for a target key, creating it if necessary.
func (r *Registry) Get(target string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()

	if ok {
		e.lastUsed.Store(time.Now())
		return e.cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[target]; ok {
		e.lastUsed.Store(time.Now())
		return e.cb
	}

	cb := r.newBreaker(target)
	e = &entry{cb: cb}
	e.lastUsed.Store(time.Now())
	r.breakers[target] = e
	return cb
}

// IsOpen reports whether the named target's breaker currently denies calls.
func (r *Registry) IsOpen(target string) bool {
	r.mu.RLock()
	e, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return e.cb.State() == gobreaker.StateOpen
}

// Size returns the number of tracked breakers, for metrics/health reporting.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

func (r *Registry) newBreaker(target string) *gobreaker.CircuitBreaker {
	cfg := r.cfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: cfg.HalfOpenPermittedCalls,
		Interval:    cfg.WindowSize,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinimumCalls {
				return false
			}
			failureRate := float64(counts.TotalFailures) / float64(counts.Requests) * 100
			return failureRate >= cfg.FailureRatePercent
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("circuit breaker state changed", "target", name, "from", from.String(), "to", to.String())

			var stateValue float64
			var severity string
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
				severity = severityInfo
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				severity = severityError
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
				severity = severityWarning
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)

			r.warningMu.RLock()
			ws := r.warning
			r.warningMu.RUnlock()
			if ws != nil {
				ws.AddWarning(categoryCircuitBreaker, severity,
					fmt.Sprintf("circuit breaker for %q transitioned %s -> %s", name, from.String(), to.String()),
					"breaker")
			}
		},
	})
}

func (r *Registry) evictLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.IdleEvictionTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.cfg.IdleEvictionTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	for target, e := range r.breakers {
		if e.lastUsed.Load().Before(cutoff) {
			delete(r.breakers, target)
			metrics.MediatorCircuitBreakerState.DeleteLabelValues(target)
			slog.Debug("evicted idle circuit breaker", "target", target)
		}
	}
}
