// Package breaker guards outbound upstream calls with per-(tenant, upstream)
// circuit breakers.
//
// The breaker itself is sony/gobreaker; this package adds the escalating
// cooldown (each consecutive re-open doubles the fail-fast window, capped
// at 10 minutes) and the fault classification that decides which errors
// count as upstream failures at all.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/replyloop/replyloop/pkg/faults"
)

const maxCooldown = 10 * time.Minute

// Config sets the trip threshold and the base cooldown.
type Config struct {
	FailThreshold uint32
	Cooldown      time.Duration
}

// Registry holds one breaker per (tenant, upstream) pair.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	stateGauge *prometheus.GaugeVec
	trips      *prometheus.CounterVec

	mu       sync.Mutex
	breakers map[string]*entry
}

type entry struct {
	cb *gobreaker.CircuitBreaker

	mu           sync.Mutex
	reopens      uint32    // consecutive open transitions without a stable close
	holdUntil    time.Time // extended fail-fast window beyond gobreaker's own timeout
	halfOpenOKAt time.Time
}

// NewRegistry creates the breaker registry. Gauges/counters may be nil.
func NewRegistry(cfg Config, stateGauge *prometheus.GaugeVec, trips *prometheus.CounterVec) *Registry {
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Registry{
		cfg:        cfg,
		logger:     slog.Default().With("component", "breaker"),
		stateGauge: stateGauge,
		trips:      trips,
		breakers:   make(map[string]*entry),
	}
}

// Execute runs fn under the breaker for (tenantID, upstream).
//
// Only errors classified as upstream failures (timeouts, 5xx, transport
// errors) count toward tripping; policy rejections and validation errors
// pass through without touching the failure window. While open, Execute
// fails fast with an UPSTREAM_OPEN fault carrying the remaining cooldown.
func (r *Registry) Execute(ctx context.Context, tenantID, upstream string, fn func(context.Context) error) error {
	e := r.get(tenantID, upstream)

	if remaining, held := e.heldClosed(time.Now()); held {
		return faults.Newf(faults.KindUpstreamTransient, faults.CodeUpstreamOpen,
			"%s circuit open for tenant %s, retry in %s", upstream, tenantID, remaining.Round(time.Second))
	}

	res, err := e.cb.Execute(func() (any, error) {
		callErr := fn(ctx)
		if callErr != nil && !countsAsFailure(callErr) {
			// Surface the error without feeding the breaker.
			return failurePassthrough{callErr}, nil
		}
		return nil, callErr
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return faults.Newf(faults.KindUpstreamTransient, faults.CodeUpstreamOpen,
			"%s circuit open for tenant %s", upstream, tenantID)
	}
	if err != nil {
		return err
	}
	if fp, ok := res.(failurePassthrough); ok {
		return fp.err
	}
	return nil
}

// failurePassthrough smuggles non-breaker errors through gobreaker's
// success path.
type failurePassthrough struct{ err error }

func countsAsFailure(err error) bool {
	if faults.KindOf(err).CountsForBreaker() {
		return true
	}
	// A failed token refresh is an outage from the caller's view: every
	// send fails until credentials recover, so it must be able to trip
	// the circuit even though retrying the call itself is pointless.
	return faults.CodeOf(err) == faults.CodeTokenExpired
}

func (r *Registry) get(tenantID, upstream string) *entry {
	key := tenantID + "/" + upstream
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.breakers[key]; ok {
		return e
	}

	e := &entry{}
	settings := gobreaker.Settings{
		Name:     key,
		Timeout:  r.cfg.Cooldown,
		Interval: time.Minute, // rolling window for the failure-ratio trip
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= r.cfg.FailThreshold {
				return true
			}
			// A degraded-but-not-dead upstream trips on ratio: half the
			// recent requests failing is as bad as a hard outage.
			return counts.Requests >= 20 && counts.TotalFailures*2 >= counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onStateChange(e, tenantID, upstream, from, to)
		},
	}
	e.cb = gobreaker.NewCircuitBreaker(settings)
	r.breakers[key] = e
	return e
}

func (r *Registry) onStateChange(e *entry, tenantID, upstream string, from, to gobreaker.State) {
	r.logger.Info("Circuit state change",
		"tenant_id", tenantID, "upstream", upstream,
		"from", from.String(), "to", to.String())
	if r.stateGauge != nil {
		r.stateGauge.WithLabelValues(upstream).Set(stateValue(to))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	switch to {
	case gobreaker.StateOpen:
		if r.trips != nil {
			r.trips.WithLabelValues(upstream).Inc()
		}
		if from == gobreaker.StateHalfOpen {
			// The probe failed: double the cooldown beyond gobreaker's fixed
			// timeout by holding the circuit closed to callers ourselves.
			e.reopens++
			cooldown := r.cfg.Cooldown << e.reopens
			if cooldown > maxCooldown {
				cooldown = maxCooldown
			}
			e.holdUntil = now.Add(cooldown)
			r.logger.Warn("Half-open probe failed, extending cooldown",
				"tenant_id", tenantID, "upstream", upstream,
				"reopens", e.reopens, "cooldown", cooldown)
		}
	case gobreaker.StateHalfOpen:
		e.halfOpenOKAt = now
	case gobreaker.StateClosed:
		e.reopens = 0
		e.holdUntil = time.Time{}
	}
}

func (e *entry) heldClosed(now time.Time) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.holdUntil) {
		return e.holdUntil.Sub(now), true
	}
	return 0, false
}

// State reports the breaker state for operator surfaces; "closed" when the
// pair has never tripped.
func (r *Registry) State(tenantID, upstream string) string {
	r.mu.Lock()
	e, ok := r.breakers[tenantID+"/"+upstream]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	if _, held := e.heldClosed(time.Now()); held {
		return gobreaker.StateOpen.String()
	}
	return e.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
