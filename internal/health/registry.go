// Package health tracks per-provider availability and drives the circuit
// breaker that temporarily excludes repeatedly-failing providers from
// selection. The registry is process-wide shared state; all mutation goes
// through its API and it is safe to call concurrently from many sessions.
package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/provider"
)

// Config controls health scoring and circuit-breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit excludes a provider. Recovery is
	// time-based: the circuit admits traffic again once the cooldown elapses
	// regardless of request volume. Default: 30s.
	Cooldown time.Duration

	// FailureHalfLife is the half-life applied to accumulated failure
	// weight, so recent failures dominate the health score. Default: 5m.
	FailureHalfLife time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.FailureHalfLife <= 0 {
		c.FailureHalfLife = 5 * time.Minute
	}
	return c
}

type entry struct {
	consecutiveFailures int
	lastFailure         time.Time

	// failureWeight is an exponentially decayed count of failures; decayed
	// lazily against lastWeighed whenever the entry is read or written.
	failureWeight float64
	lastWeighed   time.Time

	latencyEWMA time.Duration
	attempts    int64
	failures    int64
}

// Registry tracks per-provider health.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewRegistry creates a health registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFunc = now
	return r
}

// RecordResult feeds one attempt outcome into the registry. Success resets
// the consecutive-failure count and closes the circuit.
func (r *Registry) RecordResult(providerID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	e := r.entry(providerID)
	r.decay(e, now)

	e.attempts++
	if e.latencyEWMA == 0 {
		e.latencyEWMA = latency
	} else {
		e.latencyEWMA = (e.latencyEWMA*4 + latency) / 5
	}

	if success {
		if e.consecutiveFailures >= r.cfg.FailureThreshold {
			zap.L().Info("health: provider recovered",
				zap.String("provider", providerID),
			)
		}
		e.consecutiveFailures = 0
		return
	}

	e.failures++
	e.consecutiveFailures++
	e.failureWeight++
	e.lastFailure = now

	if e.consecutiveFailures == r.cfg.FailureThreshold {
		zap.L().Warn("health: circuit opened",
			zap.String("provider", providerID),
			zap.Int("consecutive_failures", e.consecutiveFailures),
			zap.Duration("cooldown", r.cfg.Cooldown),
		)
	}
}

// IsCircuitOpen reports whether the provider is currently excluded from
// selection. The circuit reopens automatically once the cooldown elapses.
func (r *Registry) IsCircuitOpen(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[providerID]
	if !ok {
		return false
	}
	if e.consecutiveFailures < r.cfg.FailureThreshold {
		return false
	}
	return r.nowFunc().Sub(e.lastFailure) < r.cfg.Cooldown
}

// Score returns the provider's health in [0,1]. An unknown provider scores
// 1.0; each recent failure halves trust, recovering as the weight decays.
func (r *Registry) Score(providerID string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.score(providerID)
}

func (r *Registry) score(providerID string) float64 {
	e, ok := r.entries[providerID]
	if !ok {
		return 1.0
	}
	r.decay(e, r.nowFunc())
	return 1.0 / (1.0 + e.failureWeight)
}

// Rank orders candidates healthiest-first: by health score descending, then
// by priority, then by ID so the order is always total.
func (r *Registry) Rank(candidates []provider.Candidate) []provider.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	type scored struct {
		c     provider.Candidate
		score float64
	}
	out := make([]scored, len(candidates))
	for i, c := range candidates {
		out[i] = scored{c: c, score: r.score(c.Provider.ID())}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].c.Priority != out[j].c.Priority {
			return out[i].c.Priority < out[j].c.Priority
		}
		return out[i].c.Provider.ID() < out[j].c.Provider.ID()
	})

	ranked := make([]provider.Candidate, len(out))
	for i, s := range out {
		ranked[i] = s.c
	}
	return ranked
}

// Stats is an observability snapshot for one provider.
type Stats struct {
	Attempts            int64
	Failures            int64
	ConsecutiveFailures int
	Score               float64
	LatencyEWMA         time.Duration
	CircuitOpen         bool
}

// Snapshot returns current stats for all known providers.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFunc()
	out := make(map[string]Stats, len(r.entries))
	for id, e := range r.entries {
		r.decay(e, now)
		out[id] = Stats{
			Attempts:            e.attempts,
			Failures:            e.failures,
			ConsecutiveFailures: e.consecutiveFailures,
			Score:               1.0 / (1.0 + e.failureWeight),
			LatencyEWMA:         e.latencyEWMA,
			CircuitOpen: e.consecutiveFailures >= r.cfg.FailureThreshold &&
				now.Sub(e.lastFailure) < r.cfg.Cooldown,
		}
	}
	return out
}

func (r *Registry) entry(providerID string) *entry {
	e, ok := r.entries[providerID]
	if !ok {
		e = &entry{lastWeighed: r.nowFunc()}
		r.entries[providerID] = e
	}
	return e
}

// decay applies the failure half-life to the accumulated weight.
func (r *Registry) decay(e *entry, now time.Time) {
	if e.failureWeight == 0 {
		e.lastWeighed = now
		return
	}
	age := now.Sub(e.lastWeighed)
	if age <= 0 {
		return
	}
	halfLives := age.Seconds() / r.cfg.FailureHalfLife.Seconds()
	e.failureWeight *= math.Pow(2, -halfLives)
	if e.failureWeight < 1e-6 {
		e.failureWeight = 0
	}
	e.lastWeighed = now
}
