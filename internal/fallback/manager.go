// Package fallback routes AI-dependent work through a ranked list of
// interchangeable providers with automatic failover. Single-provider
// failures are absorbed here and fed into health tracking; only exhaustion
// of the whole candidate list surfaces to the orchestrator.
package fallback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/health"
	"github.com/sells-group/market-intel/internal/provider"
)

// Config bounds one Execute call.
type Config struct {
	// MaxAttempts caps fallback attempts per Execute call; the effective
	// bound is min(len(candidates), MaxAttempts). Default: 3.
	MaxAttempts int

	// AttemptTimeout bounds each provider invocation. Default: 120s.
	AttemptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 120 * time.Second
	}
	return c
}

// AttemptFailure records why one candidate failed within an Execute call.
type AttemptFailure struct {
	ProviderID string
	Err        error
	Latency    time.Duration
}

// ExhaustedError is returned when every attempted candidate failed. It
// carries the ordered per-candidate failure reasons.
type ExhaustedError struct {
	Capability provider.Capability
	Attempts   []AttemptFailure
	Skipped    []string // circuit-open candidates that were never attempted
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fallback: all providers exhausted for %q", e.Capability)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.ProviderID, a.Err)
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, "; skipped (circuit open): %s", strings.Join(e.Skipped, ", "))
	}
	return b.String()
}

// Manager executes units of work against a ranked candidate list.
type Manager struct {
	cfg      Config
	registry *provider.Registry
	health   *health.Registry
}

// NewManager creates a fallback manager.
func NewManager(cfg Config, registry *provider.Registry, hr *health.Registry) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		registry: registry,
		health:   hr,
	}
}

// Execute tries candidates in order until one succeeds. Each candidate is
// attempted at most once per call; task-level retry re-enters Execute with a
// fresh call. Circuit-open candidates are skipped without consuming an
// attempt. Returns *ExhaustedError when no candidate succeeds.
func (m *Manager) Execute(ctx context.Context, cap provider.Capability, payload provider.Payload, candidates []provider.Candidate) (*provider.Result, error) {
	candidates = dedupe(candidates)

	maxAttempts := m.cfg.MaxAttempts
	if len(candidates) < maxAttempts {
		maxAttempts = len(candidates)
	}

	exhausted := &ExhaustedError{Capability: cap}

	attempts := 0
	for _, c := range candidates {
		if attempts >= maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id := c.Provider.ID()
		if m.health.IsCircuitOpen(id) {
			exhausted.Skipped = append(exhausted.Skipped, id)
			zap.L().Debug("fallback: skipping circuit-open provider",
				zap.String("provider", id),
				zap.String("capability", string(cap)),
			)
			continue
		}

		attempts++
		res, latency, err := m.attempt(ctx, c.Provider, cap, payload)
		m.health.RecordResult(id, err == nil, latency)

		if err != nil {
			exhausted.Attempts = append(exhausted.Attempts, AttemptFailure{
				ProviderID: id,
				Err:        err,
				Latency:    latency,
			})
			zap.L().Warn("fallback: provider attempt failed",
				zap.String("provider", id),
				zap.String("capability", string(cap)),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			continue
		}

		res.ProviderID = id
		res.Latency = latency
		return res, nil
	}

	return nil, exhausted
}

func (m *Manager) attempt(ctx context.Context, p provider.Provider, cap provider.Capability, payload provider.Payload) (*provider.Result, time.Duration, error) {
	if err := m.registry.Wait(ctx, p.ID()); err != nil {
		return nil, 0, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := p.Invoke(attemptCtx, cap, payload)
	return res, time.Since(start), err
}

// dedupe keeps the first occurrence of each provider ID, preserving order.
func dedupe(candidates []provider.Candidate) []provider.Candidate {
	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0:0]
	for _, c := range candidates {
		id := c.Provider.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, c)
	}
	return out
}
