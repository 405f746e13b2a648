// Package provider defines the AI capability interface the engine routes
// synthesis work through, and the registry of interchangeable backends.
// Providers are process-wide and shared across sessions.
package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Capability names a class of work a provider can serve, e.g. "synthesis"
// or "render". Providers declare the capabilities they support; the
// orchestrator never contains provider-specific branches.
type Capability string

const (
	CapabilitySynthesis Capability = "synthesis"
	CapabilityRender    Capability = "render"
)

// Payload is the unit of work handed to a provider.
type Payload struct {
	Prompt  string
	Context string // collected material the synthesis draws on
}

// Result is a provider's structured response.
type Result struct {
	Content      string
	ProviderID   string
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
}

// Provider is one interchangeable AI backend. Implementations must respect
// the context deadline. Idempotency is not assumed: a retried invocation may
// cause duplicate side effects on the provider side, which is acceptable for
// this domain.
type Provider interface {
	// ID returns the stable provider identifier.
	ID() string
	// Supports reports whether the provider can serve a capability.
	Supports(cap Capability) bool
	// Invoke executes one unit of work.
	Invoke(ctx context.Context, cap Capability, payload Payload) (*Result, error)
}

// Candidate pairs a provider with its selection priority. Priority order is
// total within a registry (no ties), so selection is deterministic.
type Candidate struct {
	Provider Provider
	Priority int
}

// Registry holds the registered providers with their priorities and
// per-provider rate limits. Safe for concurrent use from many sessions.
type Registry struct {
	mu         sync.RWMutex
	candidates map[string]Candidate
	limiters   map[string]*rate.Limiter
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		candidates: make(map[string]Candidate),
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Register adds a provider at the given priority (lower runs first).
// Re-registering an ID replaces the previous entry.
func (r *Registry) Register(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[p.ID()] = Candidate{Provider: p, Priority: priority}
}

// SetRateLimit caps the invocation rate for a provider. A nil limiter
// removes the cap.
func (r *Registry) SetRateLimit(providerID string, limiter *rate.Limiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter == nil {
		delete(r.limiters, providerID)
		return
	}
	r.limiters[providerID] = limiter
}

// Wait blocks until the provider's rate limit admits one invocation, or the
// context is done. Providers without a limit return immediately.
func (r *Registry) Wait(ctx context.Context, providerID string) error {
	r.mu.RLock()
	limiter := r.limiters[providerID]
	r.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Get returns the candidate for an ID, if registered.
func (r *Registry) Get(id string) (Candidate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.candidates[id]
	return c, ok
}

// CandidatesFor returns the deduplicated candidates able to serve a
// capability, ordered by priority then ID. The ID tiebreak keeps the order
// total even if two providers were registered with the same priority.
func (r *Registry) CandidatesFor(cap Capability) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for _, c := range r.candidates {
		if c.Provider.Supports(cap) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Provider.ID() < out[j].Provider.ID()
	})
	return out
}
