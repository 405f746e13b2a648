// Package collect defines the abstract collection capability and the
// normalization applied to collected artifacts before synthesis. Concrete
// scraping, search, and document collaborators live behind the Collector
// interface; the engine only requires the contract and a timeout-respecting
// implementation.
package collect

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/market-intel/internal/model"
)

// SourceDescriptor identifies what one collection task should fetch.
type SourceDescriptor struct {
	Module string // pipeline module the fetch belongs to
	Source string // external source identifier, e.g. "web_search", "news"
	Query  string
}

// Collector fetches raw material from one class of external source.
type Collector interface {
	// Name returns the source identifier this collector serves.
	Name() string
	// Fetch gathers artifacts for the descriptor. Implementations must
	// honor the context deadline.
	Fetch(ctx context.Context, desc SourceDescriptor) ([]model.Artifact, error)
}

// Registry maps source identifiers to collectors.
type Registry struct {
	collectors map[string]Collector
}

// NewRegistry creates a collector registry.
func NewRegistry(collectors ...Collector) *Registry {
	r := &Registry{collectors: make(map[string]Collector, len(collectors))}
	for _, c := range collectors {
		r.collectors[c.Name()] = c
	}
	return r
}

// Get returns the collector for a source identifier, or nil.
func (r *Registry) Get(source string) Collector {
	return r.collectors[source]
}

// Normalize cleans one artifact in place: NFKC-normalized, whitespace-trimmed
// title and content, lowercased link. Returns false if the artifact carries
// neither a title nor a link and should be dropped.
func Normalize(a *model.Artifact) bool {
	a.Title = strings.TrimSpace(norm.NFKC.String(a.Title))
	a.Content = strings.TrimSpace(norm.NFKC.String(a.Content))
	a.Link = strings.ToLower(strings.TrimSpace(a.Link))
	a.SizeBytes = len(a.Content)
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now().UTC()
	}
	return a.Title != "" || a.Link != ""
}

// Dedupe normalizes and deduplicates artifacts by (source, link), or by
// (source, title) for artifacts without a link. First occurrence wins.
func Dedupe(artifacts []model.Artifact) []model.Artifact {
	seen := make(map[string]struct{}, len(artifacts))
	out := make([]model.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if !Normalize(&a) {
			continue
		}
		key := a.Source + "|" + a.Link
		if a.Link == "" {
			key = a.Source + "|t|" + strings.ToLower(a.Title)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}
	return out
}

// SyntheticArtifact builds the empty placeholder a downstream module
// receives when an optional dependency failed all retries.
func SyntheticArtifact(module string) model.Artifact {
	return model.Artifact{
		ID:        uuid.New().String(),
		Module:    module,
		Source:    "synthetic",
		Quality:   0,
		FetchedAt: time.Now().UTC(),
		Synthetic: true,
	}
}
