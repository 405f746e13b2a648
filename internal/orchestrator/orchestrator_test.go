package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/config"
	"github.com/sells-group/market-intel/internal/fallback"
	"github.com/sells-group/market-intel/internal/health"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/notify"
	"github.com/sells-group/market-intel/internal/provider"
	"github.com/sells-group/market-intel/internal/quality"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/store"
)

const richContent = "The market shows sustained growth across all observed segments, with incumbents consolidating share and new entrants targeting underserved niches."

type stubCollector struct {
	source string
	fetch  func(ctx context.Context, desc collect.SourceDescriptor) ([]model.Artifact, error)
}

func (c *stubCollector) Name() string { return c.source }
func (c *stubCollector) Fetch(ctx context.Context, desc collect.SourceDescriptor) ([]model.Artifact, error) {
	return c.fetch(ctx, desc)
}

func staticCollector(source string, artifacts ...model.Artifact) *stubCollector {
	return &stubCollector{source: source, fetch: func(context.Context, collect.SourceDescriptor) ([]model.Artifact, error) {
		return artifacts, nil
	}}
}

type stubProvider struct {
	id      string
	content string
	err     error

	mu       sync.Mutex
	payloads []provider.Payload
}

func (p *stubProvider) ID() string                        { return p.id }
func (p *stubProvider) Supports(provider.Capability) bool { return true }
func (p *stubProvider) Invoke(_ context.Context, _ provider.Capability, payload provider.Payload) (*provider.Result, error) {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Result{Content: p.content}, nil
}

// lengthScorer passes anything at least min characters long, so tests steer
// the quality gate through the stub providers' content.
func lengthScorer(min int) quality.Scorer {
	return quality.ScorerFunc(func(content string) float64 {
		if len(content) >= min {
			return 0.9
		}
		return 0.1
	})
}

func newTestEngine(t *testing.T, collectors *collect.Registry, providers []provider.Provider) (*Engine, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg := provider.NewRegistry()
	for i, p := range providers {
		reg.Register(p, i+1)
	}
	hr := health.NewRegistry(health.Config{FailureThreshold: 3, Cooldown: time.Minute})

	eng := New(
		config.EngineConfig{ConcurrencyLimit: 4, QualityThreshold: 0.6},
		config.ReportConfig{MinChars: 20},
		Deps{
			Store: st,
			Scheduler: scheduler.New(scheduler.Config{
				ConcurrencyLimit: 4,
				DefaultTimeout:   time.Second,
				Retry:            resilience.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
			}),
			Fallback:   fallback.NewManager(fallback.Config{MaxAttempts: 3, AttemptTimeout: time.Second}, reg, hr),
			Health:     hr,
			Providers:  reg,
			Collectors: collectors,
			Notifier:   notify.New(),
			Scorer:     lengthScorer(50),
		},
	)
	return eng, st
}

func testPlan() *Plan {
	return &Plan{
		Query: "acme corp market position",
		Modules: []model.ModuleSpec{
			{Name: "collect_web", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
			{Name: "collect_news", Kind: model.ModuleKindCollect, Source: "news"},
			{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true,
				DependsOn: []string{"collect_web", "collect_news"}, Prompt: "Summarize the market position."},
		},
	}
}

func TestEngine_RunsSessionToCompletion(t *testing.T) {
	p1 := &stubProvider{id: "p1", content: richContent}
	collectors := collect.NewRegistry(
		staticCollector("web_search", model.Artifact{
			Source: "web_search", Title: "Acme industry report", Link: "https://example.com/report", Content: richContent,
		}),
		staticCollector("news", model.Artifact{
			Source: "news", Title: "Acme earnings beat", Link: "https://news.example.com/acme", Content: richContent,
		}),
	)
	eng, _ := newTestEngine(t, collectors, []provider.Provider{p1})

	id, err := eng.Start(context.Background(), testPlan())
	require.NoError(t, err)

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, model.PhaseRender, sess.Phase)
	require.Len(t, sess.Modules, 4) // default render module appended
	for _, m := range sess.Modules {
		assert.Equal(t, model.ModuleStatusDone, m.Status, m.Name)
	}

	require.NotNil(t, sess.Report)
	require.Len(t, sess.Report.Sections, 1)
	assert.Equal(t, "Market Overview", sess.Report.Sections[0].Title)
	assert.Equal(t, richContent, sess.Report.Sections[0].Content)
	assert.True(t, sess.Report.MinLengthOK)

	// The synthesis consumed the query and the collected material.
	require.Len(t, p1.payloads, 1)
	assert.Contains(t, p1.payloads[0].Context, "acme corp market position")
	assert.Contains(t, p1.payloads[0].Context, "Acme industry report")
	assert.Contains(t, p1.payloads[0].Context, "Acme earnings beat")
	assert.Equal(t, "Summarize the market position.", p1.payloads[0].Prompt)

	// Collected artifacts and the synthesis output were all persisted.
	bySource := map[string]int{}
	for _, a := range sess.Artifacts {
		bySource[a.Source]++
	}
	assert.Equal(t, 1, bySource["web_search"])
	assert.Equal(t, 1, bySource["news"])
	assert.Equal(t, 1, bySource["synthesis:p1"])
}

func TestEngine_RequiredModuleFailureFailsSession(t *testing.T) {
	collectors := collect.NewRegistry(
		&stubCollector{source: "web_search", fetch: func(context.Context, collect.SourceDescriptor) ([]model.Artifact, error) {
			return nil, eris.New("search upstream down")
		}},
		staticCollector("news"),
	)
	eng, _ := newTestEngine(t, collectors, []provider.Provider{&stubProvider{id: "p1", content: richContent}})

	id, err := eng.Start(context.Background(), testPlan())
	require.NoError(t, err)

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusFailed, sess.Status)

	web := sess.Module("collect_web")
	require.NotNil(t, web)
	assert.Equal(t, model.ModuleStatusFailed, web.Status)
	assert.Contains(t, web.LastError, "search upstream down")

	// Later phases never ran.
	assert.Equal(t, model.ModuleStatusPending, sess.Module("market_overview").Status)
}

func TestEngine_OptionalFailureDegradesDownstream(t *testing.T) {
	p1 := &stubProvider{id: "p1", content: richContent}
	collectors := collect.NewRegistry(
		staticCollector("web_search", model.Artifact{
			Source: "web_search", Title: "Acme industry report", Link: "https://example.com/report", Content: richContent,
		}),
		&stubCollector{source: "news", fetch: func(context.Context, collect.SourceDescriptor) ([]model.Artifact, error) {
			return nil, eris.New("news feed unavailable")
		}},
	)
	eng, _ := newTestEngine(t, collectors, []provider.Provider{p1})

	id, err := eng.Start(context.Background(), testPlan())
	require.NoError(t, err)

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, model.ModuleStatusFailed, sess.Module("collect_news").Status)

	overview := sess.Module("market_overview")
	require.NotNil(t, overview)
	assert.Equal(t, model.ModuleStatusDone, overview.Status)
	assert.True(t, overview.Degraded)

	// The failed dependency left a synthetic placeholder, and the synthesis
	// payload says so instead of carrying fabricated material.
	var synthetic *model.Artifact
	for i, a := range sess.Artifacts {
		if a.Synthetic {
			synthetic = &sess.Artifacts[i]
		}
	}
	require.NotNil(t, synthetic)
	assert.Equal(t, "collect_news", synthetic.Module)

	require.Len(t, p1.payloads, 1)
	assert.Contains(t, p1.payloads[0].Context, "[collect_news: no material available]")

	require.NotNil(t, sess.Report)
}

func TestEngine_QualityGateRotatesProvider(t *testing.T) {
	thin := &stubProvider{id: "thin", content: "too short"}
	rich := &stubProvider{id: "rich", content: richContent}
	eng, _ := newTestEngine(t, collect.NewRegistry(), []provider.Provider{thin, rich})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, Prompt: "Summarize."},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusCompleted, sess.Status)

	overview := sess.Module("market_overview")
	require.NotNil(t, overview)
	assert.Equal(t, model.ModuleStatusDone, overview.Status)
	assert.Equal(t, 2, overview.Attempts)

	var synthSource string
	for _, a := range sess.Artifacts {
		if a.Module == "market_overview" {
			synthSource = a.Source
		}
	}
	assert.Equal(t, "synthesis:rich", synthSource)
}

func TestEngine_QualityGateExhaustedFailsModule(t *testing.T) {
	a := &stubProvider{id: "a", content: "thin"}
	b := &stubProvider{id: "b", content: "also thin"}
	eng, _ := newTestEngine(t, collect.NewRegistry(), []provider.Provider{a, b})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, Prompt: "Summarize."},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusFailed, sess.Status)

	overview := sess.Module("market_overview")
	require.NotNil(t, overview)
	assert.Equal(t, model.ModuleStatusFailed, overview.Status)
	assert.Contains(t, overview.LastError, "quality threshold")
}

func TestEngine_CancelStopsSession(t *testing.T) {
	started := make(chan struct{})
	blocking := &stubCollector{source: "web_search", fetch: func(ctx context.Context, _ collect.SourceDescriptor) ([]model.Artifact, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	eng, _ := newTestEngine(t, collect.NewRegistry(blocking), []provider.Provider{&stubProvider{id: "p1", content: richContent}})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "collect_web", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, DependsOn: []string{"collect_web"}},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)
	<-started

	require.NoError(t, eng.Cancel(context.Background(), id))

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, sess.Status)
	assert.Equal(t, model.ModuleStatusSkipped, sess.Module("collect_web").Status)
	assert.Nil(t, sess.Report)

	// Cancelling a finished session is a no-op.
	assert.NoError(t, eng.Cancel(context.Background(), id))
}

// hookedStore intercepts session status writes so tests can race other
// engine calls against a transition.
type hookedStore struct {
	store.Store
	onSessionStatus func(status model.SessionStatus, phase model.Phase)
}

func (h *hookedStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, phase model.Phase) error {
	if h.onSessionStatus != nil {
		h.onSessionStatus(status, phase)
	}
	return h.Store.UpdateSessionStatus(ctx, sessionID, status, phase)
}

func TestEngine_CancelAtPhaseBoundaryStillFinalizes(t *testing.T) {
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	require.NoError(t, base.Migrate(context.Background()))
	t.Cleanup(func() { base.Close() })
	hooked := &hookedStore{Store: base}

	reg := provider.NewRegistry()
	reg.Register(&stubProvider{id: "p1", content: richContent}, 1)
	hr := health.NewRegistry(health.Config{FailureThreshold: 3, Cooldown: time.Minute})

	eng := New(
		config.EngineConfig{ConcurrencyLimit: 4, QualityThreshold: 0.6},
		config.ReportConfig{MinChars: 20},
		Deps{
			Store: hooked,
			Scheduler: scheduler.New(scheduler.Config{
				ConcurrencyLimit: 4,
				DefaultTimeout:   time.Second,
				Retry:            resilience.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
			}),
			Fallback:  fallback.NewManager(fallback.Config{MaxAttempts: 3, AttemptTimeout: time.Second}, reg, hr),
			Health:    hr,
			Providers: reg,
			Collectors: collect.NewRegistry(staticCollector("web_search", model.Artifact{
				Source: "web_search", Title: "Doc", Link: "https://example.com/doc", Content: richContent,
			})),
			Notifier: notify.New(),
			Scorer:   lengthScorer(50),
		},
	)

	// Cancel lands exactly at the collect -> synthesize boundary, so the
	// phase-start status write races the cancelled run context. The session
	// must still end up cancelled, never stranded in running.
	idCh := make(chan string, 1)
	hooked.onSessionStatus = func(status model.SessionStatus, phase model.Phase) {
		if status == model.SessionStatusRunning && phase == model.PhaseSynthesize {
			assert.NoError(t, eng.Cancel(context.Background(), <-idCh))
		}
	}

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "collect_web", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true,
			DependsOn: []string{"collect_web"}, Prompt: "Summarize."},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)
	idCh <- id

	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCancelled, sess.Status)

	// Cancelling again acknowledges the terminal state.
	assert.NoError(t, eng.Cancel(context.Background(), id))
}

func TestEngine_StartRejectsInvalidPlans(t *testing.T) {
	eng, st := newTestEngine(t, collect.NewRegistry(), nil)

	var cfgErr *ConfigurationError

	_, err := eng.Start(context.Background(), &Plan{Query: "   "})
	require.ErrorAs(t, err, &cfgErr)

	_, err = eng.Start(context.Background(), &Plan{
		Query: "acme corp",
		Modules: []model.ModuleSpec{
			{Name: "a", Kind: model.ModuleKindSynthesize, DependsOn: []string{"b"}},
			{Name: "b", Kind: model.ModuleKindSynthesize, DependsOn: []string{"a"}},
		},
	})
	require.ErrorAs(t, err, &cfgErr)

	// Nothing is persisted for a rejected plan.
	sessions, err := st.ListSessions(context.Background(), store.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestEngine_ResumeRetriesFailedModules(t *testing.T) {
	var calls int64
	flaky := &stubCollector{source: "web_search", fetch: func(context.Context, collect.SourceDescriptor) ([]model.Artifact, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, eris.New("search upstream down")
		}
		return []model.Artifact{{Source: "web_search", Title: "Recovered doc", Link: "https://example.com/doc", Content: richContent}}, nil
	}}
	p1 := &stubProvider{id: "p1", content: richContent}
	eng, _ := newTestEngine(t, collect.NewRegistry(flaky), []provider.Provider{p1})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "collect_web", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true,
			DependsOn: []string{"collect_web"}, Prompt: "Summarize."},
	}}

	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)
	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusFailed, sess.Status)

	require.NoError(t, eng.Resume(context.Background(), id, plan))

	sess, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, model.ModuleStatusDone, sess.Module("collect_web").Status)
	require.NotNil(t, sess.Report)
	assert.Equal(t, int64(2), calls)
}

func TestEngine_ResumeRefusesCompletedSession(t *testing.T) {
	eng, _ := newTestEngine(t, collect.NewRegistry(), []provider.Provider{&stubProvider{id: "p1", content: richContent}})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, Prompt: "Summarize."},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)
	sess, err := eng.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusCompleted, sess.Status)

	err = eng.Resume(context.Background(), id, plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestEngine_ResumeRejectsMismatchedPlan(t *testing.T) {
	failing := &stubCollector{source: "web_search", fetch: func(context.Context, collect.SourceDescriptor) ([]model.Artifact, error) {
		return nil, eris.New("down")
	}}
	eng, _ := newTestEngine(t, collect.NewRegistry(failing), []provider.Provider{&stubProvider{id: "p1", content: richContent}})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "collect_web", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, DependsOn: []string{"collect_web"}},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)
	_, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)

	other := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "collect_filings", Kind: model.ModuleKindCollect, Required: true, Source: "web_search"},
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, DependsOn: []string{"collect_filings"}},
	}}
	err = eng.Resume(context.Background(), id, other)

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "does not match")
}

func TestEngine_StatusReturnsPersistedSnapshot(t *testing.T) {
	eng, _ := newTestEngine(t, collect.NewRegistry(), []provider.Provider{&stubProvider{id: "p1", content: richContent}})

	plan := &Plan{Query: "acme corp", Modules: []model.ModuleSpec{
		{Name: "market_overview", Kind: model.ModuleKindSynthesize, Required: true, Prompt: "Summarize."},
	}}
	id, err := eng.Start(context.Background(), plan)
	require.NoError(t, err)

	sess, err := eng.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, sess.ID)

	_, err = eng.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	_, err = eng.Wait(context.Background(), id)
	require.NoError(t, err)
}
