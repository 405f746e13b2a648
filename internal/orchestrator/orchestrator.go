// Package orchestrator drives analysis sessions through the three pipeline
// phases: collect, synthesize, render. Phases run strictly in order; within a
// phase, modules are dispatched the moment their dependencies reach a
// terminal status and their results are consumed as they complete. Every
// state transition is durably persisted before it is announced, so observers
// never see progress the store could lose.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/config"
	"github.com/sells-group/market-intel/internal/fallback"
	"github.com/sells-group/market-intel/internal/health"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/notify"
	"github.com/sells-group/market-intel/internal/provider"
	"github.com/sells-group/market-intel/internal/quality"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/store"
)

// Deps are the engine's collaborators. All of them are process-wide shared
// state serving every concurrent session.
type Deps struct {
	Store      store.Store
	Scheduler  *scheduler.Scheduler
	Fallback   *fallback.Manager
	Health     *health.Registry
	Providers  *provider.Registry
	Collectors *collect.Registry
	Notifier   *notify.Notifier
	// Scorer gates synthesis output quality. Nil selects the default
	// content scorer.
	Scorer quality.Scorer
}

// Engine is the pipeline orchestrator.
type Engine struct {
	cfg       config.EngineConfig
	reportCfg config.ReportConfig
	deps      Deps

	mu      sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine. The configuration is treated as immutable for the
// lifetime of every session started through it.
func New(cfg config.EngineConfig, reportCfg config.ReportConfig, deps Deps) *Engine {
	if deps.Scorer == nil {
		deps.Scorer = quality.NewContentScorer()
	}
	return &Engine{
		cfg:       cfg,
		reportCfg: reportCfg,
		deps:      deps,
		running:   make(map[string]*runHandle),
	}
}

// sessionRun is the in-memory view of one running session. It is owned by
// the session's run goroutine; workers never touch it directly.
type sessionRun struct {
	id    string
	query string
	g     *graph

	status   map[string]model.ModuleStatus
	degraded map[string]bool
	// artifacts caches collected material per module for downstream payloads.
	artifacts map[string][]model.Artifact
	// synth caches synthesis output per module, keyed for report assembly.
	synth map[string]string
}

func newSessionRun(id, query string, g *graph) *sessionRun {
	st := &sessionRun{
		id:        id,
		query:     query,
		g:         g,
		status:    make(map[string]model.ModuleStatus, len(g.order)),
		degraded:  make(map[string]bool),
		artifacts: make(map[string][]model.Artifact),
		synth:     make(map[string]string),
	}
	for _, name := range g.order {
		st.status[name] = model.ModuleStatusPending
	}
	return st
}

// Start validates the plan, persists a new session, and launches it. The
// returned session ID is immediately queryable through Status. Plan errors
// (ConfigurationError) are reported here; nothing is persisted for them.
func (e *Engine) Start(ctx context.Context, plan *Plan) (string, error) {
	if plan == nil || strings.TrimSpace(plan.Query) == "" {
		return "", configErrorf("plan requires a query")
	}

	g, err := buildGraph(plan.normalized())
	if err != nil {
		return "", err
	}

	sess, err := e.deps.Store.CreateSession(ctx, plan.Query, g.states())
	if err != nil {
		return "", &PersistenceError{Op: "create session", Err: err}
	}

	e.launch(sess.ID, newSessionRun(sess.ID, plan.Query, g))

	zap.L().Info("orchestrator: session started",
		zap.String("session", sess.ID),
		zap.String("query", plan.Query),
		zap.Int("modules", len(g.order)),
	)
	return sess.ID, nil
}

// Resume re-runs a previously interrupted or failed session. Completed work
// is preserved: done modules are not re-executed, and their persisted
// artifacts feed downstream payloads exactly as during the original run.
// Failed and skipped modules are reset to pending with an incremented
// attempt count. The plan must match the stored session's modules.
func (e *Engine) Resume(ctx context.Context, sessionID string, plan *Plan) error {
	e.mu.Lock()
	_, active := e.running[sessionID]
	e.mu.Unlock()
	if active {
		return eris.Errorf("orchestrator: session %s is already running", sessionID)
	}

	sess, err := e.deps.Store.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.SessionStatusCompleted {
		return eris.Errorf("orchestrator: session %s already completed", sessionID)
	}

	g, err := buildGraph(plan.normalized())
	if err != nil {
		return err
	}
	for _, m := range sess.Modules {
		spec, ok := g.specs[m.Name]
		if !ok || spec.Kind != m.Kind {
			return configErrorf("plan does not match session %s: module %s", sessionID, m.Name)
		}
	}
	if len(g.order) != len(sess.Modules) {
		return configErrorf("plan does not match session %s: module count differs", sessionID)
	}

	st := newSessionRun(sessionID, sess.Query, g)
	for _, m := range sess.Modules {
		switch m.Status {
		case model.ModuleStatusFailed, model.ModuleStatusSkipped:
			if _, err := e.deps.Store.ResetModule(ctx, sessionID, m.Name); err != nil {
				return &PersistenceError{Op: "reset module", Err: err}
			}
			st.status[m.Name] = model.ModuleStatusPending
		case model.ModuleStatusRunning:
			// Interrupted mid-flight by a crash; run it again.
			st.status[m.Name] = model.ModuleStatusPending
		default:
			st.status[m.Name] = m.Status
		}
		if m.Degraded {
			st.degraded[m.Name] = true
		}
	}
	for _, a := range sess.Artifacts {
		if strings.HasPrefix(a.Source, "synthesis:") {
			st.synth[a.Module] = a.Content
			continue
		}
		st.artifacts[a.Module] = append(st.artifacts[a.Module], a)
	}

	if err := e.deps.Store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusRunning, sess.Phase); err != nil {
		return &PersistenceError{Op: "resume session", Err: err}
	}

	e.launch(sessionID, st)
	zap.L().Info("orchestrator: session resumed", zap.String("session", sessionID))
	return nil
}

func (e *Engine) launch(sessionID string, st *sessionRun) {
	runCtx, cancel := context.WithCancel(context.Background())
	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.running[sessionID] = h
	e.mu.Unlock()

	go e.run(runCtx, st, h)
}

// Cancel aborts a running session. In-flight work stops at its next
// suspension point; completed module results stay persisted. Cancelling a
// session that already reached a terminal status is acknowledged as a no-op.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	h, active := e.running[sessionID]
	e.mu.Unlock()

	if active {
		h.cancel()
		return nil
	}

	sess, err := e.deps.Store.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	// Orphaned running session from a previous process; mark it directly.
	if err := e.deps.Store.UpdateSessionStatus(ctx, sessionID, model.SessionStatusCancelled, sess.Phase); err != nil {
		return &PersistenceError{Op: "cancel session", Err: err}
	}
	return nil
}

// Status returns the persisted session snapshot.
func (e *Engine) Status(ctx context.Context, sessionID string) (*model.Session, error) {
	return e.deps.Store.Snapshot(ctx, sessionID)
}

// Wait blocks until the session leaves the running set or ctx is done, then
// returns the final snapshot.
func (e *Engine) Wait(ctx context.Context, sessionID string) (*model.Session, error) {
	e.mu.Lock()
	h, active := e.running[sessionID]
	e.mu.Unlock()

	if active {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
		}
	}
	return e.deps.Store.Snapshot(ctx, sessionID)
}

// run drives one session to a terminal status. It is the only goroutine that
// mutates st; module workers communicate through result channels.
func (e *Engine) run(ctx context.Context, st *sessionRun, h *runHandle) {
	defer close(h.done)
	defer func() {
		e.mu.Lock()
		delete(e.running, st.id)
		e.mu.Unlock()
		e.deps.Notifier.CloseSession(st.id)
	}()

	phase := model.PhaseCollect
	for _, p := range model.Phases() {
		phase = p
		if err := e.deps.Store.UpdateSessionStatus(ctx, st.id, model.SessionStatusRunning, phase); err != nil {
			// A cancel landing at the phase boundary fails this write with the
			// run context's error; the session must still end up cancelled,
			// not stranded in running.
			if ctx.Err() != nil {
				e.finalize(st, phase, ctx.Err())
				return
			}
			e.finalize(st, phase, &PersistenceError{Op: "persist phase " + string(phase), Err: err})
			return
		}

		if err := e.runPhase(ctx, st, phase); err != nil {
			e.finalize(st, phase, err)
			return
		}
	}

	e.finalize(st, phase, nil)
}

// finalize persists the session's terminal status. A fresh context is used:
// the run context may already be cancelled, and the terminal write must
// still go through.
func (e *Engine) finalize(st *sessionRun, phase model.Phase, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := model.SessionStatusCompleted
	switch {
	case runErr == nil:
	case eris.Is(runErr, context.Canceled):
		status = model.SessionStatusCancelled
	default:
		status = model.SessionStatusFailed
	}

	if err := e.deps.Store.UpdateSessionStatus(ctx, st.id, status, phase); err != nil {
		zap.L().Error("orchestrator: cannot persist terminal session status",
			zap.String("session", st.id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}

	field := zap.Skip()
	if runErr != nil {
		field = zap.Error(runErr)
	}
	zap.L().Info("orchestrator: session finished",
		zap.String("session", st.id),
		zap.String("status", string(status)),
		field,
	)
}

// moduleResult is one module worker's report back to the phase loop.
type moduleResult struct {
	name      string
	attempts  int
	err       error
	artifacts []model.Artifact // collect output, deduped and scored
	content   string           // synthesis or render output
	provider  string
	score     float64
}

// runPhase dispatches the phase's modules as their dependencies settle and
// consumes results until every module is terminal. Returns nil when the
// phase finished, ctx.Err() on cancellation, and a descriptive error when a
// required module failed or persistence broke.
func (e *Engine) runPhase(ctx context.Context, st *sessionRun, phase model.Phase) error {
	names := st.g.modulesInPhase(phase)

	pending := make(map[string]bool, len(names))
	for _, name := range names {
		if st.status[name] == model.ModuleStatusPending {
			pending[name] = true
		}
	}

	phaseCtx, cancelPhase := context.WithCancel(ctx)
	defer cancelPhase()

	// Buffered so workers can always deliver, even after an early return.
	results := make(chan moduleResult, len(names))
	inFlight := 0
	var failure error

	for {
		if failure == nil && phaseCtx.Err() == nil {
			for _, name := range names {
				if !pending[name] {
					continue
				}
				ready, degraded, skip := st.eligibility(name)
				if skip {
					delete(pending, name)
					if err := e.transition(st, name, store.ModuleUpdate{
						Status:    model.ModuleStatusSkipped,
						LastError: "dependency skipped",
					}); err != nil {
						failure = err
						break
					}
					continue
				}
				if !ready {
					continue
				}
				delete(pending, name)
				if err := e.transition(st, name, store.ModuleUpdate{Status: model.ModuleStatusRunning, Degraded: degraded}); err != nil {
					failure = err
					break
				}

				spec := st.g.specs[name]
				payload := e.payloadFor(st, spec)
				inFlight++
				go func(spec model.ModuleSpec, payload provider.Payload) {
					res := e.execModule(phaseCtx, st.query, spec, payload)
					res.name = spec.Name
					results <- res
				}(spec, payload)
			}
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		if err := e.settleModule(phaseCtx, st, res); err != nil && failure == nil {
			failure = err
			cancelPhase()
		}
	}

	if failure != nil {
		return failure
	}
	if err := ctx.Err(); err != nil {
		// Anything still pending was never started; mark it skipped.
		for _, name := range names {
			if pending[name] {
				_ = e.transition(st, name, store.ModuleUpdate{
					Status:    model.ModuleStatusSkipped,
					LastError: "session cancelled",
				})
			}
		}
		return err
	}
	return nil
}

// settleModule persists a finished worker's outcome. Required-module failure
// and persistence failure surface as errors and end the session; optional
// failure is absorbed with a synthetic placeholder for downstream consumers.
func (e *Engine) settleModule(ctx context.Context, st *sessionRun, res moduleResult) error {
	spec := st.g.specs[res.name]

	if res.err != nil {
		if ctx.Err() != nil {
			_ = e.transition(st, res.name, store.ModuleUpdate{
				Status:    model.ModuleStatusSkipped,
				LastError: "session cancelled",
				Attempts:  res.attempts,
			})
			return context.Canceled
		}

		if err := e.transition(st, res.name, store.ModuleUpdate{
			Status:    model.ModuleStatusFailed,
			LastError: res.err.Error(),
			Attempts:  res.attempts,
		}); err != nil {
			return err
		}

		if spec.Required {
			return eris.Wrapf(res.err, "orchestrator: required module %s failed", res.name)
		}

		// Downstream modules run against an empty placeholder instead.
		synthetic := collect.SyntheticArtifact(res.name)
		if err := e.deps.Store.AppendArtifact(context.WithoutCancel(ctx), st.id, synthetic); err != nil {
			return &PersistenceError{Op: "append synthetic artifact", Err: err}
		}
		st.artifacts[res.name] = []model.Artifact{synthetic}
		zap.L().Warn("orchestrator: optional module failed, continuing degraded",
			zap.String("session", st.id),
			zap.String("module", res.name),
			zap.Error(res.err),
		)
		return nil
	}

	persistCtx := context.WithoutCancel(ctx)
	switch spec.Kind {
	case model.ModuleKindCollect:
		for _, a := range res.artifacts {
			if err := e.deps.Store.AppendArtifact(persistCtx, st.id, a); err != nil {
				return &PersistenceError{Op: "append artifact", Err: err}
			}
		}
		st.artifacts[res.name] = res.artifacts
		return e.transition(st, res.name, store.ModuleUpdate{
			Status:    model.ModuleStatusDone,
			ResultRef: fmt.Sprintf("artifacts:%d", len(res.artifacts)),
			Attempts:  res.attempts,
		})

	case model.ModuleKindSynthesize:
		artifact := model.Artifact{
			Module:  res.name,
			Source:  "synthesis:" + res.provider,
			Title:   sectionTitle(res.name),
			Content: res.content,
			Quality: res.score,
		}
		collect.Normalize(&artifact)
		if err := e.deps.Store.AppendArtifact(persistCtx, st.id, artifact); err != nil {
			return &PersistenceError{Op: "append synthesis artifact", Err: err}
		}
		st.synth[res.name] = artifact.Content
		return e.transition(st, res.name, store.ModuleUpdate{
			Status:    model.ModuleStatusDone,
			ResultRef: artifact.ID,
			Attempts:  res.attempts,
		})

	default: // render
		report := buildReport(st, res.name, res.content, e.reportCfg.MinChars)
		if err := e.deps.Store.SaveReport(persistCtx, st.id, report); err != nil {
			return &PersistenceError{Op: "save report", Err: err}
		}
		if !report.MinLengthOK {
			zap.L().Warn("orchestrator: report below minimum length",
				zap.String("session", st.id),
				zap.Int("total_chars", report.TotalChars),
				zap.Int("min_chars", e.reportCfg.MinChars),
			)
		}
		return e.transition(st, res.name, store.ModuleUpdate{
			Status:    model.ModuleStatusDone,
			ResultRef: "report",
			Attempts:  res.attempts,
		})
	}
}

// eligibility reports whether a pending module can be dispatched. skip means
// a dependency was skipped and the module can never run in this session.
// degraded means at least one optional dependency failed or was itself
// degraded, so the module runs against partial input.
func (st *sessionRun) eligibility(name string) (ready, degraded, skip bool) {
	for _, dep := range st.g.specs[name].DependsOn {
		switch st.status[dep] {
		case model.ModuleStatusDone:
			if st.degraded[dep] {
				degraded = true
			}
		case model.ModuleStatusFailed:
			// A required dependency's failure already failed the session, so
			// a failed dependency seen here is always optional.
			degraded = true
		case model.ModuleStatusSkipped:
			return false, false, true
		default:
			return false, false, false
		}
	}
	return true, degraded, false
}

// transition durably persists a module status change and only then publishes
// the progress event. Observers never see unpersisted state.
func (e *Engine) transition(st *sessionRun, name string, upd store.ModuleUpdate) error {
	// Terminal writes must land even when the run context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	old := st.status[name]
	if _, err := e.deps.Store.UpdateModule(ctx, st.id, name, upd); err != nil {
		return &PersistenceError{Op: "update module " + name, Err: err}
	}
	st.status[name] = upd.Status
	if upd.Degraded {
		st.degraded[name] = true
	}

	e.deps.Notifier.Publish(model.ProgressEvent{
		SessionID: st.id,
		Module:    name,
		OldStatus: old,
		NewStatus: upd.Status,
		Phase:     st.g.specs[name].Kind.Phase(),
		Timestamp: time.Now().UTC(),
	})

	zap.L().Debug("orchestrator: module transition",
		zap.String("session", st.id),
		zap.String("module", name),
		zap.String("from", string(old)),
		zap.String("to", string(upd.Status)),
	)
	return nil
}

// payloadFor assembles the provider payload for a synthesize or render
// module from its dependencies' outputs. Called on the phase loop goroutine
// so st access is race-free; the worker receives a value copy.
func (e *Engine) payloadFor(st *sessionRun, spec model.ModuleSpec) provider.Payload {
	if spec.Kind == model.ModuleKindCollect {
		return provider.Payload{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analysis query: %s\n", st.query)
	for _, dep := range spec.DependsOn {
		if content, ok := st.synth[dep]; ok && content != "" {
			fmt.Fprintf(&b, "\n## %s\n%s\n", sectionTitle(dep), content)
			continue
		}
		for _, a := range st.artifacts[dep] {
			if a.Synthetic {
				fmt.Fprintf(&b, "\n[%s: no material available]\n", dep)
				continue
			}
			fmt.Fprintf(&b, "\n### %s\n", a.Title)
			if a.Link != "" {
				fmt.Fprintf(&b, "%s\n", a.Link)
			}
			if a.Content != "" {
				fmt.Fprintf(&b, "%s\n", a.Content)
			}
		}
	}

	return provider.Payload{Prompt: spec.Prompt, Context: b.String()}
}

// execModule runs one module to completion on a worker goroutine. It only
// produces a result; all persistence happens on the phase loop.
func (e *Engine) execModule(ctx context.Context, query string, spec model.ModuleSpec, payload provider.Payload) moduleResult {
	switch spec.Kind {
	case model.ModuleKindCollect:
		return e.execCollect(ctx, query, spec)
	case model.ModuleKindSynthesize:
		return e.execAI(ctx, spec, provider.CapabilitySynthesis, payload)
	default:
		if spec.Capability == "" {
			// Pure assembly render; the phase loop builds the report.
			return moduleResult{attempts: 1}
		}
		return e.execAI(ctx, spec, provider.CapabilityRender, payload)
	}
}

// execCollect fetches one module's material through the shared worker pool
// and normalizes, deduplicates, and scores it.
func (e *Engine) execCollect(ctx context.Context, query string, spec model.ModuleSpec) moduleResult {
	collector := e.deps.Collectors.Get(spec.Source)
	if collector == nil {
		return moduleResult{attempts: 1, err: eris.Errorf("no collector registered for source %q", spec.Source)}
	}

	desc := collect.SourceDescriptor{Module: spec.Name, Source: spec.Source, Query: query}
	task := scheduler.Task{
		Module: spec.Name,
		Source: spec.Source,
		Fetch: func(ctx context.Context) ([]model.Artifact, error) {
			return collector.Fetch(ctx, desc)
		},
	}

	res, ok := <-e.deps.Scheduler.Submit(ctx, []scheduler.Task{task})
	if !ok {
		return moduleResult{attempts: 1, err: eris.New("scheduler closed without a result")}
	}
	if res.Err != nil {
		return moduleResult{attempts: res.Attempts, err: res.Err}
	}

	artifacts := collect.Dedupe(res.Artifacts)
	for i := range artifacts {
		artifacts[i].Module = spec.Name
		artifacts[i].Quality = e.deps.Scorer.Score(artifacts[i].Content)
	}
	return moduleResult{attempts: res.Attempts, artifacts: artifacts}
}

// execAI routes a synthesize or render module through provider fallback with
// health-ranked candidates and applies the quality gate. Output below the
// threshold triggers one rotation to the next healthy provider before the
// module fails with a QualityGateFailure.
func (e *Engine) execAI(ctx context.Context, spec model.ModuleSpec, defaultCap provider.Capability, payload provider.Payload) moduleResult {
	cap := defaultCap
	if spec.Capability != "" {
		cap = provider.Capability(spec.Capability)
	}

	candidates := e.deps.Health.Rank(e.deps.Providers.CandidatesFor(cap))

	res, err := e.deps.Fallback.Execute(ctx, cap, payload, candidates)
	if err != nil {
		return moduleResult{attempts: 1, err: err}
	}

	score := e.deps.Scorer.Score(res.Content)
	if score >= e.cfg.QualityThreshold {
		return moduleResult{attempts: 1, content: res.Content, provider: res.ProviderID, score: score}
	}

	zap.L().Warn("orchestrator: output below quality threshold, rotating provider",
		zap.String("module", spec.Name),
		zap.String("provider", res.ProviderID),
		zap.Float64("score", score),
		zap.Float64("threshold", e.cfg.QualityThreshold),
	)

	gateErr := &QualityGateFailure{Module: spec.Name, Score: score, Threshold: e.cfg.QualityThreshold}

	var rest []provider.Candidate
	for _, c := range candidates {
		if c.Provider.ID() != res.ProviderID {
			rest = append(rest, c)
		}
	}
	if len(rest) == 0 {
		return moduleResult{attempts: 1, err: gateErr}
	}

	retry, err := e.deps.Fallback.Execute(ctx, cap, payload, rest)
	if err != nil {
		return moduleResult{attempts: 2, err: gateErr}
	}
	retryScore := e.deps.Scorer.Score(retry.Content)
	if retryScore < e.cfg.QualityThreshold {
		if retryScore > gateErr.Score {
			gateErr.Score = retryScore
		}
		return moduleResult{attempts: 2, err: gateErr}
	}
	return moduleResult{attempts: 2, content: retry.Content, provider: retry.ProviderID, score: retryScore}
}
