// Package store persists session state incrementally. Every mutating call
// durably persists before returning, so a crash immediately after a
// successful call never loses that increment. Updates to the same module of
// a session are sequenced (the second writer observes the first's result);
// updates to different modules proceed independently.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = eris.New("store: session not found")

// ErrModuleNotFound is returned when a module name is unknown within a session.
var ErrModuleNotFound = eris.New("store: module not found")

// TransitionError reports an attempted illegal module status transition.
// Module statuses are monotonic; only ResetModule may return a terminal
// module to pending.
type TransitionError struct {
	Module string
	From   model.ModuleStatus
	To     model.ModuleStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("store: illegal transition %s -> %s for module %s", e.From, e.To, e.Module)
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Status model.SessionStatus
	Limit  int
	Offset int
}

// ModuleUpdate carries the fields UpdateModule applies. Status is required;
// the remaining fields overwrite only when set.
type ModuleUpdate struct {
	Status    model.ModuleStatus
	ResultRef string
	LastError string
	Degraded  bool
	Attempts  int // attempts consumed by this transition; added to the module's total
}

// Store is the persistence interface for the analysis engine.
type Store interface {
	CreateSession(ctx context.Context, query string, modules []model.ModuleState) (*model.Session, error)
	Snapshot(ctx context.Context, sessionID string) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, phase model.Phase) error
	UpdateModule(ctx context.Context, sessionID, module string, upd ModuleUpdate) (*model.ModuleState, error)
	// ResetModule is the operator-triggered retry: terminal -> pending with
	// an incremented attempt count.
	ResetModule(ctx context.Context, sessionID, module string) (*model.ModuleState, error)
	AppendArtifact(ctx context.Context, sessionID string, artifact model.Artifact) error
	SaveReport(ctx context.Context, sessionID string, report *model.Report) error
	// Purge deletes terminal sessions last updated before the cutoff and
	// returns how many were removed. Running sessions are never purged.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
	Migrate(ctx context.Context) error
	Close() error
}

// moduleLocks sequences concurrent updates to the same (session, module)
// pair. Different pairs use different mutexes and do not block each other.
type moduleLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newModuleLocks() *moduleLocks {
	return &moduleLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for a key and returns its unlock func.
func (l *moduleLocks) lock(sessionID, module string) func() {
	key := sessionID + "\x00" + module
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// applyUpdate validates and applies upd to cur. Shared by all backends so
// transition rules cannot drift between them.
func applyUpdate(cur *model.ModuleState, upd ModuleUpdate, now time.Time) error {
	if upd.Status == "" {
		return eris.New("store: module update requires a status")
	}
	if upd.Status != cur.Status && !cur.Status.CanTransition(upd.Status) {
		return &TransitionError{Module: cur.Name, From: cur.Status, To: upd.Status}
	}

	if upd.Status != cur.Status {
		switch upd.Status {
		case model.ModuleStatusRunning:
			cur.StartedAt = &now
		case model.ModuleStatusDone, model.ModuleStatusFailed, model.ModuleStatusSkipped:
			cur.FinishedAt = &now
		}
		cur.Status = upd.Status
	}
	if upd.ResultRef != "" {
		cur.ResultRef = upd.ResultRef
	}
	if upd.LastError != "" {
		cur.LastError = upd.LastError
	}
	if upd.Degraded {
		cur.Degraded = true
	}
	if upd.Attempts > 0 {
		cur.Attempts += upd.Attempts
	}
	return nil
}

// applyReset returns cur to pending for an operator retry.
func applyReset(cur *model.ModuleState) error {
	if !cur.Status.Terminal() {
		return eris.Errorf("store: cannot reset module %s in status %s", cur.Name, cur.Status)
	}
	cur.Status = model.ModuleStatusPending
	cur.Attempts++
	cur.LastError = ""
	cur.ResultRef = ""
	cur.StartedAt = nil
	cur.FinishedAt = nil
	return nil
}
