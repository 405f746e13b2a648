package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/market-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db    *sql.DB
	locks *moduleLocks
}

// NewSQLite opens a SQLite database at the given path. WAL mode with
// synchronous=FULL keeps every committed write durable across a crash,
// which the crash-recovery guarantee depends on.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, locks: newModuleLocks()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	phase      TEXT NOT NULL DEFAULT 'collect',
	version    INTEGER NOT NULL DEFAULT 0,
	report     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS session_modules (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	position   INTEGER NOT NULL,
	state      TEXT NOT NULL,
	PRIMARY KEY (session_id, name)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	module     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_modules_session ON session_modules(session_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, query string, modules []model.ModuleState) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		ID:        uuid.New().String(),
		Query:     query,
		Status:    model.SessionStatusRunning,
		Phase:     model.PhaseCollect,
		Modules:   modules,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, query, status, phase, version, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, query, string(sess.Status), string(sess.Phase), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}

	for i, m := range modules {
		stateJSON, err := json.Marshal(m)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: marshal module %s", m.Name)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_modules (session_id, name, position, state) VALUES (?, ?, ?, ?)`,
			sess.ID, m.Name, i, string(stateJSON),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert module %s", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create session")
	}
	return sess, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, sessionID string) (*model.Session, error) {
	sess := &model.Session{ID: sessionID}

	var status, phase string
	var reportJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT query, status, phase, version, report, created_at, updated_at FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&sess.Query, &status, &phase, &sess.Version, &reportJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load session")
	}
	sess.Status = model.SessionStatus(status)
	sess.Phase = model.Phase(phase)

	if reportJSON.Valid && reportJSON.String != "" {
		var report model.Report
		if err := json.Unmarshal([]byte(reportJSON.String), &report); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report")
		}
		sess.Report = &report
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM session_modules WHERE session_id = ? ORDER BY position`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load modules")
	}
	defer rows.Close()
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan module")
		}
		var m model.ModuleState
		if err := json.Unmarshal([]byte(stateJSON), &m); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal module")
		}
		sess.Modules = append(sess.Modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate modules")
	}

	arows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM artifacts WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load artifacts")
	}
	defer arows.Close()
	for arows.Next() {
		var payload string
		if err := arows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan artifact")
		}
		var a model.Artifact
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal artifact")
		}
		sess.Artifacts = append(sess.Artifacts, a)
	}
	return sess, arows.Err()
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, query, status, phase, version, created_at, updated_at FROM sessions WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var status, phase string
		if err := rows.Scan(&sess.ID, &sess.Query, &status, &phase, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sess.Status = model.SessionStatus(status)
		sess.Phase = model.Phase(phase)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, phase model.Phase) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, phase = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(status), string(phase), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session status %s", sessionID)
	}
	return checkAffected(res)
}

func (s *SQLiteStore) UpdateModule(ctx context.Context, sessionID, module string, upd ModuleUpdate) (*model.ModuleState, error) {
	unlock := s.locks.lock(sessionID, module)
	defer unlock()

	return s.mutateModule(ctx, sessionID, module, func(cur *model.ModuleState) error {
		return applyUpdate(cur, upd, time.Now().UTC())
	})
}

func (s *SQLiteStore) ResetModule(ctx context.Context, sessionID, module string) (*model.ModuleState, error) {
	unlock := s.locks.lock(sessionID, module)
	defer unlock()

	return s.mutateModule(ctx, sessionID, module, applyReset)
}

// mutateModule runs a read-modify-write on one module row and bumps the
// session version, all in one transaction. Callers hold the module lock.
func (s *SQLiteStore) mutateModule(ctx context.Context, sessionID, module string, mutate func(*model.ModuleState) error) (*model.ModuleState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var stateJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM session_modules WHERE session_id = ? AND name = ?`,
		sessionID, module,
	).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load module")
	}

	var cur model.ModuleState
	if err := json.Unmarshal([]byte(stateJSON), &cur); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal module")
	}

	if err := mutate(&cur); err != nil {
		return nil, err
	}

	newJSON, err := json.Marshal(cur)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal module")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE session_modules SET state = ? WHERE session_id = ? AND name = ?`,
		string(newJSON), sessionID, module,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: update module")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: bump version")
	}
	if err := checkAffected(res); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit module update")
	}
	return &cur, nil
}

func (s *SQLiteStore) AppendArtifact(ctx context.Context, sessionID string, artifact model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal artifact")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, module, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		artifact.ID, sessionID, artifact.Module, string(payload), time.Now().UTC(),
	); err != nil {
		return eris.Wrap(err, "sqlite: insert artifact")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: bump version")
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit artifact")
}

func (s *SQLiteStore) SaveReport(ctx context.Context, sessionID string, report *model.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal report")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET report = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(reportJSON), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: save report")
	}
	return checkAffected(res)
}

func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge rows affected")
	}
	return int(n), nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
