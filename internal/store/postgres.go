package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/market-intel/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock implements it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool  Pool
	locks *moduleLocks
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, locks: newModuleLocks()}, nil
}

// NewPostgresWithPool wraps an existing pool; used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, locks: newModuleLocks()}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	phase      TEXT NOT NULL DEFAULT 'collect',
	version    BIGINT NOT NULL DEFAULT 0,
	report     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_modules (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	position   INTEGER NOT NULL,
	state      JSONB NOT NULL,
	PRIMARY KEY (session_id, name)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	module     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_session_modules_session ON session_modules(session_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, query string, modules []model.ModuleState) (*model.Session, error) {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, query, status, phase, version, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		sess.ID, query, string(sess.Status), string(sess.Phase), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}

	for i, m := range modules {
		stateJSON, err := json.Marshal(m)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: marshal module %s", m.Name)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO session_modules (session_id, name, position, state) VALUES ($1, $2, $3, $4)`,
			sess.ID, m.Name, i, stateJSON,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert module %s", m.Name)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit create session")
	}
	return sess, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, sessionID string) (*model.Session, error) {
	sess := &model.Session{ID: sessionID}

	var status, phase string
	var reportJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT query, status, phase, version, report, created_at, updated_at FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.Query, &status, &phase, &sess.Version, &reportJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load session")
	}
	sess.Status = model.SessionStatus(status)
	sess.Phase = model.Phase(phase)

	if len(reportJSON) > 0 {
		var report model.Report
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
		sess.Report = &report
	}

	rows, err := s.pool.Query(ctx,
		`SELECT state FROM session_modules WHERE session_id = $1 ORDER BY position`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load modules")
	}
	defer rows.Close()
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan module")
		}
		var m model.ModuleState
		if err := json.Unmarshal(stateJSON, &m); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal module")
		}
		sess.Modules = append(sess.Modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate modules")
	}

	arows, err := s.pool.Query(ctx,
		`SELECT payload FROM artifacts WHERE session_id = $1 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load artifacts")
	}
	defer arows.Close()
	for arows.Next() {
		var payload []byte
		if err := arows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan artifact")
		}
		var a model.Artifact
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal artifact")
		}
		sess.Artifacts = append(sess.Artifacts, a)
	}
	return sess, arows.Err()
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	query := `SELECT id, query, status, phase, version, created_at, updated_at FROM sessions`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		var status, phase string
		if err := rows.Scan(&sess.ID, &sess.Query, &status, &phase, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sess.Status = model.SessionStatus(status)
		sess.Phase = model.Phase(phase)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, sessionID string, status model.SessionStatus, phase model.Phase) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, phase = $2, version = version + 1, updated_at = $3 WHERE id = $4`,
		string(status), string(phase), time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session status %s", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateModule(ctx context.Context, sessionID, module string, upd ModuleUpdate) (*model.ModuleState, error) {
	unlock := s.locks.lock(sessionID, module)
	defer unlock()

	return s.mutateModule(ctx, sessionID, module, func(cur *model.ModuleState) error {
		return applyUpdate(cur, upd, time.Now().UTC())
	})
}

func (s *PostgresStore) ResetModule(ctx context.Context, sessionID, module string) (*model.ModuleState, error) {
	unlock := s.locks.lock(sessionID, module)
	defer unlock()

	return s.mutateModule(ctx, sessionID, module, applyReset)
}

func (s *PostgresStore) mutateModule(ctx context.Context, sessionID, module string, mutate func(*model.ModuleState) error) (*model.ModuleState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	var stateJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT state FROM session_modules WHERE session_id = $1 AND name = $2 FOR UPDATE`,
		sessionID, module,
	).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load module")
	}

	var cur model.ModuleState
	if err := json.Unmarshal(stateJSON, &cur); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal module")
	}

	if err := mutate(&cur); err != nil {
		return nil, err
	}

	newJSON, err := json.Marshal(cur)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal module")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE session_modules SET state = $1 WHERE session_id = $2 AND name = $3`,
		newJSON, sessionID, module,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: update module")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: bump version")
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSessionNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit module update")
	}
	return &cur, nil
}

func (s *PostgresStore) AppendArtifact(ctx context.Context, sessionID string, artifact model.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.New().String()
	}
	payload, err := json.Marshal(artifact)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal artifact")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO artifacts (id, session_id, module, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		artifact.ID, sessionID, artifact.Module, payload, time.Now().UTC(),
	); err != nil {
		return eris.Wrap(err, "postgres: insert artifact")
	}

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET version = version + 1, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: bump version")
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit artifact")
}

func (s *PostgresStore) SaveReport(ctx context.Context, sessionID string, report *model.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET report = $1, version = version + 1, updated_at = $2 WHERE id = $3`,
		reportJSON, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: save report")
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge")
	}
	return int(tag.RowsAffected()), nil
}
