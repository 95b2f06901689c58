package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/classroom/go/internal/models"
	"github.com/mcdev12/classroom/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

var ErrSessionNotFound = errors.New("session not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

func newQueries(tx *sql.Tx) *queries { return &queries{db: tx} }

const createSession = `
INSERT INTO classroom_sessions (code, lesson_id, stages, created_at)
VALUES ($1, $2, $3, $4)`

const getSession = `
SELECT code, lesson_id, stages, created_at, ended_at
FROM classroom_sessions
WHERE code = $1`

const endSession = `
UPDATE classroom_sessions
SET ended_at = $2
WHERE code = $1 AND ended_at IS NULL`

const codeExists = `
SELECT EXISTS (SELECT 1 FROM classroom_sessions WHERE code = $1)`

// Repository is the Postgres registry of sessions. The live state stays in the
// store; the registry only guarantees code uniqueness across gateway restarts.
type Repository struct {
	db *sql.DB
	q  *queries
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: &queries{db: db}}
}

func (r *Repository) CreateSession(ctx context.Context, meta models.SessionMeta) error {
	stages, err := json.Marshal(meta.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal stages: %w", err)
	}
	_, err = r.q.db.ExecContext(ctx, createSession,
		meta.Code,
		meta.LessonID,
		sqlutil.ToNullRawMessage(stages),
		meta.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", meta.Code, err)
	}
	return nil
}

func (r *Repository) GetSession(ctx context.Context, code string) (*models.SessionMeta, error) {
	return r.q.getSession(ctx, code)
}

// EndSession stamps ended_at once. Ending an ended session is not an error.
func (r *Repository) EndSession(ctx context.Context, code string, at time.Time) error {
	return sqlutil.Run(ctx, r.db, newQueries, func(q *queries) error {
		if _, err := q.getSession(ctx, code); err != nil {
			return err
		}
		if _, err := q.db.ExecContext(ctx, endSession, code, sqlutil.ToNullTime(&at)); err != nil {
			return fmt.Errorf("failed to end session %s: %w", code, err)
		}
		return nil
	})
}

func (r *Repository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := r.q.db.QueryRowContext(ctx, codeExists, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code %s: %w", code, err)
	}
	return exists, nil
}

func (q *queries) getSession(ctx context.Context, code string) (*models.SessionMeta, error) {
	var (
		meta    models.SessionMeta
		stages  pqtype.NullRawMessage
		endedAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, getSession, code).Scan(
		&meta.Code, &meta.LessonID, &stages, &meta.CreatedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", code, err)
	}

	if raw := sqlutil.FromNullRawMessage(stages); raw != nil {
		if err := json.Unmarshal(raw, &meta.Stages); err != nil {
			return nil, fmt.Errorf("failed to decode stages for %s: %w", code, err)
		}
	}
	meta.EndedAt = sqlutil.FromNullTime(endedAt)
	return &meta, nil
}
