package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresRecordsSchema = `
CREATE TABLE IF NOT EXISTS loan_applications (
	id TEXT PRIMARY KEY,
	draft_id TEXT NOT NULL DEFAULT '',
	fields JSONB NOT NULL,
	external_reference_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS loan_drafts (
	id TEXT PRIMARY KEY,
	fields JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`

// PostgresRecords implements ApplicationAPI directly against the
// system-of-record database. Both upserts are keyed by id so replays are
// harmless.
type PostgresRecords struct {
	pool *pgxpool.Pool

	initOnce sync.Once
	initErr  error
}

func NewPostgresRecords(ctx context.Context, dsn string) (*PostgresRecords, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &PostgresRecords{pool: pool}, nil
}

func (r *PostgresRecords) Close() {
	r.pool.Close()
}

func (r *PostgresRecords) init(ctx context.Context) error {
	r.initOnce.Do(func() {
		if _, err := r.pool.Exec(ctx, postgresRecordsSchema); err != nil {
			r.initErr = classifyPostgresError("init schema", err)
		}
	})
	return r.initErr
}

func (r *PostgresRecords) UpsertApplication(ctx context.Context, app Application) error {
	if err := r.init(ctx); err != nil {
		return err
	}
	const query = `
		INSERT INTO loan_applications (id, draft_id, fields, external_reference_id, correlation_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			draft_id = EXCLUDED.draft_id,
			fields = EXCLUDED.fields,
			external_reference_id = EXCLUDED.external_reference_id,
			correlation_id = EXCLUDED.correlation_id,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, app.ID, app.DraftID, jsonOrEmpty(app.Fields), app.ExternalReferenceID, app.CorrelationID)
	return classifyPostgresError("upsert application", err)
}

func (r *PostgresRecords) UpsertDraft(ctx context.Context, draft Draft) error {
	if err := r.init(ctx); err != nil {
		return err
	}
	const query = `
		INSERT INTO loan_drafts (id, fields, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query, draft.ID, jsonOrEmpty(draft.Fields), draft.UpdatedAt.UTC())
	return classifyPostgresError("upsert draft", err)
}

func (r *PostgresRecords) FetchDraft(ctx context.Context, id string) (Draft, error) {
	if err := r.init(ctx); err != nil {
		return Draft{}, err
	}
	var (
		fields    []byte
		updatedAt time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT fields, updated_at FROM loan_drafts WHERE id = $1`, id).Scan(&fields, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, classifyPostgresError("fetch draft", err)
	}
	return Draft{ID: id, Fields: json.RawMessage(fields), UpdatedAt: updatedAt.UTC()}, nil
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// classifyPostgresError reports server-side errors as HTTP-style rejections
// and connection failures as transport errors.
func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &HTTPError{StatusCode: 422, Code: pgErr.Code, Message: op + ": " + pgErr.Message}
	}
	return &TransportError{Op: op, Err: err}
}
