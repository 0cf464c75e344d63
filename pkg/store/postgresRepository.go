package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/zoff-tech/go-deploybot/schema"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS correlated_messages (
    id           BIGSERIAL PRIMARY KEY,
    message_type TEXT NOT NULL,
    ref_id       TEXT NOT NULL,
    channel      TEXT NOT NULL,
    message_ts   TEXT NOT NULL,
    context      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    CONSTRAINT correlated_messages_type_ref UNIQUE (message_type, ref_id)
);

CREATE TABLE IF NOT EXISTS deploy_states (
    source             TEXT NOT NULL,
    external_id        TEXT NOT NULL,
    app_name           TEXT NOT NULL,
    environment        TEXT NOT NULL,
    sequence           BIGINT,
    status             TEXT NOT NULL,
    user_name          TEXT,
    sha                TEXT,
    previous_sha       TEXT,
    stage_name         TEXT,
    started_at         TIMESTAMPTZ,
    finished_at        TIMESTAMPTZ,
    last_transition_at TIMESTAMPTZ,
    updated_at         TIMESTAMPTZ NOT NULL,
    had_failure        BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (source, external_id, app_name, environment)
);
CREATE INDEX IF NOT EXISTS idx_deploy_states_success
    ON deploy_states (source, app_name, environment, status, sequence DESC)
    WHERE NOT had_failure;
`

// migrationLockKey is the advisory lock replicas take so only one applies the schema at a time.
const migrationLockKey = 0x6465706c6f79

const (
	migratedQuery = `SELECT COUNT(*) FROM schema_version WHERE version = 1`
	migrationLock = `SELECT pg_advisory_xact_lock($1)`
	recordVersion = `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT (version) DO NOTHING`

	messageColumns = `ref_id, channel, message_ts, context, created_at, updated_at`

	findMessageQuery = `SELECT ` + messageColumns + ` FROM correlated_messages
		WHERE message_type = $1 AND ref_id = $2`
	findMessagesQuery = `SELECT ` + messageColumns + ` FROM correlated_messages
		WHERE message_type = $1 AND ref_id = ANY($2) ORDER BY id`
	insertMessageQuery = `INSERT INTO correlated_messages (message_type, ref_id, channel, message_ts, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	updateMessageQuery = `UPDATE correlated_messages SET context = $1, updated_at = $2
		WHERE message_type = $3 AND ref_id = $4`

	deployColumns = `source, external_id, app_name, environment, sequence, status, user_name, sha, previous_sha,
		stage_name, started_at, finished_at, last_transition_at, updated_at, had_failure`

	upsertDeployQuery = `INSERT INTO deploy_states (` + deployColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (source, external_id, app_name, environment) DO UPDATE SET
			sequence = COALESCE(EXCLUDED.sequence, deploy_states.sequence),
			status = EXCLUDED.status,
			user_name = COALESCE(EXCLUDED.user_name, deploy_states.user_name),
			sha = COALESCE(EXCLUDED.sha, deploy_states.sha),
			previous_sha = COALESCE(EXCLUDED.previous_sha, deploy_states.previous_sha),
			stage_name = COALESCE(EXCLUDED.stage_name, deploy_states.stage_name),
			started_at = COALESCE(EXCLUDED.started_at, deploy_states.started_at),
			finished_at = COALESCE(EXCLUDED.finished_at, deploy_states.finished_at),
			last_transition_at = COALESCE(EXCLUDED.last_transition_at, deploy_states.last_transition_at),
			updated_at = EXCLUDED.updated_at,
			had_failure = deploy_states.had_failure OR EXCLUDED.had_failure`
	getDeployQuery = `SELECT ` + deployColumns + ` FROM deploy_states
		WHERE source = $1 AND external_id = $2 AND app_name = $3 AND environment = $4`
	lastSuccessfulDeployQuery = `SELECT ` + deployColumns + ` FROM deploy_states
		WHERE source = $1 AND app_name = $2 AND environment = $3 AND status = $4
			AND NOT had_failure AND sequence < $5
		ORDER BY sequence DESC NULLS LAST, updated_at DESC LIMIT 1`
)

type PostgresRepository struct {
	db  *sql.DB // using database/sql
	now func() time.Time
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Migrate applies the schema once; later calls are no-ops. Replicas starting together
// serialize on an advisory lock, and the DDL and version record are both idempotent.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	var count int
	if err := p.db.QueryRowContext(ctx, migratedQuery).Scan(&count); err == nil && count > 0 {
		return nil
	}

	return p.withTransaction(ctx, "Migrate", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if _, err := tx.ExecContext(ctx, migrationLock, migrationLockKey); err != nil {
			return 0, fmt.Errorf("acquire migration lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return 0, fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.ExecContext(ctx, recordVersion); err != nil {
			return 0, fmt.Errorf("record schema version: %w", err)
		}
		return 0, nil
	})
}

func (p *PostgresRepository) Find(ctx context.Context, messageType schema.MessageType, refID string) (*schema.CorrelatedMessage, error) {
	ctx, span := tracer.Start(ctx, "Find")
	defer span.End()
	start := time.Now()

	row := p.db.QueryRowContext(ctx, findMessageQuery, messageType, refID)
	msg, err := scanMessage(row, messageType)
	if errors.Is(err, sql.ErrNoRows) {
		addDBStatsToSpan(span, "postgresql", "Find", 0, time.Since(start))
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find message %s/%s: %w", messageType, refID, err)
	}
	addDBStatsToSpan(span, "postgresql", "Find", 1, time.Since(start))
	return msg, nil
}

func (p *PostgresRepository) FindMany(ctx context.Context, messageType schema.MessageType, refIDs []string) ([]schema.CorrelatedMessage, error) {
	if len(refIDs) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "FindMany")
	defer span.End()
	start := time.Now()

	rows, err := p.db.QueryContext(ctx, findMessagesQuery, messageType, pq.Array(refIDs))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find messages %s: %w", messageType, err)
	}
	defer rows.Close()

	var messages []schema.CorrelatedMessage
	for rows.Next() {
		msg, err := scanMessage(rows, messageType)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "FindMany", len(messages), time.Since(start))
	return messages, nil
}

func (p *PostgresRepository) Save(ctx context.Context, messageType schema.MessageType, ref schema.MessageRef, body []byte) error {
	return p.withTransaction(ctx, "Save", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, insertMessageQuery,
			messageType, ref.RefID, ref.Channel, ref.Timestamp, string(body), p.now())
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s/%s", schema.ErrDuplicateReference, messageType, ref.RefID)
		}
		if err != nil {
			return 0, fmt.Errorf("save message %s/%s: %w", messageType, ref.RefID, err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) Update(ctx context.Context, messageType schema.MessageType, refID string, body []byte) error {
	return p.withTransaction(ctx, "Update", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, updateMessageQuery, string(body), p.now(), messageType, refID)
		if err != nil {
			return 0, fmt.Errorf("update message %s/%s: %w", messageType, refID, err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	})
}

func (p *PostgresRepository) UpsertDeploy(ctx context.Context, state schema.DeploymentState) error {
	return p.withTransaction(ctx, "UpsertDeploy", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, upsertDeployQuery,
			state.Source, state.ExternalID, state.AppName, state.Environment,
			nullInt64(state.Sequence), state.Status,
			nullString(state.User), nullString(state.Sha), nullString(state.PreviousSha), nullString(state.StageName),
			nullTime(state.StartedAt), nullTime(state.FinishedAt), nullTime(state.LastTransitionAt),
			state.UpdatedAt, state.HadFailure,
		)
		if err != nil {
			return 0, fmt.Errorf("upsert deploy %s/%s: %w", state.Source, state.ExternalID, err)
		}
		return 1, nil
	})
}

func (p *PostgresRepository) GetDeploy(ctx context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "GetDeploy")
	defer span.End()

	row := p.db.QueryRowContext(ctx, getDeployQuery, id.Source, id.ExternalID, id.AppName, id.Environment)
	state, err := scanDeploy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get deploy %s/%s: %w", id.Source, id.ExternalID, err)
	}
	return state, nil
}

func (p *PostgresRepository) LastSuccessfulDeploy(ctx context.Context, source, appName, environment string, before int64) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "LastSuccessfulDeploy")
	defer span.End()

	row := p.db.QueryRowContext(ctx, lastSuccessfulDeployQuery, source, appName, environment, schema.DeployFinished, before)
	state, err := scanDeploy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("last successful deploy %s/%s/%s: %w", source, appName, environment, err)
	}
	return state, nil
}

func (p *PostgresRepository) Close(context.Context) error {
	return p.db.Close()
}

// withTransaction runs fn in its own transaction under a span. fn reports the number of rows it touched.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) error {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	count, err := fn(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, count, time.Since(start))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner, messageType schema.MessageType) (*schema.CorrelatedMessage, error) {
	msg := schema.CorrelatedMessage{Type: messageType}
	var body []byte
	if err := row.Scan(&msg.RefID, &msg.Channel, &msg.Timestamp, &body, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.Context = body
	return &msg, nil
}

func scanDeploy(row rowScanner) (*schema.DeploymentState, error) {
	var (
		state                                   schema.DeploymentState
		sequence                                sql.NullInt64
		user, sha, previousSha, stageName       sql.NullString
		startedAt, finishedAt, lastTransitionAt sql.NullTime
	)
	err := row.Scan(
		&state.Source, &state.ExternalID, &state.AppName, &state.Environment,
		&sequence, &state.Status, &user, &sha, &previousSha, &stageName,
		&startedAt, &finishedAt, &lastTransitionAt, &state.UpdatedAt, &state.HadFailure,
	)
	if err != nil {
		return nil, err
	}
	if sequence.Valid {
		state.Sequence = &sequence.Int64
	}
	state.User = fromNullString(user)
	state.Sha = fromNullString(sha)
	state.PreviousSha = fromNullString(previousSha)
	state.StageName = fromNullString(stageName)
	state.StartedAt = fromNullTime(startedAt)
	state.FinishedAt = fromNullTime(finishedAt)
	state.LastTransitionAt = fromNullTime(lastTransitionAt)
	return &state, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
