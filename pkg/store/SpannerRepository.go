package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"

	"github.com/zoff-tech/go-deploybot/schema"
)

// Spanner tables mirror the Postgres layout. The (MessageType, RefId) primary key is the
// uniqueness constraint for correlated messages.
const (
	spannerMessagesTable = "CorrelatedMessages"
	spannerDeploysTable  = "DeployStates"
)

// SpannerSchema is applied by operators through the database admin API; the repository
// does not run DDL itself.
const SpannerSchema = `
CREATE TABLE CorrelatedMessages (
	MessageType STRING(64) NOT NULL,
	RefId STRING(MAX) NOT NULL,
	Channel STRING(MAX) NOT NULL,
	MessageTs STRING(MAX) NOT NULL,
	Context STRING(MAX) NOT NULL,
	CreatedAt TIMESTAMP NOT NULL,
	UpdatedAt TIMESTAMP NOT NULL
) PRIMARY KEY (MessageType, RefId);
CREATE TABLE DeployStates (
	Source STRING(32) NOT NULL,
	ExternalId STRING(MAX) NOT NULL,
	AppName STRING(MAX) NOT NULL,
	Environment STRING(MAX) NOT NULL,
	Sequence INT64,
	Status STRING(32) NOT NULL,
	UserName STRING(MAX),
	Sha STRING(MAX),
	PreviousSha STRING(MAX),
	StageName STRING(MAX),
	StartedAt TIMESTAMP,
	FinishedAt TIMESTAMP,
	LastTransitionAt TIMESTAMP,
	UpdatedAt TIMESTAMP NOT NULL,
	HadFailure BOOL NOT NULL
) PRIMARY KEY (Source, ExternalId, AppName, Environment);
`

var (
	spannerMessageColumns = []string{"MessageType", "RefId", "Channel", "MessageTs", "Context", "CreatedAt", "UpdatedAt"}
	spannerDeployColumns  = []string{
		"Source", "ExternalId", "AppName", "Environment", "Sequence", "Status", "UserName", "Sha",
		"PreviousSha", "StageName", "StartedAt", "FinishedAt", "LastTransitionAt", "UpdatedAt", "HadFailure",
	}
)

type SpannerRepository struct {
	client *spanner.Client
	now    func() time.Time
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client, now: time.Now}
}

func (s *SpannerRepository) Find(ctx context.Context, messageType schema.MessageType, refID string) (*schema.CorrelatedMessage, error) {
	ctx, span := tracer.Start(ctx, "Find")
	defer span.End()

	row, err := s.client.Single().ReadRow(ctx, spannerMessagesTable, spanner.Key{string(messageType), refID}, spannerMessageColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find message %s/%s: %w", messageType, refID, err)
	}
	return decodeSpannerMessage(row)
}

func (s *SpannerRepository) FindMany(ctx context.Context, messageType schema.MessageType, refIDs []string) ([]schema.CorrelatedMessage, error) {
	if len(refIDs) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "FindMany")
	defer span.End()
	start := time.Now()

	keys := make([]spanner.Key, 0, len(refIDs))
	for _, refID := range refIDs {
		keys = append(keys, spanner.Key{string(messageType), refID})
	}

	var messages []schema.CorrelatedMessage
	iter := s.client.Single().Read(ctx, spannerMessagesTable, spanner.KeySetFromKeys(keys...), spannerMessageColumns)
	err := iter.Do(func(row *spanner.Row) error {
		msg, err := decodeSpannerMessage(row)
		if err != nil {
			return err
		}
		messages = append(messages, *msg)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find messages %s: %w", messageType, err)
	}

	addDBStatsToSpan(span, "spanner", "FindMany", len(messages), time.Since(start))
	return messages, nil
}

func (s *SpannerRepository) Save(ctx context.Context, messageType schema.MessageType, ref schema.MessageRef, body []byte) error {
	ctx, span := tracer.Start(ctx, "Save")
	defer span.End()

	now := s.now()
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert(spannerMessagesTable, spannerMessageColumns, []any{
			string(messageType), ref.RefID, ref.Channel, ref.Timestamp, string(body), now, now,
		}),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %s/%s", schema.ErrDuplicateReference, messageType, ref.RefID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save message %s/%s: %w", messageType, ref.RefID, err)
	}
	return nil
}

func (s *SpannerRepository) Update(ctx context.Context, messageType schema.MessageType, refID string, body []byte) error {
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE CorrelatedMessages SET Context = @context, UpdatedAt = @now
			      WHERE MessageType = @messageType AND RefId = @refId`,
			Params: map[string]interface{}{
				"context":     string(body),
				"now":         s.now(),
				"messageType": string(messageType),
				"refId":       refID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update message %s/%s: %w", messageType, refID, err)
	}
	return nil
}

// UpsertDeploy reads and writes inside one read-write transaction, so concurrent
// deliveries for the same identity are serialized by Spanner's locking.
func (s *SpannerRepository) UpsertDeploy(ctx context.Context, state schema.DeploymentState) error {
	ctx, span := tracer.Start(ctx, "UpsertDeploy")
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, spannerDeploysTable, spannerDeployKey(state.DeployIdentity), spannerDeployColumns)
		if spanner.ErrCode(err) == codes.NotFound {
			return txn.BufferWrite([]*spanner.Mutation{
				spanner.Insert(spannerDeploysTable, spannerDeployColumns, spannerDeployValues(state)),
			})
		}
		if err != nil {
			return err
		}
		stored, err := decodeSpannerDeploy(row)
		if err != nil {
			return err
		}
		merged := MergeDeploy(*stored, state)
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update(spannerDeploysTable, spannerDeployColumns, spannerDeployValues(merged)),
		})
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert deploy %s/%s: %w", state.Source, state.ExternalID, err)
	}
	return nil
}

func (s *SpannerRepository) GetDeploy(ctx context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "GetDeploy")
	defer span.End()

	row, err := s.client.Single().ReadRow(ctx, spannerDeploysTable, spannerDeployKey(id), spannerDeployColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get deploy %s/%s: %w", id.Source, id.ExternalID, err)
	}
	return decodeSpannerDeploy(row)
}

func (s *SpannerRepository) LastSuccessfulDeploy(ctx context.Context, source, appName, environment string, before int64) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "LastSuccessfulDeploy")
	defer span.End()

	stmt := spanner.Statement{
		SQL: `SELECT Source, ExternalId, AppName, Environment, Sequence, Status, UserName, Sha, PreviousSha,
		             StageName, StartedAt, FinishedAt, LastTransitionAt, UpdatedAt, HadFailure
		      FROM DeployStates
		      WHERE Source = @source AND AppName = @appName AND Environment = @environment AND Status = @status
		        AND HadFailure = FALSE AND Sequence < @before
		      ORDER BY Sequence DESC LIMIT 1`,
		Params: map[string]interface{}{
			"source":      source,
			"appName":     appName,
			"environment": environment,
			"status":      string(schema.DeployFinished),
			"before":      before,
		},
	}

	var state *schema.DeploymentState
	err := s.client.Single().Query(ctx, stmt).Do(func(row *spanner.Row) error {
		var err error
		state, err = decodeSpannerDeploy(row)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("last successful deploy %s/%s/%s: %w", source, appName, environment, err)
	}
	return state, nil
}

func (s *SpannerRepository) Close(context.Context) error {
	s.client.Close()
	return nil
}

func spannerDeployKey(id schema.DeployIdentity) spanner.Key {
	return spanner.Key{id.Source, id.ExternalID, id.AppName, id.Environment}
}

func spannerDeployValues(state schema.DeploymentState) []any {
	return []any{
		state.Source, state.ExternalID, state.AppName, state.Environment,
		spannerNullInt64(state.Sequence), string(state.Status),
		spannerNullString(state.User), spannerNullString(state.Sha), spannerNullString(state.PreviousSha),
		spannerNullString(state.StageName),
		spannerNullTime(state.StartedAt), spannerNullTime(state.FinishedAt), spannerNullTime(state.LastTransitionAt),
		state.UpdatedAt, state.HadFailure,
	}
}

func decodeSpannerMessage(row *spanner.Row) (*schema.CorrelatedMessage, error) {
	var (
		msg         schema.CorrelatedMessage
		messageType string
		body        string
	)
	if err := row.Columns(&messageType, &msg.RefID, &msg.Channel, &msg.Timestamp, &body, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.Type = schema.MessageType(messageType)
	msg.Context = []byte(body)
	return &msg, nil
}

func decodeSpannerDeploy(row *spanner.Row) (*schema.DeploymentState, error) {
	var (
		state                                   schema.DeploymentState
		status                                  string
		sequence                                spanner.NullInt64
		user, sha, previousSha, stageName       spanner.NullString
		startedAt, finishedAt, lastTransitionAt spanner.NullTime
	)
	err := row.Columns(
		&state.Source, &state.ExternalID, &state.AppName, &state.Environment,
		&sequence, &status, &user, &sha, &previousSha, &stageName,
		&startedAt, &finishedAt, &lastTransitionAt, &state.UpdatedAt, &state.HadFailure,
	)
	if err != nil {
		return nil, err
	}
	state.Status = schema.DeployStatus(status)
	if sequence.Valid {
		state.Sequence = &sequence.Int64
	}
	state.User = fromSpannerString(user)
	state.Sha = fromSpannerString(sha)
	state.PreviousSha = fromSpannerString(previousSha)
	state.StageName = fromSpannerString(stageName)
	state.StartedAt = fromSpannerTime(startedAt)
	state.FinishedAt = fromSpannerTime(finishedAt)
	state.LastTransitionAt = fromSpannerTime(lastTransitionAt)
	return &state, nil
}

func spannerNullString(s *string) spanner.NullString {
	if s == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *s, Valid: true}
}

func spannerNullInt64(n *int64) spanner.NullInt64 {
	if n == nil {
		return spanner.NullInt64{}
	}
	return spanner.NullInt64{Int64: *n, Valid: true}
}

func spannerNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: *t, Valid: true}
}

func fromSpannerString(s spanner.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.StringVal
}

func fromSpannerTime(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
