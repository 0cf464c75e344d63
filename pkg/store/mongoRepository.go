package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-deploybot/schema"
)

type messageDocument struct {
	MessageType string    `bson:"message_type"`
	RefID       string    `bson:"ref_id"`
	Channel     string    `bson:"channel"`
	Timestamp   string    `bson:"message_ts"`
	Context     string    `bson:"context"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type deployDocument struct {
	Source           string     `bson:"source"`
	ExternalID       string     `bson:"external_id"`
	AppName          string     `bson:"app_name"`
	Environment      string     `bson:"environment"`
	Sequence         *int64     `bson:"sequence,omitempty"`
	Status           string     `bson:"status"`
	User             *string    `bson:"user_name,omitempty"`
	Sha              *string    `bson:"sha,omitempty"`
	PreviousSha      *string    `bson:"previous_sha,omitempty"`
	StageName        *string    `bson:"stage_name,omitempty"`
	StartedAt        *time.Time `bson:"started_at,omitempty"`
	FinishedAt       *time.Time `bson:"finished_at,omitempty"`
	LastTransitionAt *time.Time `bson:"last_transition_at,omitempty"`
	UpdatedAt        time.Time  `bson:"updated_at"`
	HadFailure       bool       `bson:"had_failure"`
}

type MongoRepository struct {
	client   *mongo.Client
	database string
	now      func() time.Time
}

func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	return &MongoRepository{
		client:   client,
		database: database,
		now:      time.Now,
	}
}

func (m *MongoRepository) messages() *mongo.Collection {
	return m.client.Database(m.database).Collection(messagesTable)
}

func (m *MongoRepository) deploys() *mongo.Collection {
	return m.client.Database(m.database).Collection(deploysTable)
}

// Migrate creates the unique indexes the correlation and upsert semantics depend on.
func (m *MongoRepository) Migrate(ctx context.Context) error {
	_, err := m.messages().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_type", Value: 1}, {Key: "ref_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	_, err = m.deploys().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "source", Value: 1}, {Key: "external_id", Value: 1},
				{Key: "app_name", Value: 1}, {Key: "environment", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "source", Value: 1}, {Key: "app_name", Value: 1},
				{Key: "environment", Value: 1}, {Key: "status", Value: 1}, {Key: "sequence", Value: -1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create deploy indexes: %w", err)
	}
	return nil
}

func (m *MongoRepository) Find(ctx context.Context, messageType schema.MessageType, refID string) (*schema.CorrelatedMessage, error) {
	ctx, span := tracer.Start(ctx, "Find")
	defer span.End()

	var doc messageDocument
	err := m.messages().FindOne(ctx, bson.M{"message_type": string(messageType), "ref_id": refID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find message %s/%s: %w", messageType, refID, err)
	}
	return doc.toMessage(), nil
}

func (m *MongoRepository) FindMany(ctx context.Context, messageType schema.MessageType, refIDs []string) ([]schema.CorrelatedMessage, error) {
	if len(refIDs) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "FindMany")
	defer span.End()
	start := time.Now()

	filter := bson.M{"message_type": string(messageType), "ref_id": bson.M{"$in": refIDs}}
	cursor, err := m.messages().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("find messages %s: %w", messageType, err)
	}
	defer cursor.Close(ctx)

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	messages := make([]schema.CorrelatedMessage, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, *doc.toMessage())
	}

	addDBStatsToSpan(span, "mongodb", "FindMany", len(messages), time.Since(start))
	return messages, nil
}

func (m *MongoRepository) Save(ctx context.Context, messageType schema.MessageType, ref schema.MessageRef, body []byte) error {
	ctx, span := tracer.Start(ctx, "Save")
	defer span.End()

	now := m.now()
	_, err := m.messages().InsertOne(ctx, messageDocument{
		MessageType: string(messageType),
		RefID:       ref.RefID,
		Channel:     ref.Channel,
		Timestamp:   ref.Timestamp,
		Context:     string(body),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s/%s", schema.ErrDuplicateReference, messageType, ref.RefID)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save message %s/%s: %w", messageType, ref.RefID, err)
	}
	return nil
}

func (m *MongoRepository) Update(ctx context.Context, messageType schema.MessageType, refID string, body []byte) error {
	ctx, span := tracer.Start(ctx, "Update")
	defer span.End()

	filter := bson.M{"message_type": string(messageType), "ref_id": refID}
	update := bson.M{
		"$set": bson.M{
			"context":    string(body),
			"updated_at": m.now(),
		},
	}
	if _, err := m.messages().UpdateMany(ctx, filter, update); err != nil {
		span.RecordError(err)
		return fmt.Errorf("update message %s/%s: %w", messageType, refID, err)
	}
	return nil
}

// UpsertDeploy issues a single upserting update; only non-nil fields are $set so stored values survive.
func (m *MongoRepository) UpsertDeploy(ctx context.Context, state schema.DeploymentState) error {
	ctx, span := tracer.Start(ctx, "UpsertDeploy")
	defer span.End()

	set := bson.M{
		"status":     string(state.Status),
		"updated_at": state.UpdatedAt,
	}
	if state.Sequence != nil {
		set["sequence"] = *state.Sequence
	}
	if state.User != nil {
		set["user_name"] = *state.User
	}
	if state.Sha != nil {
		set["sha"] = *state.Sha
	}
	if state.PreviousSha != nil {
		set["previous_sha"] = *state.PreviousSha
	}
	if state.StageName != nil {
		set["stage_name"] = *state.StageName
	}
	if state.StartedAt != nil {
		set["started_at"] = *state.StartedAt
	}
	if state.FinishedAt != nil {
		set["finished_at"] = *state.FinishedAt
	}
	if state.LastTransitionAt != nil {
		set["last_transition_at"] = *state.LastTransitionAt
	}

	update := bson.M{"$set": set}
	if state.HadFailure {
		set["had_failure"] = true
	} else {
		update["$setOnInsert"] = bson.M{"had_failure": false}
	}

	_, err := m.deploys().UpdateOne(ctx, deployFilter(state.DeployIdentity), update, options.Update().SetUpsert(true))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert deploy %s/%s: %w", state.Source, state.ExternalID, err)
	}
	return nil
}

func (m *MongoRepository) GetDeploy(ctx context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "GetDeploy")
	defer span.End()

	var doc deployDocument
	err := m.deploys().FindOne(ctx, deployFilter(id)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get deploy %s/%s: %w", id.Source, id.ExternalID, err)
	}
	return doc.toState(), nil
}

func (m *MongoRepository) LastSuccessfulDeploy(ctx context.Context, source, appName, environment string, before int64) (*schema.DeploymentState, error) {
	ctx, span := tracer.Start(ctx, "LastSuccessfulDeploy")
	defer span.End()

	filter := bson.M{
		"source":      source,
		"app_name":    appName,
		"environment": environment,
		"status":      string(schema.DeployFinished),
		"had_failure": bson.M{"$ne": true},
		"sequence":    bson.M{"$lt": before},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}, {Key: "updated_at", Value: -1}})

	var doc deployDocument
	err := m.deploys().FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("last successful deploy %s/%s/%s: %w", source, appName, environment, err)
	}
	return doc.toState(), nil
}

func (m *MongoRepository) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func deployFilter(id schema.DeployIdentity) bson.M {
	return bson.M{
		"source":      id.Source,
		"external_id": id.ExternalID,
		"app_name":    id.AppName,
		"environment": id.Environment,
	}
}

func (d messageDocument) toMessage() *schema.CorrelatedMessage {
	return &schema.CorrelatedMessage{
		MessageRef: schema.MessageRef{
			RefID:     d.RefID,
			Channel:   d.Channel,
			Timestamp: d.Timestamp,
		},
		Type:      schema.MessageType(d.MessageType),
		Context:   []byte(d.Context),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (d deployDocument) toState() *schema.DeploymentState {
	return &schema.DeploymentState{
		DeployIdentity: schema.DeployIdentity{
			Source:      d.Source,
			ExternalID:  d.ExternalID,
			AppName:     d.AppName,
			Environment: d.Environment,
		},
		Sequence:         d.Sequence,
		Status:           schema.DeployStatus(d.Status),
		User:             d.User,
		Sha:              d.Sha,
		PreviousSha:      d.PreviousSha,
		StageName:        d.StageName,
		StartedAt:        d.StartedAt,
		FinishedAt:       d.FinishedAt,
		LastTransitionAt: d.LastTransitionAt,
		UpdatedAt:        d.UpdatedAt,
		HadFailure:       d.HadFailure,
	}
}
