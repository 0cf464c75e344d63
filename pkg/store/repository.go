package store

import (
	"context"

	"github.com/zoff-tech/go-deploybot/schema"
)

// MessageRepository persists the link between a refId and the Slack message posted for it.
// Implementations enforce uniqueness of (messageType, refId) in the storage engine itself.
type MessageRepository interface {
	// Find returns the message for (messageType, refID), or nil when none exists.
	Find(ctx context.Context, messageType schema.MessageType, refID string) (*schema.CorrelatedMessage, error)
	// FindMany returns the messages that exist for the given refIDs.
	FindMany(ctx context.Context, messageType schema.MessageType, refIDs []string) ([]schema.CorrelatedMessage, error)
	// Save inserts a new row. It returns an error wrapping schema.ErrDuplicateReference
	// when a row for (messageType, ref.RefID) already exists.
	Save(ctx context.Context, messageType schema.MessageType, ref schema.MessageRef, body []byte) error
	// Update replaces the context of every row for (messageType, refID). Missing rows are not an error.
	Update(ctx context.Context, messageType schema.MessageType, refID string, body []byte) error
}

// DeployRepository holds one row per deploy identity.
type DeployRepository interface {
	// UpsertDeploy atomically inserts the row or merges it into the stored one.
	// Status always overwrites; other fields overwrite only when non-nil. HadFailure only ever turns on.
	UpsertDeploy(ctx context.Context, state schema.DeploymentState) error
	// GetDeploy returns the row for id, or nil when none exists.
	GetDeploy(ctx context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error)
	// LastSuccessfulDeploy returns the finished row without a recorded failure that has the
	// highest sequence below before, or nil.
	LastSuccessfulDeploy(ctx context.Context, source, appName, environment string, before int64) (*schema.DeploymentState, error)
}

// Repository is the full storage contract used by the bot.
type Repository interface {
	MessageRepository
	DeployRepository
	Close(ctx context.Context) error
}

// Migrator is implemented by backends that can bootstrap their own schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}
