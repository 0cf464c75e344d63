package store

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-deploybot/schema"
)

const (
	messagesTable = "correlated_messages"
	deploysTable  = "deploy_states"
)

var tracer = otel.Tracer("go-deploybot/store")

func addDBStatsToSpan(span trace.Span, system, statement string, rowsCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("rowsCount", rowsCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// MergeDeploy applies the upsert rules to a stored row for backends that merge in application code.
func MergeDeploy(stored, incoming schema.DeploymentState) schema.DeploymentState {
	merged := stored
	merged.Status = incoming.Status
	merged.UpdatedAt = incoming.UpdatedAt
	merged.HadFailure = stored.HadFailure || incoming.HadFailure
	if incoming.Sequence != nil {
		merged.Sequence = incoming.Sequence
	}
	if incoming.User != nil {
		merged.User = incoming.User
	}
	if incoming.Sha != nil {
		merged.Sha = incoming.Sha
	}
	if incoming.PreviousSha != nil {
		merged.PreviousSha = incoming.PreviousSha
	}
	if incoming.StageName != nil {
		merged.StageName = incoming.StageName
	}
	if incoming.StartedAt != nil {
		merged.StartedAt = incoming.StartedAt
	}
	if incoming.FinishedAt != nil {
		merged.FinishedAt = incoming.FinishedAt
	}
	if incoming.LastTransitionAt != nil {
		merged.LastTransitionAt = incoming.LastTransitionAt
	}
	return merged
}
