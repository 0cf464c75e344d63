package schema

import (
	"encoding/json"
	"time"
)

// MessageType names a subscriber feed. At most one correlated message exists per (type, refId).
type MessageType string

const (
	MessageGoCDDeploy    MessageType = "gocd-deploy"
	MessageFreightDeploy MessageType = "freight-deploy"
	MessageGoCDAlert     MessageType = "gocd-alert"
)

// MessageRef locates a posted Slack message. Timestamp is the provider-assigned handle.
type MessageRef struct {
	RefID     string `json:"ref_id"`
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// CorrelatedMessage is a persisted link between a refId and a Slack message.
type CorrelatedMessage struct {
	MessageRef
	Type      MessageType     `json:"type"`
	Context   json.RawMessage `json:"context"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AlertDecision is the outcome of evaluating an event against the last known good run.
type AlertDecision struct {
	ConsecutiveFailures bool          `json:"consecutive_failures"`
	FailureCount        int64         `json:"failure_count,omitempty"`
	Stale               bool          `json:"stale"`
	SinceLastGood       time.Duration `json:"since_last_good,omitempty"`
	LastGoodCounter     string        `json:"last_good_counter,omitempty"`
}

// Fired reports whether any alert condition holds.
func (a AlertDecision) Fired() bool {
	return a.ConsecutiveFailures || a.Stale
}
