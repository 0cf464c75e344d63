package schema

import "time"

// DeployStatus is the lifecycle status of a deploy row.
type DeployStatus string

const (
	DeployQueued   DeployStatus = "queued"
	DeployStarted  DeployStatus = "started"
	DeployFinished DeployStatus = "finished"
	DeployFailed   DeployStatus = "failed"
	DeployCanceled DeployStatus = "canceled"
)

// Deploy sources.
const (
	SourceGoCD    = "gocd"
	SourceFreight = "freight"
)

// DeployIdentity uniquely identifies a deploy_states row.
type DeployIdentity struct {
	Source      string `json:"source" bson:"source"`
	ExternalID  string `json:"external_id" bson:"external_id"`
	AppName     string `json:"app_name" bson:"app_name"`
	Environment string `json:"environment" bson:"environment"`
}

// DeploymentState is the latest known state of one deploy.
// Nil pointer fields are unknown and never overwrite a stored value on upsert.
type DeploymentState struct {
	DeployIdentity

	Sequence         *int64       `json:"sequence,omitempty"`
	Status           DeployStatus `json:"status"`
	User             *string      `json:"user,omitempty"`
	Sha              *string      `json:"sha,omitempty"`
	PreviousSha      *string      `json:"previous_sha,omitempty"`
	StageName        *string      `json:"stage_name,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	LastTransitionAt *time.Time   `json:"last_transition_at,omitempty"`
	// HadFailure is set once any stage of the run failed or was cancelled and is never cleared,
	// so a later passing stage cannot make the run count as successful.
	HadFailure       bool         `json:"had_failure"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TransitionTime is the best known time of the last status change.
func (d *DeploymentState) TransitionTime() time.Time {
	switch {
	case d.LastTransitionAt != nil:
		return *d.LastTransitionAt
	case d.FinishedAt != nil:
		return *d.FinishedAt
	default:
		return d.UpdatedAt
	}
}
