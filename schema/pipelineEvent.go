package schema

import "time"

// EventKind distinguishes the provider payload a PipelineEvent was built from.
type EventKind string

const (
	KindStage  EventKind = "stage"
	KindAgent  EventKind = "agent"
	KindDeploy EventKind = "deploy"
)

// StageState is the GoCD stage state. Values outside the known set are kept verbatim.
type StageState string

const (
	StageBuilding  StageState = "Building"
	StagePassed    StageState = "Passed"
	StageFailed    StageState = "Failed"
	StageCancelled StageState = "Cancelled"
	StageUnknown   StageState = "Unknown"
)

// MaterialType is the kind of material that triggered a pipeline run.
type MaterialType string

const (
	MaterialGit      MaterialType = "git"
	MaterialPipeline MaterialType = "pipeline"
)

// Modification is a single change carried by a build cause.
type Modification struct {
	Revision     string    `json:"revision"`
	ModifiedTime time.Time `json:"modified_time,omitempty"`
}

// BuildCause is one material that triggered a pipeline run, in delivery order.
type BuildCause struct {
	MaterialType  MaterialType   `json:"material_type"`
	Modifications []Modification `json:"modifications"`
}

// PipelineEvent is the provider-agnostic form of a GoCD stage or Freight deploy webhook.
type PipelineEvent struct {
	Kind EventKind `json:"kind"`

	PipelineGroup   string       `json:"pipeline_group,omitempty"`
	PipelineName    string       `json:"pipeline_name,omitempty"`
	PipelineCounter string       `json:"pipeline_counter,omitempty"`
	StageName       string       `json:"stage_name,omitempty"`
	StageCounter    string       `json:"stage_counter,omitempty"`
	StageState      StageState   `json:"stage_state,omitempty"`
	StageResult     StageState   `json:"stage_result,omitempty"`
	StageApprovedBy string       `json:"stage_approved_by,omitempty"`
	BuildCauses     []BuildCause `json:"build_causes,omitempty"`

	ExternalDeployID string       `json:"external_deploy_id,omitempty"`
	AppName          string       `json:"app_name,omitempty"`
	Environment      string       `json:"environment,omitempty"`
	User             string       `json:"user,omitempty"`
	Sha              string       `json:"sha,omitempty"`
	PreviousSha      string       `json:"previous_sha,omitempty"`
	Status           DeployStatus `json:"status,omitempty"`
	StartedAt        *time.Time   `json:"started_at,omitempty"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
	Duration         *float64     `json:"duration,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// GitRevision returns the first modification revision of the first git build cause
// that has any modifications. Later git materials are ignored.
func (e *PipelineEvent) GitRevision() string {
	for _, cause := range e.BuildCauses {
		if cause.MaterialType != MaterialGit || len(cause.Modifications) == 0 {
			continue
		}
		return cause.Modifications[0].Revision
	}
	return ""
}

// PipelinePath returns "group/name" for stage events.
func (e *PipelineEvent) PipelinePath() string {
	return e.PipelineGroup + "/" + e.PipelineName
}

// IsFailure reports whether the event describes a failed or cancelled run.
func (e *PipelineEvent) IsFailure() bool {
	switch e.Kind {
	case KindStage:
		switch e.StageState {
		case StageFailed, StageCancelled:
			return true
		}
		switch e.StageResult {
		case StageFailed, StageCancelled:
			return true
		}
	case KindDeploy:
		return e.Status == DeployFailed || e.Status == DeployCanceled
	}
	return false
}
