package normalizer

import (
	"fmt"
	"time"

	"github.com/zoff-tech/go-deploybot/schema"
)

type gocdStagePayload struct {
	Type string `json:"type"`
	Data *struct {
		Pipeline *gocdPipeline `json:"pipeline"`
	} `json:"data"`
}

type gocdPipeline struct {
	Name       string           `json:"name"`
	Counter    flexString       `json:"counter"`
	Group      *string          `json:"group"`
	BuildCause []gocdBuildCause `json:"build-cause"`
	Stage      *gocdStage       `json:"stage"`
}

type gocdBuildCause struct {
	Material struct {
		Type string `json:"type"`
	} `json:"material"`
	Changed       bool `json:"changed"`
	Modifications []struct {
		Revision     string `json:"revision"`
		ModifiedTime string `json:"modified-time"`
	} `json:"modifications"`
}

type gocdStage struct {
	Name               string     `json:"name"`
	Counter            flexString `json:"counter"`
	State              string     `json:"state"`
	Result             string     `json:"result"`
	ApprovedBy         string     `json:"approved-by"`
	CreateTime         string     `json:"create-time"`
	LastTransitionTime string     `json:"last-transition-time"`
}

// gocdModifiedTimeLayout is the human-readable form GoCD uses for material modifications.
const gocdModifiedTimeLayout = "Jan 2, 2006, 3:04:05 PM"

func normalizeGoCDStage(payload []byte) (*schema.PipelineEvent, error) {
	var body gocdStagePayload
	if err := decode(payload, &body); err != nil {
		return nil, err
	}
	if body.Data == nil || body.Data.Pipeline == nil {
		return nil, schema.ErrSkippedEvent
	}
	pipeline := body.Data.Pipeline
	// Deployments are first delivered without group metadata; routing them now would misfile them.
	if pipeline.Group == nil || *pipeline.Group == "" {
		return nil, schema.ErrSkippedEvent
	}
	if pipeline.Name == "" || pipeline.Counter == "" {
		return nil, fmt.Errorf("%w: gocd pipeline name and counter are required", schema.ErrMalformedPayload)
	}
	if pipeline.Stage == nil || pipeline.Stage.Name == "" {
		return nil, fmt.Errorf("%w: gocd stage is required", schema.ErrMalformedPayload)
	}

	stage := pipeline.Stage
	event := &schema.PipelineEvent{
		Kind:            schema.KindStage,
		PipelineGroup:   *pipeline.Group,
		PipelineName:    pipeline.Name,
		PipelineCounter: string(pipeline.Counter),
		StageName:       stage.Name,
		StageCounter:    string(stage.Counter),
		StageState:      schema.StageState(stage.State),
		StageResult:     schema.StageState(stage.Result),
		StageApprovedBy: stage.ApprovedBy,
	}

	for _, cause := range pipeline.BuildCause {
		bc := schema.BuildCause{MaterialType: schema.MaterialType(cause.Material.Type)}
		for _, mod := range cause.Modifications {
			m := schema.Modification{Revision: mod.Revision}
			if t, err := time.Parse(gocdModifiedTimeLayout, mod.ModifiedTime); err == nil {
				m.ModifiedTime = t
			} else if t, err := time.Parse(time.RFC3339Nano, mod.ModifiedTime); err == nil {
				m.ModifiedTime = t
			}
			bc.Modifications = append(bc.Modifications, m)
		}
		event.BuildCauses = append(event.BuildCauses, bc)
	}

	created, err := parseTime("create-time", stage.CreateTime)
	if err != nil {
		return nil, err
	}
	transitioned, err := parseTime("last-transition-time", stage.LastTransitionTime)
	if err != nil {
		return nil, err
	}
	switch {
	case transitioned != nil:
		event.OccurredAt = *transitioned
	case created != nil:
		event.OccurredAt = *created
	}
	event.StartedAt = created
	if isTerminal(event.StageState) {
		event.FinishedAt = transitioned
	}
	event.Status = deployStatusForStage(event)

	return event, nil
}

func isTerminal(state schema.StageState) bool {
	switch state {
	case schema.StagePassed, schema.StageFailed, schema.StageCancelled:
		return true
	}
	return false
}

// deployStatusForStage maps a stage onto the projection's status vocabulary.
// The result wins over the state when GoCD has already decided one.
func deployStatusForStage(event *schema.PipelineEvent) schema.DeployStatus {
	state := event.StageResult
	if state == "" || state == schema.StageUnknown {
		state = event.StageState
	}
	switch state {
	case schema.StagePassed:
		return schema.DeployFinished
	case schema.StageFailed:
		return schema.DeployFailed
	case schema.StageCancelled:
		return schema.DeployCanceled
	case schema.StageBuilding, schema.StageUnknown, "":
		return schema.DeployStarted
	default:
		return schema.DeployFailed
	}
}
