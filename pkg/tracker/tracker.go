// Package tracker decides whether a pipeline has failed too many times in a row, or has gone
// too long without a good run, relative to the last successful deploy recorded for it.
package tracker

import (
	"strconv"
	"time"

	"github.com/zoff-tech/go-deploybot/schema"
)

const (
	DefaultThreshold  = 3
	DefaultStaleAfter = 2 * time.Hour
)

// Policy is the per-subscriber alert configuration.
type Policy struct {
	Threshold  int
	StaleAfter time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = DefaultStaleAfter
	}
	return p
}

// Evaluate is a pure function: it reads the event and the last good row and never persists anything.
// lastGood must be the last successful run of the same pipeline, or nil when none was ever observed.
func Evaluate(event *schema.PipelineEvent, lastGood *schema.DeploymentState, policy Policy, now time.Time) schema.AlertDecision {
	var decision schema.AlertDecision
	if event == nil || lastGood == nil || !samePipeline(event, lastGood) {
		return decision
	}

	outcome, counter, ok := outcomeOf(event)
	if !ok {
		return decision
	}
	switch outcome {
	case schema.StagePassed, schema.StageUnknown, schema.StageBuilding:
		return decision
	}

	policy = policy.withDefaults()
	decision.LastGoodCounter = lastGood.ExternalID

	if lastGood.Sequence != nil {
		count := counter - *lastGood.Sequence
		if count >= int64(policy.Threshold) {
			decision.ConsecutiveFailures = true
			decision.FailureCount = count
		}
	}

	if outcome == schema.StageFailed {
		since := now.Sub(lastGood.TransitionTime())
		if since >= policy.StaleAfter {
			decision.Stale = true
			decision.SinceLastGood = since
		}
	}
	return decision
}

// outcomeOf maps the event to a stage outcome and its numeric counter. Stage result wins over
// stage state since GoCD only settles the result once the stage is done.
func outcomeOf(event *schema.PipelineEvent) (schema.StageState, int64, bool) {
	switch event.Kind {
	case schema.KindStage:
		counter, err := strconv.ParseInt(event.PipelineCounter, 10, 64)
		if err != nil {
			return "", 0, false
		}
		outcome := event.StageResult
		if outcome == "" {
			outcome = event.StageState
		}
		return outcome, counter, true
	case schema.KindDeploy:
		counter, err := strconv.ParseInt(event.ExternalDeployID, 10, 64)
		if err != nil {
			return "", 0, false
		}
		switch event.Status {
		case schema.DeployFailed:
			return schema.StageFailed, counter, true
		case schema.DeployCanceled:
			return schema.StageCancelled, counter, true
		case schema.DeployFinished:
			return schema.StagePassed, counter, true
		default:
			return schema.StageBuilding, counter, true
		}
	}
	return "", 0, false
}

func samePipeline(event *schema.PipelineEvent, lastGood *schema.DeploymentState) bool {
	switch event.Kind {
	case schema.KindStage:
		return lastGood.Source == schema.SourceGoCD &&
			lastGood.AppName == event.PipelineName &&
			lastGood.Environment == event.PipelineGroup
	case schema.KindDeploy:
		return lastGood.Source == schema.SourceFreight &&
			lastGood.AppName == event.AppName &&
			lastGood.Environment == event.Environment
	}
	return false
}
