package refkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-deploybot/schema"
)

func stageEvent(counter string, causes ...schema.BuildCause) *schema.PipelineEvent {
	return &schema.PipelineEvent{
		Kind:            schema.KindStage,
		PipelineGroup:   "sentryio",
		PipelineName:    "p1",
		PipelineCounter: counter,
		StageName:       "checks",
		StageCounter:    "1",
		StageState:      schema.StageFailed,
		BuildCauses:     causes,
	}
}

func gitCause(revisions ...string) schema.BuildCause {
	cause := schema.BuildCause{MaterialType: schema.MaterialGit}
	for _, r := range revisions {
		cause.Modifications = append(cause.Modifications, schema.Modification{Revision: r})
	}
	return cause
}

func TestCompute_WithGitRevision(t *testing.T) {
	event := stageEvent("20", gitCause("abc123"))
	assert.Equal(t, "sentryio-p1/20@abc123", Compute(event))
	assert.True(t, HasRevision(event))
}

func TestCompute_StableAcrossStages(t *testing.T) {
	first := stageEvent("20", gitCause("abc123"))
	second := stageEvent("20", gitCause("abc123"))
	second.StageName = "deploy"
	second.StageCounter = "2"
	second.StageState = schema.StagePassed

	assert.Equal(t, Compute(first), Compute(second))
}

func TestCompute_DifferentCountersDoNotCollide(t *testing.T) {
	assert.NotEqual(t,
		Compute(stageEvent("20", gitCause("abc123"))),
		Compute(stageEvent("21", gitCause("abc123"))))
}

func TestCompute_FirstGitCauseWins(t *testing.T) {
	event := stageEvent("7",
		schema.BuildCause{MaterialType: schema.MaterialPipeline, Modifications: []schema.Modification{{Revision: "upstream/3/build/1"}}},
		gitCause(),
		gitCause("first", "second"),
		gitCause("other"),
	)
	assert.Equal(t, "sentryio-p1/7@first", Compute(event))
}

func TestCompute_NoGitMaterial(t *testing.T) {
	event := stageEvent("7", schema.BuildCause{
		MaterialType:  schema.MaterialPipeline,
		Modifications: []schema.Modification{{Revision: "upstream/3/build/1"}},
	})
	assert.Equal(t, "sentryio-p1/7", Compute(event))
	assert.False(t, HasRevision(event))
}

func TestCompute_DeployEvent(t *testing.T) {
	event := &schema.PipelineEvent{
		Kind:             schema.KindDeploy,
		ExternalDeployID: "42",
		AppName:          "getsentry",
		Environment:      "production",
		Sha:              "deadbeef",
	}
	assert.Equal(t, "freight-getsentry-production/42", Compute(event))
	assert.False(t, HasRevision(event))
}

// A queued delivery often lacks the sha that later deliveries of the same deploy carry.
func TestCompute_DeployKeyIgnoresLateSha(t *testing.T) {
	queued := &schema.PipelineEvent{
		Kind:             schema.KindDeploy,
		ExternalDeployID: "42",
		AppName:          "getsentry",
		Environment:      "production",
		Status:           schema.DeployQueued,
	}
	started := *queued
	started.Status = schema.DeployStarted
	started.Sha = "deadbeef"

	assert.Equal(t, Compute(queued), Compute(&started))
}
