package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-deploybot/pkg/store/storetest"
	"github.com/zoff-tech/go-deploybot/pkg/tracker"
	"github.com/zoff-tech/go-deploybot/schema"
)

type postCall struct {
	Channel string
	Msg     Message
}

type updateCall struct {
	Channel   string
	Timestamp string
	Msg       Message
}

// fakePoster records calls and hands out sequential timestamps.
type fakePoster struct {
	mu      sync.Mutex
	posts   []postCall
	updates []updateCall
	failOn  map[string]error
}

func (f *fakePoster) PostMessage(_ context.Context, channel string, msg Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[channel]; err != nil {
		return "", err
	}
	f.posts = append(f.posts, postCall{Channel: channel, Msg: msg})
	return fmt.Sprintf("1700000000.%06d", len(f.posts)), nil
}

func (f *fakePoster) UpdateMessage(_ context.Context, channel, timestamp string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[channel]; err != nil {
		return err
	}
	f.updates = append(f.updates, updateCall{Channel: channel, Timestamp: timestamp, Msg: msg})
	return nil
}

func stageEvent(stage, counter string, state schema.StageState) *schema.PipelineEvent {
	return &schema.PipelineEvent{
		Kind:            schema.KindStage,
		PipelineGroup:   "sentryio",
		PipelineName:    "p1",
		PipelineCounter: "20",
		StageName:       stage,
		StageCounter:    counter,
		StageState:      state,
		BuildCauses: []schema.BuildCause{
			{MaterialType: schema.MaterialGit, Modifications: []schema.Modification{{Revision: "abc123"}}},
		},
	}
}

func deployFeed(channel string) Subscriber {
	return Subscriber{Name: channel, Channel: channel, MessageType: schema.MessageGoCDDeploy}
}

func TestRoute_SecondDeliveryUpdatesSameMessage(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, deployFeed("C1"))
	ctx := context.Background()

	event := stageEvent("checks", "1", schema.StageFailed)

	outcomes, err := r.Route(ctx, Delivery{Event: event})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ActionPosted, outcomes[0].Action)
	assert.Equal(t, "sentryio-p1/20@abc123", outcomes[0].RefID)

	outcomes, err = r.Route(ctx, Delivery{Event: event})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, outcomes[0].Action)

	assert.Len(t, poster.posts, 1)
	require.Len(t, poster.updates, 1)
	assert.Equal(t, "1700000000.000001", poster.updates[0].Timestamp)
	assert.Len(t, repo.Messages(schema.MessageGoCDDeploy), 1)
}

func TestRoute_InitiatorSurvivesLaterStages(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, deployFeed("C1"))
	ctx := context.Background()

	first := stageEvent("checks", "1", schema.StagePassed)
	first.StageApprovedBy = "jane"
	_, err := r.Route(ctx, Delivery{Event: first})
	require.NoError(t, err)

	_, err = r.Route(ctx, Delivery{Event: stageEvent("deploy", "1", schema.StageBuilding)})
	require.NoError(t, err)

	stored := repo.Messages(schema.MessageGoCDDeploy)
	require.Len(t, stored, 1)
	var msgCtx GoCDDeployContext
	require.NoError(t, json.Unmarshal(stored[0].Context, &msgCtx))
	assert.Equal(t, "jane", msgCtx.Initiator)
	assert.Equal(t, []StageLine{
		{Name: "checks", Counter: "1", State: schema.StagePassed},
		{Name: "deploy", Counter: "1", State: schema.StageBuilding},
	}, msgCtx.Stages)

	require.Len(t, poster.updates, 1)
	attachment := poster.updates[0].Msg.Attachments[0]
	assert.Equal(t, ColorNeutral, attachment.Color)
	assert.Contains(t, attachment.Fields, Field{Title: "Initiated by", Value: "jane", Short: true})
}

func TestRoute_PredicateRejectsWithoutSideEffects(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	sub := deployFeed("C-failures")
	sub.Accept = OnlyFailures
	r := New(repo, poster, Links{}, sub)

	outcomes, err := r.Route(context.Background(), Delivery{Event: stageEvent("checks", "1", schema.StagePassed)})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, outcomes[0].Action)
	assert.Empty(t, poster.posts)
	assert.Empty(t, repo.Messages(schema.MessageGoCDDeploy))
}

func TestRoute_FailingSubscriberDoesNotBlockOthers(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{failOn: map[string]error{"C-broken": errors.New("channel_not_found")}}
	r := New(repo, poster, Links{},
		deployFeed("C-broken"),
		Subscriber{Name: "C-ok", Channel: "C-ok", MessageType: schema.MessageGoCDAlert,
			Policy: &tracker.Policy{Threshold: 3}},
		deployFeed("C-ok"),
	)

	outcomes, err := r.Route(context.Background(), Delivery{Event: stageEvent("checks", "1", schema.StageFailed)})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrDownstreamUnavailable)
	require.Len(t, outcomes, 3)
	assert.Equal(t, ActionFailed, outcomes[0].Action)
	assert.Equal(t, ActionSkipped, outcomes[1].Action)
	assert.Equal(t, ActionPosted, outcomes[2].Action)
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "C-ok", poster.posts[0].Channel)
}

func TestRoute_LostSaveRaceFallsBackToUpdate(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, deployFeed("C1"))
	event := stageEvent("checks", "1", schema.StageBuilding)

	winner := schema.MessageRef{RefID: "sentryio-p1/20@abc123", Channel: "C1", Timestamp: "1699999999.000001"}
	winnerCtx, err := json.Marshal(&GoCDDeployContext{Group: "sentryio", Pipeline: "p1", Counter: "20", Initiator: "jane"})
	require.NoError(t, err)
	repo.BeforeSave = func(messageType schema.MessageType, ref schema.MessageRef) {
		repo.BeforeSave = nil
		require.NoError(t, repo.Save(context.Background(), messageType, winner, winnerCtx))
	}

	outcomes, err := r.Route(context.Background(), Delivery{Event: event})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, outcomes[0].Action)
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "1700000000.000001", outcomes[0].OrphanTimestamp)

	require.Len(t, poster.updates, 1)
	assert.Equal(t, winner.Timestamp, poster.updates[0].Timestamp)
	stored := repo.Messages(schema.MessageGoCDDeploy)
	require.Len(t, stored, 1)
	assert.Equal(t, winner.Timestamp, stored[0].Timestamp)

	var msgCtx GoCDDeployContext
	require.NoError(t, json.Unmarshal(stored[0].Context, &msgCtx))
	assert.Equal(t, "jane", msgCtx.Initiator)
	assert.Len(t, msgCtx.Stages, 1)
}

func TestRoute_StoreFailureIsDownstreamUnavailable(t *testing.T) {
	repo := storetest.New()
	repo.FindErr = errors.New("connection refused")
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, deployFeed("C1"))

	outcomes, err := r.Route(context.Background(), Delivery{Event: stageEvent("checks", "1", schema.StageFailed)})
	assert.ErrorIs(t, err, schema.ErrDownstreamUnavailable)
	assert.Equal(t, ActionFailed, outcomes[0].Action)
	assert.Empty(t, poster.posts)
}

func TestRoute_AlertFeed(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seq := int64(10)
	lastGood := &schema.DeploymentState{
		DeployIdentity: schema.DeployIdentity{Source: "gocd", ExternalID: "10", AppName: "p1", Environment: "sentryio"},
		Sequence:       &seq,
		Status:         schema.DeployFinished,
		UpdatedAt:      now.Add(-time.Minute),
	}
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, Subscriber{
		Name: "alerts", Channel: "C-alerts", MessageType: schema.MessageGoCDAlert,
		Policy: &tracker.Policy{Threshold: 3, StaleAfter: 2 * time.Hour},
	})

	quiet := stageEvent("deploy", "1", schema.StageFailed)
	quiet.PipelineCounter = "12"
	quiet.StageResult = schema.StageFailed
	outcomes, err := r.Route(context.Background(), Delivery{Event: quiet, LastGood: lastGood, Now: now})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, outcomes[0].Action)

	loud := stageEvent("deploy", "1", schema.StageFailed)
	loud.PipelineCounter = "13"
	loud.StageResult = schema.StageFailed
	for i := 0; i < 2; i++ {
		outcomes, err = r.Route(context.Background(), Delivery{Event: loud, LastGood: lastGood, Now: now})
		require.NoError(t, err)
		require.NotNil(t, outcomes[0].Decision)
		assert.True(t, outcomes[0].Decision.ConsecutiveFailures)
	}

	assert.Len(t, poster.posts, 1)
	assert.Len(t, poster.updates, 1)
	assert.Contains(t, poster.posts[0].Msg.Attachments[0].Text, "3 consecutive unsuccessful runs since #10")
	assert.Len(t, repo.Messages(schema.MessageGoCDAlert), 1)
}

func TestRoute_FeedsOnlySeeTheirEventKind(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{},
		Subscriber{Name: "freight", Channel: "C-freight", MessageType: schema.MessageFreightDeploy},
	)

	outcomes, err := r.Route(context.Background(), Delivery{Event: stageEvent("checks", "1", schema.StagePassed)})
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, outcomes[0].Action)

	deploy := &schema.PipelineEvent{
		Kind: schema.KindDeploy, ExternalDeployID: "42", AppName: "getsentry", Environment: "production",
		User: "jane", Sha: "abc123", Status: schema.DeployQueued,
	}
	outcomes, err = r.Route(context.Background(), Delivery{Event: deploy})
	require.NoError(t, err)
	assert.Equal(t, ActionPosted, outcomes[0].Action)
	assert.Equal(t, "freight-getsentry-production/42", outcomes[0].RefID)
}

func TestRoute_FreightShaArrivingLateUpdatesSameMessage(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, Subscriber{Name: "freight", Channel: "C-freight", MessageType: schema.MessageFreightDeploy})

	queued := &schema.PipelineEvent{
		Kind: schema.KindDeploy, ExternalDeployID: "42", AppName: "getsentry", Environment: "production",
		User: "jane", Status: schema.DeployQueued,
	}
	outcomes, err := r.Route(context.Background(), Delivery{Event: queued})
	require.NoError(t, err)
	assert.Equal(t, ActionPosted, outcomes[0].Action)

	started := *queued
	started.Sha = "abc123"
	started.Status = schema.DeployStarted
	outcomes, err = r.Route(context.Background(), Delivery{Event: &started})
	require.NoError(t, err)
	assert.Equal(t, ActionUpdated, outcomes[0].Action)

	assert.Len(t, poster.posts, 1)
	assert.Len(t, poster.updates, 1)
	assert.Len(t, repo.Messages(schema.MessageFreightDeploy), 1)
}

func TestRoute_FreightRollbackIsRendered(t *testing.T) {
	repo := storetest.New()
	poster := &fakePoster{}
	r := New(repo, poster, Links{}, Subscriber{Name: "freight", Channel: "C-freight", MessageType: schema.MessageFreightDeploy})

	event := &schema.PipelineEvent{
		Kind: schema.KindDeploy, ExternalDeployID: "43", AppName: "getsentry", Environment: "production",
		Sha: "0ld5ha", Status: schema.DeployStarted,
	}
	outcomes, err := r.Route(context.Background(), Delivery{
		Event:    event,
		LastGood: &schema.DeploymentState{DeployIdentity: schema.DeployIdentity{ExternalID: "42"}},
		Ordering: "behind",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionPosted, outcomes[0].Action)
	assert.Empty(t, outcomes[0].OrphanTimestamp)

	require.Len(t, poster.posts, 1)
	msg := poster.posts[0].Msg
	assert.Contains(t, msg.Text, "Rollback")
	assert.Contains(t, msg.Attachments[0].Fields, Field{Title: "Since #42", Value: "rollback", Short: true})

	// A later delivery without an ordering keeps the stored one.
	event.Status = schema.DeployFinished
	_, err = r.Route(context.Background(), Delivery{Event: event})
	require.NoError(t, err)
	require.Len(t, poster.updates, 1)
	assert.Contains(t, poster.updates[0].Msg.Text, "Rollback")
}
