// Package projection maintains one durable row per deploy with its latest known status.
package projection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/zoff-tech/go-deploybot/pkg/store"
	"github.com/zoff-tech/go-deploybot/schema"
)

// Ordering is how a head deploy relates to a base deploy in commit history.
type Ordering string

const (
	OrderAhead     Ordering = "ahead"
	OrderBehind    Ordering = "behind"
	OrderIdentical Ordering = "identical"
)

// CommitComparer reports the status of head relative to base ("ahead", "behind", "identical", "diverged").
type CommitComparer interface {
	CompareCommits(ctx context.Context, base, head string) (string, error)
}

type Projection struct {
	repo    store.DeployRepository
	commits CommitComparer
	now     func() time.Time
}

// New builds a projection. commits may be nil, in which case CompareDeploys always fails
// and ComparesCommits reports false.
func New(repo store.DeployRepository, commits CommitComparer) *Projection {
	return &Projection{repo: repo, commits: commits, now: time.Now}
}

// ComparesCommits reports whether CompareDeploys has a commit comparer to ask.
func (p *Projection) ComparesCommits() bool {
	return p.commits != nil
}

// IdentityFor maps an event onto its row identity. Agent events have none.
func IdentityFor(event *schema.PipelineEvent) (schema.DeployIdentity, bool) {
	switch event.Kind {
	case schema.KindStage:
		return schema.DeployIdentity{
			Source:      schema.SourceGoCD,
			ExternalID:  event.PipelineCounter,
			AppName:     event.PipelineName,
			Environment: event.PipelineGroup,
		}, true
	case schema.KindDeploy:
		return schema.DeployIdentity{
			Source:      schema.SourceFreight,
			ExternalID:  event.ExternalDeployID,
			AppName:     event.AppName,
			Environment: event.Environment,
		}, true
	}
	return schema.DeployIdentity{}, false
}

// StateFor builds the row to upsert. Fields the event does not carry stay nil so they never
// clobber stored values.
func StateFor(event *schema.PipelineEvent, now time.Time) (schema.DeploymentState, bool) {
	id, ok := IdentityFor(event)
	if !ok {
		return schema.DeploymentState{}, false
	}

	state := schema.DeploymentState{
		DeployIdentity: id,
		Status:         event.Status,
		StartedAt:      event.StartedAt,
		FinishedAt:     event.FinishedAt,
		UpdatedAt:      now,
	}
	if state.Status == "" {
		state.Status = schema.DeployStarted
	}
	state.HadFailure = state.Status == schema.DeployFailed || state.Status == schema.DeployCanceled
	if seq, err := strconv.ParseInt(id.ExternalID, 10, 64); err == nil {
		state.Sequence = &seq
	}
	if !event.OccurredAt.IsZero() {
		at := event.OccurredAt
		state.LastTransitionAt = &at
	}

	switch event.Kind {
	case schema.KindStage:
		state.User = optional(event.StageApprovedBy)
		state.Sha = optional(event.GitRevision())
		state.StageName = optional(event.StageName)
	case schema.KindDeploy:
		state.User = optional(event.User)
		state.Sha = optional(event.Sha)
		state.PreviousSha = optional(event.PreviousSha)
	}
	return state, true
}

// Upsert writes the event's row. It returns false when the event has no deploy identity.
func (p *Projection) Upsert(ctx context.Context, event *schema.PipelineEvent) (bool, error) {
	state, ok := StateFor(event, p.now())
	if !ok {
		return false, nil
	}
	if err := p.repo.UpsertDeploy(ctx, state); err != nil {
		return false, fmt.Errorf("%w: %w", schema.ErrDownstreamUnavailable, err)
	}
	return true, nil
}

func (p *Projection) Get(ctx context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error) {
	state, err := p.repo.GetDeploy(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schema.ErrDownstreamUnavailable, err)
	}
	return state, nil
}

// LastSuccessful returns the last good run before the event's own run: the finished row with
// the highest sequence below the event's, skipping runs where any stage failed. The event's run
// is excluded because its earlier stages may already have passed.
func (p *Projection) LastSuccessful(ctx context.Context, event *schema.PipelineEvent) (*schema.DeploymentState, error) {
	id, ok := IdentityFor(event)
	if !ok {
		return nil, nil
	}
	before := int64(math.MaxInt64)
	if seq, err := strconv.ParseInt(id.ExternalID, 10, 64); err == nil {
		before = seq
	}
	state, err := p.repo.LastSuccessfulDeploy(ctx, id.Source, id.AppName, id.Environment, before)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", schema.ErrDownstreamUnavailable, err)
	}
	return state, nil
}

// CompareDeploys orders head against base by their commits. Diverged histories and deploys
// without a known sha cannot be ordered and return ErrConsistencyViolation.
func (p *Projection) CompareDeploys(ctx context.Context, base, head schema.DeployIdentity) (Ordering, error) {
	if p.commits == nil {
		return "", errors.New("commit comparison is not configured")
	}
	baseSha, err := p.shaOf(ctx, base)
	if err != nil {
		return "", err
	}
	headSha, err := p.shaOf(ctx, head)
	if err != nil {
		return "", err
	}
	if baseSha == headSha {
		return OrderIdentical, nil
	}

	status, err := p.commits.CompareCommits(ctx, baseSha, headSha)
	if err != nil {
		return "", fmt.Errorf("%w: compare %s...%s: %w", schema.ErrDownstreamUnavailable, baseSha, headSha, err)
	}
	switch Ordering(status) {
	case OrderAhead, OrderBehind, OrderIdentical:
		return Ordering(status), nil
	}
	return "", fmt.Errorf("%w: %s...%s is %q", schema.ErrConsistencyViolation, baseSha, headSha, status)
}

func (p *Projection) shaOf(ctx context.Context, id schema.DeployIdentity) (string, error) {
	state, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if state == nil || state.Sha == nil || *state.Sha == "" {
		return "", fmt.Errorf("%w: no sha recorded for %s/%s/%s/%s",
			schema.ErrConsistencyViolation, id.Source, id.Environment, id.AppName, id.ExternalID)
	}
	return *state.Sha, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
