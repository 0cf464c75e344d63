// Package storetest provides an in-memory store.Repository for tests of packages built on top of the store.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoff-tech/go-deploybot/pkg/store"
	"github.com/zoff-tech/go-deploybot/schema"
)

var _ store.Repository = (*Repository)(nil)

type messageKey struct {
	messageType schema.MessageType
	refID       string
}

// Repository enforces the same (messageType, refId) uniqueness a real backend does.
// The Err fields, when set, are returned by the matching operation.
type Repository struct {
	mu       sync.Mutex
	messages map[messageKey]schema.CorrelatedMessage
	order    []messageKey
	deploys  map[schema.DeployIdentity]schema.DeploymentState

	FindErr   error
	SaveErr   error
	UpdateErr error
	UpsertErr error

	// BeforeSave runs before the uniqueness check, outside the lock.
	BeforeSave func(messageType schema.MessageType, ref schema.MessageRef)

	Saves   int
	Updates int
}

func New() *Repository {
	return &Repository{
		messages: make(map[messageKey]schema.CorrelatedMessage),
		deploys:  make(map[schema.DeployIdentity]schema.DeploymentState),
	}
}

func (r *Repository) Find(_ context.Context, messageType schema.MessageType, refID string) (*schema.CorrelatedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FindErr != nil {
		return nil, r.FindErr
	}
	msg, ok := r.messages[messageKey{messageType, refID}]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (r *Repository) FindMany(_ context.Context, messageType schema.MessageType, refIDs []string) ([]schema.CorrelatedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FindErr != nil {
		return nil, r.FindErr
	}
	wanted := make(map[string]bool, len(refIDs))
	for _, id := range refIDs {
		wanted[id] = true
	}
	var out []schema.CorrelatedMessage
	for _, key := range r.order {
		if key.messageType == messageType && wanted[key.refID] {
			out = append(out, r.messages[key])
		}
	}
	return out, nil
}

func (r *Repository) Save(_ context.Context, messageType schema.MessageType, ref schema.MessageRef, body []byte) error {
	if r.BeforeSave != nil {
		r.BeforeSave(messageType, ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	key := messageKey{messageType, ref.RefID}
	if _, exists := r.messages[key]; exists {
		return fmt.Errorf("%w: %s/%s", schema.ErrDuplicateReference, messageType, ref.RefID)
	}
	now := time.Now()
	r.messages[key] = schema.CorrelatedMessage{
		MessageRef: ref,
		Type:       messageType,
		Context:    append([]byte(nil), body...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.order = append(r.order, key)
	r.Saves++
	return nil
}

func (r *Repository) Update(_ context.Context, messageType schema.MessageType, refID string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	key := messageKey{messageType, refID}
	msg, ok := r.messages[key]
	if !ok {
		return nil
	}
	msg.Context = append([]byte(nil), body...)
	msg.UpdatedAt = time.Now()
	r.messages[key] = msg
	r.Updates++
	return nil
}

func (r *Repository) UpsertDeploy(_ context.Context, state schema.DeploymentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.UpsertErr != nil {
		return r.UpsertErr
	}
	if stored, ok := r.deploys[state.DeployIdentity]; ok {
		state = store.MergeDeploy(stored, state)
	}
	r.deploys[state.DeployIdentity] = state
	return nil
}

func (r *Repository) GetDeploy(_ context.Context, id schema.DeployIdentity) (*schema.DeploymentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.deploys[id]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (r *Repository) LastSuccessfulDeploy(_ context.Context, source, appName, environment string, before int64) (*schema.DeploymentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []schema.DeploymentState
	for id, state := range r.deploys {
		if id.Source == source && id.AppName == appName && id.Environment == environment &&
			state.Status == schema.DeployFinished && !state.HadFailure &&
			state.Sequence != nil && *state.Sequence < before {
			candidates = append(candidates, state)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return sequenceOf(candidates[i]) > sequenceOf(candidates[j])
	})
	return &candidates[0], nil
}

func (r *Repository) Close(context.Context) error { return nil }

// Messages returns every stored message of a type in insertion order.
func (r *Repository) Messages(messageType schema.MessageType) []schema.CorrelatedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.CorrelatedMessage
	for _, key := range r.order {
		if key.messageType == messageType {
			out = append(out, r.messages[key])
		}
	}
	return out
}

// Deploys returns the number of stored deploy rows.
func (r *Repository) Deploys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deploys)
}

func sequenceOf(state schema.DeploymentState) int64 {
	if state.Sequence == nil {
		return -1
	}
	return *state.Sequence
}
