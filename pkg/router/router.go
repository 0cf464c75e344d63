// Package router fans a normalized event out to every subscriber and keeps at most one
// Slack message per (message type, refId), posting it on first sight and updating it afterwards.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-deploybot/pkg/refkey"
	"github.com/zoff-tech/go-deploybot/pkg/store"
	"github.com/zoff-tech/go-deploybot/pkg/tracker"
	"github.com/zoff-tech/go-deploybot/schema"
)

// Action is what happened for one subscriber.
type Action string

const (
	ActionSkipped Action = "skipped"
	ActionPosted  Action = "posted"
	ActionUpdated Action = "updated"
	ActionFailed  Action = "failed"
)

// Delivery is one normalized event plus what the alert feeds need to evaluate it.
type Delivery struct {
	Event *schema.PipelineEvent
	// LastGood is the last successful run of the event's pipeline, read before this event was projected.
	LastGood *schema.DeploymentState
	// Ordering is how the event's commit relates to LastGood's: ahead, behind or identical.
	// Empty when it was not computed.
	Ordering string
	Now      time.Time
}

// Outcome reports a single subscriber's branch of the fan-out.
type Outcome struct {
	Subscriber  string
	Channel     string
	MessageType schema.MessageType
	RefID       string
	Action      Action
	Decision    *schema.AlertDecision
	// OrphanTimestamp is the ts of a message this delivery posted but could not record because
	// a concurrent delivery recorded its own first. The orphan is left in the channel.
	OrphanTimestamp string
	Err             error
}

type Router struct {
	messages    store.MessageRepository
	poster      Poster
	subscribers []Subscriber
	links       Links
	tracer      trace.Tracer
}

func New(messages store.MessageRepository, poster Poster, links Links, subscribers ...Subscriber) *Router {
	return &Router{
		messages:    messages,
		poster:      poster,
		subscribers: subscribers,
		links:       links,
		tracer:      otel.Tracer("go-deploybot/router"),
	}
}

func (r *Router) Subscribers() []Subscriber {
	return r.subscribers
}

// Route delivers the event to every subscriber in turn. A failing subscriber never stops the
// others; its error is reported in its Outcome and joined into the returned error.
func (r *Router) Route(ctx context.Context, delivery Delivery) ([]Outcome, error) {
	if delivery.Now.IsZero() {
		delivery.Now = time.Now()
	}
	outcomes := make([]Outcome, 0, len(r.subscribers))
	var errs []error
	for _, sub := range r.subscribers {
		outcome := r.deliver(ctx, sub, delivery)
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.Name, outcome.Err))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errors.Join(errs...)
}

func (r *Router) deliver(ctx context.Context, sub Subscriber, delivery Delivery) Outcome {
	event := delivery.Event
	outcome := Outcome{
		Subscriber:  sub.Name,
		Channel:     sub.Channel,
		MessageType: sub.MessageType,
		Action:      ActionSkipped,
	}
	if !sub.accepts(event) {
		return outcome
	}
	if sub.Policy != nil {
		decision := tracker.Evaluate(event, delivery.LastGood, *sub.Policy, delivery.Now)
		if !decision.Fired() {
			return outcome
		}
		outcome.Decision = &decision
	}
	outcome.RefID = refkey.Compute(event)

	ctx, span := r.tracer.Start(ctx, "RouteToSubscriber", trace.WithAttributes(
		attribute.String("subscriber", sub.Name),
		attribute.String("message.type", string(sub.MessageType)),
		attribute.String("ref.id", outcome.RefID),
	))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"subscriber":   sub.Name,
		"channel":      sub.Channel,
		"message_type": sub.MessageType,
		"ref_id":       outcome.RefID,
	})

	action, orphan, err := r.correlate(ctx, sub, outcome.RefID, delivery, outcome.Decision, log)
	outcome.OrphanTimestamp = orphan
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Error("failed to notify subscriber")
		outcome.Action = ActionFailed
		outcome.Err = err
		return outcome
	}
	outcome.Action = action
	return outcome
}

// correlate posts or updates the subscriber's message. It also returns the ts of a message it
// posted but lost to a concurrent delivery.
func (r *Router) correlate(ctx context.Context, sub Subscriber, refID string, delivery Delivery,
	decision *schema.AlertDecision, log *logrus.Entry) (Action, string, error) {
	existing, err := r.messages.Find(ctx, sub.MessageType, refID)
	if err != nil {
		return "", "", fmt.Errorf("%w: find %s: %w", schema.ErrDownstreamUnavailable, refID, err)
	}
	if existing != nil {
		return ActionUpdated, "", r.update(ctx, existing, delivery, decision)
	}

	msgCtx, err := newContext(sub.MessageType)
	if err != nil {
		return "", "", err
	}
	merge(msgCtx, delivery, decision)
	body, err := json.Marshal(msgCtx)
	if err != nil {
		return "", "", err
	}

	ts, err := r.poster.PostMessage(ctx, sub.Channel, msgCtx.Render(r.links))
	if err != nil {
		return "", "", fmt.Errorf("%w: post message: %w", schema.ErrDownstreamUnavailable, err)
	}

	ref := schema.MessageRef{RefID: refID, Channel: sub.Channel, Timestamp: ts}
	err = r.messages.Save(ctx, sub.MessageType, ref, body)
	if err == nil {
		log.WithField("ts", ts).Info("posted message")
		return ActionPosted, "", nil
	}
	if !errors.Is(err, schema.ErrDuplicateReference) {
		return "", ts, fmt.Errorf("%w: save %s: %w", schema.ErrDownstreamUnavailable, refID, err)
	}

	// A concurrent delivery recorded its message first. Ours stays posted but unrecorded.
	log.WithField("orphan_ts", ts).Warn("lost race to record message, updating the recorded one")
	existing, err = r.messages.Find(ctx, sub.MessageType, refID)
	if err != nil {
		return "", ts, fmt.Errorf("%w: find %s: %w", schema.ErrDownstreamUnavailable, refID, err)
	}
	if existing == nil {
		return "", ts, fmt.Errorf("%w: %s reported duplicate but is missing", schema.ErrConsistencyViolation, refID)
	}
	return ActionUpdated, ts, r.update(ctx, existing, delivery, decision)
}

// update re-renders from the stored context so fields only the first event carried survive.
func (r *Router) update(ctx context.Context, existing *schema.CorrelatedMessage, delivery Delivery,
	decision *schema.AlertDecision) error {
	msgCtx, err := decodeContext(existing.Type, existing.Context)
	if err != nil {
		return fmt.Errorf("%w: %w", schema.ErrConsistencyViolation, err)
	}
	merge(msgCtx, delivery, decision)
	body, err := json.Marshal(msgCtx)
	if err != nil {
		return err
	}

	if err := r.poster.UpdateMessage(ctx, existing.Channel, existing.Timestamp, msgCtx.Render(r.links)); err != nil {
		return fmt.Errorf("%w: update message: %w", schema.ErrDownstreamUnavailable, err)
	}
	if err := r.messages.Update(ctx, existing.Type, existing.RefID, body); err != nil {
		return fmt.Errorf("%w: update %s: %w", schema.ErrDownstreamUnavailable, existing.RefID, err)
	}
	return nil
}

func merge(msgCtx MessageContext, delivery Delivery, decision *schema.AlertDecision) {
	msgCtx.Merge(delivery.Event, decision)
	if oc, ok := msgCtx.(orderedContext); ok && delivery.Ordering != "" && delivery.LastGood != nil {
		oc.setOrdering(delivery.Ordering, delivery.LastGood.ExternalID)
	}
}
