package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-deploybot/pkg/broker"
	"github.com/zoff-tech/go-deploybot/pkg/config"
	"github.com/zoff-tech/go-deploybot/pkg/normalizer"
	"github.com/zoff-tech/go-deploybot/pkg/projection"
	"github.com/zoff-tech/go-deploybot/pkg/refkey"
	"github.com/zoff-tech/go-deploybot/pkg/router"
	"github.com/zoff-tech/go-deploybot/schema"
)

// Result summarizes one handled delivery.
type Result struct {
	DeliveryID string           `json:"delivery_id"`
	Provider   string           `json:"provider"`
	RefID      string           `json:"ref_id,omitempty"`
	Skipped    bool             `json:"skipped"`
	Outcomes   []router.Outcome `json:"-"`
}

type eventEnvelope struct {
	DeliveryID string                `json:"delivery_id"`
	Provider   string                `json:"provider"`
	RefID      string                `json:"ref_id"`
	ReceivedAt time.Time             `json:"received_at"`
	Event      *schema.PipelineEvent `json:"event"`
}

type alertEnvelope struct {
	DeliveryID string                `json:"delivery_id"`
	RefID      string                `json:"ref_id"`
	Channel    string                `json:"channel"`
	Decision   schema.AlertDecision  `json:"decision"`
	Event      *schema.PipelineEvent `json:"event"`
}

// DeliveryProcessor is the process-scoped dispatcher. It is built once at startup and owns the
// router with its subscriptions, the deploy projection and the optional broker.
type DeliveryProcessor struct {
	router      *router.Router
	projection  *projection.Projection
	broker      broker.MessageBroker
	eventsTopic string
	alertsTopic string
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

// NewDeliveryProcessor wires the dispatcher. b may be nil when republishing is disabled.
func NewDeliveryProcessor(r *router.Router, p *projection.Projection, b broker.MessageBroker, cfg config.BrokerSettings) *DeliveryProcessor {
	return &DeliveryProcessor{
		router:      r,
		projection:  p,
		broker:      b,
		eventsTopic: cfg.EventsTopic,
		alertsTopic: cfg.AlertsTopic,
		tracer:      otel.Tracer("go-deploybot"),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Handle normalizes a payload and feeds it to the projection, the router and the broker.
// Malformed payloads return an error wrapping schema.ErrMalformedPayload before any state is
// touched. Skipped payloads return a Result with Skipped set and no error. Otherwise the error,
// if any, joins the downstream failures; every branch has already run by then.
func (p *DeliveryProcessor) Handle(ctx context.Context, provider normalizer.Provider, payload []byte) (*Result, error) {
	result := &Result{DeliveryID: p.newID(), Provider: string(provider)}

	ctx, span := p.tracer.Start(ctx, "HandleDelivery", trace.WithAttributes(
		attribute.String("delivery.id", result.DeliveryID),
		attribute.String("delivery.provider", result.Provider),
		attribute.Int("delivery.payload_size_bytes", len(payload)),
	))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{
		"delivery_id": result.DeliveryID,
		"provider":    provider,
	})

	event, err := normalizer.Normalize(provider, payload)
	if errors.Is(err, schema.ErrSkippedEvent) {
		log.Info("skipping event without actionable pipeline information")
		span.SetAttributes(attribute.Bool("delivery.skipped", true))
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		log.WithError(err).Warn("rejecting malformed payload")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	result.RefID = refkey.Compute(event)
	span.SetAttributes(attribute.String("ref.id", result.RefID))
	log = log.WithField("ref_id", result.RefID)
	if event.Kind == schema.KindStage && !refkey.HasRevision(event) {
		log.Debug("ref id has no revision, retries of this run share it")
	}

	var errs []error

	// Read the last good run before projecting this event so a success never masks itself.
	lastGood, err := p.projection.LastSuccessful(ctx, event)
	if err != nil {
		log.WithError(err).Error("failed to read last successful deploy, alerts disabled for this delivery")
		errs = append(errs, err)
		lastGood = nil
	}

	if _, err := p.projection.Upsert(ctx, event); err != nil {
		log.WithError(err).Error("failed to project deploy state")
		errs = append(errs, err)
	}

	ordering, err := p.orderAgainst(ctx, event, lastGood)
	if err != nil {
		log.WithError(err).Error("failed to order deploy against the last good one")
		errs = append(errs, err)
	}

	outcomes, err := p.router.Route(ctx, router.Delivery{Event: event, LastGood: lastGood, Ordering: string(ordering), Now: p.now()})
	result.Outcomes = outcomes
	if err != nil {
		errs = append(errs, err)
	}

	if err := p.publish(ctx, result, event); err != nil {
		log.WithError(err).Error("failed to republish delivery")
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// orderAgainst compares a Freight deploy's commit with the last good deploy's. Diverged
// histories surface as ErrConsistencyViolation and the message is sent without an ordering.
func (p *DeliveryProcessor) orderAgainst(ctx context.Context, event *schema.PipelineEvent, lastGood *schema.DeploymentState) (projection.Ordering, error) {
	if event.Kind != schema.KindDeploy || event.Sha == "" || lastGood == nil || !p.projection.ComparesCommits() {
		return "", nil
	}
	id, ok := projection.IdentityFor(event)
	if !ok || id == lastGood.DeployIdentity {
		return "", nil
	}
	return p.projection.CompareDeploys(ctx, lastGood.DeployIdentity, id)
}

// publish sends the canonical event and any newly posted alerts to the broker.
func (p *DeliveryProcessor) publish(ctx context.Context, result *Result, event *schema.PipelineEvent) error {
	if p.broker == nil {
		return nil
	}
	headers := map[string]string{"delivery_id": result.DeliveryID, "provider": result.Provider}

	var errs []error
	if p.eventsTopic != "" {
		payload, err := json.Marshal(eventEnvelope{
			DeliveryID: result.DeliveryID,
			Provider:   result.Provider,
			RefID:      result.RefID,
			ReceivedAt: p.now(),
			Event:      event,
		})
		if err == nil {
			err = p.broker.Publish(ctx, &broker.Message{Topic: p.eventsTopic, Key: result.RefID, Payload: payload, Headers: headers})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: publish event: %w", schema.ErrDownstreamUnavailable, err))
		}
	}

	if p.alertsTopic != "" {
		for _, outcome := range result.Outcomes {
			// Updates of an existing alert are repeats of an alert already published.
			if outcome.Decision == nil || outcome.Action != router.ActionPosted {
				continue
			}
			payload, err := json.Marshal(alertEnvelope{
				DeliveryID: result.DeliveryID,
				RefID:      outcome.RefID,
				Channel:    outcome.Channel,
				Decision:   *outcome.Decision,
				Event:      event,
			})
			if err == nil {
				err = p.broker.Publish(ctx, &broker.Message{Topic: p.alertsTopic, Key: outcome.RefID, Payload: payload, Headers: headers})
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: publish alert: %w", schema.ErrDownstreamUnavailable, err))
			}
		}
	}
	return errors.Join(errs...)
}
