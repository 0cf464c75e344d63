package router

import (
	"fmt"

	"github.com/zoff-tech/go-deploybot/pkg/config"
	"github.com/zoff-tech/go-deploybot/pkg/tracker"
	"github.com/zoff-tech/go-deploybot/schema"
)

// Predicate decides whether a subscriber wants an event.
type Predicate func(event *schema.PipelineEvent) bool

// Subscriber is one (channel, message type, predicate) feed. Alert feeds carry a Policy and only
// receive events for which the tracker fires.
type Subscriber struct {
	Name        string
	Channel     string
	MessageType schema.MessageType
	Accept      Predicate
	Policy      *tracker.Policy
}

func (s Subscriber) accepts(event *schema.PipelineEvent) bool {
	if !kindMatches(s.MessageType, event.Kind) {
		return false
	}
	return s.Accept == nil || s.Accept(event)
}

func kindMatches(messageType schema.MessageType, kind schema.EventKind) bool {
	switch messageType {
	case schema.MessageGoCDDeploy, schema.MessageGoCDAlert:
		return kind == schema.KindStage
	case schema.MessageFreightDeploy:
		return kind == schema.KindDeploy
	}
	return false
}

// OnlyFailures accepts failed or cancelled stages and failed or canceled deploys.
func OnlyFailures(event *schema.PipelineEvent) bool {
	return event.IsFailure()
}

// InPipelines accepts events whose "group/name", pipeline name or Freight app name is listed.
// An empty list accepts everything.
func InPipelines(names ...string) Predicate {
	allowed := make(map[string]bool, len(names))
	for _, name := range names {
		allowed[name] = true
	}
	return func(event *schema.PipelineEvent) bool {
		if len(allowed) == 0 {
			return true
		}
		if event.Kind == schema.KindDeploy {
			return allowed[event.AppName]
		}
		return allowed[event.PipelinePath()] || allowed[event.PipelineName]
	}
}

// All combines predicates; nil entries are ignored.
func All(predicates ...Predicate) Predicate {
	return func(event *schema.PipelineEvent) bool {
		for _, p := range predicates {
			if p != nil && !p(event) {
				return false
			}
		}
		return true
	}
}

// SubscribersFromConfig builds the feed and alert subscribers declared in settings.
func SubscribersFromConfig(feeds []config.FeedSettings, alerts []config.AlertSettings) []Subscriber {
	subscribers := make([]Subscriber, 0, len(feeds)+len(alerts))
	for i, feed := range feeds {
		var filter Predicate
		if feed.Filter == "failures" {
			filter = OnlyFailures
		}
		subscribers = append(subscribers, Subscriber{
			Name:        fmt.Sprintf("feed-%d-%s", i, feed.Channel),
			Channel:     feed.Channel,
			MessageType: schema.MessageType(feed.MessageType),
			Accept:      All(filter, InPipelines(feed.Pipelines...)),
		})
	}
	for i, alert := range alerts {
		policy := tracker.Policy{Threshold: alert.ConsecutiveFailures, StaleAfter: alert.StaleAfter}
		subscribers = append(subscribers, Subscriber{
			Name:        fmt.Sprintf("alert-%d-%s", i, alert.Channel),
			Channel:     alert.Channel,
			MessageType: schema.MessageGoCDAlert,
			Accept:      InPipelines(alert.Pipelines...),
			Policy:      &policy,
		})
	}
	return subscribers
}
