// Package refkey derives the correlation key that ties repeated deliveries of
// the same logical deploy attempt to a single Slack message per feed.
package refkey

import (
	"fmt"

	"github.com/zoff-tech/go-deploybot/schema"
)

// Compute returns the refId for an event.
//
// Stage events: "{group}-{name}/{counter}" with "@{revision}" appended when a git
// build cause carries a modification. Only the first such git cause counts, in
// delivery order. Without a revision the key is less specific and retries of a
// re-run pipeline counter may share it.
//
// Deploy events: "freight-{app}-{environment}/{deployNumber}". Freight never reuses a deploy
// number, and the sha is often missing while the deploy is queued, so it is left out.
func Compute(event *schema.PipelineEvent) string {
	switch event.Kind {
	case schema.KindDeploy:
		return fmt.Sprintf("freight-%s-%s/%s", event.AppName, event.Environment, event.ExternalDeployID)
	default:
		key := fmt.Sprintf("%s-%s/%s", event.PipelineGroup, event.PipelineName, event.PipelineCounter)
		if revision := event.GitRevision(); revision != "" {
			key += "@" + revision
		}
		return key
	}
}

// HasRevision reports whether Compute produces a revision-qualified key for the event.
// Deploy keys never carry one.
func HasRevision(event *schema.PipelineEvent) bool {
	if event.Kind == schema.KindDeploy {
		return false
	}
	return event.GitRevision() != ""
}
