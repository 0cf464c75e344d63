package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zoff-tech/go-deploybot/schema"
)

// MessageContext is the stored rendering intent of one correlated message. There is one
// concrete type per message type; decodeContext is the only place that maps between them.
type MessageContext interface {
	Type() schema.MessageType
	// Merge folds an event into the context. Fields set on first render survive later events.
	Merge(event *schema.PipelineEvent, decision *schema.AlertDecision)
	Render(links Links) Message
}

// orderedContext is implemented by contexts that show where a deploy sits relative to the
// previous good one.
type orderedContext interface {
	setOrdering(ordering, comparedTo string)
}

var (
	_ orderedContext = (*FreightDeployContext)(nil)
	_ MessageContext = (*GoCDDeployContext)(nil)
	_ MessageContext = (*FreightDeployContext)(nil)
	_ MessageContext = (*AlertContext)(nil)
)

func newContext(messageType schema.MessageType) (MessageContext, error) {
	switch messageType {
	case schema.MessageGoCDDeploy:
		return &GoCDDeployContext{}, nil
	case schema.MessageFreightDeploy:
		return &FreightDeployContext{}, nil
	case schema.MessageGoCDAlert:
		return &AlertContext{}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", messageType)
}

func decodeContext(messageType schema.MessageType, raw []byte) (MessageContext, error) {
	msgCtx, err := newContext(messageType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, msgCtx); err != nil {
		return nil, fmt.Errorf("decode %s context: %w", messageType, err)
	}
	return msgCtx, nil
}

// StageLine is the last known state of one stage of a pipeline run.
type StageLine struct {
	Name    string            `json:"name"`
	Counter string            `json:"counter"`
	State   schema.StageState `json:"state"`
}

// GoCDDeployContext tracks every stage of one pipeline run.
type GoCDDeployContext struct {
	Initiator string      `json:"initiator,omitempty"`
	Group     string      `json:"group"`
	Pipeline  string      `json:"pipeline"`
	Counter   string      `json:"counter"`
	Revision  string      `json:"revision,omitempty"`
	Stages    []StageLine `json:"stages"`
}

func (c *GoCDDeployContext) Type() schema.MessageType { return schema.MessageGoCDDeploy }

func (c *GoCDDeployContext) Merge(event *schema.PipelineEvent, _ *schema.AlertDecision) {
	if c.Initiator == "" {
		c.Initiator = event.StageApprovedBy
	}
	if c.Group == "" {
		c.Group, c.Pipeline, c.Counter = event.PipelineGroup, event.PipelineName, event.PipelineCounter
	}
	if c.Revision == "" {
		c.Revision = event.GitRevision()
	}
	if event.StageName == "" {
		return
	}

	incoming := StageLine{Name: event.StageName, Counter: event.StageCounter, State: event.StageState}
	for i, line := range c.Stages {
		if line.Name != incoming.Name {
			continue
		}
		if supersedes(incoming, line) {
			c.Stages[i] = incoming
		}
		return
	}
	c.Stages = append(c.Stages, incoming)
}

// supersedes reports whether incoming should replace stored. A rerun (higher counter) always
// wins; within the same run a late in-progress event never hides a settled state.
func supersedes(incoming, stored StageLine) bool {
	switch cmp := compareCounters(incoming.Counter, stored.Counter); {
	case cmp > 0:
		return true
	case cmp < 0:
		return false
	}
	return !(isSettled(stored.State) && !isSettled(incoming.State))
}

func isSettled(state schema.StageState) bool {
	return state != schema.StageBuilding && state != schema.StageUnknown && state != ""
}

func compareCounters(a, b string) int {
	x, errA := strconv.ParseInt(a, 10, 64)
	y, errB := strconv.ParseInt(b, 10, 64)
	if errA != nil || errB != nil {
		switch {
		case a > b:
			return 1
		case a < b:
			return -1
		}
		return 0
	}
	switch {
	case x > y:
		return 1
	case x < y:
		return -1
	}
	return 0
}

// overall folds the stage lines: any failure wins, then anything still running.
func (c *GoCDDeployContext) overall() schema.StageState {
	state := schema.StagePassed
	for _, line := range c.Stages {
		label, _ := stageLabel(line.State)
		switch label {
		case labelFailed:
			return schema.StageFailed
		case labelInProgress:
			state = schema.StageBuilding
		}
	}
	return state
}

func (c *GoCDDeployContext) Render(links Links) Message {
	label, color := stageLabel(c.overall())
	title := fmt.Sprintf("%s/%s #%s", c.Group, c.Pipeline, c.Counter)

	text := ""
	for _, line := range c.Stages {
		stage, _ := stageLabel(line.State)
		text += fmt.Sprintf("%s (#%s): %s\n", line.Name, line.Counter, stage)
	}

	fields := []Field{{Title: "Status", Value: label, Short: true}}
	if c.Initiator != "" {
		fields = append(fields, Field{Title: "Initiated by", Value: c.Initiator, Short: true})
	}
	if c.Revision != "" {
		value := shortSha(c.Revision)
		if url := joinURL(links.GitHub, "commit", c.Revision); url != "" {
			value = fmt.Sprintf("<%s|%s>", url, shortSha(c.Revision))
		}
		fields = append(fields, Field{Title: "Revision", Value: value, Short: true})
	}

	return Message{
		Text: fmt.Sprintf("GoCD %s %s", title, label),
		Attachments: []Attachment{{
			Color:     color,
			Title:     title,
			TitleLink: joinURL(links.GoCD, "go/pipelines/value_stream_map", c.Pipeline, c.Counter),
			Text:      text,
			Fields:    fields,
		}},
	}
}

// FreightDeployContext tracks one Freight deploy.
type FreightDeployContext struct {
	Initiator    string              `json:"initiator,omitempty"`
	App          string              `json:"app"`
	Environment  string              `json:"environment"`
	DeployNumber string              `json:"deploy_number"`
	Sha          string              `json:"sha,omitempty"`
	PreviousSha  string              `json:"previous_sha,omitempty"`
	Status       schema.DeployStatus `json:"status"`
	Duration     *float64            `json:"duration,omitempty"`
	Ordering     string              `json:"ordering,omitempty"`
	ComparedTo   string              `json:"compared_to,omitempty"`
}

func (c *FreightDeployContext) setOrdering(ordering, comparedTo string) {
	c.Ordering, c.ComparedTo = ordering, comparedTo
}

func (c *FreightDeployContext) Type() schema.MessageType { return schema.MessageFreightDeploy }

func (c *FreightDeployContext) Merge(event *schema.PipelineEvent, _ *schema.AlertDecision) {
	if c.Initiator == "" {
		c.Initiator = event.User
	}
	if c.App == "" {
		c.App, c.Environment, c.DeployNumber = event.AppName, event.Environment, event.ExternalDeployID
	}
	if event.Sha != "" {
		c.Sha = event.Sha
	}
	if event.PreviousSha != "" {
		c.PreviousSha = event.PreviousSha
	}
	if event.Duration != nil {
		c.Duration = event.Duration
	}
	if event.Status != "" {
		c.Status = event.Status
	}
}

func (c *FreightDeployContext) Render(links Links) Message {
	label, color := deployLabel(c.Status)
	title := fmt.Sprintf("%s/%s #%s", c.App, c.Environment, c.DeployNumber)

	fields := []Field{{Title: "Status", Value: label, Short: true}}
	if c.Initiator != "" {
		fields = append(fields, Field{Title: "Initiated by", Value: c.Initiator, Short: true})
	}
	if c.Sha != "" {
		value := shortSha(c.Sha)
		if c.PreviousSha != "" {
			value = shortSha(c.PreviousSha) + "..." + shortSha(c.Sha)
			if url := joinURL(links.GitHub, "compare", c.PreviousSha+"..."+c.Sha); url != "" {
				value = fmt.Sprintf("<%s|%s>", url, value)
			}
		}
		fields = append(fields, Field{Title: "Changes", Value: value, Short: true})
	}
	if c.Duration != nil {
		d := time.Duration(*c.Duration * float64(time.Second)).Round(time.Second)
		fields = append(fields, Field{Title: "Duration", Value: d.String(), Short: true})
	}
	text := fmt.Sprintf("Deploy %s %s", title, label)
	if c.Ordering != "" {
		fields = append(fields, Field{Title: "Since #" + c.ComparedTo, Value: orderingLabel(c.Ordering), Short: true})
		if c.Ordering == "behind" {
			text = ":rewind: Rollback: " + text
		}
	}

	return Message{
		Text: text,
		Attachments: []Attachment{{
			Color:     color,
			Title:     title,
			TitleLink: joinURL(links.Freight, "deploys", c.App, c.Environment, c.DeployNumber),
			Fields:    fields,
		}},
	}
}

// AlertContext describes why a pipeline run raised an alert.
type AlertContext struct {
	Group           string  `json:"group"`
	Pipeline        string  `json:"pipeline"`
	Counter         string  `json:"counter"`
	Stage           string  `json:"stage,omitempty"`
	Consecutive     bool    `json:"consecutive"`
	FailureCount    int64   `json:"failure_count,omitempty"`
	Stale           bool    `json:"stale"`
	SinceLastGood   float64 `json:"since_last_good_seconds,omitempty"`
	LastGoodCounter string  `json:"last_good_counter,omitempty"`
}

func (c *AlertContext) Type() schema.MessageType { return schema.MessageGoCDAlert }

func (c *AlertContext) Merge(event *schema.PipelineEvent, decision *schema.AlertDecision) {
	c.Group, c.Pipeline, c.Counter = event.PipelineGroup, event.PipelineName, event.PipelineCounter
	if event.StageName != "" {
		c.Stage = event.StageName
	}
	if decision == nil {
		return
	}
	c.Consecutive = c.Consecutive || decision.ConsecutiveFailures
	if decision.FailureCount > c.FailureCount {
		c.FailureCount = decision.FailureCount
	}
	c.Stale = c.Stale || decision.Stale
	if decision.SinceLastGood > 0 {
		c.SinceLastGood = decision.SinceLastGood.Seconds()
	}
	if decision.LastGoodCounter != "" {
		c.LastGoodCounter = decision.LastGoodCounter
	}
}

func (c *AlertContext) Render(links Links) Message {
	title := fmt.Sprintf("%s/%s #%s", c.Group, c.Pipeline, c.Counter)

	text := ""
	if c.Consecutive {
		text += fmt.Sprintf("%d consecutive unsuccessful runs since #%s\n", c.FailureCount, c.LastGoodCounter)
	}
	if c.Stale {
		since := time.Duration(c.SinceLastGood * float64(time.Second)).Round(time.Minute)
		text += fmt.Sprintf("No successful deploy for %s\n", since)
	}

	var fields []Field
	if c.Stage != "" {
		fields = append(fields, Field{Title: "Stage", Value: c.Stage, Short: true})
	}

	return Message{
		Text: fmt.Sprintf(":rotating_light: %s is failing", title),
		Attachments: []Attachment{{
			Color:     ColorDanger,
			Title:     title,
			TitleLink: joinURL(links.GoCD, "go/pipelines/value_stream_map", c.Pipeline, c.Counter),
			Text:      text,
			Fields:    fields,
		}},
	}
}
