package normalizer

import (
	"fmt"
	"strings"

	"github.com/zoff-tech/go-deploybot/schema"
)

type freightPayload struct {
	DeployNumber flexString `json:"deploy_number"`
	AppName      string     `json:"app_name"`
	User         string     `json:"user"`
	Sha          string     `json:"sha"`
	PreviousSha  string     `json:"previous_sha"`
	Status       flexString `json:"status"`
	Title        string     `json:"title"`
	Environment  string     `json:"environment"`
	DateStarted  string     `json:"date_started"`
	DateFinished string     `json:"date_finished"`
	Duration     *float64   `json:"duration"`
}

// Freight reports in-flight states as numeric codes.
var freightStatusCodes = map[string]schema.DeployStatus{
	"2": schema.DeployQueued,
	"0": schema.DeployStarted,
}

func normalizeFreight(payload []byte) (*schema.PipelineEvent, error) {
	var body freightPayload
	if err := decode(payload, &body); err != nil {
		return nil, err
	}
	if body.DeployNumber == "" || body.AppName == "" || body.Environment == "" {
		return nil, fmt.Errorf("%w: freight deploy_number, app_name and environment are required", schema.ErrMalformedPayload)
	}

	status, err := freightStatus(string(body.Status), body.Title)
	if err != nil {
		return nil, err
	}
	started, err := parseTime("date_started", body.DateStarted)
	if err != nil {
		return nil, err
	}
	finished, err := parseTime("date_finished", body.DateFinished)
	if err != nil {
		return nil, err
	}

	event := &schema.PipelineEvent{
		Kind:             schema.KindDeploy,
		ExternalDeployID: string(body.DeployNumber),
		AppName:          body.AppName,
		Environment:      body.Environment,
		User:             body.User,
		Sha:              body.Sha,
		PreviousSha:      body.PreviousSha,
		Status:           status,
		StartedAt:        started,
		FinishedAt:       finished,
		Duration:         body.Duration,
	}
	switch {
	case finished != nil:
		event.OccurredAt = *finished
	case started != nil:
		event.OccurredAt = *started
	}
	return event, nil
}

// freightStatus resolves the numeric codes, passes named statuses through and falls back
// to the title for terminal states that arrive without a usable status.
func freightStatus(status, title string) (schema.DeployStatus, error) {
	if s, ok := freightStatusCodes[status]; ok {
		return s, nil
	}
	if status != "" && !isNumeric(status) {
		return schema.DeployStatus(status), nil
	}
	switch {
	case strings.Contains(title, "Successfully finished"):
		return schema.DeployFinished, nil
	case strings.Contains(title, "Failed to finish"):
		return schema.DeployFailed, nil
	case strings.Contains(title, "Cancelled"), strings.Contains(title, "Canceled"):
		return schema.DeployCanceled, nil
	}
	return "", fmt.Errorf("%w: cannot resolve freight status %q (title %q)", schema.ErrMalformedPayload, status, title)
}
