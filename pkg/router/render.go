package router

import (
	"strings"

	"github.com/zoff-tech/go-deploybot/schema"
)

const (
	labelInProgress = "in progress"
	labelSuccessful = "successful"
	labelFailed     = "failed"
	labelQueued     = "queued"
)

// stageLabel maps a stage state to its label and color. Unrecognized states render as
// failed so an unknown terminal state is never reported as a success.
func orderingLabel(ordering string) string {
	switch ordering {
	case "behind":
		return "rollback"
	case "identical":
		return "redeploy of the same commit"
	default:
		return "new commits"
	}
}

func stageLabel(state schema.StageState) (string, string) {
	switch state {
	case schema.StageBuilding, schema.StageUnknown:
		return labelInProgress, ColorNeutral
	case schema.StagePassed:
		return labelSuccessful, ColorSuccess
	default:
		return labelFailed, ColorDanger
	}
}

func deployLabel(status schema.DeployStatus) (string, string) {
	switch status {
	case schema.DeployQueued:
		return labelQueued, ColorNeutral
	case schema.DeployStarted:
		return labelInProgress, ColorNeutral
	case schema.DeployFinished:
		return labelSuccessful, ColorSuccess
	default:
		return labelFailed, ColorDanger
	}
}

func joinURL(base string, parts ...string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
