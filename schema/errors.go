package schema

import "errors"

var (
	// ErrMalformedPayload rejects a delivery that cannot be normalized. No state is mutated.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSkippedEvent marks a valid payload that carries nothing actionable.
	ErrSkippedEvent = errors.New("skipped event")
	// ErrDuplicateReference is returned when a (type, refId) row already exists.
	ErrDuplicateReference = errors.New("duplicate reference")
	// ErrDownstreamUnavailable wraps a failed Slack, GitHub, broker or store call.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	// ErrConsistencyViolation is returned when an ordering cannot be decided, e.g. diverged commits.
	ErrConsistencyViolation = errors.New("consistency violation")
)
