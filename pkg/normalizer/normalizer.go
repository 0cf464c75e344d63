// Package normalizer turns raw provider webhook bodies into schema.PipelineEvent values.
// It has no side effects.
package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zoff-tech/go-deploybot/schema"
)

// Provider tags the shape of an inbound payload.
type Provider string

const (
	ProviderGoCDStage Provider = "gocd-stage"
	ProviderGoCDAgent Provider = "gocd-agent"
	ProviderFreight   Provider = "freight"
)

// Normalize converts payload into a canonical event. It returns (nil, schema.ErrSkippedEvent)
// for payloads that are valid but carry no actionable pipeline information, and an error
// wrapping schema.ErrMalformedPayload when the payload cannot be interpreted.
func Normalize(provider Provider, payload []byte) (*schema.PipelineEvent, error) {
	switch provider {
	case ProviderGoCDStage:
		return normalizeGoCDStage(payload)
	case ProviderGoCDAgent:
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: gocd agent body is not JSON", schema.ErrMalformedPayload)
		}
		return nil, schema.ErrSkippedEvent
	case ProviderFreight:
		return normalizeFreight(payload)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", schema.ErrMalformedPayload, provider)
	}
}

func decode(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", schema.ErrMalformedPayload, err)
	}
	return nil
}

// flexString accepts a JSON string or number. Providers are inconsistent about counters.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q is not a timestamp", schema.ErrMalformedPayload, field, value)
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}
