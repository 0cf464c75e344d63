package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-deploybot/pkg/normalizer"
	"github.com/zoff-tech/go-deploybot/pkg/processor"
	"github.com/zoff-tech/go-deploybot/pkg/router"
	"github.com/zoff-tech/go-deploybot/schema"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, provider normalizer.Provider, payload []byte) (*processor.Result, error) {
	args := m.Called(ctx, provider, payload)
	result, _ := args.Get(0).(*processor.Result)
	return result, args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func post(t *testing.T, engine *gin.Engine, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	engine := NewRouter(new(mockHandler), "test")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWebhook_RoutesByPath(t *testing.T) {
	tests := []struct {
		path     string
		provider normalizer.Provider
	}{
		{"/webhooks/gocd/stage", normalizer.ProviderGoCDStage},
		{"/webhooks/gocd/agent", normalizer.ProviderGoCDAgent},
		{"/webhooks/freight", normalizer.ProviderFreight},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			handler := new(mockHandler)
			handler.On("Handle", mock.Anything, tt.provider, []byte(`{"x":1}`)).
				Return(&processor.Result{DeliveryID: "d-1", RefID: "r"}, nil).Once()

			rec := post(t, NewRouter(handler, "test"), tt.path, `{"x":1}`)
			assert.Equal(t, http.StatusOK, rec.Code)
			handler.AssertExpectations(t)
		})
	}
}

func TestWebhook_Malformed(t *testing.T) {
	handler := new(mockHandler)
	handler.On("Handle", mock.Anything, normalizer.ProviderGoCDStage, mock.Anything).
		Return(&processor.Result{DeliveryID: "d-1"}, fmt.Errorf("%w: bad json", schema.ErrMalformedPayload))

	rec := post(t, NewRouter(handler, "test"), "/webhooks/gocd/stage", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_Skipped(t *testing.T) {
	handler := new(mockHandler)
	handler.On("Handle", mock.Anything, normalizer.ProviderGoCDAgent, mock.Anything).
		Return(&processor.Result{DeliveryID: "d-1", Skipped: true}, nil)

	rec := post(t, NewRouter(handler, "test"), "/webhooks/gocd/agent", `{}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhook_DegradedDeliveryIsStillProcessed(t *testing.T) {
	slackErr := fmt.Errorf("%w: channel_not_found", schema.ErrDownstreamUnavailable)
	handler := new(mockHandler)
	handler.On("Handle", mock.Anything, normalizer.ProviderGoCDStage, mock.Anything).
		Return(&processor.Result{
			DeliveryID: "d-1",
			RefID:      "sentryio-p1/20@abc123",
			Outcomes: []router.Outcome{
				{Subscriber: "a", Channel: "C-a", Action: router.ActionFailed, Err: slackErr},
				{Subscriber: "b", Channel: "C-b", Action: router.ActionPosted},
				{Subscriber: "c", Channel: "C-c", Action: router.ActionUpdated, OrphanTimestamp: "1700000000.000002"},
			},
		}, errors.Join(slackErr))

	rec := post(t, NewRouter(handler, "test"), "/webhooks/gocd/stage", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		RefID    string            `json:"ref_id"`
		Degraded bool              `json:"degraded"`
		Outcomes []outcomeResponse `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Degraded)
	assert.Equal(t, "sentryio-p1/20@abc123", body.RefID)
	require.Len(t, body.Outcomes, 3)
	assert.Contains(t, body.Outcomes[0].Error, "channel_not_found")
	assert.Equal(t, "posted", body.Outcomes[1].Action)
	assert.Empty(t, body.Outcomes[1].OrphanTS)
	assert.Equal(t, "1700000000.000002", body.Outcomes[2].OrphanTS)
}
