// Package ingress exposes the webhook endpoints. It only routes by path; payload
// interpretation belongs to the processor.
package ingress

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/zoff-tech/go-deploybot/pkg/normalizer"
	"github.com/zoff-tech/go-deploybot/pkg/processor"
	"github.com/zoff-tech/go-deploybot/pkg/router"
	"github.com/zoff-tech/go-deploybot/schema"
)

// maxBodyBytes bounds webhook bodies; GoCD stage payloads with many jobs stay well below it.
const maxBodyBytes = 5 << 20

// DeliveryHandler is implemented by processor.DeliveryProcessor.
type DeliveryHandler interface {
	Handle(ctx context.Context, provider normalizer.Provider, payload []byte) (*processor.Result, error)
}

type outcomeResponse struct {
	Subscriber string `json:"subscriber"`
	Channel    string `json:"channel"`
	Action     string `json:"action"`
	Error      string `json:"error,omitempty"`
	// OrphanTS is a message posted but lost to a concurrent delivery. Nothing tracks it.
	OrphanTS   string `json:"orphan_ts,omitempty"`
}

// NewRouter builds the gin engine with tracing, recovery and request logging.
func NewRouter(handler DeliveryHandler, serviceName string) *gin.Engine {
	engine := gin.New()
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	webhooks := engine.Group("/webhooks")
	webhooks.POST("/gocd/stage", deliver(handler, normalizer.ProviderGoCDStage))
	webhooks.POST("/gocd/agent", deliver(handler, normalizer.ProviderGoCDAgent))
	webhooks.POST("/freight", deliver(handler, normalizer.ProviderFreight))
	return engine
}

func deliver(handler DeliveryHandler, provider normalizer.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
			return
		}

		result, err := handler.Handle(c.Request.Context(), provider, body)
		if errors.Is(err, schema.ErrMalformedPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if result == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delivery not processed"})
			return
		}
		if result.Skipped {
			c.JSON(http.StatusAccepted, gin.H{"delivery_id": result.DeliveryID, "skipped": true})
			return
		}

		// Downstream failures were already logged per subscriber; the delivery itself was processed.
		outcomes := make([]outcomeResponse, 0, len(result.Outcomes))
		for _, o := range result.Outcomes {
			resp := outcomeResponse{Subscriber: o.Subscriber, Channel: o.Channel, Action: string(o.Action), OrphanTS: o.OrphanTimestamp}
			if o.Action == router.ActionFailed && o.Err != nil {
				resp.Error = o.Err.Error()
			}
			outcomes = append(outcomes, resp)
		}
		c.JSON(http.StatusOK, gin.H{
			"delivery_id": result.DeliveryID,
			"ref_id":      result.RefID,
			"outcomes":    outcomes,
			"degraded":    err != nil,
		})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("handled request")
	}
}
