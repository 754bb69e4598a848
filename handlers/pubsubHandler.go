package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/middlewares"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/sirupsen/logrus"
)

// PubSubHandler accepts Pub/Sub push deliveries that ask for a detection run.
// The subscription's push endpoint carries the service key as ?key=.
// Malformed messages are acked so they are not redelivered forever.
func PubSubHandler(detector DetectionAPI, serviceKeyHash string, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !middlewares.VerifyServiceKey(serviceKeyHash, c.Query("key")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "pubsubHandler.go", "PubSubHandler", "Read body", nil, err)
			c.Status(http.StatusBadRequest)
			return
		}
		var msg config.PushEnvelope
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "pubsubHandler.go", "PubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var trigger config.DetectionTrigger
		if err := json.Unmarshal(msg.Message.Data, &trigger); err != nil {
			config.LogError(logger, "pubsubHandler.go", "PubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		trigger.TenantId = strings.TrimSpace(trigger.TenantId)
		if trigger.TenantId == "" {
			config.LogError(logger, "pubsubHandler.go", "PubSubHandler", "Invalid pubsub message (missing tenant_id)", msg.Message.ID, fmt.Errorf("tenant_id required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationId := trigger.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := utils.SetIsServiceInContext(c.Request.Context(), true)
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

		summary, err := detector.RunDetection(ctx, trigger.TenantId)
		if err != nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"field":          "PubSubHandler",
					"tenant_id":      trigger.TenantId,
					"message_id":     msg.Message.ID,
					"correlation_id": correlationId,
				}).Error("detection run failed: " + err.Error())
			}
			// Non-2xx asks Pub/Sub to redeliver.
			c.Status(http.StatusInternalServerError)
			return
		}
		if logger != nil && len(summary.Failures) > 0 {
			logger.WithFields(logrus.Fields{
				"field":          "PubSubHandler",
				"tenant_id":      trigger.TenantId,
				"message_id":     msg.Message.ID,
				"correlation_id": correlationId,
				"failures":       summary.Failures,
			}).Warn("detection run finished with detector failures")
		}
		c.Status(http.StatusNoContent)
	}
}
