package syncapi

import (
	"encoding/json"
	"io"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"bitbucket.org/mmdatafocus/barops_backend/workflow"
	"github.com/gin-gonic/gin"
)

type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncRunPushHandler executes one sync run delivered by the pubsub push
// subscription. Non-2xx makes Pub/Sub redeliver, so transient execution
// errors return 500 and unusable envelopes are acked with 204 to avoid
// poison-message loops (the run dispatcher re-enqueues real work anyway).
func SyncRunPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBoolDefault("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var payload workflow.SyncRunMessage
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.RunId == 0 || payload.TenantId == "" {
			c.Status(204)
			return
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), payload.CorrelationId)
		if err := workflow.ExecuteRun(ctx, payload.RunId); err != nil {
			config.LogError(config.GetLogger(), "syncapi", "SyncRunPushHandler", "execute run", payload.RunId, err)
			c.Status(500)
			return
		}
		c.Status(204)
	}
}

// ValidatePushHandler re-evaluates one tenant-date delivered by the
// validation push subscription.
func ValidatePushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.EnvBoolDefault("ENABLE_SYNC_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope pubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var payload workflow.ValidateMessage
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		date, err := time.Parse("2006-01-02", payload.Date)
		if err != nil || payload.TenantId == "" {
			c.Status(204)
			return
		}

		ctx := utils.SetTenantIdInContext(c.Request.Context(), payload.TenantId)
		ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
		if err := workflow.Validate(ctx, config.GetDB(), payload.TenantId, date, payload.SyncRunId, payload.CorrelationId); err != nil {
			config.LogError(config.GetLogger(), "syncapi", "ValidatePushHandler", "validate", payload, err)
			c.Status(500)
			return
		}
		c.Status(204)
	}
}
