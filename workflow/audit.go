package workflow

import (
	"context"
	"strconv"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// sampleLimit bounds the ids carried in batch audit records and responses.
const sampleLimit = 20

func writeAudit(tx *gorm.DB, action, entityType, entityId string, inputs, effect interface{}) (*models.AuditLog, error) {
	return models.SaveAuditLog(tx, action, entityType, entityId, inputs, effect)
}

// AuditEvent is the Pub/Sub payload mirroring an audit_logs row.
type AuditEvent struct {
	ID            int       `json:"id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityId      string    `json:"entity_id"`
	Inputs        any       `json:"inputs"`
	Effect        any       `json:"effect"`
	CorrelationId string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// fanOutAudit publishes committed audit rows to AUDIT_PUBSUB_TOPIC.
// It never fails the caller: the table is the record of truth.
func fanOutAudit(ctx context.Context, logger *logrus.Logger, entries ...*models.AuditLog) {
	topic := config.AuditTopic()
	if topic == "" || len(entries) == 0 {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		if e == nil {
			continue
		}
		event := AuditEvent{
			ID:            e.ID,
			Actor:         e.Actor,
			Action:        e.Action,
			EntityType:    e.EntityType,
			EntityId:      e.EntityId,
			Inputs:        e.Inputs,
			Effect:        e.Effect,
			CorrelationId: e.CorrelationId,
			CreatedAt:     e.CreatedAt,
		}
		attrs := map[string]string{"action": e.Action, "audit_id": strconv.Itoa(e.ID)}
		if _, err := config.PublishJSON(pubCtx, topic, event, attrs); err != nil {
			logger.WithFields(logrus.Fields{
				"field":    "fanOutAudit",
				"audit_id": e.ID,
				"action":   e.Action,
			}).WithError(err).Warn("audit fan-out failed")
		}
	}
}
