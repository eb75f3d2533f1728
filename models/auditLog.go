package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmdatafocus/academy_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditLog is append-only. Every mutating operation writes at least one row
// describing who did what with which inputs.
type AuditLog struct {
	ID            int            `gorm:"primary_key" json:"id"`
	Actor         string         `gorm:"size:191;not null;index" json:"actor"`
	Action        string         `gorm:"size:64;not null;index" json:"action"`
	EntityType    string         `gorm:"size:64;not null" json:"entity_type"`
	EntityId      string         `gorm:"size:191;index" json:"entity_id"`
	Inputs        datatypes.JSON `json:"inputs"`
	Effect        datatypes.JSON `json:"effect"`
	CorrelationId string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

const (
	AuditActionMaterialize      = "payments.materialize"
	AuditActionAmountCorrected  = "payments.amount_corrected"
	AuditActionCollisionRepair  = "card_links.collision_repair"
	AuditActionDuplicateCase    = "duplicate_cases.upsert"
	AuditActionQueueItemLinked  = "payments.manual_link"
	AuditEntityPayment          = "payment"
	AuditEntityPaymentBatch     = "payment_batch"
	AuditEntityCardMask         = "card_mask"
	AuditEntityDuplicateCase    = "duplicate_case"
	AuditEntityPaymentQueueItem = "payment_queue_item"
)

// SaveAuditLog writes an audit row inside tx. Actor and correlation id come
// from the statement context so callers cannot forget them.
func SaveAuditLog(tx *gorm.DB, action string, entityType string, entityId string, inputs interface{}, effect interface{}) (*AuditLog, error) {
	in, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal audit inputs: %w", err)
	}
	out, err := json.Marshal(effect)
	if err != nil {
		return nil, fmt.Errorf("marshal audit effect: %w", err)
	}

	ctx := tx.Statement.Context
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	entry := AuditLog{
		Actor:         utils.GetActorFromContext(ctx),
		Action:        action,
		EntityType:    entityType,
		EntityId:      entityId,
		Inputs:        datatypes.JSON(in),
		Effect:        datatypes.JSON(out),
		CorrelationId: correlationId,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}
