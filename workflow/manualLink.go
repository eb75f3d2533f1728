package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LinkInput struct {
	QueueItemID int
	OrderID     int
	ProfileID   int
	DryRun      bool
}

const (
	linkActionInsert = "insert"
	linkActionAttach = "attach"
)

type LinkResult struct {
	DryRun          bool   `json:"dry_run"`
	QueueItemId     int    `json:"queue_item_id"`
	OrderId         int    `json:"order_id"`
	ProfileId       int    `json:"profile_id"`
	StableUid       string `json:"stable_uid"`
	Action          string `json:"action"`
	PaymentId       *int   `json:"payment_id,omitempty"`
	CardLinkCreated bool   `json:"card_link_created"`
}

type linkPlan struct {
	item     models.PaymentQueueItem
	order    models.Order
	existing *models.Payment
	newLink  bool
}

func planQueueItemLink(tx *gorm.DB, in LinkInput) (linkPlan, *stopError, error) {
	var plan linkPlan

	var items []models.PaymentQueueItem
	if err := tx.Where("id = ?", in.QueueItemID).Limit(1).Find(&items).Error; err != nil {
		return plan, nil, err
	}
	if len(items) == 0 {
		return plan, &stopError{code: StopQueueItemNotFound, message: fmt.Sprintf("queue item %d not found", in.QueueItemID)}, nil
	}
	plan.item = items[0]
	if plan.item.StableUid == "" {
		plan.item.StableUid = plan.item.ResolveStableUid()
	}
	if plan.item.NormalizedStatus != models.NormalizedStatusCompleted {
		return plan, &stopError{
			code:    StopQueueItemNotCompleted,
			message: fmt.Sprintf("only completed queue items can be linked: queue item %d is %s", plan.item.ID, plan.item.NormalizedStatus),
		}, nil
	}

	var orders []models.Order
	if err := tx.Where("id = ?", in.OrderID).Limit(1).Find(&orders).Error; err != nil {
		return plan, nil, err
	}
	if len(orders) == 0 {
		return plan, &stopError{code: StopOrderNotFound, message: fmt.Sprintf("order %d not found", in.OrderID)}, nil
	}
	plan.order = orders[0]
	if plan.order.ProfileId != in.ProfileID {
		return plan, &stopError{
			code:    StopProfileMismatch,
			message: fmt.Sprintf("order %d belongs to profile %d, not %d", plan.order.ID, plan.order.ProfileId, in.ProfileID),
		}, nil
	}

	var payments []models.Payment
	if err := tx.Where("stable_uid = ?", plan.item.StableUid).Limit(1).Find(&payments).Error; err != nil {
		return plan, nil, err
	}
	if len(payments) > 0 {
		if payments[0].OrderId != nil {
			return plan, &stopError{
				code:    StopPaymentAlreadyLinked,
				message: fmt.Sprintf("payment %d for %s is already linked to order %d", payments[0].ID, plan.item.StableUid, *payments[0].OrderId),
			}, nil
		}
		plan.existing = &payments[0]
	}

	if plan.item.CardLast4 != "" && plan.item.CardBrand != "" {
		var n int64
		if err := tx.Model(&models.CardProfileLink{}).
			Where("card_last4 = ? AND card_brand = ?", plan.item.CardLast4, plan.item.CardBrand).
			Count(&n).Error; err != nil {
			return plan, nil, err
		}
		plan.newLink = n == 0
	}
	return plan, nil, nil
}

// LinkQueueItem attaches a queue item to an order by hand: it writes (or
// completes) the ledger row, marks the item manually_linked and remembers
// the card for future auto-linking when the mask is unclaimed.
func LinkQueueItem(ctx context.Context, db *gorm.DB, logger *logrus.Logger, in LinkInput) Outcome[LinkResult] {
	ctx, span := tracer.Start(ctx, "workflow.LinkQueueItem")
	defer span.End()

	if in.QueueItemID <= 0 || in.OrderID <= 0 || in.ProfileID <= 0 {
		return Fail[LinkResult](validationError("queue_item_id, order_id and profile_id must be positive"))
	}
	span.SetAttributes(attribute.Bool("dry_run", in.DryRun), attribute.Int("queue_item_id", in.QueueItemID))

	fields := logrus.Fields{
		"queue_item_id": in.QueueItemID,
		"order_id":      in.OrderID,
		"profile_id":    in.ProfileID,
		"dry_run":       in.DryRun,
	}
	result := LinkResult{DryRun: in.DryRun, QueueItemId: in.QueueItemID, OrderId: in.OrderID, ProfileId: in.ProfileID}
	tx := db.WithContext(ctx)

	if in.DryRun {
		plan, stop, err := planQueueItemLink(tx, in)
		if err != nil {
			config.LogError(logger, "manualLink.go", "LinkQueueItem", "Planning link", fields, err)
			return Fail[LinkResult](err)
		}
		if stop != nil {
			logStop(logger, "LinkQueueItem", stop.code, stop.message, fields)
			return Stop[LinkResult](stop.code, stop.message)
		}
		result.describe(plan)
		return Ok(result)
	}

	var entry *models.AuditLog
	err := tx.Transaction(func(t *gorm.DB) error {
		plan, stop, err := planQueueItemLink(t.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{}), in)
		if err != nil {
			return err
		}
		if stop != nil {
			return stop
		}
		result.describe(plan)

		actor := utils.GetActorFromContext(ctx)
		userId := plan.order.UserId
		if userId == nil {
			var profile models.Profile
			if err := t.Select("id", "user_id").Where("id = ?", in.ProfileID).Limit(1).Find(&profile).Error; err != nil {
				return err
			}
			userId = profile.UserId
		}
		orderId, profileId := plan.order.ID, in.ProfileID

		if plan.existing != nil {
			meta := datatypes.JSONMap{}
			for k, v := range plan.existing.Meta {
				meta[k] = v
			}
			meta[models.MetaLinkedBy] = actor
			res := t.Model(&models.Payment{}).
				Where("id = ? AND order_id IS NULL", plan.existing.ID).
				Updates(map[string]interface{}{"order_id": orderId, "profile_id": profileId, "user_id": userId, "meta": meta})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return &stopError{code: StopPaymentAlreadyLinked, message: fmt.Sprintf("payment %d was linked concurrently", plan.existing.ID)}
			}
			id := plan.existing.ID
			result.PaymentId = &id
		} else {
			payment := ledgerEntryFromQueueItem(plan.item, &profileId, userId)
			payment.OrderId = &orderId
			payment.Meta[models.MetaSource] = models.PaymentSourceManualLink
			payment.Meta[models.MetaLinkedBy] = actor
			inserted, err := InsertLedgerEntryOnce(t, &payment)
			if err != nil {
				return err
			}
			if inserted == InsertDuplicate {
				return &stopError{code: StopDuplicateProviderUid, message: fmt.Sprintf("a ledger row for %s was written concurrently", plan.item.StableUid)}
			}
			id := payment.ID
			result.PaymentId = &id
		}

		if err := t.Model(&models.PaymentQueueItem{}).Where("id = ?", plan.item.ID).Updates(map[string]interface{}{
			"processing_state":   models.ProcessingStateManuallyLinked,
			"matched_order_id":   orderId,
			"matched_profile_id": profileId,
		}).Error; err != nil {
			return err
		}

		if plan.newLink {
			link := models.CardProfileLink{
				CardLast4:  plan.item.CardLast4,
				CardBrand:  plan.item.CardBrand,
				ProfileId:  profileId,
				CardHolder: plan.item.CardHolder,
				Source:     models.CardLinkSourceManualLink,
			}
			if err := t.Create(&link).Error; err != nil {
				return err
			}
		}

		entry, err = writeAudit(t, models.AuditActionQueueItemLinked, models.AuditEntityPaymentQueueItem, strconv.Itoa(plan.item.ID),
			map[string]interface{}{
				"queue_item_id": in.QueueItemID,
				"order_id":      in.OrderID,
				"profile_id":    in.ProfileID,
			},
			map[string]interface{}{
				"action":            result.Action,
				"payment_id":        result.PaymentId,
				"stable_uid":        result.StableUid,
				"card_link_created": result.CardLinkCreated,
			})
		return err
	})
	if stop, ok := asStop(err); ok {
		logStop(logger, "LinkQueueItem", stop.code, stop.message, fields)
		return Stop[LinkResult](stop.code, stop.message)
	}
	if err != nil {
		config.LogError(logger, "manualLink.go", "LinkQueueItem", "Linking queue item", fields, err)
		return Fail[LinkResult](err)
	}

	fanOutAudit(ctx, logger, entry)
	logger.WithFields(fields).WithField("payment_id", result.PaymentId).Info("queue item linked")
	return Ok(result)
}

func (r *LinkResult) describe(plan linkPlan) {
	r.StableUid = plan.item.StableUid
	r.CardLinkCreated = plan.newLink
	if plan.existing != nil {
		r.Action = linkActionAttach
		id := plan.existing.ID
		r.PaymentId = &id
	} else {
		r.Action = linkActionInsert
	}
}
