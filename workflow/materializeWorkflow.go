package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MaterializeCursor is the (paid_at, id) position of the last scanned item.
// HighWaterID is the largest queue item id that existed when the first page
// was read; anything above it was ingested during the drain.
type MaterializeCursor struct {
	PaidAt      time.Time `json:"paid_at"`
	ID          int       `json:"id"`
	HighWaterID int       `json:"high_water_id,omitempty"`
}

type MaterializeInput struct {
	Limit  int
	DryRun bool
	// FromDate is inclusive, ToDate exclusive.
	FromDate      *time.Time
	ToDate        *time.Time
	OnlyProfileID *int
	Cursor        *MaterializeCursor
}

type MaterializeStats struct {
	Scanned  int `json:"scanned"`
	ToCreate int `json:"to_create"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

type MaterializeSample struct {
	QueueItemId int             `json:"queue_item_id"`
	StableUid   string          `json:"stable_uid"`
	PaymentId   *int            `json:"payment_id,omitempty"`
	ProfileId   *int            `json:"profile_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Outcome     string          `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
}

type MaterializeResult struct {
	Success    bool                `json:"success"`
	DryRun     bool                `json:"dry_run"`
	Stats      MaterializeStats    `json:"stats"`
	NextCursor *MaterializeCursor  `json:"next_cursor"`
	Samples    []MaterializeSample `json:"samples"`
	Warnings   []string            `json:"warnings"`
	DurationMs int64               `json:"duration_ms"`
	Error      string              `json:"error,omitempty"`
}

const (
	sampleOutcomeCreated     = "created"
	sampleOutcomeWouldCreate = "would_create"
	sampleOutcomeSkipped     = "skipped"
	sampleOutcomeError       = "error"

	skipReasonRace = "race"
)

// queueCandidate is a queue row with the anti-join flag: LedgerId is set
// when a payment already carries the item's stable uid.
type queueCandidate struct {
	models.PaymentQueueItem
	LedgerId *int
}

func (c queueCandidate) materialized() bool {
	return c.LedgerId != nil
}

// Materialize promotes completed queue items into ledger rows. Dry run and
// execute share the candidate read and the profile resolution; they diverge
// only at the insert.
func Materialize(ctx context.Context, db *gorm.DB, logger *logrus.Logger, in MaterializeInput) (MaterializeResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "workflow.Materialize")
	defer span.End()

	result := MaterializeResult{DryRun: in.DryRun, Samples: []MaterializeSample{}, Warnings: []string{}}
	finish := func() {
		result.DurationMs = time.Since(started).Milliseconds()
	}

	if err := validateMaterializeInput(&in, &result); err != nil {
		finish()
		return result, err
	}
	span.SetAttributes(
		attribute.Bool("dry_run", in.DryRun),
		attribute.Int("limit", in.Limit),
	)

	tx := db.WithContext(ctx)
	highWater := 0
	if in.Cursor != nil {
		highWater = in.Cursor.HighWaterID
	} else if id, err := maxQueueItemId(tx); err != nil {
		config.LogError(logger, "materializeWorkflow.go", "Materialize", "Reading queue high-water id", nil, err)
	} else {
		highWater = id
	}
	rows, err := loadMaterializeCandidates(tx, in)
	if err != nil {
		config.LogError(logger, "materializeWorkflow.go", "Materialize", "Loading queue candidates", in, err)
		span.SetStatus(codes.Error, err.Error())
		result.Error = err.Error()
		finish()
		return result, fmt.Errorf("load queue candidates: %w", err)
	}

	if in.Cursor != nil {
		if late, err := countUnmaterializedBeforeCursor(tx, in); err != nil {
			config.LogError(logger, "materializeWorkflow.go", "Materialize", "Counting late arrivals", in.Cursor, err)
		} else if late > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%d completed queue items at or before the cursor are not materialized; rerun without a cursor to include them", late))
		}
	}

	resolver := newProfileResolver(tx)
	var auditIds []int

	for _, row := range rows {
		result.Stats.Scanned++
		item := row.PaymentQueueItem
		if item.StableUid == "" {
			item.StableUid = item.ResolveStableUid()
		}
		pending := item.ProcessingState == models.ProcessingStatePending

		if row.materialized() {
			result.Stats.Skipped++
			if pending {
				if in.DryRun {
					result.Stats.Updated++
				} else if n, err := advanceQueueItem(tx, item.ID, nil); err != nil {
					config.LogError(logger, "materializeWorkflow.go", "Materialize", "Advancing materialized queue item", item.ID, err)
				} else {
					result.Stats.Updated += n
				}
			}
			continue
		}
		result.Stats.ToCreate++

		profileId, userId, warning, err := resolver.resolve(item)
		if err != nil {
			result.Stats.Errors++
			result.addSample(item, nil, nil, sampleOutcomeError, err.Error())
			config.LogError(logger, "materializeWorkflow.go", "Materialize", "Resolving profile", item.ID, err)
			continue
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}

		if in.DryRun {
			result.Stats.Created++
			if pending {
				result.Stats.Updated++
			}
			result.addSample(item, nil, profileId, sampleOutcomeWouldCreate, "")
			continue
		}

		payment := ledgerEntryFromQueueItem(item, profileId, userId)
		inserted, err := InsertLedgerEntryOnce(tx, &payment)
		if err != nil {
			result.Stats.Errors++
			result.addSample(item, nil, profileId, sampleOutcomeError, err.Error())
			config.LogError(logger, "materializeWorkflow.go", "Materialize", "Inserting ledger entry", item.StableUid, err)
			continue
		}
		if inserted == InsertDuplicate {
			result.Stats.Skipped++
			result.addSample(item, nil, profileId, sampleOutcomeSkipped, skipReasonRace)
			logger.WithFields(logrus.Fields{
				"field":         "Materialize",
				"queue_item_id": item.ID,
				"stable_uid":    item.StableUid,
			}).Info("ledger entry already inserted by a concurrent run")
		} else {
			result.Stats.Created++
			result.addSample(item, &payment.ID, profileId, sampleOutcomeCreated, "")
			if len(auditIds) < sampleLimit {
				auditIds = append(auditIds, payment.ID)
			}
		}

		if !pending {
			continue
		}
		var linkProfile *int
		if item.MatchedProfileId == nil {
			linkProfile = profileId
		}
		n, err := advanceQueueItem(tx, item.ID, linkProfile)
		if err != nil {
			config.LogError(logger, "materializeWorkflow.go", "Materialize", "Advancing queue item", item.ID, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("queue item %d: ledger row written but processing_state not advanced: %v", item.ID, err))
			continue
		}
		result.Stats.Updated += n
	}

	if len(rows) == in.Limit && len(rows) > 0 {
		last := rows[len(rows)-1]
		result.NextCursor = &MaterializeCursor{PaidAt: last.PaidAt, ID: last.ID, HighWaterID: highWater}
	}

	result.Success = true
	finish()

	if !in.DryRun {
		entry, err := writeAudit(tx, models.AuditActionMaterialize, models.AuditEntityPaymentBatch, "", materializeAuditInputs(in), map[string]interface{}{
			"stats":              result.Stats,
			"sample_payment_ids": auditIds,
			"next_cursor":        result.NextCursor,
			"warnings_count":     len(result.Warnings),
			"duration_ms":        result.DurationMs,
		})
		if err != nil {
			config.LogError(logger, "materializeWorkflow.go", "Materialize", "Writing audit record", result.Stats, err)
			result.Warnings = append(result.Warnings, "audit record could not be written: "+err.Error())
		} else {
			fanOutAudit(ctx, logger, entry)
		}
	}

	logger.WithFields(logrus.Fields{
		"field":     "Materialize",
		"dry_run":   in.DryRun,
		"scanned":   result.Stats.Scanned,
		"to_create": result.Stats.ToCreate,
		"created":   result.Stats.Created,
		"updated":   result.Stats.Updated,
		"skipped":   result.Stats.Skipped,
		"errors":    result.Stats.Errors,
		"warnings":  len(result.Warnings),
	}).Info("materialize finished")

	return result, nil
}

func validateMaterializeInput(in *MaterializeInput, result *MaterializeResult) error {
	if in.Limit < 0 {
		return validationError("limit must be positive")
	}
	if in.Limit == 0 {
		in.Limit = config.MaterializeDefaultLimit()
	}
	if maxLimit := config.MaterializeMaxLimit(); in.Limit > maxLimit {
		result.Warnings = append(result.Warnings, fmt.Sprintf("limit %d clamped to %d", in.Limit, maxLimit))
		in.Limit = maxLimit
	}
	if in.FromDate != nil && in.ToDate != nil && !in.ToDate.After(*in.FromDate) {
		return validationError("to_date must be after from_date")
	}
	if in.OnlyProfileID != nil && *in.OnlyProfileID <= 0 {
		return validationError("only_profile_id must be positive")
	}
	if in.Cursor != nil && (in.Cursor.PaidAt.IsZero() || in.Cursor.ID <= 0) {
		return validationError("cursor requires both paid_at and id")
	}
	return nil
}

func materializeFilter(tx *gorm.DB, in MaterializeInput) *gorm.DB {
	q := tx.Table("payment_queue_items AS q").
		Joins("LEFT JOIN payments p ON p.stable_uid = q.stable_uid").
		Where("q.normalized_status = ?", models.NormalizedStatusCompleted)
	if in.FromDate != nil {
		q = q.Where("q.paid_at >= ?", in.FromDate.UTC())
	}
	if in.ToDate != nil {
		q = q.Where("q.paid_at < ?", in.ToDate.UTC())
	}
	if in.OnlyProfileID != nil {
		q = q.Where("q.matched_profile_id = ?", *in.OnlyProfileID)
	}
	return q
}

// loadMaterializeCandidates is the single read shared by dry run and execute.
func loadMaterializeCandidates(tx *gorm.DB, in MaterializeInput) ([]queueCandidate, error) {
	q := materializeFilter(tx, in).Select("q.*, p.id AS ledger_id")
	if in.Cursor != nil {
		paidAt := in.Cursor.PaidAt.UTC()
		q = q.Where("(q.paid_at > ? OR (q.paid_at = ? AND q.id > ?))", paidAt, paidAt, in.Cursor.ID)
	}
	var rows []queueCandidate
	err := q.Order("q.paid_at ASC").Order("q.id ASC").Limit(in.Limit).Scan(&rows).Error
	return rows, err
}

// countUnmaterializedBeforeCursor finds items a resumed scan would never
// see: ingested after the drain started with a paid_at already behind the
// cursor. Items earlier pages previewed or failed on existed before the
// high-water id and are not counted. A cursor without a high-water id falls
// back to the cursor item's own id.
func countUnmaterializedBeforeCursor(tx *gorm.DB, in MaterializeInput) (int64, error) {
	paidAt := in.Cursor.PaidAt.UTC()
	highWater := in.Cursor.HighWaterID
	if highWater <= 0 {
		highWater = in.Cursor.ID
	}
	var n int64
	err := materializeFilter(tx, in).
		Where("p.id IS NULL").
		Where("q.id > ?", highWater).
		Where("(q.paid_at < ? OR (q.paid_at = ? AND q.id <= ?))", paidAt, paidAt, in.Cursor.ID).
		Count(&n).Error
	return n, err
}

// maxQueueItemId returns the newest queue item id; ids follow ingestion order.
func maxQueueItemId(tx *gorm.DB) (int, error) {
	var id int
	err := tx.Model(&models.PaymentQueueItem{}).Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

// advanceQueueItem moves a pending item to completed. The state guard keeps
// manually linked items untouched and makes concurrent runs count once.
func advanceQueueItem(tx *gorm.DB, id int, profileId *int) (int, error) {
	updates := map[string]interface{}{"processing_state": models.ProcessingStateCompleted}
	if profileId != nil {
		updates["matched_profile_id"] = *profileId
	}
	res := tx.Model(&models.PaymentQueueItem{}).
		Where("id = ? AND processing_state = ?", id, models.ProcessingStatePending).
		Updates(updates)
	return int(res.RowsAffected), res.Error
}

func ledgerEntryFromQueueItem(item models.PaymentQueueItem, profileId, userId *int) models.Payment {
	return models.Payment{
		OrderId:               item.MatchedOrderId,
		ProfileId:             profileId,
		UserId:                userId,
		Amount:                models.SignedAmount(item.TransactionType, item.Amount),
		Currency:              item.Currency,
		Status:                string(models.NormalizedStatusCompleted),
		TransactionType:       item.TransactionType,
		Provider:              models.PaymentProvider,
		ProviderTransactionId: item.ProviderTransactionId,
		StableUid:             item.StableUid,
		PaidAt:                item.PaidAt,
		Meta: datatypes.JSONMap{
			models.MetaSource:      models.PaymentSourceMaterialize,
			models.MetaQueueItemId: item.ID,
		},
	}
}

func (r *MaterializeResult) addSample(item models.PaymentQueueItem, paymentId, profileId *int, outcome, reason string) {
	if len(r.Samples) >= sampleLimit {
		return
	}
	r.Samples = append(r.Samples, MaterializeSample{
		QueueItemId: item.ID,
		StableUid:   item.StableUid,
		PaymentId:   paymentId,
		ProfileId:   profileId,
		Amount:      models.SignedAmount(item.TransactionType, item.Amount),
		Currency:    item.Currency,
		Outcome:     outcome,
		Reason:      reason,
	})
}

func materializeAuditInputs(in MaterializeInput) map[string]interface{} {
	inputs := map[string]interface{}{
		"limit":   in.Limit,
		"dry_run": in.DryRun,
	}
	if in.FromDate != nil {
		inputs["from_date"] = in.FromDate.UTC()
	}
	if in.ToDate != nil {
		inputs["to_date"] = in.ToDate.UTC()
	}
	if in.OnlyProfileID != nil {
		inputs["only_profile_id"] = *in.OnlyProfileID
	}
	if in.Cursor != nil {
		inputs["cursor"] = in.Cursor
	}
	return inputs
}

// profileResolver picks the ledger profile for a queue item: the matched
// profile when set, else the single card link for the item's mask. Lookups
// are cached per call.
type profileResolver struct {
	tx       *gorm.DB
	links    map[string][]int
	userIds  map[int]*int
	warnedOn map[string]bool
}

func newProfileResolver(tx *gorm.DB) *profileResolver {
	return &profileResolver{
		tx:       tx,
		links:    map[string][]int{},
		userIds:  map[int]*int{},
		warnedOn: map[string]bool{},
	}
}

func (r *profileResolver) resolve(item models.PaymentQueueItem) (profileId *int, userId *int, warning string, err error) {
	if item.MatchedProfileId != nil {
		uid, err := r.userIdFor(*item.MatchedProfileId)
		return item.MatchedProfileId, uid, "", err
	}
	if item.CardLast4 == "" || item.CardBrand == "" {
		return nil, nil, "", nil
	}

	key := item.CardLast4 + "|" + item.CardBrand
	profileIds, ok := r.links[key]
	if !ok {
		if err := r.tx.Model(&models.CardProfileLink{}).
			Where("card_last4 = ? AND card_brand = ?", item.CardLast4, item.CardBrand).
			Order("id ASC").
			Pluck("profile_id", &profileIds).Error; err != nil {
			return nil, nil, "", err
		}
		r.links[key] = profileIds
	}

	switch len(profileIds) {
	case 0:
		return nil, nil, "", nil
	case 1:
		pid := profileIds[0]
		uid, err := r.userIdFor(pid)
		return &pid, uid, "", err
	default:
		if r.warnedOn[key] {
			return nil, nil, "", nil
		}
		r.warnedOn[key] = true
		return nil, nil, fmt.Sprintf("card collision: %s/%s is linked to %d profiles; entries created unlinked until repaired",
			item.CardLast4, item.CardBrand, len(profileIds)), nil
	}
}

func (r *profileResolver) userIdFor(profileId int) (*int, error) {
	if uid, ok := r.userIds[profileId]; ok {
		return uid, nil
	}
	var profile models.Profile
	err := r.tx.Select("id", "user_id").Where("id = ?", profileId).Limit(1).Find(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("load profile %d: %w", profileId, err)
	}
	r.userIds[profileId] = profile.UserId
	return profile.UserId, nil
}
