package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RepairInput struct {
	Last4           string
	Brand           string
	TargetProfileID int
	DryRun          bool
	// ExpectedLinkIDs, when set on execute, must equal the ids the preview
	// showed; otherwise the repair stops instead of deleting a different set.
	ExpectedLinkIDs []int
}

type CollisionCandidate struct {
	LinkId          int    `json:"link_id"`
	ProfileId       int    `json:"profile_id"`
	Email           string `json:"email,omitempty"`
	FullName        string `json:"full_name,omitempty"`
	IsArchived      bool   `json:"is_archived"`
	HasRealIdentity bool   `json:"has_real_identity"`
	// Orphaned links point at a profile that no longer exists.
	Orphaned bool `json:"orphaned,omitempty"`
}

func (c CollisionCandidate) active() bool {
	return !c.IsArchived && c.HasRealIdentity
}

type RepairResult struct {
	DryRun             bool                 `json:"dry_run"`
	Last4              string               `json:"last4"`
	Brand              string               `json:"brand"`
	TargetProfileId    int                  `json:"target_profile_id"`
	Candidates         []CollisionCandidate `json:"candidates"`
	KeptLinkId         *int                 `json:"kept_link_id,omitempty"`
	LinksToDeleteCount int                  `json:"links_to_delete_count"`
	LinksToDeleteIds   []int                `json:"links_to_delete_ids,omitempty"`
	DeletedCount       int                  `json:"deleted_count"`
}

type collisionRow struct {
	LinkId          int
	ProfileId       int
	JoinedProfileId *int
	UserId          *int
	IsArchived      *bool
	Email           *string
	FullName        *string
}

// loadCollisionCandidates is the only read used by both preview and
// execute, so the previewed set is exactly what gets deleted.
func loadCollisionCandidates(tx *gorm.DB, last4, brand string) ([]CollisionCandidate, error) {
	var rows []collisionRow
	err := tx.Table("card_profile_links AS l").
		Select("l.id AS link_id, l.profile_id, pr.id AS joined_profile_id, pr.user_id, pr.is_archived, pr.email, pr.full_name").
		Joins("LEFT JOIN profiles pr ON pr.id = l.profile_id").
		Where("l.card_last4 = ? AND l.card_brand = ?", last4, brand).
		Order("l.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	candidates := make([]CollisionCandidate, 0, len(rows))
	for _, r := range rows {
		c := CollisionCandidate{LinkId: r.LinkId, ProfileId: r.ProfileId}
		if r.JoinedProfileId == nil {
			// Counts as an archived ghost: never an owner worth protecting.
			c.Orphaned = true
			c.IsArchived = true
		} else {
			c.IsArchived = r.IsArchived != nil && *r.IsArchived
			c.HasRealIdentity = r.UserId != nil
			if r.Email != nil {
				c.Email = *r.Email
			}
			if r.FullName != nil {
				c.FullName = *r.FullName
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

type repairPlan struct {
	keep     *int
	toDelete []int
}

func planCollisionRepair(candidates []CollisionCandidate, target int) (repairPlan, *stopError) {
	activeOwners := map[int]bool{}
	for _, c := range candidates {
		if c.active() {
			activeOwners[c.ProfileId] = true
		}
	}
	if len(activeOwners) > 1 {
		ids := make([]int, 0, len(activeOwners))
		for id := range activeOwners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		return repairPlan{}, &stopError{
			code:    StopManualMergeRequired,
			message: fmt.Sprintf("card is linked to %d active profiles with real identities %v; resolve the duplicate-profile case first", len(ids), ids),
		}
	}

	var plan repairPlan
	for _, c := range candidates {
		if c.ProfileId == target && plan.keep == nil {
			id := c.LinkId
			plan.keep = &id
			continue
		}
		plan.toDelete = append(plan.toDelete, c.LinkId)
	}
	if plan.keep == nil {
		return repairPlan{}, &stopError{
			code:    StopTargetNotLinked,
			message: fmt.Sprintf("profile %d has no link for this card", target),
		}
	}
	return plan, nil
}

// RepairCardCollision converges the links for one card mask onto a single
// target profile. It refuses when two live customers claim the card.
func RepairCardCollision(ctx context.Context, db *gorm.DB, logger *logrus.Logger, in RepairInput) Outcome[RepairResult] {
	ctx, span := tracer.Start(ctx, "workflow.RepairCardCollision")
	defer span.End()

	in.Last4 = models.NormalizeLast4(in.Last4)
	in.Brand = models.NormalizeCardBrand(in.Brand)
	if len(in.Last4) != 4 {
		return Fail[RepairResult](validationError("last4 must contain four digits"))
	}
	if in.Brand == "" {
		return Fail[RepairResult](validationError("brand is required"))
	}
	if in.TargetProfileID <= 0 {
		return Fail[RepairResult](validationError("target_profile_id must be positive"))
	}
	span.SetAttributes(
		attribute.Bool("dry_run", in.DryRun),
		attribute.String("card_mask", in.Last4+"/"+in.Brand),
	)

	result := RepairResult{
		DryRun:          in.DryRun,
		Last4:           in.Last4,
		Brand:           in.Brand,
		TargetProfileId: in.TargetProfileID,
	}
	stopFields := logrus.Fields{
		"last4":             in.Last4,
		"brand":             in.Brand,
		"target_profile_id": in.TargetProfileID,
		"dry_run":           in.DryRun,
	}

	tx := db.WithContext(ctx)
	if in.DryRun {
		candidates, err := loadCollisionCandidates(tx, in.Last4, in.Brand)
		if err != nil {
			config.LogError(logger, "cardCollisionRepair.go", "RepairCardCollision", "Loading candidates", stopFields, err)
			return Fail[RepairResult](err)
		}
		result.Candidates = candidates
		plan, stop := planCollisionRepair(candidates, in.TargetProfileID)
		if stop != nil {
			logStop(logger, "RepairCardCollision", stop.code, stop.message, stopFields)
			return StopWith(stop.code, stop.message, result)
		}
		result.applyPlan(plan)
		return Ok(result)
	}

	var entry *models.AuditLog
	err := tx.Transaction(func(t *gorm.DB) error {
		candidates, err := loadCollisionCandidates(t.Clauses(clause.Locking{Strength: "UPDATE"}).Session(&gorm.Session{}), in.Last4, in.Brand)
		if err != nil {
			return err
		}
		result.Candidates = candidates
		plan, stop := planCollisionRepair(candidates, in.TargetProfileID)
		if stop != nil {
			return stop
		}
		if in.ExpectedLinkIDs != nil && !sameIds(in.ExpectedLinkIDs, plan.toDelete) {
			return &stopError{
				code:    StopStalePreview,
				message: fmt.Sprintf("links changed since preview: expected %v, now %v", in.ExpectedLinkIDs, plan.toDelete),
			}
		}
		result.applyPlan(plan)
		if len(plan.toDelete) == 0 {
			return nil
		}

		res := t.Where("id IN ?", plan.toDelete).Delete(&models.CardProfileLink{})
		if res.Error != nil {
			return res.Error
		}
		result.DeletedCount = int(res.RowsAffected)

		before := make([]int, 0, len(candidates))
		for _, c := range candidates {
			before = append(before, c.LinkId)
		}
		entry, err = writeAudit(t, models.AuditActionCollisionRepair, models.AuditEntityCardMask, in.Last4+"/"+in.Brand,
			map[string]interface{}{
				"last4":             in.Last4,
				"brand":             in.Brand,
				"target_profile_id": in.TargetProfileID,
			},
			map[string]interface{}{
				"before_link_ids":  before,
				"after_link_ids":   []int{*plan.keep},
				"deleted_link_ids": plan.toDelete,
			})
		return err
	})
	if stop, ok := asStop(err); ok {
		logStop(logger, "RepairCardCollision", stop.code, stop.message, stopFields)
		result.LinksToDeleteCount = 0
		result.LinksToDeleteIds = nil
		result.KeptLinkId = nil
		return StopWith(stop.code, stop.message, result)
	}
	if err != nil {
		config.LogError(logger, "cardCollisionRepair.go", "RepairCardCollision", "Executing repair", stopFields, err)
		return Fail[RepairResult](err)
	}

	fanOutAudit(ctx, logger, entry)
	logger.WithFields(logrus.Fields{
		"field":   "RepairCardCollision",
		"last4":   in.Last4,
		"brand":   in.Brand,
		"deleted": result.DeletedCount,
	}).Info("card collision repaired")
	return Ok(result)
}

func (r *RepairResult) applyPlan(plan repairPlan) {
	r.KeptLinkId = plan.keep
	r.LinksToDeleteCount = len(plan.toDelete)
	r.LinksToDeleteIds = plan.toDelete
}

func sameIds(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]int(nil), a...)
	y := append([]int(nil), b...)
	sort.Ints(x)
	sort.Ints(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
