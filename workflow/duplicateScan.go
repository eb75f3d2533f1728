package workflow

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/models"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ScanInput struct {
	Limit  int
	DryRun bool
}

const (
	groupActionCreate    = "create"
	groupActionAppend    = "append"
	groupActionUnchanged = "unchanged"
)

type DuplicateGroup struct {
	CaseType       models.DuplicateCaseType `json:"caseType"`
	IdentityKey    string                   `json:"identityKey"`
	ProfileIds     []int                    `json:"profileIds"`
	ExistingCaseId *int                     `json:"existingCaseId,omitempty"`
	NewMemberIds   []int                    `json:"newMemberIds,omitempty"`
	Action         string                   `json:"action"`
}

type ScanResults struct {
	Scanned         int      `json:"scanned"`
	DuplicateGroups int      `json:"duplicateGroups"`
	CasesCreated    int      `json:"casesCreated"`
	CasesSkipped    int      `json:"casesSkipped"`
	Errors          []string `json:"errors"`
}

type ScanResult struct {
	Success    bool             `json:"success"`
	DryRun     bool             `json:"dry_run"`
	Results    ScanResults      `json:"results"`
	Groups     []DuplicateGroup `json:"groups"`
	Warnings   []string         `json:"warnings,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Error      string           `json:"error,omitempty"`
}

// profileLinkChunk keeps IN lists well under driver placeholder limits.
const profileLinkChunk = 500

// ScanDuplicates groups live profiles sharing an email, a phone suffix or a
// card with a similar holder name, and files each group as a review case.
// An open case for the same identity absorbs new members instead of a
// second case being opened.
func ScanDuplicates(ctx context.Context, db *gorm.DB, logger *logrus.Logger, in ScanInput) (ScanResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "workflow.ScanDuplicates")
	defer span.End()

	result := ScanResult{
		DryRun:  in.DryRun,
		Results: ScanResults{Errors: []string{}},
		Groups:  []DuplicateGroup{},
	}
	defer func() {
		result.DurationMs = time.Since(started).Milliseconds()
	}()

	if in.Limit < 0 {
		return result, validationError("limit must be positive")
	}
	if in.Limit == 0 {
		in.Limit = config.DuplicateScanDefaultLimit()
	}
	if maxLimit := config.DuplicateScanMaxLimit(); in.Limit > maxLimit {
		result.Warnings = append(result.Warnings, fmt.Sprintf("limit %d clamped to %d", in.Limit, maxLimit))
		in.Limit = maxLimit
	}
	span.SetAttributes(attribute.Bool("dry_run", in.DryRun), attribute.Int("limit", in.Limit))

	tx := db.WithContext(ctx)
	profiles, links, err := loadScanPopulation(tx, in.Limit)
	if err != nil {
		config.LogError(logger, "duplicateScan.go", "ScanDuplicates", "Loading profiles", in, err)
		result.Error = err.Error()
		return result, fmt.Errorf("load profiles: %w", err)
	}
	result.Results.Scanned = len(profiles)

	groups := buildIdentityGroups(profiles, links)
	result.Results.DuplicateGroups = len(groups)

	for _, g := range groups {
		group, err := planDuplicateGroup(tx, g)
		if err != nil {
			result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("%s %s: %v", g.caseType, g.key, err))
			config.LogError(logger, "duplicateScan.go", "ScanDuplicates", "Looking up open case", g.key, err)
			continue
		}

		if !in.DryRun && group.Action != groupActionUnchanged {
			entry, err := applyDuplicateGroup(tx, &group)
			if err != nil {
				result.Results.Errors = append(result.Results.Errors, fmt.Sprintf("%s %s: %v", g.caseType, g.key, err))
				config.LogError(logger, "duplicateScan.go", "ScanDuplicates", "Writing case", group, err)
				continue
			}
			fanOutAudit(ctx, logger, entry)
		}

		if group.Action == groupActionCreate {
			result.Results.CasesCreated++
		} else {
			result.Results.CasesSkipped++
		}
		result.Groups = append(result.Groups, group)
	}

	result.Success = true
	logger.WithFields(logrus.Fields{
		"field":         "ScanDuplicates",
		"dry_run":       in.DryRun,
		"scanned":       result.Results.Scanned,
		"groups":        result.Results.DuplicateGroups,
		"cases_created": result.Results.CasesCreated,
		"cases_skipped": result.Results.CasesSkipped,
		"errors":        len(result.Results.Errors),
	}).Info("duplicate scan finished")
	return result, nil
}

func loadScanPopulation(tx *gorm.DB, limit int) ([]models.Profile, []models.CardProfileLink, error) {
	var profiles []models.Profile
	if err := tx.Where("is_archived = ?", false).Order("id ASC").Limit(limit).Find(&profiles).Error; err != nil {
		return nil, nil, err
	}
	ids := make([]int, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.ID)
	}

	var links []models.CardProfileLink
	for start := 0; start < len(ids); start += profileLinkChunk {
		end := start + profileLinkChunk
		if end > len(ids) {
			end = len(ids)
		}
		var chunk []models.CardProfileLink
		if err := tx.Where("profile_id IN ?", ids[start:end]).Order("id ASC").Find(&chunk).Error; err != nil {
			return nil, nil, err
		}
		links = append(links, chunk...)
	}
	return profiles, links, nil
}

type identityGroup struct {
	caseType models.DuplicateCaseType
	key      string
	// cardMask and names are set for card groups only.
	cardMask   string
	names      []string
	profileIds []int
	seen       map[int]bool
}

func (g *identityGroup) add(profileId int) {
	if g.seen == nil {
		g.seen = map[int]bool{}
	}
	if g.seen[profileId] {
		return
	}
	g.seen[profileId] = true
	g.profileIds = append(g.profileIds, profileId)
}

// buildIdentityGroups returns only groups with more than one distinct
// profile, in a deterministic order (email, phone, card; then by key).
func buildIdentityGroups(profiles []models.Profile, links []models.CardProfileLink) []*identityGroup {
	byEmail := map[string]*identityGroup{}
	byPhone := map[string]*identityGroup{}
	names := map[int]string{}

	for _, p := range profiles {
		names[p.ID] = p.FullName
		if key := utils.NormalizeEmail(p.Email); key != "" {
			g, ok := byEmail[key]
			if !ok {
				g = &identityGroup{caseType: models.DuplicateCaseTypeEmail, key: key}
				byEmail[key] = g
			}
			g.add(p.ID)
		}
		if key := utils.NormalizePhoneSuffix(p.Phone); key != "" {
			g, ok := byPhone[key]
			if !ok {
				g = &identityGroup{caseType: models.DuplicateCaseTypePhone, key: key}
				byPhone[key] = g
			}
			g.add(p.ID)
		}
	}

	// Fuzzy names have no hash key: compare against formed groups linearly.
	var cardGroups []*identityGroup
	for _, l := range links {
		holder := l.CardHolder
		if NormalizeHolderName(holder) == "" {
			holder = names[l.ProfileId]
		}
		holder = NormalizeHolderName(holder)
		if holder == "" || l.CardLast4 == "" {
			continue
		}
		mask := l.CardLast4 + "|" + l.CardBrand

		var match *identityGroup
		for _, g := range cardGroups {
			if g.cardMask != mask {
				continue
			}
			for _, n := range g.names {
				if NamesSimilar(n, holder) {
					match = g
					break
				}
			}
			if match != nil {
				break
			}
		}
		if match == nil {
			match = &identityGroup{caseType: models.DuplicateCaseTypeCard, key: mask + "|" + holder, cardMask: mask}
			cardGroups = append(cardGroups, match)
		}
		match.names = append(match.names, holder)
		match.add(l.ProfileId)
	}

	var out []*identityGroup
	for _, set := range []map[string]*identityGroup{byEmail, byPhone} {
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(set[k].profileIds) > 1 {
				out = append(out, set[k])
			}
		}
	}
	for _, g := range cardGroups {
		if len(g.profileIds) > 1 {
			out = append(out, g)
		}
	}
	return out
}

// planDuplicateGroup decides create/append/unchanged against open cases.
// It only reads, so dry run and execute report the same plan.
func planDuplicateGroup(tx *gorm.DB, g *identityGroup) (DuplicateGroup, error) {
	ids := append([]int(nil), g.profileIds...)
	sort.Ints(ids)
	group := DuplicateGroup{CaseType: g.caseType, IdentityKey: g.key, ProfileIds: ids}

	existing, err := findOpenCase(tx, g)
	if err != nil {
		return group, err
	}
	if existing == nil {
		group.Action = groupActionCreate
		group.NewMemberIds = ids
		return group, nil
	}

	caseId := existing.ID
	group.ExistingCaseId = &caseId
	group.IdentityKey = existing.IdentityKey

	var memberIds []int
	if err := tx.Model(&models.DuplicateCaseMember{}).Where("case_id = ?", existing.ID).Pluck("profile_id", &memberIds).Error; err != nil {
		return group, err
	}
	members := make(map[int]bool, len(memberIds))
	for _, id := range memberIds {
		members[id] = true
	}
	for _, id := range ids {
		if !members[id] {
			group.NewMemberIds = append(group.NewMemberIds, id)
		}
	}
	if len(group.NewMemberIds) == 0 {
		group.Action = groupActionUnchanged
	} else {
		group.Action = groupActionAppend
	}
	return group, nil
}

func findOpenCase(tx *gorm.DB, g *identityGroup) (*models.DuplicateCase, error) {
	var cases []models.DuplicateCase
	q := tx.Where("case_type = ? AND status IN ?", g.caseType, models.OpenDuplicateCaseStatuses)
	if g.caseType == models.DuplicateCaseTypeCard {
		q = q.Where("identity_key LIKE ?", g.cardMask+"|%")
	} else {
		q = q.Where("identity_key = ?", g.key)
	}
	if err := q.Order("id ASC").Find(&cases).Error; err != nil {
		return nil, err
	}
	for i := range cases {
		if g.caseType != models.DuplicateCaseTypeCard {
			return &cases[i], nil
		}
		caseName := strings.TrimPrefix(cases[i].IdentityKey, g.cardMask+"|")
		for _, n := range g.names {
			if NamesSimilar(caseName, n) {
				return &cases[i], nil
			}
		}
	}
	return nil, nil
}

func applyDuplicateGroup(tx *gorm.DB, group *DuplicateGroup) (*models.AuditLog, error) {
	var entry *models.AuditLog
	err := tx.Transaction(func(t *gorm.DB) error {
		caseId := 0
		if group.ExistingCaseId != nil {
			caseId = *group.ExistingCaseId
		} else {
			c := models.DuplicateCase{
				CaseType:     group.CaseType,
				IdentityKey:  group.IdentityKey,
				Status:       models.DuplicateCaseStatusNew,
				ProfileCount: len(group.NewMemberIds),
			}
			if err := t.Create(&c).Error; err != nil {
				return err
			}
			caseId = c.ID
			group.ExistingCaseId = &caseId
		}

		members := make([]models.DuplicateCaseMember, 0, len(group.NewMemberIds))
		for _, id := range group.NewMemberIds {
			members = append(members, models.DuplicateCaseMember{CaseId: caseId, ProfileId: id})
		}
		if err := t.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error; err != nil {
			return err
		}

		var count int64
		if err := t.Model(&models.DuplicateCaseMember{}).Where("case_id = ?", caseId).Count(&count).Error; err != nil {
			return err
		}
		if err := t.Model(&models.DuplicateCase{}).Where("id = ?", caseId).Update("profile_count", count).Error; err != nil {
			return err
		}

		var err error
		entry, err = writeAudit(t, models.AuditActionDuplicateCase, models.AuditEntityDuplicateCase, strconv.Itoa(caseId),
			map[string]interface{}{
				"case_type":    group.CaseType,
				"identity_key": group.IdentityKey,
				"profile_ids":  group.ProfileIds,
			},
			map[string]interface{}{
				"action":        group.Action,
				"added_members": group.NewMemberIds,
				"profile_count": count,
			})
		return err
	})
	return entry, err
}
