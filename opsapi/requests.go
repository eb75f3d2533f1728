package opsapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
	"github.com/shopspring/decimal"
)

// Every mutating request defaults to a dry run: executing requires an
// explicit "dry_run": false.

type MaterializeRequest struct {
	DryRun        *bool  `json:"dry_run"`
	Limit         int    `json:"limit" binding:"omitempty,min=1"`
	FromDate      string `json:"from_date"`
	ToDate        string `json:"to_date"`
	OnlyProfileId *int   `json:"only_profile_id" binding:"omitempty,min=1"`
	CursorPaidAt  string `json:"cursor_paid_at"`
	CursorId      *int   `json:"cursor_id" binding:"omitempty,min=1"`

	// CursorHighWaterId is next_cursor.high_water_id from the previous page.
	CursorHighWaterId int `json:"cursor_high_water_id" binding:"omitempty,min=1"`
}

type ReconcileRequest struct {
	FromDate          string `json:"from_date" binding:"required"`
	ToDate            string `json:"to_date" binding:"required"`
	DryRun            *bool  `json:"dry_run"`
	BatchSize         int    `json:"batch_size" binding:"omitempty,min=1"`
	FilterOnlyAmount1 bool   `json:"filter_only_amount_1"`
	OnlyAmount        string `json:"only_amount"`
	Report            bool   `json:"report"`
}

type RepairCollisionRequest struct {
	Last4           string `json:"last4" binding:"required"`
	Brand           string `json:"brand" binding:"required"`
	TargetProfileId int    `json:"target_profile_id" binding:"required,min=1"`
	DryRun          *bool  `json:"dry_run"`
	ExpectedLinkIds []int  `json:"expected_link_ids"`
}

type ScanDuplicatesRequest struct {
	Limit  int   `json:"limit" binding:"omitempty,min=1"`
	DryRun *bool `json:"dry_run"`
}

type LinkQueueItemRequest struct {
	QueueItemId int   `json:"queue_item_id" binding:"required,min=1"`
	OrderId     int   `json:"order_id" binding:"required,min=1"`
	ProfileId   int   `json:"profile_id" binding:"required,min=1"`
	DryRun      *bool `json:"dry_run"`
}

func dryRunOrDefault(v *bool) bool {
	return v == nil || *v
}

// parseRangeStart/parseRangeEnd accept YYYY-MM-DD or RFC3339. A bare end
// date is inclusive: the whole day is covered.
func parseRangeStart(field, v string) (*time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	t, err := utils.ParseDateParam(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &t, nil
}

func parseRangeEnd(field, v string) (*time.Time, error) {
	t, err := parseRangeStart(field, v)
	if err != nil || t == nil {
		return t, err
	}
	if isBareDate(v) {
		end := utils.EndOfDayExclusive(*t)
		return &end, nil
	}
	return t, nil
}

func isBareDate(v string) bool {
	_, err := time.Parse("2006-01-02", strings.TrimSpace(v))
	return err == nil
}

func (r MaterializeRequest) toInput() (workflow.MaterializeInput, error) {
	in := workflow.MaterializeInput{
		Limit:         r.Limit,
		DryRun:        dryRunOrDefault(r.DryRun),
		OnlyProfileID: r.OnlyProfileId,
	}
	var err error
	if in.FromDate, err = parseRangeStart("from_date", r.FromDate); err != nil {
		return in, err
	}
	if in.ToDate, err = parseRangeEnd("to_date", r.ToDate); err != nil {
		return in, err
	}
	hasPaidAt := strings.TrimSpace(r.CursorPaidAt) != ""
	if hasPaidAt != (r.CursorId != nil) {
		return in, fmt.Errorf("cursor_paid_at and cursor_id must be given together")
	}
	if hasPaidAt {
		paidAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r.CursorPaidAt))
		if err != nil {
			return in, fmt.Errorf("cursor_paid_at: %w", err)
		}
		in.Cursor = &workflow.MaterializeCursor{PaidAt: paidAt.UTC(), ID: *r.CursorId, HighWaterID: r.CursorHighWaterId}
	}
	return in, nil
}

// onlyAmountSentinel is the amount the legacy filter_only_amount_1 flag
// selects: test charges of 1.00 that the provider later settled for more.
var onlyAmountSentinel = decimal.NewFromInt(1)

func (r ReconcileRequest) toInput() (workflow.ReconcileInput, error) {
	in := workflow.ReconcileInput{
		DryRun:    dryRunOrDefault(r.DryRun),
		BatchSize: r.BatchSize,
	}
	from, err := parseRangeStart("from_date", r.FromDate)
	if err != nil {
		return in, err
	}
	to, err := parseRangeEnd("to_date", r.ToDate)
	if err != nil {
		return in, err
	}
	if from == nil || to == nil {
		return in, fmt.Errorf("from_date and to_date are required")
	}
	in.FromDate, in.ToDate = *from, *to

	switch {
	case r.FilterOnlyAmount1 && r.OnlyAmount != "":
		return in, fmt.Errorf("filter_only_amount_1 and only_amount are mutually exclusive")
	case r.FilterOnlyAmount1:
		amt := onlyAmountSentinel
		in.OnlyAmount = &amt
	case r.OnlyAmount != "":
		amt, err := utils.ParseDecimal(r.OnlyAmount)
		if err != nil {
			return in, fmt.Errorf("only_amount: %w", err)
		}
		in.OnlyAmount = &amt
	}
	return in, nil
}
