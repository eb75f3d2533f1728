package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/academy_backend/models"
	"gorm.io/gorm"
)

type materializeFixture struct {
	db    *gorm.DB
	items []*models.PaymentQueueItem
}

func seedThreeCompletedOneMaterialized(t *testing.T) *materializeFixture {
	t.Helper()
	db := newTestDB(t)
	items := []*models.PaymentQueueItem{
		queueItem("tx-1", "10.00", baseTime),
		queueItem("tx-2", "20.00", baseTime.Add(time.Minute)),
		queueItem("tx-3", "30.00", baseTime.Add(2*time.Minute)),
	}
	for _, it := range items {
		mustCreate(t, db, it)
	}
	pending := queueItem("tx-pending", "99.00", baseTime)
	pending.NormalizedStatus = models.NormalizedStatusPending
	mustCreate(t, db, pending)

	mustCreate(t, db, &models.Payment{
		Amount:          dec("10.00"),
		Currency:        "BYN",
		Status:          "completed",
		TransactionType: "payment",
		Provider:        models.PaymentProvider,
		StableUid:       "tx-1",
		PaidAt:          baseTime,
	})
	return &materializeFixture{db: db, items: items}
}

func TestMaterialize_DryRunSkipsAlreadyMaterialized(t *testing.T) {
	f := seedThreeCompletedOneMaterialized(t)

	res, err := Materialize(opsContext(), f.db, testLogger(), MaterializeInput{Limit: 10, DryRun: true})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !res.Success || !res.DryRun {
		t.Fatalf("expected successful dry run, got %+v", res)
	}
	if res.Stats.Scanned != 3 || res.Stats.Created != 2 || res.Stats.Skipped != 1 || res.Stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", res.Stats)
	}
	if res.Stats.ToCreate != 2 {
		t.Fatalf("expected to_create=2, got %d", res.Stats.ToCreate)
	}
	if got := countRows(t, f.db, &models.Payment{}); got != 1 {
		t.Fatalf("dry run must not write payments, have %d", got)
	}
	if got := countRows(t, f.db, &models.AuditLog{}); got != 0 {
		t.Fatalf("dry run must not write audit records, have %d", got)
	}
	if res.NextCursor != nil {
		t.Fatalf("partial page should not return a cursor")
	}
}

func TestMaterialize_ExecuteMatchesPreviewAndIsIdempotent(t *testing.T) {
	f := seedThreeCompletedOneMaterialized(t)
	ctx := opsContext()

	preview, err := Materialize(ctx, f.db, testLogger(), MaterializeInput{Limit: 10, DryRun: true})
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	exec, err := Materialize(ctx, f.db, testLogger(), MaterializeInput{Limit: 10})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if preview.Stats.Created+preview.Stats.Skipped+preview.Stats.Errors != exec.Stats.Created+exec.Stats.Skipped+exec.Stats.Errors {
		t.Fatalf("preview %+v and execute %+v disagree", preview.Stats, exec.Stats)
	}
	if exec.Stats.Created != 2 || exec.Stats.Skipped != 1 {
		t.Fatalf("unexpected execute stats: %+v", exec.Stats)
	}
	if exec.Stats.Updated != 3 {
		t.Fatalf("expected all three pending items advanced, got %d", exec.Stats.Updated)
	}

	again, err := Materialize(ctx, f.db, testLogger(), MaterializeInput{Limit: 10})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if again.Stats.Created != 0 || again.Stats.Skipped != 3 || again.Stats.Updated != 0 {
		t.Fatalf("second run should only skip, got %+v", again.Stats)
	}

	var dupes []struct {
		StableUid string
		N         int
	}
	if err := f.db.Table("payments").Select("stable_uid, COUNT(*) AS n").Group("stable_uid").Having("COUNT(*) > 1").Scan(&dupes).Error; err != nil {
		t.Fatalf("dupe query: %v", err)
	}
	if len(dupes) != 0 {
		t.Fatalf("stable uids duplicated: %+v", dupes)
	}
	if got := countRows(t, f.db, &models.Payment{}); got != 3 {
		t.Fatalf("expected 3 payments, got %d", got)
	}

	var audits []models.AuditLog
	if err := f.db.Where("action = ?", models.AuditActionMaterialize).Find(&audits).Error; err != nil {
		t.Fatalf("load audits: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("expected one audit record per execute call, got %d", len(audits))
	}
	if audits[0].Actor != "ops@academy.test" {
		t.Fatalf("audit actor = %q", audits[0].Actor)
	}

	var item models.PaymentQueueItem
	if err := f.db.First(&item, f.items[1].ID).Error; err != nil {
		t.Fatalf("load item: %v", err)
	}
	if item.ProcessingState != models.ProcessingStateCompleted {
		t.Fatalf("queue item state = %s", item.ProcessingState)
	}
}

func TestInsertLedgerEntryOnce_ReportsDuplicate(t *testing.T) {
	db := newTestDB(t)
	item := queueItem("tx-race", "15.00", baseTime)
	mustCreate(t, db, item)

	p := ledgerEntryFromQueueItem(*item, nil, nil)
	first, err := InsertLedgerEntryOnce(db, &p)
	if err != nil || first != InsertInserted {
		t.Fatalf("first insert: %v %v", first, err)
	}
	again := ledgerEntryFromQueueItem(*item, nil, nil)
	second, err := InsertLedgerEntryOnce(db, &again)
	if err != nil {
		t.Fatalf("duplicate insert returned error: %v", err)
	}
	if second != InsertDuplicate {
		t.Fatalf("expected duplicate, got %s", second)
	}
	if again.ID != 0 {
		t.Fatalf("duplicate insert must not report an id")
	}
	if got := countRows(t, db, &models.Payment{}); got != 1 {
		t.Fatalf("expected 1 payment, got %d", got)
	}
}

func TestInsertLedgerEntryOnce_RequiresStableUid(t *testing.T) {
	db := newTestDB(t)
	if _, err := InsertLedgerEntryOnce(db, &models.Payment{}); err == nil {
		t.Fatalf("expected error for missing stable uid")
	}
}

func TestMaterialize_RefundRecordedNegative(t *testing.T) {
	db := newTestDB(t)
	refund := queueItem("rf-1", "12.30", baseTime)
	refund.TransactionType = "refund"
	mustCreate(t, db, refund)

	if _, err := Materialize(opsContext(), db, testLogger(), MaterializeInput{Limit: 10}); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	var p models.Payment
	if err := db.Where("stable_uid = ?", "rf-1").First(&p).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	if !p.Amount.Equal(dec("-12.30")) {
		t.Fatalf("refund amount = %s, want -12.30", p.Amount)
	}
	if p.Meta[models.MetaSource] != models.PaymentSourceMaterialize {
		t.Fatalf("meta source = %v", p.Meta[models.MetaSource])
	}
}

func TestMaterialize_AutoLinksSingleCardLinkAndWarnsOnCollision(t *testing.T) {
	db := newTestDB(t)
	owner := &models.Profile{UserId: intPtr(501), FullName: "Anna Owner"}
	other := &models.Profile{UserId: intPtr(502), FullName: "Boris Other"}
	third := &models.Profile{FullName: "Ghost Import"}
	mustCreate(t, db, owner)
	mustCreate(t, db, other)
	mustCreate(t, db, third)

	mustCreate(t, db, &models.CardProfileLink{CardLast4: "4421", CardBrand: "visa", ProfileId: owner.ID})
	mustCreate(t, db, &models.CardProfileLink{CardLast4: "7777", CardBrand: "mastercard", ProfileId: other.ID})
	mustCreate(t, db, &models.CardProfileLink{CardLast4: "7777", CardBrand: "mastercard", ProfileId: third.ID})

	linked := queueItem("card-1", "5.00", baseTime)
	linked.CardLast4, linked.CardBrand = "4421", "VISA"
	collided := queueItem("card-2", "6.00", baseTime.Add(time.Second))
	collided.CardLast4, collided.CardBrand = "**** 7777", "Mastercard"
	mustCreate(t, db, linked)
	mustCreate(t, db, collided)

	res, err := Materialize(opsContext(), db, testLogger(), MaterializeInput{Limit: 10})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if res.Stats.Created != 2 {
		t.Fatalf("expected both entries created, got %+v", res.Stats)
	}

	var p1, p2 models.Payment
	db.Where("stable_uid = ?", "card-1").First(&p1)
	db.Where("stable_uid = ?", "card-2").First(&p2)
	if p1.ProfileId == nil || *p1.ProfileId != owner.ID {
		t.Fatalf("card-1 should auto-link to profile %d, got %v", owner.ID, p1.ProfileId)
	}
	if p1.UserId == nil || *p1.UserId != 501 {
		t.Fatalf("card-1 user id = %v", p1.UserId)
	}
	if p2.ProfileId != nil {
		t.Fatalf("collided card must stay unlinked, got profile %d", *p2.ProfileId)
	}

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "card collision") && strings.Contains(w, "7777") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a card collision warning, got %v", res.Warnings)
	}

	var item models.PaymentQueueItem
	db.First(&item, linked.ID)
	if item.MatchedProfileId == nil || *item.MatchedProfileId != owner.ID {
		t.Fatalf("auto-linked queue item should record matched profile")
	}
}

func TestMaterialize_CursorPagesInOrder(t *testing.T) {
	db := newTestDB(t)
	for i, uid := range []string{"c-1", "c-2", "c-3"} {
		mustCreate(t, db, queueItem(uid, "1.00", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	ctx := opsContext()

	page1, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, DryRun: true})
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if page1.Stats.Scanned != 2 || page1.NextCursor == nil {
		t.Fatalf("expected full page with cursor, got %+v", page1)
	}
	if !page1.NextCursor.PaidAt.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("cursor paid_at = %s", page1.NextCursor.PaidAt)
	}

	page2, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, DryRun: true, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if page2.Stats.Scanned != 1 || page2.NextCursor != nil {
		t.Fatalf("expected last partial page, got %+v", page2)
	}
	if len(page2.Samples) != 1 || page2.Samples[0].StableUid != "c-3" {
		t.Fatalf("expected c-3 on page 2, got %+v", page2.Samples)
	}
}

func TestMaterialize_DryRunPagingHasNoLateArrivals(t *testing.T) {
	db := newTestDB(t)
	for i, uid := range []string{"d-1", "d-2", "d-3", "d-4"} {
		mustCreate(t, db, queueItem(uid, "1.00", baseTime.Add(time.Duration(i)*time.Minute)))
	}
	ctx := opsContext()

	page1, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, DryRun: true})
	if err != nil || page1.NextCursor == nil {
		t.Fatalf("page1: %v %+v", err, page1)
	}
	if page1.NextCursor.HighWaterID == 0 {
		t.Fatalf("first page should record the ingestion high-water id")
	}

	page2, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, DryRun: true, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2.Warnings) != 0 {
		t.Fatalf("previewed items on page 1 are not late arrivals, got %v", page2.Warnings)
	}
	if page2.Stats.Created != 2 {
		t.Fatalf("page2 should preview d-3 and d-4, got %+v", page2.Stats)
	}
	if page2.NextCursor == nil || page2.NextCursor.HighWaterID != page1.NextCursor.HighWaterID {
		t.Fatalf("high-water id must carry across pages, got %+v", page2.NextCursor)
	}

	// A hand-built cursor without a high-water id still ignores items that
	// existed before the cursor item.
	manual := &MaterializeCursor{PaidAt: page1.NextCursor.PaidAt, ID: page1.NextCursor.ID}
	resumed, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, DryRun: true, Cursor: manual})
	if err != nil {
		t.Fatalf("manual cursor: %v", err)
	}
	if len(resumed.Warnings) != 0 {
		t.Fatalf("expected no warning for a manual cursor, got %v", resumed.Warnings)
	}
}

func TestMaterialize_WarnsAboutLateArrivalsBehindCursor(t *testing.T) {
	db := newTestDB(t)
	mustCreate(t, db, queueItem("l-1", "1.00", baseTime))
	mustCreate(t, db, queueItem("l-2", "1.00", baseTime.Add(time.Minute)))
	mustCreate(t, db, queueItem("l-3", "1.00", baseTime.Add(2*time.Minute)))
	ctx := opsContext()

	first, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2})
	if err != nil || first.NextCursor == nil {
		t.Fatalf("first page: %v %+v", err, first)
	}

	// Ingested after the first page but paid before the cursor.
	mustCreate(t, db, queueItem("l-late", "1.00", baseTime.Add(-time.Hour)))

	resumed, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("resumed: %v", err)
	}
	if resumed.Stats.Created != 1 {
		t.Fatalf("resumed run should create l-3 only, got %+v", resumed.Stats)
	}
	if len(resumed.Warnings) == 0 || !strings.Contains(resumed.Warnings[0], "1 completed queue items") {
		t.Fatalf("expected late arrival warning, got %v", resumed.Warnings)
	}

	full, err := Materialize(ctx, db, testLogger(), MaterializeInput{Limit: 10})
	if err != nil {
		t.Fatalf("full rescan: %v", err)
	}
	if full.Stats.Created != 1 || full.Stats.Skipped != 3 {
		t.Fatalf("full rescan should pick up the late item, got %+v", full.Stats)
	}
}

func TestMaterialize_ClampsLimit(t *testing.T) {
	db := newTestDB(t)
	t.Setenv("MATERIALIZE_MAX_LIMIT", "5")

	res, err := Materialize(context.Background(), db, testLogger(), MaterializeInput{Limit: 50, DryRun: true})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "clamped to 5") {
		t.Fatalf("expected clamp warning, got %v", res.Warnings)
	}
}

func TestMaterialize_RejectsInvalidInput(t *testing.T) {
	db := newTestDB(t)
	from := baseTime
	to := baseTime.Add(-time.Hour)
	cases := []MaterializeInput{
		{Limit: -1},
		{FromDate: &from, ToDate: &to},
		{OnlyProfileID: intPtr(0)},
		{Cursor: &MaterializeCursor{ID: 3}},
	}
	for i, in := range cases {
		_, err := Materialize(context.Background(), db, testLogger(), in)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestMaterialize_BatchReadFailureReportsUnsuccessful(t *testing.T) {
	db := newTestDB(t)
	if err := db.Migrator().DropTable(&models.PaymentQueueItem{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	res, err := Materialize(context.Background(), db, testLogger(), MaterializeInput{Limit: 10, DryRun: true})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Success || res.Error == "" {
		t.Fatalf("expected success=false with message, got %+v", res)
	}
}

func TestMaterialize_OnlyProfileFilter(t *testing.T) {
	db := newTestDB(t)
	a := queueItem("p-a", "1.00", baseTime)
	a.MatchedProfileId = intPtr(10)
	b := queueItem("p-b", "1.00", baseTime)
	b.MatchedProfileId = intPtr(11)
	mustCreate(t, db, a)
	mustCreate(t, db, b)

	res, err := Materialize(opsContext(), db, testLogger(), MaterializeInput{Limit: 10, DryRun: true, OnlyProfileID: intPtr(11)})
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if res.Stats.Scanned != 1 || res.Samples[0].StableUid != "p-b" {
		t.Fatalf("expected only p-b, got %+v", res.Samples)
	}
}
