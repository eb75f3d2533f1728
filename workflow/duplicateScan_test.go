package workflow

import (
	"errors"
	"testing"

	"github.com/mmdatafocus/academy_backend/models"
)

func TestScanDuplicates_PhoneCaseCreatedOnceThenAppended(t *testing.T) {
	db := newTestDB(t)
	p1 := &models.Profile{UserId: intPtr(1), FullName: "Ivan Petrov", Phone: "+375 29 123-45-67"}
	p2 := &models.Profile{FullName: "I. Petrov", Phone: "80291234567"}
	mustCreate(t, db, p1)
	mustCreate(t, db, p2)
	ctx := opsContext()

	first, err := ScanDuplicates(ctx, db, testLogger(), ScanInput{Limit: 100})
	if err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if first.Results.CasesCreated != 1 || first.Results.DuplicateGroups != 1 {
		t.Fatalf("expected one new phone case, got %+v", first.Results)
	}
	if first.Groups[0].CaseType != models.DuplicateCaseTypePhone || first.Groups[0].IdentityKey != "291234567" {
		t.Fatalf("unexpected group: %+v", first.Groups[0])
	}

	second, err := ScanDuplicates(ctx, db, testLogger(), ScanInput{Limit: 100})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if second.Results.CasesCreated != 0 || second.Results.CasesSkipped != 1 || second.Groups[0].Action != groupActionUnchanged {
		t.Fatalf("rescan should leave the case unchanged, got %+v", second)
	}

	p3 := &models.Profile{FullName: "Ivan P", Phone: "375291234567"}
	mustCreate(t, db, p3)
	third, err := ScanDuplicates(ctx, db, testLogger(), ScanInput{Limit: 100})
	if err != nil {
		t.Fatalf("third scan: %v", err)
	}
	if third.Results.CasesCreated != 0 || third.Groups[0].Action != groupActionAppend {
		t.Fatalf("new profile should be appended, got %+v", third.Groups)
	}
	if len(third.Groups[0].NewMemberIds) != 1 || third.Groups[0].NewMemberIds[0] != p3.ID {
		t.Fatalf("new members = %v, want [%d]", third.Groups[0].NewMemberIds, p3.ID)
	}

	var cases []models.DuplicateCase
	db.Where("case_type = ?", models.DuplicateCaseTypePhone).Find(&cases)
	if len(cases) != 1 {
		t.Fatalf("expected a single phone case, got %d", len(cases))
	}
	if cases[0].ProfileCount != 3 {
		t.Fatalf("profile_count = %d, want 3", cases[0].ProfileCount)
	}
	if got := countRows(t, db, &models.DuplicateCaseMember{}); got != 3 {
		t.Fatalf("expected 3 members, got %d", got)
	}
	if got := countRows(t, db, &models.AuditLog{}); got != 2 {
		t.Fatalf("expected audit records for create and append only, got %d", got)
	}
}

func TestScanDuplicates_ResolvedCaseDoesNotAbsorb(t *testing.T) {
	db := newTestDB(t)
	mustCreate(t, db, &models.Profile{Email: "Same@Example.com"})
	mustCreate(t, db, &models.Profile{Email: "same@example.com"})
	mustCreate(t, db, &models.DuplicateCase{
		CaseType:    models.DuplicateCaseTypeEmail,
		IdentityKey: "same@example.com",
		Status:      models.DuplicateCaseStatusResolved,
	})

	res, err := ScanDuplicates(opsContext(), db, testLogger(), ScanInput{})
	if err != nil {
		t.Fatalf("ScanDuplicates: %v", err)
	}
	if res.Results.CasesCreated != 1 {
		t.Fatalf("resolved case must not be reused, got %+v", res.Results)
	}
	if got := countRows(t, db, &models.DuplicateCase{}); got != 2 {
		t.Fatalf("expected a second case, got %d", got)
	}
}

func TestScanDuplicates_GroupsCardsByFuzzyHolder(t *testing.T) {
	db := newTestDB(t)
	a := &models.Profile{UserId: intPtr(1), FullName: "Anna Ivanova"}
	b := &models.Profile{FullName: "Someone Else"}
	c := &models.Profile{FullName: "Oleg Sidorov"}
	mustCreate(t, db, a)
	mustCreate(t, db, b)
	mustCreate(t, db, c)
	mustCreate(t, db, &models.CardProfileLink{CardLast4: "4421", CardBrand: "visa", ProfileId: a.ID})
	mustCreate(t, db, &models.CardProfileLink{CardLast4: "4421", CardBrand: "visa", ProfileId: b.ID, CardHolder: "IVANOVA ANNA"})
	mustCreate(t, db, &models.CardProfileLink{CardLast4: "4421", CardBrand: "visa", ProfileId: c.ID})

	res, err := ScanDuplicates(opsContext(), db, testLogger(), ScanInput{DryRun: true})
	if err != nil {
		t.Fatalf("ScanDuplicates: %v", err)
	}
	if res.Results.DuplicateGroups != 1 {
		t.Fatalf("expected one card group, got %+v", res.Groups)
	}
	g := res.Groups[0]
	if g.CaseType != models.DuplicateCaseTypeCard || len(g.ProfileIds) != 2 {
		t.Fatalf("unexpected group: %+v", g)
	}
	if g.ProfileIds[0] != a.ID || g.ProfileIds[1] != b.ID {
		t.Fatalf("profile ids = %v", g.ProfileIds)
	}
	if g.IdentityKey != "4421|visa|ANNA IVANOVA" {
		t.Fatalf("identity key = %q", g.IdentityKey)
	}
}

func TestScanDuplicates_DryRunWritesNothing(t *testing.T) {
	db := newTestDB(t)
	mustCreate(t, db, &models.Profile{Email: "dup@example.com"})
	mustCreate(t, db, &models.Profile{Email: "DUP@example.com"})
	mustCreate(t, db, &models.Profile{Email: "dup@example.com", IsArchived: true})

	res, err := ScanDuplicates(opsContext(), db, testLogger(), ScanInput{DryRun: true})
	if err != nil {
		t.Fatalf("ScanDuplicates: %v", err)
	}
	if res.Results.Scanned != 2 {
		t.Fatalf("archived profiles must not be scanned, scanned=%d", res.Results.Scanned)
	}
	if res.Results.CasesCreated != 1 || res.Groups[0].Action != groupActionCreate {
		t.Fatalf("expected a planned create, got %+v", res)
	}
	if got := countRows(t, db, &models.DuplicateCase{}); got != 0 {
		t.Fatalf("dry run wrote %d cases", got)
	}
	if got := countRows(t, db, &models.AuditLog{}); got != 0 {
		t.Fatalf("dry run wrote audit records")
	}
}

func TestScanDuplicates_RejectsNegativeLimit(t *testing.T) {
	db := newTestDB(t)
	if _, err := ScanDuplicates(opsContext(), db, testLogger(), ScanInput{Limit: -5}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
