package reports

import (
	"bytes"
	"testing"
	"time"

	"github.com/mmdatafocus/academy_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func TestWriteDiscrepancyWorkbook(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	orderId := 12
	res := workflow.ReconcileResult{
		Success:            true,
		Checked:            3,
		DiscrepanciesFound: 1,
		Fixed:              1,
		Errors:             1,
		Discrepancies: []workflow.Discrepancy{{
			PaymentId:             5,
			StableUid:             "rf-42",
			ProviderTransactionId: "rf-42",
			OrderId:               &orderId,
			CustomerEmail:         "anna@example.com",
			TransactionType:       "refund",
			Currency:              "BYN",
			LedgerAmount:          decimal.RequireFromString("-10.00"),
			ProviderAmount:        decimal.RequireFromString("-10.50"),
			Difference:            decimal.RequireFromString("0.50"),
			PaidAt:                from.Add(10 * time.Hour),
			Endpoint:              "transactions",
			Fixed:                 true,
		}},
		ErrorDetails: []workflow.ReconcileErrorDetail{{PaymentId: 6, ProviderTransactionId: "boom", Message: "gateway 502"}},
	}

	var buf bytes.Buffer
	if err := WriteDiscrepancyWorkbook(&buf, from, to, res); err != nil {
		t.Fatalf("WriteDiscrepancyWorkbook: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 3 || sheets[0] != SummarySheet {
		t.Fatalf("sheets = %v", sheets)
	}

	rows, err := f.GetRows(DiscrepanciesSheet)
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(rows))
	}
	if rows[0][0] != "PaymentId" || rows[1][1] != "rf-42" || rows[1][3] != "12" {
		t.Fatalf("unexpected discrepancy row: %v", rows[1])
	}
	if rows[1][12] != "0.5" {
		t.Fatalf("difference cell = %q", rows[1][12])
	}

	errRows, _ := f.GetRows(ErrorsSheet)
	if len(errRows) != 2 || errRows[1][2] != "gateway 502" {
		t.Fatalf("unexpected error rows: %v", errRows)
	}

	checked, _ := f.GetCellValue(SummarySheet, "B4")
	if checked != "3" {
		t.Fatalf("summary checked = %q", checked)
	}
}

func TestReportObjectName(t *testing.T) {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
	got := ReportObjectName(from, from.AddDate(0, 0, 7), now)
	want := "reports/reconcile-amounts/20240301_20240308_20240302T083000Z.xlsx"
	if got != want {
		t.Fatalf("ReportObjectName = %q, want %q", got, want)
	}
}
