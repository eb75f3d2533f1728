package reports

import (
	"fmt"
	"io"
	"time"

	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
	"github.com/xuri/excelize/v2"
)

const (
	SummarySheet       = "Summary"
	DiscrepanciesSheet = "Discrepancies"
	ErrorsSheet        = "Errors"

	XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var discrepancyHeadings = []interface{}{
	"PaymentId", "StableUid", "ProviderTransactionId", "OrderId", "ProfileId",
	"CustomerEmail", "CustomerName", "TransactionType", "ProviderType", "Currency",
	"LedgerAmount", "ProviderAmount", "Difference", "PaidAt", "Endpoint", "Fixed",
}

// WriteDiscrepancyWorkbook renders a reconcile run as an XLSX workbook with
// a summary sheet, one row per discrepancy and one row per failed lookup.
func WriteDiscrepancyWorkbook(w io.Writer, from, to time.Time, res workflow.ReconcileResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"From", from.UTC().Format(time.RFC3339)},
		{"To (exclusive)", to.UTC().Format(time.RFC3339)},
		{"DryRun", res.DryRun},
		{"Checked", res.Checked},
		{"DiscrepanciesFound", res.DiscrepanciesFound},
		{"Fixed", res.Fixed},
		{"Skipped", res.Skipped},
		{"Errors", res.Errors},
		{"DurationMs", res.DurationMs},
	}
	if err := writeRows(f, SummarySheet, summary); err != nil {
		return err
	}

	if _, err := f.NewSheet(DiscrepanciesSheet); err != nil {
		return err
	}
	rows := [][]interface{}{discrepancyHeadings}
	for _, d := range res.Discrepancies {
		rows = append(rows, []interface{}{
			d.PaymentId,
			d.StableUid,
			d.ProviderTransactionId,
			utils.DereferencePtr(d.OrderId),
			utils.DereferencePtr(d.ProfileId),
			d.CustomerEmail,
			d.CustomerName,
			d.TransactionType,
			d.ProviderType,
			d.Currency,
			d.LedgerAmount.InexactFloat64(),
			d.ProviderAmount.InexactFloat64(),
			d.Difference.InexactFloat64(),
			d.PaidAt.UTC().Format(time.RFC3339),
			d.Endpoint,
			d.Fixed,
		})
	}
	if err := writeRows(f, DiscrepanciesSheet, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(ErrorsSheet); err != nil {
		return err
	}
	errRows := [][]interface{}{{"PaymentId", "ProviderTransactionId", "Message"}}
	for _, e := range res.ErrorDetails {
		errRows = append(errRows, []interface{}{e.PaymentId, e.ProviderTransactionId, e.Message})
	}
	if err := writeRows(f, ErrorsSheet, errRows); err != nil {
		return err
	}

	return f.Write(w)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// ReportObjectName is the bucket path for a reconcile report.
func ReportObjectName(from, to time.Time, now time.Time) string {
	return fmt.Sprintf("reports/reconcile-amounts/%s_%s_%s.xlsx",
		from.UTC().Format("20060102"), to.UTC().Format("20060102"), now.UTC().Format("20060102T150405Z"))
}
