package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/gateway"
	"github.com/mmdatafocus/academy_backend/reports"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
)

func main() {
	fromDate := flag.String("from", "", "Required: first day (YYYY-MM-DD)")
	toDate := flag.String("to", "", "Required: last day, inclusive (YYYY-MM-DD)")
	dryRun := flag.Bool("dry-run", true, "Report discrepancies only (no writes)")
	confirm := flag.String("confirm", "", "Type RECONCILE to proceed when dry-run=false")
	batchSize := flag.Int("batch-size", 0, "Ledger rows read per page; the whole window is checked (0 = RECONCILE_DEFAULT_BATCH)")
	onlyAmount := flag.String("only-amount", "", "Optional: only ledger rows with exactly this amount, e.g. 1.00")
	reportFile := flag.String("report-file", "", "Optional: write the discrepancy workbook (.xlsx) to this path")
	upload := flag.Bool("upload", false, "Upload the discrepancy workbook to GCS_BUCKET")
	actor := flag.String("actor", "", "Required when dry-run=false: operator email recorded in the audit log")
	flag.Parse()

	if strings.TrimSpace(*fromDate) == "" || strings.TrimSpace(*toDate) == "" {
		fmt.Fprintln(os.Stderr, "--from and --to are required")
		os.Exit(1)
	}
	if !*dryRun {
		if strings.TrimSpace(*confirm) != "RECONCILE" {
			fmt.Fprintln(os.Stderr, "set --confirm=RECONCILE to proceed")
			os.Exit(1)
		}
		if strings.TrimSpace(*actor) == "" {
			fmt.Fprintln(os.Stderr, "--actor is required when --dry-run=false")
			os.Exit(1)
		}
	}

	from, err := utils.ParseDateParam(*fromDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--from: %v\n", err)
		os.Exit(1)
	}
	to, err := utils.ParseDateParam(*toDate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--to: %v\n", err)
		os.Exit(1)
	}
	in := workflow.ReconcileInput{
		FromDate:  from,
		ToDate:    utils.EndOfDayExclusive(to),
		DryRun:    *dryRun,
		BatchSize: *batchSize,
	}
	if strings.TrimSpace(*onlyAmount) != "" {
		amt, err := utils.ParseDecimal(*onlyAmount)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--only-amount: %v\n", err)
			os.Exit(1)
		}
		in.OnlyAmount = &amt
	}

	client, err := gateway.NewClientFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway client: %v\n", err)
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	ctx := context.Background()
	if *actor != "" {
		ctx = utils.SetUsernameInContext(ctx, strings.TrimSpace(*actor))
	}

	res, err := workflow.ReconcileAmounts(ctx, db, logger, client, in)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", encErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}

	if *reportFile != "" {
		if err := writeReportFile(*reportFile, in.FromDate, in.ToDate, res); err != nil {
			fmt.Fprintf(os.Stderr, "report file: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("report written to", *reportFile)
	}
	if *upload {
		uri, err := reports.UploadReconcileReport(ctx, in.FromDate, in.ToDate, res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "report upload: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("report uploaded to", uri)
	}
}

func writeReportFile(path string, from, to time.Time, res workflow.ReconcileResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := reports.WriteDiscrepancyWorkbook(f, from, to, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
