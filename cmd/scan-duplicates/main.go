package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
)

func main() {
	limit := flag.Int("limit", 0, "Profiles to scan (0 = DUPLICATE_SCAN_DEFAULT_LIMIT)")
	dryRun := flag.Bool("dry-run", true, "Report groups only (no writes)")
	confirm := flag.String("confirm", "", "Type SCAN to proceed when dry-run=false")
	actor := flag.String("actor", "", "Required when dry-run=false: operator email recorded in the audit log")
	flag.Parse()

	if !*dryRun {
		if strings.TrimSpace(*confirm) != "SCAN" {
			fmt.Fprintln(os.Stderr, "set --confirm=SCAN to proceed")
			os.Exit(1)
		}
		if strings.TrimSpace(*actor) == "" {
			fmt.Fprintln(os.Stderr, "--actor is required when --dry-run=false")
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	if *actor != "" {
		ctx = utils.SetUsernameInContext(ctx, strings.TrimSpace(*actor))
	}
	res, err := workflow.ScanDuplicates(ctx, db, config.GetLogger(), workflow.ScanInput{Limit: *limit, DryRun: *dryRun})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", encErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan failed: %v\n", err)
		os.Exit(1)
	}
}
