package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
)

func main() {
	dryRun := flag.Bool("dry-run", true, "Preview only (no writes)")
	confirm := flag.String("confirm", "", "Type MATERIALIZE to proceed when dry-run=false")
	limit := flag.Int("limit", 0, "Queue items per page (0 = MATERIALIZE_DEFAULT_LIMIT)")
	fromDate := flag.String("from", "", "Optional: paid_at lower bound (YYYY-MM-DD or RFC3339)")
	toDate := flag.String("to", "", "Optional: paid_at upper bound; a bare date includes the whole day")
	onlyProfile := flag.Int("profile-id", 0, "Optional: only items matched to this profile")
	all := flag.Bool("all", false, "Follow next_cursor until the queue window is drained")
	actor := flag.String("actor", "", "Required when dry-run=false: operator email recorded in the audit log")
	flag.Parse()

	if !*dryRun {
		if strings.TrimSpace(*confirm) != "MATERIALIZE" {
			fmt.Fprintln(os.Stderr, "set --confirm=MATERIALIZE to proceed")
			os.Exit(1)
		}
		if strings.TrimSpace(*actor) == "" {
			fmt.Fprintln(os.Stderr, "--actor is required when --dry-run=false")
			os.Exit(1)
		}
	}

	in := workflow.MaterializeInput{Limit: *limit, DryRun: *dryRun}
	if *onlyProfile > 0 {
		in.OnlyProfileID = onlyProfile
	}
	if strings.TrimSpace(*fromDate) != "" {
		t, err := utils.ParseDateParam(*fromDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--from: %v\n", err)
			os.Exit(1)
		}
		in.FromDate = &t
	}
	if strings.TrimSpace(*toDate) != "" {
		t, err := utils.ParseDateParam(*toDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "--to: %v\n", err)
			os.Exit(1)
		}
		if _, bare := time.Parse("2006-01-02", strings.TrimSpace(*toDate)); bare == nil {
			t = utils.EndOfDayExclusive(t)
		}
		in.ToDate = &t
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

	run := func(in workflow.MaterializeInput) (workflow.MaterializeResult, error) {
		return workflow.Materialize(ctx, db, logger, in)
	}
	if err := drain(os.Stdout, run, in, *all); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type materializeFunc func(workflow.MaterializeInput) (workflow.MaterializeResult, error)

// drain prints each page as JSON and, with all set, follows the cursor until
// it runs out. A page that cannot be written stops the drain before the next
// page runs.
func drain(w io.Writer, run materializeFunc, in workflow.MaterializeInput, all bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for page := 1; ; page++ {
		res, err := run(in)
		if encErr := enc.Encode(res); encErr != nil {
			return fmt.Errorf("page %d: write result: %w", page, encErr)
		}
		if err != nil {
			return fmt.Errorf("page %d failed: %w", page, err)
		}
		if !all || res.NextCursor == nil {
			return nil
		}
		in.Cursor = res.NextCursor
	}
}
