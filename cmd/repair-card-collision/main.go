package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mmdatafocus/academy_backend/config"
	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/mmdatafocus/academy_backend/workflow"
)

func main() {
	last4 := flag.String("last4", "", "Required: card last four digits")
	brand := flag.String("brand", "", "Required: card brand (visa, mastercard, ...)")
	targetProfileID := flag.Int("target-profile-id", 0, "Required: profile that keeps the card link")
	expected := flag.String("expected-link-ids", "", "Comma-separated link ids from the preview; execute stops if the set changed")
	dryRun := flag.Bool("dry-run", true, "Show collision candidates only (no writes)")
	confirm := flag.String("confirm", "", "Type REPAIR to proceed when dry-run=false")
	actor := flag.String("actor", "", "Required when dry-run=false: operator email recorded in the audit log")
	flag.Parse()

	if strings.TrimSpace(*last4) == "" || strings.TrimSpace(*brand) == "" || *targetProfileID <= 0 {
		fmt.Fprintln(os.Stderr, "--last4, --brand and --target-profile-id are required")
		os.Exit(1)
	}
	if !*dryRun {
		if strings.TrimSpace(*confirm) != "REPAIR" {
			fmt.Fprintln(os.Stderr, "set --confirm=REPAIR to proceed")
			os.Exit(1)
		}
		if strings.TrimSpace(*actor) == "" {
			fmt.Fprintln(os.Stderr, "--actor is required when --dry-run=false")
			os.Exit(1)
		}
	}
	expectedIDs, err := parseIDs(*expected)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--expected-link-ids: %v\n", err)
		os.Exit(1)
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
	out := workflow.RepairCardCollision(ctx, db, config.GetLogger(), workflow.RepairInput{
		Last4:           *last4,
		Brand:           *brand,
		TargetProfileID: *targetProfileID,
		DryRun:          *dryRun,
		ExpectedLinkIDs: expectedIDs,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out.Value); err != nil {
		fmt.Fprintf(os.Stderr, "write result: %v\n", err)
	}
	switch out.Kind {
	case workflow.OutcomeStop:
		fmt.Fprintf(os.Stderr, "STOP %s: %s\n", out.Stop, out.Message)
		os.Exit(2)
	case workflow.OutcomeError:
		fmt.Fprintf(os.Stderr, "repair failed: %s\n", out.Message)
		os.Exit(1)
	}
}

func parseIDs(csv string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
