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
	queueItemID := flag.Int("queue-item-id", 0, "Required: payment_queue_items.id")
	orderID := flag.Int("order-id", 0, "Required: order the payment belongs to")
	profileID := flag.Int("profile-id", 0, "Required: profile that owns the order")
	dryRun := flag.Bool("dry-run", true, "Show the planned link only (no writes)")
	confirm := flag.String("confirm", "", "Type LINK to proceed when dry-run=false")
	actor := flag.String("actor", "", "Required when dry-run=false: operator email recorded in the audit log")
	flag.Parse()

	if *queueItemID <= 0 || *orderID <= 0 || *profileID <= 0 {
		fmt.Fprintln(os.Stderr, "--queue-item-id, --order-id and --profile-id are required")
		os.Exit(1)
	}
	if !*dryRun {
		if strings.TrimSpace(*confirm) != "LINK" {
			fmt.Fprintln(os.Stderr, "set --confirm=LINK to proceed")
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
	out := workflow.LinkQueueItem(ctx, db, config.GetLogger(), workflow.LinkInput{
		QueueItemID: *queueItemID,
		OrderID:     *orderID,
		ProfileID:   *profileID,
		DryRun:      *dryRun,
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
		fmt.Fprintf(os.Stderr, "link failed: %s\n", out.Message)
		os.Exit(1)
	}
}
