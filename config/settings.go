package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Batch bounds. Every operation clamps its caller-supplied size to the max.
// Materialize backlogs are drained by repeated calls with the cursor; the
// reconciler pages through its whole window in batch-sized reads.
//
// Set via env:
// - MATERIALIZE_DEFAULT_LIMIT (200), MATERIALIZE_MAX_LIMIT (2000)
// - RECONCILE_DEFAULT_BATCH (50), RECONCILE_MAX_BATCH (500)
// - DUPLICATE_SCAN_DEFAULT_LIMIT (1000), DUPLICATE_SCAN_MAX_LIMIT (10000)
func MaterializeDefaultLimit() int { return positiveIntFromEnv("MATERIALIZE_DEFAULT_LIMIT", 200) }
func MaterializeMaxLimit() int     { return positiveIntFromEnv("MATERIALIZE_MAX_LIMIT", 2000) }
func ReconcileDefaultBatch() int   { return positiveIntFromEnv("RECONCILE_DEFAULT_BATCH", 50) }
func ReconcileMaxBatch() int       { return positiveIntFromEnv("RECONCILE_MAX_BATCH", 500) }
func DuplicateScanDefaultLimit() int {
	return positiveIntFromEnv("DUPLICATE_SCAN_DEFAULT_LIMIT", 1000)
}
func DuplicateScanMaxLimit() int { return positiveIntFromEnv("DUPLICATE_SCAN_MAX_LIMIT", 10000) }

// GatewayCallDelay is the fixed pause between sequential provider calls.
func GatewayCallDelay() time.Duration {
	return time.Duration(IntFromEnv("GATEWAY_CALL_DELAY_MS", 250)) * time.Millisecond
}

// GatewayTimeout bounds every provider HTTP call.
func GatewayTimeout() time.Duration {
	return time.Duration(positiveIntFromEnv("GATEWAY_TIMEOUT_SECONDS", 15)) * time.Second
}

// JobsPushEndpointEnabled gates /internal/ops/payments/jobs/pubsub.
//
// Set via env:
// - ENABLE_JOBS_PUBSUB_PUSH_ENDPOINT=true
func JobsPushEndpointEnabled() bool {
	return BoolFromEnv("ENABLE_JOBS_PUBSUB_PUSH_ENDPOINT", false)
}

// JobsPushToken is the shared secret scheduled pushes must carry, either as
// the "token" query parameter of the push subscription URL or in the
// X-Push-Token header. Without it the endpoint only runs dry-run jobs.
//
// Set via env:
// - JOBS_PUSH_TOKEN
func JobsPushToken() string {
	return strings.TrimSpace(os.Getenv("JOBS_PUSH_TOKEN"))
}

// SkipMigrations disables AutoMigrate on server start.
func SkipMigrations() bool {
	return BoolFromEnv("SKIP_MIGRATIONS", false)
}

func IntFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func positiveIntFromEnv(key string, def int) int {
	n := IntFromEnv(key, def)
	if n <= 0 {
		return def
	}
	return n
}

func BoolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}
