package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/academy_backend/models"
)

func TestBeginIdempotency_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	const handler, msg = "job:materialize", "msg-1"

	skip, err := BeginIdempotency(db, handler, msg)
	if err != nil || skip {
		t.Fatalf("first begin: skip=%v err=%v", skip, err)
	}

	if _, err := BeginIdempotency(db, handler, msg); !errors.Is(err, ErrIdempotencyInProgress) {
		t.Fatalf("redelivery while running should be in progress, got %v", err)
	}

	if err := MarkIdempotencyFailed(db, handler, msg, errors.New("gateway down")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	var key models.IdempotencyKey
	db.Where("handler_name = ? AND message_id = ?", handler, msg).First(&key)
	if key.Status != models.IdempotencyStatusFailed || key.LastError == nil || *key.LastError != "gateway down" {
		t.Fatalf("unexpected failed row: %+v", key)
	}

	skip, err = BeginIdempotency(db, handler, msg)
	if err != nil || skip {
		t.Fatalf("failed message should be retaken: skip=%v err=%v", skip, err)
	}
	if err := MarkIdempotencySucceeded(db, handler, msg); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	skip, err = BeginIdempotency(db, handler, msg)
	if err != nil || !skip {
		t.Fatalf("succeeded message should be skipped: skip=%v err=%v", skip, err)
	}
	if got := countRows(t, db, &models.IdempotencyKey{}); got != 1 {
		t.Fatalf("expected a single key row, got %d", got)
	}
}

func TestBeginIdempotency_RetakesStaleStart(t *testing.T) {
	db := newTestDB(t)
	mustCreate(t, db, &models.IdempotencyKey{HandlerName: "job:scan", MessageId: "m", Status: models.IdempotencyStatusStarted})
	stale := time.Now().UTC().Add(-2 * idempotencyStaleAfter)
	if err := db.Model(&models.IdempotencyKey{}).Where("message_id = ?", "m").UpdateColumn("updated_at", stale).Error; err != nil {
		t.Fatalf("age row: %v", err)
	}

	skip, err := BeginIdempotency(db, "job:scan", "m")
	if err != nil || skip {
		t.Fatalf("stale start should be retaken: skip=%v err=%v", skip, err)
	}
}

func TestBeginIdempotency_KeysAreScopedByHandler(t *testing.T) {
	db := newTestDB(t)
	if _, err := BeginIdempotency(db, "job:a", "same"); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := BeginIdempotency(db, "job:b", "same"); err != nil {
		t.Fatalf("b: %v", err)
	}
}
