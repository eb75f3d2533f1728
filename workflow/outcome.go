package workflow

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/academy_backend/utils"
	"github.com/sirupsen/logrus"
)

// ErrValidation marks input rejected before any read.
var ErrValidation = utils.ErrorValidation

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// StopCode names a refusal. A STOP is an expected, correct answer and is
// never retried or escalated.
type StopCode string

const (
	StopPaymentAlreadyLinked  StopCode = "PAYMENT_ALREADY_LINKED"
	StopDuplicateProviderUid  StopCode = "DUPLICATE_PROVIDER_UID"
	StopProfileMismatch       StopCode = "PROFILE_MISMATCH"
	StopOrderNotFound         StopCode = "ORDER_NOT_FOUND"
	StopQueueItemNotFound     StopCode = "QUEUE_ITEM_NOT_FOUND"
	StopQueueItemNotCompleted StopCode = "QUEUE_ITEM_NOT_COMPLETED"
	StopManualMergeRequired   StopCode = "MANUAL_MERGE_REQUIRED"
	StopTargetNotLinked       StopCode = "TARGET_NOT_LINKED"
	StopStalePreview          StopCode = "STALE_PREVIEW"
)

type OutcomeKind string

const (
	OutcomeOK    OutcomeKind = "ok"
	OutcomeStop  OutcomeKind = "stop"
	OutcomeError OutcomeKind = "error"
)

// Outcome is the three-way result of a guarded mutation. Callers switch on
// Kind; they never inspect error text to detect a refusal.
type Outcome[T any] struct {
	Kind    OutcomeKind
	Value   T
	Stop    StopCode
	Message string
	Err     error
}

func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeOK, Value: v}
}

func Stop[T any](code StopCode, message string) Outcome[T] {
	return Outcome[T]{Kind: OutcomeStop, Stop: code, Message: message}
}

// StopWith keeps the computed value (e.g. the candidates that caused the
// refusal) alongside the code.
func StopWith[T any](code StopCode, message string, v T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeStop, Stop: code, Message: message, Value: v}
}

func Fail[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeError, Err: err, Message: err.Error()}
}

func (o Outcome[T]) IsOK() bool   { return o.Kind == OutcomeOK }
func (o Outcome[T]) IsStop() bool { return o.Kind == OutcomeStop }

// stopError carries a STOP out of a db.Transaction closure so the
// transaction rolls back; it is converted back into an Outcome afterwards.
type stopError struct {
	code    StopCode
	message string
}

func (e *stopError) Error() string { return string(e.code) + ": " + e.message }

func asStop(err error) (*stopError, bool) {
	var se *stopError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

func logStop(logger *logrus.Logger, operation string, code StopCode, message string, fields logrus.Fields) {
	entry := logger.WithFields(logrus.Fields{
		"operation": operation,
		"stop_code": string(code),
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(message)
}
