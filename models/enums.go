package models

import "strings"

type ProcessingState string

const (
	ProcessingStatePending        ProcessingState = "pending"
	ProcessingStateCompleted      ProcessingState = "completed"
	ProcessingStateManuallyLinked ProcessingState = "manually_linked"
)

type NormalizedStatus string

const (
	NormalizedStatusCompleted NormalizedStatus = "completed"
	NormalizedStatusPending   NormalizedStatus = "pending"
	NormalizedStatusFailed    NormalizedStatus = "failed"
	NormalizedStatusRefunded  NormalizedStatus = "refunded"
	NormalizedStatusUnknown   NormalizedStatus = "unknown"
)

type DuplicateCaseType string

const (
	DuplicateCaseTypeEmail DuplicateCaseType = "email"
	DuplicateCaseTypePhone DuplicateCaseType = "phone"
	DuplicateCaseTypeCard  DuplicateCaseType = "card"
)

type DuplicateCaseStatus string

const (
	DuplicateCaseStatusNew        DuplicateCaseStatus = "new"
	DuplicateCaseStatusInProgress DuplicateCaseStatus = "in_progress"
	DuplicateCaseStatusResolved   DuplicateCaseStatus = "resolved"
)

// OpenDuplicateCaseStatuses are the statuses that still accept new members.
var OpenDuplicateCaseStatuses = []DuplicateCaseStatus{DuplicateCaseStatusNew, DuplicateCaseStatusInProgress}

const (
	PaymentProvider = "bepaid"

	PaymentSourceMaterialize = "queue_materialize"
	PaymentSourceManualLink  = "manual_link"

	CardLinkSourceAutoLink   = "auto_link"
	CardLinkSourceManualLink = "manual_link"
)

// IsRefundType reports whether a provider transaction type moves money back
// to the customer. Such rows are always stored negative.
func IsRefundType(transactionType string) bool {
	switch strings.ToLower(strings.TrimSpace(transactionType)) {
	case "refund", "chargeback", "reversal", "void":
		return true
	}
	return false
}

// NormalizeCardBrand lowercases and trims so "VISA" and "visa " share a link.
func NormalizeCardBrand(brand string) string {
	return strings.ToLower(strings.TrimSpace(brand))
}

// NormalizeLast4 keeps the trailing four digits of a card mask.
func NormalizeLast4(mask string) string {
	var digits []rune
	for _, r := range mask {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}
