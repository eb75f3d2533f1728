package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PaymentQueueItem is a provider-reported transaction staged for promotion
// into the ledger. Rows are written by the statement importer and never deleted.
type PaymentQueueItem struct {
	ID                    int              `gorm:"primary_key" json:"id"`
	StableUid             string           `gorm:"size:191;not null;index" json:"stable_uid"`
	ProviderTransactionId *string          `gorm:"size:191;index" json:"provider_transaction_id"`
	TrackingId            *string          `gorm:"size:191" json:"tracking_id"`
	Amount                decimal.Decimal  `gorm:"type:decimal(15,2);default:0" json:"amount"`
	Currency              string           `gorm:"size:3;not null" json:"currency"`
	Status                string           `gorm:"size:64" json:"status"`
	NormalizedStatus      NormalizedStatus `gorm:"size:32;not null;index:idx_queue_status_paid,priority:1" json:"normalized_status"`
	TransactionType       string           `gorm:"size:32;not null;default:payment" json:"transaction_type"`
	CardLast4             string           `gorm:"size:4" json:"card_last4"`
	CardBrand             string           `gorm:"size:32" json:"card_brand"`
	CardHolder            string           `gorm:"size:255" json:"card_holder"`
	PaidAt                time.Time        `gorm:"not null;index:idx_queue_status_paid,priority:2" json:"paid_at"`
	MatchedOrderId        *int             `gorm:"index" json:"matched_order_id"`
	MatchedProfileId      *int             `gorm:"index" json:"matched_profile_id"`
	ProcessingState       ProcessingState  `gorm:"size:32;not null;default:pending" json:"processing_state"`
	CreatedAt             time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResolveStableUid returns the first non-empty of provider transaction id,
// tracking id and row id.
func (q PaymentQueueItem) ResolveStableUid() string {
	if q.ProviderTransactionId != nil && strings.TrimSpace(*q.ProviderTransactionId) != "" {
		return strings.TrimSpace(*q.ProviderTransactionId)
	}
	if q.TrackingId != nil && strings.TrimSpace(*q.TrackingId) != "" {
		return strings.TrimSpace(*q.TrackingId)
	}
	if q.ID > 0 {
		return strconv.Itoa(q.ID)
	}
	return ""
}

func (q *PaymentQueueItem) BeforeCreate(tx *gorm.DB) error {
	if q.StableUid == "" {
		q.StableUid = q.ResolveStableUid()
	}
	if q.ProcessingState == "" {
		q.ProcessingState = ProcessingStatePending
	}
	if q.TransactionType == "" {
		q.TransactionType = "payment"
	}
	q.CardBrand = NormalizeCardBrand(q.CardBrand)
	q.CardLast4 = NormalizeLast4(q.CardLast4)
	return nil
}

// AfterCreate falls back to the row id once it is known.
func (q *PaymentQueueItem) AfterCreate(tx *gorm.DB) error {
	if q.StableUid != "" {
		return nil
	}
	q.StableUid = strconv.Itoa(q.ID)
	return tx.Model(q).UpdateColumn("stable_uid", q.StableUid).Error
}
