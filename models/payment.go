package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment is a ledger entry. StableUid is unique across the table and is
// never rewritten after insert; that index is what makes concurrent
// materialization safe.
type Payment struct {
	ID                    int               `gorm:"primary_key" json:"id"`
	OrderId               *int              `gorm:"index" json:"order_id"`
	ProfileId             *int              `gorm:"index" json:"profile_id"`
	UserId                *int              `gorm:"index" json:"user_id"`
	Amount                decimal.Decimal   `gorm:"type:decimal(15,2);default:0" json:"amount"`
	Currency              string            `gorm:"size:3;not null" json:"currency"`
	Status                string            `gorm:"size:32;not null" json:"status"`
	TransactionType       string            `gorm:"size:32;not null" json:"transaction_type"`
	Provider              string            `gorm:"size:32;not null" json:"provider"`
	ProviderTransactionId *string           `gorm:"size:191;index" json:"provider_transaction_id"`
	StableUid             string            `gorm:"size:191;not null;uniqueIndex:uniq_payments_stable_uid" json:"stable_uid"`
	PaidAt                time.Time         `gorm:"not null;index" json:"paid_at"`
	Meta                  datatypes.JSONMap `json:"meta"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// SignedAmount applies the ledger sign convention: refunds are negative no
// matter how the provider signs them.
func SignedAmount(transactionType string, amount decimal.Decimal) decimal.Decimal {
	if IsRefundType(transactionType) {
		return amount.Abs().Neg()
	}
	return amount
}

// Meta keys written on ledger rows.
const (
	MetaSource                 = "source"
	MetaQueueItemId            = "queue_item_id"
	MetaLinkedBy               = "linked_by"
	MetaAmountCorrectedFrom    = "amount_corrected_from"
	MetaAmountCorrectedAt      = "amount_corrected_at"
	MetaAmountCorrectionSource = "amount_correction_source"
)
