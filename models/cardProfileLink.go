package models

import (
	"time"

	"gorm.io/gorm"
)

// CardProfileLink associates a card mask with a profile. More than one link
// per (last4, brand) is legal but blocks auto-linking until repaired.
type CardProfileLink struct {
	ID         int       `gorm:"primary_key" json:"id"`
	CardLast4  string    `gorm:"size:4;not null;index:idx_card_mask,priority:1" json:"card_last4"`
	CardBrand  string    `gorm:"size:32;not null;index:idx_card_mask,priority:2" json:"card_brand"`
	ProfileId  int       `gorm:"not null;index" json:"profile_id"`
	CardHolder string    `gorm:"size:255" json:"card_holder"`
	Source     string    `gorm:"size:32" json:"source"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *CardProfileLink) BeforeSave(tx *gorm.DB) error {
	l.CardBrand = NormalizeCardBrand(l.CardBrand)
	l.CardLast4 = NormalizeLast4(l.CardLast4)
	return nil
}
