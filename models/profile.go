package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is a customer record. A nil UserId marks an import-created ghost
// profile with no authenticated identity behind it.
type Profile struct {
	ID         int       `gorm:"primary_key" json:"id"`
	UserId     *int      `gorm:"index" json:"user_id"`
	Email      string    `gorm:"size:255;index" json:"email"`
	Phone      string    `gorm:"size:64" json:"phone"`
	FullName   string    `gorm:"size:255" json:"full_name"`
	IsArchived bool      `gorm:"not null;default:false;index" json:"is_archived"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p Profile) HasRealIdentity() bool {
	return p.UserId != nil
}

type Order struct {
	ID        int             `gorm:"primary_key" json:"id"`
	ProfileId int             `gorm:"index;not null" json:"profile_id"`
	UserId    *int            `gorm:"index" json:"user_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(15,2);default:0" json:"amount"`
	Currency  string          `gorm:"size:3;not null" json:"currency"`
	Status    string          `gorm:"size:32;not null" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
