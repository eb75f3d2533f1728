package models

import "time"

// DuplicateCase groups profiles that share an identity key for review.
type DuplicateCase struct {
	ID           int                   `gorm:"primary_key" json:"id"`
	CaseType     DuplicateCaseType     `gorm:"size:16;not null;index:idx_case_identity,priority:1" json:"case_type"`
	IdentityKey  string                `gorm:"size:255;not null;index:idx_case_identity,priority:2" json:"identity_key"`
	Status       DuplicateCaseStatus   `gorm:"size:16;not null;default:new;index" json:"status"`
	ProfileCount int                   `gorm:"not null;default:0" json:"profile_count"`
	Members      []DuplicateCaseMember `gorm:"foreignKey:CaseId" json:"members,omitempty"`
	CreatedAt    time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

type DuplicateCaseMember struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CaseId    int       `gorm:"not null;uniqueIndex:uniq_case_member,priority:1" json:"case_id"`
	ProfileId int       `gorm:"not null;uniqueIndex:uniq_case_member,priority:2;index" json:"profile_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
