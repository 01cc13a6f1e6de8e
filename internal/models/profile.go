package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is the marketplace role of a user
type Role string

const (
	RoleGuest Role = "guest"
	RoleHost  Role = "host"
	RoleAdmin Role = "admin"
)

// Profile is the marketplace profile promoted by the KYC workflow
type Profile struct {
	UserID           uuid.UUID `json:"user_id" gorm:"column:user_id;type:uuid;primaryKey"`
	FullName         string    `json:"full_name" gorm:"column:full_name"`
	Phone            string    `json:"phone" gorm:"column:phone"` // +91XXXXXXXXXX, used for SMS delivery
	Role             Role      `json:"role" gorm:"column:role;not null;default:guest"`
	IdentityVerified bool      `json:"identity_verified" gorm:"column:identity_verified;not null;default:false"`
	KYCStatus        KYCStatus `json:"kyc_status" gorm:"column:kyc_status;not null;default:not_submitted"`
	CreatedAt        time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt        time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (Profile) TableName() string { return "profiles" }

// ProfileUpdate is the set of profile fields a KYC decision touches.
// Nil fields are left alone.
type ProfileUpdate struct {
	Role             *Role
	IdentityVerified *bool
	KYCStatus        *KYCStatus
}

// Apply writes the update onto p
func (u ProfileUpdate) Apply(p *Profile) {
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.IdentityVerified != nil {
		p.IdentityVerified = *u.IdentityVerified
	}
	if u.KYCStatus != nil {
		p.KYCStatus = *u.KYCStatus
	}
}

// Columns renders the update as a gorm column map
func (u ProfileUpdate) Columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if u.Role != nil {
		cols["role"] = *u.Role
	}
	if u.IdentityVerified != nil {
		cols["identity_verified"] = *u.IdentityVerified
	}
	if u.KYCStatus != nil {
		cols["kyc_status"] = *u.KYCStatus
	}
	return cols
}
