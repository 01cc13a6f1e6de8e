package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OTP dispatch statuses
const (
	OTPStatusSent     = "sent"
	OTPStatusVerified = "verified"
	OTPStatusExpired  = "expired"
	OTPStatusFailed   = "failed"
)

// OTPDispatch is one row of the append-only OTP audit log
type OTPDispatch struct {
	ID                uuid.UUID  `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	UserID            uuid.UUID  `json:"user_id" gorm:"column:user_id;type:uuid;not null;index"`
	Phone             string     `json:"phone" gorm:"column:phone;not null;index"`
	CodeHash          *string    `json:"-" gorm:"column:code_hash"` // only when the code was generated locally
	Status            string     `json:"status" gorm:"column:status;not null"`
	Provider          string     `json:"provider" gorm:"column:provider"`
	Attempts          int        `json:"attempts" gorm:"column:attempts;not null;default:0"`
	ProviderMessageID string     `json:"provider_message_id,omitempty" gorm:"column:provider_message_id"`
	ExpiresAt         time.Time  `json:"expires_at" gorm:"column:expires_at;not null"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty" gorm:"column:verified_at"`
	CreatedAt         time.Time  `json:"created_at" gorm:"column:created_at"`
}

func (OTPDispatch) TableName() string { return "otp_dispatches" }

func (d *OTPDispatch) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// RateLimitWindow counts OTP sends for one (user, phone) pair within an hourly window
type RateLimitWindow struct {
	UserID       uuid.UUID  `json:"user_id" gorm:"column:user_id;type:uuid;primaryKey"`
	Phone        string     `json:"phone" gorm:"column:phone;primaryKey"`
	RequestCount int        `json:"request_count" gorm:"column:request_count;not null;default:0"`
	LastSentAt   *time.Time `json:"last_sent_at,omitempty" gorm:"column:last_sent_at"`
	ResetAt      time.Time  `json:"reset_at" gorm:"column:reset_at;not null"`
}

func (RateLimitWindow) TableName() string { return "otp_rate_limits" }

// Stale reports whether the window has run out and the next send starts a new one
func (w *RateLimitWindow) Stale(now time.Time) bool {
	return now.After(w.ResetAt)
}

// RateLimitPolicy is the quota applied to each window
type RateLimitPolicy struct {
	Quota    int
	Window   time.Duration
	Cooldown time.Duration
}
