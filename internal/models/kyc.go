package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// KYCStatus is the lifecycle status of a verification case
type KYCStatus string

const (
	KYCStatusPending     KYCStatus = "pending"
	KYCStatusUnderReview KYCStatus = "under_review"
	KYCStatusApproved    KYCStatus = "approved"
	KYCStatusRejected    KYCStatus = "rejected"

	// KYCStatusNotSubmitted only appears on profiles
	KYCStatusNotSubmitted KYCStatus = "not_submitted"
)

// Valid reports whether s is one of the case statuses
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCStatusPending, KYCStatusUnderReview, KYCStatusApproved, KYCStatusRejected:
		return true
	}
	return false
}

// IDType is the kind of government ID uploaded as evidence
type IDType string

const (
	IDTypeAadhar   IDType = "aadhar"
	IDTypePAN      IDType = "pan"
	IDTypePassport IDType = "passport"
	IDTypeLicense  IDType = "license"
)

// Valid reports whether t is an accepted ID type
func (t IDType) Valid() bool {
	switch t {
	case IDTypeAadhar, IDTypePAN, IDTypePassport, IDTypeLicense:
		return true
	}
	return false
}

// KYCCase is the per-user verification case. One row per user, keyed by UserID.
type KYCCase struct {
	ID     uuid.UUID `json:"id" gorm:"column:id;type:uuid;primaryKey"`
	UserID uuid.UUID `json:"user_id" gorm:"column:user_id;type:uuid;uniqueIndex;not null"`

	Phone          string         `json:"phone" gorm:"column:phone"`
	PhoneChallenge PhoneChallenge `json:"phone_verification" gorm:"embedded;embeddedPrefix:phone_"`

	VideoURL string `json:"video_url,omitempty" gorm:"column:video_url"`
	VideoKey string `json:"video_key,omitempty" gorm:"column:video_key"`
	IDType   IDType `json:"id_type,omitempty" gorm:"column:id_type"`
	IDURL    string `json:"id_url,omitempty" gorm:"column:id_url"`
	IDKey    string `json:"id_key,omitempty" gorm:"column:id_key"`

	Status          KYCStatus  `json:"status" gorm:"column:status;not null;default:pending;index"`
	RejectionReason *string    `json:"rejection_reason,omitempty" gorm:"column:rejection_reason"`
	ReviewedBy      *uuid.UUID `json:"reviewed_by,omitempty" gorm:"column:reviewed_by;type:uuid"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty" gorm:"column:reviewed_at"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty" gorm:"column:submitted_at"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName pins the table created by the migrations
func (KYCCase) TableName() string { return "kyc_cases" }

// BeforeCreate assigns the case ID
func (c *KYCCase) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// PhoneVerified reports whether the candidate phone has passed OTP verification
func (c *KYCCase) PhoneVerified() bool {
	return c.PhoneChallenge.State == PhoneStateVerified
}

// EvidenceKeys returns the storage keys of the uploaded evidence, skipping empty ones
func (c *KYCCase) EvidenceKeys() []MediaRef {
	var refs []MediaRef
	if c.VideoKey != "" {
		refs = append(refs, MediaRef{URL: c.VideoURL, StorageKey: c.VideoKey, Kind: MediaKindKYCVideo})
	}
	if c.IDKey != "" {
		refs = append(refs, MediaRef{URL: c.IDURL, StorageKey: c.IDKey, Kind: MediaKindKYCDocument})
	}
	return refs
}

// ClearEvidence drops all evidence references
func (c *KYCCase) ClearEvidence() {
	c.VideoURL = ""
	c.VideoKey = ""
	c.IDType = ""
	c.IDURL = ""
	c.IDKey = ""
}

// Clone returns a copy that shares no pointers with c
func (c *KYCCase) Clone() *KYCCase {
	out := *c
	out.PhoneChallenge = c.PhoneChallenge.clone()
	if c.RejectionReason != nil {
		reason := *c.RejectionReason
		out.RejectionReason = &reason
	}
	if c.ReviewedBy != nil {
		id := *c.ReviewedBy
		out.ReviewedBy = &id
	}
	out.ReviewedAt = cloneTime(c.ReviewedAt)
	out.SubmittedAt = cloneTime(c.SubmittedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
