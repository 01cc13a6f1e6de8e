package models

import (
	"fmt"
	"time"
)

// PhoneState is the state of the phone-ownership check attached to a KYC case
type PhoneState string

const (
	PhoneStateUnset    PhoneState = "unset"
	PhoneStateSent     PhoneState = "sent"
	PhoneStateVerified PhoneState = "verified"
	PhoneStateExpired  PhoneState = "expired"
)

// PhoneChallenge tracks an outstanding OTP for the case's candidate phone.
// ExpiresAt and Attempts only carry meaning while State is sent; every
// transition out of sent clears them together.
type PhoneChallenge struct {
	State      PhoneState `json:"state" gorm:"column:state;not null;default:unset"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" gorm:"column:otp_expires_at"`
	Attempts   int        `json:"attempts" gorm:"column:otp_attempts;not null;default:0"`
	VerifiedAt *time.Time `json:"verified_at,omitempty" gorm:"column:verified_at"`
}

// Issue records that a fresh code was sent and expires at expiresAt
func (p *PhoneChallenge) Issue(expiresAt time.Time) {
	p.clear()
	p.State = PhoneStateSent
	p.ExpiresAt = &expiresAt
}

// Verify marks the phone as verified
func (p *PhoneChallenge) Verify(at time.Time) error {
	if p.State != PhoneStateSent {
		return fmt.Errorf("phone challenge is %s, not sent", p.State)
	}
	p.clear()
	p.State = PhoneStateVerified
	p.VerifiedAt = &at
	return nil
}

// Expire ends an outstanding challenge without verifying it
func (p *PhoneChallenge) Expire() {
	if p.State != PhoneStateSent {
		return
	}
	p.clear()
	p.State = PhoneStateExpired
}

// Expired reports whether an outstanding challenge has passed its expiry
func (p *PhoneChallenge) Expired(now time.Time) bool {
	return p.State == PhoneStateSent && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// Reset returns the challenge to unset
func (p *PhoneChallenge) Reset() {
	p.clear()
	p.State = PhoneStateUnset
}

// clear is the single place the transient fields are dropped
func (p *PhoneChallenge) clear() {
	p.ExpiresAt = nil
	p.Attempts = 0
	p.VerifiedAt = nil
}

func (p PhoneChallenge) clone() PhoneChallenge {
	p.ExpiresAt = cloneTime(p.ExpiresAt)
	p.VerifiedAt = cloneTime(p.VerifiedAt)
	return p
}
