package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rentpe/rentpe-backend/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict is returned when a status-guarded write finds the row in another state
	ErrStatusConflict = errors.New("status precondition failed")
	// ErrQuotaExceeded is returned when a window is already at its ceiling
	ErrQuotaExceeded = errors.New("rate limit quota exceeded")
	// ErrAlreadyExists is returned when creating a row that is already present
	ErrAlreadyExists = errors.New("already exists")
)

// Decision is a reviewer's transition of a case together with its side effects.
// Stores apply it as one unit.
type Decision struct {
	UserID          uuid.UUID
	From            []models.KYCStatus
	To              models.KYCStatus
	ReviewerID      uuid.UUID
	At              time.Time
	RejectionReason *string
	Profile         models.ProfileUpdate
	Notification    *models.Notification
}

// Store defines the interface for storage operations
type Store interface {
	WindowStore

	// Profile operations
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)

	// KYC case operations
	GetKYCCase(ctx context.Context, userID uuid.UUID) (*models.KYCCase, error)
	ListKYCCases(ctx context.Context, status models.KYCStatus) ([]*models.KYCCase, error)
	// SaveSubmission upserts the case on user_id; an existing row is only
	// overwritten while pending. The profile's kyc_status follows in the same unit.
	SaveSubmission(ctx context.Context, c *models.KYCCase) (*models.KYCCase, error)
	// SavePhoneChallenge sets the candidate phone and its challenge, creating a
	// pending case when none exists. Only pending cases are editable.
	SavePhoneChallenge(ctx context.Context, userID uuid.UUID, phone string, ch models.PhoneChallenge, at time.Time) (*models.KYCCase, error)
	// TransitionKYCCase moves a case between statuses with no other side effect
	TransitionKYCCase(ctx context.Context, userID uuid.UUID, from []models.KYCStatus, to models.KYCStatus, at time.Time) (*models.KYCCase, error)
	ApplyDecision(ctx context.Context, d Decision) (*models.KYCCase, error)
	// ResetKYCCase returns a rejected case to pending and clears its evidence.
	// The returned case is the state before the reset.
	ResetKYCCase(ctx context.Context, userID uuid.UUID, at time.Time) (*models.KYCCase, error)

	// OTP audit log
	CreateOTPDispatch(ctx context.Context, d *models.OTPDispatch) error
	LatestOTPDispatch(ctx context.Context, userID uuid.UUID, phone string) (*models.OTPDispatch, error)
	UpdateOTPDispatchStatus(ctx context.Context, id uuid.UUID, status string, verifiedAt *time.Time) error
	// ExpireOTPDispatches expires every outstanding (sent) code of the user
	ExpireOTPDispatches(ctx context.Context, userID uuid.UUID) error
	// RecordOTPAttempt counts one verification attempt against a sent code and
	// returns the new count. It fails with ErrQuotaExceeded once max attempts
	// were made and with ErrStatusConflict when the code is no longer sent.
	RecordOTPAttempt(ctx context.Context, id uuid.UUID, max int) (int, error)
	// RefundOTPAttempt gives back an attempt the provider never answered
	RefundOTPAttempt(ctx context.Context, id uuid.UUID) error

	// Notification outbox
	ListNotifications(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id uuid.UUID, at time.Time) error
	PendingNotifications(ctx context.Context, priority string, limit int) ([]*models.Notification, error)
	MarkNotificationDelivery(ctx context.Context, id uuid.UUID, status, providerMessageID string, at time.Time) error
	UpdateDeliveryByMessageID(ctx context.Context, providerMessageID, status string, at time.Time) error

	Ping(ctx context.Context) error
}

// WindowStore persists OTP rate-limit windows
type WindowStore interface {
	// GetRateLimitWindow returns ErrNotFound when no window exists
	GetRateLimitWindow(ctx context.Context, userID uuid.UUID, phone string) (*models.RateLimitWindow, error)
	// RecordOTPSend atomically starts a fresh window when the current one is
	// stale and otherwise increments the count only below the quota.
	RecordOTPSend(ctx context.Context, userID uuid.UUID, phone string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitWindow, error)
}
