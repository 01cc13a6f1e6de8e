package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
	"github.com/rentpe/rentpe-backend/internal/utils"
)

const (
	// OTPExpiry is how long a sent code stays valid
	OTPExpiry = 5 * time.Minute
	// MaxOTPAttempts is how many verification attempts one sent code allows
	MaxOTPAttempts = 5
)

// SendOTPResult is returned for a delivered code
type SendOTPResult struct {
	RequestID string
	Provider  string
	ExpiresAt time.Time
	Remaining int
}

// VerifyOTPResult is returned for every answered verification
type VerifyOTPResult struct {
	Verified bool
	Provider string
	Message  string
}

type OTPService struct {
	store   storage.Store
	limiter *RateLimiter
	channel *FailoverChannel
	clock   clock.Clock
	hashKey []byte
}

func NewOTPService(store storage.Store, limiter *RateLimiter, channel *FailoverChannel, clk clock.Clock) *OTPService {
	return &OTPService{store: store, limiter: limiter, channel: channel, clock: clk}
}

// WithCodeHashKey keys the code hashes kept in the audit log. Without a key
// no hash is stored.
func (s *OTPService) WithCodeHashKey(key string) *OTPService {
	s.hashKey = []byte(key)
	return s
}

// SendOTP issues a code for the user's candidate phone
func (s *OTPService) SendOTP(ctx context.Context, actor Actor, userID uuid.UUID, rawPhone string) (*SendOTPResult, error) {
	phone, err := normalizePhone("phoneNumber", rawPhone)
	if err != nil {
		return nil, err
	}
	if !actor.CanActFor(userID) {
		return nil, ErrForbidden
	}
	if err := s.ensureEditable(ctx, userID); err != nil {
		return nil, err
	}

	decision, err := s.limiter.Authorize(ctx, userID, phone)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &RateLimitError{RetryAfter: *decision.RetryAfter, Reason: decision.Reason}
	}

	code, err := utils.GenerateSecureOTP()
	if err != nil {
		return nil, fmt.Errorf("failed to generate OTP: %w", err)
	}

	sent, err := s.channel.Send(ctx, phone, code)
	now := s.clock.Now()
	expiresAt := now.Add(OTPExpiry)
	if err != nil {
		s.audit(ctx, &models.OTPDispatch{
			UserID:    userID,
			Phone:     phone,
			Status:    models.OTPStatusFailed,
			ExpiresAt: expiresAt,
			CreatedAt: now,
		})
		return nil, err
	}

	window, err := s.limiter.Consume(ctx, userID, phone)
	remaining := 0
	switch {
	case errors.Is(err, storage.ErrQuotaExceeded):
		// a concurrent send took the last slot; the code is already out
		log.Printf("⚠️  OTP window for %s filled concurrently", utils.MaskPhone(phone))
	case err != nil:
		log.Printf("❌ Failed to record OTP send for %s: %v", utils.MaskPhone(phone), err)
	default:
		remaining = s.limiter.Policy().Quota - window.RequestCount
	}

	var ch models.PhoneChallenge
	ch.Issue(expiresAt)
	if _, err := s.store.SavePhoneChallenge(ctx, userID, phone, ch, now); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: case is no longer editable", ErrInvalidTransition)
		}
		return nil, fmt.Errorf("save phone challenge: %w", err)
	}

	dispatch := &models.OTPDispatch{
		UserID:            userID,
		Phone:             phone,
		Status:            models.OTPStatusSent,
		Provider:          sent.Provider,
		ProviderMessageID: sent.RequestID,
		ExpiresAt:         expiresAt,
		CreatedAt:         now,
	}
	// only the newest code of a user can be verified
	if err := s.store.ExpireOTPDispatches(ctx, userID); err != nil {
		log.Printf("❌ Failed to expire earlier OTPs for user %s: %v", userID, err)
	}
	if sent.Provider == "msg91" && len(s.hashKey) > 0 {
		hash := utils.HashOTP(s.hashKey, phone, code)
		dispatch.CodeHash = &hash
	}
	s.audit(ctx, dispatch)

	log.Printf("📱 OTP sent to %s via %s", utils.MaskPhone(phone), sent.Provider)
	return &SendOTPResult{
		RequestID: sent.RequestID,
		Provider:  sent.Provider,
		ExpiresAt: expiresAt,
		Remaining: remaining,
	}, nil
}

// VerifyOTP checks code against the latest code sent to the phone
func (s *OTPService) VerifyOTP(ctx context.Context, actor Actor, userID uuid.UUID, rawPhone, code string) (*VerifyOTPResult, error) {
	phone, err := normalizePhone("phoneNumber", rawPhone)
	if err != nil {
		return nil, err
	}
	if !utils.IsValidOTP(code) {
		return nil, invalid("otp", "OTP must be exactly 6 digits")
	}
	if !actor.CanActFor(userID) {
		return nil, ErrForbidden
	}

	dispatch, err := s.store.LatestOTPDispatch(ctx, userID, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid("phoneNumber", "no OTP has been requested for this number")
	}
	if err != nil {
		return nil, fmt.Errorf("load otp dispatch: %w", err)
	}

	c, err := s.store.GetKYCCase(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load kyc case: %w", err)
	}
	if c != nil && c.Status != models.KYCStatusPending {
		return nil, fmt.Errorf("%w: case is %s", ErrInvalidTransition, c.Status)
	}
	// the challenge only tracks the phone the case currently holds
	if c != nil && c.Phone != phone {
		c = nil
	}

	switch dispatch.Status {
	case models.OTPStatusVerified:
		if c != nil && c.PhoneVerified() {
			return &VerifyOTPResult{Verified: true, Provider: dispatch.Provider, Message: "Phone number already verified"}, nil
		}
		return &VerifyOTPResult{Provider: dispatch.Provider, Message: "OTP already used, request a new one"}, nil
	case models.OTPStatusSent:
	default:
		return expiredResult(dispatch), nil
	}

	now := s.clock.Now()
	if now.After(dispatch.ExpiresAt) {
		s.expire(ctx, dispatch, c, now)
		return expiredResult(dispatch), nil
	}

	// the attempt is counted on the dispatch before the provider sees the code
	attempts, err := s.store.RecordOTPAttempt(ctx, dispatch.ID, MaxOTPAttempts)
	switch {
	case errors.Is(err, storage.ErrQuotaExceeded):
		s.expire(ctx, dispatch, c, now)
		return &VerifyOTPResult{Provider: dispatch.Provider, Message: tooManyAttempts}, nil
	case errors.Is(err, storage.ErrStatusConflict):
		return &VerifyOTPResult{Provider: dispatch.Provider, Message: "OTP expired, request a new one"}, nil
	case err != nil:
		return nil, fmt.Errorf("record otp attempt: %w", err)
	}

	res, err := s.channel.Verify(ctx, phone, code, dispatch.Provider)
	if err != nil {
		if rerr := s.store.RefundOTPAttempt(ctx, dispatch.ID); rerr != nil {
			log.Printf("❌ Failed to refund OTP attempt on %s: %v", dispatch.ID, rerr)
		}
		return nil, err
	}
	now = s.clock.Now()

	if !res.Verified {
		if c != nil && c.PhoneChallenge.State == models.PhoneStateSent {
			ch := c.PhoneChallenge
			ch.Attempts = attempts
			s.saveChallenge(ctx, userID, phone, ch, now)
			c.PhoneChallenge = ch
		}
		if attempts >= MaxOTPAttempts {
			s.expire(ctx, dispatch, c, now)
			return &VerifyOTPResult{Provider: res.Provider, Message: "Invalid OTP. " + tooManyAttempts}, nil
		}
		return &VerifyOTPResult{Provider: res.Provider, Message: "Invalid OTP"}, nil
	}

	if err := s.store.UpdateOTPDispatchStatus(ctx, dispatch.ID, models.OTPStatusVerified, &now); err != nil {
		log.Printf("❌ Failed to mark OTP dispatch %s verified: %v", dispatch.ID, err)
	}
	if c != nil {
		ch := c.PhoneChallenge
		if ch.State != models.PhoneStateSent {
			// a resubmission reset the challenge after the send
			ch.Issue(dispatch.ExpiresAt)
		}
		_ = ch.Verify(now)
		if _, err := s.store.SavePhoneChallenge(ctx, userID, phone, ch, now); err != nil {
			if errors.Is(err, storage.ErrStatusConflict) {
				return nil, fmt.Errorf("%w: case is no longer editable", ErrInvalidTransition)
			}
			return nil, fmt.Errorf("save phone challenge: %w", err)
		}
	}

	log.Printf("✅ Phone %s verified via %s", utils.MaskPhone(phone), res.Provider)
	return &VerifyOTPResult{Verified: true, Provider: res.Provider, Message: "Phone number verified"}, nil
}

const tooManyAttempts = "Too many attempts, request a new OTP"

func expiredResult(d *models.OTPDispatch) *VerifyOTPResult {
	if d.Attempts >= MaxOTPAttempts {
		return &VerifyOTPResult{Provider: d.Provider, Message: tooManyAttempts}
	}
	return &VerifyOTPResult{Provider: d.Provider, Message: "OTP expired, request a new one"}
}

// ensureEditable fails when the user's case exists and is past pending
func (s *OTPService) ensureEditable(ctx context.Context, userID uuid.UUID) error {
	c, err := s.store.GetKYCCase(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load kyc case: %w", err)
	}
	if c.Status != models.KYCStatusPending {
		return fmt.Errorf("%w: case is %s", ErrInvalidTransition, c.Status)
	}
	return nil
}

func (s *OTPService) expire(ctx context.Context, d *models.OTPDispatch, c *models.KYCCase, now time.Time) {
	if err := s.store.UpdateOTPDispatchStatus(ctx, d.ID, models.OTPStatusExpired, nil); err != nil {
		log.Printf("❌ Failed to expire OTP dispatch %s: %v", d.ID, err)
	}
	if c != nil {
		ch := c.PhoneChallenge
		ch.Expire()
		s.saveChallenge(ctx, c.UserID, c.Phone, ch, now)
	}
}

func (s *OTPService) saveChallenge(ctx context.Context, userID uuid.UUID, phone string, ch models.PhoneChallenge, now time.Time) {
	if _, err := s.store.SavePhoneChallenge(ctx, userID, phone, ch, now); err != nil {
		log.Printf("❌ Failed to update phone challenge for %s: %v", utils.MaskPhone(phone), err)
	}
}

// audit appends to the dispatch log; a failed write is logged, not returned
func (s *OTPService) audit(ctx context.Context, d *models.OTPDispatch) {
	if err := s.store.CreateOTPDispatch(ctx, d); err != nil {
		log.Printf("❌ Failed to record OTP dispatch for %s: %v", utils.MaskPhone(d.Phone), err)
	}
}

func normalizePhone(field, raw string) (string, error) {
	phone, err := utils.NormalizeIndianPhone(raw)
	if err != nil {
		var pe *utils.PhoneError
		if errors.As(err, &pe) {
			return "", invalid(field, pe.Reason)
		}
		return "", invalid(field, err.Error())
	}
	return phone, nil
}
