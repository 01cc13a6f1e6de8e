package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrForbidden is returned when the actor may not act on the target user
	ErrForbidden = errors.New("forbidden")
	// ErrCaseNotFound is returned when the user has no KYC case
	ErrCaseNotFound = errors.New("kyc case not found")
	// ErrProfileNotFound is returned when the user has no marketplace profile
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileExists is returned when creating a profile twice
	ErrProfileExists = errors.New("profile already exists")
	// ErrNotificationNotFound is returned for a notification the caller does not have
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrInvalidTransition is returned when a case is not in a state the operation accepts
	ErrInvalidTransition = errors.New("invalid kyc status transition")
	// ErrProvidersUnavailable is returned when every OTP channel failed
	ErrProvidersUnavailable = errors.New("all otp providers failed")
	// ErrChannelNotConfigured is returned by a channel missing its credentials
	ErrChannelNotConfigured = errors.New("otp channel not configured")
	// ErrMediaUnavailable is returned when the asset host rejects or cannot be reached
	ErrMediaUnavailable = errors.New("media host unavailable")

	errNotIssuer = errors.New("code was not issued by this provider")
)

// ValidationError reports a malformed input field. Reason is safe to show to callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RateLimitError is returned when an OTP send is denied by the limiter
type RateLimitError struct {
	RetryAfter time.Time
	Reason     string
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.Reason
}
