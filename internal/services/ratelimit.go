package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
)

// DefaultRateLimitPolicy allows 3 sends per hour with at least 60s between sends
func DefaultRateLimitPolicy() models.RateLimitPolicy {
	return models.RateLimitPolicy{Quota: 3, Window: time.Hour, Cooldown: 60 * time.Second}
}

// Denial reasons
const (
	ReasonQuotaExceeded = "hourly OTP limit reached"
	ReasonCooldown      = "please wait before requesting another code"
)

// RateDecision is the outcome of an authorization check
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter *time.Time
	Reason     string
}

// RateLimiter gates OTP sends per (user, phone) pair
type RateLimiter struct {
	store   storage.WindowStore
	clock   clock.Clock
	policy  models.RateLimitPolicy
	metrics *metrics.Metrics
}

// NewRateLimiter creates a limiter over the given window store
func NewRateLimiter(store storage.WindowStore, clk clock.Clock, policy models.RateLimitPolicy, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{store: store, clock: clk, policy: policy, metrics: m}
}

// Authorize checks the hourly quota and the cooldown without writing anything.
// Both gates must pass.
func (r *RateLimiter) Authorize(ctx context.Context, userID uuid.UUID, phone string) (RateDecision, error) {
	now := r.clock.Now()

	w, err := r.store.GetRateLimitWindow(ctx, userID, phone)
	if errors.Is(err, storage.ErrNotFound) {
		return RateDecision{Allowed: true, Remaining: r.policy.Quota}, nil
	}
	if err != nil {
		return RateDecision{}, fmt.Errorf("load rate limit window: %w", err)
	}

	d := RateDecision{Allowed: true, Remaining: r.policy.Quota}
	if !w.Stale(now) {
		d.Remaining = r.policy.Quota - w.RequestCount
		if d.Remaining <= 0 {
			d.Remaining = 0
			retry := w.ResetAt
			d.Allowed = false
			d.RetryAfter = &retry
			d.Reason = ReasonQuotaExceeded
		}
	}

	if w.LastSentAt != nil && now.Sub(*w.LastSentAt) < r.policy.Cooldown {
		retry := w.LastSentAt.Add(r.policy.Cooldown)
		if d.RetryAfter == nil || retry.After(*d.RetryAfter) {
			d.RetryAfter = &retry
			d.Reason = ReasonCooldown
		}
		d.Allowed = false
	}

	if !d.Allowed {
		r.metrics.RateLimitDenied(d.Reason)
	}
	return d, nil
}

// Consume records a successful send. It fails with storage.ErrQuotaExceeded when
// a concurrent send already took the last slot in the window.
func (r *RateLimiter) Consume(ctx context.Context, userID uuid.UUID, phone string) (*models.RateLimitWindow, error) {
	w, err := r.store.RecordOTPSend(ctx, userID, phone, r.clock.Now(), r.policy)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			r.metrics.RateLimitDenied(ReasonQuotaExceeded)
		}
		return nil, err
	}
	return w, nil
}

// Policy returns the active policy
func (r *RateLimiter) Policy() models.RateLimitPolicy {
	return r.policy
}
