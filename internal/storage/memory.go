package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rentpe/rentpe-backend/internal/models"
)

// MemoryStore holds all data in memory for local runs and tests.
// A single mutex guards every map so multi-row effects are applied as one unit.
type MemoryStore struct {
	mu sync.RWMutex

	profiles      map[uuid.UUID]*models.Profile
	cases         map[uuid.UUID]*models.KYCCase
	windows       map[windowKey]*models.RateLimitWindow
	dispatches    []*models.OTPDispatch
	notifications []*models.Notification
}

type windowKey struct {
	userID uuid.UUID
	phone  string
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[uuid.UUID]*models.Profile),
		cases:    make(map[uuid.UUID]*models.KYCCase),
		windows:  make(map[windowKey]*models.RateLimitWindow),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Profile operations
func (m *MemoryStore) CreateProfile(ctx context.Context, profile *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.profiles[profile.UserID]; exists {
		return fmt.Errorf("profile %s: %w", profile.UserID, ErrAlreadyExists)
	}
	p := *profile
	m.profiles[p.UserID] = &p
	return nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.profiles[userID]
	if !exists {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	out := *p
	return &out, nil
}

// KYC case operations
func (m *MemoryStore) GetKYCCase(ctx context.Context, userID uuid.UUID) (*models.KYCCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, exists := m.cases[userID]
	if !exists {
		return nil, fmt.Errorf("kyc case for %s: %w", userID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListKYCCases(ctx context.Context, status models.KYCStatus) ([]*models.KYCCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.KYCCase
	for _, c := range m.cases {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveSubmission(ctx context.Context, c *models.KYCCase) (*models.KYCCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := c.Clone()
	if existing, exists := m.cases[c.UserID]; exists {
		if existing.Status != models.KYCStatusPending {
			return nil, fmt.Errorf("case is %s: %w", existing.Status, ErrStatusConflict)
		}
		next.ID = existing.ID
		next.CreatedAt = existing.CreatedAt
	} else if next.ID == uuid.Nil {
		next.ID = uuid.New()
	}
	m.cases[c.UserID] = next

	if p, exists := m.profiles[c.UserID]; exists {
		p.KYCStatus = models.KYCStatusPending
		p.UpdatedAt = next.UpdatedAt
	}
	return next.Clone(), nil
}

func (m *MemoryStore) SavePhoneChallenge(ctx context.Context, userID uuid.UUID, phone string, ch models.PhoneChallenge, at time.Time) (*models.KYCCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.cases[userID]
	if !exists {
		c = &models.KYCCase{
			ID:        uuid.New(),
			UserID:    userID,
			Status:    models.KYCStatusPending,
			CreatedAt: at,
		}
		m.cases[userID] = c
	} else if c.Status != models.KYCStatusPending {
		return nil, fmt.Errorf("case is %s: %w", c.Status, ErrStatusConflict)
	}
	c.Phone = phone
	c.PhoneChallenge = ch
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (m *MemoryStore) TransitionKYCCase(ctx context.Context, userID uuid.UUID, from []models.KYCStatus, to models.KYCStatus, at time.Time) (*models.KYCCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.guardedCase(userID, from)
	if err != nil {
		return nil, err
	}
	c.Status = to
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (m *MemoryStore) ApplyDecision(ctx context.Context, d Decision) (*models.KYCCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every precondition before touching anything.
	c, err := m.guardedCase(d.UserID, d.From)
	if err != nil {
		return nil, err
	}
	profile, exists := m.profiles[d.UserID]
	if !exists {
		return nil, fmt.Errorf("profile %s: %w", d.UserID, ErrNotFound)
	}
	if d.Notification != nil && d.Notification.UserID == uuid.Nil {
		return nil, fmt.Errorf("notification has no recipient")
	}

	reviewer := d.ReviewerID
	at := d.At
	c.Status = d.To
	c.RejectionReason = nil
	if d.RejectionReason != nil {
		reason := *d.RejectionReason
		c.RejectionReason = &reason
	}
	c.ReviewedBy = &reviewer
	c.ReviewedAt = &at
	c.UpdatedAt = d.At

	d.Profile.Apply(profile)
	profile.UpdatedAt = d.At

	if d.Notification != nil {
		m.insertNotification(d.Notification, d.At)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ResetKYCCase(ctx context.Context, userID uuid.UUID, at time.Time) (*models.KYCCase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.guardedCase(userID, []models.KYCStatus{models.KYCStatusRejected})
	if err != nil {
		return nil, err
	}
	prev := c.Clone()

	c.Status = models.KYCStatusPending
	c.RejectionReason = nil
	c.ClearEvidence()
	c.SubmittedAt = nil
	c.UpdatedAt = at
	return prev, nil
}

func (m *MemoryStore) guardedCase(userID uuid.UUID, from []models.KYCStatus) (*models.KYCCase, error) {
	c, exists := m.cases[userID]
	if !exists {
		return nil, fmt.Errorf("kyc case for %s: %w", userID, ErrNotFound)
	}
	for _, s := range from {
		if c.Status == s {
			return c, nil
		}
	}
	return nil, fmt.Errorf("case is %s: %w", c.Status, ErrStatusConflict)
}

// OTP audit log
func (m *MemoryStore) CreateOTPDispatch(ctx context.Context, d *models.OTPDispatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	row := *d
	m.dispatches = append(m.dispatches, &row)
	return nil
}

func (m *MemoryStore) LatestOTPDispatch(ctx context.Context, userID uuid.UUID, phone string) (*models.OTPDispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.dispatches) - 1; i >= 0; i-- {
		d := m.dispatches[i]
		if d.UserID == userID && d.Phone == phone {
			out := *d
			return &out, nil
		}
	}
	return nil, fmt.Errorf("otp dispatch for %s: %w", phone, ErrNotFound)
}

func (m *MemoryStore) UpdateOTPDispatchStatus(ctx context.Context, id uuid.UUID, status string, verifiedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d := m.dispatch(id); d != nil {
		d.Status = status
		d.VerifiedAt = verifiedAt
		return nil
	}
	return fmt.Errorf("otp dispatch %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ExpireOTPDispatches(ctx context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.dispatches {
		if d.UserID == userID && d.Status == models.OTPStatusSent {
			d.Status = models.OTPStatusExpired
		}
	}
	return nil
}

func (m *MemoryStore) RecordOTPAttempt(ctx context.Context, id uuid.UUID, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.dispatch(id)
	switch {
	case d == nil:
		return 0, fmt.Errorf("otp dispatch %s: %w", id, ErrNotFound)
	case d.Status != models.OTPStatusSent:
		return d.Attempts, fmt.Errorf("otp dispatch is %s: %w", d.Status, ErrStatusConflict)
	case d.Attempts >= max:
		return d.Attempts, ErrQuotaExceeded
	}
	d.Attempts++
	return d.Attempts, nil
}

func (m *MemoryStore) RefundOTPAttempt(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.dispatch(id)
	if d == nil {
		return fmt.Errorf("otp dispatch %s: %w", id, ErrNotFound)
	}
	if d.Status == models.OTPStatusSent && d.Attempts > 0 {
		d.Attempts--
	}
	return nil
}

func (m *MemoryStore) dispatch(id uuid.UUID) *models.OTPDispatch {
	for _, d := range m.dispatches {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Dispatches returns a copy of the audit log, oldest first
func (m *MemoryStore) Dispatches() []models.OTPDispatch {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.OTPDispatch, 0, len(m.dispatches))
	for _, d := range m.dispatches {
		out = append(out, *d)
	}
	return out
}

// Notification outbox
func (m *MemoryStore) insertNotification(n *models.Notification, at time.Time) {
	row := *n
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.DeliveryStatus == "" {
		row.DeliveryStatus = models.DeliveryPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = at
	}
	m.notifications = append(m.notifications, &row)
}

func (m *MemoryStore) ListNotifications(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if n := m.notifications[i]; n.UserID == userID {
			row := *n
			out = append(out, &row)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.ID == id && n.UserID == userID {
			if n.ReadAt == nil {
				n.ReadAt = &at
			}
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) PendingNotifications(ctx context.Context, priority string, limit int) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Notification
	for _, n := range m.notifications {
		if n.DeliveryStatus != models.DeliveryPending || (priority != "" && n.Priority != priority) {
			continue
		}
		row := *n
		out = append(out, &row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationDelivery(ctx context.Context, id uuid.UUID, status, providerMessageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if n.ID == id {
			n.DeliveryStatus = status
			n.ProviderMessageID = providerMessageID
			n.DeliveredAt = &at
			return nil
		}
	}
	return fmt.Errorf("notification %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) UpdateDeliveryByMessageID(ctx context.Context, providerMessageID, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.notifications {
		if providerMessageID != "" && n.ProviderMessageID == providerMessageID {
			n.DeliveryStatus = status
			n.DeliveredAt = &at
			return nil
		}
	}
	return fmt.Errorf("notification with message %s: %w", providerMessageID, ErrNotFound)
}

// Rate-limit windows
func (m *MemoryStore) GetRateLimitWindow(ctx context.Context, userID uuid.UUID, phone string) (*models.RateLimitWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, exists := m.windows[windowKey{userID, phone}]
	if !exists {
		return nil, fmt.Errorf("rate limit window: %w", ErrNotFound)
	}
	out := *w
	return &out, nil
}

func (m *MemoryStore) RecordOTPSend(ctx context.Context, userID uuid.UUID, phone string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := windowKey{userID, phone}
	w, exists := m.windows[key]
	switch {
	case !exists || w.Stale(now):
		w = &models.RateLimitWindow{UserID: userID, Phone: phone, RequestCount: 1, ResetAt: now.Add(policy.Window)}
		m.windows[key] = w
	case w.RequestCount >= policy.Quota:
		return nil, ErrQuotaExceeded
	default:
		w.RequestCount++
	}
	sentAt := now
	w.LastSentAt = &sentAt

	out := *w
	return &out, nil
}
