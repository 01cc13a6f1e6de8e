package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
)

const maxRejectionReason = 500

// Submission is the evidence a user hands in for review
type Submission struct {
	Phone  string
	Video  models.MediaRef
	IDType models.IDType
	ID     models.MediaRef
}

// MediaDeleter removes uploaded objects from the asset host
type MediaDeleter interface {
	Delete(ctx context.Context, keys []string, resourceType string) (*DeleteResult, error)
}

// KYCService runs the verification case state machine:
// pending -> under_review -> approved | rejected, and rejected -> pending on reset.
type KYCService struct {
	store        storage.Store
	media        MediaDeleter
	clock        clock.Clock
	metrics      *metrics.Metrics
	purgeOnReset bool
}

func NewKYCService(store storage.Store, media MediaDeleter, clk clock.Clock, m *metrics.Metrics, purgeOnReset bool) *KYCService {
	return &KYCService{store: store, media: media, clock: clk, metrics: m, purgeOnReset: purgeOnReset}
}

// Submit creates or overwrites the user's pending case
func (s *KYCService) Submit(ctx context.Context, actor Actor, userID uuid.UUID, sub Submission) (*models.KYCCase, error) {
	if !actor.Owns(userID) {
		return nil, ErrForbidden
	}
	phone, err := normalizePhone("phone", sub.Phone)
	if err != nil {
		return nil, err
	}
	if sub.Video.URL == "" && sub.Video.StorageKey == "" {
		return nil, invalid("video", "verification video is required")
	}
	if !sub.IDType.Valid() {
		return nil, invalid("idType", "ID type must be one of aadhar, pan, passport, license")
	}
	if sub.ID.URL == "" && sub.ID.StorageKey == "" {
		return nil, invalid("idDocument", "ID document is required")
	}
	if sub.Video.StorageKey != "" && !OwnsMediaKey(userID, sub.Video.StorageKey) {
		return nil, invalid("video", "video was not uploaded by this user")
	}
	if sub.ID.StorageKey != "" && !OwnsMediaKey(userID, sub.ID.StorageKey) {
		return nil, invalid("idDocument", "ID document was not uploaded by this user")
	}

	existing, err := s.store.GetKYCCase(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load kyc case: %w", err)
	}
	if existing != nil && existing.Status != models.KYCStatusPending {
		return nil, fmt.Errorf("%w: case is %s", ErrInvalidTransition, existing.Status)
	}

	now := s.clock.Now()
	c := &models.KYCCase{
		UserID:      userID,
		Phone:       phone,
		VideoURL:    sub.Video.URL,
		VideoKey:    sub.Video.StorageKey,
		IDType:      sub.IDType,
		IDURL:       sub.ID.URL,
		IDKey:       sub.ID.StorageKey,
		Status:      models.KYCStatusPending,
		SubmittedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.PhoneChallenge.Reset()
	// a verified phone or a code still in flight for the same phone carries over
	if existing != nil && existing.Phone == phone {
		switch existing.PhoneChallenge.State {
		case models.PhoneStateVerified, models.PhoneStateSent:
			c.PhoneChallenge = existing.PhoneChallenge
		}
	}

	saved, err := s.store.SaveSubmission(ctx, c)
	if err != nil {
		return nil, s.storeError(err)
	}

	s.metrics.KYCTransition(string(models.KYCStatusPending))
	log.Printf("📝 KYC submitted for user %s", userID)
	return saved, nil
}

// StartReview moves a pending or approved case under review
func (s *KYCService) StartReview(ctx context.Context, actor Actor, userID uuid.UUID) (*models.KYCCase, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}

	c, err := s.store.TransitionKYCCase(ctx, userID,
		[]models.KYCStatus{models.KYCStatusPending, models.KYCStatusApproved},
		models.KYCStatusUnderReview, s.clock.Now())
	if err != nil {
		return nil, s.storeError(err)
	}

	s.metrics.KYCTransition(string(models.KYCStatusUnderReview))
	log.Printf("🔎 KYC case for user %s under review by %s", userID, actor.UserID)
	return c, nil
}

// Approve promotes the user to host. The case, the profile and the
// notification are written together or not at all.
func (s *KYCService) Approve(ctx context.Context, actor Actor, userID uuid.UUID) (*models.KYCCase, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	current, err := s.store.GetKYCCase(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}

	role := models.RoleHost
	verified := true
	status := models.KYCStatusApproved
	now := s.clock.Now()
	c, err := s.store.ApplyDecision(ctx, storage.Decision{
		UserID:     userID,
		From:       reviewable(),
		To:         models.KYCStatusApproved,
		ReviewerID: actor.UserID,
		At:         now,
		Profile:    models.ProfileUpdate{Role: &role, IdentityVerified: &verified, KYCStatus: &status},
		Notification: decisionNotification(current, models.CategoryKYCApproved,
			"KYC Approved",
			"Your identity verification has been approved. You can now list items as a host.",
			now),
	})
	if err != nil {
		return nil, s.decisionError(err)
	}

	s.metrics.KYCTransition(string(models.KYCStatusApproved))
	log.Printf("✅ KYC approved for user %s by %s", userID, actor.UserID)
	return c, nil
}

// Reject records the reason and notifies the user. The role is left unchanged.
func (s *KYCService) Reject(ctx context.Context, actor Actor, userID uuid.UUID, reason string) (*models.KYCCase, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "rejection reason is required")
	}
	if len(reason) > maxRejectionReason {
		return nil, invalid("reason", fmt.Sprintf("rejection reason must be at most %d characters", maxRejectionReason))
	}

	current, err := s.store.GetKYCCase(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}

	status := models.KYCStatusRejected
	now := s.clock.Now()
	c, err := s.store.ApplyDecision(ctx, storage.Decision{
		UserID:          userID,
		From:            reviewable(),
		To:              models.KYCStatusRejected,
		ReviewerID:      actor.UserID,
		At:              now,
		RejectionReason: &reason,
		Profile:         models.ProfileUpdate{KYCStatus: &status},
		Notification: decisionNotification(current, models.CategoryKYCRejected,
			"KYC Rejected",
			"Your identity verification was rejected: "+reason+". Please review and resubmit.",
			now),
	})
	if err != nil {
		return nil, s.decisionError(err)
	}

	s.metrics.KYCTransition(string(models.KYCStatusRejected))
	log.Printf("❌ KYC rejected for user %s by %s", userID, actor.UserID)
	return c, nil
}

// Reset returns a rejected case to pending so the user can resubmit.
// The old evidence is purged from the asset host afterwards when enabled;
// a failed purge is logged and does not fail the reset.
func (s *KYCService) Reset(ctx context.Context, actor Actor, userID uuid.UUID) (*models.KYCCase, error) {
	if !actor.Owns(userID) {
		return nil, ErrForbidden
	}

	prev, err := s.store.ResetKYCCase(ctx, userID, s.clock.Now())
	if err != nil {
		return nil, s.storeError(err)
	}
	s.metrics.KYCTransition(string(models.KYCStatusPending))
	log.Printf("🔄 KYC case reset for user %s", userID)

	if s.purgeOnReset && s.media != nil {
		s.purge(ctx, prev.EvidenceKeys())
	}

	c, err := s.store.GetKYCCase(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return c, nil
}

// Get returns the user's case
func (s *KYCService) Get(ctx context.Context, actor Actor, userID uuid.UUID) (*models.KYCCase, error) {
	if !actor.CanActFor(userID) {
		return nil, ErrForbidden
	}
	c, err := s.store.GetKYCCase(ctx, userID)
	if err != nil {
		return nil, s.storeError(err)
	}
	return c, nil
}

// List returns cases for review, optionally filtered by status
func (s *KYCService) List(ctx context.Context, actor Actor, status models.KYCStatus) ([]*models.KYCCase, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, invalid("status", "unknown status "+string(status))
	}
	cases, err := s.store.ListKYCCases(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list kyc cases: %w", err)
	}
	return cases, nil
}

func (s *KYCService) purge(ctx context.Context, refs []models.MediaRef) {
	if len(refs) == 0 {
		return
	}
	// the caller may hang up once the reset is committed
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	byType := map[string][]string{}
	for _, ref := range refs {
		rt := ref.Kind.ResourceType()
		byType[rt] = append(byType[rt], ref.StorageKey)
	}
	for rt, keys := range byType {
		res, err := s.media.Delete(ctx, keys, rt)
		if err != nil {
			log.Printf("⚠️  Failed to purge %d %s objects: %v", len(keys), rt, err)
			continue
		}
		for _, e := range res.Errors {
			log.Printf("⚠️  Failed to purge %s: %s", e.Key, e.Message)
		}
	}
}

func (s *KYCService) storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrCaseNotFound
	case errors.Is(err, storage.ErrStatusConflict):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}

// decisionError maps ApplyDecision failures; the case was loaded just before,
// so a missing row is the profile
func (s *KYCService) decisionError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrProfileNotFound
	}
	return s.storeError(err)
}

func reviewable() []models.KYCStatus {
	return []models.KYCStatus{models.KYCStatusPending, models.KYCStatusUnderReview}
}

func decisionNotification(c *models.KYCCase, category, title, body string, at time.Time) *models.Notification {
	id := c.ID
	return &models.Notification{
		UserID:            c.UserID,
		Category:          category,
		Title:             title,
		Body:              body,
		Priority:          models.PriorityHigh,
		RelatedEntityType: "kyc_case",
		RelatedEntityID:   &id,
		CreatedAt:         at,
	}
}
