package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rentpe/rentpe-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStore implements Store on PostgreSQL through gorm
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore creates a new database-backed store
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

var submissionColumns = []string{
	"phone", "phone_state", "phone_otp_expires_at", "phone_otp_attempts", "phone_verified_at",
	"video_url", "video_key", "id_type", "id_url", "id_key",
	"status", "rejection_reason", "submitted_at", "updated_at",
}

var phoneColumns = []string{
	"phone", "phone_state", "phone_otp_expires_at", "phone_otp_attempts", "phone_verified_at", "updated_at",
}

func (s *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Profile operations
func (s *DatabaseStore) CreateProfile(ctx context.Context, profile *models.Profile) error {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(profile)
	if res.Error != nil {
		return fmt.Errorf("create profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("profile %s: %w", profile.UserID, ErrAlreadyExists)
	}
	return nil
}

func (s *DatabaseStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error; err != nil {
		return nil, notFound(err, "profile")
	}
	return &p, nil
}

// KYC case operations
func (s *DatabaseStore) GetKYCCase(ctx context.Context, userID uuid.UUID) (*models.KYCCase, error) {
	return loadCase(s.db.WithContext(ctx), userID)
}

func (s *DatabaseStore) ListKYCCases(ctx context.Context, status models.KYCStatus) ([]*models.KYCCase, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var cases []*models.KYCCase
	if err := q.Find(&cases).Error; err != nil {
		return nil, fmt.Errorf("list kyc cases: %w", err)
	}
	return cases, nil
}

func (s *DatabaseStore) SaveSubmission(ctx context.Context, c *models.KYCCase) (*models.KYCCase, error) {
	var out *models.KYCCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := c.Clone()
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(submissionColumns),
			Where:     pendingOnly(),
		}).Create(row)
		if res.Error != nil {
			return fmt.Errorf("upsert kyc case: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return guardError(tx, c.UserID)
		}

		err := tx.Model(&models.Profile{}).
			Where("user_id = ?", c.UserID).
			Updates(map[string]interface{}{"kyc_status": string(models.KYCStatusPending), "updated_at": c.UpdatedAt}).Error
		if err != nil {
			return fmt.Errorf("update profile kyc status: %w", err)
		}

		out, err = loadCase(tx, c.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DatabaseStore) SavePhoneChallenge(ctx context.Context, userID uuid.UUID, phone string, ch models.PhoneChallenge, at time.Time) (*models.KYCCase, error) {
	var out *models.KYCCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := &models.KYCCase{
			UserID:         userID,
			Phone:          phone,
			PhoneChallenge: ch,
			Status:         models.KYCStatusPending,
			CreatedAt:      at,
			UpdatedAt:      at,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(phoneColumns),
			Where:     pendingOnly(),
		}).Create(row)
		if res.Error != nil {
			return fmt.Errorf("upsert phone challenge: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return guardError(tx, userID)
		}

		var err error
		out, err = loadCase(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DatabaseStore) TransitionKYCCase(ctx context.Context, userID uuid.UUID, from []models.KYCStatus, to models.KYCStatus, at time.Time) (*models.KYCCase, error) {
	var out *models.KYCCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.KYCCase{}).
			Where("user_id = ? AND status IN ?", userID, statusStrings(from)).
			Updates(map[string]interface{}{"status": string(to), "updated_at": at})
		if res.Error != nil {
			return fmt.Errorf("transition kyc case: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return guardError(tx, userID)
		}

		var err error
		out, err = loadCase(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDecision updates the case, the profile and the outbox in one transaction.
// Any failure rolls all three back.
func (s *DatabaseStore) ApplyDecision(ctx context.Context, d Decision) (*models.KYCCase, error) {
	var out *models.KYCCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.KYCCase{}).
			Where("user_id = ? AND status IN ?", d.UserID, statusStrings(d.From)).
			Updates(map[string]interface{}{
				"status":           string(d.To),
				"rejection_reason": d.RejectionReason,
				"reviewed_by":      d.ReviewerID,
				"reviewed_at":      d.At,
				"updated_at":       d.At,
			})
		if res.Error != nil {
			return fmt.Errorf("update kyc case: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return guardError(tx, d.UserID)
		}

		cols := d.Profile.Columns()
		cols["updated_at"] = d.At
		res = tx.Model(&models.Profile{}).Where("user_id = ?", d.UserID).Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("update profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("profile %s: %w", d.UserID, ErrNotFound)
		}

		if d.Notification != nil {
			n := *d.Notification
			if n.CreatedAt.IsZero() {
				n.CreatedAt = d.At
			}
			if err := tx.Create(&n).Error; err != nil {
				return fmt.Errorf("queue notification: %w", err)
			}
		}

		var err error
		out, err = loadCase(tx, d.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *DatabaseStore) ResetKYCCase(ctx context.Context, userID uuid.UUID, at time.Time) (*models.KYCCase, error) {
	var prev models.KYCCase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&prev).Error
		if err != nil {
			return notFound(err, "kyc case")
		}
		if prev.Status != models.KYCStatusRejected {
			return fmt.Errorf("case is %s: %w", prev.Status, ErrStatusConflict)
		}
		return tx.Model(&models.KYCCase{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"status":           string(models.KYCStatusPending),
				"rejection_reason": nil,
				"video_url":        "",
				"video_key":        "",
				"id_type":          "",
				"id_url":           "",
				"id_key":           "",
				"submitted_at":     nil,
				"updated_at":       at,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &prev, nil
}

// OTP audit log
func (s *DatabaseStore) CreateOTPDispatch(ctx context.Context, d *models.OTPDispatch) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create otp dispatch: %w", err)
	}
	return nil
}

func (s *DatabaseStore) LatestOTPDispatch(ctx context.Context, userID uuid.UUID, phone string) (*models.OTPDispatch, error) {
	var d models.OTPDispatch
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND phone = ?", userID, phone).
		Order("created_at DESC").
		First(&d).Error
	if err != nil {
		return nil, notFound(err, "otp dispatch")
	}
	return &d, nil
}

func (s *DatabaseStore) UpdateOTPDispatchStatus(ctx context.Context, id uuid.UUID, status string, verifiedAt *time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.OTPDispatch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "verified_at": verifiedAt})
	if res.Error != nil {
		return fmt.Errorf("update otp dispatch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("otp dispatch %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *DatabaseStore) ExpireOTPDispatches(ctx context.Context, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&models.OTPDispatch{}).
		Where("user_id = ? AND status = ?", userID, models.OTPStatusSent).
		Update("status", models.OTPStatusExpired).Error
	if err != nil {
		return fmt.Errorf("expire otp dispatches: %w", err)
	}
	return nil
}

// RecordOTPAttempt increments with a guarded UPDATE so concurrent guesses
// cannot pass the ceiling
func (s *DatabaseStore) RecordOTPAttempt(ctx context.Context, id uuid.UUID, max int) (int, error) {
	var counted []int
	err := s.db.WithContext(ctx).Raw(
		`UPDATE otp_dispatches SET attempts = attempts + 1
		 WHERE id = ? AND status = ? AND attempts < ?
		 RETURNING attempts`,
		id, models.OTPStatusSent, max,
	).Scan(&counted).Error
	if err != nil {
		return 0, fmt.Errorf("record otp attempt: %w", err)
	}
	if len(counted) == 1 {
		return counted[0], nil
	}

	var d models.OTPDispatch
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return 0, notFound(err, "otp dispatch")
	}
	if d.Status != models.OTPStatusSent {
		return d.Attempts, fmt.Errorf("otp dispatch is %s: %w", d.Status, ErrStatusConflict)
	}
	return d.Attempts, ErrQuotaExceeded
}

func (s *DatabaseStore) RefundOTPAttempt(ctx context.Context, id uuid.UUID) error {
	err := s.db.WithContext(ctx).Model(&models.OTPDispatch{}).
		Where("id = ? AND status = ? AND attempts > 0", id, models.OTPStatusSent).
		Update("attempts", gorm.Expr("attempts - 1")).Error
	if err != nil {
		return fmt.Errorf("refund otp attempt: %w", err)
	}
	return nil
}

// Notification outbox
func (s *DatabaseStore) ListNotifications(ctx context.Context, userID uuid.UUID) ([]*models.Notification, error) {
	var out []*models.Notification
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Limit(100).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}

func (s *DatabaseStore) MarkNotificationRead(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read_at", gorm.Expr("COALESCE(read_at, ?)", at))
	if res.Error != nil {
		return fmt.Errorf("mark notification read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *DatabaseStore) PendingNotifications(ctx context.Context, priority string, limit int) ([]*models.Notification, error) {
	q := s.db.WithContext(ctx).Where("delivery_status = ?", models.DeliveryPending).Order("created_at ASC")
	if priority != "" {
		q = q.Where("priority = ?", priority)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*models.Notification
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("pending notifications: %w", err)
	}
	return out, nil
}

func (s *DatabaseStore) MarkNotificationDelivery(ctx context.Context, id uuid.UUID, status, providerMessageID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"delivery_status": status, "provider_message_id": providerMessageID, "delivered_at": at})
	if res.Error != nil {
		return fmt.Errorf("mark notification delivery: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *DatabaseStore) UpdateDeliveryByMessageID(ctx context.Context, providerMessageID, status string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("provider_message_id = ?", providerMessageID).
		Updates(map[string]interface{}{"delivery_status": status, "delivered_at": at})
	if res.Error != nil {
		return fmt.Errorf("update delivery status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("notification with message %s: %w", providerMessageID, ErrNotFound)
	}
	return nil
}

// Rate-limit windows
func (s *DatabaseStore) GetRateLimitWindow(ctx context.Context, userID uuid.UUID, phone string) (*models.RateLimitWindow, error) {
	var w models.RateLimitWindow
	if err := s.db.WithContext(ctx).Where("user_id = ? AND phone = ?", userID, phone).First(&w).Error; err != nil {
		return nil, notFound(err, "rate limit window")
	}
	return &w, nil
}

// RecordOTPSend is a single conditional upsert: a stale window restarts at 1,
// a live one increments only while below the quota.
func (s *DatabaseStore) RecordOTPSend(ctx context.Context, userID uuid.UUID, phone string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitWindow, error) {
	resetAt := now.Add(policy.Window)
	row := &models.RateLimitWindow{
		UserID:       userID,
		Phone:        phone,
		RequestCount: 1,
		LastSentAt:   &now,
		ResetAt:      resetAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "phone"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"request_count": gorm.Expr("CASE WHEN otp_rate_limits.reset_at < ? THEN 1 ELSE otp_rate_limits.request_count + 1 END", now),
			"reset_at":      gorm.Expr("CASE WHEN otp_rate_limits.reset_at < ? THEN ? ELSE otp_rate_limits.reset_at END", now, resetAt),
			"last_sent_at":  now,
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			gorm.Expr("otp_rate_limits.reset_at < ? OR otp_rate_limits.request_count < ?", now, policy.Quota),
		}},
	}).Create(row)
	if res.Error != nil {
		return nil, fmt.Errorf("record otp send: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrQuotaExceeded
	}
	return s.GetRateLimitWindow(ctx, userID, phone)
}

func loadCase(db *gorm.DB, userID uuid.UUID) (*models.KYCCase, error) {
	var c models.KYCCase
	if err := db.Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, notFound(err, "kyc case")
	}
	return &c, nil
}

// guardError explains why a status-guarded write touched no rows
func guardError(tx *gorm.DB, userID uuid.UUID) error {
	var c models.KYCCase
	err := tx.Select("status").Where("user_id = ?", userID).First(&c).Error
	if err != nil {
		return notFound(err, "kyc case")
	}
	return fmt.Errorf("case is %s: %w", c.Status, ErrStatusConflict)
}

func pendingOnly() clause.Where {
	return clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: "kyc_cases", Name: "status"}, Value: string(models.KYCStatusPending)},
	}}
}

func statusStrings(statuses []models.KYCStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
