package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rentpe/rentpe-backend/database"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDatabaseStore needs a disposable PostgreSQL in DATABASE_URL
func newDatabaseStore(t *testing.T) *DatabaseStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping PostgreSQL store tests")
	}
	db, err := database.Connect(database.Settings{URL: dsn})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	require.NoError(t, db.Exec("TRUNCATE TABLE notifications, otp_rate_limits, otp_dispatches, kyc_cases, profiles").Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDatabaseStore(db)
}

func TestDatabaseStore_SubmissionAndDecision(t *testing.T) {
	s := newDatabaseStore(t)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateProfile(ctx, &models.Profile{UserID: userID, Role: models.RoleGuest, KYCStatus: models.KYCStatusNotSubmitted, CreatedAt: now, UpdatedAt: now}))

	first, err := s.SaveSubmission(ctx, submission(userID, now))
	require.NoError(t, err)
	second, err := s.SaveSubmission(ctx, submission(userID, now.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	profile, err := s.GetProfile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, profile.KYCStatus)

	role := models.RoleHost
	verified := true
	status := models.KYCStatusApproved
	c, err := s.ApplyDecision(ctx, Decision{
		UserID:       userID,
		From:         []models.KYCStatus{models.KYCStatusPending, models.KYCStatusUnderReview},
		To:           models.KYCStatusApproved,
		ReviewerID:   uuid.New(),
		At:           now,
		Profile:      models.ProfileUpdate{Role: &role, IdentityVerified: &verified, KYCStatus: &status},
		Notification: &models.Notification{UserID: userID, Category: models.CategoryKYCApproved, Title: "t", Body: "b", Priority: models.PriorityHigh},
	})
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, c.Status)

	_, err = s.SaveSubmission(ctx, submission(userID, now))
	assert.ErrorIs(t, err, ErrStatusConflict)

	pending, err := s.PendingNotifications(ctx, models.PriorityHigh, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDatabaseStore_DecisionRollsBackWithoutProfile(t *testing.T) {
	s := newDatabaseStore(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.SaveSubmission(ctx, submission(userID, time.Now()))
	require.NoError(t, err)

	role := models.RoleHost
	_, err = s.ApplyDecision(ctx, Decision{
		UserID:       userID,
		From:         []models.KYCStatus{models.KYCStatusPending},
		To:           models.KYCStatusApproved,
		At:           time.Now(),
		Profile:      models.ProfileUpdate{Role: &role},
		Notification: &models.Notification{UserID: userID, Category: models.CategoryKYCApproved, Title: "t", Body: "b", Priority: models.PriorityHigh},
	})
	assert.ErrorIs(t, err, ErrNotFound)

	c, err := s.GetKYCCase(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)

	pending, err := s.PendingNotifications(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDatabaseStore_RecordOTPSendCeiling(t *testing.T) {
	s := newDatabaseStore(t)
	ctx := context.Background()
	userID := uuid.New()
	phone := "+919876543210"
	now := time.Now().UTC()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordOTPSend(ctx, userID, phone, now, testPolicy); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, testPolicy.Quota, accepted)
	w, err := s.GetRateLimitWindow(ctx, userID, phone)
	require.NoError(t, err)
	assert.Equal(t, testPolicy.Quota, w.RequestCount)

	w, err = s.RecordOTPSend(ctx, userID, phone, now.Add(2*time.Hour), testPolicy)
	require.NoError(t, err)
	assert.Equal(t, 1, w.RequestCount)
}

func TestDatabaseStore_RecordOTPAttemptCeiling(t *testing.T) {
	s := newDatabaseStore(t)
	ctx := context.Background()
	userID := uuid.New()
	d := &models.OTPDispatch{UserID: userID, Phone: "+919876543210", Status: models.OTPStatusSent, ExpiresAt: time.Now().Add(5 * time.Minute)}
	require.NoError(t, s.CreateOTPDispatch(ctx, d))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RecordOTPAttempt(ctx, d.ID, 5); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, accepted)

	_, err := s.RecordOTPAttempt(ctx, d.ID, 5)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, s.ExpireOTPDispatches(ctx, userID))
	_, err = s.RecordOTPAttempt(ctx, d.ID, 5)
	assert.ErrorIs(t, err, ErrStatusConflict)
}
