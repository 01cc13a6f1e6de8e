package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mu    sync.Mutex
	err   error
	calls map[string][]string
}

func (f *fakeDeleter) Delete(ctx context.Context, keys []string, resourceType string) (*DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string][]string{}
	}
	f.calls[resourceType] = append(f.calls[resourceType], keys...)
	if f.err != nil {
		return nil, f.err
	}
	return &DeleteResult{Deleted: keys}, nil
}

type kycFixture struct {
	svc     *KYCService
	store   *storage.MemoryStore
	clock   *testclock.Clock
	deleter *fakeDeleter
	userID  uuid.UUID
	user    Actor
	admin   Actor
}

func newKYCFixture(t *testing.T) *kycFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := testclock.NewClock(epoch)
	deleter := &fakeDeleter{}
	userID := uuid.New()

	require.NoError(t, store.CreateProfile(context.Background(), &models.Profile{
		UserID:    userID,
		FullName:  "Asha Rao",
		Role:      models.RoleGuest,
		KYCStatus: models.KYCStatusNotSubmitted,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}))

	return &kycFixture{
		svc:     NewKYCService(store, deleter, clk, nil, true),
		store:   store,
		clock:   clk,
		deleter: deleter,
		userID:  userID,
		user:    Actor{UserID: userID},
		admin:   Actor{UserID: uuid.New(), Admin: true},
	}
}

func (f *kycFixture) submission() Submission {
	return Submission{
		Phone:  "9876543210",
		Video:  models.MediaRef{URL: "https://res.example.com/v1.mp4", StorageKey: "rentpe/kyc_video/" + f.userID.String() + "/v1", Kind: models.MediaKindKYCVideo},
		IDType: models.IDTypeAadhar,
		ID:     models.MediaRef{URL: "https://res.example.com/d1.jpg", StorageKey: "rentpe/kyc_document/" + f.userID.String() + "/d1", Kind: models.MediaKindKYCDocument},
	}
}

func (f *kycFixture) profile(t *testing.T) *models.Profile {
	t.Helper()
	p, err := f.store.GetProfile(context.Background(), f.userID)
	require.NoError(t, err)
	return p
}

func (f *kycFixture) notifications(t *testing.T) []*models.Notification {
	t.Helper()
	n, err := f.store.ListNotifications(context.Background(), f.userID)
	require.NoError(t, err)
	return n
}

func TestKYC_SubmitReviewApprove(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	c, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	assert.Equal(t, "+919876543210", c.Phone)
	assert.Equal(t, models.KYCStatusPending, c.Status)
	assert.Equal(t, models.IDTypeAadhar, c.IDType)
	assert.Equal(t, "rentpe/kyc_video/"+f.userID.String()+"/v1", c.VideoKey)
	assert.Equal(t, models.KYCStatusPending, f.profile(t).KYCStatus)

	f.clock.Advance(time.Hour)
	c, err = f.svc.StartReview(ctx, f.admin, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusUnderReview, c.Status)

	f.clock.Advance(time.Hour)
	c, err = f.svc.Approve(ctx, f.admin, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, c.Status)
	require.NotNil(t, c.ReviewedBy)
	assert.Equal(t, f.admin.UserID, *c.ReviewedBy)
	assert.Equal(t, epoch.Add(2*time.Hour), *c.ReviewedAt)
	assert.Nil(t, c.RejectionReason)

	p := f.profile(t)
	assert.Equal(t, models.RoleHost, p.Role)
	assert.True(t, p.IdentityVerified)
	assert.Equal(t, models.KYCStatusApproved, p.KYCStatus)

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, models.CategoryKYCApproved, notes[0].Category)
	assert.Equal(t, models.PriorityHigh, notes[0].Priority)
	assert.Equal(t, "kyc_case", notes[0].RelatedEntityType)
	require.NotNil(t, notes[0].RelatedEntityID)
	assert.Equal(t, c.ID, *notes[0].RelatedEntityID)
}

func TestKYC_RejectResetResubmit(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	sub := f.submission()

	_, err := f.svc.Submit(ctx, f.user, f.userID, sub)
	require.NoError(t, err)

	c, err := f.svc.Reject(ctx, f.admin, f.userID, "  blurry document ")
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusRejected, c.Status)
	require.NotNil(t, c.RejectionReason)
	assert.Equal(t, "blurry document", *c.RejectionReason)

	p := f.profile(t)
	assert.Equal(t, models.RoleGuest, p.Role)
	assert.False(t, p.IdentityVerified)
	assert.Equal(t, models.KYCStatusRejected, p.KYCStatus)

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, models.CategoryKYCRejected, notes[0].Category)
	assert.Contains(t, notes[0].Body, "blurry document")

	// a rejected case cannot be overwritten before a reset
	_, err = f.svc.Submit(ctx, f.user, f.userID, sub)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c, err = f.svc.Reset(ctx, f.user, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)
	assert.Nil(t, c.RejectionReason)
	assert.Empty(t, c.VideoKey)
	assert.Empty(t, c.IDKey)
	assert.Empty(t, c.IDType)

	assert.Equal(t, []string{sub.Video.StorageKey}, f.deleter.calls["video"])
	assert.Equal(t, []string{sub.ID.StorageKey}, f.deleter.calls["image"])

	_, err = f.svc.Submit(ctx, f.user, f.userID, sub)
	require.NoError(t, err)
}

func TestKYC_SubmitIsIdempotentWhilePending(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)

	sub := f.submission()
	sub.IDType = models.IDTypePassport
	sub.ID.StorageKey = "rentpe/kyc_document/" + f.userID.String() + "/d2"
	f.clock.Advance(time.Minute)
	second, err := f.svc.Submit(ctx, f.user, f.userID, sub)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.IDTypePassport, second.IDType)
	assert.Equal(t, sub.ID.StorageKey, second.IDKey)

	all, err := f.svc.List(ctx, f.admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestKYC_SubmitValidation(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		field  string
		mutate func(*Submission)
	}{
		{"foreign phone", "phone", func(s *Submission) { s.Phone = "+14155550123" }},
		{"no video", "video", func(s *Submission) { s.Video = models.MediaRef{} }},
		{"unknown id type", "idType", func(s *Submission) { s.IDType = "voter_id" }},
		{"no id document", "idDocument", func(s *Submission) { s.ID = models.MediaRef{} }},
		{"someone else's video", "video", func(s *Submission) {
			s.Video.StorageKey = "rentpe/kyc_video/" + uuid.NewString() + "/v1"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := f.submission()
			tc.mutate(&sub)
			_, err := f.svc.Submit(ctx, f.user, f.userID, sub)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	_, err := f.store.GetKYCCase(ctx, f.userID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKYC_DecisionsOnlyFromReviewableStates(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	_, err := f.svc.Approve(ctx, f.admin, f.userID)
	assert.ErrorIs(t, err, ErrCaseNotFound)

	_, err = f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, f.admin, f.userID)
	require.NoError(t, err)
	before := f.profile(t)

	_, err = f.svc.Approve(ctx, f.admin, f.userID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Reject(ctx, f.admin, f.userID, "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.Reset(ctx, f.user, f.userID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	c, err := f.svc.Get(ctx, f.user, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusApproved, c.Status)
	assert.Nil(t, c.RejectionReason)
	assert.Equal(t, before, f.profile(t))
	assert.Len(t, f.notifications(t), 1)
	assert.Empty(t, f.deleter.calls)

	// an approved case may be pulled back for another look
	c, err = f.svc.StartReview(ctx, f.admin, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusUnderReview, c.Status)
}

func TestKYC_ApproveWithoutProfileChangesNothing(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	orphan := uuid.New()

	sub := f.submission()
	sub.Video = models.MediaRef{URL: "https://res.example.com/v.mp4"}
	sub.ID = models.MediaRef{URL: "https://res.example.com/d.jpg"}
	_, err := f.svc.Submit(ctx, Actor{UserID: orphan}, orphan, sub)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, f.admin, orphan)
	assert.ErrorIs(t, err, ErrProfileNotFound)

	c, err := f.store.GetKYCCase(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)
	assert.Nil(t, c.ReviewedBy)

	n, err := f.store.ListNotifications(ctx, orphan)
	require.NoError(t, err)
	assert.Empty(t, n)
}

func TestKYC_Authorization(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	stranger := Actor{UserID: uuid.New()}

	_, err := f.svc.Submit(ctx, stranger, f.userID, f.submission())
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Submit(ctx, f.admin, f.userID, f.submission())
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)

	_, err = f.svc.StartReview(ctx, f.user, f.userID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Approve(ctx, f.user, f.userID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Reject(ctx, f.user, f.userID, "no")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.List(ctx, f.user, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Get(ctx, stranger, f.userID)
	assert.ErrorIs(t, err, ErrForbidden)

	c, err := f.svc.Get(ctx, f.admin, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)
}

func TestKYC_RejectReasonRules(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)

	var verr *ValidationError
	_, err = f.svc.Reject(ctx, f.admin, f.userID, "   ")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	_, err = f.svc.Reject(ctx, f.admin, f.userID, strings.Repeat("x", maxRejectionReason+1))
	require.ErrorAs(t, err, &verr)

	c, err := f.svc.Get(ctx, f.user, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)
}

func TestKYC_VerifiedPhoneSurvivesResubmit(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	var ch models.PhoneChallenge
	ch.Issue(epoch.Add(OTPExpiry))
	require.NoError(t, ch.Verify(epoch))
	_, err := f.store.SavePhoneChallenge(ctx, f.userID, "+919876543210", ch, epoch)
	require.NoError(t, err)

	c, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	assert.True(t, c.PhoneVerified())

	sub := f.submission()
	sub.Phone = "9123456789"
	c, err = f.svc.Submit(ctx, f.user, f.userID, sub)
	require.NoError(t, err)
	assert.False(t, c.PhoneVerified())
	assert.Equal(t, models.PhoneStateUnset, c.PhoneChallenge.State)
}

func TestKYC_SentChallengeSurvivesResubmit(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()

	var ch models.PhoneChallenge
	ch.Issue(epoch.Add(OTPExpiry))
	ch.Attempts = 2
	_, err := f.store.SavePhoneChallenge(ctx, f.userID, "+919876543210", ch, epoch)
	require.NoError(t, err)

	c, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	assert.Equal(t, models.PhoneStateSent, c.PhoneChallenge.State)
	assert.Equal(t, 2, c.PhoneChallenge.Attempts)

	sub := f.submission()
	sub.Phone = "9123456789"
	c, err = f.svc.Submit(ctx, f.user, f.userID, sub)
	require.NoError(t, err)
	assert.Equal(t, models.PhoneStateUnset, c.PhoneChallenge.State)
}

func TestKYC_PurgeFailureDoesNotFailReset(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	f.deleter.err = errors.New("cloudinary down")

	_, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, f.admin, f.userID, "blurry document")
	require.NoError(t, err)

	c, err := f.svc.Reset(ctx, f.user, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.KYCStatusPending, c.Status)
	assert.Len(t, f.deleter.calls, 2)
}

func TestKYC_ResetWithoutPurge(t *testing.T) {
	f := newKYCFixture(t)
	f.svc = NewKYCService(f.store, f.deleter, f.clock, nil, false)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, f.admin, f.userID, "blurry document")
	require.NoError(t, err)
	_, err = f.svc.Reset(ctx, f.user, f.userID)
	require.NoError(t, err)

	assert.Empty(t, f.deleter.calls)
}

func TestKYC_ListByStatus(t *testing.T) {
	f := newKYCFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, f.user, f.userID, f.submission())
	require.NoError(t, err)

	pending, err := f.svc.List(ctx, f.admin, models.KYCStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	approved, err := f.svc.List(ctx, f.admin, models.KYCStatusApproved)
	require.NoError(t, err)
	assert.Empty(t, approved)

	var verr *ValidationError
	_, err = f.svc.List(ctx, f.admin, "archived")
	assert.ErrorAs(t, err, &verr)
}
