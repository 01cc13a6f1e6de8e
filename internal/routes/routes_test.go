package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/rentpe/rentpe-backend/internal/handlers"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/services"
	"github.com/rentpe/rentpe-backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// stubChannel accepts every send and answers verifications with ok
type stubChannel struct {
	mu        sync.Mutex
	ok        bool
	verifyErr error
}

func (s *stubChannel) Name() string { return "msg91" }

func (s *stubChannel) Send(ctx context.Context, phone, code string) (string, error) {
	return "req-1", nil
}

func (s *stubChannel) Verify(ctx context.Context, phone, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok, s.verifyErr
}

// stubMedia stores nothing and names keys like the real gateway
type stubMedia struct {
	mu      sync.Mutex
	deleted []string
}

func (s *stubMedia) Upload(ctx context.Context, data []byte, filename string, kind models.MediaKind, owner models.MediaOwner) (*models.MediaRef, error) {
	key := "rentpe/" + string(kind) + "/" + owner.UserID.String() + "/" + filename
	return &models.MediaRef{URL: "https://res.example.com/" + key, StorageKey: key, Kind: kind}, nil
}

func (s *stubMedia) Delete(ctx context.Context, keys []string, resourceType string) (*services.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, keys...)
	return &services.DeleteResult{Deleted: keys, Errors: []services.DeleteError{}}, nil
}

type testServer struct {
	app     *fiber.App
	auth    *middleware.Auth
	store   *storage.MemoryStore
	clock   *testclock.Clock
	channel *stubChannel
	media   *stubMedia
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := testclock.NewClock(epoch)
	m := metrics.New()
	channel := &stubChannel{}
	media := &stubMedia{}
	auth := middleware.NewAuth("test-secret", nil)

	limiter := services.NewRateLimiter(store, clk, services.DefaultRateLimitPolicy(), m)
	otp := services.NewOTPService(store, limiter, services.NewFailoverChannel(time.Second, m, channel), clk)
	kyc := services.NewKYCService(store, media, clk, m, true)
	profiles := services.NewProfileService(store, clk)

	app := fiber.New()
	SetupRoutes(app, Handlers{
		Auth:    auth,
		Health:  handlers.NewHealthHandler("test", store),
		OTP:     handlers.NewOTPHandler(otp, clk),
		KYC:     handlers.NewKYCHandler(kyc, clk),
		Admin:   handlers.NewAdminHandler(kyc, clk),
		Media:   handlers.NewMediaHandler(media, clk),
		Profile: handlers.NewProfileHandler(profiles, clk),
		Webhook: handlers.NewWebhookHandler(store, clk, m),
		Metrics: m,
	}, WebhookSettings{Disabled: true})

	return &testServer{app: app, auth: auth, store: store, clock: clk, channel: channel, media: media}
}

func (s *testServer) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	tok, err := s.auth.SignToken(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func (s *testServer) upload(t *testing.T, token, kind, filename string) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("kind", kind))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, _ = fw.Write([]byte("bytes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/media/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	status, body := s.send(t, req)
	require.Equal(t, 201, status, body)
	return body
}

func TestKYCApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	user := s.token(t, userID, "")
	admin := s.token(t, uuid.New(), "admin")

	status, _ := s.do(t, "POST", "/api/profile", user, map[string]string{"fullName": "Asha Rao"})
	require.Equal(t, 201, status)

	video := s.upload(t, user, "kyc_video", "v1")
	doc := s.upload(t, user, "kyc_document", "d1")

	status, body := s.do(t, "POST", "/send-otp", user, map[string]string{
		"phoneNumber": "9876543210",
		"userId":      userID.String(),
	})
	require.Equal(t, 200, status, body)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "msg91", body["provider"])
	assert.Equal(t, "req-1", body["requestId"])

	s.channel.mu.Lock()
	s.channel.ok = true
	s.channel.mu.Unlock()
	status, body = s.do(t, "POST", "/verify-otp", user, map[string]string{
		"phoneNumber": "+919876543210",
		"otp":         "123456",
		"userId":      userID.String(),
	})
	require.Equal(t, 200, status, body)
	assert.Equal(t, true, body["verified"])

	status, body = s.do(t, "POST", "/api/kyc/submit", user, map[string]interface{}{
		"phone":      "9876543210",
		"video":      map[string]interface{}{"url": video["url"], "storageKey": video["storageKey"]},
		"idType":     "aadhar",
		"idDocument": map[string]interface{}{"url": doc["url"], "storageKey": doc["storageKey"]},
	})
	require.Equal(t, 201, status, body)
	kc := body["case"].(map[string]interface{})
	assert.Equal(t, "pending", kc["status"])
	assert.Equal(t, "+919876543210", kc["phone"])
	assert.Equal(t, "verified", kc["phone_verification"].(map[string]interface{})["state"])

	status, _ = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/review", admin, nil)
	require.Equal(t, 200, status)
	status, body = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/approve", admin, nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, "approved", body["case"].(map[string]interface{})["status"])

	status, body = s.do(t, "GET", "/api/profile", user, nil)
	require.Equal(t, 200, status)
	profile := body["profile"].(map[string]interface{})
	assert.Equal(t, "host", profile["role"])
	assert.Equal(t, true, profile["identity_verified"])

	status, body = s.do(t, "GET", "/api/notifications", user, nil)
	require.Equal(t, 200, status)
	notes := body["notifications"].([]interface{})
	require.Len(t, notes, 1)
	assert.Equal(t, "high", notes[0].(map[string]interface{})["priority"])
	assert.Equal(t, float64(1), body["unread"])

	// a second approval is a conflict, not a repeat
	status, _ = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/approve", admin, nil)
	assert.Equal(t, 409, status)
}

func TestKYCRejectAndReset(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	user := s.token(t, userID, "")
	admin := s.token(t, uuid.New(), "admin")

	status, _ := s.do(t, "POST", "/api/profile", user, map[string]string{"fullName": "Asha Rao"})
	require.Equal(t, 201, status)
	video := s.upload(t, user, "kyc_video", "v1")
	doc := s.upload(t, user, "kyc_document", "d1")

	status, body := s.do(t, "POST", "/api/kyc/submit", user, map[string]interface{}{
		"phone":      "9876543210",
		"video":      map[string]interface{}{"url": video["url"], "storageKey": video["storageKey"]},
		"idType":     "pan",
		"idDocument": map[string]interface{}{"url": doc["url"], "storageKey": doc["storageKey"]},
	})
	require.Equal(t, 201, status, body)

	status, body = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/reject", admin, map[string]string{})
	assert.Equal(t, 400, status)
	assert.Equal(t, "reason", body["field"])

	status, body = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/reject", admin, map[string]string{"reason": "blurry document"})
	require.Equal(t, 200, status, body)
	assert.Equal(t, "blurry document", body["case"].(map[string]interface{})["rejection_reason"])

	status, body = s.do(t, "POST", "/api/kyc/reset", user, nil)
	require.Equal(t, 200, status, body)
	assert.Equal(t, "pending", body["case"].(map[string]interface{})["status"])
	assert.ElementsMatch(t, []string{video["storageKey"].(string), doc["storageKey"].(string)}, s.media.deleted)

	status, _ = s.do(t, "POST", "/api/kyc/reset", user, nil)
	assert.Equal(t, 409, status)
}

func TestSendOTPErrors(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	user := s.token(t, userID, "")

	status, _ := s.do(t, "POST", "/send-otp", "", map[string]string{"phoneNumber": "9876543210", "userId": userID.String()})
	assert.Equal(t, 401, status)

	status, body := s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "12345", "userId": userID.String()})
	assert.Equal(t, 400, status)
	assert.Equal(t, "phoneNumber", body["field"])

	status, body = s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "9876543210"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "userId", body["field"])

	status, _ = s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "9876543210", "userId": uuid.NewString()})
	assert.Equal(t, 403, status)

	status, _ = s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "9876543210", "userId": userID.String()})
	require.Equal(t, 200, status)

	s.clock.Advance(15 * time.Second)
	status, body = s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "9876543210", "userId": userID.String()})
	assert.Equal(t, 429, status)
	assert.Equal(t, float64(45), body["retryAfter"])
}

func TestVerifyOTPProvidersDown(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	user := s.token(t, userID, "")

	status, body := s.do(t, "POST", "/send-otp", user, map[string]string{"phoneNumber": "9876543210", "userId": userID.String()})
	require.Equal(t, 200, status, body)

	s.channel.mu.Lock()
	s.channel.verifyErr = errors.New("503 service unavailable")
	s.channel.mu.Unlock()
	status, body = s.do(t, "POST", "/verify-otp", user, map[string]string{
		"phoneNumber": "+919876543210",
		"otp":         "123456",
		"userId":      userID.String(),
	})
	assert.Equal(t, 500, status)
	assert.Equal(t, "Failed to verify OTP. Please try again later.", body["error"])
}

func TestDeleteMediaOwnership(t *testing.T) {
	s := newTestServer(t)
	userID := uuid.New()
	user := s.token(t, userID, "")
	admin := s.token(t, uuid.New(), "admin")
	own := "rentpe/product_image/" + userID.String() + "/a"
	foreign := "rentpe/product_image/" + uuid.NewString() + "/b"

	status, _ := s.do(t, "POST", "/delete-cloudinary-media", user, map[string]interface{}{"publicIds": []string{own, foreign}})
	assert.Equal(t, 403, status)
	assert.Empty(t, s.media.deleted)

	status, body := s.do(t, "POST", "/delete-cloudinary-media", user, map[string]interface{}{"publicIds": []string{own}})
	require.Equal(t, 200, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []interface{}{own}, body["deleted"])

	status, _ = s.do(t, "POST", "/delete-cloudinary-media", admin, map[string]interface{}{"publicIds": []string{foreign}, "resourceType": "raw"})
	assert.Equal(t, 200, status)

	status, body = s.do(t, "POST", "/delete-cloudinary-media", admin, map[string]interface{}{"publicIds": []string{foreign}, "resourceType": "pdf"})
	assert.Equal(t, 400, status)
	assert.Equal(t, "resourceType", body["field"])

	status, _ = s.do(t, "POST", "/delete-cloudinary-media", admin, map[string]interface{}{"publicIds": []string{}})
	assert.Equal(t, 400, status)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s := newTestServer(t)
	user := s.token(t, uuid.New(), "")

	status, _ := s.do(t, "GET", "/api/admin/kyc", user, nil)
	assert.Equal(t, 403, status)

	status, body := s.do(t, "GET", "/api/admin/kyc?status=pending", s.token(t, uuid.New(), "admin"), nil)
	require.Equal(t, 200, status)
	assert.Equal(t, float64(0), body["count"])

	status, _ = s.do(t, "GET", "/api/admin/kyc/not-a-uuid", s.token(t, uuid.New(), "admin"), nil)
	assert.Equal(t, 400, status)
}

func TestTwilioStatusWebhook(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	userID := uuid.New()
	user := s.token(t, userID, "")

	status, _ := s.do(t, "POST", "/api/profile", user, map[string]string{"fullName": "Asha Rao"})
	require.Equal(t, 201, status)
	status, _ = s.do(t, "POST", "/api/kyc/submit", user, map[string]interface{}{
		"phone":      "9876543210",
		"video":      map[string]string{"url": "https://res.example.com/v.mp4"},
		"idType":     "pan",
		"idDocument": map[string]string{"url": "https://res.example.com/d.jpg"},
	})
	require.Equal(t, 201, status)
	status, _ = s.do(t, "POST", "/api/admin/kyc/"+userID.String()+"/approve", s.token(t, uuid.New(), "admin"), nil)
	require.Equal(t, 200, status)

	pending, err := s.store.PendingNotifications(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, s.store.MarkNotificationDelivery(ctx, pending[0].ID, models.DeliverySent, "SM123", epoch))

	req := httptest.NewRequest("POST", "/webhook/twilio/status", strings.NewReader("MessageSid=SM123&MessageStatus=delivered"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	status, _ = s.send(t, req)
	assert.Equal(t, 204, status)

	notes, err := s.store.ListNotifications(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, notes[0].DeliveryStatus)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, "GET", "/health", "", nil)
	assert.Equal(t, 200, status)
	assert.Equal(t, "OK", body["status"])

	resp, err := s.app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(raw), "go_goroutines")
}
