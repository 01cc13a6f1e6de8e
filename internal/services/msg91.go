package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const msg91BaseURL = "https://control.msg91.com/api/v5"

// MSG91Channel is the primary OTP channel. The code is generated locally and
// handed to MSG91, which renders it into the DLT template.
type MSG91Channel struct {
	authKey    string
	templateID string
	baseURL    string
	expiry     time.Duration
	client     *http.Client
}

// NewMSG91Channel creates the channel. Empty credentials make every call fail
// with ErrChannelNotConfigured.
func NewMSG91Channel(authKey, templateID string, timeout time.Duration) *MSG91Channel {
	return &MSG91Channel{
		authKey:    authKey,
		templateID: templateID,
		baseURL:    msg91BaseURL,
		expiry:     OTPExpiry,
		client:     &http.Client{Timeout: timeout},
	}
}

// WithBaseURL points the channel at another host
func (m *MSG91Channel) WithBaseURL(base string) *MSG91Channel {
	m.baseURL = strings.TrimRight(base, "/")
	return m
}

func (m *MSG91Channel) Name() string { return "msg91" }

type msg91Response struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (m *MSG91Channel) Send(ctx context.Context, phone, code string) (string, error) {
	if m.authKey == "" || m.templateID == "" {
		return "", ErrChannelNotConfigured
	}

	q := url.Values{}
	q.Set("template_id", m.templateID)
	q.Set("mobile", msg91Mobile(phone))
	q.Set("otp", code)
	q.Set("otp_expiry", fmt.Sprintf("%d", int(m.expiry.Minutes())))

	res, err := m.do(ctx, http.MethodPost, "/otp?"+q.Encode(), strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	if res.Type != "success" {
		return "", fmt.Errorf("msg91 rejected send: %s", res.Message)
	}
	if res.RequestID == "" {
		return res.Message, nil
	}
	return res.RequestID, nil
}

func (m *MSG91Channel) Verify(ctx context.Context, phone, code string) (bool, error) {
	if m.authKey == "" {
		return false, ErrChannelNotConfigured
	}

	q := url.Values{}
	q.Set("otp", code)
	q.Set("mobile", msg91Mobile(phone))

	res, err := m.do(ctx, http.MethodGet, "/otp/verify?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	if res.Type == "success" {
		return true, nil
	}
	if msg91CodeRejected(res.Message) {
		return false, nil
	}
	return false, fmt.Errorf("msg91 rejected verify: %s", res.Message)
}

func (m *MSG91Channel) do(ctx context.Context, method, path string, body io.Reader) (*msg91Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create msg91 request: %w", err)
	}
	req.Header.Set("authkey", m.authKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("msg91 request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read msg91 response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("msg91 returned status %d", resp.StatusCode)
	}

	var out msg91Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse msg91 response (status %d): %w", resp.StatusCode, err)
	}
	return &out, nil
}

// msg91Mobile renders +91XXXXXXXXXX as 91XXXXXXXXXX
func msg91Mobile(phone string) string {
	return strings.TrimPrefix(phone, "+")
}

// msg91CodeRejected reports whether an error message means the code itself was wrong or stale
func msg91CodeRejected(message string) bool {
	msg := strings.ToLower(message)
	for _, s := range []string{"not match", "invalid otp", "otp expired", "expired", "max limit"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
