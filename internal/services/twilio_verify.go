package services

import (
	"context"
	"errors"
	"fmt"

	twilioclient "github.com/twilio/twilio-go/client"
	verify "github.com/twilio/twilio-go/rest/verify/v2"
)

// VerifyAPI is the slice of the Twilio Verify v2 service the channel uses
type VerifyAPI interface {
	CreateVerification(serviceSid string, params *verify.CreateVerificationParams) (*verify.VerifyV2Verification, error)
	CreateVerificationCheck(serviceSid string, params *verify.CreateVerificationCheckParams) (*verify.VerifyV2VerificationCheck, error)
}

// TwilioVerifyChannel is the fallback OTP channel. Twilio Verify generates and
// tracks its own code, so the locally generated one is not sent.
type TwilioVerifyChannel struct {
	api        VerifyAPI
	serviceSID string
}

// NewTwilioVerifyChannel creates the channel. A nil api or an empty service
// sid makes every call fail with ErrChannelNotConfigured.
func NewTwilioVerifyChannel(api VerifyAPI, serviceSID string) *TwilioVerifyChannel {
	return &TwilioVerifyChannel{api: api, serviceSID: serviceSID}
}

func (t *TwilioVerifyChannel) Name() string { return "twilio" }

func (t *TwilioVerifyChannel) configured() bool {
	return t.api != nil && t.serviceSID != ""
}

func (t *TwilioVerifyChannel) Send(ctx context.Context, phone, _ string) (string, error) {
	if !t.configured() {
		return "", ErrChannelNotConfigured
	}

	params := &verify.CreateVerificationParams{}
	params.SetTo(phone)
	params.SetChannel("sms")

	resp, err := withContext(ctx, func() (*verify.VerifyV2Verification, error) {
		return t.api.CreateVerification(t.serviceSID, params)
	})
	if err != nil {
		return "", fmt.Errorf("twilio verify send: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio verify send: response has no sid")
	}
	return *resp.Sid, nil
}

func (t *TwilioVerifyChannel) Verify(ctx context.Context, phone, code string) (bool, error) {
	if !t.configured() {
		return false, ErrChannelNotConfigured
	}

	params := &verify.CreateVerificationCheckParams{}
	params.SetTo(phone)
	params.SetCode(code)

	resp, err := withContext(ctx, func() (*verify.VerifyV2VerificationCheck, error) {
		return t.api.CreateVerificationCheck(t.serviceSID, params)
	})
	if err != nil {
		// 404 means there is no pending verification: expired, used or never sent
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status == 404 {
			return false, nil
		}
		return false, fmt.Errorf("twilio verify check: %w", err)
	}
	return resp.Status != nil && *resp.Status == "approved", nil
}

// withContext runs a blocking SDK call and gives up when ctx ends first
func withContext[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
