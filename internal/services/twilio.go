package services

import (
	"context"
	"fmt"
	"log"

	"github.com/rentpe/rentpe-backend/internal/utils"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MessageAPI is the slice of the Twilio REST API used to send SMS
type MessageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioService struct {
	client         *twilio.RestClient
	messages       MessageAPI
	from           string // SMS sender, E.164 or a messaging service sid
	statusCallback string
}

// NewTwilioService creates a new Twilio service instance
func NewTwilioService(accountSid, authToken, from, statusCallback string) (*TwilioService, error) {
	if accountSid == "" || authToken == "" {
		return nil, fmt.Errorf("missing Twilio credentials")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})

	return &TwilioService{
		client:         client,
		messages:       client.Api,
		from:           from,
		statusCallback: statusCallback,
	}, nil
}

// newTwilioServiceWithAPI builds a service over an existing message API
func newTwilioServiceWithAPI(messages MessageAPI, from, statusCallback string) *TwilioService {
	return &TwilioService{messages: messages, from: from, statusCallback: statusCallback}
}

// Verify returns the Verify v2 API of the underlying client, or nil when there is none
func (t *TwilioService) Verify() VerifyAPI {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.VerifyV2
}

// CanSendSMS reports whether a sender is configured
func (t *TwilioService) CanSendSMS() bool {
	return t != nil && t.messages != nil && t.from != ""
}

// SendSMS sends a plain text SMS and returns the message sid
func (t *TwilioService) SendSMS(ctx context.Context, to, body string) (string, error) {
	if !t.CanSendSMS() {
		return "", fmt.Errorf("twilio sms sender not configured")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo(to)
	params.SetBody(body)
	if t.statusCallback != "" {
		params.SetStatusCallback(t.statusCallback)
	}

	resp, err := withContext(ctx, func() (*twilioApi.ApiV2010Message, error) {
		return t.messages.CreateMessage(params)
	})
	if err != nil {
		log.Printf("❌ Failed to send SMS to %s: %v", utils.MaskPhone(to), err)
		return "", err
	}

	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return "", fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio response has no sid")
	}

	log.Printf("✅ SMS sent to %s, SID: %s", utils.MaskPhone(to), *resp.Sid)
	return *resp.Sid, nil
}
