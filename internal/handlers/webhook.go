package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/storage"
)

// DeliveryTracker records provider delivery receipts against the outbox
type DeliveryTracker interface {
	UpdateDeliveryByMessageID(ctx context.Context, providerMessageID, status string, at time.Time) error
}

// WebhookHandler handles Twilio status callbacks
type WebhookHandler struct {
	store   DeliveryTracker
	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(store DeliveryTracker, clk clock.Clock, m *metrics.Metrics) *WebhookHandler {
	return &WebhookHandler{store: store, clock: clk, metrics: m}
}

// TwilioStatusPayload is the form Twilio posts to a message's StatusCallback
type TwilioStatusPayload struct {
	MessageSid    string `form:"MessageSid"`
	AccountSid    string `form:"AccountSid"`
	MessageStatus string `form:"MessageStatus"`
	To            string `form:"To"`
	ErrorCode     string `form:"ErrorCode"`
}

// TwilioStatus updates the delivery status of an SMS notification.
// Unknown messages are acknowledged so Twilio stops retrying.
func (h *WebhookHandler) TwilioStatus(c *fiber.Ctx) error {
	var payload TwilioStatusPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Printf("Error parsing status callback: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook payload",
		})
	}
	if payload.MessageSid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "MessageSid is required",
		})
	}

	status, final := deliveryStatus(payload.MessageStatus)
	if !final {
		return c.SendStatus(fiber.StatusNoContent)
	}

	err := h.store.UpdateDeliveryByMessageID(c.UserContext(), payload.MessageSid, status, h.clock.Now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Printf("⚠️  Status callback for unknown message %s", payload.MessageSid)
	case err != nil:
		log.Printf("❌ Failed to record delivery of %s: %v", payload.MessageSid, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record status",
		})
	default:
		h.metrics.NotificationDelivery(status)
		if payload.ErrorCode != "" {
			log.Printf("📵 Message %s %s (error %s)", payload.MessageSid, payload.MessageStatus, payload.ErrorCode)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// deliveryStatus maps Twilio's message status onto the outbox; queued and
// sending are not recorded
func deliveryStatus(twilioStatus string) (string, bool) {
	switch twilioStatus {
	case "sent":
		return models.DeliverySent, true
	case "delivered", "read":
		return models.DeliveryDelivered, true
	case "failed", "undelivered":
		return models.DeliveryFailed, true
	}
	return "", false
}
