package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/services"
)

// KYCHandler serves a user's own verification case
type KYCHandler struct {
	kyc   *services.KYCService
	clock clock.Clock
}

// NewKYCHandler creates a new KYC handler
func NewKYCHandler(kyc *services.KYCService, clk clock.Clock) *KYCHandler {
	return &KYCHandler{kyc: kyc, clock: clk}
}

type submitKYCRequest struct {
	Phone      string          `json:"phone" validate:"required"`
	Video      models.MediaRef `json:"video"`
	IDType     string          `json:"idType" validate:"required"`
	IDDocument models.MediaRef `json:"idDocument"`
}

// Get returns the caller's case
func (h *KYCHandler) Get(c *fiber.Ctx) error {
	actor := middleware.ActorFrom(c)
	kc, err := h.kyc.Get(c.UserContext(), actor, actor.UserID)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{"success": true, "case": kc})
}

// Submit creates or replaces the caller's pending case
func (h *KYCHandler) Submit(c *fiber.Ctx) error {
	var req submitKYCRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	req.Video.Kind = models.MediaKindKYCVideo
	req.IDDocument.Kind = models.MediaKindKYCDocument

	actor := middleware.ActorFrom(c)
	kc, err := h.kyc.Submit(c.UserContext(), actor, actor.UserID, services.Submission{
		Phone:  req.Phone,
		Video:  req.Video,
		IDType: models.IDType(req.IDType),
		ID:     req.IDDocument,
	})
	if err != nil {
		return respondError(c, h.clock, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"message": "KYC submitted for review",
		"case":    kc,
	})
}

// Reset reopens a rejected case for resubmission
func (h *KYCHandler) Reset(c *fiber.Ctx) error {
	actor := middleware.ActorFrom(c)
	kc, err := h.kyc.Reset(c.UserContext(), actor, actor.UserID)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "KYC reset, please submit again",
		"case":    kc,
	})
}
