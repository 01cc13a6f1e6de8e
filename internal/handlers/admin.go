package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/services"
)

// AdminHandler handles reviewer operations on KYC cases
type AdminHandler struct {
	kyc   *services.KYCService
	clock clock.Clock
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(kyc *services.KYCService, clk clock.Clock) *AdminHandler {
	return &AdminHandler{kyc: kyc, clock: clk}
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ListCases lists cases, optionally filtered by ?status=
func (h *AdminHandler) ListCases(c *fiber.Ctx) error {
	cases, err := h.kyc.List(c.UserContext(), middleware.ActorFrom(c), models.KYCStatus(c.Query("status")))
	if err != nil {
		return respondError(c, h.clock, err)
	}
	if cases == nil {
		cases = []*models.KYCCase{}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"cases":   cases,
		"count":   len(cases),
	})
}

// GetCase returns one user's case
func (h *AdminHandler) GetCase(c *fiber.Ctx) error {
	return h.act(c, h.kyc.Get)
}

// StartReview moves a case under review
func (h *AdminHandler) StartReview(c *fiber.Ctx) error {
	return h.act(c, h.kyc.StartReview)
}

// Approve approves a case and promotes the user to host
func (h *AdminHandler) Approve(c *fiber.Ctx) error {
	return h.act(c, h.kyc.Approve)
}

// Reject rejects a case with a reason shown to the user
func (h *AdminHandler) Reject(c *fiber.Ctx) error {
	var req rejectRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	userID, err := parseID("userId", c.Params("userId"))
	if err != nil {
		return respondError(c, h.clock, err)
	}

	kc, err := h.kyc.Reject(c.UserContext(), middleware.ActorFrom(c), userID, req.Reason)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{"success": true, "case": kc})
}

func (h *AdminHandler) act(c *fiber.Ctx, fn func(context.Context, services.Actor, uuid.UUID) (*models.KYCCase, error)) error {
	userID, err := parseID("userId", c.Params("userId"))
	if err != nil {
		return respondError(c, h.clock, err)
	}

	kc, err := fn(c.UserContext(), middleware.ActorFrom(c), userID)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{"success": true, "case": kc})
}
