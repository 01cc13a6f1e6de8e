package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/services"
)

// OTPHandler serves phone verification
type OTPHandler struct {
	otp   *services.OTPService
	clock clock.Clock
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(otp *services.OTPService, clk clock.Clock) *OTPHandler {
	return &OTPHandler{otp: otp, clock: clk}
}

type sendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
}

type verifyOTPRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	OTP         string `json:"otp" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
}

// SendOTP delivers a code to the phone a user is about to verify
func (h *OTPHandler) SendOTP(c *fiber.Ctx) error {
	var req sendOTPRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	userID, err := parseID("userId", req.UserID)
	if err != nil {
		return respondError(c, h.clock, err)
	}

	res, err := h.otp.SendOTP(c.UserContext(), middleware.ActorFrom(c), userID, req.PhoneNumber)
	if err != nil {
		return respondError(c, h.clock, err)
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"message":   "OTP sent successfully",
		"requestId": res.RequestID,
		"provider":  res.Provider,
		"expiresAt": res.ExpiresAt,
		"remaining": res.Remaining,
	})
}

// VerifyOTP checks a code against the latest one sent to the phone
func (h *OTPHandler) VerifyOTP(c *fiber.Ctx) error {
	var req verifyOTPRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	userID, err := parseID("userId", req.UserID)
	if err != nil {
		return respondError(c, h.clock, err)
	}

	res, err := h.otp.VerifyOTP(c.UserContext(), middleware.ActorFrom(c), userID, req.PhoneNumber, req.OTP)
	if errors.Is(err, services.ErrProvidersUnavailable) {
		log.Printf("❌ OTP verification unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to verify OTP. Please try again later.",
		})
	}
	if err != nil {
		return respondError(c, h.clock, err)
	}

	return c.JSON(fiber.Map{
		"success":  res.Verified,
		"verified": res.Verified,
		"message":  res.Message,
		"provider": res.Provider,
	})
}
