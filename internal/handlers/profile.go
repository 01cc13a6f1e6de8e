package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/services"
)

// ProfileHandler serves the caller's profile and notification inbox
type ProfileHandler struct {
	profiles *services.ProfileService
	clock    clock.Clock
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(profiles *services.ProfileService, clk clock.Clock) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, clock: clk}
}

type createProfileRequest struct {
	FullName string `json:"fullName" validate:"required,max=200"`
	Phone    string `json:"phone"`
}

// Get returns the caller's profile
func (h *ProfileHandler) Get(c *fiber.Ctx) error {
	actor := middleware.ActorFrom(c)
	p, err := h.profiles.Get(c.UserContext(), actor, actor.UserID)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{"success": true, "profile": p})
}

// Create registers the caller's guest profile
func (h *ProfileHandler) Create(c *fiber.Ctx) error {
	var req createProfileRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	p, err := h.profiles.Create(c.UserContext(), middleware.ActorFrom(c), req.FullName, req.Phone)
	if err != nil {
		return respondError(c, h.clock, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "profile": p})
}

// Notifications lists the caller's inbox
func (h *ProfileHandler) Notifications(c *fiber.Ctx) error {
	notes, err := h.profiles.Notifications(c.UserContext(), middleware.ActorFrom(c))
	if err != nil {
		return respondError(c, h.clock, err)
	}
	if notes == nil {
		notes = []*models.Notification{}
	}

	unread := 0
	for _, n := range notes {
		if n.ReadAt == nil {
			unread++
		}
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"notifications": notes,
		"unread":        unread,
	})
}

// MarkRead marks one notification read
func (h *ProfileHandler) MarkRead(c *fiber.Ctx) error {
	id, err := parseID("id", c.Params("id"))
	if err != nil {
		return respondError(c, h.clock, err)
	}
	if err := h.profiles.MarkRead(c.UserContext(), middleware.ActorFrom(c), id); err != nil {
		return respondError(c, h.clock, err)
	}
	return c.JSON(fiber.Map{"success": true})
}
