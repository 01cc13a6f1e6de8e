package handlers

import (
	"context"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/models"
	"github.com/rentpe/rentpe-backend/internal/services"
)

// MaxUploadSize caps a single uploaded file
const MaxUploadSize = 100 << 20

// MediaStore uploads and deletes objects on the asset host
type MediaStore interface {
	Upload(ctx context.Context, data []byte, filename string, kind models.MediaKind, owner models.MediaOwner) (*models.MediaRef, error)
	Delete(ctx context.Context, keys []string, resourceType string) (*services.DeleteResult, error)
}

// MediaHandler serves uploads and deletes
type MediaHandler struct {
	media MediaStore
	clock clock.Clock
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(media MediaStore, clk clock.Clock) *MediaHandler {
	return &MediaHandler{media: media, clock: clk}
}

type deleteMediaRequest struct {
	PublicIDs    []string `json:"publicIds" validate:"required,min=1,max=100,dive,required"`
	ResourceType string   `json:"resourceType" validate:"omitempty,oneof=image video raw"`
}

// Upload stores a multipart file and returns its reference
func (h *MediaHandler) Upload(c *fiber.Ctx) error {
	kind := models.MediaKind(c.FormValue("kind"))
	if !kind.Valid() {
		return respondError(c, h.clock, &services.ValidationError{Field: "kind", Reason: "unknown media kind"})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return respondError(c, h.clock, &services.ValidationError{Field: "file", Reason: "file is required"})
	}
	if fh.Size > MaxUploadSize {
		return respondError(c, h.clock, &services.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("file must be at most %d MB", MaxUploadSize>>20),
		})
	}

	f, err := fh.Open()
	if err != nil {
		return respondError(c, h.clock, fmt.Errorf("open upload: %w", err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return respondError(c, h.clock, fmt.Errorf("read upload: %w", err))
	}

	owner := models.MediaOwner{UserID: middleware.ActorFrom(c).UserID, EntityID: c.FormValue("entityId")}
	ref, err := h.media.Upload(c.UserContext(), data, fh.Filename, kind, owner)
	if err != nil {
		return respondError(c, h.clock, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"url":        ref.URL,
		"storageKey": ref.StorageKey,
		"kind":       ref.Kind,
	})
}

// Delete removes objects by public id. Users may only delete their own uploads.
func (h *MediaHandler) Delete(c *fiber.Ctx) error {
	var req deleteMediaRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, h.clock, err)
	}

	actor := middleware.ActorFrom(c)
	if !actor.Admin {
		for _, key := range req.PublicIDs {
			if !services.OwnsMediaKey(actor.UserID, key) {
				return respondError(c, h.clock, services.ErrForbidden)
			}
		}
	}

	res, err := h.media.Delete(c.UserContext(), req.PublicIDs, req.ResourceType)
	if err != nil {
		return respondError(c, h.clock, err)
	}

	return c.JSON(fiber.Map{
		"success": len(res.Errors) == 0,
		"deleted": res.Deleted,
		"errors":  res.Errors,
	})
}
