package handlers

import (
	"errors"
	"log"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rentpe/rentpe-backend/internal/services"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report fields by their JSON name so messages match the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// bind parses the JSON body into dst and validates its tags
func bind(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return &services.ValidationError{Field: "body", Reason: "invalid request body"}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &services.ValidationError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &services.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, &services.ValidationError{Field: field, Reason: field + " must be a UUID"}
	}
	return id, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "len":
		return fe.Field() + " must be exactly " + fe.Param() + " characters"
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of " + fe.Param()
	}
	return fe.Field() + " is invalid"
}

// respondError maps service errors onto HTTP responses. Messages of
// unexpected errors stay in the log.
func respondError(c *fiber.Ctx, clk clock.Clock, err error) error {
	var verr *services.ValidationError
	var rerr *services.RateLimitError

	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   verr.Reason,
			"field":   verr.Field,
		})
	case errors.As(err, &rerr):
		retryAfter := int(math.Ceil(rerr.RetryAfter.Sub(clk.Now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"success":    false,
			"error":      rerr.Reason,
			"retryAfter": retryAfter,
		})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"success": false,
			"error":   "You are not allowed to perform this action",
		})
	case errors.Is(err, services.ErrCaseNotFound),
		errors.Is(err, services.ErrProfileNotFound),
		errors.Is(err, services.ErrNotificationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   notFoundMessage(err),
		})
	case errors.Is(err, services.ErrInvalidTransition), errors.Is(err, services.ErrProfileExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	case errors.Is(err, services.ErrProvidersUnavailable):
		log.Printf("❌ OTP providers unavailable: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to send OTP. Please try again later.",
		})
	case errors.Is(err, services.ErrMediaUnavailable):
		log.Printf("❌ Media host error: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"error":   "Media service unavailable. Please try again later.",
		})
	}

	log.Printf("❌ %s %s failed: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"success": false,
		"error":   "Internal server error",
	})
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrCaseNotFound):
		return "KYC case not found"
	case errors.Is(err, services.ErrProfileNotFound):
		return "Profile not found"
	}
	return "Notification not found"
}
