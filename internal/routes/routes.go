package routes

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rentpe/rentpe-backend/internal/handlers"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/middleware"
)

// Handlers bundles everything the route table mounts
type Handlers struct {
	Auth    *middleware.Auth
	Health  *handlers.HealthHandler
	OTP     *handlers.OTPHandler
	KYC     *handlers.KYCHandler
	Admin   *handlers.AdminHandler
	Media   *handlers.MediaHandler
	Profile *handlers.ProfileHandler
	Webhook *handlers.WebhookHandler
	Metrics *metrics.Metrics
}

// WebhookSettings configures Twilio signature checks
type WebhookSettings struct {
	AuthToken string
	PublicURL string
	Disabled  bool
}

// SetupRoutes configures all API routes
func SetupRoutes(app *fiber.App, h Handlers, webhook WebhookSettings) {

	// Root endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Welcome to RentPe Backend!",
			"version": h.Health.Version,
			"endpoints": fiber.Map{
				"health":  "/health",
				"metrics": "/metrics",
				"otp":     "/send-otp, /verify-otp",
				"media":   "/delete-cloudinary-media, /api/media/upload",
				"api":     "/api",
				"webhook": "/webhook/twilio/status",
			},
		})
	})

	app.Get("/health", h.Health.Check)
	if h.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	authenticated := h.Auth.Authenticate()

	// ========== PHONE VERIFICATION & MEDIA ==========
	app.Post("/send-otp", authenticated, h.OTP.SendOTP)
	app.Post("/verify-otp", authenticated, h.OTP.VerifyOTP)
	app.Post("/delete-cloudinary-media", authenticated, h.Media.Delete)

	// ========== API ROUTES ==========
	api := app.Group("/api", authenticated)

	api.Get("/profile", h.Profile.Get)
	api.Post("/profile", h.Profile.Create)

	kyc := api.Group("/kyc")
	kyc.Get("/", h.KYC.Get)
	kyc.Post("/submit", h.KYC.Submit)
	kyc.Post("/reset", h.KYC.Reset)

	api.Post("/media/upload", h.Media.Upload)

	notifications := api.Group("/notifications")
	notifications.Get("/", h.Profile.Notifications)
	notifications.Post("/:id/read", h.Profile.MarkRead)

	// ========== ADMIN ROUTES ==========
	admin := api.Group("/admin", middleware.RequireAdmin())
	admin.Get("/kyc", h.Admin.ListCases)
	admin.Get("/kyc/:userId", h.Admin.GetCase)
	admin.Post("/kyc/:userId/review", h.Admin.StartReview)
	admin.Post("/kyc/:userId/approve", h.Admin.Approve)
	admin.Post("/kyc/:userId/reject", h.Admin.Reject)

	// ========== WEBHOOK ROUTES ==========
	webhooks := app.Group("/webhook")
	if webhook.Disabled {
		log.Println("⚠️  Twilio webhook validation DISABLED")
	}
	webhooks.Post("/twilio/status",
		middleware.ValidateTwilioSignature(webhook.AuthToken, webhook.PublicURL, webhook.Disabled),
		h.Webhook.TwilioStatus)
}
