package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/rentpe/rentpe-backend/database"
	"github.com/rentpe/rentpe-backend/internal/config"
	"github.com/rentpe/rentpe-backend/internal/handlers"
	"github.com/rentpe/rentpe-backend/internal/jobs"
	"github.com/rentpe/rentpe-backend/internal/metrics"
	"github.com/rentpe/rentpe-backend/internal/middleware"
	"github.com/rentpe/rentpe-backend/internal/routes"
	"github.com/rentpe/rentpe-backend/internal/services"
	"github.com/rentpe/rentpe-backend/internal/storage"
)

var Version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "rentpe",
		Short:   "RentPe Backend - KYC, phone verification and media",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.Database)
			if err != nil {
				return err
			}
			return database.Migrate(db)
		},
	}
}

// tokenCmd mints a bearer token for local testing
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Issue a signed access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, err := middleware.NewAuth(cfg.JWTSecret, cfg.AdminUserIDs).SignToken(userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringP("role", "r", "user", "Role claim (user, admin)")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	return cmd
}

func loadConfig() (*config.Config, error) {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	clk := clock.WallClock
	m := metrics.New()

	// Initialize storage
	var store storage.Store
	var memory *storage.MemoryStore
	if cfg.UseMemoryStore {
		log.Println("⚠️  Using in-memory storage (not for production!)")
		memory = storage.NewMemoryStore()
		store = memory
	} else {
		log.Println("📦 Connecting to PostgreSQL database...")
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}

		log.Println("🔄 Running database migrations...")
		if err := database.Migrate(db); err != nil {
			return err
		}
		store = storage.NewDatabaseStore(db)
		log.Println("✅ Using PostgreSQL database storage")
	}

	// Rate limit windows live with the store unless redis is asked for
	var windows storage.WindowStore = store
	if cfg.RateLimitBackend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := storage.ConnectRedis(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		windows = storage.NewRedisWindowStore(client)
		log.Println("✅ Rate limit windows stored in Redis")
	}

	// Initialize Twilio service
	var twilioService *services.TwilioService
	if cfg.TwilioConfigured() {
		twilioService, err = services.NewTwilioService(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioSMSFrom, cfg.TwilioStatusCallbackURL)
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio service: %w", err)
		}
		log.Println("✅ Twilio service initialized")
	} else {
		log.Println("⚠️  Twilio credentials not found - fallback OTP and SMS notifications disabled")
	}
	if !cfg.CloudinaryConfigured() {
		log.Println("⚠️  Cloudinary credentials not found - media endpoints will fail")
	}

	// Initialize all services
	msg91 := services.NewMSG91Channel(cfg.MSG91AuthKey, cfg.MSG91TemplateID, cfg.ProviderTimeout)
	twilioVerify := services.NewTwilioVerifyChannel(twilioService.Verify(), cfg.TwilioVerifyServiceSID)
	channel := services.NewFailoverChannel(cfg.ProviderTimeout, m, msg91, twilioVerify)

	limiter := services.NewRateLimiter(windows, clk, services.DefaultRateLimitPolicy(), m)
	otpService := services.NewOTPService(store, limiter, channel, clk).WithCodeHashKey(cfg.OTPHashKey)
	media := services.NewMediaGateway(services.CloudinaryConfig{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryFolder,
	}, cfg.ProviderTimeout, clk, m)
	kycService := services.NewKYCService(store, media, clk, m, cfg.PurgeMediaOnReset)
	profileService := services.NewProfileService(store, clk)

	// Initialize and start notification jobs
	notificationJob := jobs.NewNotificationJob(store, twilioService, clk, m)
	notificationJob.Start(context.Background())

	log.Println("✅ All services initialized and scheduled jobs started")

	// Create fiber app
	app := fiber.New(fiber.Config{
		AppName:   "RentPe Backend v" + Version,
		BodyLimit: handlers.MaxUploadSize + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"error":   err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	routes.SetupRoutes(app, routes.Handlers{
		Auth:    middleware.NewAuth(cfg.JWTSecret, cfg.AdminUserIDs),
		Health:  handlers.NewHealthHandler(Version, store),
		OTP:     handlers.NewOTPHandler(otpService, clk),
		KYC:     handlers.NewKYCHandler(kycService, clk),
		Admin:   handlers.NewAdminHandler(kycService, clk),
		Media:   handlers.NewMediaHandler(media, clk),
		Profile: handlers.NewProfileHandler(profileService, clk),
		Webhook: handlers.NewWebhookHandler(store, clk, m),
		Metrics: m,
	}, routes.WebhookSettings{
		AuthToken: cfg.TwilioAuthToken,
		PublicURL: cfg.TwilioStatusCallbackURL,
		Disabled:  cfg.DisableWebhookCheck,
	})

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("🛑 Gracefully shutting down...")
		log.Println("⏹️  Stopping notification jobs...")
		notificationJob.Stop()
		log.Println("⏹️  Shutting down server...")
		_ = app.Shutdown()
	}()

	// Start server
	log.Println("========================================")
	log.Printf("🚀 RentPe Backend starting on port %s", cfg.Port)
	log.Printf("📊 Storage: %s", storageType(memory != nil))
	log.Printf("⏱️  Rate limits: %s", cfg.RateLimitBackend)
	log.Printf("🌍 Environment: %s", environment(cfg))
	log.Printf("📱 OTP providers: %s (%s)", strings.Join(channel.Providers(), " → "), providerStatus(cfg))
	log.Println("========================================")

	return app.Listen(":" + cfg.Port)
}

func environment(cfg *config.Config) string {
	if cfg.IsProduction() {
		return "Production (Cloud Run)"
	}
	return "Development (Local)"
}

func storageType(memory bool) string {
	if memory {
		return "In-Memory (Testing)"
	}
	return "PostgreSQL Database"
}

func providerStatus(cfg *config.Config) string {
	switch {
	case cfg.MSG91AuthKey != "" && cfg.TwilioVerifyServiceSID != "":
		return "MSG91 with Twilio Verify fallback"
	case cfg.MSG91AuthKey != "":
		return "MSG91 only"
	case cfg.TwilioVerifyServiceSID != "":
		return "Twilio Verify only"
	}
	return "Not configured"
}
