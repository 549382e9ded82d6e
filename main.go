package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"touchbase/config"
	"touchbase/middleware"
	"touchbase/routes"
	"touchbase/utils"
	"touchbase/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "TOUCHBASE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize Sentry if configured
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Initialize mailer and reply detection
	followUpMailer := utils.NewFollowUpMailer(config.DB, log.New(os.Stdout, "MAILER: ", log.LstdFlags))
	replyChecker := utils.NewThreadReplyChecker(config.DB)

	// Event hub feeds the follow-up websocket stream
	hub := worker.NewEventHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize and start the follow-up sweep worker
	followUpWorker := worker.NewFollowUpWorker(config.DB, followUpMailer, replyChecker, hub,
		log.New(os.Stdout, "FOLLOWUP: ", log.Ldate|log.Ltime|log.Lshortfile))
	followUpWorker.Interval = time.Duration(config.AppConfig.SweepIntervalSeconds) * time.Second
	go followUpWorker.Start(ctx)

	// Start the inbox sync worker
	inboxWorker := worker.NewInboxWorker(config.DB, log.New(os.Stdout, "INBOX: ", log.LstdFlags))
	inboxWorker.Interval = time.Duration(config.AppConfig.InboxSyncIntervalSeconds) * time.Second
	go inboxWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, hub, followUpMailer)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
