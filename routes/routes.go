package routes

import (
	"log"
	"os"

	controller "touchbase/controllers"
	"touchbase/middleware"
	"touchbase/utils"
	"touchbase/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	authLogger := log.New(os.Stdout, "AUTH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Auth routes group with logging middleware
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Post("/logout", controller.Logout)
	protectedAuth.Get("/me", controller.GetCurrentUser)

	authLogger.Println("Authentication routes initialized successfully")
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, hub *worker.EventHub, mailer utils.Mailer) {
	// Initialize controllers with their respective loggers
	followUpController := controller.NewFollowUpController(db, log.New(os.Stdout, "FOLLOWUP: ", log.LstdFlags))
	emailController := controller.NewEmailController(db, log.New(os.Stdout, "EMAIL: ", log.LstdFlags), mailer)
	inboxController := controller.NewInboxController(db, log.New(os.Stdout, "INBOX: ", log.LstdFlags))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Mailbox routes
	mailbox := api.Group("/mailboxes")
	mailbox.Post("/", controller.CreateMailbox)
	mailbox.Get("/", controller.GetMailboxes)
	mailbox.Get("/:id", controller.GetMailbox)
	mailbox.Put("/:id", controller.UpdateMailbox)
	mailbox.Delete("/:id", controller.DeleteMailbox)
	mailbox.Post("/:id/test", middleware.SendRateLimiter(), controller.TestMailbox)

	// Follow-up sequence routes. The websocket stream must be registered
	// before the parameterized routes or "/events" matches ":id" first.
	followup := api.Group("/followups")
	followup.Get("/events", websocket.New(controller.HandleFollowUpEvents(hub)))
	followup.Post("/", followUpController.CreateSequence)
	followup.Get("/", followUpController.GetSequences)
	followup.Get("/:id", followUpController.GetSequence)
	followup.Put("/:id", followUpController.EditSequence)
	followup.Post("/:id/cancel", followUpController.CancelSequence)

	// Outbound email routes with rate limiting on send
	email := api.Group("/emails")
	email.Post("/send", middleware.SendRateLimiter(), emailController.SendEmail)
	email.Post("/queue", emailController.QueueEmail)
	email.Get("/", emailController.GetOutboundEmails)

	// Inbox routes
	inbox := api.Group("/inbox")
	inbox.Post("/sync", inboxController.SyncMailboxes)
	inbox.Get("/emails", inboxController.GetThreadEmails)
	inbox.Get("/thread", inboxController.GetThread)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, hub *worker.EventHub, mailer utils.Mailer) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, hub, mailer)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
