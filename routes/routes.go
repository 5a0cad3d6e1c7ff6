package routes

import (
	"context"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	controller "github.com/coldpath/sequencer/controllers"
	"github.com/coldpath/sequencer/middleware"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/ratelimit"
	"github.com/coldpath/sequencer/worker"
)

// SetupRoutes wires the control API, tracking redirector, Gmail push
// endpoint, and health/tick websocket onto app, and starts the
// rate limiter's daily-counter-reset loop. Grounded on
// routes/routes.go's SetupAPIRoutes shape: per-domain controller
// construction with a dedicated *log.Logger, grouped fiber routes,
// logger.New request logging on the protected group.
func SetupRoutes(ctx context.Context, app *fiber.App, db *gorm.DB, q *queue.Queue, pipeline *worker.InboundPipeline, limiter *ratelimit.Limiter) {
	sequenceLogger := log.New(os.Stdout, "SEQUENCE: ", log.Ldate|log.Ltime|log.Lshortfile)
	trackingLogger := log.New(os.Stdout, "TRACKING: ", log.Ldate|log.Ltime|log.Lshortfile)
	webhookLogger := log.New(os.Stdout, "WEBHOOK: ", log.Ldate|log.Ltime|log.Lshortfile)

	sequenceController := controller.NewSequenceController(db, q, sequenceLogger)
	trackingController := controller.NewTrackingController(db, trackingLogger)
	webhookController := controller.NewWebhookController(db, pipeline, webhookLogger)
	sequenceWS := controller.NewSequenceWS(db)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Control API: every launch/pause/resume/reset call carries
	// its own userId in the body rather than deriving it from the bearer
	// token, matching the documented request shapes exactly.
	sequences := app.Group("/sequences", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	sequences.Post("/:id/launch", sequenceController.Launch)
	sequences.Post("/:id/pause", sequenceController.Pause)
	sequences.Post("/:id/resume", sequenceController.Resume)
	sequences.Post("/:id/reset", sequenceController.Reset)

	// Tracking endpoints are deliberately unauthenticated: they're hit by
	// recipients' mail clients, not by this engine's own callers.
	track := app.Group("/api/track")
	track.Get("/:hash.png", trackingController.Pixel)
	track.Get("/:hash/click", trackingController.Click)

	// Gmail push endpoint authenticates itself via its own bearer JWT
	// (verified inside the handler against PUBSUB_AUDIENCE), not the
	// control API's Protected() middleware.
	app.Post("/api/gmail/notifications", webhookController.GmailNotifications)

	app.Get("/ws/sequences", websocket.New(func(c *websocket.Conn) {
		sequenceWS.Handle(c)
	}))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	go limiter.StartDailyReset(ctx)

	log.Println("routes initialized successfully")
}
