package routes

import (
	controller "sequenceflow/controllers"
	"sequenceflow/middleware"
	"sequenceflow/sequence"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dependencies are the services the HTTP surface is built on
type Dependencies struct {
	DB           *gorm.DB
	Redis        *redis.Client
	Engine       *sequence.EnrollmentEngine
	AutoEnroller *sequence.AutoEnroller
	Reactor      *sequence.Reactor
	Hub          *controller.ActivityHub
	Gatherer     prometheus.Gatherer
	Logger       *logrus.Logger

	WebhookSecret          string
	WebhookSignatureHeader string
	WebhookRateLimit       int
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	// Provider webhooks: signature first so rejected requests do not use the rate budget
	webhookController := controller.NewWebhookController(deps.Reactor, deps.Logger)
	webhooks := app.Group("/api/webhooks", requestLog)
	webhooks.Post("/email",
		middleware.WebhookSignature(deps.WebhookSecret, deps.WebhookSignatureHeader),
		middleware.WebhookRateLimiter(deps.WebhookRateLimit, deps.Redis),
		webhookController.HandleEmailWebhook,
	)

	api := app.Group("/api", requestLog)

	sequenceController := controller.NewSequenceController(deps.DB, deps.Logger)
	api.Post("/sequences", sequenceController.CreateSequence)

	campaignController := controller.NewCampaignController(deps.DB, deps.Engine, deps.Logger)
	campaigns := api.Group("/campaigns")
	campaigns.Post("/:id/status", campaignController.UpdateCampaignStatus)
	campaigns.Post("/:id/enroll", campaignController.EnrollContacts)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)
	campaigns.Get("/:id/contacts/:contactId/sequence", campaignController.GetSequenceStatus)
	campaigns.Post("/:id/requeue-failed", campaignController.RequeueFailed)

	enrollmentController := controller.NewEnrollmentController(deps.AutoEnroller, deps.Logger)
	api.Post("/enrollment/sweep", enrollmentController.RunSweep)
	api.Post("/contacts/:id/auto-enroll", enrollmentController.AutoEnrollContact)

	// Live activity feed
	if deps.Hub != nil {
		app.Use("/ws", controller.UpgradeActivityWS)
		app.Get("/ws/activity", websocket.New(deps.Hub.HandleActivityWS))
	}

	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
}
