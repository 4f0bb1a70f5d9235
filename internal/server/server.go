package server

import (
	"time"

	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/controllers"
	"github.com/toolgate/toolgate/internal/middlewares"
	"github.com/toolgate/toolgate/internal/version"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type HTTPServerDependencies struct {
	InstanceController *controllers.InstanceController
	CredentialResolver *middlewares.CredentialResolver
	OwnerTokenParser   *auth.OwnerTokenParser
	MetricsRegistry    *prometheus.Registry
}

func NewHTTPServer(deps HTTPServerDependencies) *fiber.App {
	router := fiber.New(fiber.Config{
		AppName: "toolgate",
	})

	router.Use(cors.New())
	router.Use(logger.New())

	// Health check endpoint (no authentication required)
	router.Get("/health", func(c fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":    "healthy",
			"service":   "toolgate",
			"version":   version.GetVersion(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	if deps.MetricsRegistry != nil {
		router.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{})))
	}

	router.Get("/stats", deps.InstanceController.Statistics)

	instance := router.Group("/instances/:instanceID")
	instance.Use(middlewares.InstanceAuthMiddleware(deps.CredentialResolver, deps.OwnerTokenParser))

	instance.All("/mcp", deps.InstanceController.HandleMCP)
	instance.Delete("/credentials", deps.InstanceController.InvalidateCredentials)

	return router
}
