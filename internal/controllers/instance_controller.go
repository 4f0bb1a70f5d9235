package controllers

import (
	"github.com/toolgate/toolgate/internal/credcache"
	"github.com/toolgate/toolgate/internal/domain"
	"github.com/toolgate/toolgate/internal/middlewares"
	"github.com/toolgate/toolgate/internal/sessions"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/rs/zerolog/log"
)

type InstanceControllerDeps struct {
	Cache      *credcache.Store
	Sessions   *sessions.Manager
	Repository domain.CredentialRepository
}

// InstanceController serves the per-instance MCP endpoint and the
// cache/session monitoring surface.
type InstanceController struct {
	cache    *credcache.Store
	sessions *sessions.Manager
	repo     domain.CredentialRepository
}

func NewInstanceController(deps InstanceControllerDeps) *InstanceController {
	return &InstanceController{
		cache:    deps.Cache,
		sessions: deps.Sessions,
		repo:     deps.Repository,
	}
}

// HandleMCP routes an MCP protocol request to the instance's live handler,
// creating the handler session on first use. The auth middleware has already
// attached a usable credential.
func (c *InstanceController) HandleMCP(ctx fiber.Ctx) error {
	instanceID := ctx.Params("instanceID")

	credential, ok := middlewares.CredentialFromCtx(ctx)
	if !ok {
		return fiber.NewError(fiber.StatusInternalServerError, "No credential attached to request")
	}

	handler, err := c.sessions.GetOrCreate(instanceID, domain.HandlerConfig{
		InstanceID:  instanceID,
		Provider:    credential.Provider,
		ServiceName: credential.Provider + "-mcp",
	}, credential.AccessToken)
	if err != nil {
		log.Error().Err(err).Str("instance_id", instanceID).Msg("Failed to create protocol handler session")
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to initialize protocol session")
	}

	return adaptor.HTTPHandler(handler)(ctx)
}

// InvalidateCredentials drops the cached credential and tears down the live
// session for an instance, e.g. on logout or instance deletion.
func (c *InstanceController) InvalidateCredentials(ctx fiber.Ctx) error {
	instanceID := ctx.Params("instanceID")

	removedCredential := c.cache.Remove(instanceID)
	removedSession := c.sessions.Remove(instanceID)

	log.Info().
		Str("instance_id", instanceID).
		Bool("credential_removed", removedCredential).
		Bool("session_removed", removedSession).
		Msg("Invalidated instance auth state")

	return ctx.JSON(fiber.Map{
		"credential_removed": removedCredential,
		"session_removed":    removedSession,
	})
}

// Statistics exposes advisory cache and session counters for monitoring.
func (c *InstanceController) Statistics(ctx fiber.Ctx) error {
	return ctx.JSON(fiber.Map{
		"cache":    c.cache.Statistics(),
		"sessions": c.sessions.Statistics(),
	})
}
