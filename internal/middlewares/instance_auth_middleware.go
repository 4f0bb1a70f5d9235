package middlewares

import (
	"github.com/toolgate/toolgate/internal/auth"
	"github.com/toolgate/toolgate/internal/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"
)

// Locals keys populated for downstream handlers.
const (
	LocalAccessToken = "accessToken"
	LocalCredential  = "credential"
	LocalOwnerID     = "ownerID"
)

// ClearAuthHeader tells clients to drop their stored auth state for this
// instance before retrying.
const ClearAuthHeader = "X-Clear-Stored-Auth"

// InstanceAuthMiddleware resolves a usable bearer token for the instance in
// the path and attaches it to the request context, or rejects the request
// with a structured auth failure.
func InstanceAuthMiddleware(resolver *CredentialResolver, ownerTokens *auth.OwnerTokenParser) fiber.Handler {
	return func(c fiber.Ctx) error {
		instanceID := c.Params("instanceID")
		if instanceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "instance ID required",
			})
		}

		var ownerID string
		if token := auth.FromAuthorizationHeader(c.Get("Authorization")); token != "" {
			parsed, err := ownerTokens.Parse(token)
			if err != nil {
				log.Debug().Err(err).Str("instance_id", instanceID).Msg("Rejected invalid owner token")
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid owner token",
				})
			}
			ownerID = parsed
		}

		credential, failure := resolver.Resolve(c.RequestCtx(), instanceID, ownerID)
		if failure != nil {
			if failure.ClearAuth {
				c.Set(ClearAuthHeader, "true")
			}

			return c.Status(failure.StatusCode).JSON(fiber.Map{
				"error": failure.Message,
				"code":  failure.Code,
			})
		}

		c.Locals(LocalAccessToken, credential.AccessToken)
		c.Locals(LocalCredential, credential)
		c.Locals(LocalOwnerID, ownerID)

		return c.Next()
	}
}

// CredentialFromCtx returns the resolved credential placed by the middleware.
func CredentialFromCtx(c fiber.Ctx) (domain.CachedCredential, bool) {
	credential, ok := c.Locals(LocalCredential).(domain.CachedCredential)
	return credential, ok
}
