package handler

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
)

const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"

	actorLocalsKey = "actor"
)

// Identity reads the caller identity headers set by the upstream gateway and
// attaches the correlation id to the request context.
func Identity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if correlationID := requestCorrelationID(c); correlationID != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), correlationID))
		}

		role, err := domain.ParseRoleFromString(c.Get(HeaderUserRole))
		if err != nil {
			return toHTTPError(err)
		}
		actor := domain.Actor{
			OrganizationID: strings.TrimSpace(c.Get(HeaderOrganizationID)),
			UserID:         strings.TrimSpace(c.Get(HeaderUserID)),
			Role:           role,
		}
		if err := actor.Validate(); err != nil {
			return toHTTPError(err)
		}

		c.Locals(actorLocalsKey, actor)
		return c.Next()
	}
}

func actorFrom(c *fiber.Ctx) (domain.Actor, error) {
	actor, ok := c.Locals(actorLocalsKey).(domain.Actor)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: caller identity is missing", domain.ErrValidation)
	}
	return actor, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
