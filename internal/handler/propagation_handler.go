package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
)

type PropagationHandler struct {
	services Services
}

func NewPropagationHandler(services Services) (*PropagationHandler, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	return &PropagationHandler{services: services}, nil
}

type retryBody struct {
	RequestID          string `json:"request_id" validate:"required"`
	ServiceKey         string `json:"service_key" validate:"required"`
	PhoneE164          string `json:"phone_e164"`
	ConfirmDestructive bool   `json:"confirm_destructive"`
}

type pushRemainingBody struct {
	Phones             []string `json:"phones" validate:"required,min=1,max=500"`
	ConfirmDestructive bool     `json:"confirm_destructive"`
}

type checkBody struct {
	PhoneE164 string   `json:"phone_e164" validate:"required"`
	Providers []string `json:"providers"`
}

type listAttemptsResponse struct {
	Data       []attemptResponse `json:"data"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type pushOutcomeResponse struct {
	Phone     string            `json:"phone"`
	RequestID string            `json:"request_id,omitempty"`
	Attempts  []attemptResponse `json:"attempts"`
	Skipped   []skippedResponse `json:"skipped"`
	Error     string            `json:"error,omitempty"`
}

func (h *PropagationHandler) Retry(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body retryBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}
	key, err := domain.ParseServiceKeyFromString(body.ServiceKey)
	if err != nil {
		return toHTTPError(err)
	}

	attempt, err := h.services.Propagator.Retry(c.UserContext(), actor, service.RetryInput{
		RequestID:          strings.TrimSpace(body.RequestID),
		ServiceKey:         key,
		Phone:              body.PhoneE164,
		ConfirmDestructive: body.ConfirmDestructive,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(toAttemptResponse(attempt))
}

func (h *PropagationHandler) ListAttempts(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}
	limit, err := parseLimit(c)
	if err != nil {
		return toHTTPError(err)
	}

	page, err := h.services.Status.ListAttempts(c.UserContext(), actor, service.ListAttemptsInput{
		OrganizationID: strings.TrimSpace(c.Params("org")),
		ServiceKey:     strings.TrimSpace(c.Query("service_key")),
		Status:         strings.TrimSpace(c.Query("status")),
		RequestID:      strings.TrimSpace(c.Query("request_id")),
		Cursor:         strings.TrimSpace(c.Query("cursor")),
		Limit:          limit,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listAttemptsResponse{
		Data:       toAttemptResponses(page.Attempts),
		NextCursor: page.NextCursor,
	})
}

func (h *PropagationHandler) PushRemaining(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body pushRemainingBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}

	outcomes, err := h.services.Bulk.PushAllRemaining(c.UserContext(), actor, service.PushRemainingInput{
		Phones:             body.Phones,
		ConfirmDestructive: body.ConfirmDestructive,
	})
	if err != nil {
		return toHTTPError(err)
	}

	results := make([]pushOutcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, pushOutcomeResponse{
			Phone:     o.Phone,
			RequestID: o.RequestID,
			Attempts:  toAttemptResponses(o.Attempts),
			Skipped:   toSkippedResponses(o.Skipped),
			Error:     errorText(o.Err),
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"results": results})
}

func (h *PropagationHandler) CheckNumber(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body checkBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}
	providers, err := parseServiceKeys(body.Providers)
	if err != nil {
		return toHTTPError(err)
	}

	results, err := h.services.Status.CheckNumber(c.UserContext(), actor, strings.TrimSpace(c.Params("org")), service.CheckInput{
		Phone:     body.PhoneE164,
		Providers: providers,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"results": toAttemptResponses(results)})
}
