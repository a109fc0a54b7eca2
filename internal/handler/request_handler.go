package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/queue"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type RequestService interface {
	Create(ctx context.Context, actor domain.Actor, organizationID string, in service.CreateRequestInput) (*domain.DncRequest, error)
	List(ctx context.Context, actor domain.Actor, in service.ListRequestsInput) (*service.RequestPage, error)
	Get(ctx context.Context, actor domain.Actor, id string) (*domain.DncRequest, error)
	Decide(ctx context.Context, actor domain.Actor, id string, in service.DecideInput) (*service.DecideResult, error)
}

type StatusService interface {
	GetStatus(ctx context.Context, actor domain.Actor, requestID string) (*service.RequestStatusView, error)
	GetEvents(ctx context.Context, actor domain.Actor, requestID string) ([]domain.AuditEvent, error)
	ListAttempts(ctx context.Context, actor domain.Actor, in service.ListAttemptsInput) (*service.AttemptPage, error)
	CheckNumber(ctx context.Context, actor domain.Actor, organizationID string, in service.CheckInput) ([]domain.PropagationAttempt, error)
}

type BulkService interface {
	BulkDecide(ctx context.Context, actor domain.Actor, in service.BulkDecideInput) ([]service.BulkOutcome, error)
	PushAllRemaining(ctx context.Context, actor domain.Actor, in service.PushRemainingInput) ([]service.PushOutcome, error)
}

type Propagator interface {
	Propagate(ctx context.Context, actor domain.Actor, requestID string, opts service.PropagateOptions) (*service.PropagationResult, error)
	Retry(ctx context.Context, actor domain.Actor, in service.RetryInput) (*domain.PropagationAttempt, error)
}

// Services bundles what the REST surface calls into.
type Services struct {
	Requests   RequestService
	Status     StatusService
	Bulk       BulkService
	Propagator Propagator
}

func (s Services) validate() error {
	if s.Requests == nil {
		return fmt.Errorf("request service is required")
	}
	if s.Status == nil {
		return fmt.Errorf("status service is required")
	}
	if s.Bulk == nil {
		return fmt.Errorf("bulk service is required")
	}
	if s.Propagator == nil {
		return fmt.Errorf("propagator is required")
	}
	return nil
}

type RequestHandler struct {
	services Services
}

func NewRequestHandler(services Services) (*RequestHandler, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	return &RequestHandler{services: services}, nil
}

// RegisterRoutes mounts the request and propagation endpoints behind the
// identity middleware.
func RegisterRoutes(router fiber.Router, services Services) error {
	requests, err := NewRequestHandler(services)
	if err != nil {
		return err
	}
	propagation, err := NewPropagationHandler(services)
	if err != nil {
		return err
	}

	dnc := router.Group("/dnc-requests", Identity())
	dnc.Post("/bulk/:action", requests.BulkDecide)
	dnc.Get("/org/:org", requests.ListRequests)
	dnc.Post("/:org", requests.CreateRequest)
	dnc.Get("/:id", requests.GetRequest)
	dnc.Patch("/:id/decide", requests.Decide)
	dnc.Get("/:id/status", requests.GetStatus)
	dnc.Get("/:id/events", requests.GetEvents)
	dnc.Post("/:id/propagate", requests.Propagate)

	prop := router.Group("/propagation", Identity())
	prop.Post("/retry", propagation.Retry)
	prop.Get("/attempts/:org", propagation.ListAttempts)
	prop.Post("/push-remaining", propagation.PushRemaining)
	prop.Post("/check/:org", propagation.CheckNumber)

	return nil
}

type createRequestBody struct {
	PhoneE164 string  `json:"phone_e164" validate:"required"`
	Reason    string  `json:"reason" validate:"required,max=2000"`
	Channel   string  `json:"channel" validate:"required"`
	Notes     *string `json:"notes"`
}

type decideBody struct {
	Decision           string   `json:"decision" validate:"required"`
	Notes              string   `json:"notes"`
	PropagateTo        []string `json:"propagate_to"`
	ConfirmDestructive bool     `json:"confirm_destructive"`
}

type bulkDecideBody struct {
	IDs                []string `json:"ids" validate:"required,min=1,max=500"`
	Notes              string   `json:"notes"`
	ConfirmDestructive bool     `json:"confirm_destructive"`
}

type propagateBody struct {
	Providers          []string `json:"providers"`
	ConfirmDestructive bool     `json:"confirm_destructive"`
}

type listRequestsResponse struct {
	Data       []requestResponse `json:"data"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type decideResponse struct {
	Request     requestResponse      `json:"request"`
	Propagation *propagationResponse `json:"propagation,omitempty"`
	Warning     string               `json:"warning,omitempty"`
}

type bulkOutcomeResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
	Warning   string `json:"warning,omitempty"`
	Error     string `json:"error,omitempty"`
}

type bulkDecideResponse struct {
	Results   []bulkOutcomeResponse `json:"results"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

func (h *RequestHandler) CreateRequest(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body createRequestBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}

	in := service.CreateRequestInput{
		Phone:   body.PhoneE164,
		Reason:  body.Reason,
		Channel: body.Channel,
	}
	if body.Notes != nil {
		in.Notes = *body.Notes
	}

	created, err := h.services.Requests.Create(c.UserContext(), actor, strings.TrimSpace(c.Params("org")), in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(toRequestResponse(created))
}

func (h *RequestHandler) ListRequests(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}
	limit, err := parseLimit(c)
	if err != nil {
		return toHTTPError(err)
	}

	page, err := h.services.Requests.List(c.UserContext(), actor, service.ListRequestsInput{
		OrganizationID: strings.TrimSpace(c.Params("org")),
		Status:         strings.TrimSpace(c.Query("status")),
		Cursor:         strings.TrimSpace(c.Query("cursor")),
		Limit:          limit,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listRequestsResponse{
		Data:       toRequestResponses(page.Requests),
		NextCursor: page.NextCursor,
	})
}

func (h *RequestHandler) GetRequest(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	req, err := h.services.Requests.Get(c.UserContext(), actor, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toRequestResponse(req))
}

func (h *RequestHandler) Decide(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body decideBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}
	decision, err := domain.ParseDecisionFromString(body.Decision)
	if err != nil {
		return toHTTPError(err)
	}
	providers, err := parseServiceKeys(body.PropagateTo)
	if err != nil {
		return toHTTPError(err)
	}

	res, err := h.services.Requests.Decide(c.UserContext(), actor, strings.TrimSpace(c.Params("id")), service.DecideInput{
		Decision:           decision,
		Notes:              body.Notes,
		PropagateTo:        providers,
		ConfirmDestructive: body.ConfirmDestructive,
	})
	if err != nil {
		if res == nil {
			return toHTTPError(err)
		}
		// The decision is stored; only starting the propagation failed.
		return c.Status(fiber.StatusAccepted).JSON(decideResponse{
			Request: toRequestResponse(&res.Request),
			Warning: err.Error(),
		})
	}

	return c.Status(fiber.StatusOK).JSON(decideResponse{
		Request:     toRequestResponse(&res.Request),
		Propagation: toPropagationResponse(res.Propagation),
	})
}

func (h *RequestHandler) BulkDecide(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	decision, err := domain.ParseDecisionFromString(c.Params("action"))
	if err != nil {
		return toHTTPError(err)
	}
	var body bulkDecideBody
	if err := parseBody(c, &body); err != nil {
		return toHTTPError(err)
	}

	outcomes, err := h.services.Bulk.BulkDecide(c.UserContext(), actor, service.BulkDecideInput{
		IDs:                body.IDs,
		Decision:           decision,
		Notes:              body.Notes,
		ConfirmDestructive: body.ConfirmDestructive,
	})
	if err != nil {
		return toHTTPError(err)
	}

	resp := bulkDecideResponse{Results: make([]bulkOutcomeResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		resp.Results = append(resp.Results, bulkOutcomeResponse{
			RequestID: o.RequestID,
			Status:    o.Status.String(),
			Warning:   o.Warning,
			Error:     errorText(o.Err),
		})
		if o.Err != nil {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *RequestHandler) GetStatus(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	view, err := h.services.Status.GetStatus(c.UserContext(), actor, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toStatusResponse(view))
}

func (h *RequestHandler) GetEvents(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	events, err := h.services.Status.GetEvents(c.UserContext(), actor, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"events": toEventResponses(events)})
}

func (h *RequestHandler) Propagate(c *fiber.Ctx) error {
	actor, err := actorFrom(c)
	if err != nil {
		return toHTTPError(err)
	}

	var body propagateBody
	if len(c.Body()) > 0 {
		if err := parseBody(c, &body); err != nil {
			return toHTTPError(err)
		}
	}
	providers, err := parseServiceKeys(body.Providers)
	if err != nil {
		return toHTTPError(err)
	}

	res, err := h.services.Propagator.Propagate(c.UserContext(), actor, strings.TrimSpace(c.Params("id")), service.PropagateOptions{
		Providers:          providers,
		ConfirmDestructive: body.ConfirmDestructive,
		Priority:           queue.PriorityInteractive,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(toPropagationResponse(res))
}

func parseLimit(c *fiber.Ctx) (int, error) {
	limit := c.QueryInt("limit", defaultPageSize)
	if limit < 1 || limit > maxPageSize {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}
	return limit, nil
}
