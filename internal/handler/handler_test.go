package handler

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
	"github.com/kursadbilgin/dnc-propagation/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type identity struct {
	org  string
	user string
	role string
}

var (
	reviewerID = identity{org: "org-1", user: "rev-1", role: "reviewer"}
	agentID    = identity{org: "org-1", user: "agent-1", role: "agent"}
)

type stubRequestService struct {
	createFn func(ctx context.Context, actor domain.Actor, org string, in service.CreateRequestInput) (*domain.DncRequest, error)
	listFn   func(ctx context.Context, actor domain.Actor, in service.ListRequestsInput) (*service.RequestPage, error)
	getFn    func(ctx context.Context, actor domain.Actor, id string) (*domain.DncRequest, error)
	decideFn func(ctx context.Context, actor domain.Actor, id string, in service.DecideInput) (*service.DecideResult, error)
}

func (s *stubRequestService) Create(ctx context.Context, actor domain.Actor, org string, in service.CreateRequestInput) (*domain.DncRequest, error) {
	if s.createFn != nil {
		return s.createFn(ctx, actor, org, in)
	}
	return nil, errors.New("not implemented")
}

func (s *stubRequestService) List(ctx context.Context, actor domain.Actor, in service.ListRequestsInput) (*service.RequestPage, error) {
	if s.listFn != nil {
		return s.listFn(ctx, actor, in)
	}
	return &service.RequestPage{}, nil
}

func (s *stubRequestService) Get(ctx context.Context, actor domain.Actor, id string) (*domain.DncRequest, error) {
	if s.getFn != nil {
		return s.getFn(ctx, actor, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubRequestService) Decide(ctx context.Context, actor domain.Actor, id string, in service.DecideInput) (*service.DecideResult, error) {
	if s.decideFn != nil {
		return s.decideFn(ctx, actor, id, in)
	}
	return nil, errors.New("not implemented")
}

type stubStatusService struct {
	statusFn   func(ctx context.Context, actor domain.Actor, id string) (*service.RequestStatusView, error)
	eventsFn   func(ctx context.Context, actor domain.Actor, id string) ([]domain.AuditEvent, error)
	attemptsFn func(ctx context.Context, actor domain.Actor, in service.ListAttemptsInput) (*service.AttemptPage, error)
	checkFn    func(ctx context.Context, actor domain.Actor, org string, in service.CheckInput) ([]domain.PropagationAttempt, error)
}

func (s *stubStatusService) GetStatus(ctx context.Context, actor domain.Actor, id string) (*service.RequestStatusView, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, actor, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubStatusService) GetEvents(ctx context.Context, actor domain.Actor, id string) ([]domain.AuditEvent, error) {
	if s.eventsFn != nil {
		return s.eventsFn(ctx, actor, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubStatusService) ListAttempts(ctx context.Context, actor domain.Actor, in service.ListAttemptsInput) (*service.AttemptPage, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, actor, in)
	}
	return &service.AttemptPage{}, nil
}

func (s *stubStatusService) CheckNumber(ctx context.Context, actor domain.Actor, org string, in service.CheckInput) ([]domain.PropagationAttempt, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, actor, org, in)
	}
	return nil, errors.New("not implemented")
}

type stubBulkService struct {
	decideFn func(ctx context.Context, actor domain.Actor, in service.BulkDecideInput) ([]service.BulkOutcome, error)
	pushFn   func(ctx context.Context, actor domain.Actor, in service.PushRemainingInput) ([]service.PushOutcome, error)
}

func (s *stubBulkService) BulkDecide(ctx context.Context, actor domain.Actor, in service.BulkDecideInput) ([]service.BulkOutcome, error) {
	if s.decideFn != nil {
		return s.decideFn(ctx, actor, in)
	}
	return nil, errors.New("not implemented")
}

func (s *stubBulkService) PushAllRemaining(ctx context.Context, actor domain.Actor, in service.PushRemainingInput) ([]service.PushOutcome, error) {
	if s.pushFn != nil {
		return s.pushFn(ctx, actor, in)
	}
	return nil, errors.New("not implemented")
}

type stubPropagator struct {
	propagateFn func(ctx context.Context, actor domain.Actor, id string, opts service.PropagateOptions) (*service.PropagationResult, error)
	retryFn     func(ctx context.Context, actor domain.Actor, in service.RetryInput) (*domain.PropagationAttempt, error)
}

func (s *stubPropagator) Propagate(ctx context.Context, actor domain.Actor, id string, opts service.PropagateOptions) (*service.PropagationResult, error) {
	if s.propagateFn != nil {
		return s.propagateFn(ctx, actor, id, opts)
	}
	return nil, errors.New("not implemented")
}

func (s *stubPropagator) Retry(ctx context.Context, actor domain.Actor, in service.RetryInput) (*domain.PropagationAttempt, error) {
	if s.retryFn != nil {
		return s.retryFn(ctx, actor, in)
	}
	return nil, errors.New("not implemented")
}

type stubServices struct {
	requests   *stubRequestService
	status     *stubStatusService
	bulk       *stubBulkService
	propagator *stubPropagator
}

func newStubServices() *stubServices {
	return &stubServices{
		requests:   &stubRequestService{},
		status:     &stubStatusService{},
		bulk:       &stubBulkService{},
		propagator: &stubPropagator{},
	}
}

func (s *stubServices) services() Services {
	return Services{Requests: s.requests, Status: s.status, Bulk: s.bulk, Propagator: s.propagator}
}

func newTestApp(t *testing.T, services Services) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
	if err := RegisterRoutes(app, services); err != nil {
		t.Fatalf("RegisterRoutes() error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, id identity, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if id.org != "" {
		req.Header.Set(HeaderOrganizationID, id.org)
	}
	if id.user != "" {
		req.Header.Set(HeaderUserID, id.user)
	}
	if id.role != "" {
		req.Header.Set(HeaderUserRole, id.role)
	}

	resp, err := app.Test(req, 5000)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

func decodeJSON(t *testing.T, body []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(body, dst); err != nil {
		t.Fatalf("json unmarshal error = %v, body=%s", err, string(body))
	}
}

func TestRegisterRoutesValidation(t *testing.T) {
	t.Parallel()

	if err := RegisterRoutes(fiber.New(), Services{}); err == nil {
		t.Fatal("RegisterRoutes() error = nil, want error for missing services")
	}
}

func TestIdentityMiddleware(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	var gotActor domain.Actor
	stubs.requests.getFn = func(_ context.Context, actor domain.Actor, id string) (*domain.DncRequest, error) {
		gotActor = actor
		return &domain.DncRequest{ID: id, OrganizationID: actor.OrganizationID, Status: domain.RequestStatusPending}, nil
	}
	app := newTestApp(t, stubs.services())

	tests := []struct {
		name string
		id   identity
		want int
	}{
		{name: "missing role", id: identity{org: "org-1", user: "u-1"}, want: fiber.StatusBadRequest},
		{name: "unknown role", id: identity{org: "org-1", user: "u-1", role: "intern"}, want: fiber.StatusBadRequest},
		{name: "missing user", id: identity{org: "org-1", role: "agent"}, want: fiber.StatusBadRequest},
		{name: "valid", id: identity{org: "org-1", user: "u-1", role: "Reviewer"}, want: fiber.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := performRequest(t, app, tt.id, http.MethodGet, "/dnc-requests/r-1", "")
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.want, string(body))
			}
		})
	}

	if gotActor.Role != domain.RoleReviewer || gotActor.UserID != "u-1" || gotActor.OrganizationID != "org-1" {
		t.Fatalf("actor = %+v", gotActor)
	}
}

func TestCreateRequestHandler(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.requests.createFn = func(_ context.Context, actor domain.Actor, org string, in service.CreateRequestInput) (*domain.DncRequest, error) {
		if org != "org-1" {
			return nil, domain.ErrNotFound
		}
		if in.Phone != "+15551234567" || in.Channel != "sms" || in.Notes != "called twice" {
			t.Errorf("input = %+v", in)
		}
		return &domain.DncRequest{
			ID:                "r-1",
			OrganizationID:    org,
			PhoneE164:         in.Phone,
			Status:            domain.RequestStatusPending,
			Reason:            in.Reason,
			Channel:           domain.Channel(in.Channel),
			RequestedByUserID: actor.UserID,
			CreatedAt:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		}, nil
	}
	app := newTestApp(t, stubs.services())

	body := `{"phone_e164":"+15551234567","reason":"stop calling","channel":"sms","notes":"called twice"}`
	resp, respBody := performRequest(t, app, agentID, http.MethodPost, "/dnc-requests/org-1", body)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", resp.StatusCode, string(respBody))
	}
	var created map[string]any
	decodeJSON(t, respBody, &created)
	if created["id"] != "r-1" || created["status"] != "pending" || created["requested_by_user_id"] != "agent-1" {
		t.Fatalf("response = %v", created)
	}

	resp, respBody = performRequest(t, app, agentID, http.MethodPost, "/dnc-requests/org-1", `{"reason":"x","channel":"sms"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing phone", resp.StatusCode)
	}
	var errBody map[string]string
	decodeJSON(t, respBody, &errBody)
	if !strings.Contains(errBody["error"], "phone_e164 is required") {
		t.Fatalf("error = %q, want field name in message", errBody["error"])
	}

	resp, _ = performRequest(t, app, agentID, http.MethodPost, "/dnc-requests/org-2", body)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404 for other organization", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, agentID, http.MethodPost, "/dnc-requests/org-1", `{not json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
}

func TestListRequestsHandler(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	var got service.ListRequestsInput
	stubs.requests.listFn = func(_ context.Context, _ domain.Actor, in service.ListRequestsInput) (*service.RequestPage, error) {
		got = in
		return &service.RequestPage{
			Requests:   []domain.DncRequest{{ID: "r-2", Status: domain.RequestStatusApproved}},
			NextCursor: "r-2",
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, agentID, http.MethodGet, "/dnc-requests/org/org-1?status=approved&cursor=r-9&limit=1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if got.OrganizationID != "org-1" || got.Status != "approved" || got.Cursor != "r-9" || got.Limit != 1 {
		t.Fatalf("input = %+v", got)
	}
	var page struct {
		Data       []map[string]any `json:"data"`
		NextCursor string           `json:"next_cursor"`
	}
	decodeJSON(t, body, &page)
	if len(page.Data) != 1 || page.NextCursor != "r-2" {
		t.Fatalf("page = %+v", page)
	}

	resp, _ = performRequest(t, app, agentID, http.MethodGet, "/dnc-requests/org/org-1?limit=500", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized limit", resp.StatusCode)
	}
}

func TestDecideHandler(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.requests.decideFn = func(_ context.Context, actor domain.Actor, id string, in service.DecideInput) (*service.DecideResult, error) {
		if err := actor.RequireDecider(); err != nil {
			return nil, err
		}
		switch id {
		case "decided":
			return nil, domain.ErrInvalidState
		case "broken":
			return &service.DecideResult{
				Request: domain.DncRequest{ID: id, Status: domain.RequestStatusApproved},
			}, errors.New("request approved but propagation failed: queue down")
		}
		if in.Decision != domain.DecisionApprove || len(in.PropagateTo) != 2 || !in.ConfirmDestructive {
			t.Errorf("input = %+v", in)
		}
		return &service.DecideResult{
			Request: domain.DncRequest{ID: id, Status: domain.RequestStatusApproved},
			Propagation: &service.PropagationResult{
				RequestID: id,
				Attempts:  []domain.PropagationAttempt{{ID: "a-1", ServiceKey: domain.ServiceConvoso, AttemptNo: 1, Status: domain.AttemptStatusPending}},
				Skipped:   []service.SkippedProvider{{ServiceKey: domain.ServiceYtel, Reason: "already propagated"}},
			},
		}, nil
	}
	app := newTestApp(t, stubs.services())

	body := `{"decision":"approved","propagate_to":["convoso","ytel","convoso"],"confirm_destructive":true}`
	resp, respBody := performRequest(t, app, reviewerID, http.MethodPatch, "/dnc-requests/r-1/decide", body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(respBody))
	}
	var decided struct {
		Request     map[string]any `json:"request"`
		Propagation struct {
			Attempts []map[string]any `json:"attempts"`
			Skipped  []map[string]any `json:"skipped"`
		} `json:"propagation"`
	}
	decodeJSON(t, respBody, &decided)
	if decided.Request["status"] != "approved" || len(decided.Propagation.Attempts) != 1 || len(decided.Propagation.Skipped) != 1 {
		t.Fatalf("response = %s", string(respBody))
	}

	tests := []struct {
		name string
		id   identity
		path string
		body string
		want int
	}{
		{name: "agent forbidden", id: agentID, path: "/dnc-requests/r-1/decide", body: body, want: fiber.StatusForbidden},
		{name: "already decided", id: reviewerID, path: "/dnc-requests/decided/decide", body: body, want: fiber.StatusConflict},
		{name: "unknown decision", id: reviewerID, path: "/dnc-requests/r-1/decide", body: `{"decision":"maybe"}`, want: fiber.StatusBadRequest},
		{name: "unknown provider", id: reviewerID, path: "/dnc-requests/r-1/decide", body: `{"decision":"approved","propagate_to":["fax"]}`, want: fiber.StatusBadRequest},
		{name: "propagation failed after decision", id: reviewerID, path: "/dnc-requests/broken/decide", body: `{"decision":"approved"}`, want: fiber.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, respBody := performRequest(t, app, tt.id, http.MethodPatch, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.want, string(respBody))
			}
		})
	}
}

func TestBulkDecideHandler(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.bulk.decideFn = func(_ context.Context, _ domain.Actor, in service.BulkDecideInput) ([]service.BulkOutcome, error) {
		if err := domain.ValidateDecision(in.Decision, in.Notes); err != nil {
			return nil, err
		}
		return []service.BulkOutcome{
			{RequestID: in.IDs[0], Status: in.Decision.Status()},
			{RequestID: in.IDs[1], Err: domain.ErrNotFound},
			{RequestID: in.IDs[2], Status: in.Decision.Status(), Warning: "request approved but propagation failed: db down"},
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, reviewerID, http.MethodPost, "/dnc-requests/bulk/approve", `{"ids":["r-1","missing","r-2"]}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var bulk struct {
		Results []struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
			Warning   string `json:"warning"`
			Error     string `json:"error"`
		} `json:"results"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	decodeJSON(t, body, &bulk)
	if bulk.Succeeded != 2 || bulk.Failed != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", bulk.Succeeded, bulk.Failed)
	}
	if bulk.Results[0].Status != "approved" || bulk.Results[1].Error == "" {
		t.Fatalf("results = %+v", bulk.Results)
	}
	if got := bulk.Results[2]; got.Status != "approved" || got.Warning == "" || got.Error != "" {
		t.Fatalf("approved row with propagation warning = %+v", got)
	}

	resp, _ = performRequest(t, app, reviewerID, http.MethodPost, "/dnc-requests/bulk/deny", `{"ids":["r-1"]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for deny without notes", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, reviewerID, http.MethodPost, "/dnc-requests/bulk/archive", `{"ids":["r-1"]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown action", resp.StatusCode)
	}
	resp, _ = performRequest(t, app, reviewerID, http.MethodPost, "/dnc-requests/bulk/approve", `{"ids":[]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty ids", resp.StatusCode)
	}
}

func TestStatusHandlerKeepsUnknownListed(t *testing.T) {
	t.Parallel()

	listed := true
	stubs := newStubServices()
	stubs.status.statusFn = func(_ context.Context, _ domain.Actor, id string) (*service.RequestStatusView, error) {
		return &service.RequestStatusView{
			Request:   domain.DncRequest{ID: id, Status: domain.RequestStatusApproved},
			Aggregate: domain.AggregatePartial,
			Attempts: []domain.LatestAttempt{
				{Attempt: domain.PropagationAttempt{ServiceKey: domain.ServiceConvoso, AttemptNo: 2, Status: domain.AttemptStatusFailed}, Total: 2},
			},
			Totals: service.AttemptTotals{
				Total:     2,
				ByStatus:  map[domain.AttemptStatus]int{domain.AttemptStatusFailed: 2},
				ByService: map[domain.ServiceKey]int{domain.ServiceConvoso: 2},
			},
			Checks: []domain.LatestAttempt{
				{Attempt: domain.PropagationAttempt{ServiceKey: domain.ServiceLogics, Operation: domain.OperationCheck}, Total: 1},
				{Attempt: domain.PropagationAttempt{ServiceKey: domain.ServiceRingCentral, Operation: domain.OperationCheck, Listed: &listed}, Total: 1},
			},
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, agentID, http.MethodGet, "/dnc-requests/r-1/status", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var view struct {
		Aggregate string `json:"aggregate"`
		Attempts  []struct {
			ServiceKey    string `json:"service_key"`
			AttemptNo     int    `json:"attempt_no"`
			TotalAttempts int    `json:"total_attempts"`
		} `json:"attempts"`
		AttemptTotals struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"by_status"`
		} `json:"attempt_totals"`
		Checks []map[string]any `json:"checks"`
	}
	decodeJSON(t, body, &view)
	if view.Aggregate != "partial" || view.AttemptTotals.Total != 2 || view.AttemptTotals.ByStatus["failed"] != 2 {
		t.Fatalf("view = %+v", view)
	}
	if len(view.Attempts) != 1 || view.Attempts[0].AttemptNo != 2 || view.Attempts[0].TotalAttempts != 2 {
		t.Fatalf("attempts = %+v", view.Attempts)
	}

	listedValue, present := view.Checks[0]["listed"]
	if !present || listedValue != nil {
		t.Fatalf("logics listed = %v (present %v), want explicit null", listedValue, present)
	}
	if view.Checks[1]["listed"] != true {
		t.Fatalf("ringcentral listed = %v, want true", view.Checks[1]["listed"])
	}
}

func TestEventsHandler(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.status.eventsFn = func(_ context.Context, actor domain.Actor, id string) ([]domain.AuditEvent, error) {
		if actor.OrganizationID != "org-1" {
			return nil, domain.ErrNotFound
		}
		return []domain.AuditEvent{
			{ID: "e-1", RequestID: id, Action: domain.ActionRequestCreated, Level: domain.EventLevelInfo},
			{ID: "e-2", RequestID: id, Action: domain.ActionRequestApproved, Level: domain.EventLevelInfo},
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, agentID, http.MethodGet, "/dnc-requests/r-1/events", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var events struct {
		Events []struct {
			Action string `json:"action"`
		} `json:"events"`
	}
	decodeJSON(t, body, &events)
	if len(events.Events) != 2 || events.Events[0].Action != domain.ActionRequestCreated {
		t.Fatalf("events = %+v", events.Events)
	}

	resp, _ = performRequest(t, app, identity{org: "org-2", user: "u-9", role: "admin"}, http.MethodGet, "/dnc-requests/r-1/events", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404 for other organization", resp.StatusCode)
	}
}

func TestPropagateAndRetryHandlers(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.propagator.propagateFn = func(_ context.Context, _ domain.Actor, id string, opts service.PropagateOptions) (*service.PropagationResult, error) {
		if len(opts.Providers) != 0 {
			t.Errorf("providers = %v, want all", opts.Providers)
		}
		return &service.PropagationResult{RequestID: id}, nil
	}
	stubs.propagator.retryFn = func(_ context.Context, _ domain.Actor, in service.RetryInput) (*domain.PropagationAttempt, error) {
		switch in.ServiceKey {
		case domain.ServiceLogics:
			if !in.ConfirmDestructive {
				return nil, domain.ErrConfirmationRequired
			}
		case domain.ServiceYtel:
			return nil, domain.ErrInvalidState
		}
		requestID := in.RequestID
		return &domain.PropagationAttempt{
			ID:         "a-2",
			RequestID:  &requestID,
			ServiceKey: in.ServiceKey,
			AttemptNo:  2,
			Status:     domain.AttemptStatusPending,
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, reviewerID, http.MethodPost, "/dnc-requests/r-1/propagate", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("propagate status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "retry accepted", body: `{"request_id":"r-1","service_key":"convoso","phone_e164":"+15551234567"}`, want: fiber.StatusAccepted},
		{name: "destructive needs confirmation", body: `{"request_id":"r-1","service_key":"logics"}`, want: fiber.StatusBadRequest},
		{name: "destructive confirmed", body: `{"request_id":"r-1","service_key":"logics","confirm_destructive":true}`, want: fiber.StatusAccepted},
		{name: "pair in flight", body: `{"request_id":"r-1","service_key":"ytel"}`, want: fiber.StatusConflict},
		{name: "unknown provider", body: `{"request_id":"r-1","service_key":"fax"}`, want: fiber.StatusBadRequest},
		{name: "missing request id", body: `{"service_key":"convoso"}`, want: fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := performRequest(t, app, reviewerID, http.MethodPost, "/propagation/retry", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.want, string(body))
			}
		})
	}
}

func TestAttemptsCheckAndPushHandlers(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	var gotFilter service.ListAttemptsInput
	stubs.status.attemptsFn = func(_ context.Context, _ domain.Actor, in service.ListAttemptsInput) (*service.AttemptPage, error) {
		gotFilter = in
		return &service.AttemptPage{Attempts: []domain.PropagationAttempt{{ID: "a-1", ServiceKey: domain.ServiceYtel}}}, nil
	}
	stubs.status.checkFn = func(_ context.Context, _ domain.Actor, org string, in service.CheckInput) ([]domain.PropagationAttempt, error) {
		if len(in.Providers) != 1 || in.Providers[0] != domain.ServiceGenesys {
			t.Errorf("providers = %v", in.Providers)
		}
		return []domain.PropagationAttempt{{ID: "c-1", OrganizationID: org, ServiceKey: domain.ServiceGenesys, Operation: domain.OperationCheck}}, nil
	}
	stubs.bulk.pushFn = func(_ context.Context, _ domain.Actor, in service.PushRemainingInput) ([]service.PushOutcome, error) {
		return []service.PushOutcome{
			{Phone: in.Phones[0], RequestID: "r-1"},
			{Phone: in.Phones[1], Err: domain.ErrNotFound},
		}, nil
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, agentID, http.MethodGet, "/propagation/attempts/org-1?service_key=ytel&status=failed&request_id=r-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("attempts status = %d, body=%s", resp.StatusCode, string(body))
	}
	if gotFilter.ServiceKey != "ytel" || gotFilter.Status != "failed" || gotFilter.RequestID != "r-1" || gotFilter.Limit != defaultPageSize {
		t.Fatalf("filter = %+v", gotFilter)
	}

	resp, body = performRequest(t, app, agentID, http.MethodPost, "/propagation/check/org-1", `{"phone_e164":"+15551234567","providers":["genesys"]}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("check status = %d, body=%s", resp.StatusCode, string(body))
	}
	var checks struct {
		Results []map[string]any `json:"results"`
	}
	decodeJSON(t, body, &checks)
	if len(checks.Results) != 1 || checks.Results[0]["request_id"] != nil {
		t.Fatalf("check results = %v", checks.Results)
	}

	resp, body = performRequest(t, app, reviewerID, http.MethodPost, "/propagation/push-remaining", `{"phones":["+15551234567","+15550000000"]}`)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("push status = %d, body=%s", resp.StatusCode, string(body))
	}
	var pushed struct {
		Results []struct {
			Phone string `json:"phone"`
			Error string `json:"error"`
		} `json:"results"`
	}
	decodeJSON(t, body, &pushed)
	if len(pushed.Results) != 2 || pushed.Results[0].Error != "" || pushed.Results[1].Error == "" {
		t.Fatalf("push results = %+v", pushed.Results)
	}

	resp, _ = performRequest(t, app, reviewerID, http.MethodPost, "/propagation/push-remaining", `{"phones":[]}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty phones", resp.StatusCode)
	}
}

func TestUnmappedErrorsAreHidden(t *testing.T) {
	t.Parallel()

	stubs := newStubServices()
	stubs.requests.getFn = func(context.Context, domain.Actor, string) (*domain.DncRequest, error) {
		return nil, errors.New("pq: connection reset by peer")
	}
	app := newTestApp(t, stubs.services())

	resp, body := performRequest(t, app, agentID, http.MethodGet, "/dnc-requests/r-1", "")
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if strings.Contains(string(body), "pq:") {
		t.Fatalf("body leaks internal error: %s", string(body))
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app)

		resp, body := performRequest(t, app, identity{}, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })
		rdb := newStubRedisClient(nil)
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb))

		resp, body := performRequest(t, app, identity{}, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when a dependency is down", func(t *testing.T) {
		t.Parallel()

		sqlDB := sql.OpenDB(stubConnector{})
		t.Cleanup(func() { _ = sqlDB.Close() })
		rdb := newStubRedisClient(errors.New("redis down"))
		t.Cleanup(func() { _ = rdb.Close() })

		app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
		RegisterHealthRoutes(app, PostgresCheck(sqlDB), RedisCheck(rdb))

		resp, body := performRequest(t, app, identity{}, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		var ready struct {
			Checks map[string]string `json:"checks"`
		}
		decodeJSON(t, body, &ready)
		if ready.Checks["postgres"] != "ok" || ready.Checks["redis"] != "down" {
			t.Fatalf("checks = %v", ready.Checks)
		}
	})
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
