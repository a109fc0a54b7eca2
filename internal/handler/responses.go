package handler

import (
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/service"
)

type requestResponse struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organization_id"`
	PhoneE164         string     `json:"phone_e164"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason"`
	Channel           string     `json:"channel"`
	Notes             *string    `json:"notes,omitempty"`
	RequestedByUserID string     `json:"requested_by_user_id"`
	ReviewedByUserID  *string    `json:"reviewed_by_user_id,omitempty"`
	DecisionNotes     *string    `json:"decision_notes,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	DecidedAt         *time.Time `json:"decided_at,omitempty"`
}

type attemptResponse struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organization_id"`
	RequestID         *string    `json:"request_id"`
	PhoneE164         string     `json:"phone_e164"`
	ServiceKey        string     `json:"service_key"`
	Operation         string     `json:"operation"`
	AttemptNo         int        `json:"attempt_no"`
	Status            string     `json:"status"`
	Listed            *bool      `json:"listed"`
	HTTPStatus        *int       `json:"http_status,omitempty"`
	ProviderRequestID *string    `json:"provider_request_id,omitempty"`
	ResponsePayload   *string    `json:"response_payload,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

type latestAttemptResponse struct {
	attemptResponse
	TotalAttempts int `json:"total_attempts"`
}

type attemptTotalsResponse struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByService map[string]int `json:"by_service"`
}

type statusResponse struct {
	RequestID     string                  `json:"request_id"`
	RequestStatus string                  `json:"request_status"`
	Aggregate     string                  `json:"aggregate"`
	Attempts      []latestAttemptResponse `json:"attempts"`
	AttemptTotals attemptTotalsResponse   `json:"attempt_totals"`
	Checks        []latestAttemptResponse `json:"checks"`
}

type eventResponse struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Level      string         `json:"level"`
	Component  string         `json:"component"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
}

type skippedResponse struct {
	ServiceKey string `json:"service_key"`
	Reason     string `json:"reason"`
}

type propagationResponse struct {
	RequestID string            `json:"request_id"`
	Attempts  []attemptResponse `json:"attempts"`
	Skipped   []skippedResponse `json:"skipped"`
}

func toRequestResponse(r *domain.DncRequest) requestResponse {
	if r == nil {
		return requestResponse{}
	}
	return requestResponse{
		ID:                r.ID,
		OrganizationID:    r.OrganizationID,
		PhoneE164:         r.PhoneE164,
		Status:            r.Status.String(),
		Reason:            r.Reason,
		Channel:           r.Channel.String(),
		Notes:             r.Notes,
		RequestedByUserID: r.RequestedByUserID,
		ReviewedByUserID:  r.ReviewedByUserID,
		DecisionNotes:     r.DecisionNotes,
		CreatedAt:         r.CreatedAt,
		DecidedAt:         r.DecidedAt,
	}
}

func toRequestResponses(requests []domain.DncRequest) []requestResponse {
	out := make([]requestResponse, 0, len(requests))
	for i := range requests {
		out = append(out, toRequestResponse(&requests[i]))
	}
	return out
}

func toAttemptResponse(a *domain.PropagationAttempt) attemptResponse {
	if a == nil {
		return attemptResponse{}
	}
	return attemptResponse{
		ID:                a.ID,
		OrganizationID:    a.OrganizationID,
		RequestID:         a.RequestID,
		PhoneE164:         a.PhoneE164,
		ServiceKey:        a.ServiceKey.String(),
		Operation:         a.Operation.String(),
		AttemptNo:         a.AttemptNo,
		Status:            a.Status.String(),
		Listed:            a.Listed,
		HTTPStatus:        a.HTTPStatus,
		ProviderRequestID: a.ProviderRequestID,
		ResponsePayload:   a.ResponsePayload,
		ErrorMessage:      a.ErrorMessage,
		StartedAt:         a.StartedAt,
		FinishedAt:        a.FinishedAt,
	}
}

func toAttemptResponses(attempts []domain.PropagationAttempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		out = append(out, toAttemptResponse(&attempts[i]))
	}
	return out
}

func toLatestResponses(latest []domain.LatestAttempt) []latestAttemptResponse {
	out := make([]latestAttemptResponse, 0, len(latest))
	for i := range latest {
		out = append(out, latestAttemptResponse{
			attemptResponse: toAttemptResponse(&latest[i].Attempt),
			TotalAttempts:   latest[i].Total,
		})
	}
	return out
}

func toStatusResponse(view *service.RequestStatusView) statusResponse {
	totals := attemptTotalsResponse{
		Total:     view.Totals.Total,
		ByStatus:  make(map[string]int, len(view.Totals.ByStatus)),
		ByService: make(map[string]int, len(view.Totals.ByService)),
	}
	for status, n := range view.Totals.ByStatus {
		totals.ByStatus[status.String()] = n
	}
	for key, n := range view.Totals.ByService {
		totals.ByService[key.String()] = n
	}

	return statusResponse{
		RequestID:     view.Request.ID,
		RequestStatus: view.Request.Status.String(),
		Aggregate:     view.Aggregate.String(),
		Attempts:      toLatestResponses(view.Attempts),
		AttemptTotals: totals,
		Checks:        toLatestResponses(view.Checks),
	}
}

func toEventResponses(events []domain.AuditEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse{
			ID:         e.ID,
			RequestID:  e.RequestID,
			OccurredAt: e.OccurredAt,
			Level:      string(e.Level),
			Component:  e.Component,
			Action:     e.Action,
			Details:    e.Details,
		})
	}
	return out
}

func toPropagationResponse(res *service.PropagationResult) *propagationResponse {
	if res == nil {
		return nil
	}
	return &propagationResponse{
		RequestID: res.RequestID,
		Attempts:  toAttemptResponses(res.Attempts),
		Skipped:   toSkippedResponses(res.Skipped),
	}
}

func toSkippedResponses(skipped []service.SkippedProvider) []skippedResponse {
	out := make([]skippedResponse, 0, len(skipped))
	for _, s := range skipped {
		out = append(out, skippedResponse{ServiceKey: s.ServiceKey.String(), Reason: s.Reason})
	}
	return out
}
