package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"github.com/kursadbilgin/dnc-propagation/internal/observability"
	"github.com/kursadbilgin/dnc-propagation/internal/repository"
	"go.uber.org/zap"
)

const (
	componentRequests = "requests"
	componentEngine   = "engine"
	componentReaper   = "reaper"
)

// AuditRecorder appends audit events. A failed append is logged and never
// fails the operation that produced it.
type AuditRecorder struct {
	events repository.EventRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewAuditRecorder(events repository.EventRepository, logger *zap.Logger) *AuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditRecorder{events: events, logger: logger, now: time.Now}
}

func (r *AuditRecorder) Record(
	ctx context.Context,
	organizationID string,
	requestID string,
	level domain.EventLevel,
	component string,
	action string,
	details map[string]any,
) {
	if r == nil || r.events == nil || requestID == "" {
		return
	}

	event := &domain.AuditEvent{
		OrganizationID: organizationID,
		RequestID:      requestID,
		OccurredAt:     r.now().UTC(),
		Level:          level,
		Component:      component,
		Action:         action,
		Details:        details,
	}
	if err := r.events.Append(context.WithoutCancel(ctx), event); err != nil {
		observability.WithContextLogger(r.logger, ctx).Error("failed to append audit event",
			zap.String("requestId", requestID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// RecordAttempt writes an attempt lifecycle event. Ad-hoc checks have no
// request and are not audited.
func (r *AuditRecorder) RecordAttempt(ctx context.Context, action string, a *domain.PropagationAttempt, extra map[string]any) {
	if a == nil || a.RequestID == nil {
		return
	}

	details := map[string]any{
		"attemptId":  a.ID,
		"serviceKey": a.ServiceKey.String(),
		"attemptNo":  a.AttemptNo,
		"status":     a.Status.String(),
	}
	if a.HTTPStatus != nil {
		details["httpStatus"] = *a.HTTPStatus
	}
	if a.ErrorMessage != nil {
		details["error"] = *a.ErrorMessage
	}
	for k, v := range extra {
		details[k] = v
	}

	level := domain.EventLevelInfo
	switch a.Status {
	case domain.AttemptStatusFailed:
		level = domain.EventLevelError
	case domain.AttemptStatusSkipped:
		level = domain.EventLevelWarn
	}

	component := componentEngine
	if action == domain.ActionAttemptReaped {
		component = componentReaper
	}
	r.Record(ctx, a.OrganizationID, *a.RequestID, level, component, action, details)
}

// finishedAction maps a terminal attempt status to its audit action.
func finishedAction(status domain.AttemptStatus) string {
	switch status {
	case domain.AttemptStatusSuccess:
		return domain.ActionPropagationSucceeded
	case domain.AttemptStatusSkipped:
		return domain.ActionPropagationSkipped
	default:
		return domain.ActionPropagationFailed
	}
}
