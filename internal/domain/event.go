package domain

import "time"

// EventLevel is the severity of an audit event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Audit actions.
const (
	ActionRequestCreated        = "request.created"
	ActionRequestApproved       = "request.approved"
	ActionRequestDenied         = "request.denied"
	ActionAttemptCreated        = "propagation.attempt_created"
	ActionPropagationSucceeded  = "propagation.succeeded"
	ActionPropagationFailed     = "propagation.failed"
	ActionPropagationSkipped    = "propagation.skipped"
	ActionRetryRequested        = "propagation.retry_requested"
	ActionAttemptReaped         = "propagation.attempt_reaped"
	ActionPropagationDispatched = "propagation.dispatched"
)

// AuditEvent is an append-only audit trail entry tied to a request.
type AuditEvent struct {
	ID             string
	OrganizationID string
	RequestID      string
	OccurredAt     time.Time
	Level          EventLevel
	Component      string
	Action         string
	Details        map[string]any
}
