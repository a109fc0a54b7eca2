package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
	"gorm.io/datatypes"
)

// RequestModel is the persistence model for the dnc_requests table.
type RequestModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	OrganizationID    string               `gorm:"type:varchar(64);not null"`
	PhoneE164         string               `gorm:"type:varchar(20);not null"`
	Status            domain.RequestStatus `gorm:"type:varchar(20);not null"`
	Reason            string               `gorm:"type:text;not null"`
	Channel           domain.Channel       `gorm:"type:varchar(10);not null"`
	Notes             *string              `gorm:"type:text"`
	RequestedByUserID string               `gorm:"type:varchar(64);not null"`
	ReviewedByUserID  *string              `gorm:"type:varchar(64)"`
	DecisionNotes     *string              `gorm:"type:text"`
	CreatedAt         time.Time
	DecidedAt         *time.Time
}

func (RequestModel) TableName() string {
	return "dnc_requests"
}

// AttemptModel is the persistence model for propagation_attempts.
type AttemptModel struct {
	ID                string               `gorm:"type:uuid;primaryKey"`
	OrganizationID    string               `gorm:"type:varchar(64);not null"`
	RequestID         *string              `gorm:"type:uuid"`
	PhoneE164         string               `gorm:"type:varchar(20);not null"`
	ServiceKey        domain.ServiceKey    `gorm:"type:varchar(20);not null"`
	Operation         domain.Operation     `gorm:"type:varchar(10);not null"`
	AttemptNo         int                  `gorm:"not null"`
	Status            domain.AttemptStatus `gorm:"type:varchar(20);not null"`
	Listed            *bool
	HTTPStatus        *int           `gorm:"column:http_status"`
	ProviderRequestID *string        `gorm:"type:varchar(255)"`
	RequestPayload    datatypes.JSON `gorm:"column:request_payload"`
	ResponsePayload   *string        `gorm:"type:text"`
	ErrorMessage      *string        `gorm:"type:text"`
	StartedAt         time.Time      `gorm:"not null"`
	FinishedAt        *time.Time
}

func (AttemptModel) TableName() string {
	return "propagation_attempts"
}

// AuditEventModel is the persistence model for audit_events.
type AuditEventModel struct {
	ID             string            `gorm:"type:uuid;primaryKey"`
	OrganizationID string            `gorm:"type:varchar(64);not null"`
	RequestID      string            `gorm:"type:uuid;not null"`
	OccurredAt     time.Time         `gorm:"not null"`
	Level          domain.EventLevel `gorm:"type:varchar(10);not null"`
	Component      string            `gorm:"type:varchar(64);not null"`
	Action         string            `gorm:"type:varchar(64);not null"`
	Details        datatypes.JSONMap `gorm:"column:details"`
}

func (AuditEventModel) TableName() string {
	return "audit_events"
}

// Index DDL shared by migrations and tests. Both statements are portable
// between Postgres and SQLite.
var (
	RequestIndexes = []string{
		`CREATE INDEX IF NOT EXISTS idx_dnc_requests_org_status ON dnc_requests (organization_id, status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_dnc_requests_org_phone ON dnc_requests (organization_id, phone_e164)`,
	}

	AttemptIndexes = []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_pair_attempt_no ON propagation_attempts (request_id, service_key, attempt_no) WHERE request_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_pair_in_flight ON propagation_attempts (request_id, service_key) WHERE request_id IS NOT NULL AND status IN ('pending', 'in_progress')`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_check_attempt_no ON propagation_attempts (organization_id, phone_e164, service_key, attempt_no) WHERE request_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_org_id ON propagation_attempts (organization_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_in_flight_started ON propagation_attempts (started_at) WHERE status IN ('pending', 'in_progress')`,
	}

	AuditEventIndexes = []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_events_request ON audit_events (request_id, occurred_at, id)`,
	}
)

// NewID returns a time-ordered identifier so id order matches insertion order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func requestModelFromDomain(r *domain.DncRequest) *RequestModel {
	if r == nil {
		return nil
	}

	return &RequestModel{
		ID:                r.ID,
		OrganizationID:    r.OrganizationID,
		PhoneE164:         r.PhoneE164,
		Status:            r.Status,
		Reason:            r.Reason,
		Channel:           r.Channel,
		Notes:             r.Notes,
		RequestedByUserID: r.RequestedByUserID,
		ReviewedByUserID:  r.ReviewedByUserID,
		DecisionNotes:     r.DecisionNotes,
		CreatedAt:         r.CreatedAt,
		DecidedAt:         r.DecidedAt,
	}
}

func requestModelToDomain(m *RequestModel) *domain.DncRequest {
	if m == nil {
		return nil
	}

	return &domain.DncRequest{
		ID:                m.ID,
		OrganizationID:    m.OrganizationID,
		PhoneE164:         m.PhoneE164,
		Status:            m.Status,
		Reason:            m.Reason,
		Channel:           m.Channel,
		Notes:             m.Notes,
		RequestedByUserID: m.RequestedByUserID,
		ReviewedByUserID:  m.ReviewedByUserID,
		DecisionNotes:     m.DecisionNotes,
		CreatedAt:         m.CreatedAt.UTC(),
		DecidedAt:         utcPtr(m.DecidedAt),
	}
}

func attemptModelFromDomain(a *domain.PropagationAttempt) *AttemptModel {
	if a == nil {
		return nil
	}

	var payload datatypes.JSON
	if len(a.RequestPayload) > 0 {
		payload = datatypes.JSON(a.RequestPayload)
	}

	return &AttemptModel{
		ID:                a.ID,
		OrganizationID:    a.OrganizationID,
		RequestID:         a.RequestID,
		PhoneE164:         a.PhoneE164,
		ServiceKey:        a.ServiceKey,
		Operation:         a.Operation,
		AttemptNo:         a.AttemptNo,
		Status:            a.Status,
		Listed:            a.Listed,
		HTTPStatus:        a.HTTPStatus,
		ProviderRequestID: a.ProviderRequestID,
		RequestPayload:    payload,
		ResponsePayload:   a.ResponsePayload,
		ErrorMessage:      a.ErrorMessage,
		StartedAt:         a.StartedAt,
		FinishedAt:        a.FinishedAt,
	}
}

func attemptModelToDomain(m *AttemptModel) *domain.PropagationAttempt {
	if m == nil {
		return nil
	}

	var payload []byte
	if len(m.RequestPayload) > 0 {
		payload = []byte(m.RequestPayload)
	}

	return &domain.PropagationAttempt{
		ID:                m.ID,
		OrganizationID:    m.OrganizationID,
		RequestID:         m.RequestID,
		PhoneE164:         m.PhoneE164,
		ServiceKey:        m.ServiceKey,
		Operation:         m.Operation,
		AttemptNo:         m.AttemptNo,
		Status:            m.Status,
		Listed:            m.Listed,
		HTTPStatus:        m.HTTPStatus,
		ProviderRequestID: m.ProviderRequestID,
		RequestPayload:    payload,
		ResponsePayload:   m.ResponsePayload,
		ErrorMessage:      m.ErrorMessage,
		StartedAt:         m.StartedAt.UTC(),
		FinishedAt:        utcPtr(m.FinishedAt),
	}
}

func eventModelFromDomain(e *domain.AuditEvent) *AuditEventModel {
	if e == nil {
		return nil
	}

	var details datatypes.JSONMap
	if len(e.Details) > 0 {
		details = datatypes.JSONMap(e.Details)
	}

	return &AuditEventModel{
		ID:             e.ID,
		OrganizationID: e.OrganizationID,
		RequestID:      e.RequestID,
		OccurredAt:     e.OccurredAt,
		Level:          e.Level,
		Component:      e.Component,
		Action:         e.Action,
		Details:        details,
	}
}

func eventModelToDomain(m *AuditEventModel) *domain.AuditEvent {
	if m == nil {
		return nil
	}

	return &domain.AuditEvent{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		RequestID:      m.RequestID,
		OccurredAt:     m.OccurredAt.UTC(),
		Level:          m.Level,
		Component:      m.Component,
		Action:         m.Action,
		Details:        map[string]any(m.Details),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	return min(limit, 200)
}
