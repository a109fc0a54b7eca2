package domain

import (
	"fmt"
	"strings"
	"time"
)

// AttemptStatus represents the lifecycle state of a propagation attempt.
type AttemptStatus string

const (
	AttemptStatusPending    AttemptStatus = "pending"
	AttemptStatusInProgress AttemptStatus = "in_progress"
	AttemptStatusSuccess    AttemptStatus = "success"
	AttemptStatusFailed     AttemptStatus = "failed"
	AttemptStatusSkipped    AttemptStatus = "skipped"
)

// InFlightAttemptStatuses are the non-terminal statuses.
var InFlightAttemptStatuses = []AttemptStatus{AttemptStatusPending, AttemptStatusInProgress}

func (s AttemptStatus) String() string { return string(s) }

func (s AttemptStatus) IsValid() bool {
	switch s {
	case AttemptStatusPending, AttemptStatusInProgress, AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusSkipped:
		return true
	}
	return false
}

func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusSkipped:
		return true
	}
	return false
}

func (s AttemptStatus) IsInFlight() bool {
	return s == AttemptStatusPending || s == AttemptStatusInProgress
}

func ParseAttemptStatusFromString(s string) (AttemptStatus, error) {
	st := AttemptStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid attempt status %q", ErrValidation, s)
	}
	return st, nil
}

// Operation distinguishes pushes from read-only checks.
type Operation string

const (
	OperationAdd   Operation = "add"
	OperationCheck Operation = "check"
)

func (o Operation) String() string { return string(o) }

// PropagationAttempt records one try of pushing or checking one provider.
// Terminal attempts are immutable; retries create a new row.
type PropagationAttempt struct {
	ID                string
	OrganizationID    string
	RequestID         *string
	PhoneE164         string
	ServiceKey        ServiceKey
	Operation         Operation
	AttemptNo         int
	Status            AttemptStatus
	Listed            *bool
	HTTPStatus        *int
	ProviderRequestID *string
	RequestPayload    []byte
	ResponsePayload   *string
	ErrorMessage      *string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// AttemptOutcome is the terminal result written onto an attempt.
type AttemptOutcome struct {
	Status            AttemptStatus
	Listed            *bool
	HTTPStatus        *int
	ProviderRequestID *string
	RequestPayload    []byte
	ResponsePayload   *string
	ErrorMessage      *string
	FinishedAt        time.Time
}

func (o AttemptOutcome) Validate() error {
	if !o.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrValidation, o.Status)
	}
	if o.FinishedAt.IsZero() {
		return fmt.Errorf("%w: finished_at is required", ErrValidation)
	}
	return nil
}

// PairKey identifies the serialization unit for attempts.
func PairKey(requestID string, key ServiceKey) string {
	return requestID + ":" + key.String()
}
