package domain

import (
	"fmt"
	"strings"
	"time"
)

// RequestStatus represents the decision state of a DNC request.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusDenied   RequestStatus = "denied"
)

func (s RequestStatus) String() string { return string(s) }

func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusPending, RequestStatusApproved, RequestStatusDenied:
		return true
	}
	return false
}

func ParseRequestStatusFromString(s string) (RequestStatus, error) {
	st := RequestStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel is the contact channel the suppression applies to.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelVoice, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if ch == "" {
		return ChannelVoice, nil
	}
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Decision is the reviewer verdict applied to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
)

func (d Decision) String() string { return string(d) }

func ParseDecisionFromString(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve":
		return DecisionApprove, nil
	case "denied", "deny", "rejected", "reject":
		return DecisionDeny, nil
	}
	return "", fmt.Errorf("%w: invalid decision %q", ErrValidation, s)
}

// Status returns the request status a decision transitions to.
func (d Decision) Status() RequestStatus {
	if d == DecisionApprove {
		return RequestStatusApproved
	}
	return RequestStatusDenied
}

// MaxReasonLength bounds free-text fields.
const MaxReasonLength = 2000

// DncRequest is a request to suppress a phone number for an organization.
type DncRequest struct {
	ID                string
	OrganizationID    string
	PhoneE164         string
	Status            RequestStatus
	Reason            string
	Channel           Channel
	Notes             *string
	RequestedByUserID string
	ReviewedByUserID  *string
	DecisionNotes     *string
	CreatedAt         time.Time
	DecidedAt         *time.Time
}

func (r *DncRequest) Validate() error {
	if strings.TrimSpace(r.OrganizationID) == "" {
		return fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if r.PhoneE164 == "" {
		return fmt.Errorf("%w: phone is required", ErrValidation)
	}
	if strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if len([]rune(r.Reason)) > MaxReasonLength {
		return fmt.Errorf("%w: reason exceeds %d characters", ErrValidation, MaxReasonLength)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if strings.TrimSpace(r.RequestedByUserID) == "" {
		return fmt.Errorf("%w: requester is required", ErrValidation)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, r.Status)
	}

	decided := r.Status != RequestStatusPending
	if decided != (r.DecidedAt != nil) {
		return fmt.Errorf("%w: decided_at must be set iff request is decided", ErrValidation)
	}
	if decided != (r.ReviewedByUserID != nil) {
		return fmt.Errorf("%w: reviewer must be set iff request is decided", ErrValidation)
	}

	return nil
}

// ValidateDecision checks the inputs of a decision before any state is touched.
func ValidateDecision(decision Decision, notes string) error {
	switch decision {
	case DecisionApprove:
	case DecisionDeny:
		if strings.TrimSpace(notes) == "" {
			return fmt.Errorf("%w: rejection reason is required", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid decision %q", ErrValidation, decision)
	}
	if len([]rune(notes)) > MaxReasonLength {
		return fmt.Errorf("%w: notes exceed %d characters", ErrValidation, MaxReasonLength)
	}
	return nil
}

// Decide applies a decision to a pending request in memory.
func (r *DncRequest) Decide(decision Decision, reviewerID string, notes string, at time.Time) error {
	if err := ValidateDecision(decision, notes); err != nil {
		return err
	}
	if strings.TrimSpace(reviewerID) == "" {
		return fmt.Errorf("%w: reviewer is required", ErrValidation)
	}
	if r.Status != RequestStatusPending {
		return fmt.Errorf("%w: request %s is already %s", ErrInvalidState, r.ID, r.Status)
	}

	reviewer := strings.TrimSpace(reviewerID)
	decidedAt := at.UTC()
	r.Status = decision.Status()
	r.ReviewedByUserID = &reviewer
	r.DecidedAt = &decidedAt
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		r.DecisionNotes = &trimmed
	} else {
		r.DecisionNotes = nil
	}
	return nil
}
