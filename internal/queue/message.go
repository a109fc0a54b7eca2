package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

// PropagationMessage asks a worker to execute one pending attempt.
type PropagationMessage struct {
	AttemptID          string            `json:"attemptId"`
	RequestID          string            `json:"requestId"`
	ServiceKey         domain.ServiceKey `json:"serviceKey"`
	ConfirmDestructive bool              `json:"confirmDestructive,omitempty"`
	Priority           Priority          `json:"priority,omitempty"`
	CorrelationID      string            `json:"correlationId,omitempty"`
}

func (m PropagationMessage) Validate() error {
	if strings.TrimSpace(m.AttemptID) == "" {
		return fmt.Errorf("attemptId is required")
	}
	if strings.TrimSpace(m.RequestID) == "" {
		return fmt.Errorf("requestId is required")
	}
	if !m.ServiceKey.IsValid() {
		return fmt.Errorf("invalid service key %q", m.ServiceKey)
	}
	if m.Priority != "" && !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}
