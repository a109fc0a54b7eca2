package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

// ProviderError classifies provider call failures as transient/permanent.
type ProviderError struct {
	Service    domain.ServiceKey
	StatusCode int
	Message    string
	Body       string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	if e.Service != "" {
		parts = append(parts, fmt.Sprintf("%s provider error", e.Service))
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error is worth retrying later.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// Wrap converts any error into a *ProviderError for the given service.
func Wrap(service domain.ServiceKey, message string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Service == "" {
			providerErr.Service = service
		}
		return providerErr
	}

	return &ProviderError{
		Service:   service,
		Message:   message,
		Transient: IsTransient(err),
		Cause:     err,
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func statusError(service domain.ServiceKey, statusCode int, body string) *ProviderError {
	message := fmt.Sprintf("provider returned status %d", statusCode)
	if trimmed := strings.TrimSpace(body); trimmed != "" {
		message = fmt.Sprintf("%s: %s", message, truncate(trimmed, 512))
	}
	return &ProviderError{
		Service:    service,
		StatusCode: statusCode,
		Message:    message,
		Body:       body,
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
