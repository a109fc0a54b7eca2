package provider

import (
	"context"

	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

// Adapter is the uniform DNC capability over one external provider.
// Implementations never return transport failures as panics or errors past this
// boundary: every call yields a result, with Err set when the call failed.
type Adapter interface {
	Key() domain.ServiceKey
	Check(ctx context.Context, phoneE164 string) CheckResult
	Add(ctx context.Context, phoneE164 string, opts AddOptions) AddResult
}

// AddOptions carries per-call flags for Add.
type AddOptions struct {
	// ConfirmDestructive must be true for providers whose add has side effects
	// beyond suppression (Logics closes the open case).
	ConfirmDestructive bool
}

// CheckResult is the normalized answer to "is this number listed".
// Listed is nil when the provider could not answer authoritatively.
type CheckResult struct {
	Listed      *bool
	HTTPStatus  int
	RawResponse string
	Err         *ProviderError
}

// AddResult stores provider call metadata for audit and persistence.
type AddResult struct {
	OK                bool
	HTTPStatus        int
	ProviderRequestID string
	RequestPayload    []byte
	RawResponse       string
	Err               *ProviderError
}

func failedAdd(payload []byte, err *ProviderError) AddResult {
	res := AddResult{RequestPayload: payload, Err: err}
	if err != nil {
		res.HTTPStatus = err.StatusCode
		res.RawResponse = err.Body
	}
	return res
}

func failedCheck(err *ProviderError) CheckResult {
	res := CheckResult{Err: err}
	if err != nil {
		res.HTTPStatus = err.StatusCode
		res.RawResponse = err.Body
	}
	return res
}

func listed(v bool) *bool {
	return &v
}
