package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const ringCentralBlockedPath = "/restapi/v1.0/account/~/extension/~/caller-blocking/phone-numbers"

type ringCentralBlockedNumber struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Status      string `json:"status"`
	Label       string `json:"label,omitempty"`
}

type ringCentralListResponse struct {
	Records []ringCentralBlockedNumber `json:"records"`
}

// RingCentralAdapter manages the account caller-blocking list.
type RingCentralAdapter struct {
	rest *restClient
}

func NewRingCentralAdapter(cfg ClientConfig) (*RingCentralAdapter, error) {
	rest, err := newRestClient(domain.ServiceRingCentral, cfg)
	if err != nil {
		return nil, err
	}
	rest.client.SetAuthToken(strings.TrimSpace(cfg.Token))
	return &RingCentralAdapter{rest: rest}, nil
}

func (a *RingCentralAdapter) Key() domain.ServiceKey { return domain.ServiceRingCentral }

func (a *RingCentralAdapter) Check(ctx context.Context, phoneE164 string) CheckResult {
	response, perr := a.rest.do(ctx, http.MethodGet, ringCentralBlockedPath, func(r *resty.Request) {
		r.SetQueryParam("phoneNumber", phoneE164)
		r.SetQueryParam("status", "Blocked")
	})
	if perr != nil {
		return failedCheck(perr)
	}
	if !isSuccess(response) {
		return failedCheck(statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var body ringCentralListResponse
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedCheck(perr)
	}

	found := false
	for _, record := range body.Records {
		if record.PhoneNumber == phoneE164 && strings.EqualFold(record.Status, "Blocked") {
			found = true
			break
		}
	}

	return CheckResult{
		Listed:      listed(found),
		HTTPStatus:  response.StatusCode(),
		RawResponse: response.String(),
	}
}

func (a *RingCentralAdapter) Add(ctx context.Context, phoneE164 string, _ AddOptions) AddResult {
	reqBody := ringCentralBlockedNumber{
		PhoneNumber: phoneE164,
		Status:      "Blocked",
		Label:       "DNC",
	}
	payload := mustJSON(reqBody)

	response, perr := a.rest.do(ctx, http.MethodPost, ringCentralBlockedPath, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(reqBody)
	})
	if perr != nil {
		return failedAdd(payload, perr)
	}

	// 409 means the number is already blocked, which is the desired end state.
	if response.StatusCode() == http.StatusConflict {
		return AddResult{
			OK:             true,
			HTTPStatus:     response.StatusCode(),
			RequestPayload: payload,
			RawResponse:    response.String(),
		}
	}
	if !isSuccess(response) {
		return failedAdd(payload, statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var created ringCentralBlockedNumber
	providerID := requestIDFromHeaders(response, "RCRequestId")
	if a.rest.decode(response, &created) == nil && created.ID != "" {
		providerID = created.ID
	}

	return AddResult{
		OK:                true,
		HTTPStatus:        response.StatusCode(),
		ProviderRequestID: providerID,
		RequestPayload:    payload,
		RawResponse:       response.String(),
	}
}
