package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const (
	convosoSearchPath = "/v1/dnc/search"
	convosoInsertPath = "/v1/dnc/insert"
)

type convosoSearchResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Data    *struct {
		Total json.Number `json:"total"`
	} `json:"data"`
}

type convosoInsertResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
	Data    *struct {
		ID json.Number `json:"id"`
	} `json:"data"`
}

// ConvosoAdapter manages the Convoso global DNC list. Convoso authenticates
// with an auth_token parameter and wants national numbers plus a phone code.
type ConvosoAdapter struct {
	rest      *restClient
	authToken string
}

func NewConvosoAdapter(cfg ClientConfig) (*ConvosoAdapter, error) {
	rest, err := newRestClient(domain.ServiceConvoso, cfg)
	if err != nil {
		return nil, err
	}
	return &ConvosoAdapter{rest: rest, authToken: strings.TrimSpace(cfg.Token)}, nil
}

func (a *ConvosoAdapter) Key() domain.ServiceKey { return domain.ServiceConvoso }

func (a *ConvosoAdapter) Check(ctx context.Context, phoneE164 string) CheckResult {
	countryCode, national, err := domain.PhoneParts(phoneE164)
	if err != nil {
		return failedCheck(Wrap(a.Key(), "invalid phone", err))
	}

	response, perr := a.rest.do(ctx, http.MethodGet, convosoSearchPath, func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"auth_token":   a.authToken,
			"phone_number": national,
			"phone_code":   strconv.Itoa(countryCode),
		})
	})
	if perr != nil {
		return failedCheck(perr)
	}
	if !isSuccess(response) {
		return failedCheck(statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var body convosoSearchResponse
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedCheck(perr)
	}

	result := CheckResult{HTTPStatus: response.StatusCode(), RawResponse: response.String()}
	if !body.Success || body.Data == nil {
		// Convoso answers 200 with success=false for lookups it could not run.
		result.Err = &ProviderError{
			Service:    a.Key(),
			StatusCode: response.StatusCode(),
			Message:    convosoMessage(body.Text, "search was not successful"),
			Body:       response.String(),
		}
		return result
	}

	total, err := body.Data.Total.Int64()
	if err != nil {
		result.Err = Wrap(a.Key(), "unreadable total", err)
		return result
	}
	result.Listed = listed(total > 0)
	return result
}

func (a *ConvosoAdapter) Add(ctx context.Context, phoneE164 string, _ AddOptions) AddResult {
	countryCode, national, err := domain.PhoneParts(phoneE164)
	if err != nil {
		return failedAdd(nil, Wrap(a.Key(), "invalid phone", err))
	}

	form := map[string]string{
		"phone_number": national,
		"phone_code":   strconv.Itoa(countryCode),
	}
	payload := mustJSON(form)

	response, perr := a.rest.do(ctx, http.MethodPost, convosoInsertPath, func(r *resty.Request) {
		r.SetFormData(form)
		r.SetFormData(map[string]string{"auth_token": a.authToken})
	})
	if perr != nil {
		return failedAdd(payload, perr)
	}
	if !isSuccess(response) {
		return failedAdd(payload, statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var body convosoInsertResponse
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedAdd(payload, perr)
	}
	if !body.Success {
		return failedAdd(payload, &ProviderError{
			Service:    a.Key(),
			StatusCode: response.StatusCode(),
			Message:    convosoMessage(body.Text, "insert was not successful"),
			Body:       response.String(),
		})
	}

	providerID := requestIDFromHeaders(response)
	if body.Data != nil && body.Data.ID.String() != "" {
		providerID = body.Data.ID.String()
	}

	return AddResult{
		OK:                true,
		HTTPStatus:        response.StatusCode(),
		ProviderRequestID: providerID,
		RequestPayload:    payload,
		RawResponse:       response.String(),
	}
}

func convosoMessage(text string, fallback string) string {
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	return fallback
}
