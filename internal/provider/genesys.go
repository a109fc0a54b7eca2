package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const genesysPhoneNumbersPath = "/api/v2/outbound/dnclists/{listId}/phonenumbers"

type genesysSearchResponse struct {
	Entities []struct {
		PhoneNumber string `json:"phoneNumber"`
	} `json:"entities"`
	Total *int `json:"total"`
}

// GenesysAdapter manages one Genesys Cloud outbound DNC list.
type GenesysAdapter struct {
	rest      *restClient
	dncListID string
}

func NewGenesysAdapter(cfg ClientConfig, dncListID string) (*GenesysAdapter, error) {
	listID := strings.TrimSpace(dncListID)
	if listID == "" {
		return nil, fmt.Errorf("genesys dnc list id is required")
	}

	rest, err := newRestClient(domain.ServiceGenesys, cfg)
	if err != nil {
		return nil, err
	}
	rest.client.SetAuthToken(strings.TrimSpace(cfg.Token))
	return &GenesysAdapter{rest: rest, dncListID: listID}, nil
}

func (a *GenesysAdapter) Key() domain.ServiceKey { return domain.ServiceGenesys }

func (a *GenesysAdapter) Check(ctx context.Context, phoneE164 string) CheckResult {
	response, perr := a.rest.do(ctx, http.MethodGet, genesysPhoneNumbersPath, func(r *resty.Request) {
		r.SetPathParam("listId", a.dncListID)
		r.SetQueryParam("phoneNumber", phoneE164)
	})
	if perr != nil {
		return failedCheck(perr)
	}
	if response.StatusCode() == http.StatusNotFound {
		return CheckResult{
			Listed:      listed(false),
			HTTPStatus:  response.StatusCode(),
			RawResponse: response.String(),
		}
	}
	if !isSuccess(response) {
		return failedCheck(statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var body genesysSearchResponse
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedCheck(perr)
	}

	found := false
	for _, e := range body.Entities {
		if e.PhoneNumber == phoneE164 {
			found = true
			break
		}
	}
	if !found && body.Total != nil && *body.Total > 0 && len(body.Entities) == 0 {
		// A bare count without entities cannot be matched to this number.
		return CheckResult{HTTPStatus: response.StatusCode(), RawResponse: response.String()}
	}

	return CheckResult{
		Listed:      listed(found),
		HTTPStatus:  response.StatusCode(),
		RawResponse: response.String(),
	}
}

func (a *GenesysAdapter) Add(ctx context.Context, phoneE164 string, _ AddOptions) AddResult {
	reqBody := []string{phoneE164}
	payload := mustJSON(reqBody)

	response, perr := a.rest.do(ctx, http.MethodPost, genesysPhoneNumbersPath, func(r *resty.Request) {
		r.SetPathParam("listId", a.dncListID)
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(reqBody)
	})
	if perr != nil {
		return failedAdd(payload, perr)
	}
	if !isSuccess(response) {
		return failedAdd(payload, statusError(a.Key(), response.StatusCode(), response.String()))
	}

	return AddResult{
		OK:                true,
		HTTPStatus:        response.StatusCode(),
		ProviderRequestID: requestIDFromHeaders(response, "ININ-Correlation-Id"),
		RequestPayload:    payload,
		RawResponse:       response.String(),
	}
}
