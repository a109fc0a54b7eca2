package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const ytelDNCPath = "/api/v4/dnc"

type ytelEnvelope struct {
	Status  bool            `json:"status"`
	Count   int             `json:"count"`
	Message json.RawMessage `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ytelDNCEntry struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
}

// YtelAdapter manages the Ytel account DNC list. Ytel expects E.164 digits
// without the leading plus.
type YtelAdapter struct {
	rest *restClient
}

func NewYtelAdapter(cfg ClientConfig) (*YtelAdapter, error) {
	rest, err := newRestClient(domain.ServiceYtel, cfg)
	if err != nil {
		return nil, err
	}
	rest.client.SetAuthToken(strings.TrimSpace(cfg.Token))
	return &YtelAdapter{rest: rest}, nil
}

func (a *YtelAdapter) Key() domain.ServiceKey { return domain.ServiceYtel }

func (a *YtelAdapter) Check(ctx context.Context, phoneE164 string) CheckResult {
	response, perr := a.rest.do(ctx, http.MethodGet, ytelDNCPath+"/{phone}", func(r *resty.Request) {
		r.SetPathParam("phone", ytelNumber(phoneE164))
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

	var body ytelEnvelope
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedCheck(perr)
	}

	result := CheckResult{HTTPStatus: response.StatusCode(), RawResponse: response.String()}
	if !body.Status {
		result.Err = &ProviderError{
			Service:    a.Key(),
			StatusCode: response.StatusCode(),
			Message:    ytelMessage(body.Message, "lookup was not successful"),
			Body:       response.String(),
		}
		return result
	}

	entries := ytelEntries(body.Payload)
	result.Listed = listed(body.Count > 0 || len(entries) > 0)
	return result
}

func (a *YtelAdapter) Add(ctx context.Context, phoneE164 string, _ AddOptions) AddResult {
	reqBody := map[string]string{"phoneNumber": ytelNumber(phoneE164)}
	payload := mustJSON(reqBody)

	response, perr := a.rest.do(ctx, http.MethodPost, ytelDNCPath, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(reqBody)
	})
	if perr != nil {
		return failedAdd(payload, perr)
	}
	if !isSuccess(response) {
		return failedAdd(payload, statusError(a.Key(), response.StatusCode(), response.String()))
	}

	var body ytelEnvelope
	if perr := a.rest.decode(response, &body); perr != nil {
		return failedAdd(payload, perr)
	}
	if !body.Status {
		return failedAdd(payload, &ProviderError{
			Service:    a.Key(),
			StatusCode: response.StatusCode(),
			Message:    ytelMessage(body.Message, "insert was not successful"),
			Body:       response.String(),
		})
	}

	providerID := requestIDFromHeaders(response)
	if entries := ytelEntries(body.Payload); len(entries) > 0 && entries[0].ID != "" {
		providerID = entries[0].ID
	}

	return AddResult{
		OK:                true,
		HTTPStatus:        response.StatusCode(),
		ProviderRequestID: providerID,
		RequestPayload:    payload,
		RawResponse:       response.String(),
	}
}

func ytelNumber(phoneE164 string) string {
	return strings.TrimPrefix(phoneE164, "+")
}

// ytelEntries accepts both the list and the single-object payload shapes.
func ytelEntries(raw json.RawMessage) []ytelDNCEntry {
	if len(raw) == 0 {
		return nil
	}

	var list []ytelDNCEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}

	var single ytelDNCEntry
	if err := json.Unmarshal(raw, &single); err == nil && (single.ID != "" || single.PhoneNumber != "") {
		return []ytelDNCEntry{single}
	}
	return nil
}

func ytelMessage(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}

	var list []struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		parts := make([]string, 0, len(list))
		for _, item := range list {
			if m := strings.TrimSpace(item.Message); m != "" {
				parts = append(parts, m)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return fallback
}
