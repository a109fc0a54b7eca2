package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const (
	logicsCasesPath     = "/api/v1/cases"
	logicsCloseCasePath = "/api/v1/cases/{caseId}/close"
)

type logicsCase struct {
	CaseID string `json:"caseId"`
	Status string `json:"status"`
	DNC    bool   `json:"dnc"`
}

type logicsCasesResponse struct {
	Cases []logicsCase `json:"cases"`
}

type logicsCloseRequest struct {
	Reason string `json:"reason"`
	DNC    bool   `json:"dnc"`
}

// LogicsAdapter suppresses numbers in Logics by closing their open cases with a
// DNC disposition. Closing a case is destructive, so Add refuses to run
// without AddOptions.ConfirmDestructive.
type LogicsAdapter struct {
	rest *restClient
}

func NewLogicsAdapter(cfg ClientConfig) (*LogicsAdapter, error) {
	rest, err := newRestClient(domain.ServiceLogics, cfg)
	if err != nil {
		return nil, err
	}
	rest.client.SetHeader("X-Api-Key", strings.TrimSpace(cfg.Token))
	return &LogicsAdapter{rest: rest}, nil
}

func (a *LogicsAdapter) Key() domain.ServiceKey { return domain.ServiceLogics }

// Check reports listed=nil when Logics has no case for the number: it holds no
// suppression record to answer from.
func (a *LogicsAdapter) Check(ctx context.Context, phoneE164 string) CheckResult {
	cases, response, perr := a.findCases(ctx, phoneE164)
	if perr != nil {
		return failedCheck(perr)
	}

	result := CheckResult{HTTPStatus: response.StatusCode(), RawResponse: response.String()}
	if len(cases) == 0 {
		return result
	}

	dnc := false
	for _, c := range cases {
		if c.DNC {
			dnc = true
			break
		}
	}
	result.Listed = listed(dnc)
	return result
}

func (a *LogicsAdapter) Add(ctx context.Context, phoneE164 string, opts AddOptions) AddResult {
	if !opts.ConfirmDestructive {
		return failedAdd(nil, &ProviderError{
			Service: a.Key(),
			Message: "closing logics cases requires explicit confirmation",
			Cause:   domain.ErrConfirmationRequired,
		})
	}

	cases, response, perr := a.findCases(ctx, phoneE164)
	if perr != nil {
		return failedAdd(nil, perr)
	}

	reqBody := logicsCloseRequest{Reason: "DNC", DNC: true}
	payload := mustJSON(reqBody)

	closed := make([]string, 0, len(cases))
	lastStatus := response.StatusCode()
	lastBody := response.String()
	for _, c := range cases {
		if c.DNC || strings.EqualFold(c.Status, "closed") {
			continue
		}

		closeResp, perr := a.rest.do(ctx, http.MethodPost, logicsCloseCasePath, func(r *resty.Request) {
			r.SetPathParam("caseId", c.CaseID)
			r.SetHeader("Content-Type", "application/json")
			r.SetBody(reqBody)
		})
		if perr != nil {
			return failedAdd(payload, perr)
		}
		if !isSuccess(closeResp) {
			perr := statusError(a.Key(), closeResp.StatusCode(), closeResp.String())
			if len(closed) > 0 {
				perr.Message = fmt.Sprintf("%s (closed before failure: %s)", perr.Message, strings.Join(closed, ","))
			}
			return failedAdd(payload, perr)
		}

		closed = append(closed, c.CaseID)
		lastStatus = closeResp.StatusCode()
		lastBody = closeResp.String()
	}

	// No open case means nothing in Logics can dial the number.
	return AddResult{
		OK:                true,
		HTTPStatus:        lastStatus,
		ProviderRequestID: strings.Join(closed, ","),
		RequestPayload:    payload,
		RawResponse:       lastBody,
	}
}

func (a *LogicsAdapter) findCases(ctx context.Context, phoneE164 string) ([]logicsCase, *resty.Response, *ProviderError) {
	_, national, err := domain.PhoneParts(phoneE164)
	if err != nil {
		return nil, nil, Wrap(a.Key(), "invalid phone", err)
	}

	response, perr := a.rest.do(ctx, http.MethodGet, logicsCasesPath, func(r *resty.Request) {
		r.SetQueryParam("phone", national)
	})
	if perr != nil {
		return nil, nil, perr
	}
	if response.StatusCode() == http.StatusNotFound {
		return nil, response, nil
	}
	if !isSuccess(response) {
		return nil, nil, statusError(a.Key(), response.StatusCode(), response.String())
	}

	var body logicsCasesResponse
	if perr := a.rest.decode(response, &body); perr != nil {
		return nil, nil, perr
	}
	return body.Cases, response, nil
}
