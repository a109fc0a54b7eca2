package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dnc-propagation/internal/domain"
)

const defaultProviderTimeout = 15 * time.Second

// ClientConfig is the connection setup shared by every adapter.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Client lets tests inject a preconfigured resty client.
	Client *resty.Client
}

func (c ClientConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

type restClient struct {
	service domain.ServiceKey
	client  *resty.Client
	timeout time.Duration
}

func newRestClient(service domain.ServiceKey, cfg ClientConfig) (*restClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%s base url is required", service)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", service, err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%s credentials are required", service)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}

	client := cfg.Client
	if client == nil {
		client = resty.New()
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(timeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(baseURL)
	client.SetHeader("Accept", "application/json")

	return &restClient{
		service: service,
		client:  client,
		timeout: timeout,
	}, nil
}

// do executes one request bounded by the adapter timeout. Status codes are left
// to the caller because providers disagree on what a 404 means.
func (c *restClient) do(ctx context.Context, method string, path string, configure func(*resty.Request)) (*resty.Response, *ProviderError) {
	if c == nil || c.client == nil {
		return nil, &ProviderError{Message: "provider is not initialized"}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := c.client.R().SetContext(callCtx)
	if configure != nil {
		configure(req)
	}

	response, err := req.Execute(method, path)
	if err != nil {
		transient := !errors.Is(err, context.Canceled)
		message := "provider request failed"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
			message = "provider request timed out"
			transient = true
		}
		return nil, &ProviderError{
			Service:   c.service,
			Message:   message,
			Transient: transient,
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Service:   c.service,
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	return response, nil
}

func (c *restClient) decode(response *resty.Response, into any) *ProviderError {
	if err := json.Unmarshal(response.Body(), into); err != nil {
		return &ProviderError{
			Service:    c.service,
			StatusCode: response.StatusCode(),
			Message:    "provider returned an unreadable response",
			Body:       response.String(),
			Cause:      err,
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isSuccess(response *resty.Response) bool {
	return response.StatusCode() >= 200 && response.StatusCode() < 300
}

func requestIDFromHeaders(response *resty.Response, extra ...string) string {
	if response == nil {
		return ""
	}

	keys := append(append([]string{}, extra...), "X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id")
	for _, key := range keys {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
