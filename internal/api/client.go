// Package api talks to the remote assignment service: one operation per
// action kind plus the assignment-to-compensation lookup, with failures
// classified for the sync engine's retry policy.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/user/refsync/internal/action"
)

// Client is the remote-service surface the sync engine executes against.
// The actionID parameter is sent as the idempotency key: replaying the same
// action after an interrupted sync must not apply the mutation twice.
type Client interface {
	UpdateCompensation(ctx context.Context, actionID, compensationID string, data action.CompensationData) error
	ResolveCompensationID(ctx context.Context, assignmentID string) (string, error)
	BatchUpdateCompensations(ctx context.Context, actionID string, compensationIDs []string, data action.CompensationData) error
	ApplyForExchange(ctx context.Context, actionID, exchangeID string) error
	AddAssignmentToExchange(ctx context.Context, actionID, assignmentID string) error
	RemoveOwnExchange(ctx context.Context, actionID, exchangeID string) error
}

// HTTPClient is a thin HTTP wrapper for the assignment service API.
type HTTPClient struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithTimeout sets the per-request timeout. Exceeding it classifies as a
// transient failure.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithH2C switches the transport to HTTP/2 over cleartext, for deployments
// where the service sits behind an h2c-terminating proxy.
func WithH2C() Option {
	return func(c *HTTPClient) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		c.httpClient = &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return dialer.DialContext(ctx, network, addr)
				},
				ReadIdleTimeout: 30 * time.Second,
				PingTimeout:     10 * time.Second,
			},
		}
	}
}

// New creates a client for the assignment service at baseURL.
func New(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		timeout:    15 * time.Second,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues one bounded request and classifies the outcome. Transport errors
// and timeouts are transient; response statuses map onto the taxonomy.
func (c *HTTPClient) do(ctx context.Context, method, path, actionID string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return NewValidationError(fmt.Sprintf("encode request body: %v", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return NewValidationError(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if actionID != "" {
		req.Header.Set("Idempotency-Key", actionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewTransientError(fmt.Sprintf("%s %s: %v", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransientError(fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return NewTransientError(fmt.Sprintf("decode response: %v", err))
			}
		}
		return nil
	}
	return classifyStatus(resp.StatusCode, serverMessage(data))
}

func serverMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if len(data) > 0 {
		return string(data)
	}
	return "no response body"
}

func classifyStatus(status int, msg string) error {
	e := &Error{Msg: fmt.Sprintf("server returned %d: %s", status, msg), Status: status}
	switch {
	case status == http.StatusConflict, status == http.StatusNotFound, status == http.StatusGone:
		// The referenced entity changed or disappeared since the action was
		// queued.
		e.Code = CodeConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		e.Code = CodeValidation
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		e.Code = CodeTransient
	default:
		e.Code = CodeValidation
	}
	return e
}

// UpdateCompensation patches a single compensation.
func (c *HTTPClient) UpdateCompensation(ctx context.Context, actionID, compensationID string, data action.CompensationData) error {
	path := "/api/v1/compensations/" + url.PathEscape(compensationID)
	return c.do(ctx, http.MethodPatch, path, actionID, map[string]any{"data": data}, nil)
}

// ResolveCompensationID looks up the compensation belonging to an assignment.
// A missing mapping is a resolution failure, not a retryable one: the
// assignment no longer carries a compensation and retrying cannot fix that.
func (c *HTTPClient) ResolveCompensationID(ctx context.Context, assignmentID string) (string, error) {
	var out struct {
		CompensationID string `json:"compensationId"`
	}
	path := "/api/v1/assignments/" + url.PathEscape(assignmentID) + "/compensation"
	err := c.do(ctx, http.MethodGet, path, "", nil, &out)
	if err != nil {
		if IsConflict(err) || IsValidation(err) {
			return "", NewResolutionError(fmt.Sprintf("resolve compensation for assignment %s: %v", assignmentID, err))
		}
		return "", err
	}
	if out.CompensationID == "" {
		return "", NewResolutionError(fmt.Sprintf("assignment %s has no compensation", assignmentID))
	}
	return out.CompensationID, nil
}

// BatchUpdateCompensations patches many compensations as one unit of work.
func (c *HTTPClient) BatchUpdateCompensations(ctx context.Context, actionID string, compensationIDs []string, data action.CompensationData) error {
	body := map[string]any{"compensationIds": compensationIDs, "data": data}
	return c.do(ctx, http.MethodPatch, "/api/v1/compensations", actionID, body, nil)
}

// ApplyForExchange applies for a game offered on the exchange.
func (c *HTTPClient) ApplyForExchange(ctx context.Context, actionID, exchangeID string) error {
	path := "/api/v1/exchanges/" + url.PathEscape(exchangeID) + "/applications"
	return c.do(ctx, http.MethodPost, path, actionID, nil, nil)
}

// AddAssignmentToExchange offers an assignment on the exchange.
func (c *HTTPClient) AddAssignmentToExchange(ctx context.Context, actionID, assignmentID string) error {
	body := map[string]any{"assignmentId": assignmentID}
	return c.do(ctx, http.MethodPost, "/api/v1/exchanges", actionID, body, nil)
}

// RemoveOwnExchange withdraws one of the referee's own exchange offers.
func (c *HTTPClient) RemoveOwnExchange(ctx context.Context, actionID, exchangeID string) error {
	path := "/api/v1/exchanges/" + url.PathEscape(exchangeID)
	return c.do(ctx, http.MethodDelete, path, actionID, nil, nil)
}
