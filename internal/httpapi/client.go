package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/eliteGoblin/hs3guard/internal/usecase"
)

// APIError is a non-2xx reply from a running controller.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the API of a running controller. The CLI uses it to stop
// or inspect a session started in another terminal.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a client for baseURL (for example http://127.0.0.1:8080).
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	return &Client{http: client, logger: logger}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var apiErr errorBody
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(&apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		c.logger.Warn("Controller API error",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", apiErr.Error))
		msg := apiErr.Error
		if msg == "" {
			msg = resp.Status()
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Safety fetches GET /safety.
func (c *Client) Safety(ctx context.Context) (*usecase.SafetyStatus, error) {
	var out usecase.SafetyStatus
	if err := c.do(ctx, http.MethodGet, "/safety", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session posts pause, resume or stop.
func (c *Client) Session(ctx context.Context, action string) (*usecase.SessionReport, error) {
	var out usecase.SessionReport
	if err := c.do(ctx, http.MethodPost, "/session/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmergencyStop asks the controller to halt the generator. A reply the
// device did not acknowledge is reported as an *APIError.
func (c *Client) EmergencyStop(ctx context.Context, reason string) error {
	var out emergencyResponse
	return c.do(ctx, http.MethodPost, "/session/emergency-stop", emergencyRequest{Reason: reason}, &out)
}
