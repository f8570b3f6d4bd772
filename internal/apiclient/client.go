// Package apiclient calls the engine's local HTTP API. nudgectl uses it.
package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/greentrail/nudge-engine/internal/api/respond"
	"github.com/greentrail/nudge-engine/internal/delay"
	"github.com/greentrail/nudge-engine/internal/engine"
	"github.com/greentrail/nudge-engine/internal/model"
)

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	return &Client{http: c}
}

func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var out engine.Stats
	return &out, c.do(ctx, http.MethodGet, "/api/stats", nil, &out)
}

func (c *Client) Settings(ctx context.Context) (*model.Settings, error) {
	var out model.Settings
	return &out, c.do(ctx, http.MethodGet, "/api/settings", nil, &out)
}

func (c *Client) PatchSettings(ctx context.Context, patch model.SettingsPatch) (*model.Settings, error) {
	var out model.Settings
	return &out, c.do(ctx, http.MethodPatch, "/api/settings", patch, &out)
}

func (c *Client) ReportAction(ctx context.Context, kind string, p engine.ActionPayload) (*engine.ActionResult, error) {
	var out engine.ActionResult
	return &out, c.do(ctx, http.MethodPost, "/api/actions/"+url.PathEscape(kind), p, &out)
}

func (c *Client) Respond(ctx context.Context, p engine.ResponsePayload) (*engine.ResponseResult, error) {
	var out engine.ResponseResult
	return &out, c.do(ctx, http.MethodPost, "/api/responses", p, &out)
}

func (c *Client) Delays(ctx context.Context) ([]delay.Active, error) {
	var out struct {
		Delays []delay.Active `json:"delays"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/delays", nil, &out); err != nil {
		return nil, err
	}
	return out.Delays, nil
}

func (c *Client) CompleteDelay(ctx context.Context, delayID, outcome string) (*delay.OutcomeEvent, error) {
	var out delay.OutcomeEvent
	body := map[string]string{"outcome": outcome}
	return &out, c.do(ctx, http.MethodPost, "/api/delays/"+url.PathEscape(delayID)+"/complete", body, &out)
}

func (c *Client) ExtendDelay(ctx context.Context, delayID string) (*model.DelayRecord, error) {
	var out model.DelayRecord
	return &out, c.do(ctx, http.MethodPost, "/api/delays/"+url.PathEscape(delayID)+"/extend", nil, &out)
}

// FireAlarm reports whether the engine had work for token.
func (c *Client) FireAlarm(ctx context.Context, token string) (bool, error) {
	var out struct {
		Handled bool `json:"handled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/alarms/"+url.PathEscape(token), nil, &out)
	return out.Handled, err
}

func (c *Client) ClearProfile(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/profile", nil, nil)
}

// Health returns the health body as a generic map.
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	return out, c.do(ctx, http.MethodGet, "/api/health", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var apiErr respond.ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = resp.String()
		}
		return &APIError{StatusCode: resp.StatusCode(), Message: msg}
	}
	return nil
}
