package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// GatewayClient drives the gateway's approval endpoints over HTTP with an
// admin API key. It satisfies worker.Transitioner, so the standalone worker
// can sweep without access to the gateway's database.
type GatewayClient struct {
	baseURL string
	apiKey  string
	caller  string
	grace   time.Duration
	http    *http.Client
}

// NewGatewayClient creates a client for the gateway at baseURL. grace must
// match the server's POLICY_GRACE_WINDOW; the server rechecks every
// transition, so a mismatch only costs extra requests.
func NewGatewayClient(baseURL, apiKey, caller string, grace, timeout time.Duration) (*GatewayClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", baseURL)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gateway API key is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		caller:  caller,
		grace:   grace,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// ListPending returns every unresolved approval.
func (c *GatewayClient) ListPending(ctx context.Context) ([]*repository.Approval, error) {
	var resp struct {
		Approvals []*repository.Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/approvals/pending", &resp); err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	return resp.Approvals, nil
}

// Escalate asks the gateway to escalate approvalID. The server records the
// API key's owner as the actor, so actorID is not sent.
func (c *GatewayClient) Escalate(ctx context.Context, approvalID, _ string) (bool, error) {
	var resp struct {
		Escalated bool `json:"escalated"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(approvalID)+"/escalate", &resp); err != nil {
		return false, err
	}
	return resp.Escalated, nil
}

// ExpireTimedOut asks the gateway to reject approvalID if it has timed out.
func (c *GatewayClient) ExpireTimedOut(ctx context.Context, approvalID, _ string) (bool, error) {
	var resp struct {
		Rejected bool `json:"rejected"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(approvalID)+"/auto-reject", &resp); err != nil {
		return false, err
	}
	return resp.Rejected, nil
}

// Now is the worker's clock, used only to pre-filter due approvals.
func (c *GatewayClient) Now() time.Time {
	return time.Now().UTC()
}

// GraceWindow returns the configured grace window.
func (c *GatewayClient) GraceWindow() time.Duration {
	return c.grace
}

// do sends a bodiless request and decodes the JSON response into out.
// Error responses come back as *errors.AppError with the server's code.
func (c *GatewayClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.caller != "" {
		req.Header.Set("User-Agent", c.caller)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, method+" "+path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error struct {
				Code    errors.ErrorCode `json:"code"`
				Message string           `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
			return errors.New(apiErr.Error.Code, apiErr.Error.Message)
		}
		return errors.New(errors.ErrCodeInternal, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode response")
	}
	return nil
}
