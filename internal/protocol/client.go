// Package protocol implements the remote policy service client: five verbs,
// one JSON POST each, no retries. A failed round trip propagates to the
// caller, which decides session disposition.
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/weblight/acb/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// TurnResponse is the policy service's reply to start, continue and resume.
// A nil Action with Complete false also ends the loop (a "falsy" action).
type TurnResponse struct {
	ThreadID string          `json:"threadId,omitempty"`
	Action   *schemas.Action `json:"action,omitempty"`
	Complete bool            `json:"complete"`
}

// errorEnvelope is the error shape servers use on non-2xx responses.
type errorEnvelope struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Client talks to the remote policy service. Every request carries the
// organization identifier.
type Client struct {
	http    *http.Client
	baseURL string
	orgID   string
	logger  *zap.Logger
}

// NewClient creates a protocol client. httpClient may be nil for a default
// with a 30s timeout.
func NewClient(baseURL, orgID string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		orgID:   orgID,
		logger:  logger.Named("protocol"),
	}
}

type startRequest struct {
	OrgID     string             `json:"orgId"`
	Prompt    string             `json:"prompt"`
	Mode      string             `json:"mode"`
	Inventory *schemas.Inventory `json:"inventory"`
	SessionID string             `json:"sessionId"`
	VisitorID string             `json:"visitorId,omitempty"`
}

type continueRequest struct {
	OrgID     string                `json:"orgId"`
	ThreadID  string                `json:"threadId"`
	Result    *schemas.ActionResult `json:"result"`
	Inventory *schemas.Inventory    `json:"inventory"`
}

type threadRequest struct {
	OrgID    string `json:"orgId"`
	ThreadID string `json:"threadId"`
}

type resumeRequest struct {
	OrgID     string             `json:"orgId"`
	ThreadID  string             `json:"threadId"`
	Inventory *schemas.Inventory `json:"inventory"`
}

// Start opens a session thread on the policy service and returns the first
// action to perform.
func (c *Client) Start(ctx context.Context, prompt, mode string, inv *schemas.Inventory, sessionID, visitorID string) (*TurnResponse, error) {
	return c.turn(ctx, "start", startRequest{
		OrgID:     c.orgID,
		Prompt:    prompt,
		Mode:      mode,
		Inventory: inv,
		SessionID: sessionID,
		VisitorID: visitorID,
	})
}

// Continue reports the prior action's result with a fresh inventory and
// returns the next action.
func (c *Client) Continue(ctx context.Context, threadID string, result *schemas.ActionResult, inv *schemas.Inventory) (*TurnResponse, error) {
	return c.turn(ctx, "continue", continueRequest{
		OrgID:     c.orgID,
		ThreadID:  threadID,
		Result:    result,
		Inventory: inv,
	})
}

// Pause notifies the service that the session is paused.
func (c *Client) Pause(ctx context.Context, threadID string) error {
	return c.post(ctx, "pause", threadRequest{OrgID: c.orgID, ThreadID: threadID}, nil)
}

// Resume notifies the service that the session resumed and returns the
// action to re-enter the turn loop with.
func (c *Client) Resume(ctx context.Context, threadID string, inv *schemas.Inventory) (*TurnResponse, error) {
	return c.turn(ctx, "resume", resumeRequest{
		OrgID:     c.orgID,
		ThreadID:  threadID,
		Inventory: inv,
	})
}

// Stop notifies the service that the session ended.
func (c *Client) Stop(ctx context.Context, threadID string) error {
	return c.post(ctx, "stop", threadRequest{OrgID: c.orgID, ThreadID: threadID}, nil)
}

// turn posts a verb that replies with a TurnResponse and validates any
// returned action at the boundary, so malformed shapes never reach the
// executor.
func (c *Client) turn(ctx context.Context, verb string, body any) (*TurnResponse, error) {
	var resp TurnResponse
	if err := c.post(ctx, verb, body, &resp); err != nil {
		return nil, err
	}
	if resp.Action != nil {
		if err := resp.Action.Validate(); err != nil {
			return nil, fmt.Errorf("%s returned invalid action: %w", verb, err)
		}
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, verb string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", verb, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+verb, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", verb, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("remote round trip", zap.String("verb", verb), zap.Int("bytes", len(payload)))
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s round trip: %w", verb, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", verb, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%s failed: %s", verb, serverMessage(res.StatusCode, data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", verb, err)
	}
	return nil
}

// serverMessage prefers the server-provided error message and falls back to
// the status text.
func serverMessage(status int, body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error != "" {
			return env.Error
		}
		if env.Message != "" {
			return env.Message
		}
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
