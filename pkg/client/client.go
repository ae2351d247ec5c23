// Package client is a typed Go client for the governor HTTP API.
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

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/api"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/orchestrator"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

// codeErrors maps problem codes back to the sentinel errors they were
// produced from.
var codeErrors = map[string]error{
	"execution_not_found":   contracts.ErrExecutionNotFound,
	"ticket_not_found":      escalation.ErrTicketNotFound,
	"confirmation_required": contracts.ErrConfirmationRequired,
	"policy_denied":         contracts.ErrPolicyDenied,
	"budget_exceeded":       contracts.ErrBudgetExceeded,
	"quality_gate_failed":   contracts.ErrQualityGateFailed,
	"routing_exhausted":     contracts.ErrRoutingExhausted,
	"execution_cancelled":   contracts.ErrExecutionCancelled,
	"execution_terminal":    contracts.ErrExecutionTerminal,
	"not_suspended":         contracts.ErrNotSuspended,
	"ticket_mismatch":       escalation.ErrTicketMismatch,
	"ticket_not_pending":    escalation.ErrTicketNotPending,
	"invalid_profile":       contracts.ErrInvalidProfile,
	"chain_broken":          store.ErrChainBroken,
}

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Code != "" {
		return fmt.Sprintf("governor api %d: %s (%s)", e.Status, e.Problem.Detail, e.Problem.Code)
	}
	return fmt.Sprintf("governor api %d: %s", e.Status, e.Problem.Detail)
}

// Unwrap lets errors.Is match the governance sentinels.
func (e *APIError) Unwrap() error { return codeErrors[e.Problem.Code] }

// Client talks to one governor server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ExecutionResult is an execution snapshot and, when the execution stopped
// for a governance reason, that reason.
type ExecutionResult struct {
	Execution orchestrator.ExecutionContext `json:"execution"`
	Outcome   *api.ProblemDetail            `json:"outcome,omitempty"`
}

// Err returns the outcome as an error matching the governance sentinels, or
// nil when the execution did not stop.
func (r *ExecutionResult) Err() error {
	if r.Outcome == nil {
		return nil
	}
	return &APIError{Status: r.Outcome.Status, Problem: *r.Outcome}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

// StartRequest is the body of POST /v1/executions.
type StartRequest struct {
	WorkspaceID string              `json:"workspace_id,omitempty"`
	Profile     string              `json:"profile"`
	Steps       []orchestrator.Step `json:"steps"`
	Run         bool                `json:"run,omitempty"`
}

// StartExecution calls POST /v1/executions.
func (c *Client) StartExecution(ctx context.Context, req StartRequest) (*ExecutionResult, error) {
	var out ExecutionResult
	if err := c.do(ctx, http.MethodPost, "/v1/executions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExecutions calls GET /v1/executions.
func (c *Client) ListExecutions(ctx context.Context) ([]orchestrator.ExecutionContext, error) {
	var out struct {
		Executions []orchestrator.ExecutionContext `json:"executions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/executions", nil, &out)
	return out.Executions, err
}

func (c *Client) execution(ctx context.Context, method, id, action string, body any) (*ExecutionResult, error) {
	path := "/v1/executions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	var out ExecutionResult
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecution calls GET /v1/executions/{id}.
func (c *Client) GetExecution(ctx context.Context, id string) (*ExecutionResult, error) {
	return c.execution(ctx, http.MethodGet, id, "", nil)
}

// RunExecution calls POST /v1/executions/{id}/run.
func (c *Client) RunExecution(ctx context.Context, id string) (*ExecutionResult, error) {
	return c.execution(ctx, http.MethodPost, id, "run", nil)
}

// Confirm calls POST /v1/executions/{id}/confirm.
func (c *Client) Confirm(ctx context.Context, id, ticketID, approverID string) (*ExecutionResult, error) {
	return c.execution(ctx, http.MethodPost, id, "confirm", map[string]string{
		"ticket_id":   ticketID,
		"approver_id": approverID,
	})
}

// Deny calls POST /v1/executions/{id}/deny.
func (c *Client) Deny(ctx context.Context, id, ticketID, denierID, reason string) (*ExecutionResult, error) {
	return c.execution(ctx, http.MethodPost, id, "deny", map[string]string{
		"ticket_id": ticketID,
		"denier_id": denierID,
		"reason":    reason,
	})
}

// Cancel calls POST /v1/executions/{id}/cancel.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*ExecutionResult, error) {
	return c.execution(ctx, http.MethodPost, id, "cancel", map[string]string{"reason": reason})
}

// Events calls GET /v1/executions/{id}/events, optionally narrowed to kinds.
func (c *Client) Events(ctx context.Context, id string, kinds ...store.Kind) ([]*store.Entry, error) {
	path := "/v1/executions/" + url.PathEscape(id) + "/events"
	if len(kinds) > 0 {
		q := url.Values{}
		for _, k := range kinds {
			q.Add("kind", string(k))
		}
		path += "?" + q.Encode()
	}
	var out struct {
		Entries []*store.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Entries, err
}

// VerifyResult is the response of GET /v1/executions/{id}/verify.
type VerifyResult struct {
	ExecutionID string `json:"execution_id"`
	Valid       bool   `json:"valid"`
	Entries     int    `json:"entries"`
	ChainHead   string `json:"chain_head,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// Verify calls GET /v1/executions/{id}/verify.
func (c *Client) Verify(ctx context.Context, id string) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ArchiveResult is the response of POST /v1/executions/{id}/archive.
type ArchiveResult struct {
	ExecutionID string `json:"execution_id"`
	BundleID    string `json:"bundle_id"`
	Key         string `json:"key"`
	EntryCount  int    `json:"entry_count"`
	ChainHead   string `json:"chain_head"`
	BundleHash  string `json:"bundle_hash"`
}

// Archive calls POST /v1/executions/{id}/archive.
func (c *Client) Archive(ctx context.Context, id string) (*ArchiveResult, error) {
	var out ArchiveResult
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/archive", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profiles calls GET /v1/profiles.
func (c *Client) Profiles(ctx context.Context) ([]*profile.RuntimeProfile, error) {
	var out struct {
		Profiles []*profile.RuntimeProfile `json:"profiles"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/profiles", nil, &out)
	return out.Profiles, err
}

// Resolution is the response of GET /v1/tools/resolve.
type Resolution struct {
	ToolID         string              `json:"tool_id"`
	CapabilityCode string              `json:"capability_code"`
	RiskClass      contracts.RiskClass `json:"risk_class"`
	Registered     bool                `json:"registered"`
	Notes          []string            `json:"notes,omitempty"`
}

// ResolveTool calls GET /v1/tools/resolve.
func (c *Client) ResolveTool(ctx context.Context, toolID string) (*Resolution, error) {
	var out Resolution
	if err := c.do(ctx, http.MethodGet, "/v1/tools/resolve?tool_id="+url.QueryEscape(toolID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
