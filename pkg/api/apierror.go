package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

const problemTypeBase = "https://governor.local/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Code is the governance error class, e.g. "budget_exceeded".
	Code string `json:"code,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR is WriteError enriched with the request path and request id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged, never returned
// to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// governanceProblem maps the error taxonomy to a problem. ok is false for
// errors outside it.
func governanceProblem(err error) (p *ProblemDetail, ok bool) {
	classes := []struct {
		target error
		status int
		title  string
		code   string
	}{
		{contracts.ErrExecutionNotFound, http.StatusNotFound, "Not Found", "execution_not_found"},
		{escalation.ErrTicketNotFound, http.StatusNotFound, "Not Found", "ticket_not_found"},
		{contracts.ErrConfirmationRequired, http.StatusAccepted, "Confirmation Required", "confirmation_required"},
		{contracts.ErrPolicyDenied, http.StatusForbidden, "Policy Denied", "policy_denied"},
		{contracts.ErrBudgetExceeded, http.StatusConflict, "Loop Budget Exceeded", "budget_exceeded"},
		{contracts.ErrQualityGateFailed, http.StatusConflict, "Quality Gate Failed", "quality_gate_failed"},
		{contracts.ErrRoutingExhausted, http.StatusConflict, "Routing Exhausted", "routing_exhausted"},
		{contracts.ErrExecutionCancelled, http.StatusConflict, "Execution Cancelled", "execution_cancelled"},
		{contracts.ErrExecutionTerminal, http.StatusConflict, "Execution Finished", "execution_terminal"},
		{contracts.ErrNotSuspended, http.StatusConflict, "Not Suspended", "not_suspended"},
		{escalation.ErrTicketMismatch, http.StatusConflict, "Ticket Mismatch", "ticket_mismatch"},
		{escalation.ErrTicketNotPending, http.StatusConflict, "Ticket Not Pending", "ticket_not_pending"},
		{contracts.ErrInvalidProfile, http.StatusUnprocessableEntity, "Invalid Profile", "invalid_profile"},
		{store.ErrChainBroken, http.StatusConflict, "Chain Broken", "chain_broken"},
	}
	for _, c := range classes {
		if errors.Is(err, c.target) {
			return &ProblemDetail{
				Type:   problemTypeBase + c.code,
				Title:  c.title,
				Status: c.status,
				Detail: err.Error(),
				Code:   c.code,
			}, true
		}
	}
	return nil, false
}

// WriteGovernanceError writes err as a problem. Errors outside the
// governance taxonomy are treated as internal.
func WriteGovernanceError(w http.ResponseWriter, r *http.Request, err error) {
	p, ok := governanceProblem(err)
	if !ok {
		WriteInternal(w, err)
		return
	}
	p.Instance = r.URL.Path
	p.TraceID = w.Header().Get("X-Request-ID")
	writeProblem(w, p)
}
