// Package api exposes the governance core over HTTP: execution status and
// audit trail, confirmation handling, profiles and tool resolution. Errors
// are RFC 7807 problem documents.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/archive"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/observability"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/orchestrator"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

const maxBodyBytes = 1 << 20

// Server holds the collaborators behind the HTTP routes.
type Server struct {
	orch     *orchestrator.Orchestrator
	events   store.EventStore
	profiles profile.Source
	resolver *tooling.Resolver

	exporter *archive.Exporter
	provider *observability.Provider
	limiter  *RateLimiter
	logger   *slog.Logger
}

type Option func(*Server)

// WithExporter enables POST /v1/executions/{id}/archive.
func WithExporter(e *archive.Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithProvider records RED metrics and a span per request.
func WithProvider(p *observability.Provider) Option {
	return func(s *Server) { s.provider = p }
}

func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(orch *orchestrator.Orchestrator, events store.EventStore, profiles profile.Source, resolver *tooling.Resolver, opts ...Option) *Server {
	s := &Server{
		orch:     orch,
		events:   events,
		profiles: profiles,
		resolver: resolver,
		logger:   slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/executions", s.handleListExecutions)
	mux.HandleFunc("POST /v1/executions", s.handleStartExecution)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/run", s.handleRunExecution)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/executions/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/executions/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/executions/{id}/deny", s.handleDeny)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/executions/{id}/archive", s.handleArchive)
	mux.HandleFunc("GET /v1/profiles", s.handleProfiles)
	mux.HandleFunc("GET /v1/tools/resolve", s.handleResolve)

	var h http.Handler = mux
	h = s.track(h)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return requestID(h)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		ctx := r.Context()
		finish := func(error) {}
		if s.provider != nil {
			ctx, finish = s.provider.TrackOperation(ctx, "http "+r.Method+" "+r.Pattern,
				attribute.String("http.method", r.Method))
		}
		next.ServeHTTP(sw, r.WithContext(ctx))

		var err error
		if sw.status >= http.StatusInternalServerError {
			err = fmt.Errorf("http status %d", sw.status)
		}
		finish(err)
		s.logger.DebugContext(ctx, "request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executionResponse carries a snapshot and, when the execution stopped for
// a governance reason, that reason as a problem.
type executionResponse struct {
	Execution orchestrator.ExecutionContext `json:"execution"`
	Outcome   *ProblemDetail                `json:"outcome,omitempty"`
}

// requestError reports whether err means the request itself could not be
// served, as opposed to an execution stopping.
func requestError(err error) bool {
	for _, target := range []error{
		contracts.ErrExecutionNotFound,
		contracts.ErrNotSuspended,
		contracts.ErrExecutionTerminal,
		contracts.ErrInvalidProfile,
		orchestrator.ErrExecutionBusy,
		orchestrator.ErrNoSteps,
		orchestrator.ErrUnknownAgent,
		escalation.ErrTicketNotFound,
		escalation.ErrTicketNotPending,
		escalation.ErrTicketMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) writeExecution(w http.ResponseWriter, r *http.Request, ec orchestrator.ExecutionContext, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, executionResponse{Execution: ec})
		return
	}
	if requestError(err) {
		switch {
		case errors.Is(err, orchestrator.ErrExecutionBusy):
			WriteConflict(w, err.Error())
		case errors.Is(err, orchestrator.ErrNoSteps), errors.Is(err, orchestrator.ErrUnknownAgent):
			WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
		default:
			WriteGovernanceError(w, r, err)
		}
		return
	}
	p, ok := governanceProblem(err)
	if !ok {
		WriteInternal(w, err)
		return
	}
	status := http.StatusOK
	if errors.Is(err, contracts.ErrConfirmationRequired) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, executionResponse{Execution: ec, Outcome: p})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, _ *http.Request) {
	list := s.orch.List()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

type startRequest struct {
	WorkspaceID string              `json:"workspace_id"`
	Profile     string              `json:"profile"`
	Steps       []orchestrator.Step `json:"steps"`
	// Run executes the steps before responding.
	Run bool `json:"run"`
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Profile == "" {
		WriteBadRequest(w, "profile is required")
		return
	}
	ec, err := s.orch.Start(r.Context(), orchestrator.StartRequest{
		WorkspaceID: req.WorkspaceID,
		ProfileRef:  req.Profile,
		Steps:       req.Steps,
	})
	if err != nil {
		s.writeExecution(w, r, ec, err)
		return
	}
	if req.Run {
		ec, err = s.orch.Run(r.Context(), ec.ExecutionID)
	}
	s.writeExecution(w, r, ec, err)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ec, err := s.orch.Status(r.PathValue("id"))
	s.writeExecution(w, r, ec, err)
}

func (s *Server) handleRunExecution(w http.ResponseWriter, r *http.Request) {
	ec, err := s.orch.Run(r.Context(), r.PathValue("id"))
	s.writeExecution(w, r, ec, err)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var filter store.QueryFilter
	for _, k := range r.URL.Query()["kind"] {
		kind := store.Kind(k)
		if !kind.Valid() {
			WriteBadRequest(w, fmt.Sprintf("unknown event kind %q", k))
			return
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	entries, err := s.events.Query(r.Context(), id, filter)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(entries) == 0 {
		if _, err := s.orch.Status(id); err != nil {
			WriteGovernanceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"execution_id": id, "entries": entries})
}

type verifyResponse struct {
	ExecutionID string `json:"execution_id"`
	Valid       bool   `json:"valid"`
	Entries     int    `json:"entries"`
	ChainHead   string `json:"chain_head,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.events.Query(r.Context(), id, store.QueryFilter{})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if len(entries) == 0 {
		WriteGovernanceError(w, r, fmt.Errorf("%w: %s", contracts.ErrExecutionNotFound, id))
		return
	}
	resp := verifyResponse{ExecutionID: id, Entries: len(entries), ChainHead: entries[len(entries)-1].EntryHash}
	switch err := s.events.Verify(r.Context(), id); {
	case err == nil:
		resp.Valid = true
	case errors.Is(err, store.ErrChainBroken):
		resp.Detail = err.Error()
	default:
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	TicketID   string `json:"ticket_id"`
	ApproverID string `json:"approver_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.ApproverID == "" {
		WriteBadRequest(w, "approver_id is required")
		return
	}
	ec, err := s.orch.Confirm(r.Context(), r.PathValue("id"), req.TicketID, req.ApproverID)
	s.writeExecution(w, r, ec, err)
}

type denyRequest struct {
	TicketID string `json:"ticket_id"`
	DenierID string `json:"denier_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.DenierID == "" {
		WriteBadRequest(w, "denier_id is required")
		return
	}
	ec, err := s.orch.Deny(r.Context(), r.PathValue("id"), req.TicketID, req.DenierID, req.Reason)
	s.writeExecution(w, r, ec, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		WriteBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	ec, err := s.orch.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	s.writeExecution(w, r, ec, err)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "no archive sink configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.orch.Status(id); err != nil {
		WriteGovernanceError(w, r, err)
		return
	}
	bundle, key, err := s.exporter.Export(r.Context(), s.events, id)
	if err != nil {
		if errors.Is(err, store.ErrChainBroken) {
			WriteGovernanceError(w, r, err)
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution_id": id,
		"bundle_id":    bundle.BundleID,
		"key":          key,
		"entry_count":  bundle.EntryCount,
		"chain_head":   bundle.ChainHead,
		"bundle_hash":  bundle.BundleHash,
	})
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profiles": s.profiles.List()})
}

type resolution struct {
	ToolID         string              `json:"tool_id"`
	CapabilityCode string              `json:"capability_code"`
	RiskClass      contracts.RiskClass `json:"risk_class"`
	Registered     bool                `json:"registered"`
	Notes          []string            `json:"notes,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	toolID := r.URL.Query().Get("tool_id")
	if toolID == "" {
		WriteBadRequest(w, "tool_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res := s.resolver.Resolve(ctx, toolID)
	writeJSON(w, http.StatusOK, resolution{
		ToolID:         res.ToolID,
		CapabilityCode: res.CapabilityCode,
		RiskClass:      res.RiskClass,
		Registered:     res.Registered,
		Notes:          res.Notes,
	})
}
