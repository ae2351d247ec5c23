package orchestrator

import (
	"context"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/quality"
)

// Step is one unit of work in an execution. Gates names the profile gates
// checked after the step; empty selects every profile gate.
type Step struct {
	ID    string         `json:"id"`
	Kind  string         `json:"kind"`
	Tags  []string       `json:"tags,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	Gates []string       `json:"gates,omitempty"`
}

// StartRequest creates an execution. Profile, when set, is used instead of
// looking up ProfileRef in the catalog.
type StartRequest struct {
	WorkspaceID string
	ProfileRef  string
	Profile     *profile.RuntimeProfile
	Steps       []Step
}

// ToolCall is a call an agent wants to make. Mutating is declared by the
// agent for the action it is about to take.
type ToolCall struct {
	ToolID   string         `json:"tool_id"`
	Args     map[string]any `json:"args,omitempty"`
	Mutating bool           `json:"mutating"`
}

// ToolCaller is the governed tool boundary handed to agents. Every call
// passes Policy Guard before reaching the ToolDriver.
type ToolCaller interface {
	Call(ctx context.Context, call ToolCall) (any, error)
}

// ToolDriver performs the named action. It is the external dispatch
// mechanism and knows nothing about governance.
type ToolDriver interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (any, error)
}

// ToolDriverFunc adapts a function to ToolDriver.
type ToolDriverFunc func(ctx context.Context, toolName string, params map[string]any) (any, error)

func (f ToolDriverFunc) Execute(ctx context.Context, toolName string, params map[string]any) (any, error) {
	return f(ctx, toolName, params)
}

// StepContext is passed to the agent executing a step.
type StepContext struct {
	ExecutionID string
	WorkspaceID string
	Profile     *profile.RuntimeProfile
	Step        Step
	Index       int
	AgentID     string
}

// Agent executes steps. Steps can be re-run from the start after a
// confirmation, so agents must tolerate re-execution.
type Agent interface {
	Execute(ctx context.Context, sc StepContext, tools ToolCaller) (quality.Artifact, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, sc StepContext, tools ToolCaller) (quality.Artifact, error)

func (f AgentFunc) Execute(ctx context.Context, sc StepContext, tools ToolCaller) (quality.Artifact, error) {
	return f(ctx, sc, tools)
}

// Suspension describes a call waiting for confirmation.
type Suspension struct {
	StepIndex int      `json:"step_index"`
	StepID    string   `json:"step_id"`
	AgentID   string   `json:"agent_id"`
	TicketID  string   `json:"ticket_id"`
	Reason    string   `json:"reason"`
	Call      ToolCall `json:"call"`
}

// ExecutionContext is a snapshot of an execution's state.
type ExecutionContext struct {
	ExecutionID string                    `json:"execution_id"`
	WorkspaceID string                    `json:"workspace_id"`
	ProfileID   string                    `json:"profile_id"`
	Profile     *profile.RuntimeProfile   `json:"runtime_profile"`
	Status      contracts.ExecutionStatus `json:"status"`
	StepIndex   int                       `json:"step_index"`
	StepCount   int                       `json:"step_count"`
	Suspended   *Suspension               `json:"suspended,omitempty"`
	Cancelled   bool                      `json:"cancelled"`
	Detail      string                    `json:"detail,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}
