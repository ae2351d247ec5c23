package contracts

import "time"

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus string

const (
	StatusRunning       ExecutionStatus = "running"
	StatusHaltedBudget  ExecutionStatus = "halted_budget"
	StatusHaltedQuality ExecutionStatus = "halted_quality"
	StatusCompleted     ExecutionStatus = "completed"
	StatusFailed        ExecutionStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusHaltedBudget, StatusHaltedQuality, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// QualityGateResult is the outcome of one gate in one evaluation pass.
type QualityGateResult struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	GateName    string    `json:"gate_name"`
	Kind        string    `json:"kind"`
	Pass        int       `json:"pass"`
	Passed      bool      `json:"passed"`
	Advisory    bool      `json:"advisory"`
	Details     string    `json:"details"`
	Timestamp   time.Time `json:"timestamp"`
}

// OrchestrationEvent records a routing decision.
type OrchestrationEvent struct {
	ExecutionID     string    `json:"execution_id"`
	StepID          string    `json:"step_id"`
	StepIndex       int       `json:"step_index"`
	SelectedAgentID string    `json:"selected_agent_id"`
	RuleIndex       int       `json:"rule_index"` // -1 when the default agent was used
	Timestamp       time.Time `json:"timestamp"`
}

// LifecycleAction names an execution lifecycle transition.
type LifecycleAction string

const (
	LifecycleStarted   LifecycleAction = "started"
	LifecycleSuspended LifecycleAction = "suspended"
	LifecycleResumed   LifecycleAction = "resumed"
	LifecycleStatus    LifecycleAction = "status"
	LifecycleCancelled LifecycleAction = "cancelled"
)

// LifecycleEvent records a state machine transition of an execution.
type LifecycleEvent struct {
	ExecutionID string          `json:"execution_id"`
	Action      LifecycleAction `json:"action"`
	Status      ExecutionStatus `json:"status"`
	StepID      string          `json:"step_id,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
