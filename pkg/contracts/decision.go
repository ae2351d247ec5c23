// Package contracts defines the value types shared by the governance core:
// risk classes, policy decisions, execution statuses and the audit records
// written to the event store.
package contracts

import (
	"strings"
	"time"
)

// RiskClass is a coarse severity tag attached to a tool.
type RiskClass string

const (
	RiskLow     RiskClass = "low"
	RiskMedium  RiskClass = "medium"
	RiskHigh    RiskClass = "high"
	RiskUnknown RiskClass = "unknown"
)

// UnknownCapability is the capability code used when none can be inferred.
const UnknownCapability = "unknown"

// ParseRiskClass maps free-form registry values onto a RiskClass.
// Blank or unrecognised values map to RiskUnknown; ok reports whether the
// input was a recognised class.
func ParseRiskClass(s string) (RiskClass, bool) {
	switch RiskClass(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	case RiskUnknown:
		return RiskUnknown, true
	default:
		return RiskUnknown, false
	}
}

// Decision is the outcome of a governed call.
type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionRequireConfirm Decision = "require_confirm"
	DecisionDeny           Decision = "deny"
)

// Standard decision reasons.
const (
	ReasonAllowed            = "allowed"
	ReasonBudgetExceeded     = "loop budget exceeded"
	ReasonExplicitConfirm    = "profile requires explicit confirmation for mutating calls"
	ReasonHighRiskEscalation = "high risk tool requires confirmation"
	ReasonCapabilityConfirm  = "profile requires confirmation for mutating calls in this capability group"
	ReasonConfirmed          = "confirmed"
	ReasonNotBound           = "execution not bound"
	ReasonCancelled          = "execution cancelled"
	ReasonBudgetUnavailable  = "loop budget unavailable"
	ReasonConfirmationDenied = "confirmation denied"
)

// PolicyEvent records a single Policy Guard decision. Append-only.
type PolicyEvent struct {
	EventID        string    `json:"event_id"`
	ExecutionID    string    `json:"execution_id"`
	ToolID         string    `json:"tool_id"`
	CapabilityCode string    `json:"capability_code"`
	RiskClass      RiskClass `json:"risk_class"`
	Mutating       bool      `json:"mutating"`
	Decision       Decision  `json:"decision"`
	Reason         string    `json:"reason"`
	CallCount      int64     `json:"call_count,omitempty"`
	MaxCalls       int64     `json:"max_calls,omitempty"`
	TicketID       string    `json:"ticket_id,omitempty"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
