package contracts

import "time"

// TicketStatus is the state of a confirmation ticket.
type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketApproved  TicketStatus = "approved"
	TicketDenied    TicketStatus = "denied"
	TicketRedeemed  TicketStatus = "redeemed"
	TicketCancelled TicketStatus = "cancelled"
)

// ConfirmationTicket is raised when Policy Guard returns require_confirm.
// It binds the suspended call so that only the same call can be resubmitted
// with the resulting approval.
type ConfirmationTicket struct {
	TicketID    string       `json:"ticket_id"`
	ExecutionID string       `json:"execution_id"`
	ToolID      string       `json:"tool_id"`
	Fingerprint string       `json:"fingerprint"`
	RiskClass   RiskClass    `json:"risk_class"`
	Reason      string       `json:"reason"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	ResolvedBy  string       `json:"resolved_by,omitempty"`
	DenyReason  string       `json:"deny_reason,omitempty"`
}
