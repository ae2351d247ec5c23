// Package escalation manages confirmation tickets, the human-in-the-loop
// half of a require_confirm decision.
//
// A ticket binds a suspended call (execution, tool, argument fingerprint).
// Approving it issues a signed token; presenting that token on the
// re-checked call redeems the ticket exactly once.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

const tokenIssuer = "governor/escalation"

var (
	ErrTicketNotFound   = errors.New("confirmation ticket not found")
	ErrTicketNotPending = errors.New("confirmation ticket is not pending")
	ErrTicketMismatch   = errors.New("confirmation token does not match the call")
	ErrInvalidToken     = errors.New("invalid confirmation token")
	ErrNoSigningKey     = errors.New("confirmation signing key is required")
)

// Claims is the payload of a confirmation token. The JWT ID is the ticket id.
type Claims struct {
	jwt.RegisteredClaims
	ToolID      string `json:"tool_id"`
	Fingerprint string `json:"fingerprint"`
}

// Manager tracks the lifecycle of confirmation tickets.
type Manager struct {
	mu      sync.Mutex
	tickets map[string]*contracts.ConfirmationTicket
	key     []byte
	ttl     time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

// NewManager creates a manager signing tokens with HS256 over key. A zero
// ttl issues tokens that never expire.
func NewManager(key []byte, ttl time.Duration) (*Manager, error) {
	if len(key) == 0 {
		return nil, ErrNoSigningKey
	}
	return &Manager{
		tickets: make(map[string]*contracts.ConfirmationTicket),
		key:     key,
		ttl:     ttl,
		clock:   time.Now,
		logger:  slog.Default().With("component", "escalation"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Request opens a pending ticket for a call that needs confirmation.
func (m *Manager) Request(_ context.Context, executionID, toolID, fingerprint string, risk contracts.RiskClass, reason string) *contracts.ConfirmationTicket {
	t := &contracts.ConfirmationTicket{
		TicketID:    uuid.New().String(),
		ExecutionID: executionID,
		ToolID:      toolID,
		Fingerprint: fingerprint,
		RiskClass:   risk,
		Reason:      reason,
		Status:      contracts.TicketPending,
		CreatedAt:   m.clock().UTC(),
	}
	m.mu.Lock()
	m.tickets[t.TicketID] = t
	m.mu.Unlock()

	cp := *t
	return &cp
}

// Approve marks a pending ticket approved and returns the signed token the
// caller must present when resubmitting the call.
func (m *Manager) Approve(ctx context.Context, ticketID, approverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	if t.Status != contracts.TicketPending {
		return "", fmt.Errorf("%w: %s is %s", ErrTicketNotPending, ticketID, t.Status)
	}

	now := m.clock().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       t.TicketID,
			Subject:  t.ExecutionID,
			Issuer:   tokenIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
		ToolID:      t.ToolID,
		Fingerprint: t.Fingerprint,
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("sign confirmation token: %w", err)
	}

	t.Status = contracts.TicketApproved
	t.ResolvedAt = &now
	t.ResolvedBy = approverID
	m.logger.InfoContext(ctx, "confirmation approved",
		"ticket_id", t.TicketID, "execution_id", t.ExecutionID, "tool_id", t.ToolID, "approver", approverID)
	return token, nil
}

// Deny closes a pending ticket. A denied ticket can never be redeemed.
func (m *Manager) Deny(ctx context.Context, ticketID, denierID, reason string) (*contracts.ConfirmationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	if t.Status != contracts.TicketPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrTicketNotPending, ticketID, t.Status)
	}
	now := m.clock().UTC()
	t.Status = contracts.TicketDenied
	t.ResolvedAt = &now
	t.ResolvedBy = denierID
	t.DenyReason = reason
	m.logger.InfoContext(ctx, "confirmation denied",
		"ticket_id", t.TicketID, "execution_id", t.ExecutionID, "denier", denierID, "reason", reason)

	cp := *t
	return &cp, nil
}

// Redeem verifies token against the call being checked and consumes the
// approved ticket. It succeeds at most once per ticket.
func (m *Manager) Redeem(_ context.Context, token, executionID, toolID, fingerprint string) (*contracts.ConfirmationTicket, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != executionID || claims.ToolID != toolID || claims.Fingerprint != fingerprint {
		return nil, ErrTicketMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[claims.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, claims.ID)
	}
	if t.Status != contracts.TicketApproved {
		return nil, fmt.Errorf("%w: %s is %s", ErrTicketNotPending, t.TicketID, t.Status)
	}
	t.Status = contracts.TicketRedeemed

	cp := *t
	return &cp, nil
}

// Revert undoes the last transition of a ticket whose decision could not be
// audited: a redeemed ticket is approved again and a pending one is dropped.
// It returns false when the ticket is in any other state.
func (m *Manager) Revert(ticketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return false
	}
	switch t.Status {
	case contracts.TicketRedeemed:
		t.Status = contracts.TicketApproved
	case contracts.TicketPending:
		delete(m.tickets, ticketID)
	default:
		return false
	}
	return true
}

// CancelExecution cancels every open ticket of an execution and returns how
// many were affected. Calling it again has no further effect.
func (m *Manager) CancelExecution(_ context.Context, executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock().UTC()
	n := 0
	for _, t := range m.tickets {
		if t.ExecutionID != executionID {
			continue
		}
		if t.Status == contracts.TicketPending || t.Status == contracts.TicketApproved {
			t.Status = contracts.TicketCancelled
			if t.ResolvedAt == nil {
				t.ResolvedAt = &now
			}
			n++
		}
	}
	return n
}

// Get returns a copy of a ticket.
func (m *Manager) Get(ticketID string) (*contracts.ConfirmationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	cp := *t
	return &cp, nil
}

// Pending returns the pending tickets of an execution, oldest first.
func (m *Manager) Pending(executionID string) []*contracts.ConfirmationTicket {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*contracts.ConfirmationTicket
	for _, t := range m.tickets {
		if t.ExecutionID == executionID && t.Status == contracts.TicketPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TicketID < out[j].TicketID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingCount returns the number of pending tickets across executions.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, t := range m.tickets {
		if t.Status == contracts.TicketPending {
			count++
		}
	}
	return count
}
