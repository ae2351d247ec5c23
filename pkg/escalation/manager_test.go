package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

var testKey = []byte("test-signing-key")

func newTestManager(t *testing.T, ttl time.Duration, now *time.Time) *Manager {
	t.Helper()
	mgr, err := NewManager(testKey, ttl)
	if err != nil {
		t.Fatal(err)
	}
	return mgr.WithClock(func() time.Time { return *now })
}

func TestNewManager_RequiresKey(t *testing.T) {
	if _, err := NewManager(nil, time.Minute); !errors.Is(err, ErrNoSigningKey) {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestRequestApproveRedeem(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, 15*time.Minute, &now)
	ctx := context.Background()

	ticket := mgr.Request(ctx, "exec-1", "fs.write_file", "fp-1", contracts.RiskMedium, contracts.ReasonExplicitConfirm)
	if ticket.Status != contracts.TicketPending {
		t.Fatalf("expected pending, got %s", ticket.Status)
	}
	if mgr.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", mgr.PendingCount())
	}

	token, err := mgr.Approve(ctx, ticket.TicketID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT, got %q", token)
	}
	if mgr.PendingCount() != 0 {
		t.Fatal("approved ticket should not be pending")
	}

	redeemed, err := mgr.Redeem(ctx, token, "exec-1", "fs.write_file", "fp-1")
	if err != nil {
		t.Fatal(err)
	}
	if redeemed.Status != contracts.TicketRedeemed || redeemed.ResolvedBy != "alice" {
		t.Fatalf("unexpected ticket %+v", redeemed)
	}

	// one-shot
	if _, err := mgr.Redeem(ctx, token, "exec-1", "fs.write_file", "fp-1"); !errors.Is(err, ErrTicketNotPending) {
		t.Fatalf("expected second redeem to fail, got %v", err)
	}
}

func TestRedeem_RejectsOtherCalls(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, time.Minute, &now)
	ctx := context.Background()

	ticket := mgr.Request(ctx, "exec-1", "fs.write_file", "fp-1", contracts.RiskHigh, contracts.ReasonHighRiskEscalation)
	token, err := mgr.Approve(ctx, ticket.TicketID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name              string
		exec, tool, print string
	}{
		{"other execution", "exec-2", "fs.write_file", "fp-1"},
		{"other tool", "exec-1", "fs.delete_file", "fp-1"},
		{"other arguments", "exec-1", "fs.write_file", "fp-2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.Redeem(ctx, token, tc.exec, tc.tool, tc.print); !errors.Is(err, ErrTicketMismatch) {
				t.Fatalf("expected ErrTicketMismatch, got %v", err)
			}
		})
	}

	// still redeemable by the matching call
	if _, err := mgr.Redeem(ctx, token, "exec-1", "fs.write_file", "fp-1"); err != nil {
		t.Fatal(err)
	}
}

func TestRedeem_InvalidTokens(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, time.Minute, &now)
	ctx := context.Background()

	ticket := mgr.Request(ctx, "exec-1", "db.drop", "fp", contracts.RiskHigh, "")
	token, err := mgr.Approve(ctx, ticket.TicketID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Redeem(ctx, "not-a-token", "exec-1", "db.drop", "fp"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	other, _ := NewManager([]byte("another-key"), time.Minute)
	if _, err := other.Redeem(ctx, token, "exec-1", "db.drop", "fp"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature failure, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := mgr.Redeem(ctx, token, "exec-1", "db.drop", "fp"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry failure, got %v", err)
	}
}

func TestDeny(t *testing.T) {
	now := time.Now()
	mgr := newTestManager(t, time.Minute, &now)
	ctx := context.Background()

	ticket := mgr.Request(ctx, "exec-1", "net.post", "fp", contracts.RiskHigh, "")
	denied, err := mgr.Deny(ctx, ticket.TicketID, "bob", "not today")
	if err != nil {
		t.Fatal(err)
	}
	if denied.Status != contracts.TicketDenied || denied.DenyReason != "not today" {
		t.Fatalf("unexpected ticket %+v", denied)
	}
	if _, err := mgr.Approve(ctx, ticket.TicketID, "alice"); !errors.Is(err, ErrTicketNotPending) {
		t.Fatalf("expected approve after deny to fail, got %v", err)
	}
	if _, err := mgr.Deny(ctx, "missing", "bob", ""); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestCancelExecution(t *testing.T) {
	now := time.Now()
	mgr := newTestManager(t, time.Minute, &now)
	ctx := context.Background()

	pending := mgr.Request(ctx, "exec-1", "a.b", "fp1", contracts.RiskHigh, "")
	approved := mgr.Request(ctx, "exec-1", "a.c", "fp2", contracts.RiskHigh, "")
	other := mgr.Request(ctx, "exec-2", "a.b", "fp3", contracts.RiskHigh, "")
	token, err := mgr.Approve(ctx, approved.TicketID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	if n := mgr.CancelExecution(ctx, "exec-1"); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if n := mgr.CancelExecution(ctx, "exec-1"); n != 0 {
		t.Fatalf("second cancel should be a no-op, got %d", n)
	}

	got, _ := mgr.Get(pending.TicketID)
	if got.Status != contracts.TicketCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if _, err := mgr.Redeem(ctx, token, "exec-1", "a.c", "fp2"); !errors.Is(err, ErrTicketNotPending) {
		t.Fatalf("cancelled ticket must not redeem, got %v", err)
	}
	if p := mgr.Pending("exec-2"); len(p) != 1 || p[0].TicketID != other.TicketID {
		t.Fatalf("exec-2 ticket should be untouched: %+v", p)
	}
}

func TestPending_Ordered(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, 0, &now)
	ctx := context.Background()

	first := mgr.Request(ctx, "exec-1", "a.b", "1", contracts.RiskHigh, "")
	now = now.Add(time.Second)
	second := mgr.Request(ctx, "exec-1", "a.b", "2", contracts.RiskHigh, "")

	p := mgr.Pending("exec-1")
	if len(p) != 2 || p[0].TicketID != first.TicketID || p[1].TicketID != second.TicketID {
		t.Fatalf("unexpected order: %+v", p)
	}

	// returned tickets are copies
	p[0].Status = contracts.TicketRedeemed
	got, _ := mgr.Get(first.TicketID)
	if got.Status != contracts.TicketPending {
		t.Fatal("Pending must return copies")
	}
}

func TestRevert(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr := newTestManager(t, 0, &now)
	ctx := context.Background()

	pending := mgr.Request(ctx, "exec-1", "fs.write_file", "fp-1", contracts.RiskMedium, contracts.ReasonExplicitConfirm)
	if !mgr.Revert(pending.TicketID) {
		t.Fatal("expected pending ticket to be reverted")
	}
	if _, err := mgr.Get(pending.TicketID); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected reverted request to be gone, got %v", err)
	}

	ticket := mgr.Request(ctx, "exec-1", "fs.write_file", "fp-1", contracts.RiskMedium, contracts.ReasonExplicitConfirm)
	token, err := mgr.Approve(ctx, ticket.TicketID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if mgr.Revert(ticket.TicketID) {
		t.Fatal("approved ticket has nothing to revert")
	}
	if _, err := mgr.Redeem(ctx, token, "exec-1", "fs.write_file", "fp-1"); err != nil {
		t.Fatal(err)
	}
	if !mgr.Revert(ticket.TicketID) {
		t.Fatal("expected redeemed ticket to be reverted")
	}
	if _, err := mgr.Redeem(ctx, token, "exec-1", "fs.write_file", "fp-1"); err != nil {
		t.Fatalf("expected token to redeem again after revert, got %v", err)
	}
}
