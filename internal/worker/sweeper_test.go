package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
	"github.com/pesio-ai/be-command-gateway/internal/repository/memstore"
	"github.com/pesio-ai/be-command-gateway/internal/service"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store     *memstore.Store
	clock     *clock
	approvals *service.ApprovalService
	commands  *service.CommandService
	sweeper   *Sweeper
	requester *repository.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New()
	log := logger.NewNop()
	opts := service.DefaultPolicyOptions()
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	ledger := service.NewCreditLedger(store)
	approvals := service.NewApprovalService(store, ledger, service.MockExecutor{}, nil, opts, log).WithClock(c.Now)
	commands := service.NewCommandService(store, ledger, approvals, service.MockExecutor{}, opts, log).WithClock(c.Now)

	credits := 5
	requester, err := service.NewUserService(store, log).Create(context.Background(), "", &service.CreateUserRequest{
		Name:    "dev",
		Credits: &credits,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &harness{
		store:     store,
		clock:     c,
		approvals: approvals,
		commands:  commands,
		sweeper:   NewSweeper(approvals, time.Minute, log),
		requester: requester,
	}
}

func (h *harness) submit(t *testing.T, text string) *repository.Approval {
	t.Helper()
	res, err := h.commands.Submit(context.Background(), h.requester, text)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Approval == nil {
		t.Fatalf("submit %q opened no approval", text)
	}
	return res.Approval
}

func (h *harness) approval(t *testing.T, id string) *repository.Approval {
	t.Helper()
	a, err := h.store.GetApproval(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSweepEscalatesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submit(t, "deploy prod")

	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1}) {
		t.Fatalf("early sweep = %+v, want nothing due", got)
	}

	h.clock.Advance(11 * time.Minute)
	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1, Escalated: 1}) {
		t.Fatalf("first sweep = %+v, want one escalation", got)
	}
	if got := h.approval(t, a.ID); !got.Escalated || got.Resolved {
		t.Fatalf("approval = %+v, want escalated and unresolved", got)
	}

	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1}) {
		t.Fatalf("second sweep = %+v, want no-op", got)
	}
}

func TestSweepRejectsPastGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submit(t, "deploy prod")

	approver, err := service.NewUserService(h.store, logger.NewNop()).Create(ctx, "", &service.CreateUserRequest{
		Name: "ops",
		Role: repository.RoleApprover,
	})
	if err != nil {
		t.Fatal(err)
	}
	// A partial tally does not save the approval.
	if _, err := h.approvals.CastVote(ctx, a.ID, approver, repository.VoteApprove); err != nil {
		t.Fatal(err)
	}

	// The scheduler missed the whole window: one sweep escalates and rejects.
	h.clock.Advance(71 * time.Minute)
	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1, Escalated: 1, Rejected: 1}) {
		t.Fatalf("sweep = %+v, want escalation then rejection", got)
	}
	got := h.approval(t, a.ID)
	if got.State() != repository.StateResolvedRejected || !got.Escalated {
		t.Fatalf("approval = %+v (state %s), want escalated and RESOLVED_REJECTED", got, got.State())
	}
	cmd, err := h.store.GetCommand(ctx, a.CommandID)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != repository.CommandRejected {
		t.Fatalf("command status = %s, want REJECTED", cmd.Status)
	}

	if got := h.sweeper.Sweep(ctx); got != (SweepReport{}) {
		t.Fatalf("sweep after resolution = %+v, want empty", got)
	}
}

func TestSweepRejectsEscalatedApprovalPastGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.submit(t, "deploy prod")

	h.clock.Advance(11 * time.Minute)
	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1, Escalated: 1}) {
		t.Fatalf("first sweep = %+v", got)
	}
	h.clock.Advance(60 * time.Minute)
	if got := h.sweeper.Sweep(ctx); got != (SweepReport{Scanned: 1, Rejected: 1}) {
		t.Fatalf("second sweep = %+v, want rejection only", got)
	}
	if got := h.approval(t, a.ID); got.State() != repository.StateResolvedRejected {
		t.Fatalf("state = %s", got.State())
	}
}

func TestConcurrentSweepsApplyEachTransitionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		h.submit(t, "deploy "+text)
	}
	h.clock.Advance(15 * time.Minute)

	const sweepers = 4
	reports := make([]SweepReport, sweepers)
	var wg sync.WaitGroup
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = h.sweeper.Sweep(ctx)
		}(i)
	}
	wg.Wait()

	escalated := 0
	for _, r := range reports {
		if r.Errors != 0 {
			t.Fatalf("sweep errors: %+v", r)
		}
		escalated += r.Escalated
	}
	if escalated != 3 {
		t.Fatalf("escalations = %d, want 3", escalated)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "deploy prod")
	h.clock.Advance(11 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sweeper.Run(ctx) }()

	// Run sweeps immediately on start.
	deadline := time.After(2 * time.Second)
	for {
		pending, err := h.store.ListOpenApprovals(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) == 1 && pending[0].Escalated {
			break
		}
		select {
		case <-deadline:
			t.Fatal("approval was not escalated by the initial sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
