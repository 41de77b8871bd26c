package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/policy"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
	"github.com/pesio-ai/be-command-gateway/internal/repository/memstore"
	"github.com/pesio-ai/be-command-gateway/internal/repository/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []*client.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event *client.NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) ofType(eventType string) []*client.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*client.NotificationEvent
	for _, e := range n.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type countingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExecutor) Execute(ctx context.Context, cmd *repository.Command) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return MockExecutor{}.Execute(ctx, cmd)
}

func (e *countingExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	store     repository.Store
	clock     *fakeClock
	notifier  *recordingNotifier
	executor  *countingExecutor
	users     *UserService
	rules     *RuleService
	approvals *ApprovalService
	commands  *CommandService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, memstore.New())
}

// newSQLiteFixture runs the services over a SQLite file in a temp dir.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return newFixtureOn(t, store)
}

func newFixtureOn(t *testing.T, store repository.Store) *fixture {
	t.Helper()
	log := logger.NewNop()
	opts := DefaultPolicyOptions()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	notifier := &recordingNotifier{}
	executor := &countingExecutor{}
	ledger := NewCreditLedger(store)

	approvals := NewApprovalService(store, ledger, executor, notifier, opts, log).WithClock(clock.Now)
	return &fixture{
		store:     store,
		clock:     clock,
		notifier:  notifier,
		executor:  executor,
		users:     NewUserService(store, log),
		rules:     NewRuleService(store, store, opts, log),
		approvals: approvals,
		commands:  NewCommandService(store, ledger, approvals, executor, opts, log).WithClock(clock.Now),
	}
}

func (f *fixture) user(t *testing.T, name string, role repository.Role, credits int) *repository.User {
	t.Helper()
	u, err := f.users.Create(context.Background(), "", &CreateUserRequest{
		Name:    name,
		Role:    role,
		Credits: &credits,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func (f *fixture) rule(t *testing.T, pattern string, action repository.Action, priority int) *repository.Rule {
	t.Helper()
	res, err := f.rules.CreateRule(context.Background(), "", &repository.Rule{
		Pattern:  pattern,
		Action:   action,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("create rule %s: %v", pattern, err)
	}
	return res.Rule
}

func (f *fixture) credits(t *testing.T, userID string) int {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Credits
}

// pending submits text for requester and returns the approval it opened.
func (f *fixture) pending(t *testing.T, requester *repository.User, text string) *repository.Approval {
	t.Helper()
	res, err := f.commands.Submit(context.Background(), requester, text)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Approval == nil {
		t.Fatalf("submit %q: action %s, want an approval", text, res.Action)
	}
	return res.Approval
}

func (f *fixture) command(t *testing.T, id string) *repository.Command {
	t.Helper()
	cmd, err := f.store.GetCommand(context.Background(), id)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	return cmd
}

func (f *fixture) approval(t *testing.T, id string) *repository.Approval {
	t.Helper()
	a, err := f.store.GetApproval(context.Background(), id)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	return a
}

func (f *fixture) eventCount(t *testing.T, eventType string) int {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func TestCountVotesLatestBallotPerVoter(t *testing.T) {
	votes := []*repository.ApprovalVote{
		{VoterID: "a", Vote: repository.VoteApprove},
		{VoterID: "a", Vote: repository.VoteApprove},
		{VoterID: "b", Vote: repository.VoteApprove},
		{VoterID: "b", Vote: repository.VoteReject},
		{VoterID: "c", Vote: repository.VoteReject},
	}
	got := CountVotes(votes)
	if got.Approvals != 1 || got.Rejections != 2 {
		t.Fatalf("CountVotes = %+v, want 1 approval and 2 rejections", got)
	}
}

func TestDefaultPolicyOptions(t *testing.T) {
	opts := DefaultPolicyOptions()
	if opts.ConflictCanary != policy.DefaultCanary {
		t.Errorf("ConflictCanary = %q, want %q", opts.ConflictCanary, policy.DefaultCanary)
	}
	if opts.DefaultThreshold != 2 || opts.ApprovalTTL != 10*time.Minute || opts.GraceWindow != time.Hour {
		t.Errorf("opts = %+v", opts)
	}
}

func TestMockExecutor(t *testing.T) {
	got, err := MockExecutor{}.Execute(context.Background(), &repository.Command{Text: "ls -la"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "[MOCK EXECUTION] Would run: ls -la" {
		t.Fatalf("Execute = %q", got)
	}
}

func TestCreditLedgerDebitStopsAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dev", repository.RoleMember, 1)
	ledger := NewCreditLedger(f.store)

	if ok, err := ledger.HasCredit(ctx, u.ID); err != nil || !ok {
		t.Fatalf("HasCredit = %v, %v; want true", ok, err)
	}
	err := f.store.InTx(ctx, func(tx repository.Tx) error {
		balance, err := ledger.Debit(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		if balance != 0 {
			t.Errorf("balance after debit = %d, want 0", balance)
		}
		_, err = ledger.Debit(ctx, tx, u.ID)
		if !errors.IsCode(err, errors.ErrCodeInsufficientCredit) {
			t.Errorf("second debit err = %v, want INSUFFICIENT_CREDIT", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if ok, _ := ledger.HasCredit(ctx, u.ID); ok {
		t.Fatal("HasCredit = true after spending the last credit")
	}
	if got := f.credits(t, u.ID); got != 0 {
		t.Fatalf("credits = %d, want 0", got)
	}
}
