package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

func TestCastVoteThresholdTwo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	alice := f.user(t, "alice", repository.RoleApprover, 0)
	bob := f.user(t, "bob", repository.RoleApprover, 0)
	carol := f.user(t, "carol", repository.RoleAdmin, 0)

	approval := f.pending(t, dev, "deploy prod")
	if approval.ThresholdRequired != 2 {
		t.Fatalf("threshold = %d, want default 2", approval.ThresholdRequired)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !approval.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %s, want %s", approval.ExpiresAt, want)
	}
	if n := len(f.notifier.ofType(client.EventApprovalRequired)); n != 1 {
		t.Fatalf("approval-required notifications = %d, want 1", n)
	}

	res, err := f.approvals.CastVote(ctx, approval.ID, alice, repository.VoteApprove)
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if res.Resolved || res.Tally.Approvals != 1 {
		t.Fatalf("after first vote: resolved=%v tally=%+v", res.Resolved, res.Tally)
	}
	if got := f.command(t, approval.CommandID).Status; got != repository.CommandSubmitted {
		t.Fatalf("command status after one vote = %s", got)
	}

	res, err = f.approvals.CastVote(ctx, approval.ID, bob, repository.VoteApprove)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if !res.Resolved || res.Approval.Outcome != repository.OutcomeExecuted {
		t.Fatalf("after second vote: resolved=%v outcome=%s", res.Resolved, res.Approval.Outcome)
	}
	cmd := f.command(t, approval.CommandID)
	if cmd.Status != repository.CommandExecuted || cmd.Result == nil || cmd.ExecutedAt == nil {
		t.Fatalf("command = %+v, want EXECUTED with result and timestamp", cmd)
	}
	if got := f.credits(t, dev.ID); got != 4 {
		t.Fatalf("credits = %d, want 4", got)
	}

	_, err = f.approvals.CastVote(ctx, approval.ID, carol, repository.VoteReject)
	if !errors.IsCode(err, errors.ErrCodeAlreadyResolved) {
		t.Fatalf("third vote err = %v, want ALREADY_RESOLVED", err)
	}
	if got := f.credits(t, dev.ID); got != 4 {
		t.Fatalf("credits after third vote = %d, want 4", got)
	}
	if got := f.executor.Calls(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
	if n := len(f.notifier.ofType(client.EventCommandExecuted)); n != 1 {
		t.Fatalf("executed notifications = %d, want 1", n)
	}
	if got := f.eventCount(t, EventApprovalGranted); got != 1 {
		t.Fatalf("APPROVAL_GRANTED events = %d, want 1", got)
	}
}

func TestCastVoteRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	a := f.user(t, "a", repository.RoleApprover, 0)
	b := f.user(t, "b", repository.RoleApprover, 0)

	approval := f.pending(t, dev, "drop table users")
	if _, err := f.approvals.CastVote(ctx, approval.ID, a, repository.VoteReject); err != nil {
		t.Fatal(err)
	}
	res, err := f.approvals.CastVote(ctx, approval.ID, b, repository.VoteReject)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resolved || res.Approval.State() != repository.StateResolvedRejected {
		t.Fatalf("state = %s, want RESOLVED_REJECTED", res.Approval.State())
	}
	cmd := f.command(t, approval.CommandID)
	if cmd.Status != repository.CommandRejected || cmd.Result == nil || *cmd.Result != ResultRejectedByVote {
		t.Fatalf("command = %+v, want REJECTED by approvers", cmd)
	}
	if got := f.credits(t, dev.ID); got != 5 {
		t.Fatalf("credits = %d, want untouched 5", got)
	}
	if n := len(f.notifier.ofType(client.EventCommandRejected)); n != 1 {
		t.Fatalf("rejected notifications = %d, want 1", n)
	}
}

func TestCastVoteDuplicateVoterCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	a := f.user(t, "a", repository.RoleApprover, 0)

	approval := f.pending(t, dev, "deploy prod")
	for i := 0; i < 3; i++ {
		res, err := f.approvals.CastVote(ctx, approval.ID, a, repository.VoteApprove)
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
		if res.Resolved || res.Tally.Approvals != 1 {
			t.Fatalf("vote %d: resolved=%v tally=%+v", i, res.Resolved, res.Tally)
		}
	}

	// A changed ballot replaces the earlier one.
	res, err := f.approvals.CastVote(ctx, approval.ID, a, repository.VoteReject)
	if err != nil {
		t.Fatal(err)
	}
	if res.Tally.Approvals != 0 || res.Tally.Rejections != 1 {
		t.Fatalf("tally after change = %+v", res.Tally)
	}
}

func TestCastVoteRejectsIneligibleVoterAndBadBallot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	other := f.user(t, "other", repository.RoleMember, 5)
	a := f.user(t, "a", repository.RoleApprover, 0)
	approval := f.pending(t, dev, "deploy prod")

	if _, err := f.approvals.CastVote(ctx, approval.ID, other, repository.VoteApprove); !errors.IsCode(err, errors.ErrCodeForbidden) {
		t.Fatalf("member vote err = %v, want FORBIDDEN", err)
	}
	if _, err := f.approvals.CastVote(ctx, approval.ID, a, "MAYBE"); !errors.IsCode(err, errors.ErrCodeInvalidInput) {
		t.Fatalf("bad ballot err = %v, want INVALID_INPUT", err)
	}
	if _, err := f.approvals.CastVote(ctx, "missing", a, repository.VoteApprove); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Fatalf("missing approval err = %v, want NOT_FOUND", err)
	}
	votes, err := f.store.ListVotes(ctx, approval.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 0 {
		t.Fatalf("votes = %d, want none recorded", len(votes))
	}
}

func TestCastVoteConcurrentApprovalsResolveOnce(t *testing.T) {
	stores := map[string]func(*testing.T) *fixture{
		"memstore": newFixture,
		"sqlite":   newSQLiteFixture,
	}
	for name, newF := range stores {
		t.Run(name, func(t *testing.T) {
			testConcurrentApprovalsResolveOnce(t, newF(t))
		})
	}
}

func testConcurrentApprovalsResolveOnce(t *testing.T, f *fixture) {
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 10)

	const voters = 12
	approvers := make([]*repository.User, voters)
	for i := range approvers {
		approvers[i] = f.user(t, "approver-"+string(rune('a'+i)), repository.RoleApprover, 0)
	}
	approval := f.pending(t, dev, "deploy prod")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
		already  int
	)
	for _, voter := range approvers {
		wg.Add(1)
		go func(voter *repository.User) {
			defer wg.Done()
			res, err := f.approvals.CastVote(ctx, approval.ID, voter, repository.VoteApprove)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.IsCode(err, errors.ErrCodeAlreadyResolved):
				already++
			case err != nil:
				t.Errorf("vote: %v", err)
			case res.Resolved:
				resolved++
			}
		}(voter)
	}
	wg.Wait()

	if resolved != 1 {
		t.Fatalf("resolving votes = %d, want exactly 1", resolved)
	}
	if already != voters-2 {
		t.Fatalf("already-resolved votes = %d, want %d", already, voters-2)
	}
	if got := f.credits(t, dev.ID); got != 9 {
		t.Fatalf("credits = %d, want exactly one debit", got)
	}
	if got := f.executor.Calls(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
	if got := f.eventCount(t, EventCommandExecuted); got != 1 {
		t.Fatalf("COMMAND_EXECUTED events = %d, want 1", got)
	}
}

func TestCastVoteZeroCreditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 1)
	a := f.user(t, "a", repository.RoleApprover, 0)
	b := f.user(t, "b", repository.RoleApprover, 0)

	first := f.pending(t, dev, "deploy prod")
	second := f.pending(t, dev, "deploy staging")

	// Spend the only credit on the first approval.
	for _, v := range []*repository.User{a, b} {
		if _, err := f.approvals.CastVote(ctx, first.ID, v, repository.VoteApprove); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.credits(t, dev.ID); got != 0 {
		t.Fatalf("credits = %d, want 0", got)
	}

	if _, err := f.approvals.CastVote(ctx, second.ID, a, repository.VoteApprove); err != nil {
		t.Fatal(err)
	}
	res, err := f.approvals.CastVote(ctx, second.ID, b, repository.VoteApprove)
	if err != nil {
		t.Fatalf("resolving vote: %v", err)
	}
	if !res.Resolved || res.Approval.State() != repository.StateResolvedFailed {
		t.Fatalf("state = %s, want RESOLVED_FAILED", res.Approval.State())
	}
	cmd := f.command(t, second.CommandID)
	if cmd.Status != repository.CommandRejected || cmd.Result == nil || *cmd.Result != ResultInsufficientCredits {
		t.Fatalf("command = %+v, want REJECTED for insufficient credits", cmd)
	}
	if got := f.credits(t, dev.ID); got != 0 {
		t.Fatalf("credits = %d, want 0 and never negative", got)
	}
	if got := f.executor.Calls(); got != 1 {
		t.Fatalf("executor calls = %d, want 1", got)
	}
	if n := len(f.notifier.ofType(client.EventCommandFailed)); n != 1 {
		t.Fatalf("failed notifications = %d, want 1", n)
	}
}

type failingSink struct{}

func (failingSink) Send(context.Context, *client.NotificationEvent) error {
	return errors.New(errors.ErrCodeInternal, "smtp down")
}

func TestCastVoteNotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A dispatcher whose sink always fails still lets votes resolve.
	dispatcher := client.NewDispatcher(failingSink{}, client.DispatcherConfig{QueueSize: 4, Workers: 1}, zerolog.Nop())
	defer dispatcher.Close(ctx)
	f.approvals.notifier = dispatcher

	dev := f.user(t, "dev", repository.RoleMember, 3)
	a := f.user(t, "a", repository.RoleApprover, 0)
	b := f.user(t, "b", repository.RoleApprover, 0)
	approval := f.pending(t, dev, "deploy prod")

	for _, v := range []*repository.User{a, b} {
		if _, err := f.approvals.CastVote(ctx, approval.ID, v, repository.VoteApprove); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	if got := f.command(t, approval.CommandID).Status; got != repository.CommandExecuted {
		t.Fatalf("command status = %s, want EXECUTED", got)
	}
}

func TestEscalateAndExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	f.user(t, "root", repository.RoleAdmin, 0)
	a := f.user(t, "a", repository.RoleApprover, 0)

	approval := f.pending(t, dev, "deploy prod")
	if _, err := f.approvals.CastVote(ctx, approval.ID, a, repository.VoteApprove); err != nil {
		t.Fatal(err)
	}

	changed, err := f.approvals.Escalate(ctx, approval.ID, "")
	if err != nil || changed {
		t.Fatalf("early Escalate = %v, %v; want no change", changed, err)
	}

	f.clock.Advance(10 * time.Minute)
	changed, err = f.approvals.Escalate(ctx, approval.ID, "")
	if err != nil || !changed {
		t.Fatalf("Escalate at expiry = %v, %v; want change", changed, err)
	}
	got := f.approval(t, approval.ID)
	if !got.Escalated || got.Resolved || got.State() != repository.StateEscalated {
		t.Fatalf("approval = %+v, want escalated and unresolved", got)
	}
	if n := len(f.notifier.ofType(client.EventApprovalEscalated)); n != 1 {
		t.Fatalf("escalation notifications = %d, want 1", n)
	}

	changed, err = f.approvals.Escalate(ctx, approval.ID, "")
	if err != nil || changed {
		t.Fatalf("second Escalate = %v, %v; want no-op", changed, err)
	}

	changed, err = f.approvals.ExpireTimedOut(ctx, approval.ID, "")
	if err != nil || changed {
		t.Fatalf("ExpireTimedOut inside grace = %v, %v; want no change", changed, err)
	}

	f.clock.Advance(60 * time.Minute)
	changed, err = f.approvals.ExpireTimedOut(ctx, approval.ID, "")
	if err != nil || !changed {
		t.Fatalf("ExpireTimedOut past grace = %v, %v; want change", changed, err)
	}
	got = f.approval(t, approval.ID)
	if got.State() != repository.StateResolvedRejected {
		t.Fatalf("state = %s, want RESOLVED_REJECTED", got.State())
	}
	cmd := f.command(t, approval.CommandID)
	if cmd.Status != repository.CommandRejected || *cmd.Result != ResultApprovalTimedOut {
		t.Fatalf("command = %+v, want REJECTED on timeout", cmd)
	}
	if got := f.credits(t, dev.ID); got != 5 {
		t.Fatalf("credits = %d, want 5", got)
	}

	if _, err := f.approvals.Escalate(ctx, approval.ID, ""); !errors.IsCode(err, errors.ErrCodeAlreadyResolved) {
		t.Fatalf("Escalate on resolved err = %v, want ALREADY_RESOLVED", err)
	}
	if _, err := f.approvals.CastVote(ctx, approval.ID, a, repository.VoteApprove); !errors.IsCode(err, errors.ErrCodeAlreadyResolved) {
		t.Fatalf("vote on resolved err = %v, want ALREADY_RESOLVED", err)
	}
}

func TestEscalatedApprovalStillAcceptsVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	a := f.user(t, "a", repository.RoleApprover, 0)
	b := f.user(t, "b", repository.RoleApprover, 0)

	approval := f.pending(t, dev, "deploy prod")
	f.clock.Advance(15 * time.Minute)
	if changed, err := f.approvals.Escalate(ctx, approval.ID, ""); err != nil || !changed {
		t.Fatalf("Escalate = %v, %v", changed, err)
	}
	for _, v := range []*repository.User{a, b} {
		if _, err := f.approvals.CastVote(ctx, approval.ID, v, repository.VoteApprove); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	if got := f.approval(t, approval.ID).State(); got != repository.StateResolvedExecuted {
		t.Fatalf("state = %s, want RESOLVED_EXECUTED", got)
	}
}

func TestApprovalGetAndListPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dev := f.user(t, "dev", repository.RoleMember, 5)
	a := f.user(t, "a", repository.RoleApprover, 0)

	first := f.pending(t, dev, "deploy prod")
	f.clock.Advance(time.Minute)
	second := f.pending(t, dev, "deploy staging")
	if _, err := f.approvals.CastVote(ctx, second.ID, a, repository.VoteReject); err != nil {
		t.Fatal(err)
	}

	detail, err := f.approvals.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if detail.Command.Text != "deploy staging" || len(detail.Votes) != 1 || detail.Tally.Rejections != 1 {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.State != repository.StateOpen {
		t.Fatalf("state = %s, want OPEN", detail.State)
	}

	pending, err := f.approvals.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("pending order wrong: %+v", pending)
	}

	if _, err := f.approvals.Get(ctx, "missing"); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Fatalf("Get missing err = %v, want NOT_FOUND", err)
	}
}
