package memstore

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

func seedUser(t *testing.T, s *Store, name string, credits int) *repository.User {
	t.Helper()
	u := &repository.User{
		Name:      name,
		APIKey:    "key-" + name,
		Role:      repository.RoleMember,
		Seniority: repository.SeniorityMid,
		Credits:   credits,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestListRulesOrdersByPriorityThenInsertion(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, r := range []*repository.Rule{
		{Name: "b", Pattern: "b", Action: repository.ActionAutoAccept, Priority: 5},
		{Name: "a", Pattern: "a", Action: repository.ActionAutoAccept, Priority: 1},
		{Name: "c", Pattern: "c", Action: repository.ActionAutoAccept, Priority: 5},
	} {
		if err := s.InsertRule(ctx, r); err != nil {
			t.Fatalf("InsertRule: %v", err)
		}
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	var names []string
	for _, r := range rules {
		names = append(names, r.Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Fatalf("order = %v, want [a b c]", names)
	}
}

func TestCreateUserRejectsDuplicateName(t *testing.T) {
	s := New()
	seedUser(t, s, "alice", 1)
	err := s.CreateUser(context.Background(), &repository.User{Name: "alice", APIKey: "other"})
	if !errors.IsCode(err, errors.ErrCodeConflict) {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "alice", 3)

	boom := stderrors.New("boom")
	var cmdID string
	err := s.InTx(ctx, func(tx repository.Tx) error {
		cmd := &repository.Command{UserID: u.ID, Text: "ls", Status: repository.CommandSubmitted}
		if err := tx.CreateCommand(ctx, cmd); err != nil {
			return err
		}
		cmdID = cmd.ID
		if _, err := tx.DebitCredit(ctx, u.ID); err != nil {
			return err
		}
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}

	if _, err := s.GetCommand(ctx, cmdID); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Fatalf("command visible after rollback: %v", err)
	}
	got, _ := s.GetUser(ctx, u.ID)
	if got.Credits != 3 {
		t.Fatalf("credits = %d, want 3", got.Credits)
	}
}

func TestDebitCreditStopsAtZero(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "alice", 1)

	err := s.InTx(ctx, func(tx repository.Tx) error {
		balance, err := tx.DebitCredit(ctx, u.ID)
		if err != nil || balance != 0 {
			t.Fatalf("first debit = %d, %v", balance, err)
		}
		_, err = tx.DebitCredit(ctx, u.ID)
		if !errors.IsCode(err, errors.ErrCodeInsufficientCredit) {
			t.Fatalf("second debit err = %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestConcurrentDebitNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "alice", 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		debited int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(tx repository.Tx) error {
				_, err := tx.DebitCredit(ctx, u.ID)
				return err
			})
			if err == nil {
				mu.Lock()
				debited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetUser(ctx, u.ID)
	if got.Credits != 0 || debited != 5 {
		t.Fatalf("credits = %d, successful debits = %d", got.Credits, debited)
	}
}

func TestLockApprovalSerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := New()
	u := seedUser(t, s, "alice", 1)

	approval := &repository.Approval{
		CommandID:         "c-1",
		RequestedBy:       u.ID,
		ThresholdRequired: 2,
		ExpiresAt:         time.Now().Add(time.Minute),
	}
	if err := s.InTx(ctx, func(tx repository.Tx) error { return tx.CreateApproval(ctx, approval) }); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(tx repository.Tx) error {
				a, err := tx.LockApproval(ctx, approval.ID)
				if err != nil {
					return err
				}
				if a.Resolved {
					return nil
				}
				a.Resolved = true
				a.Outcome = repository.OutcomeExecuted
				mu.Lock()
				resolved++
				mu.Unlock()
				return tx.UpdateApproval(ctx, a)
			})
		}()
	}
	wg.Wait()

	if resolved != 1 {
		t.Fatalf("resolved %d times, want 1", resolved)
	}
	open, _ := s.ListOpenApprovals(ctx)
	if len(open) != 0 {
		t.Fatalf("open approvals = %d", len(open))
	}
}

func TestTxListVotesSeesStagedVotes(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertVote(ctx, &repository.ApprovalVote{ApprovalID: "a-1", VoterID: "u-1", Vote: repository.VoteApprove}); err != nil {
			return err
		}
		votes, err := tx.ListVotes(ctx, "a-1")
		if err != nil {
			return err
		}
		if len(votes) != 1 {
			t.Fatalf("staged votes = %d", len(votes))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	votes, _ := s.ListVotes(ctx, "a-1")
	if len(votes) != 1 {
		t.Fatalf("committed votes = %d", len(votes))
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, typ := range []string{"A", "B", "C"} {
		if err := s.Append(ctx, &repository.Event{Type: typ}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, _ := s.ListEvents(ctx, 2)
	if len(events) != 2 || events[0].Type != "C" || events[1].Type != "B" {
		t.Fatalf("events = %+v", events)
	}
}
