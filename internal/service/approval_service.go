package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/client"
	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// ApprovalService owns the approval state machine. Every transition reads the
// approval through Tx.LockApproval and commits in the same transaction, so a
// vote, an escalation and a timeout on one approval never interleave.
type ApprovalService struct {
	store    repository.Store
	ledger   *CreditLedger
	executor Executor
	notifier Notifier
	audit    *auditor
	opts     PolicyOptions
	now      func() time.Time
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService. A nil notifier drops
// notifications.
func NewApprovalService(
	store repository.Store,
	ledger *CreditLedger,
	executor Executor,
	notifier Notifier,
	opts PolicyOptions,
	log *logger.Logger,
) *ApprovalService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ApprovalService{
		store:    store,
		ledger:   ledger,
		executor: executor,
		notifier: notifier,
		audit:    &auditor{sink: store, log: log},
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// WithClock replaces the wall clock.
func (s *ApprovalService) WithClock(now func() time.Time) *ApprovalService {
	s.now = now
	return s
}

// Now returns the service clock's current time.
func (s *ApprovalService) Now() time.Time {
	return s.now()
}

// GraceWindow is how long past expiry an approval may stay open.
func (s *ApprovalService) GraceWindow() time.Duration {
	return s.opts.GraceWindow
}

// Tally counts each voter once, by that voter's most recent ballot.
type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}

// CountVotes tallies votes given in cast order.
func CountVotes(votes []*repository.ApprovalVote) Tally {
	latest := make(map[string]repository.VoteValue, len(votes))
	for _, v := range votes {
		latest[v.VoterID] = v.Vote
	}
	var t Tally
	for _, vote := range latest {
		switch vote {
		case repository.VoteApprove:
			t.Approvals++
		case repository.VoteReject:
			t.Rejections++
		}
	}
	return t
}

// ── Open ─────────────────────────────────────────────────────────────────────

// Open creates the pending approval for cmd inside tx. The caller announces
// it with NotifyApprovers once tx has committed.
func (s *ApprovalService) Open(ctx context.Context, tx repository.Tx, cmd *repository.Command, threshold int) (*repository.Approval, error) {
	if threshold < 1 {
		threshold = s.opts.DefaultThreshold
	}
	approval := &repository.Approval{
		CommandID:         cmd.ID,
		RequestedBy:       cmd.UserID,
		ThresholdRequired: threshold,
		ExpiresAt:         s.now().Add(s.opts.ApprovalTTL),
	}
	if err := tx.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// NotifyApprovers tells every admin and approver that approval needs votes.
func (s *ApprovalService) NotifyApprovers(ctx context.Context, approval *repository.Approval, cmd *repository.Command) {
	approvers, err := s.store.ListUsersByRole(ctx, repository.RoleAdmin, repository.RoleApprover)
	if err != nil {
		s.log.Warn().Err(err).Str("approval_id", approval.ID).Msg("Failed to resolve approvers for notification")
		return
	}
	s.notifier.Notify(ctx, &client.NotificationEvent{
		EventType:    client.EventApprovalRequired,
		ActorID:      cmd.UserID,
		Recipients:   userIDs(approvers),
		Subject:      "Approval required",
		Body:         fmt.Sprintf("Command %q needs %d approvals before %s.", cmd.Text, approval.ThresholdRequired, approval.ExpiresAt.Format(time.RFC3339)),
		ResourceType: "approval",
		ResourceID:   approval.ID,
		IsActionable: true,
		Severity:     "info",
		Category:     "command_approval",
		Payload: map[string]any{
			"command_id":         cmd.ID,
			"threshold_required": approval.ThresholdRequired,
		},
	})
}

// ── Vote ─────────────────────────────────────────────────────────────────────

// VoteResult is the state of an approval after a vote.
type VoteResult struct {
	Approval *repository.Approval `json:"approval"`
	Command  *repository.Command  `json:"command"`
	Tally    Tally                `json:"tally"`
	// Resolved is true only for the vote that resolved the approval.
	Resolved bool `json:"resolved"`
}

// CastVote records voter's ballot, re-tallies and resolves the approval when
// either side reaches the threshold. Approvals are counted first.
func (s *ApprovalService) CastVote(ctx context.Context, approvalID string, voter *repository.User, vote repository.VoteValue) (*VoteResult, error) {
	if !vote.Valid() {
		return nil, errors.InvalidInput("vote", "must be APPROVE or REJECT")
	}
	if !voter.Role.CanVote() {
		return nil, errors.New(errors.ErrCodeForbidden, "only admins and approvers may vote")
	}

	var res *VoteResult
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		approval, err := tx.LockApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Resolved {
			return alreadyResolved(approval)
		}

		if err := tx.InsertVote(ctx, &repository.ApprovalVote{
			ApprovalID: approval.ID,
			VoterID:    voter.ID,
			Vote:       vote,
		}); err != nil {
			return err
		}
		votes, err := tx.ListVotes(ctx, approval.ID)
		if err != nil {
			return err
		}
		tally := CountVotes(votes)

		cmd, err := tx.LockCommand(ctx, approval.CommandID)
		if err != nil {
			return err
		}
		res = &VoteResult{Approval: approval, Command: cmd, Tally: tally}

		switch {
		case tally.Approvals >= approval.ThresholdRequired:
			res.Resolved = true
			return s.resolveApproved(ctx, tx, approval, cmd)
		case tally.Rejections >= approval.ThresholdRequired:
			res.Resolved = true
			return s.resolveRejected(ctx, tx, approval, cmd, repository.OutcomeRejected, ResultRejectedByVote)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.append(ctx, EventApprovalVoteCast, voter.ID, map[string]any{
		"approval_id": approvalID,
		"vote":        vote,
		"approvals":   res.Tally.Approvals,
		"rejections":  res.Tally.Rejections,
	})
	s.log.Info().
		Str("approval_id", approvalID).
		Str("voter_id", voter.ID).
		Str("vote", string(vote)).
		Int("approvals", res.Tally.Approvals).
		Int("rejections", res.Tally.Rejections).
		Msg("Vote cast")

	if res.Resolved {
		s.afterResolve(ctx, voter.ID, res.Approval, res.Command)
	}
	return res, nil
}

// resolveApproved debits the requester and executes the command. An empty
// balance resolves the approval as FAILED without executing.
func (s *ApprovalService) resolveApproved(ctx context.Context, tx repository.Tx, approval *repository.Approval, cmd *repository.Command) error {
	if _, err := s.ledger.Debit(ctx, tx, approval.RequestedBy); err != nil {
		if errors.IsCode(err, errors.ErrCodeInsufficientCredit) {
			return s.resolveRejected(ctx, tx, approval, cmd, repository.OutcomeFailed, ResultInsufficientCredits)
		}
		return err
	}

	result, err := s.executor.Execute(ctx, cmd)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to execute command")
	}

	now := s.now()
	cmd.Status = repository.CommandExecuted
	cmd.Result = &result
	cmd.ExecutedAt = &now
	if err := tx.UpdateCommand(ctx, cmd); err != nil {
		return err
	}

	approval.Resolved = true
	approval.Outcome = repository.OutcomeExecuted
	approval.ResolvedAt = &now
	return tx.UpdateApproval(ctx, approval)
}

// resolveRejected closes approval with outcome and marks cmd REJECTED.
func (s *ApprovalService) resolveRejected(ctx context.Context, tx repository.Tx, approval *repository.Approval, cmd *repository.Command, outcome repository.Outcome, reason string) error {
	now := s.now()
	cmd.Status = repository.CommandRejected
	cmd.Result = &reason
	if err := tx.UpdateCommand(ctx, cmd); err != nil {
		return err
	}

	approval.Resolved = true
	approval.Outcome = outcome
	approval.ResolvedAt = &now
	return tx.UpdateApproval(ctx, approval)
}

// afterResolve audits and notifies a committed resolution.
func (s *ApprovalService) afterResolve(ctx context.Context, actorID string, approval *repository.Approval, cmd *repository.Command) {
	detail := map[string]any{
		"approval_id": approval.ID,
		"command_id":  cmd.ID,
		"outcome":     approval.Outcome,
	}

	var (
		approvalEvent string
		commandEvent  string
		notifyType    string
		subject       string
	)
	switch approval.Outcome {
	case repository.OutcomeExecuted:
		approvalEvent, commandEvent = EventApprovalGranted, EventCommandExecuted
		notifyType, subject = client.EventCommandExecuted, "Command approved and executed"
	case repository.OutcomeFailed:
		approvalEvent, commandEvent = EventApprovalFailed, EventCommandRejected
		notifyType, subject = client.EventCommandFailed, "Command approved but not executed: insufficient credits"
	default:
		approvalEvent, commandEvent = EventApprovalRejected, EventCommandRejected
		notifyType, subject = client.EventCommandRejected, "Command rejected"
	}

	s.audit.append(ctx, approvalEvent, actorID, detail)
	s.audit.append(ctx, commandEvent, actorID, detail)

	s.log.Info().
		Str("approval_id", approval.ID).
		Str("command_id", cmd.ID).
		Str("outcome", string(approval.Outcome)).
		Msg("Approval resolved")

	body := fmt.Sprintf("Command %q: %s.", cmd.Text, subject)
	if cmd.Result != nil {
		body = fmt.Sprintf("Command %q: %s. Result: %s", cmd.Text, subject, *cmd.Result)
	}
	s.notifier.Notify(ctx, &client.NotificationEvent{
		EventType:    notifyType,
		ActorID:      actorID,
		Recipients:   []string{approval.RequestedBy},
		Subject:      subject,
		Body:         body,
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Severity:     "info",
		Category:     "command_approval",
		Payload: map[string]any{
			"approval_id": approval.ID,
			"outcome":     approval.Outcome,
		},
	})
}

// ── Scheduler transitions ────────────────────────────────────────────────────

// Escalate marks approval escalated when it is past expiry. It returns false,
// changing nothing, when the approval is not yet due or already escalated.
func (s *ApprovalService) Escalate(ctx context.Context, approvalID, actorID string) (bool, error) {
	now := s.now()

	var escalated *repository.Approval
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		approval, err := tx.LockApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Resolved {
			return alreadyResolved(approval)
		}
		if !approval.EscalationDue(now) {
			return nil
		}
		approval.Escalated = true
		approval.EscalatedAt = &now
		if err := tx.UpdateApproval(ctx, approval); err != nil {
			return err
		}
		escalated = approval
		return nil
	})
	if err != nil || escalated == nil {
		return false, err
	}

	s.audit.append(ctx, EventApprovalEscalated, actorID, map[string]any{
		"approval_id": escalated.ID,
		"expires_at":  escalated.ExpiresAt,
	})
	s.log.Warn().
		Str("approval_id", escalated.ID).
		Time("expires_at", escalated.ExpiresAt).
		Msg("Approval escalated")

	admins, err := s.store.ListUsersByRole(ctx, repository.RoleAdmin)
	if err != nil {
		s.log.Warn().Err(err).Str("approval_id", escalated.ID).Msg("Failed to resolve admins for escalation")
		return true, nil
	}
	s.notifier.Notify(ctx, &client.NotificationEvent{
		EventType:    client.EventApprovalEscalated,
		ActorID:      actorID,
		Recipients:   userIDs(admins),
		Subject:      "Approval escalated",
		Body:         fmt.Sprintf("Approval %s expired at %s without a decision.", escalated.ID, escalated.ExpiresAt.Format(time.RFC3339)),
		ResourceType: "approval",
		ResourceID:   escalated.ID,
		IsActionable: true,
		Severity:     "warning",
		Category:     "command_approval",
	})
	return true, nil
}

// ExpireTimedOut force-rejects an approval open past expiry plus the grace
// window, whatever its tally. It returns false when the approval is not yet
// due.
func (s *ApprovalService) ExpireTimedOut(ctx context.Context, approvalID, actorID string) (bool, error) {
	now := s.now()

	var (
		expired *repository.Approval
		cmd     *repository.Command
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		approval, err := tx.LockApproval(ctx, approvalID)
		if err != nil {
			return err
		}
		if approval.Resolved {
			return alreadyResolved(approval)
		}
		if !approval.TimeoutDue(now, s.opts.GraceWindow) {
			return nil
		}
		c, err := tx.LockCommand(ctx, approval.CommandID)
		if err != nil {
			return err
		}
		if err := s.resolveRejected(ctx, tx, approval, c, repository.OutcomeRejected, ResultApprovalTimedOut); err != nil {
			return err
		}
		expired, cmd = approval, c
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}

	detail := map[string]any{
		"approval_id": expired.ID,
		"command_id":  cmd.ID,
		"expires_at":  expired.ExpiresAt,
		"reason":      ResultApprovalTimedOut,
	}
	s.audit.append(ctx, EventApprovalAutoRejected, actorID, detail)
	s.audit.append(ctx, EventCommandRejected, actorID, detail)
	s.log.Warn().
		Str("approval_id", expired.ID).
		Str("command_id", cmd.ID).
		Msg("Approval timed out and was rejected")

	s.notifier.Notify(ctx, &client.NotificationEvent{
		EventType:    client.EventCommandRejected,
		ActorID:      actorID,
		Recipients:   []string{expired.RequestedBy},
		Subject:      "Command rejected: approval timed out",
		Body:         fmt.Sprintf("Command %q was not approved in time.", cmd.Text),
		ResourceType: "command",
		ResourceID:   cmd.ID,
		Severity:     "warning",
		Category:     "command_approval",
	})
	return true, nil
}

// ── Reads ────────────────────────────────────────────────────────────────────

// ApprovalDetail is an approval with its command, ballots and tally.
type ApprovalDetail struct {
	*repository.Approval
	State   repository.ApprovalState   `json:"state"`
	Command *repository.Command        `json:"command"`
	Votes   []*repository.ApprovalVote `json:"votes"`
	Tally   Tally                      `json:"tally"`
}

// Get returns one approval with its command and votes.
func (s *ApprovalService) Get(ctx context.Context, approvalID string) (*ApprovalDetail, error) {
	approval, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	cmd, err := s.store.GetCommand(ctx, approval.CommandID)
	if err != nil {
		return nil, err
	}
	votes, err := s.store.ListVotes(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if votes == nil {
		votes = []*repository.ApprovalVote{}
	}
	return &ApprovalDetail{
		Approval: approval,
		State:    approval.State(),
		Command:  cmd,
		Votes:    votes,
		Tally:    CountVotes(votes),
	}, nil
}

// ListPending returns every unresolved approval, soonest expiry first.
func (s *ApprovalService) ListPending(ctx context.Context) ([]*repository.Approval, error) {
	return s.store.ListOpenApprovals(ctx)
}

func alreadyResolved(a *repository.Approval) error {
	return errors.New(errors.ErrCodeAlreadyResolved,
		fmt.Sprintf("approval %s is already resolved (%s)", a.ID, a.State()))
}
