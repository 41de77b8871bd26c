package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/policy"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// CommandService accepts command submissions and routes them through the
// rule engine.
type CommandService struct {
	store     repository.Store
	ledger    *CreditLedger
	approvals *ApprovalService
	executor  Executor
	audit     *auditor
	opts      PolicyOptions
	now       func() time.Time
	log       *logger.Logger
}

// NewCommandService creates a new CommandService.
func NewCommandService(
	store repository.Store,
	ledger *CreditLedger,
	approvals *ApprovalService,
	executor Executor,
	opts PolicyOptions,
	log *logger.Logger,
) *CommandService {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &CommandService{
		store:     store,
		ledger:    ledger,
		approvals: approvals,
		executor:  executor,
		audit:     &auditor{sink: store, log: log},
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

// WithClock replaces the wall clock used for active-hours evaluation.
func (s *CommandService) WithClock(now func() time.Time) *CommandService {
	s.now = now
	return s
}

// SubmitResult is what a submission resolved to.
type SubmitResult struct {
	Command  *repository.Command  `json:"command"`
	Action   repository.Action    `json:"action"`
	Approval *repository.Approval `json:"approval,omitempty"`
	// Balance is the requester's balance after an auto-accepted debit.
	Balance *int `json:"credits_remaining,omitempty"`
}

// Submit classifies text for user and applies the decision.
//
// AUTO_ACCEPT debits and executes, AUTO_REJECT rejects, REQUIRE_APPROVAL opens
// an approval. A user without credit is refused before any command is stored.
func (s *CommandService) Submit(ctx context.Context, user *repository.User, text string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.InvalidInput("command_text", "is required")
	}

	ok, err := s.ledger.HasCredit(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.InsufficientCredit(user.ID)
	}

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	decision := policy.Decide(text, user, s.now().In(s.opts.Location), rules).OrDefault(s.opts.DefaultThreshold)
	for _, skipped := range decision.Skipped {
		s.log.Warn().
			Err(skipped.Err).
			Str("rule_id", skipped.RuleID).
			Str("pattern", skipped.Pattern).
			Msg("Skipping rule with invalid pattern")
	}

	res := &SubmitResult{Action: decision.Action}
	var debitFailed bool
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cmd := &repository.Command{
			UserID: user.ID,
			Text:   text,
			Status: repository.CommandSubmitted,
			RuleID: decision.RuleID(),
		}
		if err := tx.CreateCommand(ctx, cmd); err != nil {
			return err
		}
		res.Command = cmd

		switch decision.Action {
		case repository.ActionAutoReject:
			return s.reject(ctx, tx, cmd, ResultRejectedByPolicy)

		case repository.ActionAutoAccept:
			balance, err := s.ledger.Debit(ctx, tx, user.ID)
			if errors.IsCode(err, errors.ErrCodeInsufficientCredit) {
				// Keep the command, as REJECTED, and surface the error after commit.
				debitFailed = true
				return s.reject(ctx, tx, cmd, ResultInsufficientCredits)
			}
			if err != nil {
				return err
			}
			res.Balance = &balance
			return s.execute(ctx, tx, cmd)

		default:
			approval, err := s.approvals.Open(ctx, tx, cmd, decision.Threshold)
			if err != nil {
				return err
			}
			res.Approval = approval
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	cmd := res.Command
	s.audit.append(ctx, EventCommandSubmitted, user.ID, map[string]any{
		"command_id":        cmd.ID,
		"command_text":      cmd.Text,
		"action":            decision.Action,
		"rule_id":           cmd.RuleID,
		"threshold":         decision.Threshold,
		"time_restricted":   decision.TimeRestricted,
		"seniority_applied": decision.SeniorityApplied,
	})
	s.log.Info().
		Str("command_id", cmd.ID).
		Str("user_id", user.ID).
		Str("action", string(decision.Action)).
		Str("status", string(cmd.Status)).
		Msg("Command submitted")

	switch cmd.Status {
	case repository.CommandExecuted:
		s.audit.append(ctx, EventCommandExecuted, user.ID, map[string]any{"command_id": cmd.ID})
	case repository.CommandRejected:
		s.audit.append(ctx, EventCommandRejected, user.ID, map[string]any{
			"command_id": cmd.ID,
			"reason":     cmd.Result,
		})
	default:
		s.audit.append(ctx, EventApprovalRequestCreated, user.ID, map[string]any{
			"approval_id":        res.Approval.ID,
			"command_id":         cmd.ID,
			"threshold_required": res.Approval.ThresholdRequired,
			"expires_at":         res.Approval.ExpiresAt,
		})
		s.approvals.NotifyApprovers(ctx, res.Approval, cmd)
	}

	if debitFailed {
		return res, repository.InsufficientCredit(user.ID)
	}
	return res, nil
}

func (s *CommandService) execute(ctx context.Context, tx repository.Tx, cmd *repository.Command) error {
	result, err := s.executor.Execute(ctx, cmd)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to execute command")
	}
	now := s.now()
	cmd.Status = repository.CommandExecuted
	cmd.Result = &result
	cmd.ExecutedAt = &now
	return tx.UpdateCommand(ctx, cmd)
}

func (s *CommandService) reject(ctx context.Context, tx repository.Tx, cmd *repository.Command, reason string) error {
	cmd.Status = repository.CommandRejected
	cmd.Result = &reason
	return tx.UpdateCommand(ctx, cmd)
}

// List returns user's commands, newest first. Admins see every command.
func (s *CommandService) List(ctx context.Context, user *repository.User) ([]*repository.Command, error) {
	userID := user.ID
	if user.Role == repository.RoleAdmin {
		userID = ""
	}
	cmds, err := s.store.ListCommands(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []*repository.Command{}
	}
	return cmds, nil
}

