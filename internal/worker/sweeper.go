// Package worker runs the escalation scheduler.
//
// A sweep walks every unresolved approval and applies the two time-driven
// transitions: escalation at expires_at and forced rejection once the grace
// window has also passed. Both go through the same per-approval transaction
// as votes, so sweeps may run concurrently with each other and with voting.
package worker

import (
	"context"
	"time"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// SchedulerActor is the actor id recorded on audit entries the sweep writes.
const SchedulerActor = "scheduler"

const defaultInterval = 60 * time.Second

// Transitioner is the approval state machine as the sweeper sees it.
// *service.ApprovalService implements it.
type Transitioner interface {
	ListPending(ctx context.Context) ([]*repository.Approval, error)
	Escalate(ctx context.Context, approvalID, actorID string) (bool, error)
	ExpireTimedOut(ctx context.Context, approvalID, actorID string) (bool, error)
	Now() time.Time
	GraceWindow() time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Escalated int `json:"escalated"`
	Rejected  int `json:"rejected"`
	Errors    int `json:"errors"`
}

// Sweeper periodically escalates and times out approvals.
type Sweeper struct {
	approvals Transitioner
	interval  time.Duration
	log       *logger.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval uses 60s.
func NewSweeper(approvals Transitioner, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{approvals: approvals, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("Escalation scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep applies every due transition once. Errors on one approval are logged
// and counted; they do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport

	pending, err := s.approvals.ListPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list pending approvals")
		report.Errors++
		return report
	}

	now := s.approvals.Now()
	grace := s.approvals.GraceWindow()

	for _, approval := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		// An approval found past grace is still escalated first, so admins
		// hear about it even when the scheduler was down for the whole window.
		if approval.EscalationDue(now) {
			changed, err := s.approvals.Escalate(ctx, approval.ID, SchedulerActor)
			if errors.IsCode(err, errors.ErrCodeAlreadyResolved) {
				continue
			}
			if s.failed(err, approval.ID, "escalate") {
				report.Errors++
			} else if changed {
				report.Escalated++
			}
		}

		if approval.TimeoutDue(now, grace) {
			changed, err := s.approvals.ExpireTimedOut(ctx, approval.ID, SchedulerActor)
			if s.failed(err, approval.ID, "timeout") {
				report.Errors++
			} else if changed {
				report.Rejected++
			}
		}
	}

	if report.Escalated > 0 || report.Rejected > 0 || report.Errors > 0 {
		s.log.Info().
			Int("scanned", report.Scanned).
			Int("escalated", report.Escalated).
			Int("rejected", report.Rejected).
			Int("errors", report.Errors).
			Msg("Sweep complete")
	}
	return report
}

// failed logs err and reports whether it counts as a sweep error. An approval
// resolved by a vote since it was listed is not one.
func (s *Sweeper) failed(err error, approvalID, transition string) bool {
	if err == nil || errors.IsCode(err, errors.ErrCodeAlreadyResolved) {
		return false
	}
	s.log.Error().Err(err).
		Str("approval_id", approvalID).
		Str("transition", transition).
		Msg("Sweep transition failed")
	return true
}
