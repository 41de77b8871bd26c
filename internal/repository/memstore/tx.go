package memstore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// InTx runs fn with a fresh transaction. Record locks taken by fn are held
// until the staged writes are applied or discarded.
func (s *Store) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &tx{
		s:         s,
		held:      make(map[string]*sync.Mutex),
		commands:  make(map[string]*repository.Command),
		approvals: make(map[string]*repository.Approval),
		credits:   make(map[string]int),
	}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

type tx struct {
	s     *Store
	held  map[string]*sync.Mutex
	order []string

	commands  map[string]*repository.Command
	approvals map[string]*repository.Approval
	votes     []*repository.ApprovalVote
	credits   map[string]int
}

func (t *tx) lock(key string) {
	if _, ok := t.held[key]; ok {
		return
	}
	m := t.s.recordLock(key)
	m.Lock()
	t.held[key] = m
	t.order = append(t.order, key)
}

func (t *tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		t.held[t.order[i]].Unlock()
	}
	t.held = nil
	t.order = nil
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range t.commands {
		s.commands[id] = c
	}
	for id, a := range t.approvals {
		s.approvals[id] = a
	}
	for _, v := range t.votes {
		s.votes[v.ApprovalID] = append(s.votes[v.ApprovalID], v)
	}
	for id, balance := range t.credits {
		if u, ok := s.users[id]; ok {
			u.Credits = balance
		}
	}
}

func (t *tx) LockApproval(ctx context.Context, id string) (*repository.Approval, error) {
	t.lock("approval:" + id)
	if a, ok := t.approvals[id]; ok {
		return cloneApproval(a), nil
	}
	return t.s.GetApproval(ctx, id)
}

func (t *tx) LockCommand(ctx context.Context, id string) (*repository.Command, error) {
	t.lock("command:" + id)
	if c, ok := t.commands[id]; ok {
		return cloneCommand(c), nil
	}
	return t.s.GetCommand(ctx, id)
}

func (t *tx) CreateCommand(ctx context.Context, cmd *repository.Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = t.s.now()
	}
	t.lock("command:" + cmd.ID)
	t.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (t *tx) UpdateCommand(ctx context.Context, cmd *repository.Command) error {
	t.lock("command:" + cmd.ID)
	if _, staged := t.commands[cmd.ID]; !staged {
		if _, err := t.s.GetCommand(ctx, cmd.ID); err != nil {
			return err
		}
	}
	t.commands[cmd.ID] = cloneCommand(cmd)
	return nil
}

func (t *tx) CreateApproval(ctx context.Context, approval *repository.Approval) error {
	if approval.ID == "" {
		approval.ID = uuid.NewString()
	}
	if approval.CreatedAt.IsZero() {
		approval.CreatedAt = t.s.now()
	}
	t.lock("approval:" + approval.ID)
	t.approvals[approval.ID] = cloneApproval(approval)
	return nil
}

func (t *tx) UpdateApproval(ctx context.Context, approval *repository.Approval) error {
	t.lock("approval:" + approval.ID)
	if _, staged := t.approvals[approval.ID]; !staged {
		if _, err := t.s.GetApproval(ctx, approval.ID); err != nil {
			return err
		}
	}
	t.approvals[approval.ID] = cloneApproval(approval)
	return nil
}

func (t *tx) InsertVote(ctx context.Context, vote *repository.ApprovalVote) error {
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}
	if vote.CreatedAt.IsZero() {
		vote.CreatedAt = t.s.now()
	}
	v := *vote
	t.votes = append(t.votes, &v)
	return nil
}

func (t *tx) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	t.s.mu.RLock()
	out := t.s.votesLocked(approvalID)
	t.s.mu.RUnlock()

	for _, v := range t.votes {
		if v.ApprovalID == approvalID {
			c := *v
			out = append(out, &c)
		}
	}
	return out, nil
}

func (t *tx) DebitCredit(ctx context.Context, userID string) (int, error) {
	t.lock("user:" + userID)

	balance, staged := t.credits[userID]
	if !staged {
		u, err := t.s.GetUser(ctx, userID)
		if err != nil {
			return 0, err
		}
		balance = u.Credits
	}
	if balance <= 0 {
		return balance, repository.InsufficientCredit(userID)
	}
	t.credits[userID] = balance - 1
	return balance - 1, nil
}
