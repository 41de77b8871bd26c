// Package memstore is an in-memory repository.Store.
//
// Transactions take per-record locks (approval, then command, then user) and
// stage their writes, which are applied together on commit. There is no global
// transaction lock, so transitions on different approvals run in parallel.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// Store holds every record in maps guarded by mu. Returned records are copies.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	rules     []*repository.Rule
	users     map[string]*repository.User
	apiKeys   map[string]string // api key -> user id
	commands  map[string]*repository.Command
	approvals map[string]*repository.Approval
	votes     map[string][]*repository.ApprovalVote
	events    []*repository.Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]*repository.User),
		apiKeys:   make(map[string]string),
		commands:  make(map[string]*repository.Command),
		approvals: make(map[string]*repository.Approval),
		votes:     make(map[string][]*repository.ApprovalVote),
		locks:     make(map[string]*sync.Mutex),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error { return nil }

// recordLock returns the mutex for key, creating it on first use.
func (s *Store) recordLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// ── Rules ────────────────────────────────────────────────────────────────────

func (s *Store) ListRules(ctx context.Context) ([]*repository.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, cloneRule(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *Store) InsertRule(ctx context.Context, rule *repository.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.Seq = s.seq
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now()
	}
	s.rules = append(s.rules, cloneRule(rule))
	return nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (s *Store) Append(ctx context.Context, event *repository.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	e := *event
	s.events = append(s.events, &e)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, limit int) ([]*repository.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := *s.events[i]
		out = append(out, &e)
	}
	return out, nil
}

// ── Users ────────────────────────────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, user *repository.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Name == user.Name {
			return errors.New(errors.ErrCodeConflict, "user name already exists")
		}
	}
	if _, taken := s.apiKeys[user.APIKey]; taken {
		return errors.New(errors.ErrCodeConflict, "api key already exists")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	u := *user
	s.users[u.ID] = &u
	s.apiKeys[u.APIKey] = u.ID
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, errors.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (s *Store) GetUserByAPIKey(ctx context.Context, apiKey string) (*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.apiKeys[apiKey]
	if !ok || apiKey == "" {
		return nil, errors.New(errors.ErrCodeNotFound, "user not found for api key")
	}
	c := *s.users[id]
	return &c, nil
}

func (s *Store) ListUsersByRole(ctx context.Context, roles ...repository.Role) ([]*repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.User
	for _, u := range s.users {
		for _, role := range roles {
			if u.Role == role {
				c := *u
				out = append(out, &c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── Commands, approvals, votes ───────────────────────────────────────────────

func (s *Store) GetCommand(ctx context.Context, id string) (*repository.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, errors.NotFound("command", id)
	}
	return cloneCommand(c), nil
}

func (s *Store) ListCommands(ctx context.Context, userID string) ([]*repository.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Command
	for _, c := range s.commands {
		if userID == "" || c.UserID == userID {
			out = append(out, cloneCommand(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (*repository.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[id]
	if !ok {
		return nil, errors.NotFound("approval", id)
	}
	return cloneApproval(a), nil
}

func (s *Store) ListOpenApprovals(ctx context.Context) ([]*repository.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*repository.Approval
	for _, a := range s.approvals {
		if !a.Resolved {
			out = append(out, cloneApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) ListVotes(ctx context.Context, approvalID string) ([]*repository.ApprovalVote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.votesLocked(approvalID), nil
}

func (s *Store) votesLocked(approvalID string) []*repository.ApprovalVote {
	out := make([]*repository.ApprovalVote, 0, len(s.votes[approvalID]))
	for _, v := range s.votes[approvalID] {
		c := *v
		out = append(out, &c)
	}
	return out
}

// ── clone helpers ────────────────────────────────────────────────────────────

func cloneRule(r *repository.Rule) *repository.Rule {
	c := *r
	if r.Threshold != nil {
		t := *r.Threshold
		c.Threshold = &t
	}
	c.ActiveHoursStart = cloneString(r.ActiveHoursStart)
	c.ActiveHoursEnd = cloneString(r.ActiveHoursEnd)
	c.CreatedBy = cloneString(r.CreatedBy)
	return &c
}

func cloneCommand(cmd *repository.Command) *repository.Command {
	c := *cmd
	c.RuleID = cloneString(cmd.RuleID)
	c.Result = cloneString(cmd.Result)
	c.ExecutedAt = cloneTime(cmd.ExecutedAt)
	return &c
}

func cloneApproval(a *repository.Approval) *repository.Approval {
	c := *a
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
