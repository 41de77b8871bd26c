package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/platform/logger"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

// DefaultCredits is the balance new users start with.
const DefaultCredits = 100

// UserService manages operators and resolves API keys.
type UserService struct {
	store repository.Store
	audit *auditor
	log   *logger.Logger
}

// NewUserService creates a new UserService.
func NewUserService(store repository.Store, log *logger.Logger) *UserService {
	return &UserService{
		store: store,
		audit: &auditor{sink: store, log: log},
		log:   log,
	}
}

// CreateUserRequest holds the fields for a new user. Zero values take the
// defaults: role member, seniority mid, DefaultCredits.
type CreateUserRequest struct {
	Name      string               `json:"name"`
	Role      repository.Role      `json:"role"`
	Seniority repository.Seniority `json:"seniority"`
	Credits   *int                 `json:"credits,omitempty"`
}

// Create stores a new user with a freshly generated API key.
func (s *UserService) Create(ctx context.Context, actorID string, req *CreateUserRequest) (*repository.User, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "is required")
	}
	role := req.Role
	if role == "" {
		role = repository.RoleMember
	}
	if !role.Valid() {
		return nil, errors.InvalidInput("role", "must be admin, approver or member")
	}
	seniority := req.Seniority
	if seniority == "" {
		seniority = repository.SeniorityMid
	}
	if !seniority.Valid() {
		return nil, errors.InvalidInput("seniority", "must be junior, mid, senior or lead")
	}
	credits := DefaultCredits
	if req.Credits != nil {
		if *req.Credits < 0 {
			return nil, errors.InvalidInput("credits", "must not be negative")
		}
		credits = *req.Credits
	}

	user := &repository.User{
		Name:      name,
		APIKey:    newAPIKey(),
		Role:      role,
		Seniority: seniority,
		Credits:   credits,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.audit.append(ctx, EventUserCreated, actorID, map[string]any{
		"user_id":   user.ID,
		"name":      user.Name,
		"role":      user.Role,
		"seniority": user.Seniority,
	})

	s.log.Info().
		Str("user_id", user.ID).
		Str("role", string(user.Role)).
		Msg("User created")

	return user, nil
}

// EnsureAdmin returns an existing admin, or creates one named name when there
// is none. created reports whether a new admin (and API key) was issued.
func (s *UserService) EnsureAdmin(ctx context.Context, name string) (user *repository.User, created bool, err error) {
	admins, err := s.store.ListUsersByRole(ctx, repository.RoleAdmin)
	if err != nil {
		return nil, false, err
	}
	if len(admins) > 0 {
		return admins[0], false, nil
	}

	user, err = s.Create(ctx, "", &CreateUserRequest{
		Name:      name,
		Role:      repository.RoleAdmin,
		Seniority: repository.SeniorityLead,
	})
	if err != nil {
		return nil, false, err
	}
	return user, true, nil
}

// Authenticate resolves an API key to its user.
func (s *UserService) Authenticate(ctx context.Context, apiKey string) (*repository.User, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New(errors.ErrCodeUnauthorized, "missing API key")
	}
	user, err := s.store.GetUserByAPIKey(ctx, apiKey)
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "invalid API key")
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// newAPIKey returns an opaque key with 122 bits of randomness.
func newAPIKey() string {
	return "gw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
