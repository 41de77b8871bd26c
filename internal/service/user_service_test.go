package service

import (
	"context"
	"strings"
	"testing"

	"github.com/pesio-ai/be-command-gateway/internal/platform/errors"
	"github.com/pesio-ai/be-command-gateway/internal/repository"
)

func TestCreateUserDefaults(t *testing.T) {
	f := newFixture(t)
	u, err := f.users.Create(context.Background(), "", &CreateUserRequest{Name: "  dev  "})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if u.Name != "dev" || u.Role != repository.RoleMember || u.Seniority != repository.SeniorityMid {
		t.Fatalf("user = %+v, want member/mid named dev", u)
	}
	if u.Credits != DefaultCredits {
		t.Fatalf("credits = %d, want %d", u.Credits, DefaultCredits)
	}
	if !strings.HasPrefix(u.APIKey, "gw_") || len(u.APIKey) != 35 {
		t.Fatalf("api key = %q", u.APIKey)
	}
	if got := f.eventCount(t, EventUserCreated); got != 1 {
		t.Fatalf("USER_CREATED events = %d, want 1", got)
	}
}

func TestCreateUserValidation(t *testing.T) {
	negative := -1
	tests := []struct {
		name string
		req  CreateUserRequest
	}{
		{"missing name", CreateUserRequest{}},
		{"bad role", CreateUserRequest{Name: "x", Role: "owner"}},
		{"bad seniority", CreateUserRequest{Name: "x", Seniority: "intern"}},
		{"negative credits", CreateUserRequest{Name: "x", Credits: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.users.Create(context.Background(), "", &tt.req); !errors.IsCode(err, errors.ErrCodeInvalidInput) {
				t.Fatalf("Create err = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin, created, err := f.users.EnsureAdmin(ctx, "admin")
	if err != nil || !created {
		t.Fatalf("EnsureAdmin = %v, %v; want created", created, err)
	}
	if admin.Role != repository.RoleAdmin || admin.Seniority != repository.SeniorityLead {
		t.Fatalf("admin = %+v", admin)
	}

	again, created, err := f.users.EnsureAdmin(ctx, "admin")
	if err != nil || created {
		t.Fatalf("second EnsureAdmin = %v, %v; want existing", created, err)
	}
	if again.ID != admin.ID {
		t.Fatalf("admin id = %s, want %s", again.ID, admin.ID)
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dev", repository.RoleMember, 1)

	got, err := f.users.Authenticate(ctx, u.APIKey)
	if err != nil || got.ID != u.ID {
		t.Fatalf("Authenticate = %v, %v", got, err)
	}
	for _, key := range []string{"", "gw_nope"} {
		if _, err := f.users.Authenticate(ctx, key); !errors.IsCode(err, errors.ErrCodeUnauthorized) {
			t.Fatalf("Authenticate(%q) err = %v, want UNAUTHORIZED", key, err)
		}
	}
}
