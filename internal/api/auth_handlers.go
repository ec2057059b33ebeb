package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/domain"
)

// OrgStore defines the persistence interface for organizations.
type OrgStore interface {
	CreateOrgWithAdmin(ctx context.Context, org *domain.Organization, admin *domain.User) error
	GetOrg(ctx context.Context, id uuid.UUID) (*domain.Organization, error)
}

// UserStore defines the persistence interface for users.
type UserStore interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, orgID, id uuid.UUID) (*domain.User, error)
	// GetUserByEmail resolves a login email. orgSlug disambiguates when the
	// same email exists in more than one organization; empty means "any",
	// which is an error when ambiguous.
	GetUserByEmail(ctx context.Context, email, orgSlug string) (*domain.User, error)
	ListUsers(ctx context.Context, orgID uuid.UUID) ([]domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	DeleteUser(ctx context.Context, orgID, id uuid.UUID) error
}

// RegisterRequest is the JSON body for POST /api/v1/auth/register. It
// bootstraps an organization together with its first admin user.
type RegisterRequest struct {
	OrgName  string `json:"org_name" validate:"required,min=1,max=128"`
	OrgSlug  string `json:"org_slug" validate:"required,min=1,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// LoginRequest is the JSON body for POST /api/v1/auth/login. OrgSlug is only
// needed when the email exists in more than one organization.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	OrgSlug  string `json:"org_slug" validate:"omitempty,max=64"`
}

// LoginResponse is the JSON body returned by register and login.
type LoginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *domain.User `json:"user"`
}

// HandleRegister creates an organization with its first admin user and
// returns a token for it.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	org := &domain.Organization{Name: req.OrgName, Slug: req.OrgSlug}
	admin := &domain.User{Email: req.Email, Name: req.Name, PasswordHash: hash}
	if err := s.Orgs.CreateOrgWithAdmin(r.Context(), org, admin); err != nil {
		writeError(w, r, err)
		return
	}

	token, expiresAt, err := s.Tokens.Issue(admin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, LoginResponse{Token: token, ExpiresAt: expiresAt, User: admin})
}

// HandleLogin verifies credentials and returns a token. Unknown email and
// wrong password are indistinguishable to the caller.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	badCredentials := domain.E(domain.ErrUnauthorized, "invalid email or password")

	user, err := s.Users.GetUserByEmail(r.Context(), req.Email, req.OrgSlug)
	if err != nil {
		if domain.KindOf(err) == domain.ErrKindNotFound {
			err = badCredentials
		}
		writeError(w, r, err)
		return
	}

	ok, err := crypto.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, r, badCredentials)
		return
	}

	token, expiresAt, err := s.Tokens.Issue(user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt, User: user})
}
