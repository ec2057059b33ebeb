package api

import (
	"net/http"

	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/domain"
)

// CreateUserRequest is the JSON body for POST /api/v1/users.
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=1,max=128"`
	Role     string `json:"role" validate:"required,oneof=viewer editor admin"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// UpdateUserRequest is the JSON body for PUT /api/v1/users/{id}.
type UpdateUserRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
	Role string `json:"role" validate:"required,oneof=viewer editor admin"`
}

// HandleListUsers returns the organization's users.
func (s *Server) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.ListUsers(r.Context(), principal(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

// HandleCreateUser adds a user to the caller's organization.
func (s *Server) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
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

	user := &domain.User{
		OrgID:        principal(r).OrgID,
		Email:        req.Email,
		Name:         req.Name,
		Role:         domain.Role(req.Role),
		PasswordHash: hash,
	}
	if err := s.Users.CreateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleUpdateUser changes a user's name or role.
func (s *Server) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	p := principal(r)
	user, err := s.Users.GetUser(r.Context(), p.OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// An admin demoting themselves could lock the org out of administration.
	if user.ID == p.UserID && domain.Role(req.Role) != domain.RoleAdmin {
		writeError(w, r, domain.E(domain.ErrConflict, "cannot change your own role"))
		return
	}

	user.Name = req.Name
	user.Role = domain.Role(req.Role)
	if err := s.Users.UpdateUser(r.Context(), user); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleDeleteUser removes a user. Self-deletion is refused.
func (s *Server) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := principal(r)
	if id == p.UserID {
		writeError(w, r, domain.E(domain.ErrConflict, "cannot delete your own account"))
		return
	}
	if err := s.Users.DeleteUser(r.Context(), p.OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
