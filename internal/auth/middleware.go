package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/domain"
)

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	UserID uuid.UUID
	OrgID  uuid.UUID
	Role   domain.Role
}

// Can reports whether the principal holds at least the given role.
func (p *Principal) Can(min domain.Role) bool {
	return p != nil && p.Role.AtLeast(min)
}

type contextKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom extracts the principal set by the authentication middleware.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// ExtractBearer pulls the token from "Authorization: Bearer <token>".
// Returns "" when the header is missing or not bearer-shaped.
func ExtractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}
