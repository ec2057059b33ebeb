package api_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/api"
	"github.com/skua-data/skua/internal/domain"
)

func TestRegisterCreatesOrgAndAdmin(t *testing.T) {
	env := newTestEnv(t)

	token, user := env.register(t, "acme")
	require.NotEmpty(t, token)
	assert.Equal(t, domain.RoleAdmin, user.Role)
	assert.Equal(t, "admin@acme.test", user.Email)

	// The token works against an authenticated endpoint.
	var body map[string]any
	status := env.do(t, http.MethodGet, "/api/v1/users", token, nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
}

func TestRegisterDuplicateSlugConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "acme")

	var body map[string]any
	status := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"org_name": "Acme Again",
		"org_slug": "acme",
		"email":    "other@acme.test",
		"name":     "Other",
		"password": "hunter2hunter2",
	}, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", errType(t, body))
}

func TestRegisterValidatesBody(t *testing.T) {
	env := newTestEnv(t)

	var body map[string]any
	status := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"org_name": "Acme",
		"org_slug": "acme",
		"email":    "not-an-email",
		"name":     "Admin",
		"password": "short",
	}, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errType(t, body))
}

func TestLoginRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "acme")

	var resp api.LoginResponse
	status := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    "admin@acme.test",
		"password": "hunter2hunter2",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "admin@acme.test", resp.User.Email)
}

func TestLoginWrongPasswordAndUnknownEmailLookTheSame(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "acme")

	var wrongPw, unknown map[string]any
	s1 := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    "admin@acme.test",
		"password": "wrong-password",
	}, &wrongPw)
	s2 := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    "nobody@acme.test",
		"password": "wrong-password",
	}, &unknown)

	assert.Equal(t, http.StatusUnauthorized, s1)
	assert.Equal(t, http.StatusUnauthorized, s2)
	assert.Equal(t, wrongPw["error"], unknown["error"])
}

func TestLoginAmbiguousEmailNeedsOrgSlug(t *testing.T) {
	env := newTestEnv(t)
	_, orgA := env.register(t, "org-a")
	_, orgB := env.register(t, "org-b")

	// Same email in both orgs.
	shared := "shared@example.test"
	env.seedUser(t, orgA.OrgID, shared)
	env.seedUser(t, orgB.OrgID, shared)

	var ambiguous map[string]any
	status := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    shared,
		"password": "hunter2hunter2",
	}, &ambiguous)
	assert.Equal(t, http.StatusBadRequest, status)

	var resp api.LoginResponse
	status = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
		"email":    shared,
		"password": "hunter2hunter2",
		"org_slug": "org-b",
	}, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, orgB.OrgID, resp.User.OrgID)
}

func TestPasswordHashNeverSerialized(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.register(t, "acme")

	var body map[string]any
	status := env.do(t, http.MethodGet, "/api/v1/users", token, nil, &body)
	require.Equal(t, http.StatusOK, status)
	users := body["users"].([]any)
	require.Len(t, users, 1)
	u := users[0].(map[string]any)
	_, leaked := u["password_hash"]
	assert.False(t, leaked)
}
