package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/api"
	"github.com/skua-data/skua/internal/auth"
	"github.com/skua-data/skua/internal/cache"
	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/postgres"
	"github.com/skua-data/skua/internal/sqlguard"
)

// memDB is an in-memory stand-in for the Postgres stores, good enough to
// exercise handler logic, org scoping, and error mapping without a database.
type memDB struct {
	mu sync.Mutex

	orgs           map[uuid.UUID]*domain.Organization
	users          map[uuid.UUID]*domain.User
	datasources    map[uuid.UUID]*domain.Datasource
	queries        map[uuid.UUID]*domain.Query
	runs           map[uuid.UUID]*domain.Run
	results        map[uuid.UUID]*domain.RunResult
	schedules      map[uuid.UUID]*domain.Schedule
	visualizations map[uuid.UUID]*domain.Visualization
	dashboards     map[uuid.UUID]*domain.Dashboard
	tiles          map[uuid.UUID]*domain.DashboardTile
	canvases       map[uuid.UUID]*domain.Canvas
}

func newMemDB() *memDB {
	return &memDB{
		orgs:           map[uuid.UUID]*domain.Organization{},
		users:          map[uuid.UUID]*domain.User{},
		datasources:    map[uuid.UUID]*domain.Datasource{},
		queries:        map[uuid.UUID]*domain.Query{},
		runs:           map[uuid.UUID]*domain.Run{},
		results:        map[uuid.UUID]*domain.RunResult{},
		schedules:      map[uuid.UUID]*domain.Schedule{},
		visualizations: map[uuid.UUID]*domain.Visualization{},
		dashboards:     map[uuid.UUID]*domain.Dashboard{},
		tiles:          map[uuid.UUID]*domain.DashboardTile{},
		canvases:       map[uuid.UUID]*domain.Canvas{},
	}
}

func (db *memDB) CreateOrgWithAdmin(_ context.Context, org *domain.Organization, admin *domain.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, o := range db.orgs {
		if o.Slug == org.Slug {
			return domain.ErrAlreadyExists
		}
	}
	org.ID = uuid.New()
	org.CreatedAt = time.Now()
	db.orgs[org.ID] = org

	admin.ID = uuid.New()
	admin.OrgID = org.ID
	admin.Role = domain.RoleAdmin
	admin.CreatedAt = time.Now()
	db.users[admin.ID] = admin
	return nil
}

func (db *memDB) GetOrg(_ context.Context, id uuid.UUID) (*domain.Organization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	org, ok := db.orgs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return org, nil
}

func (db *memDB) CreateUser(_ context.Context, user *domain.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, u := range db.users {
		if u.OrgID == user.OrgID && u.Email == user.Email {
			return domain.ErrAlreadyExists
		}
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	db.users[user.ID] = user
	return nil
}

func (db *memDB) GetUser(_ context.Context, orgID, id uuid.UUID) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok || u.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (db *memDB) GetUserByEmail(_ context.Context, email, orgSlug string) (*domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var matches []*domain.User
	for _, u := range db.users {
		if u.Email != email {
			continue
		}
		if orgSlug != "" {
			org := db.orgs[u.OrgID]
			if org == nil || org.Slug != orgSlug {
				continue
			}
		}
		matches = append(matches, u)
	}
	switch len(matches) {
	case 0:
		return nil, domain.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, domain.E(domain.ErrBadRequest, "email exists in multiple organizations; supply org_slug")
	}
}

func (db *memDB) ListUsers(_ context.Context, orgID uuid.UUID) ([]domain.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.User
	for _, u := range db.users {
		if u.OrgID == orgID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (db *memDB) UpdateUser(_ context.Context, user *domain.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.users[user.ID]
	if !ok || existing.OrgID != user.OrgID {
		return domain.ErrNotFound
	}
	db.users[user.ID] = user
	return nil
}

func (db *memDB) DeleteUser(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	if !ok || u.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.users, id)
	return nil
}

func (db *memDB) CreateDatasource(_ context.Context, ds *domain.Datasource) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.datasources {
		if existing.OrgID == ds.OrgID && existing.Name == ds.Name {
			return domain.ErrAlreadyExists
		}
	}
	ds.ID = uuid.New()
	ds.CreatedAt = time.Now()
	db.datasources[ds.ID] = ds
	return nil
}

func (db *memDB) GetDatasource(_ context.Context, orgID, id uuid.UUID) (*domain.Datasource, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	ds, ok := db.datasources[id]
	if !ok || ds.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return ds, nil
}

func (db *memDB) ListDatasources(_ context.Context, orgID uuid.UUID) ([]domain.Datasource, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Datasource
	for _, ds := range db.datasources {
		if ds.OrgID == orgID {
			out = append(out, *ds)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (db *memDB) UpdateDatasource(_ context.Context, ds *domain.Datasource) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.datasources[ds.ID]
	if !ok || existing.OrgID != ds.OrgID {
		return domain.ErrNotFound
	}
	db.datasources[ds.ID] = ds
	return nil
}

func (db *memDB) DeleteDatasource(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ds, ok := db.datasources[id]
	if !ok || ds.OrgID != orgID {
		return domain.ErrNotFound
	}
	for _, q := range db.queries {
		if q.DatasourceID == id {
			return domain.E(domain.ErrConflict, "datasource is referenced by queries")
		}
	}
	delete(db.datasources, id)
	return nil
}

func (db *memDB) CreateQuery(_ context.Context, q *domain.Query) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	ds, ok := db.datasources[q.DatasourceID]
	if !ok || ds.OrgID != q.OrgID {
		return domain.ErrNotFound
	}
	q.ID = uuid.New()
	q.CreatedAt = time.Now()
	db.queries[q.ID] = q
	return nil
}

func (db *memDB) GetQuery(_ context.Context, orgID, id uuid.UUID) (*domain.Query, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	q, ok := db.queries[id]
	if !ok || q.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return q, nil
}

func (db *memDB) ListQueries(_ context.Context, orgID uuid.UUID, filter postgres.QueryFilter) ([]domain.Query, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Query
	for _, q := range db.queries {
		if q.OrgID != orgID || q.Name == domain.AdhocQueryName {
			continue
		}
		if filter.Tag != "" && !contains(q.Tags, filter.Tag) {
			continue
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (db *memDB) FindQueryByName(_ context.Context, orgID uuid.UUID, name string) (*domain.Query, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, q := range db.queries {
		if q.OrgID == orgID && q.Name == name {
			return q, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (db *memDB) UpdateQuery(_ context.Context, q *domain.Query) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.queries[q.ID]
	if !ok || existing.OrgID != q.OrgID {
		return domain.ErrNotFound
	}
	db.queries[q.ID] = q
	return nil
}

func (db *memDB) DeleteQuery(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	q, ok := db.queries[id]
	if !ok || q.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.queries, id)
	return nil
}

func (db *memDB) CreateRun(_ context.Context, run *domain.Run) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	run.ID = uuid.New()
	run.CreatedAt = time.Now()
	db.runs[run.ID] = run
	return nil
}

func (db *memDB) GetRun(_ context.Context, orgID, id uuid.UUID) (*domain.Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	run, ok := db.runs[id]
	if !ok || run.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return run, nil
}

func (db *memDB) ListRuns(_ context.Context, orgID uuid.UUID, filter postgres.RunFilter) ([]domain.Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Run
	for _, run := range db.runs {
		if run.OrgID != orgID {
			continue
		}
		if filter.QueryID != uuid.Nil && run.QueryID != filter.QueryID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (db *memDB) GetRunResult(_ context.Context, orgID, runID uuid.UUID) (*domain.RunResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	run, ok := db.runs[runID]
	if !ok || run.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	res, ok := db.results[runID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

func (db *memDB) CancelRun(_ context.Context, orgID, id uuid.UUID) (*domain.Run, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	run, ok := db.runs[id]
	if !ok || run.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	if run.Status != domain.RunStatusQueued && run.Status != domain.RunStatusRunning {
		return nil, domain.Ef(domain.ErrConflict, "run is already %s", run.Status)
	}
	run.Status = domain.RunStatusCancelled
	now := time.Now()
	run.FinishedAt = &now
	return run, nil
}

func (db *memDB) CreateSchedule(_ context.Context, sch *domain.Schedule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	sch.ID = uuid.New()
	sch.CreatedAt = time.Now()
	db.schedules[sch.ID] = sch
	return nil
}

func (db *memDB) GetSchedule(_ context.Context, orgID, id uuid.UUID) (*domain.Schedule, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sch, ok := db.schedules[id]
	if !ok || sch.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return sch, nil
}

func (db *memDB) ListSchedules(_ context.Context, orgID uuid.UUID) ([]domain.Schedule, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Schedule
	for _, sch := range db.schedules {
		if sch.OrgID == orgID {
			out = append(out, *sch)
		}
	}
	return out, nil
}

func (db *memDB) UpdateSchedule(_ context.Context, sch *domain.Schedule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.schedules[sch.ID]
	if !ok || existing.OrgID != sch.OrgID {
		return domain.ErrNotFound
	}
	db.schedules[sch.ID] = sch
	return nil
}

func (db *memDB) SetScheduleEnabled(_ context.Context, orgID, id uuid.UUID, enabled bool, nextRunAt *time.Time) (*domain.Schedule, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sch, ok := db.schedules[id]
	if !ok || sch.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	sch.Enabled = enabled
	sch.NextRunAt = nextRunAt
	return sch, nil
}

func (db *memDB) DeleteSchedule(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	sch, ok := db.schedules[id]
	if !ok || sch.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.schedules, id)
	return nil
}

func (db *memDB) CreateVisualization(_ context.Context, v *domain.Visualization) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v.ID = uuid.New()
	v.CreatedAt = time.Now()
	db.visualizations[v.ID] = v
	return nil
}

func (db *memDB) GetVisualization(_ context.Context, orgID, id uuid.UUID) (*domain.Visualization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.visualizations[id]
	if !ok || v.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (db *memDB) ListVisualizations(_ context.Context, orgID, queryID uuid.UUID) ([]domain.Visualization, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Visualization
	for _, v := range db.visualizations {
		if v.OrgID != orgID {
			continue
		}
		if queryID != uuid.Nil && v.QueryID != queryID {
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

func (db *memDB) UpdateVisualization(_ context.Context, v *domain.Visualization) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.visualizations[v.ID]
	if !ok || existing.OrgID != v.OrgID {
		return domain.ErrNotFound
	}
	db.visualizations[v.ID] = v
	return nil
}

func (db *memDB) DeleteVisualization(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.visualizations[id]
	if !ok || v.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.visualizations, id)
	for tileID, t := range db.tiles {
		if t.VisualizationID == id {
			delete(db.tiles, tileID)
		}
	}
	return nil
}

func (db *memDB) CreateDashboard(_ context.Context, d *domain.Dashboard) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, existing := range db.dashboards {
		if existing.OrgID == d.OrgID && existing.Slug == d.Slug {
			return domain.ErrAlreadyExists
		}
	}
	d.ID = uuid.New()
	d.CreatedAt = time.Now()
	db.dashboards[d.ID] = d
	return nil
}

func (db *memDB) GetDashboard(_ context.Context, orgID, id uuid.UUID) (*domain.Dashboard, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.dashboards[id]
	if !ok || d.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (db *memDB) ListDashboards(_ context.Context, orgID uuid.UUID) ([]domain.Dashboard, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Dashboard
	for _, d := range db.dashboards {
		if d.OrgID == orgID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (db *memDB) UpdateDashboard(_ context.Context, d *domain.Dashboard) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.dashboards[d.ID]
	if !ok || existing.OrgID != d.OrgID {
		return domain.ErrNotFound
	}
	db.dashboards[d.ID] = d
	return nil
}

func (db *memDB) DeleteDashboard(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.dashboards[id]
	if !ok || d.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.dashboards, id)
	for tileID, t := range db.tiles {
		if t.DashboardID == id {
			delete(db.tiles, tileID)
		}
	}
	return nil
}

func (db *memDB) AddTile(_ context.Context, t *domain.DashboardTile) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.dashboards[t.DashboardID]
	if !ok || d.OrgID != t.OrgID {
		return domain.ErrNotFound
	}
	v, ok := db.visualizations[t.VisualizationID]
	if !ok || v.OrgID != t.OrgID {
		return domain.ErrNotFound
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	db.tiles[t.ID] = t
	return nil
}

func (db *memDB) ListTiles(_ context.Context, orgID, dashboardID uuid.UUID) ([]domain.DashboardTile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.DashboardTile
	for _, t := range db.tiles {
		if t.OrgID == orgID && t.DashboardID == dashboardID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (db *memDB) UpdateTilePosition(_ context.Context, orgID, dashboardID, tileID uuid.UUID, position domain.TilePosition) (*domain.DashboardTile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tiles[tileID]
	if !ok || t.OrgID != orgID || t.DashboardID != dashboardID {
		return nil, domain.ErrNotFound
	}
	t.Position = position
	return t, nil
}

func (db *memDB) DeleteTile(_ context.Context, orgID, dashboardID, tileID uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tiles[tileID]
	if !ok || t.OrgID != orgID || t.DashboardID != dashboardID {
		return domain.ErrNotFound
	}
	delete(db.tiles, tileID)
	return nil
}

func (db *memDB) CreateCanvas(_ context.Context, c *domain.Canvas) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	db.canvases[c.ID] = c
	return nil
}

func (db *memDB) GetCanvas(_ context.Context, orgID, id uuid.UUID) (*domain.Canvas, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.canvases[id]
	if !ok || c.OrgID != orgID {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (db *memDB) ListCanvases(_ context.Context, orgID uuid.UUID) ([]domain.Canvas, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Canvas
	for _, c := range db.canvases {
		if c.OrgID == orgID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (db *memDB) UpdateCanvas(_ context.Context, c *domain.Canvas) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.canvases[c.ID]
	if !ok || existing.OrgID != c.OrgID {
		return domain.ErrNotFound
	}
	db.canvases[c.ID] = c
	return nil
}

func (db *memDB) DeleteCanvas(_ context.Context, orgID, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.canvases[id]
	if !ok || c.OrgID != orgID {
		return domain.ErrNotFound
	}
	delete(db.canvases, id)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fakeConnector is a canned tenant connection for datasource endpoints.
type fakeConnector struct {
	pingErr   error
	schemaErr error
	tables    []connector.Table
}

func (c *fakeConnector) Ping(context.Context) error { return c.pingErr }

func (c *fakeConnector) Execute(context.Context, string, []any, int) (*connector.Result, error) {
	return &connector.Result{}, nil
}

func (c *fakeConnector) Schema(context.Context) ([]connector.Table, error) {
	if c.schemaErr != nil {
		return nil, c.schemaErr
	}
	return c.tables, nil
}

func (c *fakeConnector) Close() {}

type fakeConnProvider struct {
	mu      sync.Mutex
	conn    *fakeConnector
	getErr  error
	evicted []uuid.UUID
}

func (p *fakeConnProvider) Get(*domain.Datasource, string) (connector.Connector, error) {
	if p.getErr != nil {
		return nil, p.getErr
	}
	return p.conn, nil
}

func (p *fakeConnProvider) Evict(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = append(p.evicted, id)
}

// testEnv wires a Server around the in-memory stores and serves it over
// httptest.
type testEnv struct {
	db     *memDB
	conns  *fakeConnProvider
	srv    *api.Server
	http   *httptest.Server
	tokens *auth.TokenManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tokens, err := auth.NewTokenManager("test-secret-do-not-use", time.Hour)
	require.NoError(t, err)

	key, err := crypto.ParseKey(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32)))
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key)
	require.NoError(t, err)

	db := newMemDB()
	conns := &fakeConnProvider{conn: &fakeConnector{
		tables: []connector.Table{{Name: "events", Columns: []connector.Column{{Name: "id", DataType: "bigint"}}}},
	}}

	srv := &api.Server{
		Orgs:           db,
		Users:          db,
		Datasources:    db,
		Queries:        db,
		Runs:           db,
		Schedules:      db,
		Visualizations: db,
		Dashboards:     db,
		Canvases:       db,
		Tokens:         tokens,
		Sealer:         sealer,
		SQLGuard:       sqlguard.New(nil),
		Connectors:     conns,
		SchemaCache:    cache.New[uuid.UUID, []connector.Table](cache.Options{}),
	}
	ts := httptest.NewServer(api.NewRouter(srv))
	t.Cleanup(ts.Close)

	return &testEnv{db: db, conns: conns, srv: srv, http: ts, tokens: tokens}
}

// register bootstraps an org with an admin and returns the admin's token and
// user.
func (e *testEnv) register(t *testing.T, slug string) (string, *domain.User) {
	t.Helper()
	var resp api.LoginResponse
	status := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"org_name": slug,
		"org_slug": slug,
		"email":    "admin@" + slug + ".test",
		"name":     "Admin",
		"password": "hunter2hunter2",
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Token)
	return resp.Token, resp.User
}

// tokenFor creates a user with the given role in the org and returns a token.
func (e *testEnv) tokenFor(t *testing.T, orgID uuid.UUID, role domain.Role) string {
	t.Helper()
	user := &domain.User{
		OrgID: orgID,
		Email: fmt.Sprintf("%s-%s@test", role, uuid.NewString()[:8]),
		Name:  string(role),
		Role:  role,
	}
	require.NoError(t, e.db.CreateUser(context.Background(), user))
	token, _, err := e.tokens.Issue(user)
	require.NoError(t, err)
	return token
}

// seedUser creates a viewer with password "hunter2hunter2" in the org.
func (e *testEnv) seedUser(t *testing.T, orgID uuid.UUID, email string) *domain.User {
	t.Helper()
	hash, err := crypto.HashPassword("hunter2hunter2")
	require.NoError(t, err)
	user := &domain.User{
		OrgID:        orgID,
		Email:        email,
		Name:         "Seeded",
		Role:         domain.RoleViewer,
		PasswordHash: hash,
	}
	require.NoError(t, e.db.CreateUser(context.Background(), user))
	return user
}

// do performs a JSON request and decodes the response into out (when non-nil),
// returning the status code.
func (e *testEnv) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode
}

// seedDatasource creates a sealed datasource directly in the fake store.
func (e *testEnv) seedDatasource(t *testing.T, orgID uuid.UUID, name string) *domain.Datasource {
	t.Helper()
	sealed, err := e.srv.Sealer.Encrypt("postgres://tenant:pw@db.internal:5432/app")
	require.NoError(t, err)
	ds := &domain.Datasource{
		OrgID:        orgID,
		Name:         name,
		Kind:         domain.DatasourcePostgres,
		EncryptedDSN: sealed,
	}
	require.NoError(t, e.db.CreateDatasource(context.Background(), ds))
	return ds
}

// seedQuery creates a saved query directly in the fake store.
func (e *testEnv) seedQuery(t *testing.T, orgID, dsID uuid.UUID, name string) *domain.Query {
	t.Helper()
	q := &domain.Query{
		OrgID:          orgID,
		DatasourceID:   dsID,
		Name:           name,
		SQL:            "SELECT id FROM events WHERE region = $region",
		Parameters:     []domain.ParamDef{{Name: "region", Type: domain.ParamString, Required: true}},
		Tags:           []string{},
		TimeoutSeconds: 30,
		MaxRows:        1000,
	}
	require.NoError(t, e.db.CreateQuery(context.Background(), q))
	return q
}

// errType extracts the error envelope type from a decoded response body.
func errType(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	typ, _ := e["type"].(string)
	return typ
}
