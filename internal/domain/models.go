// Package domain defines the core business types shared across the skua
// processes (API server, scheduler, runner). These types represent the
// platform's data model — not HTTP specifics.
//
// Domain types carry json tags because they are directly serialized in API
// responses. When the API shape diverges from the domain type (computed
// fields, omitted internal fields), the api package defines a response struct
// instead. Internal-only fields are tagged `json:"-"` to prevent accidental
// exposure (Datasource.EncryptedDSN, User.PasswordHash).
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is a user's permission level within an organization.
// Ordering matters: viewer < editor < admin.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// ValidRole checks if a role is one of the known values.
func ValidRole(r Role) bool {
	switch r {
	case RoleViewer, RoleEditor, RoleAdmin:
		return true
	}
	return false
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank(r) >= roleRank(min)
}

func roleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// Organization is the tenancy boundary. Every other entity hangs off an org,
// and every store read/write is scoped by org ID.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a member of an organization.
type User struct {
	ID           uuid.UUID `json:"id"`
	OrgID        uuid.UUID `json:"org_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DatasourceKind identifies the driver used to talk to a tenant database.
type DatasourceKind string

const (
	DatasourcePostgres DatasourceKind = "postgres"
)

// ValidDatasourceKind checks if a kind is supported.
func ValidDatasourceKind(k DatasourceKind) bool {
	return k == DatasourcePostgres
}

// Datasource is a tenant-owned database connection. The DSN is sealed with
// AES-256-GCM before it touches the metadata store and is never serialized.
type Datasource struct {
	ID           uuid.UUID      `json:"id"`
	OrgID        uuid.UUID      `json:"org_id"`
	Name         string         `json:"name"`
	Kind         DatasourceKind `json:"kind"`
	EncryptedDSN string         `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ParamType enumerates the declared types a query parameter can take.
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamNumber   ParamType = "number"
	ParamInteger  ParamType = "integer"
	ParamBoolean  ParamType = "boolean"
	ParamDate     ParamType = "date"
	ParamDatetime ParamType = "datetime"
)

// ValidParamType checks if a parameter type is one of the known values.
func ValidParamType(t ParamType) bool {
	switch t {
	case ParamString, ParamNumber, ParamInteger, ParamBoolean, ParamDate, ParamDatetime:
		return true
	}
	return false
}

// ParamDef declares one named parameter in a query's parameter schema.
type ParamDef struct {
	Name     string          `json:"name"`
	Type     ParamType       `json:"type"`
	Required bool            `json:"required"`
	Default  json.RawMessage `json:"default,omitempty"`
}

// AdhocQueryName is the reserved sentinel name for hidden queries created by
// ad-hoc execution. Query listings exclude it.
const AdhocQueryName = "_adhoc"

// Query is a saved SQL statement with a declared parameter schema.
type Query struct {
	ID             uuid.UUID  `json:"id"`
	OrgID          uuid.UUID  `json:"org_id"`
	DatasourceID   uuid.UUID  `json:"datasource_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	SQL            string     `json:"sql"`
	Parameters     []ParamDef `json:"parameters"`
	Tags           []string   `json:"tags"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	MaxRows        int        `json:"max_rows"`
	CreatedBy      *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsAdhoc reports whether this is a hidden query backing an ad-hoc run.
func (q *Query) IsAdhoc() bool {
	return q.Name == AdhocQueryName
}

// RunStatus represents the state of a run.
//
// Transitions: queued → running → {completed, failed, timeout};
// queued/running → cancelled (user). Terminal statuses are immutable —
// every transition is a conditional UPDATE and losing the race is a no-op.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimeout   RunStatus = "timeout"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	}
	return false
}

// ValidRunStatus checks if a status is one of the known values.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusCancelled, RunStatusTimeout:
		return true
	}
	return false
}

// TypedValue is one bound parameter value as stored on a run: the declared
// type plus the coerced JSON value. The runner materializes driver values
// from this array without re-consulting the query's parameter schema.
type TypedValue struct {
	Type  ParamType       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Run is a single execution of a query. ExecutedSQL is frozen at enqueue
// time with named placeholders already rewritten to positional $k form;
// Parameters carries the matching typed values in positional order.
type Run struct {
	ID             uuid.UUID    `json:"id"`
	OrgID          uuid.UUID    `json:"org_id"`
	QueryID        uuid.UUID    `json:"query_id"`
	DatasourceID   uuid.UUID    `json:"datasource_id"`
	Status         RunStatus    `json:"status"`
	ExecutedSQL    string       `json:"executed_sql"`
	Parameters     []TypedValue `json:"parameters"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	MaxRows        int          `json:"max_rows"`
	ErrorMessage   *string      `json:"error_message,omitempty"`
	RunnerID       *string      `json:"runner_id,omitempty"`
	ScheduledBy    *uuid.UUID   `json:"scheduled_by,omitempty"`
	CreatedBy      *uuid.UUID   `json:"created_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// ResultColumn describes one column of a run result.
type ResultColumn struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

// RunResult is the row payload of a completed run. Inserted in the same
// transaction that marks the run completed; deleted after ExpiresAt.
type RunResult struct {
	RunID     uuid.UUID       `json:"run_id"`
	OrgID     uuid.UUID       `json:"org_id"`
	Columns   []ResultColumn  `json:"columns"`
	Rows      json.RawMessage `json:"rows"` // JSON array of arrays
	RowCount  int             `json:"row_count"`
	ByteSize  int             `json:"byte_size"`
	RuntimeMS int64           `json:"runtime_ms"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// ResultRetention is how long run results are kept before the retention
// sweep deletes them. The run row itself is kept.
const ResultRetention = 7 * 24 * time.Hour

// Schedule fires a saved query on a cron expression. Parameters is the
// name→value object bound against the query's schema at fire time.
// NextRunAt is non-nil iff the schedule is enabled.
type Schedule struct {
	ID             uuid.UUID       `json:"id"`
	OrgID          uuid.UUID       `json:"org_id"`
	QueryID        uuid.UUID       `json:"query_id"`
	CronExpression string          `json:"cron_expression"`
	Parameters     json.RawMessage `json:"parameters"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedBy      *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// VisualizationKind enumerates the supported chart types.
type VisualizationKind string

const (
	VizTable   VisualizationKind = "table"
	VizLine    VisualizationKind = "line"
	VizBar     VisualizationKind = "bar"
	VizPie     VisualizationKind = "pie"
	VizCounter VisualizationKind = "counter"
	VizScatter VisualizationKind = "scatter"
)

// ValidVisualizationKind checks if a kind is one of the known values.
func ValidVisualizationKind(k VisualizationKind) bool {
	switch k {
	case VizTable, VizLine, VizBar, VizPie, VizCounter, VizScatter:
		return true
	}
	return false
}

// Visualization renders a query's result as a chart.
type Visualization struct {
	ID        uuid.UUID         `json:"id"`
	OrgID     uuid.UUID         `json:"org_id"`
	QueryID   uuid.UUID         `json:"query_id"`
	Name      string            `json:"name"`
	Kind      VisualizationKind `json:"kind"`
	Options   json.RawMessage   `json:"options,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Dashboard is a named grid of tiles.
type Dashboard struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TilePosition is a tile's grid placement.
type TilePosition struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// DashboardTile places a visualization on a dashboard.
type DashboardTile struct {
	ID              uuid.UUID    `json:"id"`
	OrgID           uuid.UUID    `json:"org_id"`
	DashboardID     uuid.UUID    `json:"dashboard_id"`
	VisualizationID uuid.UUID    `json:"visualization_id"`
	Position        TilePosition `json:"position"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Canvas is a freeform node/edge layout of visualizations and text blocks.
// Writes require at least the editor role.
type Canvas struct {
	ID        uuid.UUID       `json:"id"`
	OrgID     uuid.UUID       `json:"org_id"`
	Name      string          `json:"name"`
	Nodes     json.RawMessage `json:"nodes"`
	Edges     json.RawMessage `json:"edges"`
	CreatedBy *uuid.UUID      `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
