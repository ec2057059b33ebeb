// Package api provides the HTTP API for skuad. All resource endpoints are
// mounted under /api/v1 and scoped to the caller's organization; /health*
// and /metrics are unauthenticated.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/skua-data/skua/internal/auth"
	"github.com/skua-data/skua/internal/cache"
	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/crypto"
	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/metrics"
	"github.com/skua-data/skua/internal/ratelimit"
	"github.com/skua-data/skua/internal/sqlguard"
)

// ConnectorProvider vends live tenant connections for datasource test and
// schema endpoints. Implemented by connector.Manager.
type ConnectorProvider interface {
	Get(ds *domain.Datasource, dsn string) (connector.Connector, error)
	Evict(id uuid.UUID)
}

// Server holds dependencies for all API handlers.
type Server struct {
	Orgs           OrgStore
	Users          UserStore
	Datasources    DatasourceStore
	Queries        QueryStore
	Runs           RunStore
	Schedules      ScheduleStore
	Visualizations VisualizationStore
	Dashboards     DashboardStore
	Canvases       CanvasStore

	Tokens     *auth.TokenManager
	Sealer     *crypto.Sealer
	SQLGuard   *sqlguard.Validator
	Connectors ConnectorProvider

	// Results caches completed run results in Redis; nil disables caching.
	Results *cache.ResultCache
	// SchemaCache holds datasource schema snapshots; nil disables caching.
	SchemaCache *cache.Cache[uuid.UUID, []connector.Table]

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // /metrics source; nil falls back to the default
	Tracer   trace.Tracer        // nil uses the global provider (no-op unless configured)

	// RateLimit throttles /api/v1 per client IP; nil disables throttling.
	RateLimit *ratelimit.Limiter

	DBHealth    HealthChecker
	CacheHealth HealthChecker // nil when the result cache is disabled

	CORSOrigins []string // defaults to ["http://localhost:3000"]
}

// NewRouter creates a configured chi router with all API routes mounted.
//
// Middleware order: CORS (must see preflight first), security headers,
// request id, real IP, request logger, recoverer, metrics, tracing. Auth and
// role gates apply per route group under /api/v1.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if srv.Metrics != nil {
		r.Use(metricsMiddleware(srv.Metrics))
	}
	tracer := srv.Tracer
	if tracer == nil {
		tracer = otel.Tracer("skuad")
	}
	r.Use(tracingMiddleware(tracer))

	// Health & metrics (unauthenticated, outside /api/v1).
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	gatherer := srv.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			r.Use(rateLimitMiddleware(srv.RateLimit))
		}

		// Unauthenticated: registration and login.
		r.Post("/auth/register", srv.HandleRegister)
		r.Post("/auth/login", srv.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(srv.Tokens))

			// Admin-only surface.
			r.Group(func(r chi.Router) {
				r.Use(requireRole(domain.RoleAdmin))
				r.Get("/users", srv.HandleListUsers)
				r.Post("/users", srv.HandleCreateUser)
				r.Put("/users/{userID}", srv.HandleUpdateUser)
				r.Delete("/users/{userID}", srv.HandleDeleteUser)

				r.Post("/datasources", srv.HandleCreateDatasource)
				r.Put("/datasources/{datasourceID}", srv.HandleUpdateDatasource)
				r.Delete("/datasources/{datasourceID}", srv.HandleDeleteDatasource)
				r.Post("/datasources/{datasourceID}/test", srv.HandleTestDatasource)
			})

			// Editor-and-up surface.
			r.Group(func(r chi.Router) {
				r.Use(requireRole(domain.RoleEditor))
				r.Post("/queries", srv.HandleCreateQuery)
				r.Put("/queries/{queryID}", srv.HandleUpdateQuery)
				r.Delete("/queries/{queryID}", srv.HandleDeleteQuery)
				r.Get("/queries/export", srv.HandleExportQueries)
				r.Post("/queries/import", srv.HandleImportQueries)

				r.Post("/runs/execute", srv.HandleExecuteAdhoc)

				r.Post("/schedules", srv.HandleCreateSchedule)
				r.Put("/schedules/{scheduleID}", srv.HandleUpdateSchedule)
				r.Delete("/schedules/{scheduleID}", srv.HandleDeleteSchedule)
				r.Post("/schedules/{scheduleID}/enable", srv.HandleEnableSchedule)
				r.Post("/schedules/{scheduleID}/disable", srv.HandleDisableSchedule)

				r.Post("/visualizations", srv.HandleCreateVisualization)
				r.Put("/visualizations/{visualizationID}", srv.HandleUpdateVisualization)
				r.Delete("/visualizations/{visualizationID}", srv.HandleDeleteVisualization)

				r.Post("/dashboards", srv.HandleCreateDashboard)
				r.Put("/dashboards/{dashboardID}", srv.HandleUpdateDashboard)
				r.Delete("/dashboards/{dashboardID}", srv.HandleDeleteDashboard)
				r.Post("/dashboards/{dashboardID}/tiles", srv.HandleAddTile)
				r.Put("/dashboards/{dashboardID}/tiles/{tileID}", srv.HandleUpdateTile)
				r.Delete("/dashboards/{dashboardID}/tiles/{tileID}", srv.HandleDeleteTile)

				r.Post("/canvases", srv.HandleCreateCanvas)
				r.Put("/canvases/{canvasID}", srv.HandleUpdateCanvas)
				r.Delete("/canvases/{canvasID}", srv.HandleDeleteCanvas)
			})

			// Viewer-and-up surface.
			r.Get("/datasources", srv.HandleListDatasources)
			r.Get("/datasources/{datasourceID}", srv.HandleGetDatasource)
			r.Get("/datasources/{datasourceID}/schema", srv.HandleDatasourceSchema)

			r.Get("/queries", srv.HandleListQueries)
			r.Get("/queries/{queryID}", srv.HandleGetQuery)

			r.Post("/runs", srv.HandleCreateRun)
			r.Get("/runs", srv.HandleListRuns)
			r.Get("/runs/{runID}", srv.HandleGetRun)
			r.Get("/runs/{runID}/result", srv.HandleGetRunResult)
			r.Post("/runs/{runID}/cancel", srv.HandleCancelRun)

			r.Get("/schedules", srv.HandleListSchedules)
			r.Get("/schedules/{scheduleID}", srv.HandleGetSchedule)

			r.Get("/visualizations", srv.HandleListVisualizations)
			r.Get("/visualizations/{visualizationID}", srv.HandleGetVisualization)

			r.Get("/dashboards", srv.HandleListDashboards)
			r.Get("/dashboards/{dashboardID}", srv.HandleGetDashboard)

			r.Get("/canvases", srv.HandleListCanvases)
			r.Get("/canvases/{canvasID}", srv.HandleGetCanvas)
		})
	})

	return r
}

// pathUUID parses a UUID path parameter. A malformed id is reported as
// not_found rather than bad_request: the resource it names cannot exist.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.E(domain.ErrKindNotFound, "resource not found")
	}
	return id, nil
}
