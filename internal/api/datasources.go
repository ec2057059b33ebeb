package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/skua-data/skua/internal/connector"
	"github.com/skua-data/skua/internal/domain"
)

// DatasourceStore defines the persistence interface for datasources.
type DatasourceStore interface {
	CreateDatasource(ctx context.Context, ds *domain.Datasource) error
	GetDatasource(ctx context.Context, orgID, id uuid.UUID) (*domain.Datasource, error)
	ListDatasources(ctx context.Context, orgID uuid.UUID) ([]domain.Datasource, error)
	UpdateDatasource(ctx context.Context, ds *domain.Datasource) error
	DeleteDatasource(ctx context.Context, orgID, id uuid.UUID) error
}

// CreateDatasourceRequest is the JSON body for POST /api/v1/datasources.
type CreateDatasourceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
	Kind string `json:"kind" validate:"required,oneof=postgres"`
	DSN  string `json:"dsn" validate:"required,min=1"`
}

// UpdateDatasourceRequest is the JSON body for PUT /api/v1/datasources/{id}.
// A blank DSN keeps the stored credentials.
type UpdateDatasourceRequest struct {
	Name string `json:"name" validate:"required,min=1,max=128"`
	DSN  string `json:"dsn"`
}

// HandleListDatasources returns the org's datasources. Credentials never
// appear in responses; EncryptedDSN is json:"-" on the domain type.
func (s *Server) HandleListDatasources(w http.ResponseWriter, r *http.Request) {
	list, err := s.Datasources.ListDatasources(r.Context(), principal(r).OrgID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasources": list, "total": len(list)})
}

// HandleGetDatasource returns one datasource, without credentials.
func (s *Server) HandleGetDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "datasourceID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := s.Datasources.GetDatasource(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// HandleCreateDatasource registers a tenant database. The DSN is sealed
// before it reaches the store.
func (s *Server) HandleCreateDatasource(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	sealed, err := s.Sealer.Encrypt(req.DSN)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ds := &domain.Datasource{
		OrgID:        principal(r).OrgID,
		Name:         req.Name,
		Kind:         domain.DatasourceKind(req.Kind),
		EncryptedDSN: sealed,
	}
	if err := s.Datasources.CreateDatasource(r.Context(), ds); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

// HandleUpdateDatasource renames a datasource and optionally rotates its
// credentials. Blank DSN keeps the existing sealed value.
func (s *Server) HandleUpdateDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "datasourceID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req UpdateDatasourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	ds, err := s.Datasources.GetDatasource(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ds.Name = req.Name
	if req.DSN != "" {
		sealed, err := s.Sealer.Encrypt(req.DSN)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ds.EncryptedDSN = sealed
		if s.SchemaCache != nil {
			s.SchemaCache.Delete(ds.ID)
		}
	}
	if err := s.Datasources.UpdateDatasource(r.Context(), ds); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// HandleDeleteDatasource removes a datasource; queries referencing it block
// the delete with a conflict. The live pool is evicted on success.
func (s *Server) HandleDeleteDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "datasourceID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Datasources.DeleteDatasource(r.Context(), principal(r).OrgID, id); err != nil {
		writeError(w, r, err)
		return
	}
	if s.Connectors != nil {
		s.Connectors.Evict(id)
	}
	if s.SchemaCache != nil {
		s.SchemaCache.Delete(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTestDatasource runs a live connectivity check against the stored
// credentials.
func (s *Server) HandleTestDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "datasourceID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, _, err := s.tenantConn(r.Context(), principal(r).OrgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := conn.Ping(r.Context()); err != nil {
		writeError(w, r, domain.Wrap(domain.ErrConnection, "datasource unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleDatasourceSchema returns introspected tables and columns, cached for
// a minute per datasource.
func (s *Server) HandleDatasourceSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "datasourceID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	orgID := principal(r).OrgID

	// The cache is keyed by datasource id alone, so confirm org ownership
	// before consulting it.
	ds, err := s.Datasources.GetDatasource(r.Context(), orgID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if s.SchemaCache != nil {
		if tables, ok := s.SchemaCache.Get(ds.ID); ok {
			writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
			return
		}
	}

	conn, err := s.openConn(ds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tables, err := conn.Schema(r.Context())
	if err != nil {
		writeError(w, r, domain.Wrap(domain.ErrConnection, "schema introspection failed", err))
		return
	}
	if s.SchemaCache != nil {
		s.SchemaCache.Set(ds.ID, tables)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// tenantConn loads a datasource and opens its breaker-wrapped connection.
func (s *Server) tenantConn(ctx context.Context, orgID, id uuid.UUID) (connector.Connector, *domain.Datasource, error) {
	ds, err := s.Datasources.GetDatasource(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.openConn(ds)
	if err != nil {
		return nil, nil, err
	}
	return conn, ds, nil
}

func (s *Server) openConn(ds *domain.Datasource) (connector.Connector, error) {
	dsn, err := s.Sealer.Decrypt(ds.EncryptedDSN)
	if err != nil {
		return nil, domain.Wrap(domain.ErrInternal, "unseal datasource credentials", err)
	}
	conn, err := s.Connectors.Get(ds, dsn)
	if err != nil {
		return nil, domain.Wrap(domain.ErrConnection, "connect to datasource", err)
	}
	return conn, nil
}
