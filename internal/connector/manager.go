package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/skua-data/skua/internal/domain"
)

// Manager caches one Connector per datasource, keyed by a fingerprint of the
// decrypted DSN. When a tenant rotates credentials the fingerprint changes,
// the stale pool is closed, and a fresh one replaces it. Each connector is
// wrapped in a circuit breaker so a dead tenant database sheds load fast
// instead of burning every runner slot on connect timeouts.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[uuid.UUID]*entry
}

type entry struct {
	fingerprint string
	conn        Connector
	breaker     *gobreaker.CircuitBreaker
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "connector"),
		conns:  make(map[uuid.UUID]*entry),
	}
}

// Get returns the breaker-wrapped connector for ds, opening one if needed.
// dsn is the already-decrypted connection string.
func (m *Manager) Get(ds *domain.Datasource, dsn string) (Connector, error) {
	fp := fingerprint(dsn)

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.conns[ds.ID]; ok {
		if e.fingerprint == fp {
			return &breakered{inner: e.conn, breaker: e.breaker}, nil
		}
		// Credentials rotated: retire the stale pool.
		m.logger.Info("datasource credentials changed, replacing pool", "datasource_id", ds.ID)
		e.conn.Close()
		delete(m.conns, ds.ID)
	}

	conn, err := m.open(ds, dsn)
	if err != nil {
		return nil, err
	}

	e := &entry{
		fingerprint: fp,
		conn:        conn,
		breaker:     m.newBreaker(ds.ID),
	}
	m.conns[ds.ID] = e
	return &breakered{inner: e.conn, breaker: e.breaker}, nil
}

// Evict closes and forgets the connector for a datasource, e.g. after the
// datasource row is deleted.
func (m *Manager) Evict(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.conns[id]; ok {
		e.conn.Close()
		delete(m.conns, id)
	}
}

// Close releases every cached pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.conns {
		e.conn.Close()
		delete(m.conns, id)
	}
}

func (m *Manager) open(ds *domain.Datasource, dsn string) (Connector, error) {
	switch ds.Kind {
	case domain.DatasourcePostgres:
		return NewPostgres(dsn)
	default:
		return nil, domain.Ef(domain.ErrBadRequest, "unsupported datasource kind %q", ds.Kind)
	}
}

func (m *Manager) newBreaker(id uuid.UUID) *gobreaker.CircuitBreaker {
	logger := m.logger
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    id.String(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("datasource breaker state changed",
				"datasource_id", name, "from", from.String(), "to", to.String())
		},
	})
}

func fingerprint(dsn string) string {
	sum := sha256.Sum256([]byte(dsn))
	return hex.EncodeToString(sum[:])
}

// breakered routes Ping and Execute through the datasource's circuit breaker.
// Schema shares the breaker too: introspection hits the same database.
type breakered struct {
	inner   Connector
	breaker *gobreaker.CircuitBreaker
}

func (b *breakered) Ping(ctx context.Context) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.inner.Ping(ctx)
	})
	return translateBreaker(err)
}

func (b *breakered) Execute(ctx context.Context, sql string, args []any, maxRows int) (*Result, error) {
	// A deadline hit is the query's fault, not the database's; report it to
	// the caller but not to the breaker, so slow queries don't trip the
	// breaker for the whole datasource.
	var deadlineErr error
	res, err := b.breaker.Execute(func() (any, error) {
		r, err := b.inner.Execute(ctx, sql, args, maxRows)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			deadlineErr = err
			return nil, nil
		}
		return r, err
	})
	if deadlineErr != nil {
		return nil, deadlineErr
	}
	if err != nil {
		return nil, translateBreaker(err)
	}
	return res.(*Result), nil
}

func (b *breakered) Schema(ctx context.Context) ([]Table, error) {
	res, err := b.breaker.Execute(func() (any, error) {
		return b.inner.Schema(ctx)
	})
	if err != nil {
		return nil, translateBreaker(err)
	}
	return res.([]Table), nil
}

func (b *breakered) Close() {
	// The Manager owns the underlying pool's lifecycle.
}

// translateBreaker maps open-breaker rejections to a connection error so the
// run fails with the same classification as a direct connect failure.
func translateBreaker(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Wrap(domain.ErrConnection, "datasource circuit breaker open", err)
	}
	return err
}
