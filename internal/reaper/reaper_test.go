package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeStore struct {
	mu           sync.Mutex
	orphans      int
	expired      int
	orphanErr    error
	expiredErr   error
	orphanCalls  int
	expiredCalls int
	lastGrace    time.Duration
}

func (f *fakeStore) SweepOrphans(_ context.Context, grace time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphanCalls++
	f.lastGrace = grace
	return f.orphans, f.orphanErr
}

func (f *fakeStore) DeleteExpiredResults(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredCalls++
	return f.expired, f.expiredErr
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestReaper(store Store) *Reaper {
	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	return New(store, nil, logger, time.Second)
}

func TestTickRunsBothSweeps(t *testing.T) {
	store := &fakeStore{orphans: 2, expired: 5}
	newTestReaper(store).Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.orphanCalls)
	assert.Equal(t, 1, store.expiredCalls)
	assert.Equal(t, OrphanGrace, store.lastGrace)
}

func TestTickIsolatesFailures(t *testing.T) {
	store := &fakeStore{orphanErr: errors.New("connection reset")}
	newTestReaper(store).Tick(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 1, store.expiredCalls, "second sweep must run despite first failing")
}

func TestStartStopLifecycle(t *testing.T) {
	store := &fakeStore{}
	r := newTestReaper(store)
	r.Start(context.Background())
	r.Stop()
}
