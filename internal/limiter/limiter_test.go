package limiter

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireOrgLimit(t *testing.T) {
	l := New(2, 100)
	org := uuid.New()

	g1, err := l.Acquire(org)
	require.NoError(t, err)
	g2, err := l.Acquire(org)
	require.NoError(t, err)

	_, err = l.Acquire(org)
	assert.ErrorIs(t, err, ErrOrgLimit)

	// Another org is unaffected by the first org's ceiling.
	other, err := l.Acquire(uuid.New())
	require.NoError(t, err)

	g1.Release()
	g3, err := l.Acquire(org)
	require.NoError(t, err)

	g2.Release()
	g3.Release()
	other.Release()
	assert.Zero(t, l.InFlight())
}

func TestAcquireGlobalLimit(t *testing.T) {
	l := New(10, 3)

	var guards []*Guard
	for i := 0; i < 3; i++ {
		g, err := l.Acquire(uuid.New())
		require.NoError(t, err)
		guards = append(guards, g)
	}

	_, err := l.Acquire(uuid.New())
	assert.ErrorIs(t, err, ErrGlobalLimit)

	guards[0].Release()
	g, err := l.Acquire(uuid.New())
	require.NoError(t, err)
	g.Release()
	for _, g := range guards[1:] {
		g.Release()
	}
}

func TestGlobalCheckedBeforeOrg(t *testing.T) {
	l := New(1, 1)
	org := uuid.New()

	g, err := l.Acquire(org)
	require.NoError(t, err)

	// Same org over both ceilings: the global one is reported.
	_, err = l.Acquire(org)
	assert.ErrorIs(t, err, ErrGlobalLimit)
	g.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	l := New(1, 1)
	org := uuid.New()

	g, err := l.Acquire(org)
	require.NoError(t, err)

	g.Release()
	g.Release()
	g.Release()

	assert.Zero(t, l.InFlight())
	assert.Zero(t, l.InFlightOrg(org))

	// Double release must not have freed a second phantom slot.
	g2, err := l.Acquire(org)
	require.NoError(t, err)
	_, err = l.Acquire(org)
	assert.Error(t, err)
	g2.Release()
}

func TestAcquireRejectionChangesNothing(t *testing.T) {
	l := New(1, 2)
	org := uuid.New()

	g, err := l.Acquire(org)
	require.NoError(t, err)

	_, err = l.Acquire(org)
	require.ErrorIs(t, err, ErrOrgLimit)

	// The rejected acquire must not have consumed global capacity.
	assert.Equal(t, 1, l.InFlight())
	other, err := l.Acquire(uuid.New())
	require.NoError(t, err)

	g.Release()
	other.Release()
}

func TestConcurrentAcquireNeverExceedsCeilings(t *testing.T) {
	const (
		workers     = 64
		globalLimit = 8
	)
	l := New(4, globalLimit)
	orgs := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var (
		mu      sync.Mutex
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := l.Acquire(orgs[i%len(orgs)])
			if err != nil {
				return
			}
			cur := l.InFlight()
			mu.Lock()
			if cur > maxSeen {
				maxSeen = cur
			}
			mu.Unlock()
			g.Release()
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen, globalLimit)
	assert.Zero(t, l.InFlight())
}
