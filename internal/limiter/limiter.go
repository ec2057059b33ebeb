// Package limiter enforces execution admission caps inside a runner process:
// a per-organization ceiling and a process-wide global ceiling.
//
// Admission is checked after a run is claimed, not at submission. A rejected
// claim is returned to the queue rather than failed, so the caps shape
// concurrency without losing work. Counters live in process memory; each
// runner enforces its own slice of capacity independently.
package limiter

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrOrgLimit reports that the organization is already running at its
// concurrency ceiling.
var ErrOrgLimit = errors.New("organization concurrency limit reached")

// ErrGlobalLimit reports that the process is already running at its global
// concurrency ceiling.
var ErrGlobalLimit = errors.New("global concurrency limit reached")

// Limiter tracks in-flight executions per organization and in total.
// Safe for concurrent use.
type Limiter struct {
	orgLimit    int
	globalLimit int

	mu     sync.Mutex
	global int
	perOrg map[uuid.UUID]int
}

// New builds a Limiter with the given per-organization and global ceilings.
// Both must be at least 1.
func New(orgLimit, globalLimit int) *Limiter {
	if orgLimit < 1 {
		orgLimit = 1
	}
	if globalLimit < 1 {
		globalLimit = 1
	}
	return &Limiter{
		orgLimit:    orgLimit,
		globalLimit: globalLimit,
		perOrg:      make(map[uuid.UUID]int),
	}
}

// Acquire reserves an execution slot for orgID. Both counters move together:
// either the acquisition is admitted and charged against the org and the
// global ceiling, or nothing changes. Release the returned Guard when the
// execution finishes.
func (l *Limiter) Acquire(orgID uuid.UUID) (*Guard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.global >= l.globalLimit {
		return nil, ErrGlobalLimit
	}
	if l.perOrg[orgID] >= l.orgLimit {
		return nil, ErrOrgLimit
	}

	l.global++
	l.perOrg[orgID]++
	return &Guard{limiter: l, orgID: orgID}, nil
}

// InFlight returns the current global in-flight count.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// InFlightOrg returns the current in-flight count for one organization.
func (l *Limiter) InFlightOrg(orgID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perOrg[orgID]
}

func (l *Limiter) release(orgID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global--
	if l.perOrg[orgID] <= 1 {
		delete(l.perOrg, orgID)
	} else {
		l.perOrg[orgID]--
	}
}

// Guard is one admitted execution slot. Release returns it; calling Release
// more than once is safe and only the first call counts.
type Guard struct {
	limiter *Limiter
	orgID   uuid.UUID
	once    sync.Once
}

// Release frees the slot held by this guard.
func (g *Guard) Release() {
	g.once.Do(func() { g.limiter.release(g.orgID) })
}
