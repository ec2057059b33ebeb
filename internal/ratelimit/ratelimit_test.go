package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(rps float64, burst int) *Limiter {
	l := New(Config{RequestsPerSecond: rps, Burst: burst, CleanupInterval: time.Hour})
	return l
}

func TestBurstThenDeny(t *testing.T) {
	l := newTestLimiter(1, 3)
	defer l.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, l.allowAt("10.0.0.1", now).Allowed, "request %d within burst", i)
	}

	res := l.allowAt("10.0.0.1", now)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)
	assert.Equal(t, 3, res.Limit)
}

func TestRefillOverTime(t *testing.T) {
	l := newTestLimiter(2, 2)
	defer l.Stop()

	now := time.Now()
	l.allowAt("10.0.0.1", now)
	l.allowAt("10.0.0.1", now)
	assert.False(t, l.allowAt("10.0.0.1", now).Allowed)

	// One second at 2 req/s refills two tokens.
	later := now.Add(time.Second)
	assert.True(t, l.allowAt("10.0.0.1", later).Allowed)
	assert.True(t, l.allowAt("10.0.0.1", later).Allowed)
	assert.False(t, l.allowAt("10.0.0.1", later).Allowed)
}

func TestKeysAreIndependent(t *testing.T) {
	l := newTestLimiter(1, 1)
	defer l.Stop()

	now := time.Now()
	assert.True(t, l.allowAt("10.0.0.1", now).Allowed)
	assert.False(t, l.allowAt("10.0.0.1", now).Allowed)
	assert.True(t, l.allowAt("10.0.0.2", now).Allowed, "second client has its own bucket")
}

func TestRefillNeverExceedsBurst(t *testing.T) {
	l := newTestLimiter(100, 2)
	defer l.Stop()

	now := time.Now()
	l.allowAt("10.0.0.1", now)

	// A long idle period refills to the cap, not beyond it.
	later := now.Add(time.Hour)
	assert.True(t, l.allowAt("10.0.0.1", later).Allowed)
	assert.True(t, l.allowAt("10.0.0.1", later).Allowed)
	assert.False(t, l.allowAt("10.0.0.1", later).Allowed)
}

func TestStopIsIdempotent(t *testing.T) {
	l := newTestLimiter(1, 1)
	l.Stop()
	l.Stop()
}
