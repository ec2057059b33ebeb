package cronspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skua-data/skua/internal/domain"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "five field every five minutes", expr: "*/5 * * * *"},
		{name: "five field daily", expr: "0 6 * * 1-5"},
		{name: "six field with seconds", expr: "30 */5 * * * *"},
		{name: "six field every second", expr: "* * * * * *"},
		{name: "descriptor rejected", expr: "@hourly", wantErr: true},
		{name: "too few fields", expr: "* * *", wantErr: true},
		{name: "too many fields", expr: "* * * * * * *", wantErr: true},
		{name: "out of range minute", expr: "61 * * * *", wantErr: true},
		{name: "garbage", expr: "owl", wantErr: true},
		{name: "empty", expr: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, domain.ErrBadRequest, domain.KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNextIsStrictlyAfterNow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Exactly on the boundary: the next fire must move to 12:05, not 12:00.
	next, err := Next("*/5 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next)
	assert.True(t, next.After(now))
}

func TestNextSixField(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	next, err := Next("30 * * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC), next)
}

func TestNextNormalizesToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, loc) // 12:00 UTC
	next, err := Next("*/5 * * * *", now)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, next.Location())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next)
}
