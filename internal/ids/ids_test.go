package ids

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[A-Z]+-[A-Z0-9]{4}[0-9a-f]{4}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID(PrefixCase, "")
	require.Regexp(t, idPattern, id)
	assert.True(t, strings.HasPrefix(id, "CASE-"))
}

func TestSuffixUsesSeedName(t *testing.T) {
	s := Suffix("Acme Corp")
	require.Len(t, s, 8)
	assert.Equal(t, "ACME", s[:4])

	// Short seeds are padded from the random alphabet.
	s = Suffix("Bo")
	require.Len(t, s, 8)
	assert.Equal(t, "BO", s[:2])

	// Non-alphanumerics are skipped entirely.
	s = Suffix("Ö & Co! 9")
	assert.Equal(t, "CO9", s[:3])
}

func TestNewTenantIDsShareSuffix(t *testing.T) {
	tnt, tc, tv := NewTenantIDs("Globex")
	require.True(t, strings.HasPrefix(tnt, "TNT-"))
	require.True(t, strings.HasPrefix(tc, "TC-"))
	require.True(t, strings.HasPrefix(tv, "TV-"))

	suffix := strings.TrimPrefix(tnt, "TNT-")
	assert.Len(t, suffix, 8)
	assert.Equal(t, suffix, strings.TrimPrefix(tc, "TC-"))
	assert.Equal(t, suffix, strings.TrimPrefix(tv, "TV-"))
	assert.Equal(t, "GLOB", suffix[:4])
}

func TestNewIDUniqueness(t *testing.T) {
	// Unseeded IDs draw the full 8-char suffix from the CSPRNG.
	seen := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		id := NewID(PrefixEvidence, "")
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	now := SystemClock().Now()
	_, offset := now.Zone()
	assert.Zero(t, offset)
	assert.WithinDuration(t, time.Now().UTC(), now, 2*time.Second)
}

func TestFixedClock(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := &FixedClock{T: base}
	require.Equal(t, base, clk.Now())

	clk.Advance(48 * time.Hour)
	assert.Equal(t, base.Add(48*time.Hour), clk.Now())
}
