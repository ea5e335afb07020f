package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendornexus/backend/internal/apperr"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"bank letter.pdf":        "bank_letter.pdf",
		"../../etc/passwd":       "etc_passwd",
		"Rechnung (final) №3.pd": "Rechnung_final_3.pd",
		"...":                    "file",
		"":                       "file",
		"ok-name_1.PDF":          "ok-name_1.PDF",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}

	long := strings.Repeat("a", 250) + ".pdf"
	got := SanitizeFilename(long)
	assert.LessOrEqual(t, len(got), 100)
	assert.True(t, strings.HasSuffix(got, ".pdf"))
}

func TestEvidenceKey(t *testing.T) {
	day := time.Date(2025, 6, 1, 23, 45, 0, 0, time.UTC)
	key := EvidenceKey("CASE-AB12CD34", "bank_letter", day, 2, "bank letter.pdf")
	assert.Equal(t, "CASE-AB12CD34/bank_letter/2025-06-01/v2_bank_letter.pdf", key)
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, DefaultURLTTL, ClampTTL(0))
	assert.Equal(t, DefaultURLTTL, ClampTTL(-time.Minute))
	assert.Equal(t, 5*time.Minute, ClampTTL(5*time.Minute))
	assert.Equal(t, MaxURLTTL, ClampTTL(48*time.Hour))
}

func TestMemoryRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "a/b/v1_f.pdf", []byte("one"), "application/pdf"))
	err := m.Put(ctx, "a/b/v1_f.pdf", []byte("two"), "application/pdf")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))

	data, ok := m.Get("a/b/v1_f.pdf")
	require.True(t, ok)
	assert.Equal(t, []byte("one"), data, "losing put must not clobber the original")
}

func TestMemorySignedURLAndDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "k", []byte("x"), "text/plain"))

	url, err := m.SignedURL(ctx, "k", 48*time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "ttl=86400", "TTL is clamped to the ceiling")

	_, err = m.SignedURL(ctx, "missing", time.Minute)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	// Delete tolerates unknown keys.
	require.NoError(t, m.Delete(ctx, "missing"))
	require.NoError(t, m.Delete(ctx, "k"))
	assert.Equal(t, 0, m.Len())
}
