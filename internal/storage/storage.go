// Package storage is the blob gateway. Objects are immutable: evidence keys
// are never reused and puts refuse overwrite. Retrieval is by short-lived
// signed URL only; raw bytes never flow back through the API.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/config"
)

// DefaultURLTTL is applied when a caller passes a zero TTL.
const DefaultURLTTL = time.Hour

// MaxURLTTL is the hard ceiling for signed links.
const MaxURLTTL = 24 * time.Hour

// Gateway is the storage contract. Put must fail on key reuse; Delete is
// best-effort cleanup and must tolerate missing keys.
type Gateway interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	Healthy(ctx context.Context) error
}

// New selects the backend from the configuration.
func New(ctx context.Context, cfg config.StorageConfig) (Gateway, error) {
	switch cfg.Provider {
	case config.ProviderS3:
		return NewS3(ctx, cfg)
	case config.ProviderSupabase:
		return NewSupabase(cfg)
	case config.ProviderMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("storage: unknown provider %q", cfg.Provider)
}

// ClampTTL applies the default and the hard ceiling.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultURLTTL
	}
	if ttl > MaxURLTTL {
		return MaxURLTTL
	}
	return ttl
}

// EvidenceKey builds the canonical object key for an evidence upload:
// caseId/evidenceType/YYYY-MM-DD/vN_filename. Versions make every key
// unique for the lifetime of the bucket.
func EvidenceKey(caseID, evidenceType string, day time.Time, version int, filename string) string {
	return fmt.Sprintf("%s/%s/%s/v%d_%s",
		caseID, evidenceType, day.UTC().Format("2006-01-02"), version, SanitizeFilename(filename))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename strips anything that is not safe inside an object key.
// Collapses runs of unsafe characters, caps length at 100, and falls back
// to "file" when nothing survives.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > 100 {
		name = name[len(name)-100:]
		name = strings.TrimLeft(name, "._")
	}
	if name == "" {
		return "file"
	}
	return name
}

func errStorage(op string, err error) error {
	return apperr.Wrap(err, apperr.Storage, "storage "+op+" failed")
}
