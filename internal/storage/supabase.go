package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"

	"github.com/vendornexus/backend/internal/apperr"
	"github.com/vendornexus/backend/internal/config"
)

// Supabase stores blobs in a Supabase Storage bucket. Supabase buckets are
// encrypted at rest and served over TLS; upsert stays off so existing keys
// refuse overwrite.
type Supabase struct {
	client *storage_go.Client
	bucket string
}

// NewSupabase builds the Supabase Storage gateway from the service-role key.
func NewSupabase(cfg config.StorageConfig) (*Supabase, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("storage: SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}
	url := strings.TrimRight(cfg.SupabaseURL, "/") + "/storage/v1"
	return &Supabase{
		client: storage_go.NewClient(url, cfg.SupabaseKey, nil),
		bucket: cfg.Bucket,
	}, nil
}

func (s *Supabase) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert := false
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "exists") {
			return apperr.Wrap(err, apperr.Conflict, "storage key already exists")
		}
		return errStorage("put", err)
	}
	return nil
}

func (s *Supabase) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := s.client.CreateSignedUrl(s.bucket, key, int(ClampTTL(ttl).Seconds()))
	if err != nil {
		return "", errStorage("sign", err)
	}
	return resp.SignedURL, nil
}

func (s *Supabase) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{key}); err != nil {
		return errStorage("delete", err)
	}
	return nil
}

func (s *Supabase) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.GetBucket(s.bucket); err != nil {
		return errStorage("health", err)
	}
	return nil
}
