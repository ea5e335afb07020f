package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vendornexus/backend/internal/apperr"
)

// Memory is the in-process gateway for tests and local development. It
// enforces the same refuse-overwrite contract as the real backends.
type Memory struct {
	mu      sync.Mutex
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return apperr.Newf(apperr.Conflict, "storage key %q already exists", key)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memObject{data: buf, contentType: contentType}
	return nil
}

func (m *Memory) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", apperr.ErrNotFound
	}
	return fmt.Sprintf("memory://%s?ttl=%d", key, int(ClampTTL(ttl).Seconds())), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) Healthy(ctx context.Context) error { return ctx.Err() }

// Get returns stored bytes; test helper only.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// Len reports the number of stored objects; test helper only.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
