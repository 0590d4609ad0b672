package sessionstore

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is a dev-only backend used when no remote store is configured.
// Version tokens are content hashes, like git blob ids.
type MemoryBackend struct {
	mu        sync.Mutex
	container bool
	objects   map[string]memObject
	now       func() time.Time
}

type memObject struct {
	data      []byte
	version   string
	updatedAt time.Time
}

// NewMemoryBackend constructs an empty in-memory backend. The container starts
// missing, just like an unprovisioned repository.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string]memObject),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Ping implements Backend.
func (m *MemoryBackend) Ping(ctx context.Context) error { return ctx.Err() }

// EnsureContainer implements Backend.
func (m *MemoryBackend) EnsureContainer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.container = true
	m.mu.Unlock()
	return nil
}

// Read implements Backend.
func (m *MemoryBackend) Read(ctx context.Context, p string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.container {
		return Object{}, ErrContainerMissing
	}
	obj, ok := m.objects[p]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: append([]byte(nil), obj.data...), Version: obj.version}, nil
}

// Write implements Backend.
func (m *MemoryBackend) Write(ctx context.Context, req WriteRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.container {
		return "", ErrContainerMissing
	}
	cur, exists := m.objects[req.Path]
	switch {
	case req.Version == "" && exists:
		return "", ErrConflict
	case req.Version != "" && (!exists || cur.version != req.Version):
		return "", ErrConflict
	}

	v := contentVersion(req.Data)
	m.objects[req.Path] = memObject{
		data:      append([]byte(nil), req.Data...),
		version:   v,
		updatedAt: m.now(),
	}
	return v, nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(ctx context.Context, req RemoveRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.container {
		return ErrContainerMissing
	}
	cur, ok := m.objects[req.Path]
	if !ok {
		return ErrNotFound
	}
	if cur.version != req.Version {
		return ErrConflict
	}
	delete(m.objects, req.Path)
	return nil
}

// List implements Backend.
func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.container {
		return nil, ErrContainerMissing
	}
	dir := strings.Trim(prefix, "/")
	out := make([]ObjectInfo, 0, len(m.objects))
	for p, obj := range m.objects {
		if path.Dir(p) != dir && !(dir == "" && !strings.Contains(p, "/")) {
			continue
		}
		updated := obj.updatedAt
		out = append(out, ObjectInfo{
			Name:      path.Base(p),
			Path:      p,
			Size:      int64(len(obj.data)),
			Version:   obj.version,
			UpdatedAt: &updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
