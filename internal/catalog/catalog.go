package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes recorded artifacts from snapshots.
type Kind string

const (
	KindRecording Kind = "recording"
	KindSnapshot  Kind = "snapshot"
)

// Artifact is one recorded file tracked by the catalog.
type Artifact struct {
	ID        string    `json:"id"`
	Device    string    `json:"device"`
	Kind      Kind      `json:"kind"`
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	Format    string    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store indexes recorded artifacts. The Postgres implementation is used
// when a database is configured; Memory serves DB-less deployments and
// tests.
type Store interface {
	Add(ctx context.Context, a Artifact) error
	// List returns a page of artifacts of the given kind, newest first,
	// plus the total count.
	List(ctx context.Context, kind Kind, limit, offset int) ([]Artifact, int, error)
	// Remove drops the artifact indexed under path. Removing an unknown
	// path is a no-op.
	Remove(ctx context.Context, path string) error
}

// Memory is an in-memory Store.
type Memory struct {
	mu        sync.Mutex
	artifacts []Artifact
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{}
}

// Add indexes one artifact.
func (m *Memory) Add(_ context.Context, a Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, a)
	return nil
}

// List returns a page of artifacts, newest first.
func (m *Memory) List(_ context.Context, kind Kind, limit, offset int) ([]Artifact, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []Artifact
	for _, a := range m.artifacts {
		if a.Kind == kind {
			matched = append(matched, a)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Remove drops the artifact indexed under path.
func (m *Memory) Remove(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.artifacts {
		if a.Path == path {
			m.artifacts = append(m.artifacts[:i], m.artifacts[i+1:]...)
			return nil
		}
	}
	return nil
}

// LoadDir seeds the catalog from files already on disk, so listings
// survive restarts in DB-less deployments. The device name is inferred
// from the filename prefix up to the first underscore.
func (m *Memory) LoadDir(dir string, kind Kind) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		device := name
		if i := strings.IndexByte(name, '_'); i > 0 {
			device = name[:i]
		}
		_ = m.Add(context.Background(), Artifact{
			ID:        name,
			Device:    device,
			Kind:      kind,
			Filename:  name,
			Path:      filepath.Join(dir, name),
			Format:    strings.TrimPrefix(filepath.Ext(name), "."),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return nil
}
