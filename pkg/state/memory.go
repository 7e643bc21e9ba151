package state

import (
	"context"
	"sync"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// MemoryBackend keeps state in process. STATE messages on the output are the
// only durable record when it is used.
type MemoryBackend struct {
	mu    sync.Mutex
	state models.SyncState
	saves int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: models.NewSyncState()}
}

// NewMemoryBackendWith creates an in-memory backend preloaded with state.
func NewMemoryBackendWith(s models.SyncState) *MemoryBackend {
	return &MemoryBackend{state: s.Clone()}
}

func (m *MemoryBackend) Load(ctx context.Context) (models.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *MemoryBackend) Save(ctx context.Context, stream string, b models.Bookmark, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Bookmarks[stream] = b
	m.saves++
	return nil
}

// Saves returns the number of Save calls.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryBackend) Close() error { return nil }
