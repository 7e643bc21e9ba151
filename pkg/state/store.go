// Package state keeps replication bookmarks for a run and persists them
// through a pluggable backend.
package state

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Backend persists sync state between runs.
type Backend interface {
	// Load returns the persisted state, or an empty state when none exists.
	Load(ctx context.Context) (models.SyncState, error)
	// Save persists the bookmark of one stream. snapshot is the full state
	// including that bookmark, for backends that store a single document.
	// Save is called concurrently for different streams.
	Save(ctx context.Context, stream string, bookmark models.Bookmark, snapshot Snapshot) error
	Close() error
}

// Snapshot is the full state as of one checkpoint. Seq grows with every
// checkpoint of a store, so a later snapshot always carries a larger Seq.
type Snapshot struct {
	Seq   uint64
	State models.SyncState
}

// Store is the run's view of sync state. Checkpoints of one stream are
// serialized; different streams checkpoint independently and never touch each
// other's bookmarks.
type Store struct {
	backend Backend
	logger  *zap.Logger
	initial *models.SyncState

	mu    sync.RWMutex
	state models.SyncState
	seq   uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithInitial overlays an operator-supplied state on whatever the backend
// returns from Load.
func WithInitial(s models.SyncState) Option {
	return func(st *Store) {
		clone := s.Clone()
		st.initial = &clone
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) {
		st.logger = l
	}
}

// NewStore creates a store over backend. A nil backend keeps state in memory.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		logger:  zap.NewNop(),
		state:   models.NewSyncState(),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted state. A missing state is not an error.
func (s *Store) Load(ctx context.Context) (models.SyncState, error) {
	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return models.SyncState{}, errors.Checkpoint(err, "failed to load state")
	}
	if loaded.Bookmarks == nil {
		loaded = models.NewSyncState()
	}
	if s.initial != nil {
		loaded = loaded.Merge(*s.initial)
	}

	s.mu.Lock()
	s.state = loaded.Clone()
	s.mu.Unlock()

	s.logger.Info("state loaded", zap.Int("bookmarks", len(loaded.Bookmarks)))
	return loaded, nil
}

// Checkpoint replaces the bookmark of stream and persists it. Only the
// named stream's bookmark changes. Checkpoints of one stream are serialized;
// a slow persist of one stream never holds up another stream's checkpoint.
func (s *Store) Checkpoint(ctx context.Context, stream string, b models.Bookmark) error {
	lock := s.streamLock(stream)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.state.Bookmarks[stream] = b
	s.seq++
	snap := Snapshot{Seq: s.seq, State: s.state.Clone()}
	s.mu.Unlock()

	if err := s.backend.Save(ctx, stream, b, snap); err != nil {
		return errors.Checkpoint(err, "failed to persist bookmark").WithDetail("stream", stream)
	}

	s.logger.Debug("checkpoint",
		zap.String("stream", stream),
		zap.String("method", string(b.ReplicationMethod)),
		zap.String("value", b.Value),
		zap.Int64("version", b.Version))
	return nil
}

// SetCurrentlySyncing records the stream in flight. It is not persisted on
// its own; the next checkpoint or STATE message carries it.
func (s *Store) SetCurrentlySyncing(stream string) {
	s.mu.Lock()
	s.state.CurrentlySyncing = stream
	s.mu.Unlock()
}

// Bookmark returns the current bookmark of stream.
func (s *Store) Bookmark(stream string) (models.Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Bookmark(stream)
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() models.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Finalize returns the fully materialized state once no stream is in flight.
func (s *Store) Finalize() models.SyncState {
	s.mu.Lock()
	s.state.CurrentlySyncing = ""
	s.mu.Unlock()
	return s.Snapshot()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) streamLock(stream string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[stream]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stream] = l
	}
	return l
}
