package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// FileBackend stores the state document in a local file. Writes go to a
// temporary file in the same directory which is then renamed over the target,
// so a crash never leaves a truncated state file.
type FileBackend struct {
	path   string
	writer documentWriter
}

// NewFileBackend creates a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) Load(ctx context.Context) (models.SyncState, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return models.NewSyncState(), nil
	}
	if err != nil {
		return models.SyncState{}, fmt.Errorf("failed to read state file: %w", err)
	}
	return DecodeState(bytes.NewReader(data))
}

func (f *FileBackend) Save(ctx context.Context, stream string, b models.Bookmark, snapshot Snapshot) error {
	return f.writer.write(ctx, snapshot, f.replace)
}

// replace writes data to a temporary file and renames it over the state file.
func (f *FileBackend) replace(ctx context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

// DecodeState parses a state document. Empty input yields an empty state.
// Both the bare {"bookmarks":...} payload and a full STATE message
// ({"type":"STATE","value":{...}}) are accepted.
func DecodeState(r io.Reader) (models.SyncState, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.SyncState{}, fmt.Errorf("failed to read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return models.NewSyncState(), nil
	}

	var envelope struct {
		Type  string            `json:"type"`
		Value *models.SyncState `json:"value"`
	}
	if err := gojson.Unmarshal(data, &envelope); err == nil && envelope.Type == "STATE" && envelope.Value != nil {
		return normalize(*envelope.Value), nil
	}

	var s models.SyncState
	if err := gojson.Unmarshal(data, &s); err != nil {
		return models.SyncState{}, fmt.Errorf("failed to parse state: %w", err)
	}
	return normalize(s), nil
}

// LoadStateFile reads an operator-supplied state file.
func LoadStateFile(path string) (models.SyncState, error) {
	fh, err := os.Open(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return models.SyncState{}, fmt.Errorf("failed to open state file: %w", err)
	}
	defer fh.Close()
	return DecodeState(fh)
}

func normalize(s models.SyncState) models.SyncState {
	if s.Bookmarks == nil {
		s.Bookmarks = make(map[string]models.Bookmark)
	}
	return s
}
