package state

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// fakeObject is an in-memory object committed on writer Close.
type fakeObject struct {
	mu      sync.Mutex
	data    []byte
	exists  bool
	readErr error
	writes  int
}

func (o *fakeObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.readErr != nil {
		return nil, o.readErr
	}
	if !o.exists {
		return nil, storage.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (o *fakeObject) NewWriter(ctx context.Context) io.WriteCloser {
	return &fakeObjectWriter{object: o}
}

type fakeObjectWriter struct {
	object *fakeObject
	buf    bytes.Buffer
}

func (w *fakeObjectWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fakeObjectWriter) Close() error {
	w.object.mu.Lock()
	defer w.object.mu.Unlock()
	w.object.data = bytes.Clone(w.buf.Bytes())
	w.object.exists = true
	w.object.writes++
	return nil
}

func TestGCSBackendSaveLoad(t *testing.T) {
	ctx := context.Background()
	obj := &fakeObject{}
	b := &GCSBackend{object: obj, name: "gs://bucket/tap/state.json"}

	st, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Bookmarks)

	want := sampleState()
	require.NoError(t, b.Save(ctx, "orders", want.Bookmarks["orders"], Snapshot{Seq: 2, State: want}))

	stale := models.NewSyncState()
	require.NoError(t, b.Save(ctx, "orders", models.Bookmark{}, Snapshot{Seq: 1, State: stale}))
	assert.Equal(t, 1, obj.writes)

	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, b.Close())
}

func TestGCSBackendReadError(t *testing.T) {
	obj := &fakeObject{readErr: fmt.Errorf("permission denied")}
	b := &GCSBackend{object: obj, name: "gs://bucket/state.json"}

	_, err := b.Load(context.Background())
	assert.ErrorContains(t, err, "gs://bucket/state.json")
}
