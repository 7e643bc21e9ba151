package state

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// GCSBackend stores the state document as one Cloud Storage object. Object
// writes are atomic: readers see either the old or the new document.
type GCSBackend struct {
	client *storage.Client
	object gcsObject
	name   string
	writer documentWriter
}

// gcsObject is the subset of *storage.ObjectHandle used by GCSBackend.
type gcsObject interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context) io.WriteCloser
}

// storageObject adapts *storage.ObjectHandle to gcsObject.
type storageObject struct {
	handle *storage.ObjectHandle
}

func (o storageObject) NewReader(ctx context.Context) (io.ReadCloser, error) {
	r, err := o.handle.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (o storageObject) NewWriter(ctx context.Context) io.WriteCloser {
	w := o.handle.NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// GCSOptions configures NewGCSBackend.
type GCSOptions struct {
	Bucket string
	Object string
	// Endpoint targets an emulator instead of Google Cloud
	Endpoint string
}

// NewGCSBackend creates a backend using application default credentials.
func NewGCSBackend(ctx context.Context, opts GCSOptions) (*GCSBackend, error) {
	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &GCSBackend{
		client: client,
		object: storageObject{handle: client.Bucket(opts.Bucket).Object(opts.Object)},
		name:   fmt.Sprintf("gs://%s/%s", opts.Bucket, opts.Object),
	}, nil
}

func (g *GCSBackend) Load(ctx context.Context) (models.SyncState, error) {
	r, err := g.object.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return models.NewSyncState(), nil
	}
	if err != nil {
		return models.SyncState{}, fmt.Errorf("failed to read %s: %w", g.name, err)
	}
	defer r.Close()
	return DecodeState(r)
}

func (g *GCSBackend) Save(ctx context.Context, stream string, b models.Bookmark, snapshot Snapshot) error {
	return g.writer.write(ctx, snapshot, g.put)
}

func (g *GCSBackend) put(ctx context.Context, data []byte) error {
	w := g.object.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", g.name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", g.name, err)
	}
	return nil
}

func (g *GCSBackend) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
