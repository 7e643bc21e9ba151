// Package singer writes the Singer wire protocol: SCHEMA, RECORD and STATE
// messages as JSON lines.
//
// A Writer is safe for concurrent use. Each message is encoded into a pooled
// buffer and handed to the underlying writer in a single Write call under the
// writer lock, so messages of concurrently syncing streams never interleave.
package singer

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/tap-salesforce/pkg/catalog"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Message types.
const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

// ErrSchemaNotWritten is returned when a RECORD is written for a stream whose
// SCHEMA has not been written yet.
var ErrSchemaNotWritten = errors.New(errors.ErrorTypeValidation, "schema not written")

// SchemaMessage describes a stream's records.
type SchemaMessage struct {
	Type               string                 `json:"type"`
	Stream             string                 `json:"stream"`
	Schema             map[string]interface{} `json:"schema"`
	KeyProperties      []string               `json:"key_properties"`
	BookmarkProperties []string               `json:"bookmark_properties,omitempty"`
}

// RecordMessage carries one record.
type RecordMessage struct {
	Type          string                 `json:"type"`
	Stream        string                 `json:"stream"`
	Record        map[string]interface{} `json:"record"`
	Version       int                    `json:"version,omitempty"`
	TimeExtracted string                 `json:"time_extracted"`
}

// StateMessage carries the sync state to resume from.
type StateMessage struct {
	Type  string           `json:"type"`
	Value models.SyncState `json:"value"`
}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 1024*1024 {
		return
	}
	bufferPool.Put(buf)
}

// Writer emits Singer messages to an io.Writer.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	// versions holds the schema version of every stream whose SCHEMA was written
	versions map[string]int
}

// NewWriter creates a writer over out, typically os.Stdout.
func NewWriter(out io.Writer) *Writer {
	return &Writer{
		out:      out,
		versions: make(map[string]int),
	}
}

// encode renders msg as one line into buf.
func encode(buf *bytes.Buffer, msg interface{}) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode message")
	}
	return nil
}

// writeLocked writes one encoded message. w.mu must be held.
func (w *Writer) writeLocked(buf *bytes.Buffer) error {
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write message")
	}
	return nil
}

// WriteSchema writes the SCHEMA message of a selected stream, restricted to
// its selected fields. It must precede any RECORD of that stream.
func (w *Writer) WriteSchema(sel catalog.SelectedStream) error {
	schema := project(sel.Schema, sel.Fields)
	msg := SchemaMessage{
		Type:          TypeSchema,
		Stream:        schema.Name,
		Schema:        schema.JSONSchema(),
		KeyProperties: schema.KeyFields(),
	}
	if msg.KeyProperties == nil {
		msg.KeyProperties = []string{}
	}
	if sel.Method == models.Incremental && schema.ReplicationKey != "" {
		msg.BookmarkProperties = []string{schema.ReplicationKey}
	}

	buf := getBuffer()
	defer putBuffer(buf)
	if err := encode(buf, msg); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLocked(buf); err != nil {
		return err
	}
	w.versions[schema.Name] = schema.Version
	return nil
}

// WriteRecord writes one RECORD message.
func (w *Writer) WriteRecord(rec *models.Record) error {
	return w.WriteRecords([]*models.Record{rec})
}

// WriteRecords writes a batch of RECORD messages in order. The batch is
// written contiguously; a failure leaves the records before it written.
func (w *Writer) WriteRecords(recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	buf := getBuffer()
	defer putBuffer(buf)

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range recs {
		version, ok := w.versions[rec.Stream]
		if !ok {
			return fmt.Errorf("%w: stream %s", ErrSchemaNotWritten, rec.Stream)
		}
		buf.Reset()
		msg := RecordMessage{
			Type:          TypeRecord,
			Stream:        rec.Stream,
			Record:        rec.Data,
			Version:       version,
			TimeExtracted: extractedAt(rec).Format(time.RFC3339Nano),
		}
		if err := encode(buf, msg); err != nil {
			return err
		}
		if err := w.writeLocked(buf); err != nil {
			return err
		}
	}
	return nil
}

// WriteState writes a STATE message.
func (w *Writer) WriteState(state models.SyncState) error {
	if state.Bookmarks == nil {
		state = models.NewSyncState()
	}
	buf := getBuffer()
	defer putBuffer(buf)
	if err := encode(buf, StateMessage{Type: TypeState, Value: state}); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(buf)
}

func extractedAt(rec *models.Record) time.Time {
	if rec.ExtractedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.ExtractedAt.UTC()
}

// project returns schema restricted to fields, or schema itself for none.
func project(schema *catalog.Schema, fields []string) *catalog.Schema {
	if len(fields) == 0 {
		return schema
	}
	keep := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keep[f] = struct{}{}
	}
	out := *schema
	out.Fields = make([]catalog.Field, 0, len(fields))
	for _, f := range schema.Fields {
		if _, ok := keep[f.Name]; ok {
			out.Fields = append(out.Fields, f)
		}
	}
	return &out
}
