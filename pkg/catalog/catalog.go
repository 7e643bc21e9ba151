package catalog

import (
	"context"
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// Discoverer inspects a source's metadata and produces its catalog.
// Implementations must be read-only on the remote system and idempotent.
// Failures are reported as discovery errors.
type Discoverer interface {
	Discover(ctx context.Context) (*Catalog, error)
}

// Catalog is the set of discoverable streams in declaration order.
type Catalog struct {
	Streams []*Schema
}

// New builds a catalog, validating each schema and rejecting duplicate names.
func New(schemas ...*Schema) (*Catalog, error) {
	seen := make(map[string]struct{}, len(schemas))
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stream %s", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return &Catalog{Streams: schemas}, nil
}

// Get returns the named stream schema.
func (c *Catalog) Get(name string) (*Schema, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Names returns stream names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Streams))
	for i, s := range c.Streams {
		names[i] = s.Name
	}
	return names
}

// Metadata is one Singer catalog metadata entry.
type Metadata struct {
	Breadcrumb []string               `json:"breadcrumb"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Entry is one stream in a Singer catalog document.
type Entry struct {
	TapStreamID       string                 `json:"tap_stream_id"`
	Stream            string                 `json:"stream"`
	Schema            map[string]interface{} `json:"schema"`
	KeyProperties     []string               `json:"key_properties"`
	ReplicationKey    string                 `json:"replication_key,omitempty"`
	ReplicationMethod string                 `json:"replication_method,omitempty"`
	Selected          *bool                  `json:"selected,omitempty"`
	Metadata          []Metadata             `json:"metadata"`
}

// Document is the Singer catalog JSON document.
type Document struct {
	Streams []Entry `json:"streams"`
}

// Document renders the catalog in Singer form. Nothing is selected by default.
func (c *Catalog) Document() *Document {
	doc := &Document{Streams: make([]Entry, 0, len(c.Streams))}
	for _, s := range c.Streams {
		doc.Streams = append(doc.Streams, s.entry())
	}
	return doc
}

// WriteJSON writes the catalog document as indented JSON.
func (c *Catalog) WriteJSON(w io.Writer) error {
	data, err := gojson.MarshalIndent(c.Document(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func (s *Schema) entry() Entry {
	methods := make([]string, len(s.Methods))
	for i, m := range s.Methods {
		methods[i] = string(m)
	}
	root := map[string]interface{}{
		"inclusion":                 "available",
		"selected-by-default":       false,
		"table-key-properties":      s.KeyFields(),
		"replication-method":        string(s.DefaultMethod()),
		"valid-replication-methods": methods,
		"schema-version":            s.Version,
	}
	if s.ReplicationKey != "" {
		root["valid-replication-keys"] = []string{s.ReplicationKey}
	}

	md := []Metadata{{Breadcrumb: []string{}, Metadata: root}}
	for _, f := range s.Fields {
		inclusion := "available"
		if f.Key || f.Name == s.ReplicationKey {
			inclusion = "automatic"
		}
		md = append(md, Metadata{
			Breadcrumb: []string{"properties", f.Name},
			Metadata:   map[string]interface{}{"inclusion": inclusion},
		})
	}

	e := Entry{
		TapStreamID:   s.Name,
		Stream:        s.Name,
		Schema:        s.JSONSchema(),
		KeyProperties: s.KeyFields(),
		Metadata:      md,
	}
	if s.Supports(models.Incremental) {
		e.ReplicationKey = s.ReplicationKey
	}
	return e
}

// ParseDocument decodes a Singer catalog document.
func ParseDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := gojson.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &doc, nil
}

func (e Entry) rootMetadata() map[string]interface{} {
	for _, m := range e.Metadata {
		if len(m.Breadcrumb) == 0 {
			return m.Metadata
		}
	}
	return nil
}

func (e Entry) id() string {
	if e.TapStreamID != "" {
		return e.TapStreamID
	}
	return e.Stream
}

func (e Entry) selected() bool {
	if v, ok := e.rootMetadata()["selected"].(bool); ok {
		return v
	}
	return e.Selected != nil && *e.Selected
}

// deselectedFields returns property names explicitly marked selected=false.
func (e Entry) deselectedFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, m := range e.Metadata {
		if len(m.Breadcrumb) != 2 || m.Breadcrumb[0] != "properties" {
			continue
		}
		if v, ok := m.Metadata["selected"].(bool); ok && !v {
			out[m.Breadcrumb[1]] = struct{}{}
		}
	}
	return out
}

func (e Entry) method() string {
	if v, ok := e.rootMetadata()["replication-method"].(string); ok && v != "" {
		return v
	}
	return e.ReplicationMethod
}
