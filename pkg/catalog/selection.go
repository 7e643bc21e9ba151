package catalog

import (
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// SelectedStream is one stream chosen for a run.
type SelectedStream struct {
	Schema *Schema
	Method models.ReplicationMethod
	// Fields is the projection applied to records; empty means every field.
	Fields []string
}

// Name returns the stream name.
func (s SelectedStream) Name() string {
	return s.Schema.Name
}

// Selection is the ordered, immutable set of streams chosen for a run.
type Selection struct {
	Streams []SelectedStream
}

// Len returns the number of selected streams.
func (s *Selection) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Streams)
}

// Names returns the selected stream names in run order.
func (s *Selection) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Streams))
	for i, st := range s.Streams {
		names[i] = st.Name()
	}
	return names
}

// SelectAll selects every stream of the catalog with its default method and
// all fields.
func SelectAll(c *Catalog) *Selection {
	sel := &Selection{Streams: make([]SelectedStream, 0, len(c.Streams))}
	for _, s := range c.Streams {
		sel.Streams = append(sel.Streams, SelectedStream{Schema: s, Method: s.DefaultMethod()})
	}
	return sel
}

// ParseSelection resolves an operator catalog document against the discovered
// catalog. Streams keep the discovered declaration order. Key fields and the
// replication key are always kept in the projection.
func ParseSelection(doc *Document, discovered *Catalog) (*Selection, error) {
	chosen := make(map[string]Entry, len(doc.Streams))
	for _, e := range doc.Streams {
		if !e.selected() {
			continue
		}
		id := e.id()
		if _, ok := discovered.Get(id); !ok {
			return nil, fmt.Errorf("selected stream %s is not in the catalog", id)
		}
		chosen[id] = e
	}

	sel := &Selection{Streams: make([]SelectedStream, 0, len(chosen))}
	for _, schema := range discovered.Streams {
		e, ok := chosen[schema.Name]
		if !ok {
			continue
		}

		method := schema.DefaultMethod()
		if raw := e.method(); raw != "" {
			m, err := models.ParseReplicationMethod(raw)
			if err != nil {
				return nil, fmt.Errorf("stream %s: %w", schema.Name, err)
			}
			if !schema.Supports(m) {
				return nil, fmt.Errorf("stream %s does not support %s", schema.Name, m)
			}
			method = m
		}

		sel.Streams = append(sel.Streams, SelectedStream{
			Schema: schema,
			Method: method,
			Fields: projection(schema, e.deselectedFields()),
		})
	}
	return sel, nil
}

func projection(schema *Schema, deselected map[string]struct{}) []string {
	if len(deselected) == 0 {
		return nil
	}
	fields := make([]string, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		if _, drop := deselected[f.Name]; drop && !f.Key && f.Name != schema.ReplicationKey {
			continue
		}
		fields = append(fields, f.Name)
	}
	return fields
}

// Reorder returns a selection whose streams named in order come first, in
// that order, followed by the remaining streams in their current order.
// Unknown names are an error.
func (s *Selection) Reorder(order []string) (*Selection, error) {
	if len(order) == 0 {
		return s, nil
	}
	index := make(map[string]int, len(s.Streams))
	for i, st := range s.Streams {
		index[st.Name()] = i
	}

	out := &Selection{Streams: make([]SelectedStream, 0, len(s.Streams))}
	used := make(map[int]bool, len(order))
	for _, name := range order {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("stream_order names unselected stream %s", name)
		}
		if used[i] {
			continue
		}
		used[i] = true
		out.Streams = append(out.Streams, s.Streams[i])
	}
	for i, st := range s.Streams {
		if !used[i] {
			out.Streams = append(out.Streams, st)
		}
	}
	return out, nil
}
