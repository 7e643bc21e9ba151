// Package models provides the data model shared by the extraction engine:
// extracted records, per-stream bookmarks and the durable sync state.
package models

import (
	"time"
)

// Record is one extracted row, tagged with its owning stream and the time it
// was read from the source. Records are transient: they exist until the
// output writer has emitted them.
type Record struct {
	// Stream is the owning stream name
	Stream string `json:"stream"`

	// Data maps field names to values
	Data map[string]interface{} `json:"record"`

	// ExtractedAt is when the record was read from the source
	ExtractedAt time.Time `json:"time_extracted"`
}

// NewRecord creates a record for the given stream, stamped with the current time.
func NewRecord(stream string, data map[string]interface{}) *Record {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Record{
		Stream:      stream,
		Data:        data,
		ExtractedAt: time.Now().UTC(),
	}
}

// Project returns a copy of the record restricted to the given fields.
// An empty field list keeps every field.
func (r *Record) Project(fields []string) *Record {
	if len(fields) == 0 {
		return r
	}
	data := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, ok := r.Data[f]; ok {
			data[f] = v
		}
	}
	return &Record{
		Stream:      r.Stream,
		Data:        data,
		ExtractedAt: r.ExtractedAt,
	}
}
