// Package catalog describes the streams a source exposes: their field schemas,
// key fields and supported replication methods. It also renders and parses the
// Singer catalog document and turns an operator's catalog into a Selection.
package catalog

import (
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/models"
)

// FieldType represents the semantic type of a field
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "date-time"
	FieldTypeDate      FieldType = "date"
	FieldTypeObject    FieldType = "object"
	FieldTypeArray     FieldType = "array"
	// FieldTypeLocalized holds either a plain string or a locale→string object.
	FieldTypeLocalized FieldType = "localized"
)

// Field represents a field in the schema
type Field struct {
	Name        string
	Type        FieldType
	Description string
	Nullable    bool
	// Key marks the field as part of the stream's primary key
	Key bool
}

// Schema describes one stream. It is immutable once discovery completes.
type Schema struct {
	// Name is the unique stream identifier
	Name string
	// Fields in declaration order
	Fields []Field
	// ReplicationKey names the cursor field for INCREMENTAL replication
	ReplicationKey string
	// Methods lists supported replication methods, preferred first
	Methods []models.ReplicationMethod
	// Version increments whenever discovery changes the field set
	Version int
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// KeyFields returns the names of key fields in declaration order.
func (s *Schema) KeyFields() []string {
	keys := make([]string, 0, 1)
	for _, f := range s.Fields {
		if f.Key {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// FieldNames returns all field names in declaration order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Supports reports whether the stream can be replicated with m.
func (s *Schema) Supports(m models.ReplicationMethod) bool {
	for _, have := range s.Methods {
		if have == m {
			return true
		}
	}
	return false
}

// DefaultMethod returns the preferred replication method.
func (s *Schema) DefaultMethod() models.ReplicationMethod {
	if len(s.Methods) == 0 {
		return models.FullTable
	}
	return s.Methods[0]
}

// WithFields returns a copy of the schema with extra fields appended.
// Fields whose names already exist are skipped. The version is bumped when
// anything was added.
func (s *Schema) WithFields(extra ...Field) *Schema {
	out := *s
	out.Fields = append([]Field(nil), s.Fields...)
	out.Methods = append([]models.ReplicationMethod(nil), s.Methods...)
	added := false
	for _, f := range extra {
		if _, exists := out.Field(f.Name); exists {
			continue
		}
		out.Fields = append(out.Fields, f)
		added = true
	}
	if added {
		out.Version++
	}
	return &out
}

// Validate checks internal consistency.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("stream %s: field with empty name", s.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("stream %s: duplicate field %s", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	if s.Supports(models.Incremental) {
		if s.ReplicationKey == "" {
			return fmt.Errorf("stream %s: INCREMENTAL requires a replication key", s.Name)
		}
		if _, ok := s.Field(s.ReplicationKey); !ok {
			return fmt.Errorf("stream %s: replication key %s is not a field", s.Name, s.ReplicationKey)
		}
	}
	return nil
}

// JSONSchema renders the stream's fields as a JSON Schema object.
func (s *Schema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Fields))
	required := make([]string, 0)
	for _, f := range s.Fields {
		props[f.Name] = fieldJSONSchema(f)
		if f.Key {
			required = append(required, f.Name)
		}
	}
	out := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": true,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldJSONSchema(f Field) map[string]interface{} {
	types := func(t ...string) interface{} {
		if f.Nullable && !f.Key {
			return append([]string{"null"}, t...)
		}
		if len(t) == 1 {
			return t[0]
		}
		return t
	}

	out := make(map[string]interface{}, 3)
	switch f.Type {
	case FieldTypeTimestamp:
		out["type"] = types("string")
		out["format"] = "date-time"
	case FieldTypeDate:
		out["type"] = types("string")
		out["format"] = "date"
	case FieldTypeInteger, FieldTypeNumber, FieldTypeBoolean:
		out["type"] = types(string(f.Type))
	case FieldTypeObject:
		out["type"] = types("object")
		out["additionalProperties"] = true
	case FieldTypeArray:
		out["type"] = types("array")
		out["items"] = map[string]interface{}{}
	case FieldTypeLocalized:
		out["type"] = types("object", "string")
	default:
		out["type"] = types("string")
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	return out
}
