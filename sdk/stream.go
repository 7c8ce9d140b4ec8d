package sdk

import (
	"sort"
	"strings"
)

// FieldType is the declared type of a stream field
type FieldType string

// field types recognized by the record emitter
const (
	StringField   FieldType = "string"
	IntegerField  FieldType = "integer"
	NumberField   FieldType = "number"
	BooleanField  FieldType = "boolean"
	DateField     FieldType = "date"
	DateTimeField FieldType = "datetime"
)

// Field describes one column of a stream
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Required  bool      `json:"required,omitempty"`
	Selected  bool      `json:"selected,omitempty"`
	Automatic bool      `json:"automatic,omitempty"`
	// Unsupported fields are surfaced by discovery but never queried
	Unsupported bool `json:"unsupported,omitempty"`
	// JoinedObject is set when the field lives on a related object and must be
	// referenced using parent-object dot notation in queries
	JoinedObject string `json:"joined_object,omitempty"`
}

// Stream is the resolved, read-only metadata for one extractable object. It is
// produced by the catalog before extraction begins and never mutated by the engine.
type Stream struct {
	Name           string   `json:"name"`
	ReplicationKey string   `json:"replication_key,omitempty"`
	KeyProperties  []string `json:"key_properties,omitempty"`
	Fields         []Field  `json:"fields"`
	// SupportsDeleted is true when the upstream object can report soft-deleted
	// records through a companion deleted query
	SupportsDeleted bool `json:"supports_deleted,omitempty"`
	// DeletedSelected is true when deletion tracking is both supported and selected
	DeletedSelected bool `json:"deleted_selected,omitempty"`
	// ForceRest routes the stream through the synchronous query path even when
	// the bulk export API is configured
	ForceRest bool `json:"force_rest,omitempty"`
}

// SelectedFields returns the sorted field names to extract: selected or
// automatic, never unsupported. The deletion indicator column is managed by the
// companion query and excluded here.
func (s Stream) SelectedFields() []string {
	fields := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Unsupported {
			continue
		}
		if !f.Selected && !f.Automatic {
			continue
		}
		if f.Name == "Deleted" {
			continue
		}
		fields = append(fields, f.Name)
	}
	sort.Strings(fields)
	return fields
}

// QueryFields returns SelectedFields in query form, rewriting joined fields
// into parent-object dot notation
func (s Stream) QueryFields() []string {
	byname := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		byname[f.Name] = f
	}
	fields := s.SelectedFields()
	out := make([]string, 0, len(fields))
	for _, name := range fields {
		f := byname[name]
		if f.JoinedObject != "" {
			out = append(out, f.JoinedObject+"."+strings.Replace(name, f.JoinedObject, "", 1))
		} else {
			out = append(out, name)
		}
	}
	return out
}

// FieldType returns the declared type for a field name as seen in a parsed row,
// matching both plain and flattened joined-field spellings
func (s Stream) FieldType(name string) (FieldType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}
