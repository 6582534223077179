package records

import (
	"fmt"
	"sort"
	"sync"

	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// FieldType is the declared type of an object field.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeDate      FieldType = "date"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeUUID      FieldType = "uuid"
	FieldTypeObject    FieldType = "object"
)

// FieldSchema represents a field in an object schema
type FieldSchema struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Label    string    `json:"label,omitempty"`
	Nullable bool      `json:"nullable,omitempty"`
}

// ObjectSchema describes a named object served by the record store.
type ObjectSchema struct {
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Fields      []FieldSchema `json:"fields"`
	// TenantField and OwnerField name the fields used to scope queries for
	// non-system callers. Empty means the object is not scoped that way.
	TenantField string `json:"tenant_field,omitempty"`
	OwnerField  string `json:"owner_field,omitempty"`
}

// Field returns the named field.
func (s *ObjectSchema) Field(name string) (FieldSchema, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSchema{}, false
}

// FieldNames returns the declared field names in declaration order.
func (s *ObjectSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks the schema is self-consistent.
func (s *ObjectSchema) Validate() error {
	if s.Name == "" {
		return errdefs.Validation("name", "required", "object name is required")
	}
	if len(s.Fields) == 0 {
		return errdefs.Validation(s.Name+".fields", "required", "object %q declares no fields", s.Name)
	}
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		path := fmt.Sprintf("%s.fields[%d]", s.Name, i)
		if f.Name == "" {
			return errdefs.Validation(path, "required", "field name is required")
		}
		if seen[f.Name] {
			return errdefs.Validation(path, "duplicate", "duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case FieldTypeString, FieldTypeNumber, FieldTypeInteger, FieldTypeBoolean,
			FieldTypeDate, FieldTypeTimestamp, FieldTypeUUID, FieldTypeObject:
		default:
			return errdefs.Validation(path+".type", "invalid", "unsupported field type %q", f.Type)
		}
	}
	for _, scoped := range []string{s.TenantField, s.OwnerField} {
		if scoped != "" && !seen[scoped] {
			return &errdefs.SchemaError{Object: s.Name, Field: scoped}
		}
	}
	return nil
}

// Registry holds the object schemas known to the engine.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*ObjectSchema
}

// NewRegistry creates a registry pre-populated with schemas.
func NewRegistry(schemas ...*ObjectSchema) (*Registry, error) {
	r := &Registry{objects: make(map[string]*ObjectSchema)}
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a schema, replacing any previous one.
func (r *Registry) Register(s *ObjectSchema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[s.Name] = s
	return nil
}

// Get returns the named schema or a SchemaError.
func (r *Registry) Get(name string) (*ObjectSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.objects[name]
	if !ok {
		return nil, &errdefs.SchemaError{Object: name}
	}
	return s, nil
}

// Names lists registered objects alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.objects))
	for name := range r.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
