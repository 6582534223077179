// Package records defines the read-only record store the analytics engine
// queries, the object schemas pipelines are validated against, and the
// store backends.
package records

import (
	"context"
	"maps"
)

// Record is one row of a named object. Lookup stages nest joined records
// as map values.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	return maps.Clone(r)
}

// Op is a store-level filter operator.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Condition restricts one field. For OpIn, Value must be a []any.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Filter is a conjunction of conditions pushed down to the store.
type Filter []Condition

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// In builds a set-membership condition.
func In(field string, values []any) Condition {
	return Condition{Field: field, Op: OpIn, Value: values}
}

// Matches evaluates the filter in memory.
func (f Filter) Matches(r Record) bool {
	for _, c := range f {
		v, ok := Get(r, c.Field)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if !Equal(v, c.Value) {
				return false
			}
		case OpIn:
			values, _ := c.Value.([]any)
			found := false
			for _, candidate := range values {
				if Equal(v, candidate) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// FindOptions tunes a Find call.
type FindOptions struct {
	// Fields limits the returned fields. Empty means all.
	Fields []string
	// Limit caps the number of returned records. Zero means no cap.
	Limit int
}

// Store provides filterable queries over named objects.
type Store interface {
	Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error)

// Find calls f.
func (f StoreFunc) Find(ctx context.Context, object string, filter Filter, opts FindOptions) ([]Record, error) {
	return f(ctx, object, filter, opts)
}

func project(r Record, fields []string) Record {
	if len(fields) == 0 {
		return r.Clone()
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}
