package aggregation

import (
	"maps"
	"strings"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// fieldSet tracks the fields available at a point in the pipeline. Fields
// typed as objects accept any dotted sub-path.
type fieldSet struct {
	object string
	names  map[string]bool
	open   map[string]bool
}

func schemaFields(schema *records.ObjectSchema) fieldSet {
	fs := fieldSet{object: schema.Name, names: map[string]bool{}, open: map[string]bool{}}
	for _, f := range schema.Fields {
		fs.names[f.Name] = true
		if f.Type == records.FieldTypeObject {
			fs.open[f.Name] = true
		}
	}
	return fs
}

func (fs fieldSet) has(path string) bool {
	if fs.names[path] {
		return true
	}
	for i := strings.LastIndexByte(path, '.'); i > 0; i = strings.LastIndexByte(path[:i], '.') {
		if fs.open[path[:i]] {
			return true
		}
	}
	return false
}

func (fs fieldSet) require(path string) error {
	if fs.has(path) {
		return nil
	}
	return &errdefs.SchemaError{Object: fs.object, Field: path}
}

func (fs fieldSet) replace(names []string) fieldSet {
	next := fieldSet{object: fs.object, names: make(map[string]bool, len(names)), open: map[string]bool{}}
	for _, n := range names {
		next.names[n] = true
		if fs.open[n] {
			next.open[n] = true
		}
		// Keep nested lookup paths reachable when their parent survives.
		prefix := n + "."
		for name := range fs.names {
			if strings.HasPrefix(name, prefix) {
				next.names[name] = true
			}
		}
		for name := range fs.open {
			if strings.HasPrefix(name, prefix) {
				next.open[name] = true
			}
		}
	}
	return next
}

func (fs fieldSet) add(name string) fieldSet {
	next := fieldSet{object: fs.object, names: maps.Clone(fs.names), open: maps.Clone(fs.open)}
	next.names[name] = true
	return next
}

func (fs fieldSet) nest(as string, foreign *records.ObjectSchema) fieldSet {
	next := fs.add(as)
	for _, f := range foreign.Fields {
		next.names[as+"."+f.Name] = true
		if f.Type == records.FieldTypeObject {
			next.open[as+"."+f.Name] = true
		}
	}
	return next
}

// validation carries state through a pre-run pipeline check.
type validation struct {
	schemas *records.Registry
	store   records.Store
	fields  fieldSet
	exprs   map[string]*Expression
}

func (v *validation) compile(src string) error {
	if _, ok := v.exprs[src]; ok {
		return v.requireAll(v.exprs[src])
	}
	expr, err := CompileExpression(src)
	if err != nil {
		return err
	}
	if err := v.requireAll(expr); err != nil {
		return err
	}
	v.exprs[src] = expr
	return nil
}

func (v *validation) requireAll(expr *Expression) error {
	for _, f := range expr.Fields() {
		if err := v.fields.require(f); err != nil {
			return err
		}
	}
	return nil
}
