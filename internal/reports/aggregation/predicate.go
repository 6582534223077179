package aggregation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Operator is a predicate comparison operator.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpBetween    Operator = "between"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
	OpIn: true, OpNotIn: true, OpBetween: true, OpIsNull: true, OpIsNotNull: true,
}

// Predicate is a node of a match tree. Exactly one of And, Or, Not or a
// leaf comparison (Field + Op) is set. A leaf takes its operand from Value,
// or from a report parameter when Param is set.
type Predicate struct {
	And []Predicate `json:"and,omitempty"`
	Or  []Predicate `json:"or,omitempty"`
	Not *Predicate  `json:"not,omitempty"`

	Field string   `json:"field,omitempty"`
	Op    Operator `json:"op,omitempty"`
	Value any      `json:"value,omitempty"`
	Param string   `json:"param,omitempty"`
}

// Equals builds a conjunction of equality leaves, one per field, in field
// name order.
func Equals(fields map[string]any) Predicate {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	leaves := make([]Predicate, 0, len(names))
	for _, name := range names {
		leaves = append(leaves, Predicate{Field: name, Op: OpEq, Value: fields[name]})
	}
	if len(leaves) == 1 {
		return leaves[0]
	}
	return Predicate{And: leaves}
}

// UnmarshalJSON accepts the tree form, a leaf with "op", the
// {"equals": {...}} shorthand and a bare field/value map.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("predicate must be an object: %w", err)
	}

	_, hasAnd := keys["and"]
	_, hasOr := keys["or"]
	_, hasNot := keys["not"]
	_, hasOp := keys["op"]
	_, hasField := keys["field"]
	_, hasValue := keys["value"]
	_, hasParam := keys["param"]
	if hasAnd || hasOr || hasNot || hasOp || (hasField && (hasValue || hasParam)) {
		type plain Predicate
		var decoded plain
		if err := json.Unmarshal(data, &decoded); err != nil {
			return err
		}
		*p = Predicate(decoded)
		if p.Field != "" && p.Op == "" {
			p.Op = OpEq
		}
		return nil
	}

	if raw, ok := keys["equals"]; ok && len(keys) == 1 {
		data = raw
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("equality predicate must map fields to values: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("empty predicate")
	}
	*p = Equals(fields)
	return nil
}

// validate checks the operator, operand shape and field references.
func (p *Predicate) validate(path string, fields fieldSet) error {
	set := 0
	if p.And != nil {
		set++
	}
	if p.Or != nil {
		set++
	}
	if p.Not != nil {
		set++
	}
	if set > 0 && p.Op != "" {
		set++
	}
	if set > 1 {
		return errdefs.Validation(path, "ambiguous_predicate", "predicate mixes and/or/not/leaf forms")
	}

	switch {
	case p.And != nil || p.Or != nil:
		children, name := p.And, "and"
		if p.Or != nil {
			children, name = p.Or, "or"
		}
		if len(children) == 0 {
			return errdefs.Validation(path+"."+name, "empty", "%s requires at least one predicate", name)
		}
		for i := range children {
			if err := children[i].validate(fmt.Sprintf("%s.%s[%d]", path, name, i), fields); err != nil {
				return err
			}
		}
		return nil
	case p.Not != nil:
		return p.Not.validate(path+".not", fields)
	}

	if p.Field == "" {
		return errdefs.Validation(path+".field", "required", "predicate field is required")
	}
	if !validOperators[p.Op] {
		return errdefs.Validation(path+".op", "unsupported_operator", "unsupported operator %q", p.Op)
	}
	if err := fields.require(p.Field); err != nil {
		return err
	}
	if p.Param != "" {
		return nil
	}
	return checkOperand(path, p.Op, p.Value)
}

func checkOperand(path string, op Operator, value any) error {
	switch op {
	case OpIsNull, OpIsNotNull:
		return nil
	case OpIn, OpNotIn:
		if _, ok := value.([]any); !ok {
			return errdefs.Validation(path+".value", "invalid_operand", "%s requires a list value", op)
		}
	case OpBetween:
		bounds, ok := value.([]any)
		if !ok || len(bounds) != 2 {
			return errdefs.Validation(path+".value", "invalid_operand", "between requires a [low, high] value")
		}
	case OpContains, OpStartsWith, OpEndsWith:
		if op != OpContains {
			if _, ok := value.(string); !ok {
				return errdefs.Validation(path+".value", "invalid_operand", "%s requires a string value", op)
			}
		}
	}
	return nil
}

// params lists placeholder names referenced by the tree.
func (p *Predicate) params(out map[string]bool) {
	for i := range p.And {
		p.And[i].params(out)
	}
	for i := range p.Or {
		p.Or[i].params(out)
	}
	if p.Not != nil {
		p.Not.params(out)
	}
	if p.Param != "" {
		out[p.Param] = true
	}
}

// bind returns a copy of the tree with placeholders replaced by values.
// A leaf whose parameter is bound to nil (an optional parameter left unset)
// is dropped, and so is any and/or/not node left without children. keep is
// false when the whole tree was dropped.
func (p Predicate) bind(path string, values map[string]any) (out Predicate, keep bool, err error) {
	out = p
	if p.And != nil {
		out.And, err = bindAll(path+".and", p.And, values)
		return out, len(out.And) > 0, err
	}
	if p.Or != nil {
		out.Or, err = bindAll(path+".or", p.Or, values)
		return out, len(out.Or) > 0, err
	}
	if p.Not != nil {
		child, keep, err := p.Not.bind(path+".not", values)
		if err != nil || !keep {
			return Predicate{}, false, err
		}
		out.Not = &child
		return out, true, nil
	}
	if p.Param != "" {
		v, ok := values[p.Param]
		if !ok {
			return Predicate{}, false, errdefs.Validation(path+".param", "unbound_parameter", "parameter %q is not bound", p.Param)
		}
		if v == nil {
			return Predicate{}, false, nil
		}
		if err := checkOperand(path, p.Op, v); err != nil {
			return Predicate{}, false, err
		}
		out.Value = v
		out.Param = ""
	}
	return out, true, nil
}

func bindAll(path string, preds []Predicate, values map[string]any) ([]Predicate, error) {
	out := make([]Predicate, 0, len(preds))
	for i := range preds {
		child, keep, err := preds[i].bind(fmt.Sprintf("%s[%d]", path, i), values)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, child)
		}
	}
	return out, nil
}

// Eval reports whether the record satisfies the predicate. Values of
// incompatible types never match.
func (p *Predicate) Eval(r records.Record) bool {
	switch {
	case p.And != nil:
		for i := range p.And {
			if !p.And[i].Eval(r) {
				return false
			}
		}
		return true
	case p.Or != nil:
		for i := range p.Or {
			if p.Or[i].Eval(r) {
				return true
			}
		}
		return false
	case p.Not != nil:
		return !p.Not.Eval(r)
	}

	v, _ := records.Get(r, p.Field)
	switch p.Op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	case OpEq:
		return records.Equal(v, p.Value)
	case OpNeq:
		c, ok := records.Compare(v, p.Value)
		return ok && c != 0
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := records.Compare(v, p.Value)
		if !ok {
			return false
		}
		switch p.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpContains:
		return contains(v, p.Value)
	case OpStartsWith:
		s, ok1 := v.(string)
		prefix, ok2 := p.Value.(string)
		return ok1 && ok2 && strings.HasPrefix(s, prefix)
	case OpEndsWith:
		s, ok1 := v.(string)
		suffix, ok2 := p.Value.(string)
		return ok1 && ok2 && strings.HasSuffix(s, suffix)
	case OpIn, OpNotIn:
		if v == nil {
			return false
		}
		list, _ := p.Value.([]any)
		found := false
		for _, candidate := range list {
			if records.Equal(v, candidate) {
				found = true
				break
			}
		}
		if p.Op == OpIn {
			return found
		}
		return !found
	case OpBetween:
		bounds, ok := p.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		lo, okLo := records.Compare(v, bounds[0])
		hi, okHi := records.Compare(v, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	}
	return false
}

func contains(v, needle any) bool {
	switch hay := v.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(hay, s)
	case []any:
		for _, item := range hay {
			if records.Equal(item, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range hay {
			if item == s {
				return true
			}
		}
	}
	return false
}
