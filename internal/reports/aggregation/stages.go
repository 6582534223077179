package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Kind identifies a stage variant. It is also the stage's JSON envelope key.
type Kind string

const (
	KindMatch   Kind = "match"
	KindGroup   Kind = "group"
	KindSort    Kind = "sort"
	KindProject Kind = "project"
	KindLimit   Kind = "limit"
	KindLookup  Kind = "lookup"
	KindCompute Kind = "compute"
)

// Stage is one transformation step. The set of implementations is closed.
type Stage interface {
	Kind() Kind
	validate(v *validation, path string) error
	apply(ctx context.Context, r *runner, rows []records.Record) ([]records.Record, error)
}

// Pipeline is an ordered list of stages over a named source object.
type Pipeline struct {
	Source string  `json:"source"`
	Stages []Stage `json:"stages"`
}

// Params lists the parameter placeholders referenced by match stages.
func (p *Pipeline) Params() []string {
	set := map[string]bool{}
	for _, s := range p.Stages {
		if m, ok := s.(*MatchStage); ok {
			m.Predicate.params(set)
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind returns a copy of the pipeline with parameter placeholders replaced
// by values. Referencing a parameter missing from values is a
// ValidationError. A nil value means the parameter is unset: its leaves are
// dropped, and a match stage left with no condition is removed.
func (p *Pipeline) Bind(values map[string]any) (*Pipeline, error) {
	out := &Pipeline{Source: p.Source, Stages: make([]Stage, 0, len(p.Stages))}
	for i, s := range p.Stages {
		m, ok := s.(*MatchStage)
		if !ok {
			out.Stages = append(out.Stages, s)
			continue
		}
		bound, keep, err := m.Predicate.bind(fmt.Sprintf("stages[%d].match", i), values)
		if err != nil {
			return nil, err
		}
		if keep {
			out.Stages = append(out.Stages, &MatchStage{Predicate: bound})
		}
	}
	return out, nil
}

// MarshalJSON writes each stage as a single-key {"<kind>": {...}} object.
func (p Pipeline) MarshalJSON() ([]byte, error) {
	stages := make([]map[Kind]Stage, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = map[Kind]Stage{s.Kind(): s}
	}
	return json.Marshal(struct {
		Source string           `json:"source"`
		Stages []map[Kind]Stage `json:"stages"`
	}{p.Source, stages})
}

// UnmarshalJSON decodes stage envelopes. An envelope with zero or several
// keys, or an unknown kind, is rejected.
func (p *Pipeline) UnmarshalJSON(data []byte) error {
	var raw struct {
		Source string            `json:"source"`
		Stages []json.RawMessage `json:"stages"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Source = raw.Source
	p.Stages = make([]Stage, 0, len(raw.Stages))
	for i, msg := range raw.Stages {
		s, err := decodeStage(msg)
		if err != nil {
			return errdefs.Validation(fmt.Sprintf("stages[%d]", i), "invalid_stage", "%v", err)
		}
		p.Stages = append(p.Stages, s)
	}
	return nil
}

func decodeStage(msg json.RawMessage) (Stage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return nil, fmt.Errorf("stage must be an object: %w", err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("stage must have exactly one kind key, got %d", len(envelope))
	}

	for key, body := range envelope {
		var s Stage
		switch Kind(key) {
		case KindMatch:
			s = &MatchStage{}
		case KindGroup:
			s = &GroupStage{}
		case KindSort:
			s = &SortStage{}
		case KindProject:
			s = &ProjectStage{}
		case KindLimit:
			s = &LimitStage{}
		case KindLookup:
			s = &LookupStage{}
		case KindCompute:
			s = &ComputeStage{}
		default:
			return nil, fmt.Errorf("unknown stage kind %q", key)
		}
		if err := json.Unmarshal(body, s); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("empty stage")
}

func isArray(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ===== match =====

// MatchStage keeps rows satisfying the predicate.
type MatchStage struct {
	Predicate Predicate
}

func (s *MatchStage) Kind() Kind { return KindMatch }

func (s MatchStage) MarshalJSON() ([]byte, error) { return json.Marshal(s.Predicate) }

func (s *MatchStage) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &s.Predicate)
}

func (s *MatchStage) validate(v *validation, path string) error {
	return s.Predicate.validate(path, v.fields)
}

func (s *MatchStage) apply(_ context.Context, _ *runner, rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, 0, len(rows))
	for _, r := range rows {
		if s.Predicate.Eval(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ===== group =====

// AggregateOp is a per-partition aggregate function.
type AggregateOp string

const (
	AggCount AggregateOp = "count"
	AggSum   AggregateOp = "sum"
	AggAvg   AggregateOp = "avg"
	AggMin   AggregateOp = "min"
	AggMax   AggregateOp = "max"
)

// Aggregate computes Op over Field, writing the result to As. As defaults
// to "<op>_<field>", or "count" for a field-less count.
type Aggregate struct {
	Op    AggregateOp `json:"op"`
	Field string      `json:"field,omitempty"`
	As    string      `json:"as,omitempty"`
}

func (a Aggregate) name() string {
	switch {
	case a.As != "":
		return a.As
	case a.Field == "":
		return string(a.Op)
	default:
		return string(a.Op) + "_" + a.Field
	}
}

// GroupStage partitions rows by the By fields. With Count set each output
// row carries a "count" field.
type GroupStage struct {
	By         []string    `json:"by"`
	Count      bool        `json:"count,omitempty"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
}

func (s *GroupStage) Kind() Kind { return KindGroup }

func (s *GroupStage) UnmarshalJSON(data []byte) error {
	var raw struct {
		By         json.RawMessage `json:"by"`
		Count      bool            `json:"count"`
		Aggregates []Aggregate     `json:"aggregates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Count, s.Aggregates, s.By = raw.Count, raw.Aggregates, nil
	if len(raw.By) == 0 || string(raw.By) == "null" {
		return nil
	}
	if isArray(raw.By) {
		return json.Unmarshal(raw.By, &s.By)
	}
	var single string
	if err := json.Unmarshal(raw.By, &single); err != nil {
		return fmt.Errorf("by must be a field name or a list of field names")
	}
	s.By = []string{single}
	return nil
}

func (s *GroupStage) validate(v *validation, path string) error {
	out := make([]string, 0, len(s.By)+len(s.Aggregates)+1)
	for i, by := range s.By {
		if by == "" {
			return errdefs.Validation(fmt.Sprintf("%s.by[%d]", path, i), "required", "group key is empty")
		}
		if err := v.fields.require(by); err != nil {
			return err
		}
		out = append(out, by)
	}
	if s.Count {
		out = append(out, "count")
	}
	for i, a := range s.Aggregates {
		apath := fmt.Sprintf("%s.aggregates[%d]", path, i)
		switch a.Op {
		case AggCount:
		case AggSum, AggAvg, AggMin, AggMax:
			if a.Field == "" {
				return errdefs.Validation(apath+".field", "required", "%s requires a field", a.Op)
			}
		default:
			return errdefs.Validation(apath+".op", "unsupported_aggregate", "unsupported aggregate %q", a.Op)
		}
		if a.Field != "" {
			if err := v.fields.require(a.Field); err != nil {
				return err
			}
		}
		out = append(out, a.name())
	}

	seen := map[string]bool{}
	for _, name := range out {
		if seen[name] {
			return errdefs.Validation(path, "duplicate_field", "group produces field %q twice", name)
		}
		seen[name] = true
	}
	v.fields = v.fields.replace(out)
	return nil
}

type partition struct {
	key  []any
	rows []records.Record
}

func (s *GroupStage) apply(_ context.Context, _ *runner, rows []records.Record) ([]records.Record, error) {
	var order []string
	parts := map[string]*partition{}

	for _, r := range rows {
		key := make([]any, len(s.By))
		for i, by := range s.By {
			key[i], _ = records.Get(r, by)
		}
		id := records.KeyOf(key...)
		p, ok := parts[id]
		if !ok {
			p = &partition{key: key}
			parts[id] = p
			order = append(order, id)
		}
		p.rows = append(p.rows, r)
	}

	// A global aggregate over no rows still yields one row.
	if len(s.By) == 0 && len(order) == 0 {
		parts[""] = &partition{}
		order = append(order, "")
	}

	out := make([]records.Record, 0, len(order))
	for _, id := range order {
		p := parts[id]
		row := make(records.Record, len(s.By)+len(s.Aggregates)+1)
		for i, by := range s.By {
			row[by] = p.key[i]
		}
		if s.Count {
			row["count"] = len(p.rows)
		}
		for _, a := range s.Aggregates {
			v, err := aggregate(a, p.rows)
			if err != nil {
				return nil, err
			}
			row[a.name()] = v
		}
		out = append(out, row)
	}
	return out, nil
}

// ===== sort =====

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// SortKey orders by one field.
type SortKey struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction,omitempty"`
}

// SortStage is a stable multi-key sort. Nulls sort first ascending; mixed
// types order null < bool < number < string < time.
type SortStage struct {
	Keys []SortKey `json:"keys"`
}

func (s *SortStage) Kind() Kind { return KindSort }

func (s *SortStage) UnmarshalJSON(data []byte) error {
	if isArray(data) {
		return json.Unmarshal(data, &s.Keys)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if keys, ok := probe["keys"]; ok {
		return json.Unmarshal(keys, &s.Keys)
	}
	var single SortKey
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	s.Keys = []SortKey{single}
	return nil
}

func (s *SortStage) validate(v *validation, path string) error {
	if len(s.Keys) == 0 {
		return errdefs.Validation(path, "required", "sort requires at least one key")
	}
	for i, k := range s.Keys {
		switch k.Direction {
		case "", Asc, Desc:
		default:
			return errdefs.Validation(fmt.Sprintf("%s.keys[%d].direction", path, i), "invalid", "unsupported direction %q", k.Direction)
		}
		if err := v.fields.require(k.Field); err != nil {
			return err
		}
	}
	return nil
}

func (s *SortStage) apply(_ context.Context, _ *runner, rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range s.Keys {
			a, _ := records.Get(out[i], k.Field)
			b, _ := records.Get(out[j], k.Field)
			c := records.Order(a, b)
			if c == 0 {
				continue
			}
			if k.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out, nil
}

// ===== project =====

// Projection emits Field (or the value of Expr) under As.
type Projection struct {
	Field string `json:"field,omitempty"`
	As    string `json:"as,omitempty"`
	Expr  string `json:"expr,omitempty"`
}

func (p Projection) name() string {
	if p.As != "" {
		return p.As
	}
	return p.Field
}

// ProjectStage maps each row to the listed fields. Absent source values are
// left absent.
type ProjectStage struct {
	Fields []Projection `json:"fields"`
}

func (s *ProjectStage) Kind() Kind { return KindProject }

func (s *ProjectStage) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if isArray(data) {
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
	} else {
		var wrapped struct {
			Fields []json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return err
		}
		items = wrapped.Fields
	}

	s.Fields = make([]Projection, 0, len(items))
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			s.Fields = append(s.Fields, Projection{Field: name})
			continue
		}
		var p Projection
		if err := json.Unmarshal(item, &p); err != nil {
			return fmt.Errorf("projection must be a field name or an object: %w", err)
		}
		s.Fields = append(s.Fields, p)
	}
	return nil
}

func (s *ProjectStage) validate(v *validation, path string) error {
	if len(s.Fields) == 0 {
		return errdefs.Validation(path, "required", "project requires at least one field")
	}
	out := make([]string, 0, len(s.Fields))
	seen := map[string]bool{}
	for i, p := range s.Fields {
		ppath := fmt.Sprintf("%s.fields[%d]", path, i)
		switch {
		case p.Expr != "":
			if p.As == "" {
				return errdefs.Validation(ppath+".as", "required", "expression projections need an output name")
			}
			if err := v.compile(p.Expr); err != nil {
				return err
			}
		case p.Field != "":
			if err := v.fields.require(p.Field); err != nil {
				return err
			}
		default:
			return errdefs.Validation(ppath, "required", "projection needs a field or an expression")
		}
		if seen[p.name()] {
			return errdefs.Validation(ppath, "duplicate_field", "project produces field %q twice", p.name())
		}
		seen[p.name()] = true
		out = append(out, p.name())
	}
	v.fields = v.fields.replace(out)
	return nil
}

func (s *ProjectStage) apply(_ context.Context, r *runner, rows []records.Record) ([]records.Record, error) {
	out := make([]records.Record, len(rows))
	for i, row := range rows {
		projected := make(records.Record, len(s.Fields))
		for _, p := range s.Fields {
			if p.Expr != "" {
				v, err := r.exprs[p.Expr].Eval(row)
				if err != nil {
					return nil, fmt.Errorf("project %s: %w", p.name(), err)
				}
				projected[p.name()] = v
				continue
			}
			if v, ok := records.Get(row, p.Field); ok {
				projected[p.name()] = v
			}
		}
		out[i] = projected
	}
	return out, nil
}

// ===== limit =====

// LimitStage keeps the first N rows. N <= 0 keeps none.
type LimitStage struct {
	N int `json:"n"`
}

func (s *LimitStage) Kind() Kind { return KindLimit }

func (s LimitStage) MarshalJSON() ([]byte, error) { return json.Marshal(s.N) }

func (s *LimitStage) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &s.N); err == nil {
		return nil
	}
	var wrapped struct {
		N int `json:"n"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return fmt.Errorf("limit must be an integer")
	}
	s.N = wrapped.N
	return nil
}

func (s *LimitStage) validate(*validation, string) error { return nil }

func (s *LimitStage) apply(_ context.Context, _ *runner, rows []records.Record) ([]records.Record, error) {
	if s.N <= 0 {
		return []records.Record{}, nil
	}
	if len(rows) <= s.N {
		return rows, nil
	}
	return rows[:s.N], nil
}

// ===== lookup =====

// LookupStage joins the first record of From whose ForeignField equals the
// row's LocalField, nested under As. Rows without a match are unchanged.
type LookupStage struct {
	From         string `json:"from"`
	LocalField   string `json:"localField"`
	ForeignField string `json:"foreignField"`
	As           string `json:"as"`
}

func (s *LookupStage) Kind() Kind { return KindLookup }

func (s *LookupStage) validate(v *validation, path string) error {
	if v.store == nil {
		return errdefs.Validation(path, "lookup_unavailable", "lookup requires a record store")
	}
	if s.From == "" || s.LocalField == "" || s.ForeignField == "" || s.As == "" {
		return errdefs.Validation(path, "required", "lookup requires from, localField, foreignField and as")
	}
	if err := v.fields.require(s.LocalField); err != nil {
		return err
	}
	foreign, err := v.schemas.Get(s.From)
	if err != nil {
		return err
	}
	if _, ok := foreign.Field(s.ForeignField); !ok {
		return &errdefs.SchemaError{Object: s.From, Field: s.ForeignField}
	}
	v.fields = v.fields.nest(s.As, foreign)
	return nil
}

func (s *LookupStage) apply(ctx context.Context, r *runner, rows []records.Record) ([]records.Record, error) {
	var keys []any
	seen := map[string]bool{}
	for _, row := range rows {
		v, ok := records.Get(row, s.LocalField)
		if !ok || v == nil {
			continue
		}
		id := records.KeyOf(v)
		if !seen[id] {
			seen[id] = true
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		return rows, nil
	}

	filter, err := r.scope(s.From)
	if err != nil {
		return nil, err
	}
	filter = append(append(records.Filter{}, filter...), records.In(s.ForeignField, keys))

	foreign, err := r.store.Find(ctx, s.From, filter, records.FindOptions{})
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", s.From, err)
	}
	index := make(map[string]records.Record, len(foreign))
	for _, f := range foreign {
		v, ok := records.Get(f, s.ForeignField)
		if !ok {
			continue
		}
		id := records.KeyOf(v)
		if _, dup := index[id]; !dup {
			index[id] = f
		}
	}

	out := make([]records.Record, len(rows))
	for i, row := range rows {
		out[i] = row
		v, ok := records.Get(row, s.LocalField)
		if !ok || v == nil {
			continue
		}
		if match, ok := index[records.KeyOf(v)]; ok {
			joined := row.Clone()
			joined[s.As] = match
			out[i] = joined
		}
	}
	return out, nil
}

// ===== compute =====

// ComputeStage derives Field from Expr.
type ComputeStage struct {
	Field string `json:"field"`
	Expr  string `json:"expr"`
}

func (s *ComputeStage) Kind() Kind { return KindCompute }

func (s *ComputeStage) validate(v *validation, path string) error {
	if s.Field == "" {
		return errdefs.Validation(path+".field", "required", "compute requires an output field")
	}
	if err := v.compile(s.Expr); err != nil {
		return err
	}
	v.fields = v.fields.add(s.Field)
	return nil
}

func (s *ComputeStage) apply(_ context.Context, r *runner, rows []records.Record) ([]records.Record, error) {
	expr := r.exprs[s.Expr]
	out := make([]records.Record, len(rows))
	for i, row := range rows {
		v, err := expr.Eval(row)
		if err != nil {
			return nil, fmt.Errorf("compute %s: %w", s.Field, err)
		}
		derived := row.Clone()
		derived[s.Field] = v
		out[i] = derived
	}
	return out, nil
}
