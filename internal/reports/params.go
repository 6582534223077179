package reports

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// ResolveParameters validates supplied values against the definition's
// parameter list and returns one value per declared parameter. Missing
// required parameters, unknown names and type mismatches are
// ValidationErrors. Optional parameters that were not supplied take their
// declared default, or nil.
func ResolveParameters(def *ReportDefinition, supplied map[string]any) (map[string]any, error) {
	var unknown []string
	for name := range supplied {
		if _, ok := def.Parameter(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errdefs.Validation(unknown[0], "unknown_parameter",
			"report %s does not declare parameter(s) %s", def.ID, strings.Join(unknown, ", "))
	}

	resolved := make(map[string]any, len(def.Parameters))
	for i := range def.Parameters {
		p := &def.Parameters[i]
		raw, ok := supplied[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, errdefs.Validation(p.Name, "missing_parameter",
					"parameter %q is required by report %s", p.Name, def.ID)
			}
			raw = p.Default
		}
		if raw == nil {
			// unset; Pipeline.Bind drops the conditions that use it
			resolved[p.Name] = nil
			continue
		}
		value, err := coerceParameter(p, raw)
		if err != nil {
			return nil, err
		}
		resolved[p.Name] = value
	}
	return resolved, nil
}

// coerceParameter converts raw to the parameter's declared type. Strings
// are accepted for every type so values from query strings and the CLI
// resolve the same way as JSON values.
func coerceParameter(p *ReportParameter, raw any) (any, error) {
	mismatch := func() error {
		return errdefs.Validation(p.Name, "type_mismatch",
			"parameter %q expects %s, got %T", p.Name, p.Type, raw)
	}

	switch p.Type {
	case ParameterTypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil

	case ParameterTypeNumber:
		if s, ok := raw.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, mismatch()
			}
			return f, nil
		}
		if _, ok := raw.(bool); ok {
			return nil, mismatch()
		}
		f, ok := records.Number(raw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, mismatch()
		}
		return f, nil

	case ParameterTypeInteger:
		if s, ok := raw.(string); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, mismatch()
			}
			return n, nil
		}
		if n, ok := raw.(json.Number); ok {
			i, err := n.Int64()
			if err != nil {
				return nil, mismatch()
			}
			return i, nil
		}
		if _, ok := raw.(bool); ok {
			return nil, mismatch()
		}
		f, ok := records.Number(raw)
		if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return nil, mismatch()
		}
		return int64(f), nil

	case ParameterTypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, mismatch()
			}
			return b, nil
		}
		return nil, mismatch()

	case ParameterTypeDate:
		switch raw.(type) {
		case time.Time, string:
			t, ok := records.Time(raw)
			if !ok {
				return nil, mismatch()
			}
			return t.UTC(), nil
		}
		return nil, mismatch()

	case ParameterTypeSelect:
		for _, option := range p.Options {
			if records.Equal(raw, option) {
				return option, nil
			}
		}
		return nil, errdefs.Validation(p.Name, "invalid_option",
			"parameter %q must be one of %v, got %v", p.Name, p.Options, raw)
	}
	return nil, fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
}
