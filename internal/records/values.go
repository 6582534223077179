package records

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Get resolves a dotted path such as "owner.name" through nested records.
func Get(r Record, path string) (any, bool) {
	if v, ok := r[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	switch nested := r[head].(type) {
	case Record:
		return Get(nested, rest)
	case map[string]any:
		return Get(Record(nested), rest)
	default:
		return nil, false
	}
}

// Number converts numeric values to float64. Strings are not numbers.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case decimal.Decimal:
		return n.InexactFloat64(), true
	default:
		return 0, false
	}
}

// Decimal converts numeric values to an exact decimal.
func Decimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	}
	f, ok := Number(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(f), true
}

// Time converts time values and RFC 3339 / ISO date strings to time.Time.
func Time(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Compare orders two values of compatible types. ok is false when the
// types cannot be compared (number vs string, for example).
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if x, ok := Number(a); ok {
		y, ok := Number(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(x, y), true
	}
	_, aTime := a.(time.Time)
	_, bTime := b.(time.Time)
	if aTime || bTime {
		x, okA := Time(a)
		y, okB := Time(b)
		if !okA || !okB {
			return 0, false
		}
		return x.Compare(y), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// Equal reports loose equality: numbers compare by value regardless of
// their Go type, times by instant.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return false
}

// Rank gives each value family a position in the cross-type sort order:
// null < bool < number < string < time < other.
func Rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := Number(v); ok {
		return 2
	}
	switch v.(type) {
	case bool:
		return 1
	case string:
		return 3
	case time.Time:
		return 4
	}
	return 5
}

// Order is a total order over arbitrary values used by stable sorts.
func Order(a, b any) int {
	ra, rb := Rank(a), Rank(b)
	if ra != rb {
		return ra - rb
	}
	if c, ok := Compare(a, b); ok {
		return c
	}
	return 0
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// KeyOf builds a grouping key from values. Numbers of different Go types
// with the same value produce the same key.
func KeyOf(values ...any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(keyPart(v))
	}
	return b.String()
}

func keyPart(v any) string {
	if v == nil {
		return "n:"
	}
	if f, ok := Number(v); ok {
		return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("o:%v", v)
}
