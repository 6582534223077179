package aggregation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"carbon-scribe/analytics-engine/internal/records"
)

// aggregate evaluates one aggregate over a partition. count counts rows;
// the other functions skip null values. A sum of no values is 0; avg, min
// and max of no values are null.
func aggregate(a Aggregate, rows []records.Record) (any, error) {
	if a.Op == AggCount {
		return len(rows), nil
	}

	switch a.Op {
	case AggSum, AggAvg:
		sum := decimal.Zero
		n := 0
		for _, r := range rows {
			v, _ := records.Get(r, a.Field)
			if v == nil {
				continue
			}
			d, ok := records.Decimal(v)
			if !ok {
				return nil, fmt.Errorf("%s(%s): non-numeric value %v (%T)", a.Op, a.Field, v, v)
			}
			sum = sum.Add(d)
			n++
		}
		if a.Op == AggSum {
			return decimalValue(sum), nil
		}
		if n == 0 {
			return nil, nil
		}
		return decimalValue(sum.DivRound(decimal.NewFromInt(int64(n)), 16)), nil

	case AggMin, AggMax:
		var best any
		for _, r := range rows {
			v, _ := records.Get(r, a.Field)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			c, ok := records.Compare(v, best)
			if !ok {
				return nil, fmt.Errorf("%s(%s): cannot compare %T with %T", a.Op, a.Field, v, best)
			}
			if (a.Op == AggMin && c < 0) || (a.Op == AggMax && c > 0) {
				best = v
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("unsupported aggregate %q", a.Op)
}

// decimalValue renders whole numbers as int64 and the rest as float64.
func decimalValue(d decimal.Decimal) any {
	if d.IsInteger() && d.Abs().LessThan(decimal.NewFromInt(1<<53)) {
		return d.IntPart()
	}
	return d.InexactFloat64()
}
