package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"carbon-scribe/analytics-engine/pkg/errdefs"
)

var (
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	everyPhrase = regexp.MustCompile(`^every\s+(\d+)\s+(minute|hour|day|week)s?$`)

	phraseUnits = map[string]time.Duration{
		"minute": time.Minute,
		"hour":   time.Hour,
		"day":    24 * time.Hour,
		"week":   7 * 24 * time.Hour,
	}
)

// Schedule is a parsed schedule expression.
type Schedule struct {
	Expr     string
	Location *time.Location
	spec     cron.Schedule
}

// ParseSchedule parses a 5-field cron expression, a cron descriptor such as
// "@daily" or "@every 90m", or a phrase like "every 2 hours". timezone is
// an IANA zone name; empty means UTC.
func ParseSchedule(expr, timezone string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errdefs.Validation("schedule", "required", "schedule expression is required")
	}

	loc := time.UTC
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, errdefs.Validation("timezone", "invalid_timezone", "unknown timezone %q", timezone)
		}
		loc = l
	}

	if m := everyPhrase.FindStringSubmatch(strings.ToLower(expr)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, errdefs.Validation("schedule", "invalid_schedule", "interval in %q must be positive", expr)
		}
		return &Schedule{
			Expr:     expr,
			Location: loc,
			spec:     cron.Every(time.Duration(n) * phraseUnits[m[2]]),
		}, nil
	}

	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, &errdefs.ValidationError{
			Field:   "schedule",
			Code:    "invalid_schedule",
			Message: fmt.Sprintf("cannot parse schedule %q", expr),
			Err:     err,
		}
	}
	return &Schedule{Expr: expr, Location: loc, spec: spec}, nil
}

// Next returns the first activation strictly after t, in UTC.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.spec.Next(t.In(s.Location)).UTC()
}
