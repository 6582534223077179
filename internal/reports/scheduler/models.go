package scheduler

import (
	"time"

	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/pkg/errdefs"
	"carbon-scribe/analytics-engine/pkg/security"
	"carbon-scribe/analytics-engine/pkg/workflows"
)

// DeliveryMethod selects the sink a scheduled report is sent to.
type DeliveryMethod string

const (
	DeliveryEmail     DeliveryMethod = "email"
	DeliverySES       DeliveryMethod = "ses"
	DeliveryWebhook   DeliveryMethod = "webhook"
	DeliveryS3        DeliveryMethod = "s3"
	DeliverySNS       DeliveryMethod = "sns"
	DeliveryWebsocket DeliveryMethod = "websocket"
	DeliveryLog       DeliveryMethod = "log"
)

// ScheduledReport is a report run on a recurring schedule together with its
// run state.
type ScheduledReport struct {
	ID             string         `json:"id" dynamodbav:"id"`
	ReportID       string         `json:"report_id" dynamodbav:"report_id"`
	Name           string         `json:"name,omitempty" dynamodbav:"name,omitempty"`
	Schedule       string         `json:"schedule" dynamodbav:"schedule"`
	Timezone       string         `json:"timezone,omitempty" dynamodbav:"timezone,omitempty"`
	Format         export.Format  `json:"format,omitempty" dynamodbav:"format,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty" dynamodbav:"parameters,omitempty"`
	DeliveryMethod DeliveryMethod `json:"delivery_method" dynamodbav:"delivery_method"`
	Recipients     []string       `json:"recipients,omitempty" dynamodbav:"recipients,omitempty"`
	// RunAs is the identity the report executes under. Nil means system.
	RunAs *security.Context `json:"run_as,omitempty" dynamodbav:"run_as,omitempty"`

	Status    workflows.Status `json:"status" dynamodbav:"status"`
	LastRunAt *time.Time       `json:"last_run_at,omitempty" dynamodbav:"last_run_at,omitempty"`
	NextRunAt *time.Time       `json:"next_run_at,omitempty" dynamodbav:"next_run_at,omitempty"`
	Attempts  int              `json:"attempts" dynamodbav:"attempts"`
	LastError string           `json:"last_error,omitempty" dynamodbav:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at" dynamodbav:"updated_at"`
}

func (sr *ScheduledReport) securityContext() security.Context {
	if sr.RunAs == nil {
		return security.System()
	}
	return *sr.RunAs
}

// due reports whether the report should be dispatched at now.
func (sr *ScheduledReport) due(now time.Time) bool {
	return sr.NextRunAt != nil && !sr.NextRunAt.After(now)
}

// clone copies the report so stores never share mutable state with callers.
func (sr *ScheduledReport) clone() *ScheduledReport {
	out := *sr
	if sr.Parameters != nil {
		out.Parameters = make(map[string]any, len(sr.Parameters))
		for k, v := range sr.Parameters {
			out.Parameters[k] = v
		}
	}
	out.Recipients = append([]string(nil), sr.Recipients...)
	if sr.RunAs != nil {
		runAs := *sr.RunAs
		out.RunAs = &runAs
	}
	if sr.LastRunAt != nil {
		t := *sr.LastRunAt
		out.LastRunAt = &t
	}
	if sr.NextRunAt != nil {
		t := *sr.NextRunAt
		out.NextRunAt = &t
	}
	return &out
}

// validate checks the fields that need no collaborators.
func (sr *ScheduledReport) validate() (*Schedule, error) {
	if sr.ID == "" {
		return nil, errdefs.Validation("id", "required", "scheduled report id is required")
	}
	if sr.ReportID == "" {
		return nil, errdefs.Validation("report_id", "required", "schedule %s: report id is required", sr.ID)
	}
	if sr.Format != "" && !sr.Format.Valid() {
		return nil, errdefs.Validation("format", "invalid_format", "schedule %s: unsupported format %q", sr.ID, sr.Format)
	}
	if sr.DeliveryMethod == "" {
		return nil, errdefs.Validation("delivery_method", "required", "schedule %s: delivery method is required", sr.ID)
	}
	return ParseSchedule(sr.Schedule, sr.Timezone)
}
