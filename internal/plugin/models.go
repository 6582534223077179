package plugin

import (
	"time"

	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports/aggregation"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
)

// Host capabilities the plugin may depend on.
const (
	CapabilityRecordQuery     = "records.query"
	CapabilitySecurityContext = "security.context"
	CapabilityOutboundNetwork = "network.outbound"
)

// HostManifest is what the host offers the plugin at startup.
type HostManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the host offers capability.
func (m HostManifest) Has(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Host is the runtime that starts the plugin. It is passed to Start
// explicitly; the plugin keeps no global reference to it.
type Host interface {
	Manifest() HostManifest
	RecordStore() records.Store
	Logger() *zap.Logger
}

// StartupResult is the outcome of Start.
type StartupResult struct {
	Success   bool      `json:"success"`
	Plugin    string    `json:"plugin"`
	Version   string    `json:"version"`
	Reports   int       `json:"reports"`
	Schedules int       `json:"schedules"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// HealthStatus is the overall plugin health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is one subsystem's contribution to a HealthReport.
type HealthCheck struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport is returned by Health.
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Checks    []HealthCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// CapabilityManifest describes what the plugin offers the host.
type CapabilityManifest struct {
	Name            string                     `json:"name"`
	Version         string                     `json:"version"`
	Operations      []string                   `json:"operations"`
	Formats         []export.Format            `json:"formats"`
	StageKinds      []aggregation.Kind         `json:"stage_kinds"`
	DeliveryMethods []scheduler.DeliveryMethod `json:"delivery_methods"`
}

// Permission is one grant the plugin needs from the host.
type Permission struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// SecurityManifest enumerates the permissions the plugin requires.
type SecurityManifest struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}
