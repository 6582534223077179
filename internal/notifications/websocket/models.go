package websocket

import (
	"encoding/json"
	"time"
)

// Message types exchanged over /ws/reports.
const (
	MessageTypeReport    = "report"
	MessageTypeStatus    = "status"
	MessageTypeSubscribe = "subscribe"
	MessageTypeError     = "error"
)

// Message is the WebSocket message format
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel,omitempty"`
	Target    string    `json:"target,omitempty"`
}

// ReportNotice is the data of a report message. Result is set for JSON
// reports only; other formats are announced without their body.
type ReportNotice struct {
	ScheduleID  string          `json:"schedule_id"`
	ReportID    string          `json:"report_id"`
	ExecutionID string          `json:"execution_id"`
	Name        string          `json:"name"`
	Format      string          `json:"format"`
	RowCount    int             `json:"row_count"`
	GeneratedAt time.Time       `json:"generated_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// ConnectionInfo represents connection information for monitoring
type ConnectionInfo struct {
	ConnectionID  string    `json:"connection_id"`
	UserID        string    `json:"user_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	UserAgent     string    `json:"user_agent"`
	IPAddress     string    `json:"ip_address"`
}
