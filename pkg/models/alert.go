package models

import "time"

// Alert severity levels, in ascending order.
const (
	AlertNone     = "none"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Alert is a proctoring alert emitted when a participant crosses one of the
// configured thresholds, or posted directly to the alert egress endpoint.
type Alert struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Level         string    `json:"level"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName,omitempty"`
	Score         float64   `json:"score"`
	Reasons       []string  `json:"reasons"`
}
