package models

import "time"

// EventKind enumerates the telemetry event types shipped by the editor agent.
type EventKind string

const (
	EventPaste         EventKind = "paste"
	EventTyping        EventKind = "typing"
	EventFileChange    EventKind = "file_change"
	EventFileOperation EventKind = "file_operation"
	EventWindowBlur    EventKind = "window_blur"
	EventClipboard     EventKind = "clipboard"
)

// ValidEventKind reports whether k is one of the known agent event kinds.
func ValidEventKind(k EventKind) bool {
	switch k {
	case EventPaste, EventTyping, EventFileChange, EventFileOperation,
		EventWindowBlur, EventClipboard:
		return true
	}
	return false
}

// EventData is the opaque per-kind payload shipped with each event. It is
// stored as-is; the scorer destructures it through the typed accessors
// below, which tolerate missing or malformed fields (JSON numbers decode as
// float64).
type EventData map[string]any

func (d EventData) number(key string) (float64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (d EventData) str(key string) string {
	if v, ok := d[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Length returns data.length, the character count of pasted content.
func (d EventData) Length() int {
	n, _ := d.number("length")
	return int(n)
}

// Anomaly returns data.anomaly for typing events ("" when absent).
func (d EventData) Anomaly() string { return d.str("anomaly") }

// IntervalMs returns data.interval, the inter-keystroke interval.
func (d EventData) IntervalMs() (float64, bool) { return d.number("interval") }

// Focused reports data.focused for window_blur events. The second return
// is false when the field is absent.
func (d EventData) Focused() (bool, bool) {
	v, ok := d["focused"]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// UnfocusedDurationMs returns data.unfocusedDurationMs for blur events.
func (d EventData) UnfocusedDurationMs() int64 {
	n, _ := d.number("unfocusedDurationMs")
	return int64(n)
}

// Operation returns data.operation for file_operation events.
func (d EventData) Operation() string { return d.str("operation") }

// Event is an immutable scored telemetry record belonging to one participant.
type Event struct {
	ID             string    `json:"id"`
	ParticipantID  string    `json:"participantId"`
	Kind           EventKind `json:"kind"`
	Timestamp      time.Time `json:"timestamp"`
	Data           EventData `json:"data"`
	SuspicionScore float64   `json:"suspicionScore"`
	Reasons        []string  `json:"reasons,omitempty"`
	Flagged        bool      `json:"flagged"`
}

// FlagThreshold is the per-event score at or above which an event is flagged.
const FlagThreshold = 0.5
