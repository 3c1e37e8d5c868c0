package api

import (
	"encoding/json"
	"fmt"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Ingest payload limits.
const (
	maxBatchEvents     = 500
	maxTypingSamples   = 5000
	maxMachineIDLen    = 200
	maxEventDataBytes  = 8192
	recentClipboardWin = 60 // seconds
)

// IngestEvent is one telemetry event as submitted by the agent. Unknown
// fields are stripped by JSON decoding into this shape; data stays opaque.
type IngestEvent struct {
	Kind      string           `json:"kind"`
	Timestamp int64            `json:"timestamp"` // milliseconds
	Data      models.EventData `json:"data"`
	UserID    string           `json:"userId"`
	Workspace string           `json:"workspace"`
}

// IngestTypingSample is one inter-keystroke interval observation.
type IngestTypingSample struct {
	Timestamp int64   `json:"timestamp"`
	Interval  float64 `json:"interval"` // milliseconds
}

// IngestParticipant identifies the submitting sandbox.
type IngestParticipant struct {
	MachineID string `json:"machineId"`
	Workspace string `json:"workspace"`
	SessionID string `json:"sessionId"`
}

// IngestRequest is the POST /api/events body.
type IngestRequest struct {
	Events        []IngestEvent        `json:"events"`
	TypingPattern []IngestTypingSample `json:"typingPattern"`
	Participant   IngestParticipant    `json:"participant"`
}

// FieldError is one validation failure, reported to the client.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks the batch against the admission schema and returns every
// violation found (empty means the payload is admissible).
func (r *IngestRequest) Validate() []FieldError {
	var errs []FieldError

	if r.Participant.MachineID == "" {
		errs = append(errs, FieldError{"participant.machineId", "required"})
	} else if len(r.Participant.MachineID) > maxMachineIDLen {
		errs = append(errs, FieldError{"participant.machineId",
			fmt.Sprintf("exceeds %d characters", maxMachineIDLen)})
	}

	if len(r.Events) > maxBatchEvents {
		errs = append(errs, FieldError{"events",
			fmt.Sprintf("batch carries %d events, max %d", len(r.Events), maxBatchEvents)})
	}
	if len(r.TypingPattern) > maxTypingSamples {
		errs = append(errs, FieldError{"typingPattern",
			fmt.Sprintf("carries %d samples, max %d", len(r.TypingPattern), maxTypingSamples)})
	}

	for i, ev := range r.Events {
		field := fmt.Sprintf("events[%d]", i)
		if !models.ValidEventKind(models.EventKind(ev.Kind)) {
			errs = append(errs, FieldError{field + ".kind", "unknown event kind: " + ev.Kind})
		}
		if ev.Timestamp <= 0 {
			errs = append(errs, FieldError{field + ".timestamp", "must be a positive millisecond timestamp"})
		}
		if ev.Data != nil {
			if raw, err := json.Marshal(ev.Data); err != nil || len(raw) > maxEventDataBytes {
				errs = append(errs, FieldError{field + ".data",
					fmt.Sprintf("payload exceeds %d bytes", maxEventDataBytes)})
			}
		}
	}

	return errs
}
