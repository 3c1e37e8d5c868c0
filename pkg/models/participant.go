package models

import "time"

// ParticipantStats holds the cumulative behavioural counters for one
// participant. The aggregate suspicion score is recomputed from these
// counters on every successful ingest and is never edited directly.
type ParticipantStats struct {
	PasteCount        int   `json:"pasteCount"`
	PasteCharsTotal   int64 `json:"pasteCharsTotal"`
	TypingAnomalies   int   `json:"typingAnomalies"`
	WindowBlurCount   int   `json:"windowBlurCount"`
	WindowBlurTotalMs int64 `json:"windowBlurTotalMs"`
	ClipboardChanges  int   `json:"clipboardChanges"`
	FilesCreated      int   `json:"filesCreated"`
	FilesDeleted      int   `json:"filesDeleted"`
}

// Participant is the per-machine behavioural document. Created on first
// ingest with an unknown machine id; never destroyed during a contest.
type Participant struct {
	MachineID           string           `json:"machineId"`
	ExternalAccountName string           `json:"externalAccountName,omitempty"`
	SessionID           string           `json:"sessionId"`
	Workspace           string           `json:"workspace"`
	StartedAt           time.Time        `json:"startedAt"`
	LastActive          time.Time        `json:"lastActive"`
	TotalEvents         int64            `json:"totalEvents"`
	Stats               ParticipantStats `json:"stats"`
	SuspicionScore      float64          `json:"suspicionScore"`
}

// DisplayName prefers the external identity when the agent reported one.
func (p *Participant) DisplayName() string {
	if p.ExternalAccountName != "" {
		return p.ExternalAccountName
	}
	return p.MachineID
}

// TypingStats are the derived statistics over a participant's
// inter-keystroke interval sequence.
type TypingStats struct {
	AvgInterval float64 `json:"avgInterval"` // milliseconds
	Variance    float64 `json:"variance"`
	StdDev      float64 `json:"stdDev"`
	SampleCount int     `json:"sampleCount"`
	WPMEstimate float64 `json:"wpmEstimate"`
}

// TypingPattern is the bounded inter-keystroke interval sequence for one
// participant. The sequence is capped at MaxTypingSamples; on overflow the
// oldest TypingTruncateBy samples are discarded.
type TypingPattern struct {
	ParticipantID string      `json:"participantId"`
	Intervals     []float64   `json:"intervals"`
	Stats         TypingStats `json:"stats"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

const (
	// MaxTypingSamples is the hard cap on stored intervals.
	MaxTypingSamples = 10000
	// TypingTruncateBy is how many of the oldest samples are dropped when
	// the cap is exceeded, preserving the most recent 8000.
	TypingTruncateBy = 2000
)
