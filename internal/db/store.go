package db

import (
	"context"
	"errors"
	"time"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("db: not found")

// ListOptions paginate and order the participant listing.
type ListOptions struct {
	Sort   string // suspicionScore | lastActive | totalEvents
	Order  string // asc | desc
	Limit  int
	Offset int
}

// EventQuery filters one participant's event timeline.
type EventQuery struct {
	Limit       int
	Offset      int
	Kind        models.EventKind // "" = all kinds
	FlaggedOnly bool
}

// BreakdownRow groups a participant's events by (kind, flagged).
type BreakdownRow struct {
	Kind     models.EventKind `json:"kind"`
	Flagged  bool             `json:"flagged"`
	Count    int              `json:"count"`
	AvgScore float64          `json:"avgScore"`
	MaxScore float64          `json:"maxScore"`
}

// SuspiciousParticipant enriches a participant with its flagged-event count.
type SuspiciousParticipant struct {
	models.Participant
	FlaggedEventCount int `json:"flaggedEventCount"`
}

// Overview is the contest-wide analytics snapshot.
type Overview struct {
	TotalParticipants  int     `json:"totalParticipants"`
	ActiveParticipants int     `json:"activeParticipants"` // active within 5 min
	TotalEvents        int64   `json:"totalEvents"`
	FlaggedEvents      int64   `json:"flaggedEvents"`
	AvgSuspicion       float64 `json:"avgSuspicion"`
}

// Store is the narrow persistence contract the engine runs against. The
// production implementation is PostgresStore; MemoryStore backs tests and
// local development without a database.
type Store interface {
	// Participants. UpsertParticipant creates the document on first
	// contact and always advances lastActive.
	UpsertParticipant(ctx context.Context, machineID, sessionID, workspace string) (*models.Participant, error)
	GetParticipant(ctx context.Context, machineID string) (*models.Participant, error)
	ListParticipants(ctx context.Context, opts ListOptions) ([]models.Participant, int, error)
	// UpdateParticipantState persists the counters, score, totalEvents
	// and lastActive of an updated participant.
	UpdateParticipantState(ctx context.Context, p *models.Participant) error

	// Events. AppendEvents is bulk, unordered; individual row failures do
	// not abort the batch.
	AppendEvents(ctx context.Context, participantID string, events []models.Event) error
	ListEvents(ctx context.Context, participantID string, q EventQuery) ([]models.Event, int, error)
	SuspicionBreakdown(ctx context.Context, participantID string) ([]BreakdownRow, error)

	// Recent-context reads for the scorer.
	RecentClipboardCount(ctx context.Context, participantID string, since time.Time) (int, error)
	HasAnyTypingEvent(ctx context.Context, participantID string) (bool, error)

	// Typing pattern: append, truncate to the 10000/8000 rule, recompute
	// statistics atomically.
	UpdateTypingPattern(ctx context.Context, participantID string, intervals []float64) (*models.TypingPattern, error)
	GetTypingPattern(ctx context.Context, participantID string) (*models.TypingPattern, error)

	// Analytics.
	SuspiciousParticipants(ctx context.Context, limit int) ([]SuspiciousParticipant, error)
	OverviewStats(ctx context.Context) (*Overview, error)

	// Source analysis records. Bounded lists are truncated on write.
	GetOrCreateSourceAnalysis(ctx context.Context, participantID, owner, repo, defaultBranch string) (*models.SourceAnalysisRecord, error)
	GetSourceAnalysis(ctx context.Context, participantID string) (*models.SourceAnalysisRecord, error)
	PersistSourceAnalysis(ctx context.Context, rec *models.SourceAnalysisRecord) error
	ListRegisteredSourceAnalyses(ctx context.Context) ([]models.SourceAnalysisRecord, error)
	TopSourceAnalyses(ctx context.Context, limit int) ([]models.SourceAnalysisRecord, error)

	Ping(ctx context.Context) error
	Close()
}

// appendTypingIntervals applies the bounded-sequence rule shared by both
// store implementations: when the merged sequence exceeds MaxTypingSamples,
// the oldest samples are discarded so that exactly the most recent
// MaxTypingSamples − TypingTruncateBy remain.
func appendTypingIntervals(existing, added []float64) []float64 {
	merged := append(append([]float64{}, existing...), added...)
	if len(merged) > models.MaxTypingSamples {
		keep := models.MaxTypingSamples - models.TypingTruncateBy
		merged = merged[len(merged)-keep:]
	}
	return merged
}
