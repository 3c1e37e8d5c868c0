package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Ingest Pipeline
//
// POST /api/events: admission control, per-event scoring, counter updates,
// persistence, alert evaluation and live fan-out — in that order. Admission
// failures reject before any store I/O; store failures mid-pipeline surface
// as server errors and the agent retries (at-least-once, idempotent score
// recomputation).

// Ingestor runs the event ingest pipeline.
type Ingestor struct {
	store   db.Store
	hub     *Hub
	alerts  *heuristics.AlertManager
	limiter *IngestLimiter
}

func NewIngestor(store db.Store, hub *Hub, alerts *heuristics.AlertManager, limiter *IngestLimiter) *Ingestor {
	return &Ingestor{store: store, hub: hub, alerts: alerts, limiter: limiter}
}

// IngestResult is the successful pipeline outcome.
type IngestResult struct {
	ParticipantScore float64 `json:"participantScore"`
	EventsProcessed  int     `json:"eventsProcessed"`
}

// Handle is the gin handler: admission control, then the pipeline.
func (ing *Ingestor) Handle(c *gin.Context) {
	if !ing.limiter.AllowGlobal() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Global rate limit exceeded"})
		return
	}

	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	// Per-participant budget, keyed on the payload identity with a source
	// IP fallback for malformed agents.
	key := req.Participant.MachineID
	if key == "" {
		key = c.ClientIP()
	}
	if allowed, retryAfter := ing.limiter.AllowParticipant(key); !allowed {
		c.Header("Retry-After", retryAfter.String())
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "Rate limit exceeded",
			"retryAfter": retryAfter.String(),
			"limit":      fmt.Sprintf("%d requests/minute per participant", participantRequestsPerMin),
		})
		return
	}

	if errs := req.Validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Validation failed", "fields": errs})
		return
	}

	result, err := ing.Process(c.Request.Context(), &req)
	if err != nil {
		log.Printf("[Ingest] Pipeline failure for %s: %v", req.Participant.MachineID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Store failure, retry the batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          fmt.Sprintf("Processed %d events", result.EventsProcessed),
		"participantScore": result.ParticipantScore,
	})
}

// Process runs the pipeline against an admissible batch.
func (ing *Ingestor) Process(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	now := time.Now()

	p, err := ing.store.UpsertParticipant(ctx,
		req.Participant.MachineID, req.Participant.SessionID, req.Participant.Workspace)
	if err != nil {
		return nil, fmt.Errorf("upsert participant: %w", err)
	}

	// Recent context for the scorer: one read each.
	clipboard60s, err := ing.store.RecentClipboardCount(ctx, p.MachineID, now.Add(-recentClipboardWin*time.Second))
	if err != nil {
		return nil, fmt.Errorf("clipboard context: %w", err)
	}
	hadTyping, err := ing.store.HasAnyTypingEvent(ctx, p.MachineID)
	if err != nil {
		return nil, fmt.Errorf("typing context: %w", err)
	}
	rc := heuristics.RecentContext{
		ClipboardChanges60s: clipboard60s,
		HadTypingBefore:     hadTyping,
	}

	// Batch-local typing statistics from the submitted intervals.
	intervals := make([]float64, 0, len(req.TypingPattern))
	for _, s := range req.TypingPattern {
		intervals = append(intervals, s.Interval)
	}
	typingStats := heuristics.ComputeTypingStats(intervals)

	events := make([]models.Event, 0, len(req.Events))
	for _, raw := range req.Events {
		ev := models.Event{
			ID:            uuid.NewString(),
			ParticipantID: p.MachineID,
			Kind:          models.EventKind(raw.Kind),
			Timestamp:     time.UnixMilli(raw.Timestamp),
			Data:          raw.Data,
		}
		if ev.Data == nil {
			ev.Data = models.EventData{}
		}

		score, reasons := heuristics.ScoreEvent(ev, typingStats, rc)
		ev.SuspicionScore = score
		ev.Reasons = reasons
		ev.Flagged = score >= models.FlagThreshold
		events = append(events, ev)

		applyCounters(&p.Stats, ev)
		if raw.UserID != "" && p.ExternalAccountName == "" {
			p.ExternalAccountName = raw.UserID
		}
	}

	if err := ing.store.AppendEvents(ctx, p.MachineID, events); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}

	if len(intervals) > 0 {
		if _, err := ing.store.UpdateTypingPattern(ctx, p.MachineID, intervals); err != nil {
			return nil, fmt.Errorf("typing pattern: %w", err)
		}
	}

	p.SuspicionScore = heuristics.ParticipantScore(p.Stats)
	p.TotalEvents += int64(len(events))
	p.LastActive = now
	if err := ing.store.UpdateParticipantState(ctx, p); err != nil {
		return nil, fmt.Errorf("persist participant: %w", err)
	}

	if eval := heuristics.EvaluateAlert(p); eval.ShouldAlert {
		ing.alerts.Emit(models.Alert{
			Level:         eval.Level,
			ParticipantID: p.MachineID,
			DisplayName:   p.DisplayName(),
			Score:         p.SuspicionScore,
			Reasons:       eval.Reasons,
			Timestamp:     now,
		})
	}

	if ing.hub != nil {
		ing.hub.BroadcastParticipantUpdate(p)
	}

	return &IngestResult{
		ParticipantScore: p.SuspicionScore,
		EventsProcessed:  len(events),
	}, nil
}

// applyCounters folds one scored event into the participant's cumulative
// counters. Pure counter mutations only; policy lives in the scorer.
func applyCounters(stats *models.ParticipantStats, ev models.Event) {
	switch ev.Kind {
	case models.EventPaste:
		stats.PasteCount++
		stats.PasteCharsTotal += int64(ev.Data.Length())
	case models.EventTyping:
		if ev.Data.Anomaly() != "" {
			stats.TypingAnomalies++
		}
	case models.EventWindowBlur:
		if focused, ok := ev.Data.Focused(); ok && !focused {
			stats.WindowBlurCount++
			stats.WindowBlurTotalMs += ev.Data.UnfocusedDurationMs()
		}
	case models.EventClipboard:
		stats.ClipboardChanges++
	case models.EventFileOperation:
		switch ev.Data.Operation() {
		case "create":
			stats.FilesCreated++
		case "delete":
			stats.FilesDeleted++
		}
	}
}
