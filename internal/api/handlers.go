package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Dashboard query handlers. All of these sit behind the bearer-token
// middleware except the health probe.

const (
	defaultListLimit   = 50
	maxListLimit       = 200
	defaultEventLimit  = 100
	maxEventLimit      = 500
	maxSuspiciousLimit = 50
)

// Handlers serves the dashboard read API.
type Handlers struct {
	store     db.Store
	startedAt time.Time
}

func NewHandlers(store db.Store) *Handlers {
	return &Handlers{store: store, startedAt: time.Now()}
}

// HandleHealth is the liveness probe. A failing store ping degrades the
// status but still answers 200; orchestrators read the body.
func (h *Handlers) HandleHealth(c *gin.Context) {
	status := "ok"
	dbConnected := true
	if err := h.store.Ping(c.Request.Context()); err != nil {
		status = "degraded"
		dbConnected = false
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"dbConnected": dbConnected,
		"uptimeSec":   int64(time.Since(h.startedAt).Seconds()),
		"timestamp":   time.Now().UTC(),
	})
}

// HandleListParticipants serves GET /api/participants with sorting and
// pagination.
func (h *Handlers) HandleListParticipants(c *gin.Context) {
	opts := db.ListOptions{
		Sort:   c.DefaultQuery("sort", "suspicionScore"),
		Order:  c.DefaultQuery("order", "desc"),
		Limit:  queryInt(c, "limit", defaultListLimit, maxListLimit),
		Offset: queryInt(c, "offset", 0, 1<<20),
	}
	switch opts.Sort {
	case "suspicionScore", "lastActive", "totalEvents":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort must be one of suspicionScore, lastActive, totalEvents"})
		return
	}
	if opts.Order != "asc" && opts.Order != "desc" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be asc or desc"})
		return
	}

	participants, total, err := h.store.ListParticipants(c.Request.Context(), opts)
	if err != nil {
		log.Printf("[API] List participants: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list participants"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participants": participants,
		"total":        total,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
	})
}

// HandleGetParticipant serves GET /api/participant/:id: the participant
// document plus its event timeline, typing pattern and suspicion breakdown.
func (h *Handlers) HandleGetParticipant(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	p, err := h.store.GetParticipant(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown participant: " + id})
			return
		}
		log.Printf("[API] Get participant %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load participant"})
		return
	}

	q := db.EventQuery{
		Limit:       queryInt(c, "eventsLimit", defaultEventLimit, maxEventLimit),
		Offset:      queryInt(c, "eventsOffset", 0, 1<<20),
		Kind:        models.EventKind(c.Query("eventKind")),
		FlaggedOnly: c.Query("flaggedOnly") == "true",
	}
	if q.Kind != "" && !models.ValidEventKind(q.Kind) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event kind: " + string(q.Kind)})
		return
	}

	events, eventCount, err := h.store.ListEvents(ctx, id, q)
	if err != nil {
		log.Printf("[API] List events for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load events"})
		return
	}

	breakdown, err := h.store.SuspicionBreakdown(ctx, id)
	if err != nil {
		log.Printf("[API] Breakdown for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load breakdown"})
		return
	}

	// Absent typing history is a normal state, not an error.
	pattern, err := h.store.GetTypingPattern(ctx, id)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		log.Printf("[API] Typing pattern for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load typing pattern"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"participant":        p,
		"events":             events,
		"eventCount":         eventCount,
		"suspicionBreakdown": breakdown,
		"typingPattern":      pattern,
	})
}

// HandleSuspicious serves GET /api/analytics/suspicious: participants
// ordered by suspicion score with their flagged-event counts.
func (h *Handlers) HandleSuspicious(c *gin.Context) {
	limit := queryInt(c, "limit", maxSuspiciousLimit, maxSuspiciousLimit)
	rows, err := h.store.SuspiciousParticipants(c.Request.Context(), limit)
	if err != nil {
		log.Printf("[API] Suspicious participants: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load analytics"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": rows, "count": len(rows)})
}

// HandleOverview serves GET /api/analytics/overview.
func (h *Handlers) HandleOverview(c *gin.Context) {
	overview, err := h.store.OverviewStats(c.Request.Context())
	if err != nil {
		log.Printf("[API] Overview: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load overview"})
		return
	}
	c.JSON(http.StatusOK, overview)
}

// queryInt parses a positive integer query parameter with a default and a
// hard cap.
func queryInt(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
