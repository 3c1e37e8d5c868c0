package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/source"
)

// Source-control analysis endpoints. These are thin adapters over the sync
// scheduler and the store; all of them sit behind the bearer-token
// middleware.

const maxSourceOverview = 50

// SourceHandlers serves the repository-analysis API.
type SourceHandlers struct {
	store     db.Store
	scheduler *source.Scheduler
}

func NewSourceHandlers(store db.Store, scheduler *source.Scheduler) *SourceHandlers {
	return &SourceHandlers{store: store, scheduler: scheduler}
}

// Enabled reports whether repository monitoring is configured; routes are
// only mounted when it is.
func (sh *SourceHandlers) Enabled() bool {
	return sh.scheduler != nil
}

// HandleRegister serves POST /api/source/register: verify remote access
// and create the participant's analysis record.
func (sh *SourceHandlers) HandleRegister(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participantId" binding:"required"`
		Owner         string `json:"owner" binding:"required"`
		Repo          string `json:"repo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {participantId, owner, repo}"})
		return
	}

	if _, err := sh.store.GetParticipant(c.Request.Context(), req.ParticipantID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unknown participant: " + req.ParticipantID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load participant"})
		return
	}

	rec, err := sh.scheduler.RegisterRepository(c.Request.Context(), req.ParticipantID, req.Owner, req.Repo)
	if err != nil {
		switch {
		case errors.Is(err, source.ErrRepoNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Repository not found or not accessible"})
		case errors.Is(err, source.ErrRemoteTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Source host timed out, retry later"})
		case errors.Is(err, source.ErrRemoteUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Source host unreachable, retry later"})
		default:
			log.Printf("[API] Register repository %s/%s: %v", req.Owner, req.Repo, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register repository"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": rec})
}

// HandleSync serves POST /api/source/sync/:participantId: an on-demand
// analysis pass outside the periodic cycle.
func (sh *SourceHandlers) HandleSync(c *gin.Context) {
	id := c.Param("participantId")
	rec, err := sh.scheduler.SyncParticipant(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, source.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "A sync cycle is already running"})
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "No repository registered for " + id})
		case errors.Is(err, source.ErrRemoteTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Source host timed out, retry later"})
		case errors.Is(err, source.ErrRemoteUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Source host unreachable, retry later"})
		default:
			log.Printf("[API] Manual sync for %s: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Sync failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "analysis": rec})
}

// HandleGetAnalysis serves GET /api/source/participant/:participantId/analysis.
func (sh *SourceHandlers) HandleGetAnalysis(c *gin.Context) {
	id := c.Param("participantId")
	rec, err := sh.store.GetSourceAnalysis(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No repository registered for " + id})
			return
		}
		log.Printf("[API] Get analysis for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load analysis"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleGetCommits serves GET /api/source/participant/:participantId/commits:
// the analysed commit-level findings without the similarity material.
func (sh *SourceHandlers) HandleGetCommits(c *gin.Context) {
	id := c.Param("participantId")
	rec, err := sh.store.GetSourceAnalysis(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No repository registered for " + id})
			return
		}
		log.Printf("[API] Get commits for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load commit analysis"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participantId":     rec.ParticipantID,
		"owner":             rec.Owner,
		"repo":              rec.Repo,
		"stats":             rec.Stats,
		"timing":            rec.Timing,
		"suspiciousCommits": rec.SuspiciousCommits,
		"burstCommits":      rec.BurstCommits,
		"idleBursts":        rec.IdleBursts,
		"lastSyncAt":        rec.LastSyncAt,
	})
}

// HandleCompare serves POST /api/source/compare: an on-demand similarity
// scan between two participants' repositories, persisting any matches.
func (sh *SourceHandlers) HandleCompare(c *gin.Context) {
	var req struct {
		ParticipantID1 string  `json:"participantId1" binding:"required"`
		ParticipantID2 string  `json:"participantId2" binding:"required"`
		Threshold      float64 `json:"threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {participantId1, participantId2, threshold?}"})
		return
	}
	if req.ParticipantID1 == req.ParticipantID2 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot compare a participant against itself"})
		return
	}

	matches, err := sh.scheduler.CompareParticipants(c.Request.Context(), req.ParticipantID1, req.ParticipantID2, req.Threshold)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, source.ErrRemoteTimeout):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Source host timed out, retry later"})
		case errors.Is(err, source.ErrRemoteUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "Source host unreachable, retry later"})
		default:
			log.Printf("[API] Compare %s vs %s: %v", req.ParticipantID1, req.ParticipantID2, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Comparison failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

// HandleSourceOverview serves GET /api/source/overview: the repositories
// ranked by source suspicion score.
func (sh *SourceHandlers) HandleSourceOverview(c *gin.Context) {
	records, err := sh.store.TopSourceAnalyses(c.Request.Context(), maxSourceOverview)
	if err != nil {
		log.Printf("[API] Source overview: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load source overview"})
		return
	}
	summaries := make([]map[string]any, 0, len(records))
	for i := range records {
		summaries = append(summaries, records[i].Summary())
	}
	c.JSON(http.StatusOK, gin.H{"repositories": summaries, "count": len(summaries)})
}
