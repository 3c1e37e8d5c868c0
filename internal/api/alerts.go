package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

const maxRecentAlerts = 100

// AlertHandlers exposes manual alert dispatch and the recent-alert log.
type AlertHandlers struct {
	alerts *heuristics.AlertManager
}

func NewAlertHandlers(alerts *heuristics.AlertManager) *AlertHandlers {
	return &AlertHandlers{alerts: alerts}
}

// HandleDispatch serves POST /api/alerts: a proctor-initiated alert sent
// synchronously through every configured channel, with per-channel results.
func (ah *AlertHandlers) HandleDispatch(c *gin.Context) {
	var req struct {
		Level         string   `json:"level" binding:"required"`
		ParticipantID string   `json:"participantId" binding:"required"`
		DisplayName   string   `json:"displayName"`
		Score         float64  `json:"score"`
		Reasons       []string `json:"reasons"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {level, participantId, ...}"})
		return
	}
	if req.Level != models.AlertWarning && req.Level != models.AlertCritical {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level must be warning or critical"})
		return
	}

	alert, results := ah.alerts.Deliver(models.Alert{
		Level:         req.Level,
		ParticipantID: req.ParticipantID,
		DisplayName:   req.DisplayName,
		Score:         req.Score,
		Reasons:       req.Reasons,
		Timestamp:     time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"alert": alert, "channels": results})
}

// HandleRecent serves GET /api/alerts/recent.
func (ah *AlertHandlers) HandleRecent(c *gin.Context) {
	limit := queryInt(c, "limit", maxRecentAlerts, maxRecentAlerts)
	alerts := ah.alerts.RecentAlerts(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
