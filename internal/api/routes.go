package api

import (
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/heuristics"
)

// SetupRouter mounts the full HTTP surface. The ingest endpoint, health
// probe, login and the WebSocket stream are public; everything else sits
// behind the bearer-token middleware. sourceHandlers may be nil when
// repository monitoring is not configured.
func SetupRouter(store db.Store, hub *Hub, auth *Authenticator, ingestor *Ingestor,
	alerts *heuristics.AlertManager, sourceHandlers *SourceHandlers) *gin.Engine {

	r := gin.Default()

	// CORS, configurable via ALLOWED_ORIGINS.
	// Production: ALLOWED_ORIGINS=https://proctor.example.org
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handlers := NewHandlers(store)
	alertHandlers := NewAlertHandlers(alerts)

	// Public surface: agent ingest, liveness, login, live stream.
	r.POST("/api/events", ingestor.Handle)
	r.GET("/health", handlers.HandleHealth)
	r.POST("/auth/login", auth.HandleLogin)
	r.GET("/stream", hub.Subscribe)

	api := r.Group("/api", auth.Middleware())
	{
		api.GET("/participants", handlers.HandleListParticipants)
		api.GET("/participant/:id", handlers.HandleGetParticipant)
		api.GET("/analytics/suspicious", handlers.HandleSuspicious)
		api.GET("/analytics/overview", handlers.HandleOverview)

		api.POST("/alerts", alertHandlers.HandleDispatch)
		api.GET("/alerts/recent", alertHandlers.HandleRecent)

		if sourceHandlers != nil && sourceHandlers.Enabled() {
			src := api.Group("/source")
			src.POST("/register", sourceHandlers.HandleRegister)
			src.POST("/sync/:participantId", sourceHandlers.HandleSync)
			src.GET("/participant/:participantId/analysis", sourceHandlers.HandleGetAnalysis)
			src.GET("/participant/:participantId/commits", sourceHandlers.HandleGetCommits)
			src.POST("/compare", sourceHandlers.HandleCompare)
			src.GET("/overview", sourceHandlers.HandleSourceOverview)
		}
	}

	return r
}
