package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

func TestGetParticipantEventFilters(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := db.NewMemoryStore()
	ctx := context.Background()

	if _, err := store.UpsertParticipant(ctx, "m1", "s1", "contest"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	now := time.Now()
	events := []models.Event{
		{ID: "e1", ParticipantID: "m1", Kind: models.EventPaste, Timestamp: now,
			Data: models.EventData{"length": float64(700)}, SuspicionScore: 0.9, Flagged: true},
		{ID: "e2", ParticipantID: "m1", Kind: models.EventTyping, Timestamp: now.Add(time.Second),
			Data: models.EventData{"interval": float64(120)}},
	}
	if err := store.AppendEvents(ctx, "m1", events); err != nil {
		t.Fatalf("append: %v", err)
	}

	h := NewHandlers(store)
	r := gin.New()
	r.GET("/participant/:id", h.HandleGetParticipant)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/participant/m1?eventKind=paste&flaggedOnly=true&eventsLimit=10&eventsOffset=0", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Events     []models.Event `json:"events"`
		EventCount *int           `json:"eventCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventCount == nil || *resp.EventCount != 1 {
		t.Errorf("eventCount = %v, want 1", resp.EventCount)
	}
	if len(resp.Events) != 1 || resp.Events[0].Kind != models.EventPaste {
		t.Errorf("events = %+v, want the single flagged paste", resp.Events)
	}

	// An unknown kind is rejected, not silently ignored.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/participant/m1?eventKind=telepathy", nil)
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("unknown kind: status = %d, want 400", w2.Code)
	}
}
