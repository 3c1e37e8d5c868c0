package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/source"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// timedOutRemote answers repository lookups but times out on everything
// that touches commit or file data.
type timedOutRemote struct{}

func (timedOutRemote) Repo(_ context.Context, owner, repo string) (*source.RepoInfo, error) {
	return &source.RepoInfo{Owner: owner, Name: repo, DefaultBranch: "main"}, nil
}

func (timedOutRemote) CommitList(context.Context, string, string, time.Time) ([]source.CommitRef, error) {
	return nil, source.ErrRemoteTimeout
}

func (timedOutRemote) CommitDetail(context.Context, string, string, string) (*models.Commit, error) {
	return nil, source.ErrRemoteTimeout
}

func (timedOutRemote) CodeFiles(context.Context, string, string, string) (map[string]string, error) {
	return nil, source.ErrRemoteTimeout
}

func newSourceRouter(t *testing.T) (*gin.Engine, *source.Scheduler) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := db.NewMemoryStore()
	sched := source.NewScheduler(store, timedOutRemote{}, 0, 5, nil, nil)
	sh := NewSourceHandlers(store, sched)
	r := gin.New()
	r.POST("/source/sync/:participantId", sh.HandleSync)
	r.POST("/source/compare", sh.HandleCompare)
	return r, sched
}

func TestSyncMapsRemoteTimeoutToGatewayTimeout(t *testing.T) {
	r, sched := newSourceRouter(t)
	if _, err := sched.RegisterRepository(context.Background(), "m1", "alice", "solution"); err != nil {
		t.Fatalf("register: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/source/sync/m1", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestCompareBindsContractFields(t *testing.T) {
	r, sched := newSourceRouter(t)
	ctx := context.Background()
	sched.RegisterRepository(ctx, "m1", "alice", "solution")
	sched.RegisterRepository(ctx, "m2", "bob", "solution")

	body, _ := json.Marshal(gin.H{"participantId1": "m1", "participantId2": "m2", "threshold": 0.5})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/source/compare", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	// Binding accepted the contract's field names; the remote then timed
	// out fetching the trees.
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504, body %s", w.Code, w.Body.String())
	}

	// Missing either participant id is a binding failure.
	body, _ = json.Marshal(gin.H{"participantId1": "m1"})
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/source/compare", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusBadRequest {
		t.Errorf("partial body: status = %d, want 400", w2.Code)
	}
}
