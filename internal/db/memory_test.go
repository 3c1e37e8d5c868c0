package db

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

func TestUpsertParticipant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p, err := store.UpsertParticipant(ctx, "machine-1", "sess-1", "/work/contest")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if p.MachineID != "machine-1" || p.SessionID != "sess-1" {
		t.Errorf("unexpected participant: %+v", p)
	}
	if p.StartedAt.IsZero() || p.LastActive.IsZero() {
		t.Error("timestamps not set on first contact")
	}

	// Second contact keeps the document and refreshes the session.
	p2, err := store.UpsertParticipant(ctx, "machine-1", "sess-2", "")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !p2.StartedAt.Equal(p.StartedAt) {
		t.Error("startedAt changed on re-upsert")
	}
	if p2.SessionID != "sess-2" {
		t.Errorf("sessionId = %s, want sess-2", p2.SessionID)
	}
	if p2.Workspace != "/work/contest" {
		t.Errorf("empty workspace overwrote the stored one: %q", p2.Workspace)
	}
}

func TestUpdateParticipantStateLastActiveMonotone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p, _ := store.UpsertParticipant(ctx, "m", "", "")
	stale := *p
	stale.LastActive = p.LastActive.Add(-time.Hour)
	stale.SuspicionScore = 0.5
	if err := store.UpdateParticipantState(ctx, &stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.GetParticipant(ctx, "m")
	if got.LastActive.Before(p.LastActive) {
		t.Error("lastActive moved backwards")
	}
	if got.SuspicionScore != 0.5 {
		t.Errorf("score not persisted: %v", got.SuspicionScore)
	}
}

func TestGetParticipantNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.GetParticipant(context.Background(), "ghost"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListEventsFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.UpsertParticipant(ctx, "m", "", "")

	base := time.Now()
	events := []models.Event{
		{ID: "e1", Kind: models.EventPaste, Timestamp: base, SuspicionScore: 0.9, Flagged: true},
		{ID: "e2", Kind: models.EventTyping, Timestamp: base.Add(time.Second)},
		{ID: "e3", Kind: models.EventPaste, Timestamp: base.Add(2 * time.Second), SuspicionScore: 0.6, Flagged: true},
	}
	if err := store.AppendEvents(ctx, "m", events); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, total, err := store.ListEvents(ctx, "m", EventQuery{Kind: models.EventPaste, FlaggedOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("got %d/%d events, want 2/2", len(got), total)
	}
	// Newest first.
	if got[0].ID != "e3" || got[1].ID != "e1" {
		t.Errorf("order = [%s %s], want [e3 e1]", got[0].ID, got[1].ID)
	}
}

func TestSuspicionBreakdown(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.UpsertParticipant(ctx, "m", "", "")
	store.AppendEvents(ctx, "m", []models.Event{
		{Kind: models.EventPaste, SuspicionScore: 0.9, Flagged: true},
		{Kind: models.EventPaste, SuspicionScore: 0.7, Flagged: true},
		{Kind: models.EventPaste, SuspicionScore: 0.0},
	})

	rows, err := store.SuspicionBreakdown(ctx, "m")
	if err != nil {
		t.Fatalf("breakdown: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Unflagged group sorts before the flagged group of the same kind.
	if rows[0].Flagged || !rows[1].Flagged {
		t.Errorf("row order: %+v", rows)
	}
	if rows[1].Count != 2 || rows[1].MaxScore != 0.9 {
		t.Errorf("flagged row = %+v", rows[1])
	}
	if math.Abs(rows[1].AvgScore-0.8) > 1e-9 {
		t.Errorf("flagged avg = %v, want 0.8", rows[1].AvgScore)
	}
}

func TestTypingPatternTruncation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Fill to the cap exactly; no truncation yet.
	big := make([]float64, models.MaxTypingSamples)
	for i := range big {
		big[i] = float64(i)
	}
	pat, err := store.UpdateTypingPattern(ctx, "m", big)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(pat.Intervals) != models.MaxTypingSamples {
		t.Fatalf("at cap: len = %d, want %d", len(pat.Intervals), models.MaxTypingSamples)
	}

	// One more sample tips it over; the oldest block is discarded and the
	// most recent 8000 remain.
	pat, err = store.UpdateTypingPattern(ctx, "m", []float64{99999})
	if err != nil {
		t.Fatalf("overflow update: %v", err)
	}
	want := models.MaxTypingSamples - models.TypingTruncateBy
	if len(pat.Intervals) != want {
		t.Fatalf("after overflow: len = %d, want %d", len(pat.Intervals), want)
	}
	if pat.Intervals[len(pat.Intervals)-1] != 99999 {
		t.Error("newest sample missing after truncation")
	}
	if pat.Intervals[0] != float64(models.MaxTypingSamples+1-want) {
		t.Errorf("oldest surviving sample = %v", pat.Intervals[0])
	}
	if pat.Stats.SampleCount != want {
		t.Errorf("stats not recomputed: %+v", pat.Stats)
	}
}

func TestSourceAnalysisBoundedLists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.GetOrCreateSourceAnalysis(ctx, "m", "alice", "solution", "main")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < models.MaxSuspiciousCommits+50; i++ {
		rec.SuspiciousCommits = append(rec.SuspiciousCommits, models.CommitSuspicion{
			CommitID: "c", Score: 0.5,
		})
	}
	if err := store.PersistSourceAnalysis(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got, err := store.GetSourceAnalysis(ctx, "m")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.SuspiciousCommits) != models.MaxSuspiciousCommits {
		t.Errorf("suspicious commits = %d, want cap %d",
			len(got.SuspiciousCommits), models.MaxSuspiciousCommits)
	}
}

func TestTopSourceAnalysesOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, e := range []struct {
		id    string
		score float64
	}{{"a", 0.2}, {"b", 0.9}, {"c", 0.5}} {
		rec, _ := store.GetOrCreateSourceAnalysis(ctx, e.id, e.id, "solution", "main")
		rec.SourceSuspicionScore = e.score
		store.PersistSourceAnalysis(ctx, rec)
	}

	top, err := store.TopSourceAnalyses(ctx, 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].ParticipantID != "b" || top[1].ParticipantID != "c" {
		t.Errorf("top = %+v", top)
	}
}

func TestOverviewStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.UpsertParticipant(ctx, "m1", "", "")
	store.UpsertParticipant(ctx, "m2", "", "")
	store.AppendEvents(ctx, "m1", []models.Event{
		{Kind: models.EventPaste, Flagged: true},
		{Kind: models.EventTyping},
	})

	ov, err := store.OverviewStats(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.TotalParticipants != 2 || ov.ActiveParticipants != 2 {
		t.Errorf("participants = %d/%d, want 2/2", ov.ActiveParticipants, ov.TotalParticipants)
	}
	if ov.TotalEvents != 2 || ov.FlaggedEvents != 1 {
		t.Errorf("events = %d flagged %d", ov.TotalEvents, ov.FlaggedEvents)
	}
}
