package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// MemoryStore is the in-process Store double. It mirrors PostgresStore's
// semantics (upsert, bounded lists, breakdown grouping) closely enough for
// the engine's unit tests and for running the engine without a database.
type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]*models.Participant
	events       map[string][]models.Event // participantID → chronological
	patterns     map[string]*models.TypingPattern
	analyses     map[string]*models.SourceAnalysisRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]*models.Participant),
		events:       make(map[string][]models.Event),
		patterns:     make(map[string]*models.TypingPattern),
		analyses:     make(map[string]*models.SourceAnalysisRecord),
	}
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, machineID, sessionID, workspace string) (*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	p, ok := s.participants[machineID]
	if !ok {
		p = &models.Participant{
			MachineID: machineID,
			StartedAt: now,
		}
		s.participants[machineID] = p
	}
	if sessionID != "" {
		p.SessionID = sessionID
	}
	if workspace != "" {
		p.Workspace = workspace
	}
	if now.After(p.LastActive) {
		p.LastActive = now
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, machineID string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[machineID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, opts ListOptions) ([]models.Participant, int, error) {
	s.mu.RLock()
	all := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		all = append(all, *p)
	}
	s.mu.RUnlock()

	asc := opts.Order == "asc"
	sort.Slice(all, func(i, j int) bool {
		var less bool
		switch opts.Sort {
		case "lastActive":
			less = all[i].LastActive.Before(all[j].LastActive)
		case "totalEvents":
			less = all[i].TotalEvents < all[j].TotalEvents
		default:
			less = all[i].SuspicionScore < all[j].SuspicionScore
		}
		if asc {
			return less
		}
		return !less
	})

	total := len(all)
	if opts.Offset > len(all) {
		return []models.Participant{}, total, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, total, nil
}

func (s *MemoryStore) UpdateParticipantState(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.participants[p.MachineID]
	if !ok {
		return ErrNotFound
	}
	existing.Stats = p.Stats
	existing.SuspicionScore = p.SuspicionScore
	existing.TotalEvents = p.TotalEvents
	existing.SessionID = p.SessionID
	existing.Workspace = p.Workspace
	existing.ExternalAccountName = p.ExternalAccountName
	// lastActive only moves forward (last-writer-wins on monotone clocks).
	if p.LastActive.After(existing.LastActive) {
		existing.LastActive = p.LastActive
	}
	return nil
}

func (s *MemoryStore) AppendEvents(_ context.Context, participantID string, events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[participantID] = append(s.events[participantID], events...)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, participantID string, q EventQuery) ([]models.Event, int, error) {
	s.mu.RLock()
	src := s.events[participantID]
	filtered := make([]models.Event, 0, len(src))
	for _, ev := range src {
		if q.Kind != "" && ev.Kind != q.Kind {
			continue
		}
		if q.FlaggedOnly && !ev.Flagged {
			continue
		}
		filtered = append(filtered, ev)
	}
	s.mu.RUnlock()

	// Timeline reads are newest first.
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	total := len(filtered)
	if q.Offset > len(filtered) {
		return []models.Event{}, total, nil
	}
	filtered = filtered[q.Offset:]
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	return filtered, total, nil
}

func (s *MemoryStore) SuspicionBreakdown(_ context.Context, participantID string) ([]BreakdownRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		kind    models.EventKind
		flagged bool
	}
	acc := make(map[key]*BreakdownRow)
	for _, ev := range s.events[participantID] {
		k := key{ev.Kind, ev.Flagged}
		row, ok := acc[k]
		if !ok {
			row = &BreakdownRow{Kind: ev.Kind, Flagged: ev.Flagged}
			acc[k] = row
		}
		row.Count++
		row.AvgScore += ev.SuspicionScore
		if ev.SuspicionScore > row.MaxScore {
			row.MaxScore = ev.SuspicionScore
		}
	}

	rows := make([]BreakdownRow, 0, len(acc))
	for _, row := range acc {
		row.AvgScore /= float64(row.Count)
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return !rows[i].Flagged && rows[j].Flagged
	})
	return rows, nil
}

func (s *MemoryStore) RecentClipboardCount(_ context.Context, participantID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ev := range s.events[participantID] {
		if ev.Kind == models.EventClipboard && !ev.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) HasAnyTypingEvent(_ context.Context, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events[participantID] {
		if ev.Kind == models.EventTyping || ev.Kind == models.EventFileChange {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) UpdateTypingPattern(_ context.Context, participantID string, intervals []float64) (*models.TypingPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pat, ok := s.patterns[participantID]
	if !ok {
		pat = &models.TypingPattern{ParticipantID: participantID}
		s.patterns[participantID] = pat
	}
	pat.Intervals = appendTypingIntervals(pat.Intervals, intervals)
	pat.Stats = heuristics.ComputeTypingStats(pat.Intervals)
	pat.UpdatedAt = time.Now()

	cp := *pat
	cp.Intervals = append([]float64{}, pat.Intervals...)
	return &cp, nil
}

func (s *MemoryStore) GetTypingPattern(_ context.Context, participantID string) (*models.TypingPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pat, ok := s.patterns[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pat
	cp.Intervals = append([]float64{}, pat.Intervals...)
	return &cp, nil
}

func (s *MemoryStore) SuspiciousParticipants(_ context.Context, limit int) ([]SuspiciousParticipant, error) {
	s.mu.RLock()
	out := make([]SuspiciousParticipant, 0)
	for _, p := range s.participants {
		if p.SuspicionScore <= 0 {
			continue
		}
		flagged := 0
		for _, ev := range s.events[p.MachineID] {
			if ev.Flagged {
				flagged++
			}
		}
		out = append(out, SuspiciousParticipant{Participant: *p, FlaggedEventCount: flagged})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SuspicionScore > out[j].SuspicionScore
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OverviewStats(_ context.Context) (*Overview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ov := &Overview{}
	cutoff := time.Now().Add(-5 * time.Minute)
	var scoreSum float64
	for _, p := range s.participants {
		ov.TotalParticipants++
		if p.LastActive.After(cutoff) {
			ov.ActiveParticipants++
		}
		scoreSum += p.SuspicionScore
	}
	for _, evs := range s.events {
		ov.TotalEvents += int64(len(evs))
		for _, ev := range evs {
			if ev.Flagged {
				ov.FlaggedEvents++
			}
		}
	}
	if ov.TotalParticipants > 0 {
		ov.AvgSuspicion = scoreSum / float64(ov.TotalParticipants)
	}
	return ov, nil
}

func (s *MemoryStore) GetOrCreateSourceAnalysis(_ context.Context, participantID, owner, repo, defaultBranch string) (*models.SourceAnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.analyses[participantID]
	if !ok {
		rec = &models.SourceAnalysisRecord{
			ParticipantID: participantID,
			Owner:         owner,
			Repo:          repo,
			DefaultBranch: defaultBranch,
			UpdatedAt:     time.Now(),
		}
		s.analyses[participantID] = rec
	} else {
		rec.Owner = owner
		rec.Repo = repo
		if defaultBranch != "" {
			rec.DefaultBranch = defaultBranch
		}
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) GetSourceAnalysis(_ context.Context, participantID string) (*models.SourceAnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.analyses[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PersistSourceAnalysis(_ context.Context, rec *models.SourceAnalysisRecord) error {
	rec.Truncate()
	rec.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.analyses[rec.ParticipantID] = &cp
	return nil
}

func (s *MemoryStore) ListRegisteredSourceAnalyses(_ context.Context) ([]models.SourceAnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SourceAnalysisRecord, 0, len(s.analyses))
	for _, rec := range s.analyses {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out, nil
}

func (s *MemoryStore) TopSourceAnalyses(_ context.Context, limit int) ([]models.SourceAnalysisRecord, error) {
	out, _ := s.ListRegisteredSourceAnalyses(context.Background())
	sort.Slice(out, func(i, j int) bool {
		return out[i].SourceSuspicionScore > out[j].SourceSuspicionScore
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}
