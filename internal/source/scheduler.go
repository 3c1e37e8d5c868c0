package source

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/contestwatch/proctor-engine/internal/db"
	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Sync Scheduler
//
// One background loop drives all repository analysis: every interval it
// walks the registered repositories sequentially, pulls the commits that
// landed since the previous pass, folds them into the per-repo record, and
// finishes with a cross-repository similarity scan. Cycles never overlap;
// if a cycle is still running when the ticker fires, the tick is skipped.

const (
	startupDelay       = 10 * time.Second
	defaultSyncMinutes = 5
	minSyncMinutes     = 1
	maxSyncMinutes     = 60
)

// ErrSyncInProgress is returned when a manual sync is requested while a
// cycle is already running.
var ErrSyncInProgress = errors.New("source: sync already in progress")

// Scheduler owns the periodic sync cycle.
type Scheduler struct {
	store     db.Store
	remote    RemoteAPI
	threshold float64
	interval  time.Duration
	isRunning atomic.Bool

	// Injected sinks keep this package free of transport imports.
	onAnalysis func(rec *models.SourceAnalysisRecord)
	alertFunc  func(alert models.Alert)
}

// NewScheduler wires the scheduler. threshold <= 0 selects the default
// similarity threshold; intervalMinutes outside [1, 60] selects the default
// interval. Both callbacks may be nil.
func NewScheduler(store db.Store, remote RemoteAPI, threshold float64, intervalMinutes int,
	onAnalysis func(*models.SourceAnalysisRecord), alertFunc func(models.Alert)) *Scheduler {

	if threshold <= 0 || threshold > 1 {
		threshold = heuristics.DefaultSimilarityThreshold
	}
	if intervalMinutes < minSyncMinutes || intervalMinutes > maxSyncMinutes {
		intervalMinutes = defaultSyncMinutes
	}
	return &Scheduler{
		store:      store,
		remote:     remote,
		threshold:  threshold,
		interval:   time.Duration(intervalMinutes) * time.Minute,
		onAnalysis: onAnalysis,
		alertFunc:  alertFunc,
	}
}

// Run blocks until ctx is cancelled, executing one sync cycle per interval
// after a short startup delay.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Source] Scheduler starting (interval %s, similarity threshold %.2f)", s.interval, s.threshold)

	select {
	case <-time.After(startupDelay):
	case <-ctx.Done():
		return
	}

	if err := s.RunSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[Source] Initial sync: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[Source] Scheduler stopping")
			return
		case <-ticker.C:
			if err := s.RunSync(ctx); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					log.Println("[Source] Previous sync still running, skipping tick")
					continue
				}
				if !errors.Is(err, context.Canceled) {
					log.Printf("[Source] Sync cycle: %v", err)
				}
			}
		}
	}
}

// RunSync executes one full cycle: per-repo commit analysis followed by the
// cross-repository similarity scan. At most one cycle runs at a time.
func (s *Scheduler) RunSync(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer s.isRunning.Store(false)

	records, err := s.store.ListRegisteredSourceAnalyses(ctx)
	if err != nil {
		return fmt.Errorf("list registered repositories: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	started := time.Now()

	synced := make([]*models.SourceAnalysisRecord, 0, len(records))
	for i := range records {
		rec := &records[i]
		if err := s.MonitorRepository(ctx, rec); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("[Source] %s/%s: %v", rec.Owner, rec.Repo, err)
			continue
		}
		synced = append(synced, rec)
	}

	if len(synced) >= 2 {
		if err := s.crossCompare(ctx, synced); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("[Source] Cross-repo scan: %v", err)
		}
	}

	log.Printf("[Source] Sync cycle done: %d/%d repositories in %s",
		len(synced), len(records), time.Since(started).Round(time.Millisecond))
	return nil
}

// MonitorRepository pulls the commits that landed since the record's last
// sync, analyses them and folds the results into the record, then persists
// and broadcasts the updated record.
func (s *Scheduler) MonitorRepository(ctx context.Context, rec *models.SourceAnalysisRecord) error {
	refs, err := s.remote.CommitList(ctx, rec.Owner, rec.Repo, rec.LastSyncAt)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}

	// The listing is newest-first; stop at the last commit already folded
	// in, then reverse to chronological order for analysis.
	var fresh []CommitRef
	for _, ref := range refs {
		if ref.ID == rec.LastProcessedCommitID {
			break
		}
		fresh = append(fresh, ref)
	}

	now := time.Now()
	if len(fresh) == 0 {
		rec.LastSyncAt = now
		rec.UpdatedAt = now
		return s.store.PersistSourceAnalysis(ctx, rec)
	}

	commits := make([]models.Commit, 0, len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		detail, err := s.remote.CommitDetail(ctx, rec.Owner, rec.Repo, fresh[i].ID)
		if err != nil {
			return fmt.Errorf("commit %s: %w", fresh[i].ID, err)
		}
		commits = append(commits, *detail)
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i].Timestamp.Before(commits[j].Timestamp) })

	analysis := heuristics.AnalyzeCommitHistory(commits)
	mergeAnalysis(rec, analysis)
	rec.LastProcessedCommitID = commits[len(commits)-1].ID
	rec.LastSyncAt = now
	rec.UpdatedAt = now
	rec.SourceSuspicionScore = heuristics.SourceSuspicionScore(
		rec.AvgCommitSuspicionScore, len(rec.IdleBursts), rec.HighestSimilarity)
	rec.Truncate()

	if err := s.store.PersistSourceAnalysis(ctx, rec); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	log.Printf("[Source] %s/%s: %d new commits, %d suspicious, score %.3f",
		rec.Owner, rec.Repo, len(commits), len(analysis.Suspicious), rec.SourceSuspicionScore)

	if s.onAnalysis != nil {
		s.onAnalysis(rec)
	}
	return nil
}

// mergeAnalysis folds an incremental window's analysis into the record.
// The aggregate stats, timing analysis and commit-score average describe
// the latest analysed window and are replaced wholesale; the per-commit
// finding lists accumulate across windows. Gaps spanning the window
// boundary are not reconstructed.
func mergeAnalysis(rec *models.SourceAnalysisRecord, a heuristics.CommitAnalysis) {
	rec.Stats = a.Stats
	rec.Timing = a.Timing
	rec.AvgCommitSuspicionScore = a.AvgCommitScore

	rec.SuspiciousCommits = append(rec.SuspiciousCommits, a.Suspicious...)
	rec.BurstCommits = append(rec.BurstCommits, a.Bursts...)
	rec.IdleBursts = append(rec.IdleBursts, a.IdleBursts...)
}

// crossCompare fetches the synced repositories' source trees, runs the
// winnowing scan across every inter-repo pair, and attaches each match to
// both participants' records.
func (s *Scheduler) crossCompare(ctx context.Context, records []*models.SourceAnalysisRecord) error {
	byKey := make(map[string]*models.SourceAnalysisRecord, len(records))
	repos := make([]heuristics.RepoFiles, 0, len(records))
	for _, rec := range records {
		files, err := s.remote.CodeFiles(ctx, rec.Owner, rec.Repo, rec.DefaultBranch)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("[Source] Skipping %s/%s in cross-repo scan: %v", rec.Owner, rec.Repo, err)
			continue
		}
		key := rec.Owner + "/" + rec.Repo
		byKey[key] = rec
		repos = append(repos, heuristics.RepoFiles{Key: key, Files: files})
	}
	if len(repos) < 2 {
		return nil
	}

	matches := heuristics.CrossRepoScan(repos, s.threshold)
	if len(matches) == 0 {
		return nil
	}

	now := time.Now()
	touched := make(map[string]*models.SourceAnalysisRecord)
	for _, m := range matches {
		a, b := byKey[m.RepoA], byKey[m.RepoB]
		attachMatch(a, models.SimilarityMatch{
			OtherParticipantID: b.ParticipantID,
			OtherOwner:         b.Owner,
			OtherRepo:          b.Repo,
			File1:              m.PathA,
			File2:              m.PathB,
			Similarity:         m.Similarity,
			IdenticalContent:   m.IdenticalContent,
			DetectedAt:         now,
		})
		attachMatch(b, models.SimilarityMatch{
			OtherParticipantID: a.ParticipantID,
			OtherOwner:         a.Owner,
			OtherRepo:          a.Repo,
			File1:              m.PathB,
			File2:              m.PathA,
			Similarity:         m.Similarity,
			IdenticalContent:   m.IdenticalContent,
			DetectedAt:         now,
		})
		touched[m.RepoA] = a
		touched[m.RepoB] = b

		if s.alertFunc != nil {
			level := models.AlertWarning
			if m.IdenticalContent {
				level = models.AlertCritical
			}
			s.alertFunc(models.Alert{
				Level:         level,
				ParticipantID: a.ParticipantID,
				DisplayName:   m.RepoA,
				Score:         m.Similarity,
				Reasons: []string{fmt.Sprintf("source similarity %.2f between %s:%s and %s:%s",
					m.Similarity, m.RepoA, m.PathA, m.RepoB, m.PathB)},
				Timestamp: now,
			})
		}
	}

	for _, rec := range touched {
		rec.SourceSuspicionScore = heuristics.SourceSuspicionScore(
			rec.AvgCommitSuspicionScore, len(rec.IdleBursts), rec.HighestSimilarity)
		rec.UpdatedAt = now
		rec.Truncate()
		if err := s.store.PersistSourceAnalysis(ctx, rec); err != nil {
			log.Printf("[Source] Persist after cross-repo scan (%s/%s): %v", rec.Owner, rec.Repo, err)
			continue
		}
		if s.onAnalysis != nil {
			s.onAnalysis(rec)
		}
	}
	return nil
}

// attachMatch appends a similarity match, replacing an existing entry for
// the same file pair when the new similarity is at least as high. The
// record's highest similarity only moves upward.
func attachMatch(rec *models.SourceAnalysisRecord, m models.SimilarityMatch) {
	for i, existing := range rec.SimilarityMatches {
		if existing.OtherParticipantID == m.OtherParticipantID &&
			existing.File1 == m.File1 && existing.File2 == m.File2 {
			if m.Similarity >= existing.Similarity {
				rec.SimilarityMatches[i] = m
			}
			if m.Similarity > rec.HighestSimilarity {
				rec.HighestSimilarity = m.Similarity
			}
			return
		}
	}
	rec.SimilarityMatches = append(rec.SimilarityMatches, m)
	if m.Similarity > rec.HighestSimilarity {
		rec.HighestSimilarity = m.Similarity
	}
}

// RegisterRepository verifies remote access and creates (or returns) the
// participant's analysis record.
func (s *Scheduler) RegisterRepository(ctx context.Context, participantID, owner, repo string) (*models.SourceAnalysisRecord, error) {
	info, err := s.remote.Repo(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreateSourceAnalysis(ctx, participantID, info.Owner, info.Name, info.DefaultBranch)
}

// SyncParticipant runs an on-demand analysis of one participant's
// repository, outside the periodic cycle.
func (s *Scheduler) SyncParticipant(ctx context.Context, participantID string) (*models.SourceAnalysisRecord, error) {
	if !s.isRunning.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.isRunning.Store(false)

	rec, err := s.store.GetSourceAnalysis(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if err := s.MonitorRepository(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CompareParticipants runs an on-demand similarity scan between two
// participants' repositories. threshold outside (0, 1] selects the
// scheduler's configured threshold. Matches are persisted to both analysis
// records exactly as the periodic cross-repo scan persists them.
func (s *Scheduler) CompareParticipants(ctx context.Context, idA, idB string, threshold float64) ([]heuristics.CrossRepoMatch, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = s.threshold
	}

	recA, err := s.store.GetSourceAnalysis(ctx, idA)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", idA, err)
	}
	recB, err := s.store.GetSourceAnalysis(ctx, idB)
	if err != nil {
		return nil, fmt.Errorf("participant %s: %w", idB, err)
	}

	filesA, err := s.remote.CodeFiles(ctx, recA.Owner, recA.Repo, recA.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", recA.Owner, recA.Repo, err)
	}
	filesB, err := s.remote.CodeFiles(ctx, recB.Owner, recB.Repo, recB.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", recB.Owner, recB.Repo, err)
	}

	matches := heuristics.CrossRepoScan([]heuristics.RepoFiles{
		{Key: recA.Owner + "/" + recA.Repo, Files: filesA},
		{Key: recB.Owner + "/" + recB.Repo, Files: filesB},
	}, threshold)
	if len(matches) == 0 {
		return matches, nil
	}

	now := time.Now()
	for _, m := range matches {
		attachMatch(recA, models.SimilarityMatch{
			OtherParticipantID: recB.ParticipantID,
			OtherOwner:         recB.Owner,
			OtherRepo:          recB.Repo,
			File1:              m.PathA,
			File2:              m.PathB,
			Similarity:         m.Similarity,
			IdenticalContent:   m.IdenticalContent,
			DetectedAt:         now,
		})
		attachMatch(recB, models.SimilarityMatch{
			OtherParticipantID: recA.ParticipantID,
			OtherOwner:         recA.Owner,
			OtherRepo:          recA.Repo,
			File1:              m.PathB,
			File2:              m.PathA,
			Similarity:         m.Similarity,
			IdenticalContent:   m.IdenticalContent,
			DetectedAt:         now,
		})
	}
	for _, rec := range []*models.SourceAnalysisRecord{recA, recB} {
		rec.SourceSuspicionScore = heuristics.SourceSuspicionScore(
			rec.AvgCommitSuspicionScore, len(rec.IdleBursts), rec.HighestSimilarity)
		rec.UpdatedAt = now
		rec.Truncate()
		if err := s.store.PersistSourceAnalysis(ctx, rec); err != nil {
			return nil, fmt.Errorf("persist comparison (%s/%s): %w", rec.Owner, rec.Repo, err)
		}
		if s.onAnalysis != nil {
			s.onAnalysis(rec)
		}
	}
	return matches, nil
}

// Running reports whether a sync cycle is currently in progress.
func (s *Scheduler) Running() bool {
	return s.isRunning.Load()
}
