package models

import "time"

// Commit is one remote source-control commit with per-commit change stats,
// as collected by the sync worker.
type Commit struct {
	ID           string    `json:"id"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	FilesChanged int       `json:"filesChanged"`
}

// CommitSuspicion records a commit whose structural score exceeded zero,
// with the reasons that contributed.
type CommitSuspicion struct {
	CommitID     string    `json:"commitId"`
	Timestamp    time.Time `json:"timestamp"`
	Message      string    `json:"message"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	FilesChanged int       `json:"filesChanged"`
	Score        float64   `json:"score"`
	Reasons      []string  `json:"reasons"`
}

// BurstCommit marks a commit landing within five minutes of its predecessor.
type BurstCommit struct {
	CommitID   string    `json:"commitId"`
	Timestamp  time.Time `json:"timestamp"`
	IntervalMs int64     `json:"intervalMs"`
}

// IdleBurst marks a >30 min silence followed by a rapid run of commits.
type IdleBurst struct {
	IdleGapMs        int64     `json:"idleGapMs"`
	BurstStart       time.Time `json:"burstStart"`
	BurstCommitCount int       `json:"burstCommitCount"`
}

// CommitStats aggregates a repository's commit history. Averages are
// arithmetic means rounded to the nearest integer; the interval mean only
// counts positive inter-commit gaps.
type CommitStats struct {
	TotalCommits      int   `json:"totalCommits"`
	TotalAdditions    int   `json:"totalAdditions"`
	TotalDeletions    int   `json:"totalDeletions"`
	TotalFilesChanged int   `json:"totalFilesChanged"`
	AvgAdditions      int   `json:"avgAdditions"`
	AvgDeletions      int   `json:"avgDeletions"`
	AvgFilesChanged   int   `json:"avgFilesChanged"`
	AvgIntervalMs     int64 `json:"avgIntervalMs"`
}

// TimingAnalysis is the UTC hour-of-day commit distribution.
type TimingAnalysis struct {
	HourHistogram [24]int `json:"hourHistogram"`
	TotalGapMs    int64   `json:"totalGapMs"`
}

// SimilarityMatch is one side of a cross-repository plagiarism hit. The
// counterpart is referenced by id only; resolvers must tolerate a missing
// other side.
type SimilarityMatch struct {
	OtherParticipantID string    `json:"otherParticipantId"`
	OtherOwner         string    `json:"otherOwner"`
	OtherRepo          string    `json:"otherRepo"`
	File1              string    `json:"file1"`
	File2              string    `json:"file2"`
	Similarity         float64   `json:"similarity"`
	IdenticalContent   bool      `json:"identicalContent"`
	DetectedAt         time.Time `json:"detectedAt"`
}

// Bounds for the record's append-only lists, enforced on every write.
const (
	MaxSuspiciousCommits = 200
	MaxBurstCommits      = 100
	MaxIdleBursts        = 50
	MaxSimilarityMatches = 100
)

// SourceAnalysisRecord is the per-repository aggregate analysis document.
type SourceAnalysisRecord struct {
	ParticipantID           string            `json:"participantId"`
	Owner                   string            `json:"owner"`
	Repo                    string            `json:"repo"`
	DefaultBranch           string            `json:"defaultBranch"`
	Stats                   CommitStats       `json:"stats"`
	Timing                  TimingAnalysis    `json:"timing"`
	SuspiciousCommits       []CommitSuspicion `json:"suspiciousCommits"`
	BurstCommits            []BurstCommit     `json:"burstCommits"`
	IdleBursts              []IdleBurst       `json:"idleBursts"`
	SimilarityMatches       []SimilarityMatch `json:"similarityMatches"`
	HighestSimilarity       float64           `json:"highestSimilarity"`
	AvgCommitSuspicionScore float64           `json:"avgCommitSuspicionScore"`
	SourceSuspicionScore    float64           `json:"sourceSuspicionScore"`
	LastProcessedCommitID   string            `json:"lastProcessedCommitId"`
	LastSyncAt              time.Time         `json:"lastSyncAt"`
	UpdatedAt               time.Time         `json:"updatedAt"`
}

// Truncate enforces the bounded-list invariants, keeping the most recent
// entries of each list.
func (r *SourceAnalysisRecord) Truncate() {
	if n := len(r.SuspiciousCommits); n > MaxSuspiciousCommits {
		r.SuspiciousCommits = r.SuspiciousCommits[n-MaxSuspiciousCommits:]
	}
	if n := len(r.BurstCommits); n > MaxBurstCommits {
		r.BurstCommits = r.BurstCommits[n-MaxBurstCommits:]
	}
	if n := len(r.IdleBursts); n > MaxIdleBursts {
		r.IdleBursts = r.IdleBursts[n-MaxIdleBursts:]
	}
	if n := len(r.SimilarityMatches); n > MaxSimilarityMatches {
		r.SimilarityMatches = r.SimilarityMatches[n-MaxSimilarityMatches:]
	}
}

// Summary is the compact shape pushed to dashboard observers.
func (r *SourceAnalysisRecord) Summary() map[string]any {
	return map[string]any{
		"participantId":        r.ParticipantID,
		"owner":                r.Owner,
		"repo":                 r.Repo,
		"totalCommits":         r.Stats.TotalCommits,
		"suspiciousCommits":    len(r.SuspiciousCommits),
		"burstCommits":         len(r.BurstCommits),
		"idleBursts":           len(r.IdleBursts),
		"highestSimilarity":    r.HighestSimilarity,
		"sourceSuspicionScore": r.SourceSuspicionScore,
		"lastSyncAt":           r.LastSyncAt,
	}
}
