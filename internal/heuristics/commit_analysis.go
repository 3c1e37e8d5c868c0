package heuristics

import (
	"math"
	"strings"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Commit Pattern Analysis Module
//
// Temporal and structural signals over a participant's commit history.
// Copy-paste and automation leave distinctive traces:
//
//   - Large commits with throwaway messages: bulk-pasted solutions
//   - Burst commits: scripted or panic-driven rapid landing
//   - Idle-then-burst: long silence (offline work or external help)
//     followed by a rapid run of commits
//   - Single-file bulk additions: a whole solution dropped in at once
//
// Input commits must be chronologically ordered, oldest first. All
// functions here are pure; re-running on the same sequence yields
// identical output.

const (
	burstGapMs   = 5 * 60 * 1000  // commits closer than this form a burst
	idleGapMs    = 30 * 60 * 1000 // silence longer than this starts an idle episode
	idleBurstMin = 3              // follow-up commits required to call it an idle burst
)

// CommitAnalysis is the output of one history pass.
type CommitAnalysis struct {
	Suspicious     []models.CommitSuspicion `json:"suspicious"`
	Bursts         []models.BurstCommit     `json:"bursts"`
	IdleBursts     []models.IdleBurst       `json:"idleBursts"`
	Timing         models.TimingAnalysis    `json:"timing"`
	Stats          models.CommitStats       `json:"stats"`
	AvgCommitScore float64                  `json:"avgCommitScore"`
}

// ScoreCommit computes the structural suspicion of a single commit given
// its predecessor (nil for the first commit). Contributions are additive,
// clamped to 1.0 and rounded to 3 decimals.
func ScoreCommit(c models.Commit, prev *models.Commit) (float64, []string) {
	var score float64
	var reasons []string

	churn := c.Additions + c.Deletions
	if churn > 500 && len(strings.TrimSpace(c.Message)) < 15 {
		score += 0.5
		reasons = append(reasons, "large_commit_short_msg")
	}
	if churn > 1000 {
		score += 0.3
		reasons = append(reasons, "very_large_commit")
	}
	if prev != nil {
		dt := c.Timestamp.Sub(prev.Timestamp).Milliseconds()
		// Out-of-order timestamps (dt <= 0) never count as a burst.
		if dt > 0 && dt < burstGapMs {
			score += 0.2
			reasons = append(reasons, "burst_commit")
		}
	}
	if c.FilesChanged == 1 && c.Additions > 200 && c.Deletions < 10 {
		score += 0.4
		reasons = append(reasons, "single_file_bulk_add")
	}

	return round3(math.Min(score, 1.0)), reasons
}

// AnalyzeCommitHistory runs the full per-commit and sequence analysis over
// a chronologically ordered history (oldest first).
func AnalyzeCommitHistory(commits []models.Commit) CommitAnalysis {
	var out CommitAnalysis
	if len(commits) == 0 {
		return out
	}

	var totalScore float64
	var totalAdd, totalDel, totalFiles int
	// Non-positive gaps (clock skew, rebase artifacts) count toward
	// neither the gap total nor the interval mean.
	var gapSum int64
	var posGaps int

	for i := range commits {
		c := commits[i]
		var prev *models.Commit
		if i > 0 {
			prev = &commits[i-1]
		}

		score, reasons := ScoreCommit(c, prev)
		totalScore += score
		if score > 0 {
			out.Suspicious = append(out.Suspicious, models.CommitSuspicion{
				CommitID:     c.ID,
				Timestamp:    c.Timestamp,
				Message:      c.Message,
				Additions:    c.Additions,
				Deletions:    c.Deletions,
				FilesChanged: c.FilesChanged,
				Score:        score,
				Reasons:      reasons,
			})
		}

		totalAdd += c.Additions
		totalDel += c.Deletions
		totalFiles += c.FilesChanged
		out.Timing.HourHistogram[c.Timestamp.UTC().Hour()]++

		if prev != nil {
			dt := c.Timestamp.Sub(prev.Timestamp).Milliseconds()
			if dt > 0 {
				gapSum += dt
				posGaps++
			}
			if dt > 0 && dt < burstGapMs {
				out.Bursts = append(out.Bursts, models.BurstCommit{
					CommitID:   c.ID,
					Timestamp:  c.Timestamp,
					IntervalMs: dt,
				})
			}
		}
	}
	out.Timing.TotalGapMs = gapSum

	out.IdleBursts = detectIdleBursts(commits)

	out.Stats = models.CommitStats{
		TotalCommits:      len(commits),
		TotalAdditions:    totalAdd,
		TotalDeletions:    totalDel,
		TotalFilesChanged: totalFiles,
		AvgAdditions:      int(math.Round(float64(totalAdd) / float64(len(commits)))),
		AvgDeletions:      int(math.Round(float64(totalDel) / float64(len(commits)))),
		AvgFilesChanged:   int(math.Round(float64(totalFiles) / float64(len(commits)))),
	}
	if posGaps > 0 {
		out.Stats.AvgIntervalMs = int64(math.Round(float64(gapSum) / float64(posGaps)))
	}

	out.AvgCommitScore = round3(totalScore / float64(len(commits)))
	return out
}

// detectIdleBursts scans for a gap > 30 min followed by a run of at least
// three commits each within 5 min of its predecessor. The run includes the
// first commit after the gap; the look-ahead stops at the first gap >= 5 min.
func detectIdleBursts(commits []models.Commit) []models.IdleBurst {
	var bursts []models.IdleBurst
	for i := 1; i < len(commits); i++ {
		gap := commits[i].Timestamp.Sub(commits[i-1].Timestamp).Milliseconds()
		if gap <= idleGapMs {
			continue
		}
		run := 1 // the commit that broke the silence
		j := i + 1
		for j < len(commits) {
			dt := commits[j].Timestamp.Sub(commits[j-1].Timestamp).Milliseconds()
			if dt < 0 || dt >= burstGapMs {
				break
			}
			run++
			j++
		}
		if run-1 >= idleBurstMin {
			bursts = append(bursts, models.IdleBurst{
				IdleGapMs:        gap,
				BurstStart:       commits[i].Timestamp,
				BurstCommitCount: run,
			})
		}
	}
	return bursts
}

// SourceSuspicionScore aggregates a record's commit-level signals and its
// best cross-repo similarity into the repository suspicion score:
//
//	0.35·avgCommitScore + min(0.25, 0.1·idleBursts) + plagiarism
//
// where plagiarism contributes 0.4 from 0.8 similarity up, a scaled
// 0.3·sim above 0.5, and nothing below.
func SourceSuspicionScore(avgCommitScore float64, idleBursts int, highestSimilarity float64) float64 {
	score := 0.35 * avgCommitScore
	score += math.Min(0.25, 0.1*float64(idleBursts))
	if highestSimilarity >= 0.8 {
		score += 0.4
	} else if highestSimilarity > 0.5 {
		score += 0.3 * highestSimilarity
	}
	return round3(math.Min(score, 1.0))
}

// round3 rounds to 3 decimal places, the precision of all persisted scores.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
