package heuristics

import (
	"testing"
	"time"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func commitAt(id string, min int, adds, dels, files int, msg string) models.Commit {
	return models.Commit{
		ID:           id,
		Message:      msg,
		Timestamp:    epoch.Add(time.Duration(min) * time.Minute),
		Additions:    adds,
		Deletions:    dels,
		FilesChanged: files,
	}
}

func TestScoreCommit(t *testing.T) {
	prev := commitAt("p", 0, 10, 2, 1, "refactor parser state machine")

	cases := []struct {
		name        string
		commit      models.Commit
		prev        *models.Commit
		wantScore   float64
		wantReasons []string
	}{
		{
			name:        "ordinary commit",
			commit:      commitAt("c", 60, 40, 5, 3, "implement binary search over prefix sums"),
			prev:        &prev,
			wantScore:   0,
			wantReasons: nil,
		},
		{
			name:        "large commit with throwaway message",
			commit:      commitAt("c", 60, 400, 150, 8, "wip"),
			prev:        &prev,
			wantScore:   0.5,
			wantReasons: []string{"large_commit_short_msg"},
		},
		{
			name:        "very large commit with real message",
			commit:      commitAt("c", 60, 900, 200, 12, "port the solver to the segmented sieve approach"),
			prev:        &prev,
			wantScore:   0.3,
			wantReasons: []string{"very_large_commit"},
		},
		{
			name:        "burst commit four minutes after predecessor",
			commit:      commitAt("c", 4, 20, 1, 2, "fix off by one in range handling"),
			prev:        &prev,
			wantScore:   0.2,
			wantReasons: []string{"burst_commit"},
		},
		{
			name:        "exactly five minutes is not a burst",
			commit:      commitAt("c", 5, 20, 1, 2, "fix off by one in range handling"),
			prev:        &prev,
			wantScore:   0,
			wantReasons: nil,
		},
		{
			name:        "identical timestamp is not a burst",
			commit:      commitAt("c", 0, 20, 1, 2, "fix off by one in range handling"),
			prev:        &prev,
			wantScore:   0,
			wantReasons: nil,
		},
		{
			name:        "single file bulk addition",
			commit:      commitAt("c", 60, 350, 0, 1, "add the complete dp table construction"),
			prev:        &prev,
			wantScore:   0.4,
			wantReasons: []string{"single_file_bulk_add"},
		},
		{
			name:        "first commit has no burst signal",
			commit:      commitAt("c", 4, 20, 1, 2, "initial solution skeleton"),
			prev:        nil,
			wantScore:   0,
			wantReasons: nil,
		},
		{
			// 0.5 + 0.3 + 0.2 + 0.4 = 1.4, clamped.
			name:        "everything at once clamps to 1",
			commit:      commitAt("c", 2, 1500, 5, 1, "stuff"),
			prev:        &prev,
			wantScore:   1.0,
			wantReasons: []string{"large_commit_short_msg", "very_large_commit", "burst_commit", "single_file_bulk_add"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, reasons := ScoreCommit(tc.commit, tc.prev)
			if score != tc.wantScore {
				t.Errorf("score = %v, want %v", score, tc.wantScore)
			}
			if len(reasons) != len(tc.wantReasons) {
				t.Fatalf("reasons = %v, want %v", reasons, tc.wantReasons)
			}
			for i := range reasons {
				if reasons[i] != tc.wantReasons[i] {
					t.Errorf("reasons[%d] = %q, want %q", i, reasons[i], tc.wantReasons[i])
				}
			}
		})
	}
}

func TestAnalyzeCommitHistoryIdleBurst(t *testing.T) {
	// 45 minutes of silence, then four commits a minute apart. The run
	// includes the commit that broke the silence.
	commits := []models.Commit{
		commitAt("c0", 0, 30, 2, 2, "set up project layout and io handling"),
		commitAt("c1", 45, 25, 3, 2, "implement the first subtask"),
		commitAt("c2", 46, 20, 1, 1, "handle empty input"),
		commitAt("c3", 47, 15, 0, 1, "handle duplicate keys"),
		commitAt("c4", 48, 10, 2, 1, "adjust output format"),
	}

	out := AnalyzeCommitHistory(commits)

	if len(out.IdleBursts) != 1 {
		t.Fatalf("got %d idle bursts, want 1", len(out.IdleBursts))
	}
	ib := out.IdleBursts[0]
	if ib.BurstCommitCount != 4 {
		t.Errorf("burst commit count = %d, want 4", ib.BurstCommitCount)
	}
	if !ib.BurstStart.Equal(epoch.Add(45 * time.Minute)) {
		t.Errorf("burst start = %v, want %v", ib.BurstStart, epoch.Add(45*time.Minute))
	}
	if ib.IdleGapMs != 45*60*1000 {
		t.Errorf("idle gap = %d ms, want %d", ib.IdleGapMs, 45*60*1000)
	}

	// c2, c3, c4 land within five minutes of their predecessors.
	if len(out.Bursts) != 3 {
		t.Errorf("got %d burst commits, want 3", len(out.Bursts))
	}
}

func TestAnalyzeCommitHistoryNoIdleBurstOnShortRun(t *testing.T) {
	// Only two rapid follow-ups after the gap: below the threshold of three.
	commits := []models.Commit{
		commitAt("c0", 0, 30, 2, 2, "initial solution skeleton"),
		commitAt("c1", 45, 25, 3, 2, "resume after the break"),
		commitAt("c2", 46, 20, 1, 1, "small fix"),
		commitAt("c3", 47, 15, 0, 1, "another small fix"),
	}
	out := AnalyzeCommitHistory(commits)
	if len(out.IdleBursts) != 0 {
		t.Errorf("got %d idle bursts, want 0", len(out.IdleBursts))
	}
}

func TestAnalyzeCommitHistoryStats(t *testing.T) {
	commits := []models.Commit{
		commitAt("c0", 0, 100, 10, 2, "first working version of the solution"),
		commitAt("c1", 10, 50, 20, 4, "rework input parsing for multiple cases"),
		commitAt("c2", 40, 30, 0, 1, "tighten the inner loop bound check"),
	}
	out := AnalyzeCommitHistory(commits)

	if out.Stats.TotalCommits != 3 || out.Stats.TotalAdditions != 180 || out.Stats.TotalDeletions != 30 {
		t.Errorf("totals = %+v", out.Stats)
	}
	if out.Stats.AvgAdditions != 60 || out.Stats.AvgDeletions != 10 {
		t.Errorf("averages = %+v", out.Stats)
	}
	// Gaps: 10 min and 30 min, mean 20 min.
	if out.Stats.AvgIntervalMs != 20*60*1000 {
		t.Errorf("avg interval = %d ms, want %d", out.Stats.AvgIntervalMs, 20*60*1000)
	}
	if out.Timing.HourHistogram[9] != 3 {
		t.Errorf("hour histogram[9] = %d, want 3", out.Timing.HourHistogram[9])
	}
}

func TestAnalyzeCommitHistoryEmpty(t *testing.T) {
	out := AnalyzeCommitHistory(nil)
	if out.Stats.TotalCommits != 0 || out.AvgCommitScore != 0 {
		t.Errorf("empty history produced non-zero output: %+v", out)
	}
}

func TestSourceSuspicionScore(t *testing.T) {
	cases := []struct {
		name string
		avg  float64
		idle int
		sim  float64
		want float64
	}{
		{"all quiet", 0, 0, 0, 0},
		{"similarity at 0.8 contributes the full plagiarism weight", 0, 0, 0.8, 0.4},
		{"similarity just below 0.8 scales", 0, 0, 0.79, 0.237},
		{"similarity at 0.5 contributes nothing", 0, 0, 0.5, 0},
		{"idle bursts cap at 0.25", 0, 4, 0, 0.25},
		{"two idle bursts", 0, 2, 0, 0.2},
		{"commit average weighted by 0.35", 0.6, 0, 0, 0.21},
		{"combined clamps to 1", 1.0, 5, 0.95, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SourceSuspicionScore(tc.avg, tc.idle, tc.sim); got != tc.want {
				t.Errorf("SourceSuspicionScore(%v, %d, %v) = %v, want %v",
					tc.avg, tc.idle, tc.sim, got, tc.want)
			}
		})
	}
}

func TestAnalyzeHistoryExcludesNonPositiveGaps(t *testing.T) {
	// Two commits share a timestamp; that zero gap joins neither the gap
	// total nor the interval mean.
	commits := []models.Commit{
		commitAt("c1", 0, 10, 1, 1, "set up the project skeleton files"),
		commitAt("c2", 0, 12, 1, 1, "add input parsing for the first case"),
		commitAt("c3", 20, 15, 1, 1, "solve the first subtask with brute force"),
	}
	out := AnalyzeCommitHistory(commits)

	want := int64(20 * 60 * 1000)
	if out.Timing.TotalGapMs != want {
		t.Errorf("totalGapMs = %d, want %d", out.Timing.TotalGapMs, want)
	}
	if out.Stats.AvgIntervalMs != want {
		t.Errorf("avgIntervalMs = %d, want %d", out.Stats.AvgIntervalMs, want)
	}
	if len(out.Bursts) != 0 {
		t.Errorf("bursts = %+v, want none for a non-positive gap", out.Bursts)
	}
}
