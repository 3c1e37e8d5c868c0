package heuristics

import (
	"fmt"
	"math"

	"github.com/contestwatch/proctor-engine/pkg/models"
)

// Event Scoring Module
//
// Per-event suspicion and the aggregate participant score. Individual
// events are scored against kind-specific triggers plus batch-local typing
// statistics and the participant's recent context; the participant score is
// a pure function of the cumulative counters, so replaying the same counter
// state always reproduces the same score.

// Per-event trigger constants.
const (
	largePasteChars    = 500
	mediumPasteChars   = 100
	fastTypingMs       = 30.0
	highVarianceMs2    = 15000.0
	longBlurMs         = 120000
	clipboardBurst60s  = 5
	alertCriticalScore = 0.7
	alertPasteCount    = 10
	alertBlurTotalMs   = 600000
)

// RecentContext is the per-participant derived state the ingest pipeline
// hands the scorer: clipboard activity inside the last minute and whether
// the participant has ever produced a typing or file_change event.
type RecentContext struct {
	ClipboardChanges60s int
	HadTypingBefore     bool
}

// ScoreEvent computes one event's suspicion score and the triggered
// reasons. Contributions are additive, clamped to 1.0, rounded to 3
// decimals.
func ScoreEvent(ev models.Event, typing models.TypingStats, rc RecentContext) (float64, []string) {
	var score float64
	var reasons []string

	if ev.Kind == models.EventPaste {
		if n := ev.Data.Length(); n > largePasteChars {
			score += 0.9
			reasons = append(reasons, "large_paste")
		} else if n > mediumPasteChars {
			score += 0.6
			reasons = append(reasons, "medium_paste")
		}
	}

	if ev.Kind == models.EventTyping && ev.Data.Anomaly() == "fast_typing" {
		if iv, ok := ev.Data.IntervalMs(); ok && iv > 0 && iv < fastTypingMs {
			score += 0.4
			reasons = append(reasons, "fast_typing")
		}
	}

	if typing.AvgInterval > 0 && typing.AvgInterval < fastTypingMs {
		score += 0.4
		reasons = append(reasons, "avg_typing_too_fast")
	}
	if typing.Variance > highVarianceMs2 {
		score += 0.3
		reasons = append(reasons, "high_variance")
	}

	if ev.Kind == models.EventWindowBlur {
		if focused, ok := ev.Data.Focused(); ok && !focused &&
			ev.Data.UnfocusedDurationMs() > longBlurMs {
			score += 0.2
			reasons = append(reasons, "long_blur")
		}
	}

	if ev.Kind == models.EventClipboard && rc.ClipboardChanges60s > clipboardBurst60s {
		score += 0.3
		reasons = append(reasons, "clipboard_burst")
	}

	if ev.Kind == models.EventFileOperation && ev.Data.Operation() == "create" &&
		!rc.HadTypingBefore {
		score += 0.5
		reasons = append(reasons, "file_created_no_typing")
	}

	return round3(math.Min(score, 1.0)), reasons
}

// ParticipantScore derives the aggregate suspicion score from the
// cumulative counters. Each signal saturates independently; the sum is
// clamped to 1.0 and rounded to 3 decimals.
func ParticipantScore(stats models.ParticipantStats) float64 {
	var score float64

	score += math.Min(0.5, 0.18*math.Log10(float64(stats.PasteCount)+1))
	if stats.PasteCharsTotal > 1000 {
		score += math.Min(0.3, float64(stats.PasteCharsTotal)/10000)
	}
	if stats.TypingAnomalies > 5 {
		score += math.Min(0.2, float64(stats.TypingAnomalies)/100)
	}
	if stats.WindowBlurTotalMs > alertBlurTotalMs {
		score += 0.15
	}
	if stats.ClipboardChanges > 20 {
		score += math.Min(0.15, float64(stats.ClipboardChanges)/200)
	}

	return round3(math.Min(score, 1.0))
}

// AlertEvaluation is the outcome of checking a participant against the
// alert thresholds.
type AlertEvaluation struct {
	Level       string   `json:"level"`
	Reasons     []string `json:"reasons"`
	ShouldAlert bool     `json:"shouldAlert"`
}

// EvaluateAlert classifies an updated participant: critical above the score
// threshold, warning on excessive pasting or window-blur time, none
// otherwise. Reasons enumerate every triggered condition with its value.
func EvaluateAlert(p *models.Participant) AlertEvaluation {
	var reasons []string

	if p.SuspicionScore > alertCriticalScore {
		reasons = append(reasons,
			fmt.Sprintf("suspicion_score %.3f > %.1f", p.SuspicionScore, alertCriticalScore))
	}
	if p.Stats.PasteCount > alertPasteCount {
		reasons = append(reasons,
			fmt.Sprintf("paste_count %d > %d", p.Stats.PasteCount, alertPasteCount))
	}
	if p.Stats.WindowBlurTotalMs > alertBlurTotalMs {
		reasons = append(reasons,
			fmt.Sprintf("window_blur_total_ms %d > %d", p.Stats.WindowBlurTotalMs, alertBlurTotalMs))
	}

	level := models.AlertNone
	switch {
	case p.SuspicionScore > alertCriticalScore:
		level = models.AlertCritical
	case p.Stats.PasteCount > alertPasteCount || p.Stats.WindowBlurTotalMs > alertBlurTotalMs:
		level = models.AlertWarning
	}

	return AlertEvaluation{
		Level:       level,
		Reasons:     reasons,
		ShouldAlert: level != models.AlertNone,
	}
}

// ComputeTypingStats derives mean, population variance, standard deviation
// and a words-per-minute estimate (60000 / mean / 5) from an interval
// sequence in milliseconds.
func ComputeTypingStats(intervals []float64) models.TypingStats {
	stats := models.TypingStats{SampleCount: len(intervals)}
	if len(intervals) == 0 {
		return stats
	}

	var sum float64
	for _, iv := range intervals {
		sum += iv
	}
	mean := sum / float64(len(intervals))

	var sq float64
	for _, iv := range intervals {
		d := iv - mean
		sq += d * d
	}
	variance := sq / float64(len(intervals))

	stats.AvgInterval = mean
	stats.Variance = variance
	stats.StdDev = math.Sqrt(variance)
	if mean > 0 {
		stats.WPMEstimate = 60000 / mean / 5
	}
	return stats
}
