package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contestwatch/proctor-engine/internal/heuristics"
	"github.com/contestwatch/proctor-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the runtime image without shipping the .sql file alongside.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Println("Successfully connected to PostgreSQL for Proctoring Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies store connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	log.Println("Proctoring schema initialized")
	return nil
}

const participantColumns = `
	machine_id, external_account_name, session_id, workspace,
	started_at, last_active, total_events,
	paste_count, paste_chars_total, typing_anomalies,
	window_blur_count, window_blur_total_ms, clipboard_changes,
	files_created, files_deleted, suspicion_score`

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(
		&p.MachineID, &p.ExternalAccountName, &p.SessionID, &p.Workspace,
		&p.StartedAt, &p.LastActive, &p.TotalEvents,
		&p.Stats.PasteCount, &p.Stats.PasteCharsTotal, &p.Stats.TypingAnomalies,
		&p.Stats.WindowBlurCount, &p.Stats.WindowBlurTotalMs, &p.Stats.ClipboardChanges,
		&p.Stats.FilesCreated, &p.Stats.FilesDeleted, &p.SuspicionScore,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertParticipant creates the participant on first contact and always
// advances last_active. Session and workspace are refreshed when non-empty.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, machineID, sessionID, workspace string) (*models.Participant, error) {
	sql := `
		INSERT INTO participants (machine_id, session_id, workspace)
		VALUES ($1, $2, $3)
		ON CONFLICT (machine_id) DO UPDATE SET
			session_id = CASE WHEN EXCLUDED.session_id <> '' THEN EXCLUDED.session_id ELSE participants.session_id END,
			workspace  = CASE WHEN EXCLUDED.workspace <> '' THEN EXCLUDED.workspace ELSE participants.workspace END,
			last_active = GREATEST(participants.last_active, NOW())
		RETURNING ` + participantColumns
	return scanParticipant(s.pool.QueryRow(ctx, sql, machineID, sessionID, workspace))
}

func (s *PostgresStore) GetParticipant(ctx context.Context, machineID string) (*models.Participant, error) {
	sql := `SELECT ` + participantColumns + ` FROM participants WHERE machine_id = $1`
	return scanParticipant(s.pool.QueryRow(ctx, sql, machineID))
}

func (s *PostgresStore) ListParticipants(ctx context.Context, opts ListOptions) ([]models.Participant, int, error) {
	orderCol := "suspicion_score"
	switch opts.Sort {
	case "lastActive":
		orderCol = "last_active"
	case "totalEvents":
		orderCol = "total_events"
	}
	dir := "DESC"
	if opts.Order == "asc" {
		dir = "ASC"
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 50
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants`).Scan(&total); err != nil {
		return nil, 0, err
	}

	// orderCol and dir come from the fixed switches above, never from input.
	sql := fmt.Sprintf(`SELECT %s FROM participants ORDER BY %s %s LIMIT $1 OFFSET $2`,
		participantColumns, orderCol, dir)
	rows, err := s.pool.Query(ctx, sql, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, 0, err
		}
		participants = append(participants, *p)
	}
	return participants, total, rows.Err()
}

// UpdateParticipantState persists counters, score, totals and last_active.
// last_active only moves forward, which is safe under concurrent batches
// because the source clock is monotone per agent.
func (s *PostgresStore) UpdateParticipantState(ctx context.Context, p *models.Participant) error {
	sql := `
		UPDATE participants SET
			external_account_name = $2,
			session_id = $3,
			workspace = $4,
			last_active = GREATEST(last_active, $5),
			total_events = $6,
			paste_count = $7,
			paste_chars_total = $8,
			typing_anomalies = $9,
			window_blur_count = $10,
			window_blur_total_ms = $11,
			clipboard_changes = $12,
			files_created = $13,
			files_deleted = $14,
			suspicion_score = $15
		WHERE machine_id = $1`
	tag, err := s.pool.Exec(ctx, sql,
		p.MachineID, p.ExternalAccountName, p.SessionID, p.Workspace,
		p.LastActive, p.TotalEvents,
		p.Stats.PasteCount, p.Stats.PasteCharsTotal, p.Stats.TypingAnomalies,
		p.Stats.WindowBlurCount, p.Stats.WindowBlurTotalMs, p.Stats.ClipboardChanges,
		p.Stats.FilesCreated, p.Stats.FilesDeleted, p.SuspicionScore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvents bulk-inserts a batch. Rows fail individually: a bad event is
// logged and skipped, the batch does not abort (the pipeline favours
// forward progress over atomicity here). Retried batches deduplicate on the
// event id.
func (s *PostgresStore) AppendEvents(ctx context.Context, participantID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}

	sql := `
		INSERT INTO events (id, participant_id, kind, ts, data, suspicion_score, reasons, flagged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			data = []byte("{}")
		}
		reasons := ev.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		batch.Queue(sql, ev.ID, participantID, string(ev.Kind), ev.Timestamp,
			data, ev.SuspicionScore, reasons, ev.Flagged)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range events {
		if _, err := br.Exec(); err != nil {
			log.Printf("[Store] Failed to insert event %s: %v", events[i].ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, participantID string, q EventQuery) ([]models.Event, int, error) {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	where := `participant_id = $1`
	args := []any{participantID}
	if q.Kind != "" {
		args = append(args, string(q.Kind))
		where += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if q.FlaggedOnly {
		where += ` AND flagged`
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM events WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.Limit, q.Offset)
	sql := fmt.Sprintf(`
		SELECT id, participant_id, kind, ts, data, suspicion_score, reasons, flagged
		FROM events WHERE %s
		ORDER BY ts DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var ev models.Event
		var kind string
		var data []byte
		if err := rows.Scan(&ev.ID, &ev.ParticipantID, &kind, &ev.Timestamp,
			&data, &ev.SuspicionScore, &ev.Reasons, &ev.Flagged); err != nil {
			return nil, 0, err
		}
		ev.Kind = models.EventKind(kind)
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			ev.Data = models.EventData{}
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

func (s *PostgresStore) SuspicionBreakdown(ctx context.Context, participantID string) ([]BreakdownRow, error) {
	sql := `
		SELECT kind, flagged, COUNT(*), AVG(suspicion_score), MAX(suspicion_score)
		FROM events
		WHERE participant_id = $1
		GROUP BY kind, flagged
		ORDER BY kind, flagged`
	rows, err := s.pool.Query(ctx, sql, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BreakdownRow, 0)
	for rows.Next() {
		var row BreakdownRow
		var kind string
		if err := rows.Scan(&kind, &row.Flagged, &row.Count, &row.AvgScore, &row.MaxScore); err != nil {
			return nil, err
		}
		row.Kind = models.EventKind(kind)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentClipboardCount(ctx context.Context, participantID string, since time.Time) (int, error) {
	var count int
	sql := `SELECT COUNT(*) FROM events WHERE participant_id = $1 AND kind = 'clipboard' AND ts >= $2`
	err := s.pool.QueryRow(ctx, sql, participantID, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) HasAnyTypingEvent(ctx context.Context, participantID string) (bool, error) {
	var exists bool
	sql := `SELECT EXISTS (
		SELECT 1 FROM events
		WHERE participant_id = $1 AND kind IN ('typing', 'file_change'))`
	err := s.pool.QueryRow(ctx, sql, participantID).Scan(&exists)
	return exists, err
}

// UpdateTypingPattern appends intervals, applies the bounded-sequence rule
// and recomputes statistics inside one transaction, so concurrent batches
// for the same participant cannot interleave mid-update.
func (s *PostgresStore) UpdateTypingPattern(ctx context.Context, participantID string, intervals []float64) (*models.TypingPattern, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing []float64
	err = tx.QueryRow(ctx,
		`SELECT intervals FROM typing_patterns WHERE participant_id = $1 FOR UPDATE`,
		participantID).Scan(&existing)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	merged := appendTypingIntervals(existing, intervals)
	stats := heuristics.ComputeTypingStats(merged)

	sql := `
		INSERT INTO typing_patterns
			(participant_id, intervals, avg_interval, variance, std_dev, sample_count, wpm_estimate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (participant_id) DO UPDATE SET
			intervals = EXCLUDED.intervals,
			avg_interval = EXCLUDED.avg_interval,
			variance = EXCLUDED.variance,
			std_dev = EXCLUDED.std_dev,
			sample_count = EXCLUDED.sample_count,
			wpm_estimate = EXCLUDED.wpm_estimate,
			updated_at = NOW()`
	_, err = tx.Exec(ctx, sql, participantID, merged,
		stats.AvgInterval, stats.Variance, stats.StdDev, stats.SampleCount, stats.WPMEstimate)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &models.TypingPattern{
		ParticipantID: participantID,
		Intervals:     merged,
		Stats:         stats,
		UpdatedAt:     time.Now(),
	}, nil
}

func (s *PostgresStore) GetTypingPattern(ctx context.Context, participantID string) (*models.TypingPattern, error) {
	var pat models.TypingPattern
	pat.ParticipantID = participantID
	sql := `
		SELECT intervals, avg_interval, variance, std_dev, sample_count, wpm_estimate, updated_at
		FROM typing_patterns WHERE participant_id = $1`
	err := s.pool.QueryRow(ctx, sql, participantID).Scan(
		&pat.Intervals, &pat.Stats.AvgInterval, &pat.Stats.Variance,
		&pat.Stats.StdDev, &pat.Stats.SampleCount, &pat.Stats.WPMEstimate, &pat.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pat, nil
}

func (s *PostgresStore) SuspiciousParticipants(ctx context.Context, limit int) ([]SuspiciousParticipant, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	sql := `
		SELECT ` + participantColumns + `,
			(SELECT COUNT(*) FROM events e WHERE e.participant_id = p.machine_id AND e.flagged) AS flagged_events
		FROM participants p
		WHERE suspicion_score > 0
		ORDER BY suspicion_score DESC
		LIMIT $1`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]SuspiciousParticipant, 0)
	for rows.Next() {
		var sp SuspiciousParticipant
		p := &sp.Participant
		if err := rows.Scan(
			&p.MachineID, &p.ExternalAccountName, &p.SessionID, &p.Workspace,
			&p.StartedAt, &p.LastActive, &p.TotalEvents,
			&p.Stats.PasteCount, &p.Stats.PasteCharsTotal, &p.Stats.TypingAnomalies,
			&p.Stats.WindowBlurCount, &p.Stats.WindowBlurTotalMs, &p.Stats.ClipboardChanges,
			&p.Stats.FilesCreated, &p.Stats.FilesDeleted, &p.SuspicionScore,
			&sp.FlaggedEventCount); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OverviewStats(ctx context.Context) (*Overview, error) {
	ov := &Overview{}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE last_active > NOW() - INTERVAL '5 minutes'),
			COALESCE(AVG(suspicion_score), 0)
		FROM participants`).Scan(&ov.TotalParticipants, &ov.ActiveParticipants, &ov.AvgSuspicion)
	if err != nil {
		return nil, err
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE flagged) FROM events`).
		Scan(&ov.TotalEvents, &ov.FlaggedEvents)
	if err != nil {
		return nil, err
	}
	return ov, nil
}

func (s *PostgresStore) GetOrCreateSourceAnalysis(ctx context.Context, participantID, owner, repo, defaultBranch string) (*models.SourceAnalysisRecord, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	sql := `
		INSERT INTO source_analyses (participant_id, owner, repo, default_branch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			repo = EXCLUDED.repo,
			default_branch = EXCLUDED.default_branch`
	if _, err := s.pool.Exec(ctx, sql, participantID, owner, repo, defaultBranch); err != nil {
		return nil, err
	}
	return s.GetSourceAnalysis(ctx, participantID)
}

const analysisColumns = `
	participant_id, owner, repo, default_branch,
	stats, timing, suspicious_commits, burst_commits, idle_bursts, similarity_matches,
	highest_similarity, avg_commit_suspicion, source_suspicion_score,
	last_processed_commit_id, last_sync_at, updated_at`

func scanAnalysis(row pgx.Row) (*models.SourceAnalysisRecord, error) {
	var rec models.SourceAnalysisRecord
	var stats, timing, suspicious, bursts, idles, matches []byte
	var lastSync *time.Time
	err := row.Scan(
		&rec.ParticipantID, &rec.Owner, &rec.Repo, &rec.DefaultBranch,
		&stats, &timing, &suspicious, &bursts, &idles, &matches,
		&rec.HighestSimilarity, &rec.AvgCommitSuspicionScore, &rec.SourceSuspicionScore,
		&rec.LastProcessedCommitID, &lastSync, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastSync != nil {
		rec.LastSyncAt = *lastSync
	}
	_ = json.Unmarshal(stats, &rec.Stats)
	_ = json.Unmarshal(timing, &rec.Timing)
	_ = json.Unmarshal(suspicious, &rec.SuspiciousCommits)
	_ = json.Unmarshal(bursts, &rec.BurstCommits)
	_ = json.Unmarshal(idles, &rec.IdleBursts)
	_ = json.Unmarshal(matches, &rec.SimilarityMatches)
	return &rec, nil
}

func (s *PostgresStore) GetSourceAnalysis(ctx context.Context, participantID string) (*models.SourceAnalysisRecord, error) {
	sql := `SELECT ` + analysisColumns + ` FROM source_analyses WHERE participant_id = $1`
	return scanAnalysis(s.pool.QueryRow(ctx, sql, participantID))
}

// PersistSourceAnalysis writes the whole record atomically, truncating the
// bounded lists first.
func (s *PostgresStore) PersistSourceAnalysis(ctx context.Context, rec *models.SourceAnalysisRecord) error {
	rec.Truncate()
	rec.UpdatedAt = time.Now()

	stats, _ := json.Marshal(rec.Stats)
	timing, _ := json.Marshal(rec.Timing)
	suspicious, _ := json.Marshal(emptyAsList(rec.SuspiciousCommits))
	bursts, _ := json.Marshal(emptyAsList(rec.BurstCommits))
	idles, _ := json.Marshal(emptyAsList(rec.IdleBursts))
	matches, _ := json.Marshal(emptyAsList(rec.SimilarityMatches))

	var lastSync *time.Time
	if !rec.LastSyncAt.IsZero() {
		lastSync = &rec.LastSyncAt
	}

	sql := `
		UPDATE source_analyses SET
			owner = $2, repo = $3, default_branch = $4,
			stats = $5, timing = $6,
			suspicious_commits = $7, burst_commits = $8, idle_bursts = $9, similarity_matches = $10,
			highest_similarity = $11, avg_commit_suspicion = $12, source_suspicion_score = $13,
			last_processed_commit_id = $14, last_sync_at = $15, updated_at = NOW()
		WHERE participant_id = $1`
	tag, err := s.pool.Exec(ctx, sql,
		rec.ParticipantID, rec.Owner, rec.Repo, rec.DefaultBranch,
		stats, timing, suspicious, bursts, idles, matches,
		rec.HighestSimilarity, rec.AvgCommitSuspicionScore, rec.SourceSuspicionScore,
		rec.LastProcessedCommitID, lastSync)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRegisteredSourceAnalyses(ctx context.Context) ([]models.SourceAnalysisRecord, error) {
	sql := `SELECT ` + analysisColumns + ` FROM source_analyses ORDER BY participant_id`
	return s.queryAnalyses(ctx, sql)
}

func (s *PostgresStore) TopSourceAnalyses(ctx context.Context, limit int) ([]models.SourceAnalysisRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	sql := fmt.Sprintf(`SELECT %s FROM source_analyses ORDER BY source_suspicion_score DESC LIMIT %d`,
		analysisColumns, limit)
	return s.queryAnalyses(ctx, sql)
}

func (s *PostgresStore) queryAnalyses(ctx context.Context, sql string) ([]models.SourceAnalysisRecord, error) {
	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.SourceAnalysisRecord, 0)
	for rows.Next() {
		rec, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// emptyAsList keeps JSONB columns as [] instead of null for nil slices.
func emptyAsList[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
