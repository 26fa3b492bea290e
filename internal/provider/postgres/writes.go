package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// ArchivedVersion returns the version of the archived copy of a run, or 0 when
// the run has not been archived.
func (s *Store) ArchivedVersion(ctx context.Context, runID string) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, `SELECT version FROM runs WHERE run_id = $1`, runID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query archived version: %w", err)
	}
	return version, nil
}

// UpsertRun upserts a run into the runs table. Older versions never overwrite newer ones.
func (s *Store) UpsertRun(ctx context.Context, run types.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	var overall string
	if run.Result != nil {
		overall = string(run.Result.OverallStatus)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, dedup_key, artifact_id, artifact_version, status, overall_status,
			version, report_dispatched, failure_reason, failure_category, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (run_id) DO UPDATE SET
			status            = EXCLUDED.status,
			overall_status    = EXCLUDED.overall_status,
			version           = EXCLUDED.version,
			report_dispatched = EXCLUDED.report_dispatched,
			failure_reason    = EXCLUDED.failure_reason,
			failure_category  = EXCLUDED.failure_category,
			data              = EXCLUDED.data,
			updated_at        = EXCLUDED.updated_at,
			archived_at       = NOW()
		WHERE runs.version < EXCLUDED.version
	`, run.RunID, run.DedupKey, run.Artifact.ArtifactID, run.Artifact.Version, string(run.Status), overall,
		run.Version, run.ReportDispatched, run.FailureReason, string(run.FailureCategory), data,
		run.CreatedAt, run.UpdatedAt)
	return err
}

// InsertEvents batch-inserts events, skipping event IDs already archived.
func (s *Store) InsertEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		detailsJSON, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		batch.Queue(`
			INSERT INTO events (event_id, run_id, kind, stage, status, message, details, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.EventID, ev.RunID, string(ev.Kind), string(ev.Stage), ev.Status, ev.Message, detailsJSON, ev.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return br.Close()
}
