package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dwsmith1983/riskcheck/pkg/types"
)

// QueryRunHistory returns archived runs of an artifact, most recent first.
// An empty version matches every version.
func (s *Store) QueryRunHistory(ctx context.Context, artifactID, version string, limit int) ([]types.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM runs
		WHERE artifact_id = $1 AND ($2 = '' OR artifact_version = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, artifactID, version, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var run types.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return nil, fmt.Errorf("decode archived run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// QueryRunEvents returns the archived events of a run in chronological order.
func (s *Store) QueryRunEvents(ctx context.Context, runID string) ([]types.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, run_id, kind, COALESCE(stage, ''), COALESCE(status, ''),
			COALESCE(message, ''), details, timestamp
		FROM events
		WHERE run_id = $1
		ORDER BY timestamp, event_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var kind, stage string
		var details []byte
		if err := rows.Scan(&ev.EventID, &ev.RunID, &kind, &stage, &ev.Status, &ev.Message, &details, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Kind = types.EventKind(kind)
		ev.Stage = types.StageKind(stage)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decode event details: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
