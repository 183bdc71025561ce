package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// AppendStatEvent inserts one stat event row.
func (s *Store) AppendStatEvent(ctx context.Context, evt orchestrator.StatEvent) error {
	var jobID *int64
	if evt.JobID != 0 {
		id := int64(evt.JobID)
		jobID = &id
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO stat_events (id, kind, user_id, job_id, amount, balance, reason, at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		evt.ID,
		string(evt.Kind),
		evt.UserID,
		jobID,
		evt.Amount,
		evt.Balance,
		evt.Reason,
		evt.At,
	)
	if err != nil {
		return fmt.Errorf("insert stat event: %w", err)
	}
	return nil
}

// Stats aggregates verification results over all stat events.
func (s *Store) Stats(ctx context.Context) (orchestrator.Stats, error) {
	var stats orchestrator.Stats
	err := s.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE kind = $1),
	count(*) FILTER (WHERE kind IN ($2, $3))
FROM stat_events`,
		string(orchestrator.StatVerificationSucceeded),
		string(orchestrator.StatVerificationTechnical),
		string(orchestrator.StatVerificationPermanent),
	).Scan(&stats.Success, &stats.Failed)
	if err != nil {
		return orchestrator.Stats{}, fmt.Errorf("query stats: %w", err)
	}
	stats.Total = stats.Success + stats.Failed
	return stats, nil
}
