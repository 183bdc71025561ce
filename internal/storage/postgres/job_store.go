package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// SaveJob upserts a job snapshot. Rows already in a terminal status are left alone.
func (s *Store) SaveJob(ctx context.Context, job orchestrator.Job) error {
	var payload []byte
	if len(job.Payload) > 0 {
		payload = []byte(job.Payload)
	}
	query := `
INSERT INTO jobs (
	id, user_id, status, payload, submitted_at, started_at, finished_at,
	proxy, reason, evidence_uri, evidence_sha256, deferrals, charged, refunded
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	proxy = EXCLUDED.proxy,
	reason = EXCLUDED.reason,
	evidence_uri = EXCLUDED.evidence_uri,
	evidence_sha256 = EXCLUDED.evidence_sha256,
	deferrals = EXCLUDED.deferrals,
	charged = EXCLUDED.charged,
	refunded = EXCLUDED.refunded
WHERE jobs.status NOT IN ('succeeded', 'failed_technical', 'failed_permanent', 'cancelled')`
	_, err := s.pool.Exec(ctx, query,
		int64(job.ID),
		job.UserID,
		string(job.Status),
		payload,
		job.SubmittedAt,
		job.StartedAt,
		job.FinishedAt,
		job.ProxyAddress,
		job.Reason,
		job.EvidenceURI,
		job.EvidenceSHA256,
		job.Deferrals,
		job.Charged,
		job.Refunded,
	)
	if err != nil {
		return fmt.Errorf("upsert job %d: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, user_id, status, payload, submitted_at, started_at, finished_at,
	proxy, reason, evidence_uri, evidence_sha256, deferrals, charged, refunded`

// GetJob fetches a job snapshot.
func (s *Store) GetJob(ctx context.Context, id orchestrator.JobID) (orchestrator.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, int64(id))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Job{}, orchestrator.ErrJobNotFound
	}
	if err != nil {
		return orchestrator.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// ListByUser returns up to limit of the user's jobs, newest first.
func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]orchestrator.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs for user %d: %w", userID, err)
	}
	defer rows.Close()
	var jobs []orchestrator.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (orchestrator.Job, error) {
	var (
		job     orchestrator.Job
		rawID   int64
		status  string
		payload []byte
	)
	err := row.Scan(
		&rawID,
		&job.UserID,
		&status,
		&payload,
		&job.SubmittedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.ProxyAddress,
		&job.Reason,
		&job.EvidenceURI,
		&job.EvidenceSHA256,
		&job.Deferrals,
		&job.Charged,
		&job.Refunded,
	)
	if err != nil {
		return orchestrator.Job{}, err
	}
	job.ID = orchestrator.JobID(rawID)
	job.Status = orchestrator.JobStatus(status)
	job.Payload = orchestrator.Payload(payload)
	return job, nil
}

// LastJobID returns the highest job ID on record, or zero.
func (s *Store) LastJobID(ctx context.Context) (orchestrator.JobID, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT coalesce(max(id), 0) FROM jobs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("query last job id: %w", err)
	}
	return orchestrator.JobID(id), nil
}
