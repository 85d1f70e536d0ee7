package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, call_id, recording_url, priority, status, attempts, last_error, source,
	claimed_by, created_at, started_at, completed_at, updated_at`

func (s *PostgresStore) UpsertJob(ctx context.Context, job *domain.TranscriptionJob) (*domain.TranscriptionJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transcription_queue (
			id,
			call_id,
			recording_url,
			priority,
			status,
			attempts,
			source,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,'pending',0,$5,$6,$7)
		ON CONFLICT (call_id) DO UPDATE SET
			recording_url = EXCLUDED.recording_url,
			priority = GREATEST(transcription_queue.priority, EXCLUDED.priority),
			status = CASE WHEN transcription_queue.status = 'failed' THEN 'pending' ELSE transcription_queue.status END,
			attempts = CASE WHEN transcription_queue.status = 'failed' THEN 0 ELSE transcription_queue.attempts END,
			last_error = CASE WHEN transcription_queue.status = 'failed' THEN '' ELSE transcription_queue.last_error END,
			completed_at = CASE WHEN transcription_queue.status = 'failed' THEN NULL ELSE transcription_queue.completed_at END,
			updated_at = EXCLUDED.updated_at
		RETURNING `+jobColumns,
		job.ID,
		job.CallID,
		job.RecordingURL,
		job.Priority,
		string(job.Source),
		job.CreatedAt,
		job.UpdatedAt,
	)
	stored, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("upsert transcription job: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.TranscriptionJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcription_queue WHERE id = $1`, jobID))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query transcription job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJobByCall(ctx context.Context, callID string) (*domain.TranscriptionJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcription_queue WHERE call_id = $1`, callID))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query transcription job by call: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNextJob(
	ctx context.Context,
	now time.Time,
	workerID string,
	maxAttempts int,
) (*domain.TranscriptionJob, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE transcription_queue
		SET status = 'processing',
			attempts = attempts + 1,
			started_at = $1,
			claimed_by = $2,
			updated_at = $1
		WHERE id = (
			SELECT id
			FROM transcription_queue
			WHERE status = 'pending' AND attempts < $3
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, workerID, maxAttempts,
	)
	job, err := scanJob(row)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("claim transcription job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FinishJob(
	ctx context.Context,
	jobID string,
	workerID string,
	status domain.JobStatus,
	lastError string,
	now time.Time,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE transcription_queue
		SET status = $3,
			last_error = $4,
			claimed_by = '',
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN $5 ELSE NULL END,
			started_at = CASE WHEN $3 = 'pending' THEN NULL ELSE started_at END,
			updated_at = $5
		WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
	`, jobID, workerID, string(status), lastError, now)
	if err != nil {
		return fmt.Errorf("finish transcription job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID, workerID string, now time.Time) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE transcription_queue
		SET status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			claimed_by = '',
			started_at = NULL,
			updated_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'processing'
	`, jobID, workerID, now)
	if err != nil {
		return fmt.Errorf("release transcription job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, startedBefore time.Time) ([]domain.TranscriptionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM transcription_queue
		WHERE status = 'processing' AND started_at < $1
		ORDER BY started_at ASC
	`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale transcription jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.TranscriptionJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transcription job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate transcription jobs: %w", rows.Err())
	}
	return jobs, nil
}

func (s *PostgresStore) DeleteCompletedJobsBefore(ctx context.Context, before time.Time) (int, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM transcription_queue
		WHERE status = 'completed' AND completed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete completed transcription jobs: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) JobStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM transcription_queue
	`).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("query transcription stats: %w", err)
	}
	return stats, nil
}

func scanJob(row pgx.Row) (*domain.TranscriptionJob, error) {
	var (
		job    domain.TranscriptionJob
		status string
		source string
	)
	err := row.Scan(
		&job.ID,
		&job.CallID,
		&job.RecordingURL,
		&job.Priority,
		&status,
		&job.Attempts,
		&job.LastError,
		&source,
		&job.ClaimedBy,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.Source = domain.JobSource(source)
	return &job, nil
}
