package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/jackc/pgx/v5"
)

const pendingColumns = `id, call_id, lead_id, attempts, last_error, retry_phase, scheduled_for,
	call_started_at, call_ended_at, estimated_end_time, processed_at, outcome,
	claimed_by, lease_expires_at, created_at, updated_at`

func (s *PostgresStore) CreatePending(ctx context.Context, pending *domain.PendingRecording) (bool, error) {
	command, err := s.pool.Exec(ctx, `
		INSERT INTO pending_recordings (
			id,
			call_id,
			lead_id,
			attempts,
			last_error,
			retry_phase,
			scheduled_for,
			call_started_at,
			call_ended_at,
			estimated_end_time,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (call_id) WHERE processed_at IS NULL DO NOTHING
	`,
		pending.ID,
		pending.CallID,
		pending.LeadID,
		pending.Attempts,
		pending.LastError,
		string(pending.Phase),
		pending.ScheduledFor,
		pending.CallStartedAt,
		pending.CallEndedAt,
		pending.EstimatedEndTime,
		pending.CreatedAt,
		pending.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert pending recording: %w", err)
	}
	return command.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLivePending(ctx context.Context, callID string) (*domain.PendingRecording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_recordings
		WHERE call_id = $1 AND processed_at IS NULL
	`, callID)
	pending, err := scanPending(row)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query pending recording: %w", err)
	}
	return pending, nil
}

func (s *PostgresStore) ClaimDuePending(
	ctx context.Context,
	now time.Time,
	limit int,
	owner string,
	lease time.Duration,
) ([]domain.PendingRecording, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE pending_recordings
		SET claimed_by = $2,
			lease_expires_at = $3,
			updated_at = $1
		WHERE id IN (
			SELECT id
			FROM pending_recordings
			WHERE processed_at IS NULL
				AND scheduled_for <= $1
				AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
			ORDER BY (call_ended_at IS NULL), scheduled_for, created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pendingColumns,
		now, owner, now.Add(lease), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim pending recordings: %w", err)
	}
	defer rows.Close()

	claimed := make([]domain.PendingRecording, 0, limit)
	for rows.Next() {
		pending, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending recording: %w", err)
		}
		claimed = append(claimed, *pending)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate pending recordings: %w", rows.Err())
	}

	// RETURNING does not preserve the subquery order.
	SortClaimed(claimed)
	return claimed, nil
}

func (s *PostgresStore) ReschedulePending(ctx context.Context, pending *domain.PendingRecording, owner string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE pending_recordings
		SET attempts = GREATEST(attempts, $2),
			last_error = $3,
			retry_phase = $4,
			scheduled_for = GREATEST(scheduled_for, $5),
			updated_at = $6,
			claimed_by = '',
			lease_expires_at = NULL
		WHERE id = $1 AND processed_at IS NULL AND claimed_by = $7
	`,
		pending.ID,
		pending.Attempts,
		pending.LastError,
		string(pending.Phase),
		pending.ScheduledFor,
		pending.UpdatedAt,
		owner,
	)
	if err != nil {
		return fmt.Errorf("reschedule pending recording: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) MarkPendingProcessed(
	ctx context.Context,
	id, owner string,
	attempts int,
	outcome domain.PendingOutcome,
	lastError string,
	now time.Time,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE pending_recordings
		SET processed_at = $2,
			outcome = $3,
			last_error = CASE WHEN $4::text = '' THEN last_error ELSE $4::text END,
			attempts = GREATEST(attempts, $5),
			updated_at = $2,
			claimed_by = '',
			lease_expires_at = NULL
		WHERE id = $1 AND processed_at IS NULL AND claimed_by = $6
	`, id, now, string(outcome), lastError, attempts, owner)
	if err != nil {
		return fmt.Errorf("mark pending processed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ReleasePending(ctx context.Context, id, owner string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE pending_recordings
		SET claimed_by = '',
			lease_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release pending recording: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) PendingStats(ctx context.Context) (domain.PendingStats, error) {
	var stats domain.PendingStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_phase = 'quick'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_phase = 'backoff'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_phase = 'final'),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND outcome = 'matched'),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND outcome = 'abandoned')
		FROM pending_recordings
	`).Scan(&stats.Quick, &stats.Backoff, &stats.Final, &stats.Succeeded, &stats.Abandoned)
	if err != nil {
		return domain.PendingStats{}, fmt.Errorf("query pending stats: %w", err)
	}
	return stats, nil
}

func scanPending(row pgx.Row) (*domain.PendingRecording, error) {
	var (
		pending domain.PendingRecording
		phase   string
		outcome string
	)
	err := row.Scan(
		&pending.ID,
		&pending.CallID,
		&pending.LeadID,
		&pending.Attempts,
		&pending.LastError,
		&phase,
		&pending.ScheduledFor,
		&pending.CallStartedAt,
		&pending.CallEndedAt,
		&pending.EstimatedEndTime,
		&pending.ProcessedAt,
		&outcome,
		&pending.ClaimedBy,
		&pending.LeaseExpiresAt,
		&pending.CreatedAt,
		&pending.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	pending.Phase = domain.RetryPhase(phase)
	pending.Outcome = domain.PendingOutcome(outcome)
	return &pending, nil
}
