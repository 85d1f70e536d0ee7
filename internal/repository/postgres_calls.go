package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/jackc/pgx/v5"
)

const callColumns = `id, lead_id, upstream_call_id, agent_name, started_at, ended_at, duration_seconds,
	recording_url, match_tier, fingerprint, created_at, updated_at`

func (s *PostgresStore) CreateCall(ctx context.Context, call *domain.CallRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_records (
			id,
			lead_id,
			upstream_call_id,
			agent_name,
			started_at,
			ended_at,
			duration_seconds,
			recording_url,
			match_tier,
			fingerprint,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		call.ID,
		call.LeadID,
		call.UpstreamCallID,
		call.AgentName,
		call.StartedAt,
		call.EndedAt,
		call.DurationSeconds,
		call.RecordingURL,
		string(call.MatchTier),
		call.Fingerprint,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE id = $1`, callID)
	call, err := scanCall(row)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query call: %w", err)
	}
	return call, nil
}

func (s *PostgresStore) FindCallByFingerprint(ctx context.Context, fingerprint string) (*domain.CallRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE fingerprint = $1`, fingerprint)
	call, err := scanCall(row)
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query call by fingerprint: %w", err)
	}
	return call, nil
}

func (s *PostgresStore) SetRecording(
	ctx context.Context,
	callID string,
	recordingURL string,
	tier domain.MatchTier,
	now time.Time,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE call_records
		SET recording_url = $2,
			match_tier = $3,
			updated_at = $4
		WHERE id = $1
	`, callID, recordingURL, string(tier), now)
	if err != nil {
		return fmt.Errorf("update call recording: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCall(row pgx.Row) (*domain.CallRecord, error) {
	var (
		call domain.CallRecord
		tier string
	)
	err := row.Scan(
		&call.ID,
		&call.LeadID,
		&call.UpstreamCallID,
		&call.AgentName,
		&call.StartedAt,
		&call.EndedAt,
		&call.DurationSeconds,
		&call.RecordingURL,
		&tier,
		&call.Fingerprint,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	call.MatchTier = domain.MatchTier(tier)
	return &call, nil
}
