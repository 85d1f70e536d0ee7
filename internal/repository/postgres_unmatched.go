package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
	"github.com/jackc/pgx/v5"
)

const unmatchedColumns = `id, call_id, lead_id, candidates, reason, last_error, review_status,
	resolved_url, resolved_by, resolved_at, created_at`

func (s *PostgresStore) CreateUnmatched(ctx context.Context, item *domain.UnmatchedRecording) error {
	candidates, err := json.Marshal(item.Candidates)
	if err != nil {
		return fmt.Errorf("encode unmatched candidates: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO unmatched_recordings (
			id,
			call_id,
			lead_id,
			candidates,
			reason,
			last_error,
			review_status,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		item.ID,
		item.CallID,
		item.LeadID,
		candidates,
		string(item.Reason),
		item.LastError,
		string(item.ReviewStatus),
		item.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert unmatched recording: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUnmatched(ctx context.Context, id string) (*domain.UnmatchedRecording, error) {
	item, err := scanUnmatched(s.pool.QueryRow(ctx, `SELECT `+unmatchedColumns+` FROM unmatched_recordings WHERE id = $1`, id))
	if err != nil {
		if notFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query unmatched recording: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListUnmatched(
	ctx context.Context,
	filter domain.UnmatchedFilter,
) ([]domain.UnmatchedRecording, int, error) {
	filter = normalizePage(filter)

	where := "FROM unmatched_recordings"
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where += " WHERE review_status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count unmatched recordings: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		unmatchedColumns,
		where,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list unmatched recordings: %w", err)
	}
	defer rows.Close()

	items := make([]domain.UnmatchedRecording, 0)
	for rows.Next() {
		item, err := scanUnmatched(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan unmatched recording: %w", err)
		}
		items = append(items, *item)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate unmatched recordings: %w", rows.Err())
	}
	return items, total, nil
}

func (s *PostgresStore) ResolveUnmatched(
	ctx context.Context,
	id string,
	recordingURL string,
	resolvedBy string,
	now time.Time,
) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE unmatched_recordings
		SET review_status = 'resolved',
			resolved_url = $2,
			resolved_by = $3,
			resolved_at = $4
		WHERE id = $1 AND review_status = 'pending'
	`, id, recordingURL, resolvedBy, now)
	if err != nil {
		return fmt.Errorf("resolve unmatched recording: %w", err)
	}
	if command.RowsAffected() == 0 {
		if _, err := s.GetUnmatched(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ReviewCounts(ctx context.Context) (domain.ReviewCounts, error) {
	var counts domain.ReviewCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE review_status = 'pending'),
			COUNT(*) FILTER (WHERE review_status = 'resolved')
		FROM unmatched_recordings
	`).Scan(&counts.Pending, &counts.Resolved)
	if err != nil {
		return domain.ReviewCounts{}, fmt.Errorf("query review counts: %w", err)
	}
	return counts, nil
}

func scanUnmatched(row pgx.Row) (*domain.UnmatchedRecording, error) {
	var (
		item       domain.UnmatchedRecording
		candidates []byte
		reason     string
		status     string
	)
	err := row.Scan(
		&item.ID,
		&item.CallID,
		&item.LeadID,
		&candidates,
		&reason,
		&item.LastError,
		&status,
		&item.ResolvedURL,
		&item.ResolvedBy,
		&item.ResolvedAt,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &item.Candidates); err != nil {
			return nil, fmt.Errorf("decode unmatched candidates: %w", err)
		}
	}
	item.Reason = domain.UnmatchedReason(reason)
	item.ReviewStatus = domain.ReviewStatus(status)
	return &item, nil
}
