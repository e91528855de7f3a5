/**
 * @description
 * Outbox read-side queries. The claim query takes a bounded batch of
 * unpublished records below the attempt ceiling, oldest first, under
 * FOR UPDATE SKIP LOCKED so multiple service replicas can poll concurrently
 * without double-claiming. Attempts are counted at claim time, so every
 * processing attempt is accounted for whatever its outcome.
 */

package store

import (
	"context"
	"time"
)

func (r *PostgresRepository) ClaimOutboxRecords(ctx context.Context, limit int, maxAttempts int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE published = FALSE AND attempt_count < $2
			ORDER BY occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET attempt_count = o.attempt_count + 1,
			last_attempt_at = NOW()
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.event_kind, o.payload::text, o.occurred_at, o.published,
			o.published_at, o.attempt_count, o.last_error, o.last_attempt_at
	`

	rows, err := r.db.Query(ctx, query, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]OutboxRecord, 0, limit)
	for rows.Next() {
		var (
			rec         OutboxRecord
			payloadText string
		)
		if err := rows.Scan(
			&rec.ID, &rec.EventKind, &payloadText, &rec.OccurredAt, &rec.Published,
			&rec.PublishedAt, &rec.AttemptCount, &rec.LastError, &rec.LastAttemptAt,
		); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payloadText)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET published = TRUE,
			published_at = NOW(),
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET last_error = $2
		WHERE id = $1
	`, id, reason)
	return err
}

// CountExhaustedOutboxRecords counts unpublished records that have used up the
// retry budget. These are an operational alert, not a silent drop: the cron
// sweep logs the count every run.
func (r *PostgresRepository) CountExhaustedOutboxRecords(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM event_outbox
		WHERE published = FALSE AND attempt_count >= $1
	`, maxAttempts).Scan(&count)
	return count, err
}

func (r *PostgresRepository) CountStalePendingTransfers(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM transfers
		WHERE status = 'pending' AND created_at < $1
	`, olderThan).Scan(&count)
	return count, err
}
