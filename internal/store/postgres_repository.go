/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. The write
 * paths that must be atomic (transfer row + outbox event) run in one local
 * transaction, which is the atomicity boundary that makes event delivery
 * survive a broker outage. Updates compare-and-swap on the version column so a
 * racing Complete and Cancel produce exactly one winner.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, pgxpool, pgconn: PostgreSQL driver and pooling.
 * - github.com/shopspring/decimal: Money columns are NUMERIC.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

const pgUniqueViolation = "23505"

// PostgresRepository implements Repository against a pgx connection pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL-backed repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const transferColumns = `
	id, sender_id, receiver_id, amount, currency, amount_in_base_currency,
	exchange_rate, transaction_fee, transaction_code, status, risk_level,
	idempotency_key, approval_required_until, sender_national_id,
	receiver_national_id, failure_reason, cancellation_reason,
	created_at, completed_at, cancelled_at, version`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t            domain.Transfer
		exchangeRate decimal.NullDecimal
		riskLevel    *string
	)
	err := row.Scan(
		&t.ID, &t.SenderID, &t.ReceiverID, &t.Amount, &t.Currency, &t.AmountInBaseCurrency,
		&exchangeRate, &t.TransactionFee, &t.TransactionCode, &t.Status, &riskLevel,
		&t.IdempotencyKey, &t.ApprovalRequiredUntil, &t.SenderNationalID,
		&t.ReceiverNationalID, &t.FailureReason, &t.CancellationReason,
		&t.CreatedAt, &t.CompletedAt, &t.CancelledAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	if exchangeRate.Valid {
		t.ExchangeRate = &exchangeRate.Decimal
	}
	if riskLevel != nil {
		t.RiskLevel = domain.RiskLevel(*riskLevel)
	}
	return &t, nil
}

func (r *PostgresRepository) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE idempotency_key = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, strings.TrimSpace(key)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return t, err
}

func (r *PostgresRepository) FindTransferByCode(ctx context.Context, transactionCode string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE transaction_code = $1`
	t, err := scanTransfer(r.db.QueryRow(ctx, query, strings.TrimSpace(transactionCode)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return t, err
}

func (r *PostgresRepository) TransferCodeExists(ctx context.Context, transactionCode string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE transaction_code = $1)`,
		transactionCode,
	).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) FindPendingTransfersBySender(ctx context.Context, senderID uuid.UUID) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE sender_id = $1 AND status = $2 ORDER BY created_at`
	rows, err := r.db.Query(ctx, query, senderID, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) SumDailyTransfersForSender(ctx context.Context, senderID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_in_base_currency), 0)
		FROM transfers
		WHERE sender_id = $1
		  AND status IN ($2, $3)
		  AND created_at >= $4
	`, senderID, domain.StatusPending, domain.StatusCompleted, since).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransferTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PostgresRepository) CreateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertTransferTx(ctx, tx, t); err != nil {
		return err
	}
	if err := enqueueEventTx(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateTransferWithOutboxEvent persists a status transition under optimistic
// concurrency. The WHERE clause matches the version the caller loaded; zero
// rows affected on a live row means a concurrent writer won, surfaced as
// ErrVersionConflict. On success t.Version reflects the stored value.
func (r *PostgresRepository) UpdateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE transfers
		SET status = $1,
			completed_at = $2,
			cancelled_at = $3,
			cancellation_reason = $4,
			version = version + 1
		WHERE id = $5 AND version = $6
	`, t.Status, t.CompletedAt, t.CancelledAt, t.CancellationReason, t.ID, t.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transfers WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransferNotFound
		}
		return ErrVersionConflict
	}

	if err := enqueueEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	t.Version++
	return nil
}

func insertTransferTx(ctx context.Context, tx pgx.Tx, t *domain.Transfer) error {
	var exchangeRate decimal.NullDecimal
	if t.ExchangeRate != nil {
		exchangeRate = decimal.NullDecimal{Decimal: *t.ExchangeRate, Valid: true}
	}
	var riskLevel *string
	if t.RiskLevel != domain.RiskUnknown {
		level := string(t.RiskLevel)
		riskLevel = &level
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO transfers (
			id, sender_id, receiver_id, amount, currency, amount_in_base_currency,
			exchange_rate, transaction_fee, transaction_code, status, risk_level,
			idempotency_key, approval_required_until, sender_national_id,
			receiver_national_id, failure_reason, cancellation_reason,
			created_at, completed_at, cancelled_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`,
		t.ID, t.SenderID, t.ReceiverID, t.Amount, t.Currency, t.AmountInBaseCurrency,
		exchangeRate, t.TransactionFee, t.TransactionCode, t.Status, riskLevel,
		t.IdempotencyKey, t.ApprovalRequiredUntil, t.SenderNationalID,
		t.ReceiverNationalID, t.FailureReason, t.CancellationReason,
		t.CreatedAt, t.CompletedAt, t.CancelledAt, t.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			switch {
			case strings.Contains(pgErr.ConstraintName, "idempotency"):
				return ErrDuplicateIdempotencyKey
			case strings.Contains(pgErr.ConstraintName, "transaction_code"):
				return ErrDuplicateTransactionCode
			}
		}
		return err
	}
	return nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, event domain.TransferEvent) error {
	blob, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (event_kind, payload, occurred_at)
		VALUES ($1, $2::jsonb, $3)
	`, string(event.Kind), string(blob), event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}
