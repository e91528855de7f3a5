/**
 * @description
 * This file defines the `Repository` interface, the persistence contract for the
 * transfer-service. Defining an interface decouples the orchestration logic from
 * PostgreSQL and lets tests substitute hand-written stubs.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid, github.com/shopspring/decimal: Identifier and money types.
 * - internal/domain: Domain models and event payloads.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	ErrTransferNotFound         = errors.New("transfer not found")
	ErrDuplicateIdempotencyKey  = errors.New("idempotency key already used")
	ErrDuplicateTransactionCode = errors.New("transaction code already exists")
	ErrVersionConflict          = errors.New("transfer was modified concurrently")
)

// OutboxRecord is one durably stored, to-be-published domain event. A record
// flips published=false→true exactly once; attempt_count grows on every claim
// regardless of outcome, and records are never deleted by the processor.
type OutboxRecord struct {
	ID            int64
	EventKind     string
	Payload       []byte
	OccurredAt    time.Time
	Published     bool
	PublishedAt   *time.Time
	AttemptCount  int
	LastError     *string
	LastAttemptAt *time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transfer lookups
	FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error)
	FindTransferByCode(ctx context.Context, transactionCode string) (*domain.Transfer, error)
	TransferCodeExists(ctx context.Context, transactionCode string) (bool, error)
	FindPendingTransfersBySender(ctx context.Context, senderID uuid.UUID) ([]domain.Transfer, error)

	// SumDailyTransfersForSender returns the base-currency sum of the sender's
	// pending and completed transfers created at or after `since`.
	SumDailyTransfersForSender(ctx context.Context, senderID uuid.UUID, since time.Time) (decimal.Decimal, error)

	// Transfer writes. Both append the given event to the outbox in the same
	// local transaction as the transfer row; UpdateTransferWithOutboxEvent
	// compares-and-swaps on Version and returns ErrVersionConflict on a lost race.
	CreateTransfer(ctx context.Context, t *domain.Transfer) error
	CreateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error
	UpdateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error

	// Outbox processing
	ClaimOutboxRecords(ctx context.Context, limit int, maxAttempts int) ([]OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, reason string) error
	CountExhaustedOutboxRecords(ctx context.Context, maxAttempts int) (int64, error)
	CountStalePendingTransfers(ctx context.Context, olderThan time.Time) (int64, error)
}
