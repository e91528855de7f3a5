/**
 * @description
 * This file contains the core business logic for the transfer-service. The
 * `Service` struct orchestrates the create/complete/cancel transfer use cases,
 * coordinating the database repository, the customer directory, the exchange
 * rate and fraud risk ports, the distributed lock coordinator, and the
 * transactional outbox.
 *
 * Key guarantees owned here:
 * - A retried create request with the same idempotency key never produces a
 *   second transfer or a second event.
 * - The daily-limit check and the transfer write happen inside one distributed
 *   critical section per sender, so two concurrent requests cannot both pass a
 *   limit their sum violates.
 * - Every state change persists its domain event in the same local transaction
 *   (outbox), never inline to the broker.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain rules and persistence.
 * - pkg/customerclient, pkg/fxclient, pkg/riskclient: External ports.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/customerclient"
	"github.com/transfa/transfer-service/pkg/fxclient"
	"github.com/transfa/transfer-service/pkg/riskclient"
)

const maxCodeGenerationAttempts = 5

// CustomerDirectory resolves customers by national id.
type CustomerDirectory interface {
	GetByNationalID(ctx context.Context, nationalID string) (*customerclient.Customer, error)
}

// RateProvider converts between currencies.
type RateProvider interface {
	GetRate(ctx context.Context, fromCurrency, toCurrency string) (*fxclient.Rate, error)
}

// RiskAssessor scores a transfer for fraud risk.
type RiskAssessor interface {
	Assess(ctx context.Context, req riskclient.AssessmentRequest) (*riskclient.Assessment, error)
}

// Rules holds the business-rule parameters the orchestrator applies.
type Rules struct {
	BaseCurrency        string
	DailyTransferLimit  decimal.Decimal
	BaseFee             decimal.Decimal
	FeePercentage       decimal.Decimal
	HighAmountThreshold decimal.Decimal
	ApprovalWaitMinutes int
	LockHold            time.Duration
}

// CreateTransferInput is the use-case input for creating a transfer.
type CreateTransferInput struct {
	SenderNationalID   string
	ReceiverNationalID string
	Amount             decimal.Decimal
	Currency           string
	IdempotencyKey     string
}

// Service provides the core business logic for transfers.
type Service struct {
	repo      store.Repository
	customers CustomerDirectory
	rates     RateProvider
	risk      RiskAssessor
	locks     LockCoordinator
	rules     Rules
}

// NewService creates a new transfer service instance.
func NewService(repo store.Repository, customers CustomerDirectory, rates RateProvider, risk RiskAssessor, locks LockCoordinator, rules Rules) *Service {
	return &Service{
		repo:      repo,
		customers: customers,
		rates:     rates,
		risk:      risk,
		locks:     locks,
		rules:     rules,
	}
}

// CreateTransfer runs the create-transfer use case. On a fraud rejection both
// return values are non-nil: the persisted Failed transfer keeps the attempt
// auditable and the error carries the rejection.
func (s *Service) CreateTransfer(ctx context.Context, in CreateTransferInput) (*domain.Transfer, error) {
	idempotencyKey := strings.TrimSpace(in.IdempotencyKey)
	if idempotencyKey == "" {
		return nil, domain.E(domain.KindValidation, "idempotency key is required")
	}

	// Replay: a transfer already recorded under this key is returned as-is,
	// with no side effect re-executed. This is what makes client retries safe.
	if existing, err := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey); err == nil {
		log.Printf("level=info component=transfer_service msg=\"idempotent replay\" idempotency_key=%s transaction_code=%s", idempotencyKey, existing.TransactionCode)
		return existing, nil
	} else if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, domain.Wrap(domain.KindInternal, "idempotency lookup failed", err)
	}

	if !in.Amount.IsPositive() {
		return nil, domain.E(domain.KindValidation, "amount must be greater than zero")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if len(currency) != 3 {
		return nil, domain.E(domain.KindValidation, "currency must be a 3-letter ISO code")
	}

	sender, err := s.resolveCustomer(ctx, in.SenderNationalID, "sender")
	if err != nil {
		return nil, err
	}
	receiver, err := s.resolveCustomer(ctx, in.ReceiverNationalID, "receiver")
	if err != nil {
		return nil, err
	}

	amountInBase, exchangeRate, err := s.convertToBase(ctx, in.Amount, currency)
	if err != nil {
		return nil, err
	}

	// The critical section spans from the daily-total read through the transfer
	// write: releasing the lock between check and write would reopen the race
	// that lets two concurrent requests each observe a total their sum violates.
	var created *domain.Transfer
	lockKey := fmt.Sprintf("customer:%s:daily-limit", sender.ID)
	lockErr := s.locks.ExecuteWithLock(ctx, lockKey, s.rules.LockHold, func(ctx context.Context) error {
		now := time.Now().UTC()

		dailyTotal, err := s.repo.SumDailyTransfersForSender(ctx, sender.ID, startOfUTCDay(now))
		if err != nil {
			return domain.Wrap(domain.KindInternal, "daily total lookup failed", err)
		}
		if err := domain.ValidateDailyLimit(dailyTotal, amountInBase, s.rules.DailyTransferLimit); err != nil {
			return err
		}

		assessment, err := s.risk.Assess(ctx, riskclient.AssessmentRequest{
			SenderID:         sender.ID,
			ReceiverID:       receiver.ID,
			AmountInBase:     amountInBase,
			SenderNationalID: in.SenderNationalID,
		})
		if err != nil {
			return domain.Wrap(domain.KindServiceUnavailable, "fraud risk check failed", err)
		}

		fee := domain.CalculateFee(amountInBase, s.rules.BaseFee, s.rules.FeePercentage)
		approvalUntil := domain.CalculateApprovalWaitTime(amountInBase, s.rules.HighAmountThreshold, s.rules.ApprovalWaitMinutes, now)

		code, err := s.generateUniqueTransactionCode(ctx)
		if err != nil {
			return err
		}

		params := domain.NewTransferParams{
			SenderID:              sender.ID,
			ReceiverID:            receiver.ID,
			Amount:                in.Amount,
			Currency:              currency,
			AmountInBaseCurrency:  amountInBase,
			ExchangeRate:          exchangeRate,
			TransactionFee:        fee,
			TransactionCode:       code,
			RiskLevel:             assessment.RiskLevel,
			IdempotencyKey:        idempotencyKey,
			ApprovalRequiredUntil: approvalUntil,
			SenderNationalID:      strings.TrimSpace(in.SenderNationalID),
			ReceiverNationalID:    strings.TrimSpace(in.ReceiverNationalID),
			Now:                   now,
		}

		if domain.ShouldBeRejectedDueToFraud(assessment.RiskLevel) {
			rejected := domain.NewFailedTransfer(params, "rejected by fraud risk gate")
			if err := s.persistWithCodeRetry(ctx, rejected, nil); err != nil {
				return err
			}
			created = rejected
			return domain.Ef(domain.KindHighRisk, "transfer %s was rejected due to high fraud risk", rejected.TransactionCode)
		}

		transfer := domain.NewTransfer(params)
		event := domain.NewTransferEvent(domain.EventTransferCreated, transfer, nil, now)
		if err := s.persistWithCodeRetry(ctx, transfer, &event); err != nil {
			return err
		}
		created = transfer
		return nil
	})

	if lockErr != nil {
		// A concurrent request with the same key may have won the insert race;
		// hand back its result instead of a duplicate-key failure.
		if errors.Is(lockErr, store.ErrDuplicateIdempotencyKey) {
			if existing, err := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey); err == nil {
				return existing, nil
			}
		}
		return created, lockErr
	}

	log.Printf("level=info component=transfer_service msg=\"transfer created\" transaction_code=%s sender_id=%s risk_level=%s", created.TransactionCode, created.SenderID, created.RiskLevel)
	return created, nil
}

// CompleteTransfer finishes a pending transfer after verifying the claimed
// receiver identity and the approval window.
func (s *Service) CompleteTransfer(ctx context.Context, transactionCode, claimedReceiverNationalID string) (*domain.Transfer, error) {
	transfer, err := s.findByCode(ctx, transactionCode)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := transfer.ValidateForCompletion(claimedReceiverNationalID, now); err != nil {
		return nil, err
	}
	transfer.Complete(now)

	event := domain.NewTransferEvent(domain.EventTransferCompleted, transfer, nil, now)
	if err := s.repo.UpdateTransferWithOutboxEvent(ctx, transfer, event); err != nil {
		return nil, mapUpdateError(err)
	}

	log.Printf("level=info component=transfer_service msg=\"transfer completed\" transaction_code=%s", transfer.TransactionCode)
	return transfer, nil
}

// CancelTransfer cancels a pending transfer. A blank reason gets a default so
// the record always explains itself.
func (s *Service) CancelTransfer(ctx context.Context, transactionCode, reason string) (*domain.Transfer, error) {
	transfer, err := s.findByCode(ctx, transactionCode)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		reason = "cancelled at sender's request"
	}

	now := time.Now().UTC()
	if err := transfer.Cancel(reason, now); err != nil {
		return nil, err
	}

	event := domain.NewTransferEvent(domain.EventTransferCancelled, transfer, transfer.CancellationReason, now)
	if err := s.repo.UpdateTransferWithOutboxEvent(ctx, transfer, event); err != nil {
		return nil, mapUpdateError(err)
	}

	log.Printf("level=info component=transfer_service msg=\"transfer cancelled\" transaction_code=%s reason=%q", transfer.TransactionCode, reason)
	return transfer, nil
}

// GetTransfer returns the transfer identified by its transaction code.
func (s *Service) GetTransfer(ctx context.Context, transactionCode string) (*domain.Transfer, error) {
	return s.findByCode(ctx, transactionCode)
}

// CancelPendingTransfersForCustomer cancels every pending transfer where the
// customer is the sender. Used by the customer event consumer when an account
// is blocked or deleted mid-flight. Transfers that lose a concurrent update
// race are skipped; the next lifecycle event or a manual sweep picks them up.
func (s *Service) CancelPendingTransfersForCustomer(ctx context.Context, customerID uuid.UUID, reason string) (int, error) {
	pending, err := s.repo.FindPendingTransfersBySender(ctx, customerID)
	if err != nil {
		return 0, domain.Wrap(domain.KindInternal, "pending transfer lookup failed", err)
	}

	cancelled := 0
	now := time.Now().UTC()
	for i := range pending {
		transfer := &pending[i]
		if err := transfer.Cancel(reason, now); err != nil {
			continue
		}
		event := domain.NewTransferEvent(domain.EventTransferCancelled, transfer, transfer.CancellationReason, now)
		if err := s.repo.UpdateTransferWithOutboxEvent(ctx, transfer, event); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				log.Printf("level=warn component=transfer_service msg=\"skipping concurrently modified transfer during sweep\" transaction_code=%s", transfer.TransactionCode)
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func (s *Service) findByCode(ctx context.Context, transactionCode string) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByCode(ctx, strings.TrimSpace(transactionCode))
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			return nil, domain.Ef(domain.KindNotFound, "no transfer with code %s", transactionCode)
		}
		return nil, domain.Wrap(domain.KindInternal, "transfer lookup failed", err)
	}
	return transfer, nil
}

func (s *Service) resolveCustomer(ctx context.Context, nationalID, role string) (*customerclient.Customer, error) {
	customer, err := s.customers.GetByNationalID(ctx, nationalID)
	if err != nil {
		if errors.Is(err, customerclient.ErrCustomerNotFound) {
			return nil, domain.Ef(domain.KindNotFound, "%s not found", role)
		}
		return nil, domain.Wrap(domain.KindServiceUnavailable, fmt.Sprintf("%s lookup failed", role), err)
	}
	if !customer.IsActive() {
		return nil, domain.Ef(domain.KindInactiveCustomer, "%s account is not active", role)
	}
	return customer, nil
}

func (s *Service) convertToBase(ctx context.Context, amount decimal.Decimal, currency string) (decimal.Decimal, *decimal.Decimal, error) {
	if currency == s.rules.BaseCurrency {
		return amount, nil, nil
	}
	rate, err := s.rates.GetRate(ctx, currency, s.rules.BaseCurrency)
	if err != nil {
		return decimal.Zero, nil, domain.Wrap(domain.KindServiceUnavailable, "exchange rate unavailable", err)
	}
	return amount.Mul(rate.Rate), &rate.Rate, nil
}

// persistWithCodeRetry writes the transfer (and event, when given), retrying
// with a fresh transaction code if the generated one collided under a race.
func (s *Service) persistWithCodeRetry(ctx context.Context, transfer *domain.Transfer, event *domain.TransferEvent) error {
	for attempt := 0; attempt < maxCodeGenerationAttempts; attempt++ {
		var err error
		if event != nil {
			refreshed := *event
			refreshed.TransactionCode = transfer.TransactionCode
			err = s.repo.CreateTransferWithOutboxEvent(ctx, transfer, refreshed)
		} else {
			err = s.repo.CreateTransfer(ctx, transfer)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrDuplicateTransactionCode) {
			code, genErr := s.generateUniqueTransactionCode(ctx)
			if genErr != nil {
				return genErr
			}
			transfer.TransactionCode = code
			continue
		}
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return err
		}
		return domain.Wrap(domain.KindInternal, "transfer persistence failed", err)
	}
	return domain.E(domain.KindInternal, "could not allocate a unique transaction code")
}

// generateUniqueTransactionCode produces an 8-digit numeric code and verifies
// it against the repository. Collisions are unlikely but handled, not ignored.
func (s *Service) generateUniqueTransactionCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeGenerationAttempts; attempt++ {
		code, err := randomTransactionCode()
		if err != nil {
			return "", domain.Wrap(domain.KindInternal, "transaction code generation failed", err)
		}
		exists, err := s.repo.TransferCodeExists(ctx, code)
		if err != nil {
			return "", domain.Wrap(domain.KindInternal, "transaction code uniqueness check failed", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", domain.E(domain.KindInternal, "could not allocate a unique transaction code")
}

func randomTransactionCode() (string, error) {
	// 8 digits, never leading-zero: 10000000..99999999.
	n, err := rand.Int(rand.Reader, big.NewInt(90000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+10000000), nil
}

func startOfUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func mapUpdateError(err error) error {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return domain.Wrap(domain.KindConflict, "transfer was modified concurrently; retry the request", err)
	case errors.Is(err, store.ErrTransferNotFound):
		return domain.Wrap(domain.KindNotFound, "transfer no longer exists", err)
	default:
		return domain.Wrap(domain.KindInternal, "transfer update failed", err)
	}
}
