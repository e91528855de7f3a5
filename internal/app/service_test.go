package app

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/customerclient"
	"github.com/transfa/transfer-service/pkg/fxclient"
	"github.com/transfa/transfer-service/pkg/riskclient"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeRepo is an in-memory store.Repository for orchestration tests.
type fakeRepo struct {
	mu     sync.Mutex
	byKey  map[string]*domain.Transfer
	byCode map[string]*domain.Transfer
	events []domain.TransferEvent

	sumErr    error
	createErr error
	updateErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byKey:  make(map[string]*domain.Transfer),
		byCode: make(map[string]*domain.Transfer),
	}
}

func (r *fakeRepo) FindTransferByIdempotencyKey(ctx context.Context, key string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byKey[key]; ok {
		return t, nil
	}
	return nil, store.ErrTransferNotFound
}

func (r *fakeRepo) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byCode[code]; ok {
		return t, nil
	}
	return nil, store.ErrTransferNotFound
}

func (r *fakeRepo) TransferCodeExists(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byCode[code]
	return ok, nil
}

func (r *fakeRepo) FindPendingTransfersBySender(ctx context.Context, senderID uuid.UUID) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.byCode {
		if t.SenderID == senderID && t.Status == domain.StatusPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (r *fakeRepo) SumDailyTransfersForSender(ctx context.Context, senderID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sumErr != nil {
		return decimal.Zero, r.sumErr
	}
	total := decimal.Zero
	for _, t := range r.byCode {
		if t.SenderID != senderID || t.CreatedAt.Before(since) {
			continue
		}
		if t.Status == domain.StatusPending || t.Status == domain.StatusCompleted {
			total = total.Add(t.AmountInBaseCurrency)
		}
	}
	return total, nil
}

func (r *fakeRepo) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	return r.insert(t, nil)
}

func (r *fakeRepo) CreateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error {
	return r.insert(t, &event)
}

func (r *fakeRepo) insert(t *domain.Transfer, event *domain.TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if t.IdempotencyKey != nil {
		if _, ok := r.byKey[*t.IdempotencyKey]; ok {
			return store.ErrDuplicateIdempotencyKey
		}
	}
	if _, ok := r.byCode[t.TransactionCode]; ok {
		return store.ErrDuplicateTransactionCode
	}
	r.byCode[t.TransactionCode] = t
	if t.IdempotencyKey != nil {
		r.byKey[*t.IdempotencyKey] = t
	}
	if event != nil {
		r.events = append(r.events, *event)
	}
	return nil
}

func (r *fakeRepo) UpdateTransferWithOutboxEvent(ctx context.Context, t *domain.Transfer, event domain.TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	stored, ok := r.byCode[t.TransactionCode]
	if !ok {
		return store.ErrTransferNotFound
	}
	if stored.Version != t.Version {
		return store.ErrVersionConflict
	}
	t.Version++
	r.byCode[t.TransactionCode] = t
	r.events = append(r.events, event)
	return nil
}

func (r *fakeRepo) ClaimOutboxRecords(ctx context.Context, limit, maxAttempts int) ([]store.OutboxRecord, error) {
	return nil, nil
}
func (r *fakeRepo) MarkOutboxPublished(ctx context.Context, id int64) error { return nil }

func (r *fakeRepo) MarkOutboxFailed(ctx context.Context, id int64, _ string) error { return nil }
func (r *fakeRepo) CountExhaustedOutboxRecords(ctx context.Context, _ int) (int64, error) {
	return 0, nil
}
func (r *fakeRepo) CountStalePendingTransfers(ctx context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) eventKinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]domain.EventKind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type stubCustomers struct {
	customers map[string]*customerclient.Customer
	err       error
}

func (s *stubCustomers) GetByNationalID(ctx context.Context, nationalID string) (*customerclient.Customer, error) {
	if s.err != nil {
		return nil, s.err
	}
	if c, ok := s.customers[nationalID]; ok {
		return c, nil
	}
	return nil, customerclient.ErrCustomerNotFound
}

type stubRates struct {
	rate decimal.Decimal
	err  error
}

func (s *stubRates) GetRate(ctx context.Context, from, to string) (*fxclient.Rate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fxclient.Rate{FromCurrency: from, ToCurrency: to, Rate: s.rate}, nil
}

type stubRisk struct {
	level domain.RiskLevel
	err   error
}

func (s *stubRisk) Assess(ctx context.Context, req riskclient.AssessmentRequest) (*riskclient.Assessment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &riskclient.Assessment{RiskLevel: s.level}, nil
}

// memoryLock serializes actions per key with plain mutexes, mirroring the
// mutual-exclusion guarantee the Redis coordinator provides across replicas.
type memoryLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemoryLock() *memoryLock {
	return &memoryLock{locks: make(map[string]*sync.Mutex)}
}

func (l *memoryLock) ExecuteWithLock(ctx context.Context, key string, hold time.Duration, action func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return action(ctx)
}

type failingLock struct{}

func (failingLock) ExecuteWithLock(ctx context.Context, key string, hold time.Duration, action func(ctx context.Context) error) error {
	return domain.E(domain.KindLockUnavailable, "resource is busy")
}

var (
	senderID   = uuid.New()
	receiverID = uuid.New()
)

func activeDirectory() *stubCustomers {
	return &stubCustomers{customers: map[string]*customerclient.Customer{
		"SEND-1": {ID: senderID, Status: "active", KYCVerified: true},
		"RECV-1": {ID: receiverID, Status: "active", KYCVerified: true},
	}}
}

func testRules() Rules {
	return Rules{
		BaseCurrency:        "USD",
		DailyTransferLimit:  dec("10000"),
		BaseFee:             dec("1.00"),
		FeePercentage:       dec("0.005"),
		HighAmountThreshold: dec("5000"),
		ApprovalWaitMinutes: 30,
		LockHold:            time.Second,
	}
}

func newTestService(repo *fakeRepo, opts ...func(*Service)) *Service {
	svc := NewService(repo, activeDirectory(), &stubRates{rate: dec("1.10")}, &stubRisk{level: domain.RiskLow}, newMemoryLock(), testRules())
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func createInput(amount, currency, key string) CreateTransferInput {
	return CreateTransferInput{
		SenderNationalID:   "SEND-1",
		ReceiverNationalID: "RECV-1",
		Amount:             dec(amount),
		Currency:           currency,
		IdempotencyKey:     key,
	}
}

func TestCreateTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path in base currency", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		transfer, err := svc.CreateTransfer(ctx, createInput("100", "usd", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if transfer.Status != domain.StatusPending {
			t.Fatalf("expected status=pending, got %s", transfer.Status)
		}
		if transfer.ExchangeRate != nil {
			t.Fatalf("same-currency transfer must not carry an exchange rate")
		}
		if !transfer.AmountInBaseCurrency.Equal(dec("100")) {
			t.Fatalf("expected base amount 100, got %s", transfer.AmountInBaseCurrency)
		}
		if !transfer.TransactionFee.Equal(dec("1.50")) {
			t.Fatalf("expected fee 1.50, got %s", transfer.TransactionFee)
		}
		if transfer.ApprovalRequiredUntil != nil {
			t.Fatalf("low amount must not require an approval wait")
		}
		if !regexp.MustCompile(`^\d{8}$`).MatchString(transfer.TransactionCode) {
			t.Fatalf("expected an 8-digit transaction code, got %q", transfer.TransactionCode)
		}
		kinds := repo.eventKinds()
		if len(kinds) != 1 || kinds[0] != domain.EventTransferCreated {
			t.Fatalf("expected one transfer.created event, got %v", kinds)
		}
	})

	t.Run("foreign currency converts through the rate", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		transfer, err := svc.CreateTransfer(ctx, createInput("100", "EUR", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if transfer.ExchangeRate == nil || !transfer.ExchangeRate.Equal(dec("1.10")) {
			t.Fatalf("expected exchange rate 1.10, got %v", transfer.ExchangeRate)
		}
		if !transfer.AmountInBaseCurrency.Equal(dec("110")) {
			t.Fatalf("expected base amount 110, got %s", transfer.AmountInBaseCurrency)
		}
	})

	t.Run("high amount gets an approval window", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		transfer, err := svc.CreateTransfer(ctx, createInput("6000", "USD", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if transfer.ApprovalRequiredUntil == nil {
			t.Fatalf("expected an approval window for a high amount")
		}
	})

	t.Run("missing idempotency key", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		_, err := svc.CreateTransfer(ctx, createInput("100", "USD", "  "))
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("expected kind=validation, got %v", err)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		_, err := svc.CreateTransfer(ctx, createInput("0", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("expected kind=validation, got %v", err)
		}
	})

	t.Run("idempotent replay returns the original transfer", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		first, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error on replay: %v", err)
		}
		if second.TransactionCode != first.TransactionCode {
			t.Fatalf("replay returned a different transfer: %s vs %s", second.TransactionCode, first.TransactionCode)
		}
		if kinds := repo.eventKinds(); len(kinds) != 1 {
			t.Fatalf("replay must not emit a second event, got %v", kinds)
		}
	})

	t.Run("unknown sender is not found", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		in := createInput("100", "USD", "key-1")
		in.SenderNationalID = "NOBODY"
		_, err := svc.CreateTransfer(ctx, in)
		if domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("expected kind=not_found, got %v", err)
		}
	})

	t.Run("blocked sender is inactive, not missing", func(t *testing.T) {
		directory := activeDirectory()
		directory.customers["SEND-1"].Status = "blocked"
		svc := NewService(newFakeRepo(), directory, &stubRates{rate: dec("1.10")}, &stubRisk{level: domain.RiskLow}, newMemoryLock(), testRules())

		_, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindInactiveCustomer {
			t.Fatalf("expected kind=inactive_customer, got %v", err)
		}
	})

	t.Run("customer directory outage is service_unavailable", func(t *testing.T) {
		directory := &stubCustomers{err: errors.New("connection refused")}
		svc := NewService(newFakeRepo(), directory, &stubRates{rate: dec("1.10")}, &stubRisk{level: domain.RiskLow}, newMemoryLock(), testRules())

		_, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindServiceUnavailable {
			t.Fatalf("expected kind=service_unavailable, got %v", err)
		}
	})

	t.Run("exchange rate outage fails closed", func(t *testing.T) {
		rates := &stubRates{err: errors.New("rate service down")}
		svc := NewService(newFakeRepo(), activeDirectory(), rates, &stubRisk{level: domain.RiskLow}, newMemoryLock(), testRules())

		_, err := svc.CreateTransfer(ctx, createInput("100", "EUR", "key-1"))
		if domain.KindOf(err) != domain.KindServiceUnavailable {
			t.Fatalf("expected kind=service_unavailable, got %v", err)
		}
	})

	t.Run("risk port failure fails the request", func(t *testing.T) {
		// The fail-open degradation lives in the risk client; an error reaching
		// the orchestrator means the policy was fail_closed.
		risk := &stubRisk{err: errors.New("risk service down")}
		svc := NewService(newFakeRepo(), activeDirectory(), &stubRates{rate: dec("1.10")}, risk, newMemoryLock(), testRules())

		_, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindServiceUnavailable {
			t.Fatalf("expected kind=service_unavailable, got %v", err)
		}
	})

	t.Run("high risk persists a failed transfer", func(t *testing.T) {
		repo := newFakeRepo()
		risk := &stubRisk{level: domain.RiskHigh}
		svc := NewService(repo, activeDirectory(), &stubRates{rate: dec("1.10")}, risk, newMemoryLock(), testRules())

		transfer, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindHighRisk {
			t.Fatalf("expected kind=high_risk, got %v", err)
		}
		if transfer == nil || transfer.Status != domain.StatusFailed {
			t.Fatalf("rejected transfer must be returned as failed, got %+v", transfer)
		}
		stored, lookupErr := repo.FindTransferByCode(ctx, transfer.TransactionCode)
		if lookupErr != nil || stored.Status != domain.StatusFailed {
			t.Fatalf("rejected transfer must be persisted as failed")
		}
		if kinds := repo.eventKinds(); len(kinds) != 0 {
			t.Fatalf("a rejected transfer must not emit events, got %v", kinds)
		}
	})

	t.Run("daily limit exceeded", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		if _, err := svc.CreateTransfer(ctx, createInput("6000", "USD", "key-1")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := svc.CreateTransfer(ctx, createInput("6000", "USD", "key-2"))
		if domain.KindOf(err) != domain.KindLimitExceeded {
			t.Fatalf("expected kind=limit_exceeded, got %v", err)
		}
	})

	t.Run("failed transfers do not count toward the limit", func(t *testing.T) {
		repo := newFakeRepo()
		risk := &stubRisk{level: domain.RiskHigh}
		svc := NewService(repo, activeDirectory(), &stubRates{rate: dec("1.10")}, risk, newMemoryLock(), testRules())

		if _, err := svc.CreateTransfer(ctx, createInput("6000", "USD", "key-1")); domain.KindOf(err) != domain.KindHighRisk {
			t.Fatalf("expected the first attempt rejected, got %v", err)
		}

		risk.level = domain.RiskLow
		if _, err := svc.CreateTransfer(ctx, createInput("6000", "USD", "key-2")); err != nil {
			t.Fatalf("a rejected attempt must not consume the daily limit: %v", err)
		}
	})

	t.Run("lock unavailable surfaces as lock_unavailable", func(t *testing.T) {
		svc := NewService(newFakeRepo(), activeDirectory(), &stubRates{rate: dec("1.10")}, &stubRisk{level: domain.RiskLow}, failingLock{}, testRules())
		_, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if domain.KindOf(err) != domain.KindLockUnavailable {
			t.Fatalf("expected kind=lock_unavailable, got %v", err)
		}
	})
}

func TestCreateTransferConcurrentLimit(t *testing.T) {
	// Two requests of 6000 against a 10000 limit: exactly one may succeed.
	repo := newFakeRepo()
	svc := newTestService(repo)

	ctx := context.Background()
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i, key := range []string{"key-a", "key-b"} {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			in := createInput("6000", "USD", key)
			_, err := svc.CreateTransfer(ctx, in)
			results <- err
		}(i, key)
	}
	wg.Wait()
	close(results)

	successes, limitErrors := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case domain.KindOf(err) == domain.KindLimitExceeded:
			limitErrors++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || limitErrors != 1 {
		t.Fatalf("expected exactly one success and one limit rejection, got %d/%d", successes, limitErrors)
	}
}

func TestCompleteTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)

		created, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		completed, err := svc.CompleteTransfer(ctx, created.TransactionCode, "RECV-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if completed.Status != domain.StatusCompleted || completed.CompletedAt == nil {
			t.Fatalf("transfer not completed: %+v", completed)
		}
		kinds := repo.eventKinds()
		if len(kinds) != 2 || kinds[1] != domain.EventTransferCompleted {
			t.Fatalf("expected transfer.completed event, got %v", kinds)
		}
	})

	t.Run("wrong receiver identity", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		created, _ := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))

		_, err := svc.CompleteTransfer(ctx, created.TransactionCode, "WRONG")
		if domain.KindOf(err) != domain.KindIdentityMismatch {
			t.Fatalf("expected kind=identity_mismatch, got %v", err)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		svc := newTestService(newFakeRepo())
		_, err := svc.CompleteTransfer(ctx, "00000000", "RECV-1")
		if domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("expected kind=not_found, got %v", err)
		}
	})

	t.Run("lost update race maps to conflict", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		created, _ := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))

		repo.updateErr = store.ErrVersionConflict
		_, err := svc.CompleteTransfer(ctx, created.TransactionCode, "RECV-1")
		if domain.KindOf(err) != domain.KindConflict {
			t.Fatalf("expected kind=conflict, got %v", err)
		}
	})
}

func TestCancelTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("blank reason gets a default", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		created, _ := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))

		cancelled, err := svc.CancelTransfer(ctx, created.TransactionCode, "   ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cancelled.CancellationReason == nil || *cancelled.CancellationReason == "" {
			t.Fatalf("expected a default cancellation reason")
		}
		kinds := repo.eventKinds()
		if len(kinds) != 2 || kinds[1] != domain.EventTransferCancelled {
			t.Fatalf("expected transfer.cancelled event, got %v", kinds)
		}
	})

	t.Run("completed transfer cannot be cancelled", func(t *testing.T) {
		repo := newFakeRepo()
		svc := newTestService(repo)
		created, _ := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1"))
		if _, err := svc.CompleteTransfer(ctx, created.TransactionCode, "RECV-1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err := svc.CancelTransfer(ctx, created.TransactionCode, "too late")
		if domain.KindOf(err) != domain.KindNotPending {
			t.Fatalf("expected kind=not_pending, got %v", err)
		}
	})
}

func TestCancelPendingTransfersForCustomer(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	svc := newTestService(repo)

	if _, err := svc.CreateTransfer(ctx, createInput("100", "USD", "key-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.CreateTransfer(ctx, createInput("200", "USD", "key-2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	completed, err := svc.CreateTransfer(ctx, createInput("300", "USD", "key-3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.CompleteTransfer(ctx, completed.TransactionCode, "RECV-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, err := svc.CancelPendingTransfersForCustomer(ctx, senderID, "sender account blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled != 2 {
		t.Fatalf("expected 2 cancellations, got %d", cancelled)
	}

	remaining, err := repo.FindPendingTransfersBySender(ctx, senderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending transfers after the sweep, got %d", len(remaining))
	}
	if stored, _ := repo.FindTransferByCode(ctx, completed.TransactionCode); stored.Status != domain.StatusCompleted {
		t.Fatalf("completed transfers must be untouched by the sweep")
	}
}
