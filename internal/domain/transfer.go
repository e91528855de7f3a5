/**
 * @description
 * This file defines the Transfer aggregate and its pure business rules: fee
 * calculation, the approval cooling-off window for high-value transfers, the
 * per-sender daily spending limit arithmetic, the fraud risk gate, and the
 * status state machine. None of these functions perform I/O; the orchestration
 * layer in internal/app supplies every external fact they need.
 *
 * @notes
 * - Amounts are fixed-point decimals (shopspring/decimal) rather than floats,
 *   so fee and limit arithmetic is deterministic and reproducible.
 * - Status transitions are monotone: once a transfer is Completed, Cancelled,
 *   or Failed it never changes status again.
 */

package domain

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the transfer lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// IsFinal reports whether no further transitions are allowed out of the status.
func (s Status) IsFinal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// RiskLevel enumerates fraud risk classifications. RiskUnknown means the
// assessment has not happened (it is distinct from Medium, which is the
// degraded default when the risk service is unreachable).
type RiskLevel string

const (
	RiskUnknown RiskLevel = ""
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
)

// Transfer is the aggregate root for a single money transfer. It maps directly
// to the `transfers` table. Version is the optimistic-concurrency token: the
// repository compares it on update and increments it on every write.
type Transfer struct {
	ID                    uuid.UUID        `json:"id"`
	SenderID              uuid.UUID        `json:"sender_id"`
	ReceiverID            uuid.UUID        `json:"receiver_id"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency"`
	AmountInBaseCurrency  decimal.Decimal  `json:"amount_in_base_currency"`
	ExchangeRate          *decimal.Decimal `json:"exchange_rate,omitempty"`
	TransactionFee        decimal.Decimal  `json:"transaction_fee"`
	TransactionCode       string           `json:"transaction_code"`
	Status                Status           `json:"status"`
	RiskLevel             RiskLevel        `json:"risk_level,omitempty"`
	IdempotencyKey        *string          `json:"idempotency_key,omitempty"`
	ApprovalRequiredUntil *time.Time       `json:"approval_required_until,omitempty"`
	SenderNationalID      string           `json:"sender_national_id"`
	ReceiverNationalID    string           `json:"receiver_national_id"`
	FailureReason         *string          `json:"failure_reason,omitempty"`
	CancellationReason    *string          `json:"cancellation_reason,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
	Version               int64            `json:"-"`
}

// NewTransferParams carries every field the constructors need. The orchestrator
// computes the derived values (base amount, fee, code, approval window) before
// constructing, so the aggregate itself stays I/O free.
type NewTransferParams struct {
	SenderID              uuid.UUID
	ReceiverID            uuid.UUID
	Amount                decimal.Decimal
	Currency              string
	AmountInBaseCurrency  decimal.Decimal
	ExchangeRate          *decimal.Decimal
	TransactionFee        decimal.Decimal
	TransactionCode       string
	RiskLevel             RiskLevel
	IdempotencyKey        string
	ApprovalRequiredUntil *time.Time
	SenderNationalID      string
	ReceiverNationalID    string
	Now                   time.Time
}

// NewTransfer constructs a Pending transfer.
func NewTransfer(p NewTransferParams) *Transfer {
	t := newTransfer(p)
	t.Status = StatusPending
	return t
}

// NewFailedTransfer constructs a transfer persisted directly as Failed. Used by
// the fraud risk gate so a rejected attempt is still auditable under its
// transaction code without ever being observable as Pending.
func NewFailedTransfer(p NewTransferParams, reason string) *Transfer {
	t := newTransfer(p)
	t.Status = StatusFailed
	reason = strings.TrimSpace(reason)
	if reason != "" {
		t.FailureReason = &reason
	}
	return t
}

func newTransfer(p NewTransferParams) *Transfer {
	now := p.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t := &Transfer{
		ID:                    uuid.New(),
		SenderID:              p.SenderID,
		ReceiverID:            p.ReceiverID,
		Amount:                p.Amount,
		Currency:              strings.ToUpper(strings.TrimSpace(p.Currency)),
		AmountInBaseCurrency:  p.AmountInBaseCurrency,
		ExchangeRate:          p.ExchangeRate,
		TransactionFee:        p.TransactionFee,
		TransactionCode:       p.TransactionCode,
		RiskLevel:             p.RiskLevel,
		ApprovalRequiredUntil: p.ApprovalRequiredUntil,
		SenderNationalID:      p.SenderNationalID,
		ReceiverNationalID:    p.ReceiverNationalID,
		CreatedAt:             now,
		Version:               1,
	}
	if key := strings.TrimSpace(p.IdempotencyKey); key != "" {
		t.IdempotencyKey = &key
	}
	return t
}

// CalculateFee computes fee = baseFee + amountInBase * feePercentage, rounded
// half-up to 2 decimal places.
func CalculateFee(amountInBase, baseFee, feePercentage decimal.Decimal) decimal.Decimal {
	return baseFee.Add(amountInBase.Mul(feePercentage)).Round(2)
}

// RequiresApprovalWait reports whether the amount is strictly above the
// high-amount threshold. Equal-to-threshold amounts do not wait.
func RequiresApprovalWait(amountInBase, highAmountThreshold decimal.Decimal) bool {
	return amountInBase.GreaterThan(highAmountThreshold)
}

// CalculateApprovalWaitTime returns the timestamp before which the transfer may
// not be completed, or nil when no wait applies.
func CalculateApprovalWaitTime(amountInBase, highAmountThreshold decimal.Decimal, waitMinutes int, now time.Time) *time.Time {
	if !RequiresApprovalWait(amountInBase, highAmountThreshold) {
		return nil
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	until := now.Add(time.Duration(waitMinutes) * time.Minute)
	return &until
}

// ValidateDailyLimit fails when currentDailyTotal + newAmount exceeds the
// limit. Hitting the limit exactly succeeds. The error message carries the
// remaining headroom, clamped at zero.
func ValidateDailyLimit(currentDailyTotal, newAmount, dailyLimit decimal.Decimal) error {
	if currentDailyTotal.Add(newAmount).LessThanOrEqual(dailyLimit) {
		return nil
	}
	remaining := dailyLimit.Sub(currentDailyTotal)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Ef(KindLimitExceeded, "daily transfer limit exceeded; remaining today: %s", remaining.String())
}

// ShouldBeRejectedDueToFraud is the risk gate: only High risk is rejected.
func ShouldBeRejectedDueToFraud(level RiskLevel) bool {
	return level == RiskHigh
}

// ValidateForCompletion checks that the transfer may be completed by the
// claimed receiver. The identity check runs first so a wrong receiver is always
// reported as a mismatch, whatever the transfer's status. It does not mutate;
// callers invoke Complete only after this passes.
func (t *Transfer) ValidateForCompletion(claimedReceiverNationalID string, now time.Time) error {
	if strings.TrimSpace(claimedReceiverNationalID) != t.ReceiverNationalID {
		return E(KindIdentityMismatch, "receiver identity does not match this transfer")
	}
	if t.Status != StatusPending {
		return Ef(KindNotPending, "transfer %s is %s and cannot be completed", t.TransactionCode, t.Status)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if t.ApprovalRequiredUntil != nil && t.ApprovalRequiredUntil.After(now) {
		minutes := int(math.Ceil(t.ApprovalRequiredUntil.Sub(now).Minutes()))
		return Ef(KindApprovalPending, "transfer is in its approval window; try again in %d minute(s)", minutes)
	}
	return nil
}

// Complete marks the transfer completed. Precondition: ValidateForCompletion
// already passed for this invocation.
func (t *Transfer) Complete(now time.Time) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	t.Status = StatusCompleted
	t.CompletedAt = &now
}

// Cancel marks the transfer cancelled with the given reason. Only allowed from
// Pending.
func (t *Transfer) Cancel(reason string, now time.Time) error {
	if t.Status != StatusPending {
		return Ef(KindNotPending, "transfer %s is %s and cannot be cancelled", t.TransactionCode, t.Status)
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	reason = strings.TrimSpace(reason)
	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.CancellationReason = &reason
	return nil
}
