/**
 * @description
 * Domain event definitions. Outbound transfer events are a closed, enumerated
 * set of kinds; the outbox dispatcher uses the kind as the routing key and the
 * customer event consumer dispatches on an equally closed set of inbound kinds.
 * Unknown kinds are an explicit checked case everywhere, never a silent no-op.
 *
 * @notes
 * - Inbound customer status is canonically a string enum. Some upstream
 *   producers still emit the legacy numeric encoding; UnmarshalJSON accepts
 *   both and folds unrecognized values into CustomerStatusUnknown.
 */

package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind tags an outbound domain event. The set is closed: the dispatcher
// and every consumer switch over these values.
type EventKind string

const (
	EventTransferCreated   EventKind = "transfer.created"
	EventTransferCompleted EventKind = "transfer.completed"
	EventTransferCancelled EventKind = "transfer.cancelled"
)

// KnownEventKind reports whether the kind is one this service emits.
func KnownEventKind(kind string) bool {
	switch EventKind(kind) {
	case EventTransferCreated, EventTransferCompleted, EventTransferCancelled:
		return true
	}
	return false
}

// TransferEvent is the payload persisted to the outbox and published to the
// broker for every transfer lifecycle change.
type TransferEvent struct {
	EventID              uuid.UUID       `json:"event_id"`
	Kind                 EventKind       `json:"kind"`
	TransferID           uuid.UUID       `json:"transfer_id"`
	TransactionCode      string          `json:"transaction_code"`
	SenderID             uuid.UUID       `json:"sender_id"`
	ReceiverID           uuid.UUID       `json:"receiver_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	AmountInBaseCurrency decimal.Decimal `json:"amount_in_base_currency"`
	Status               Status          `json:"status"`
	RiskLevel            RiskLevel       `json:"risk_level,omitempty"`
	Reason               *string         `json:"reason,omitempty"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// NewTransferEvent builds the event payload for a transfer lifecycle change.
func NewTransferEvent(kind EventKind, t *Transfer, reason *string, now time.Time) TransferEvent {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return TransferEvent{
		EventID:              uuid.New(),
		Kind:                 kind,
		TransferID:           t.ID,
		TransactionCode:      t.TransactionCode,
		SenderID:             t.SenderID,
		ReceiverID:           t.ReceiverID,
		Amount:               t.Amount,
		Currency:             t.Currency,
		AmountInBaseCurrency: t.AmountInBaseCurrency,
		Status:               t.Status,
		RiskLevel:            t.RiskLevel,
		Reason:               reason,
		OccurredAt:           now,
	}
}

// CustomerStatus is the canonical wire encoding for customer lifecycle status.
type CustomerStatus string

const (
	CustomerStatusActive    CustomerStatus = "active"
	CustomerStatusBlocked   CustomerStatus = "blocked"
	CustomerStatusSuspended CustomerStatus = "suspended"
	CustomerStatusDeleted   CustomerStatus = "deleted"
	CustomerStatusUnknown   CustomerStatus = "unknown"
)

// BlocksTransfers reports whether the status should trigger the pending-transfer
// cancellation sweep.
func (s CustomerStatus) BlocksTransfers() bool {
	return s == CustomerStatusBlocked || s == CustomerStatusSuspended || s == CustomerStatusDeleted
}

// legacy numeric encoding still emitted by older producers
var legacyCustomerStatus = map[int64]CustomerStatus{
	0: CustomerStatusActive,
	1: CustomerStatusBlocked,
	2: CustomerStatusSuspended,
	3: CustomerStatusDeleted,
}

// UnmarshalJSON accepts the canonical string encoding and, as a compatibility
// shim, the legacy numeric one. Anything else becomes CustomerStatusUnknown.
func (s *CustomerStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = CustomerStatusUnknown
		return nil
	}

	if data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		switch CustomerStatus(strings.ToLower(strings.TrimSpace(raw))) {
		case CustomerStatusActive, CustomerStatusBlocked, CustomerStatusSuspended, CustomerStatusDeleted:
			*s = CustomerStatus(strings.ToLower(strings.TrimSpace(raw)))
		default:
			*s = CustomerStatusUnknown
		}
		return nil
	}

	code, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		*s = CustomerStatusUnknown
		return nil
	}
	if mapped, ok := legacyCustomerStatus[code]; ok {
		*s = mapped
		return nil
	}
	*s = CustomerStatusUnknown
	return nil
}

// CustomerLifecycleEvent is the consumed shape for customer events published by
// the customer service.
type CustomerLifecycleEvent struct {
	EventID    string         `json:"event_id"`
	CustomerID uuid.UUID      `json:"customer_id"`
	Status     CustomerStatus `json:"status,omitempty"`
	Deleted    bool           `json:"deleted,omitempty"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"`
}
