package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
)

type sweepCall struct {
	customerID uuid.UUID
	reason     string
}

type stubCanceller struct {
	calls []sweepCall
	err   error
}

func (s *stubCanceller) CancelPendingTransfersForCustomer(ctx context.Context, customerID uuid.UUID, reason string) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, sweepCall{customerID: customerID, reason: reason})
	return 1, nil
}

func TestHandleStatusChanged(t *testing.T) {
	customerID := uuid.New()

	t.Run("blocked status sweeps pending transfers", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"status":"blocked"}`, customerID))
		if !consumer.HandleStatusChanged(body) {
			t.Fatalf("expected ack")
		}
		if len(canceller.calls) != 1 {
			t.Fatalf("expected one sweep, got %d", len(canceller.calls))
		}
		if canceller.calls[0].customerID != customerID {
			t.Fatalf("swept the wrong customer: %s", canceller.calls[0].customerID)
		}
		if canceller.calls[0].reason != "sender account blocked" {
			t.Fatalf("unexpected reason: %q", canceller.calls[0].reason)
		}
	})

	t.Run("legacy numeric status still sweeps", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"status":1}`, customerID))
		if !consumer.HandleStatusChanged(body) {
			t.Fatalf("expected ack")
		}
		if len(canceller.calls) != 1 || canceller.calls[0].reason != "sender account blocked" {
			t.Fatalf("legacy numeric blocked status must sweep, got %v", canceller.calls)
		}
	})

	t.Run("active status is acked without a sweep", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"status":"active"}`, customerID))
		if !consumer.HandleStatusChanged(body) {
			t.Fatalf("expected ack")
		}
		if len(canceller.calls) != 0 {
			t.Fatalf("active status must not sweep")
		}
	})

	t.Run("unknown status is acked without a sweep", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"status":"frozen"}`, customerID))
		if !consumer.HandleStatusChanged(body) {
			t.Fatalf("redelivery cannot fix an unknown status; expected ack")
		}
		if len(canceller.calls) != 0 {
			t.Fatalf("unknown status must not sweep")
		}
	})

	t.Run("malformed message is acked without a sweep", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		if !consumer.HandleStatusChanged([]byte(`{not json`)) {
			t.Fatalf("redelivery cannot fix malformed JSON; expected ack")
		}
		if len(canceller.calls) != 0 {
			t.Fatalf("malformed message must not sweep")
		}
	})

	t.Run("missing customer id is acked without a sweep", func(t *testing.T) {
		canceller := &stubCanceller{}
		consumer := NewCustomerEventConsumer(canceller)

		if !consumer.HandleStatusChanged([]byte(`{"event_id":"e1","status":"blocked"}`)) {
			t.Fatalf("expected ack")
		}
		if len(canceller.calls) != 0 {
			t.Fatalf("message without customer id must not sweep")
		}
	})

	t.Run("sweep failure requeues", func(t *testing.T) {
		canceller := &stubCanceller{err: errors.New("db down")}
		consumer := NewCustomerEventConsumer(canceller)

		body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"status":"blocked"}`, customerID))
		if consumer.HandleStatusChanged(body) {
			t.Fatalf("a transient sweep failure must nack for redelivery")
		}
	})
}

func TestHandleDeleted(t *testing.T) {
	customerID := uuid.New()
	canceller := &stubCanceller{}
	consumer := NewCustomerEventConsumer(canceller)

	body := []byte(fmt.Sprintf(`{"event_id":"e1","customer_id":%q,"deleted":true}`, customerID))
	if !consumer.HandleDeleted(body) {
		t.Fatalf("expected ack")
	}
	if len(canceller.calls) != 1 || canceller.calls[0].reason != "sender account deleted" {
		t.Fatalf("expected a deletion sweep, got %v", canceller.calls)
	}
}

func TestHandleCreated(t *testing.T) {
	consumer := NewCustomerEventConsumer(&stubCanceller{})
	if !consumer.HandleCreated([]byte(`{"event_id":"e1"}`)) {
		t.Fatalf("created events need no action and must ack")
	}
}
