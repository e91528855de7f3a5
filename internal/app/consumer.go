/**
 * @description
 * Handlers for customer lifecycle events consumed from RabbitMQ. When a
 * customer is blocked, suspended, or deleted, every pending transfer they are
 * sending is cancelled with a reason naming the lifecycle change, and the
 * cancellations flow through the same outbox path as any other state change.
 *
 * Handlers return a bool ack decision: true acknowledges (including malformed
 * or irrelevant messages, which redelivery cannot fix), false nacks with
 * requeue for transient failures such as a database outage.
 *
 * @dependencies
 * - internal/domain: Event shapes and the status enum.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/transfa/transfer-service/internal/domain"
)

// TransferCanceller is the slice of the transfer service the consumer needs.
type TransferCanceller interface {
	CancelPendingTransfersForCustomer(ctx context.Context, customerID uuid.UUID, reason string) (int, error)
}

// CustomerEventConsumer reacts to customer lifecycle events.
type CustomerEventConsumer struct {
	service TransferCanceller
}

// NewCustomerEventConsumer creates the consumer-side handler set.
func NewCustomerEventConsumer(service TransferCanceller) *CustomerEventConsumer {
	return &CustomerEventConsumer{service: service}
}

// HandleStatusChanged processes customer.status.changed messages. Statuses that
// do not block transfers are acknowledged without action.
func (c *CustomerEventConsumer) HandleStatusChanged(body []byte) bool {
	event, ok := c.decode(body, "customer.status.changed")
	if !ok {
		return true
	}

	if event.Status == domain.CustomerStatusUnknown {
		log.Printf("level=warn component=customer_consumer msg=\"unrecognized customer status; skipping\" customer_id=%s", event.CustomerID)
		return true
	}
	if !event.Status.BlocksTransfers() {
		return true
	}

	reason := fmt.Sprintf("sender account %s", event.Status)
	return c.sweep(event.CustomerID, reason)
}

// HandleDeleted processes customer.deleted messages.
func (c *CustomerEventConsumer) HandleDeleted(body []byte) bool {
	event, ok := c.decode(body, "customer.deleted")
	if !ok {
		return true
	}
	return c.sweep(event.CustomerID, "sender account deleted")
}

// HandleCreated acknowledges customer.created messages. The transfer-service
// resolves customers on demand, so creation needs no local action, but the
// binding keeps the queue topology explicit.
func (c *CustomerEventConsumer) HandleCreated(body []byte) bool {
	return true
}

func (c *CustomerEventConsumer) decode(body []byte, kind string) (*domain.CustomerLifecycleEvent, bool) {
	var event domain.CustomerLifecycleEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=customer_consumer msg=\"malformed message; dropping\" kind=%s err=%v", kind, err)
		return nil, false
	}
	if event.CustomerID == uuid.Nil {
		log.Printf("level=error component=customer_consumer msg=\"message missing customer id; dropping\" kind=%s", kind)
		return nil, false
	}
	return &event, true
}

func (c *CustomerEventConsumer) sweep(customerID uuid.UUID, reason string) bool {
	ctx := context.Background()
	cancelled, err := c.service.CancelPendingTransfersForCustomer(ctx, customerID, reason)
	if err != nil {
		// Likely transient (database outage); requeue so the sweep runs again.
		log.Printf("level=error component=customer_consumer msg=\"cancellation sweep failed; requeueing\" customer_id=%s err=%v", customerID, err)
		return false
	}
	if cancelled > 0 {
		log.Printf("level=info component=customer_consumer msg=\"cancelled pending transfers\" customer_id=%s count=%d reason=%q", customerID, cancelled, reason)
	}
	return true
}
