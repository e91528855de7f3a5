/**
 * @description
 * Background outbox dispatcher. Polls the event_outbox table on a fixed
 * interval, claims a batch of unpublished records, publishes each to the
 * RabbitMQ topic exchange with the event kind as the routing key, and marks the
 * outcome. Delivery is at-least-once: a crash between publish and mark means
 * the record is claimed and published again on a later tick.
 *
 * Records whose attempt count reaches the configured ceiling are no longer
 * claimed; they stay in the table for the scheduler's exhausted-record report
 * and manual intervention.
 *
 * @dependencies
 * - internal/store: Outbox claim/mark operations.
 * - pkg/rabbitmq: The publisher.
 */

package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

// OutboxDispatcher moves durably stored events from the database to the broker.
type OutboxDispatcher struct {
	repo         store.Repository
	producer     rabbitmq.Publisher
	rabbitURL    string
	exchange     string
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
}

// NewOutboxDispatcher creates a dispatcher. The producer is dialed lazily on
// the first tick so a broker outage at startup does not block the service.
func NewOutboxDispatcher(repo store.Repository, rabbitURL, exchange string, batchSize int, pollInterval time.Duration, maxAttempts int) *OutboxDispatcher {
	if batchSize < 1 {
		batchSize = 50
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if maxAttempts < 1 {
		maxAttempts = 10
	}
	return &OutboxDispatcher{
		repo:         repo,
		rabbitURL:    rabbitURL,
		exchange:     exchange,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run polls until the context is cancelled. Intended to be started as a
// goroutine from main.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	log.Printf("level=info component=outbox_dispatcher msg=\"starting\" poll_interval=%s batch_size=%d max_attempts=%d", d.pollInterval, d.batchSize, d.maxAttempts)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=outbox_dispatcher msg=\"stopping\"")
			if d.producer != nil {
				d.producer.Close()
			}
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick processes one batch. Exposed for tests and for a forced drain on
// shutdown.
func (d *OutboxDispatcher) Tick(ctx context.Context) {
	records, err := d.repo.ClaimOutboxRecords(ctx, d.batchSize, d.maxAttempts)
	if err != nil {
		log.Printf("level=error component=outbox_dispatcher msg=\"claim failed\" err=%v", err)
		return
	}
	if len(records) == 0 {
		return
	}

	producer, err := d.ensureProducer()
	if err != nil {
		// The claim already incremented attempt_count; record the failure so
		// the rows show why they were not published.
		log.Printf("level=error component=outbox_dispatcher msg=\"broker unavailable\" err=%v", err)
		for _, record := range records {
			if markErr := d.repo.MarkOutboxFailed(ctx, record.ID, "broker unavailable: "+err.Error()); markErr != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"mark failed errored\" outbox_id=%d err=%v", record.ID, markErr)
			}
		}
		return
	}

	for _, record := range records {
		if err := producer.Publish(ctx, d.exchange, record.EventKind, json.RawMessage(record.Payload)); err != nil {
			log.Printf("level=warn component=outbox_dispatcher msg=\"publish failed\" outbox_id=%d event_kind=%s attempt=%d err=%v", record.ID, record.EventKind, record.AttemptCount, err)
			if markErr := d.repo.MarkOutboxFailed(ctx, record.ID, err.Error()); markErr != nil {
				log.Printf("level=error component=outbox_dispatcher msg=\"mark failed errored\" outbox_id=%d err=%v", record.ID, markErr)
			}
			// A failed publish usually means the connection is bad; rebuild it
			// on the next tick rather than burning the rest of the batch.
			d.resetProducer()
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, record.ID); err != nil {
			// The event went out but the mark did not stick. The record will be
			// claimed and published again; consumers must tolerate duplicates.
			log.Printf("level=error component=outbox_dispatcher msg=\"mark published failed; event will be redelivered\" outbox_id=%d err=%v", record.ID, err)
		}
	}
}

// SetPublisher injects a publisher, replacing lazy dialing. Used by tests and
// by main when a producer already exists.
func (d *OutboxDispatcher) SetPublisher(p rabbitmq.Publisher) {
	d.producer = p
}

func (d *OutboxDispatcher) ensureProducer() (rabbitmq.Publisher, error) {
	if d.producer != nil {
		return d.producer, nil
	}
	producer, err := rabbitmq.NewEventProducer(d.rabbitURL)
	if err != nil {
		return nil, err
	}
	d.producer = producer
	return producer, nil
}

func (d *OutboxDispatcher) resetProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}
