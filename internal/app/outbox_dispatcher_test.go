package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/transfer-service/internal/store"
)

// outboxRepoStub implements only the outbox slice of the repository; everything
// else panics if touched.
type outboxRepoStub struct {
	store.Repository
	records   []store.OutboxRecord
	claimErr  error
	published []int64
	failed    map[int64]string
}

func (s *outboxRepoStub) ClaimOutboxRecords(ctx context.Context, limit, maxAttempts int) ([]store.OutboxRecord, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.records) > limit {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *outboxRepoStub) MarkOutboxPublished(ctx context.Context, id int64) error {
	s.published = append(s.published, id)
	return nil
}

func (s *outboxRepoStub) MarkOutboxFailed(ctx context.Context, id int64, reason string) error {
	if s.failed == nil {
		s.failed = make(map[int64]string)
	}
	s.failed[id] = reason
	return nil
}

type publishedMessage struct {
	exchange   string
	routingKey string
}

type stubPublisher struct {
	err       error
	published []publishedMessage
	closed    bool
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, routingKey: routingKey})
	return nil
}

func (p *stubPublisher) Close() { p.closed = true }

func outboxRecord(id int64, kind string) store.OutboxRecord {
	return store.OutboxRecord{
		ID:           id,
		EventKind:    kind,
		Payload:      []byte(`{"event_id":"e1"}`),
		OccurredAt:   time.Now().UTC(),
		AttemptCount: 1,
	}
}

func TestOutboxDispatcherTick(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes claimed records with the kind as routing key", func(t *testing.T) {
		repo := &outboxRepoStub{records: []store.OutboxRecord{
			outboxRecord(1, "transfer.created"),
			outboxRecord(2, "transfer.completed"),
		}}
		publisher := &stubPublisher{}
		dispatcher := NewOutboxDispatcher(repo, "amqp://unused", "transfer_events", 50, time.Second, 10)
		dispatcher.SetPublisher(publisher)

		dispatcher.Tick(ctx)

		if len(publisher.published) != 2 {
			t.Fatalf("expected 2 publishes, got %d", len(publisher.published))
		}
		if publisher.published[0].routingKey != "transfer.created" || publisher.published[0].exchange != "transfer_events" {
			t.Fatalf("unexpected first publish: %+v", publisher.published[0])
		}
		if len(repo.published) != 2 || repo.published[0] != 1 || repo.published[1] != 2 {
			t.Fatalf("expected records 1 and 2 marked published, got %v", repo.published)
		}
		if len(repo.failed) != 0 {
			t.Fatalf("no record should be marked failed, got %v", repo.failed)
		}
	})

	t.Run("publish failure records the error and leaves the record unpublished", func(t *testing.T) {
		repo := &outboxRepoStub{records: []store.OutboxRecord{outboxRecord(7, "transfer.cancelled")}}
		publisher := &stubPublisher{err: errors.New("channel closed")}
		dispatcher := NewOutboxDispatcher(repo, "amqp://unused", "transfer_events", 50, time.Second, 10)
		dispatcher.SetPublisher(publisher)

		dispatcher.Tick(ctx)

		if len(repo.published) != 0 {
			t.Fatalf("a failed publish must not mark the record published, got %v", repo.published)
		}
		if repo.failed[7] != "channel closed" {
			t.Fatalf("expected the error recorded on record 7, got %v", repo.failed)
		}
		if !publisher.closed {
			t.Fatalf("a failed publisher must be closed and rebuilt on the next tick")
		}
	})

	t.Run("respects the batch size", func(t *testing.T) {
		repo := &outboxRepoStub{records: []store.OutboxRecord{
			outboxRecord(1, "transfer.created"),
			outboxRecord(2, "transfer.created"),
			outboxRecord(3, "transfer.created"),
		}}
		publisher := &stubPublisher{}
		dispatcher := NewOutboxDispatcher(repo, "amqp://unused", "transfer_events", 2, time.Second, 10)
		dispatcher.SetPublisher(publisher)

		dispatcher.Tick(ctx)

		if len(publisher.published) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(publisher.published))
		}
	})

	t.Run("empty claim does not touch the broker", func(t *testing.T) {
		repo := &outboxRepoStub{}
		// No publisher injected: an empty batch must return before dialing.
		dispatcher := NewOutboxDispatcher(repo, "not-a-valid-url", "transfer_events", 50, time.Second, 10)

		dispatcher.Tick(ctx)

		if len(repo.published) != 0 || len(repo.failed) != 0 {
			t.Fatalf("nothing should be marked on an empty claim")
		}
	})

	t.Run("claim failure is tolerated", func(t *testing.T) {
		repo := &outboxRepoStub{claimErr: errors.New("db down")}
		dispatcher := NewOutboxDispatcher(repo, "amqp://unused", "transfer_events", 50, time.Second, 10)
		dispatcher.SetPublisher(&stubPublisher{})

		// Must not panic; the next tick retries.
		dispatcher.Tick(ctx)
	})
}
