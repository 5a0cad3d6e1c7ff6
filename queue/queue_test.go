package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 14})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return New(rdb, "test", log)
}

func TestQueue_EnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	payload := EmailJobPayload{SequenceID: 1, ContactID: 2, StepID: 3, UserID: 4, To: "a@ex.com"}
	id, err := q.Enqueue(ctx, EmailJobs, payload, DefaultEmailJobRetries)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, ok, err := q.Dequeue(ctx, EmailJobs)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if !ok {
		t.Fatalf("expected a ready job")
	}
	if job.ID != id {
		t.Fatalf("expected job id %s, got %s", id, job.ID)
	}

	var got EmailJobPayload
	if err := json.Unmarshal(job.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.To != "a@ex.com" {
		t.Fatalf("expected payload round-trip, got %+v", got)
	}
}

func TestQueue_NotYetDueIsNotDequeued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueAt(ctx, SequenceJobs, SequenceJobPayload{SequenceID: 1}, time.Now().Add(time.Hour), 1, DefaultSequenceJobRetries)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, ok, err := q.Dequeue(ctx, SequenceJobs)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ok {
		t.Fatalf("expected no job due yet")
	}
}

func TestQueue_RetryExhaustsAfterMaxTries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "j1", Queue: EmailJobs, MaxTries: 2, Attempt: 0}

	exhausted, err := q.Retry(ctx, job)
	if err != nil {
		t.Fatalf("retry 1: %v", err)
	}
	if exhausted {
		t.Fatalf("expected first retry not exhausted")
	}

	job.Attempt = 1
	exhausted, err = q.Retry(ctx, job)
	if err != nil {
		t.Fatalf("retry 2: %v", err)
	}
	if !exhausted {
		t.Fatalf("expected retries to be exhausted at MaxTries")
	}
}

func TestQueue_LenReflectsPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, ContactJobs, ContactJobPayload{SequenceID: 1, ContactID: 1}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := q.Len(ctx, ContactJobs)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected len 1, got %d", n)
	}
}
