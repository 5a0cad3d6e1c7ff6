// Package queue implements the durable, delayed, priority job queues the
// engine is built around: sequence-jobs, email-jobs, contact-jobs,
// thread-watch-jobs. Grounded on
// basegraphhq-basegraph/relay/internal/queue.Producer, adapted from a
// Redis Stream (which has no notion of "not yet") to a Redis sorted set
// scored by ready-time, because this engine needs both delayed delivery
// and per-job priority.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Queue names.
const (
	SequenceJobs    = "sequence-jobs"
	EmailJobs       = "email-jobs"
	ContactJobs     = "contact-jobs"
	ThreadWatchJobs = "thread-watch-jobs"
)

// Default retry policy per queue: sequence-job retries and email-job
// retries are tracked separately.
const (
	DefaultSequenceJobRetries = 3
	DefaultEmailJobRetries    = 2

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Job is one durable unit of work. Payload carries the queue-specific
// fields (see jobs.go) as opaque JSON so Queue itself stays payload-
// agnostic, the same separation basegraph's EventMessage/Producer draws
// between transport and content.
type Job struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Attempt  int             `json:"attempt"`
	MaxTries int             `json:"maxTries"`
}

// Queue is a Redis-backed delayed priority queue. Prefix namespaces every
// key it touches.
type Queue struct {
	rdb    *redis.Client
	prefix string
	log    *logrus.Logger
}

// New returns a Queue backed by rdb, namespacing all keys under prefix.
func New(rdb *redis.Client, prefix string, log *logrus.Logger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Queue{rdb: rdb, prefix: prefix, log: log}
}

func (q *Queue) key(queueName string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, queueName)
}

// score folds ready-time and priority into a single sortable value: later
// ready-time always sorts after earlier ready-time regardless of priority,
// and among jobs ready at the same millisecond, lower Priority sorts
// first. Priority defaults to 1 and only acts as a tiebreaker among
// otherwise-simultaneous jobs, not a way to jump the queue ahead of
// not-yet-ready work.
func score(readyAt time.Time, priority int) float64 {
	return float64(readyAt.UnixMilli()) + float64(priority)/1000.0
}

// Enqueue schedules payload for immediate (best-effort) delivery on
// queueName with default priority 1.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload interface{}, maxTries int) (string, error) {
	return q.EnqueueAt(ctx, queueName, payload, time.Now(), 1, maxTries)
}

// EnqueueAt schedules payload for delivery no earlier than readyAt.
func (q *Queue) EnqueueAt(ctx context.Context, queueName string, payload interface{}, readyAt time.Time, priority, maxTries int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := Job{
		ID:       uuid.New().String(),
		Queue:    queueName,
		Payload:  raw,
		Priority: priority,
		MaxTries: maxTries,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err := q.rdb.ZAdd(ctx, q.key(queueName), &redis.Z{
		Score:  score(readyAt, priority),
		Member: body,
	}).Err(); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	q.log.WithFields(logrus.Fields{"queue": queueName, "job_id": job.ID, "ready_at": readyAt}).Info("job enqueued")
	return job.ID, nil
}

// Dequeue pops the earliest ready job on queueName, or ok=false if none is
// due yet. It uses ZRANGEBYSCORE followed by a ZREM guarded on the exact
// member so two concurrent consumers racing on the same job never both
// win it — the loser's ZREM affects zero members and it moves on, the same
// CAS shape the sweeper uses against SequenceContact rows.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (Job, bool, error) {
	now := float64(time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, q.key(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now+1),
		Count: 10,
	}).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("scan queue: %w", err)
	}

	for _, member := range members {
		removed, err := q.rdb.ZRem(ctx, q.key(queueName), member).Result()
		if err != nil {
			return Job{}, false, fmt.Errorf("claim job: %w", err)
		}
		if removed == 0 {
			continue // another consumer already claimed it
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			q.log.WithError(err).WithField("queue", queueName).Error("dropping unparseable job")
			continue
		}
		return job, true, nil
	}
	return Job{}, false, nil
}

// Retry re-enqueues job with exponential backoff, or reports exhausted=true
// once its incremented attempt count reaches MaxTries.
func (q *Queue) Retry(ctx context.Context, job Job) (exhausted bool, err error) {
	job.Attempt++
	if job.MaxTries > 0 && job.Attempt >= job.MaxTries {
		return true, nil
	}

	backoff := baseBackoff * time.Duration(1<<uint(job.Attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal retried job: %w", err)
	}
	readyAt := time.Now().Add(backoff)
	if err := q.rdb.ZAdd(ctx, q.key(job.Queue), &redis.Z{
		Score:  score(readyAt, job.Priority),
		Member: body,
	}).Err(); err != nil {
		return false, fmt.Errorf("re-enqueue job: %w", err)
	}
	return false, nil
}

// Len reports how many jobs (ready or not) currently sit on queueName.
func (q *Queue) Len(ctx context.Context, queueName string) (int64, error) {
	return q.rdb.ZCard(ctx, q.key(queueName)).Result()
}
