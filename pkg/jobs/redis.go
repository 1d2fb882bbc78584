package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/trackable/pkg/logging"
)

// ErrJobNotFound is returned when a job's payload has expired or was never stored.
var ErrJobNotFound = errors.New("job not found")

// Redis key prefixes
const (
	keyPrefixQueue      = "jobs:queue:"      // pending job ids scored by visible-at
	keyPrefixProcessing = "jobs:processing:" // claimed job ids scored by lease expiry
	keyPrefixJob        = "jobs:job:"        // job payloads
	keyPrefixDLQ        = "jobs:dlq:"        // dead letter entries
)

// RedisConfig configures a Redis-backed job queue.
type RedisConfig struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
}

// DefaultRedisConfig returns defaults for the named queue.
func DefaultRedisConfig(name string) RedisConfig {
	return RedisConfig{
		Name:              name,
		VisibilityTimeout: 2 * time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
	}
}

// RedisQueue persists jobs in Redis sorted sets so a separate worker process
// can execute them. Jobs are ordered by the time they become visible.
type RedisQueue struct {
	client *redis.Client
	config RedisConfig
	logger logging.Logger
}

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(client *redis.Client, config RedisConfig) *RedisQueue {
	return &RedisQueue{client: client, config: config, logger: logging.NewNopLogger()}
}

// WithLogger sets the logger used for failures that have no caller to return to.
func (q *RedisQueue) WithLogger(logger logging.Logger) *RedisQueue {
	if logger != nil {
		q.logger = logger.With(logging.F("component", "redis_queue"), logging.F("queue", q.config.Name))
	}
	return q
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.config.Name
}

func (q *RedisQueue) queueKey() string      { return keyPrefixQueue + q.config.Name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.config.Name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.config.Name }
func (q *RedisQueue) jobKey(id string) string {
	return keyPrefixJob + q.config.Name + ":" + id
}

// Submit stores the job and makes it visible immediately.
func (q *RedisQueue) Submit(ctx context.Context, job Job) error {
	return q.schedule(ctx, job, time.Now())
}

func (q *RedisQueue) schedule(ctx context.Context, job Job, visibleAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, q.config.RetentionPeriod)
	pipe.ZRem(ctx, q.processingKey(), job.ID)
	pipe.ZAdd(ctx, q.queueKey(), redis.Z{Score: float64(visibleAt.UnixNano()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// claimScript moves up to ARGV[3] ids visible at ARGV[1] from the ready set
// KEYS[1] to the processing set KEYS[2], scored by lease expiry ARGV[2].
// A claimed id is always in exactly one of the two sets.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return ids
`)

// Claim takes up to max visible jobs and leases them for the visibility timeout.
// Each job is claimed by exactly one caller.
func (q *RedisQueue) Claim(ctx context.Context, max int) ([]Job, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now()
	lease := now.Add(q.config.VisibilityTimeout)
	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey(), q.processingKey()},
		strconv.FormatInt(now.UnixNano(), 10),
		strconv.FormatInt(lease.UnixNano(), 10),
		max,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	claimed := make([]Job, 0, len(ids))
	for _, id := range ids {
		data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload expired; drop the lease so RecoverStale does not revisit it.
			if err := q.client.ZRem(ctx, q.processingKey(), id).Err(); err != nil {
				q.logger.Warn("Failed to drop lease of expired job", logging.F("job_id", id), logging.Err(err))
			}
			continue
		}
		if err != nil {
			// The lease stays; RecoverStale returns the job once it expires.
			return claimed, fmt.Errorf("failed to get job data: %w", err)
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			q.quarantine(ctx, id, data, err)
			continue
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// quarantine dead-letters a payload that cannot be decoded.
func (q *RedisQueue) quarantine(ctx context.Context, id string, data []byte, cause error) {
	if err := q.deadLetter(ctx, id, data, fmt.Sprintf("decode error: %v", cause)); err != nil {
		q.logger.Error("Failed to dead-letter undecodable job",
			logging.F("job_id", id),
			logging.F("decode_error", cause.Error()),
			logging.Err(err))
	}
}

// Ack removes a successfully processed job.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// Retry reschedules job after backoff, persisting its attempt count.
func (q *RedisQueue) Retry(ctx context.Context, job Job, backoff time.Duration) error {
	return q.schedule(ctx, job, time.Now().Add(backoff))
}

// MoveToDeadLetter moves a job to the dead letter set with reason.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, job Job, reason string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.deadLetter(ctx, job.ID, data, reason)
}

func (q *RedisQueue) deadLetter(ctx context.Context, id string, data []byte, reason string) error {
	if !json.Valid(data) {
		// Keep the raw bytes readable as a JSON string.
		data, _ = json.Marshal(string(data))
	}
	entry, err := json.Marshal(DeadLetter{
		Job:     data,
		Reason:  reason,
		MovedAt: time.Now().UTC(),
		Queue:   q.config.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.jobKey(id))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

// DeadLetter is an entry in the dead letter set.
type DeadLetter struct {
	Job     json.RawMessage `json:"job"`
	Reason  string          `json:"reason"`
	MovedAt time.Time       `json:"moved_at"`
	Queue   string          `json:"queue"`
}

// DeadLetters returns up to limit dead letter entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Depth returns the number of pending jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.queueKey()).Result()
}

// RecoverStale returns jobs whose lease expired to the pending set.
// Should be called periodically by a background worker.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixNano(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			if err := q.client.ZRem(ctx, q.processingKey(), id).Err(); err != nil {
				q.logger.Warn("Failed to drop lease of expired job", logging.F("job_id", id), logging.Err(err))
			}
			continue
		}
		if err != nil {
			q.logger.Warn("Failed to load stale job", logging.F("job_id", id), logging.Err(err))
			continue
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			q.quarantine(ctx, id, data, err)
			continue
		}
		if err := q.schedule(ctx, job, time.Now()); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
