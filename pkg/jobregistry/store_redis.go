package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries in RedisStore.Update.
const maxTxRetries = 16

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces all keys (default "vidgen:").
	Prefix string

	// Retention is applied as a key TTL when a record turns terminal.
	// Zero keeps records until deleted.
	Retention time.Duration
}

// RedisStore keeps records in Redis so several service instances can answer
// status polls for each other's jobs.
//
// Layout: one JSON value per job at <prefix>job:<id> and a sorted set
// <prefix>jobs scored by creation time.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts), nil
}

// NewRedisStoreFromClient wraps an existing client. Close closes the client.
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "vidgen:"
	}
	return &RedisStore{client: client, prefix: prefix, retention: opts.Retention}
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.prefix + "job:" + strings.TrimSpace(jobID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "jobs"
}

func (s *RedisStore) ttlFor(job *Job) time.Duration {
	if s.retention > 0 && job.State.Terminal() {
		return s.retention
	}
	return 0
}

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	key := s.jobKey(job.JobID)
	ok, err := s.client.SetNX(ctx, key, data, s.ttlFor(job)).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.JobID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, job.JobID)
	}

	score := float64(job.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: job.JobID}).Err(); err != nil {
		return fmt.Errorf("index job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return decodeJob(data)
}

func (s *RedisStore) Update(ctx context.Context, jobID string, fn func(*Job) error) (*Job, error) {
	key := s.jobKey(jobID)

	var updated *Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		current, err := decodeJob(data)
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return err
		}
		next.JobID = current.JobID
		if err := next.Validate(); err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}

		ttl := s.ttlFor(next)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = next
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated.Clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update job %s: too much contention", jobID)
}

func (s *RedisStore) List(ctx context.Context) ([]Job, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return []Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]Job, 0, len(values))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired through retention; drop it from the index.
			expired = append(expired, ids[i])
			continue
		}
		job, err := decodeJob([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if len(expired) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), expired...).Err()
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
