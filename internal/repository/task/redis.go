package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aliskhannn/himawari-tiler/internal/model"
)

const maxTxRetries = 16

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisRepository stores tasks as JSON values in Redis. Besides the task
// values it maintains:
//
//	{prefix}active:{key}   id of the task holding the scene/composite key
//	{prefix}all            every id, scored by creation time
//	{prefix}pending        pending ids, scored so ZRANGE yields queue order
//	{prefix}in_progress    in-progress ids, scored by last update
//
// Writes run in WATCH/MULTI transactions and retry on conflicts.
type RedisRepository struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisRepository creates a RedisRepository. An empty prefix defaults to "himawari:".
func NewRedisRepository(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "himawari:"
	}
	return &RedisRepository{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisRepository) taskKey(id string) string { return r.prefix + "task:" + id }
func (r *RedisRepository) activeKey(key string) string { return r.prefix + "active:" + key }
func (r *RedisRepository) indexKey(name string) string { return r.prefix + name }
func (r *RedisRepository) pendingKey() string { return r.indexKey("pending") }
func (r *RedisRepository) inProgressKey() string { return r.indexKey("in_progress") }
func (r *RedisRepository) allKey() string { return r.indexKey("all") }

// pendingScore orders the pending set by priority desc, then creation asc.
func pendingScore(t model.Task) float64 {
	return float64(-int64(t.Priority)*1e13 + t.CreatedAt.UnixMilli())
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisRepository) load(ctx context.Context, g getter, id string) (model.Task, error) {
	data, err := g.Get(ctx, r.taskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Task{}, ErrTaskNotFound
		}
		return model.Task{}, err
	}

	var t model.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return model.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// stage queues the writes that persist t and keep the indexes in step with its status.
func (r *RedisRepository) stage(ctx context.Context, p redis.Pipeliner, t model.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}

	p.Set(ctx, r.taskKey(t.ID), data, 0)
	p.ZAdd(ctx, r.allKey(), redis.Z{Score: float64(t.CreatedAt.UnixMilli()), Member: t.ID})

	switch t.Status {
	case model.TaskStatusPending:
		p.ZAdd(ctx, r.pendingKey(), redis.Z{Score: pendingScore(t), Member: t.ID})
		p.ZRem(ctx, r.inProgressKey(), t.ID)
		p.Set(ctx, r.activeKey(t.Key()), t.ID, 0)
	case model.TaskStatusInProgress:
		p.ZRem(ctx, r.pendingKey(), t.ID)
		p.ZAdd(ctx, r.inProgressKey(), redis.Z{Score: float64(t.UpdatedAt.UnixMilli()), Member: t.ID})
		p.Set(ctx, r.activeKey(t.Key()), t.ID, 0)
	default:
		p.ZRem(ctx, r.pendingKey(), t.ID)
		p.ZRem(ctx, r.inProgressKey(), t.ID)
		p.Del(ctx, r.activeKey(t.Key()))
	}
	return nil
}

// txn runs fn under WATCH on keys, retrying when a watched key changed.
func (r *RedisRepository) txn(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

// Create stores t unless an active task holds its key, in which case that
// task is returned with created false.
func (r *RedisRepository) Create(ctx context.Context, t model.Task) (model.Task, bool, error) {
	var (
		result  model.Task
		created bool
	)
	activeKey := r.activeKey(t.Key())

	err := r.txn(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, activeKey).Result()
		switch {
		case err == nil:
			result, err = r.load(ctx, tx, id)
			created = false
			return err
		case !errors.Is(err, redis.Nil):
			return err
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return r.stage(ctx, p, t)
		})
		if err != nil {
			return err
		}
		result, created = t, true
		return nil
	}, activeKey)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("create: %w", err)
	}

	return result, created, nil
}

// Get returns the task with id.
func (r *RedisRepository) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := r.load(ctx, r.client, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return model.Task{}, err
		}
		return model.Task{}, fmt.Errorf("get: %w", err)
	}
	return t, nil
}

// List returns matching tasks, highest priority first.
func (r *RedisRepository) List(ctx context.Context, f model.TaskFilter) ([]model.Task, error) {
	index := r.allKey()
	switch f.Status {
	case model.TaskStatusPending:
		index = r.pendingKey()
	case model.TaskStatusInProgress:
		index = r.inProgressKey()
	}

	ids, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	out := make([]model.Task, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.taskKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var t model.Task
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, fmt.Errorf("list: decode task %s: %w", ids[i], err)
		}
		if f.Match(t) {
			out = append(out, t)
		}
	}

	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateStatus applies u to the task with id.
func (r *RedisRepository) UpdateStatus(ctx context.Context, id string, u Update) (model.Task, error) {
	var result model.Task

	err := r.txn(ctx, func(tx *redis.Tx) error {
		t, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := checkUpdate(t, u); err != nil {
			return err
		}

		apply(&t, u)
		t.UpdatedAt = r.now()

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return r.stage(ctx, p, t)
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}, r.taskKey(id))
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyClaimed) {
			return model.Task{}, err
		}
		return model.Task{}, fmt.Errorf("update: %w", err)
	}

	return result, nil
}

// Claim moves a pending task to in progress for workerID.
func (r *RedisRepository) Claim(ctx context.Context, id, workerID string) (model.Task, error) {
	var result model.Task

	err := r.txn(ctx, func(tx *redis.Tx) error {
		t, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Status != model.TaskStatusPending {
			return ErrAlreadyClaimed
		}

		t.Status = model.TaskStatusInProgress
		t.WorkerID = workerID
		t.UpdatedAt = r.now()

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return r.stage(ctx, p, t)
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}, r.taskKey(id))
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrAlreadyClaimed) {
			return model.Task{}, err
		}
		return model.Task{}, fmt.Errorf("claim: %w", err)
	}

	return result, nil
}

// ResetStale returns in-progress tasks not updated since before to pending.
func (r *RedisRepository) ResetStale(ctx context.Context, before time.Time) (int, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.inProgressKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", before.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}

	n := 0
	for _, id := range ids {
		reset := false
		err := r.txn(ctx, func(tx *redis.Tx) error {
			t, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if t.Status != model.TaskStatusInProgress || !t.UpdatedAt.Before(before) {
				return nil
			}

			t.Status = model.TaskStatusPending
			t.WorkerID = ""
			t.UpdatedAt = r.now()

			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				return r.stage(ctx, p, t)
			})
			reset = err == nil
			return err
		}, r.taskKey(id))
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			return n, fmt.Errorf("reset stale %s: %w", id, err)
		}
		if reset {
			n++
		}
	}
	return n, nil
}
