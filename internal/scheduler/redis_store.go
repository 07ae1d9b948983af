package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tasks in a sorted set scored by due timestamp
// (milliseconds), with the full task JSON in a companion hash keyed by task
// id. The sorted-set member is "<seq, zero-padded hex>:<id>", so members
// sharing a score sort lexicographically in insertion order — the stable
// tie-break Due requires.
type RedisStore struct {
	client *redis.Client
	zsetKey string
	hashKey string
	seqKey  string
}

func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "notification_scheduler"
	}
	return &RedisStore{
		client:  client,
		zsetKey: keyPrefix + ":due",
		hashKey: keyPrefix + ":tasks",
		seqKey:  keyPrefix + ":seq",
	}
}

func member(seq uint64, id string) string {
	return fmt.Sprintf("%016x:%s", seq, id)
}

func idFromMember(m string) string {
	if i := strings.IndexByte(m, ':'); i >= 0 {
		return m[i+1:]
	}
	return m
}

func (s *RedisStore) Add(ctx context.Context, t *Task) error {
	seq, err := s.client.Incr(ctx, s.seqKey).Uint64()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	t.Seq = seq

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey, t.ID, raw)
	pipe.ZAdd(ctx, s.zsetKey, redis.Z{
		Score:  float64(t.DueAt.UnixMilli()),
		Member: member(seq, t.ID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) (bool, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, id).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}

	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return false, fmt.Errorf("unmarshal task: %w", err)
	}

	pipe := s.client.TxPipeline()
	zrem := pipe.ZRem(ctx, s.zsetKey, member(t.Seq, t.ID))
	pipe.HDel(ctx, s.hashKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("remove task: %w", err)
	}
	return zrem.Val() > 0, nil
}

func (s *RedisStore) Due(ctx context.Context, asOf time.Time) ([]*Task, error) {
	return s.rangeByScore(ctx, "-inf", fmt.Sprintf("%d", asOf.UnixMilli()))
}

func (s *RedisStore) Range(ctx context.Context, from, to time.Time) ([]*Task, error) {
	return s.rangeByScore(ctx,
		fmt.Sprintf("%d", from.UnixMilli()),
		fmt.Sprintf("%d", to.UnixMilli()),
	)
}

func (s *RedisStore) rangeByScore(ctx context.Context, min, max string) ([]*Task, error) {
	members, err := s.client.ZRangeByScore(ctx, s.zsetKey, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = idFromMember(m)
	}

	raws, err := s.client.HMGet(ctx, s.hashKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	tasks := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Payload removed by a concurrent cancel between the range
			// query and the hash read; the task is gone, skip it.
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (s *RedisStore) Stats(ctx context.Context, asOf time.Time) (total, overdue int64, err error) {
	pipe := s.client.Pipeline()
	card := pipe.ZCard(ctx, s.zsetKey)
	count := pipe.ZCount(ctx, s.zsetKey, "-inf", fmt.Sprintf("%d", asOf.UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("scheduler stats: %w", err)
	}
	return card.Val(), count.Val(), nil
}

var _ Store = (*RedisStore)(nil)
