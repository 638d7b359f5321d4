package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/loom/pkg/api"
)

// RedisDriver is a Driver backed by Redis. It uses a simple key structure:
//
//	<prefix>kv:<key>   => value bytes
//	<prefix>kvidx      => ZSET of kv keys (score 0, lexicographic range scans)
//	<prefix>alarms     => ZSET of workflow IDs scored by wake time (unix ms)
//
// The kv index makes ordered prefix listing possible without SCAN; it is
// always updated in the same pipeline as the value write.
type RedisDriver struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

var _ api.Driver = (*RedisDriver)(nil)

// NewRedisDriver creates a RedisDriver.
// prefix is optional but recommended (e.g. "loom:").
func NewRedisDriver(client *redis.Client, prefix string) *RedisDriver {
	if prefix == "" {
		prefix = "loom:"
	}
	return &RedisDriver{
		client: client,
		prefix: prefix,
		poll:   DefaultWorkerPollInterval,
	}
}

func (d *RedisDriver) valueKey(key []byte) string { return d.prefix + "kv:" + string(key) }
func (d *RedisDriver) indexKey() string           { return d.prefix + "kvidx" }
func (d *RedisDriver) alarmKey() string           { return d.prefix + "alarms" }

func (d *RedisDriver) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := d.client.Get(ctx, d.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

func (d *RedisDriver) Set(ctx context.Context, key, value []byte) error {
	pipe := d.client.TxPipeline()
	pipe.Set(ctx, d.valueKey(key), value, 0)
	pipe.ZAdd(ctx, d.indexKey(), redis.Z{Score: 0, Member: string(key)})
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDriver) Delete(ctx context.Context, key []byte) error {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, d.valueKey(key))
	pipe.ZRem(ctx, d.indexKey(), string(key))
	_, err := pipe.Exec(ctx)
	return err
}

// keysWithPrefix returns the indexed keys under prefix, in order.
func (d *RedisDriver) keysWithPrefix(ctx context.Context, prefix []byte) ([]string, error) {
	rng := &redis.ZRangeBy{Min: "[" + string(prefix), Max: "+"}
	if end := PrefixEnd(prefix); end != nil {
		rng.Max = "(" + string(end)
	}
	return d.client.ZRangeByLex(ctx, d.indexKey(), rng).Result()
}

func (d *RedisDriver) DeletePrefix(ctx context.Context, prefix []byte) error {
	keys, err := d.keysWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := d.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, d.valueKey([]byte(k)))
		pipe.ZRem(ctx, d.indexKey(), k)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (d *RedisDriver) List(ctx context.Context, prefix []byte) ([]api.KV, error) {
	keys, err := d.keysWithPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := d.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, d.valueKey([]byte(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]api.KV, 0, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// Index entry without a value: stale, skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, api.KV{Key: []byte(keys[i]), Value: v})
	}
	return out, nil
}

func (d *RedisDriver) Batch(ctx context.Context, ops []api.BatchOp) error {
	pipe := d.client.TxPipeline()
	for _, op := range ops {
		if op.Delete {
			pipe.Del(ctx, d.valueKey(op.Key))
			pipe.ZRem(ctx, d.indexKey(), string(op.Key))
			continue
		}
		pipe.Set(ctx, d.valueKey(op.Key), op.Value, 0)
		pipe.ZAdd(ctx, d.indexKey(), redis.Z{Score: 0, Member: string(op.Key)})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (d *RedisDriver) SetAlarm(ctx context.Context, workflowID string, wakeAt time.Time) error {
	return d.client.ZAdd(ctx, d.alarmKey(), redis.Z{
		Score:  float64(wakeAt.UnixMilli()),
		Member: workflowID,
	}).Err()
}

func (d *RedisDriver) ClearAlarm(ctx context.Context, workflowID string) error {
	return d.client.ZRem(ctx, d.alarmKey(), workflowID).Err()
}

func (d *RedisDriver) DueAlarms(ctx context.Context, now time.Time) ([]string, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	due, err := d.client.ZRangeByScore(ctx, d.alarmKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	members := make([]any, len(due))
	for i, id := range due {
		members[i] = id
	}
	if err := d.client.ZRem(ctx, d.alarmKey(), members...).Err(); err != nil {
		return nil, err
	}
	return due, nil
}

func (d *RedisDriver) WorkerPollInterval() time.Duration {
	return d.poll
}

func (d *RedisDriver) LoadMessages(ctx context.Context, workflowID string) ([]api.Message, error) {
	pairs, err := d.List(ctx, MessagePrefix(workflowID))
	if err != nil {
		return nil, err
	}
	return MessagesFromKV(pairs)
}

func (d *RedisDriver) AddMessage(ctx context.Context, workflowID string, msg api.Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return d.Set(ctx, MessageKey(workflowID, msg.ID), data)
}

func (d *RedisDriver) DeleteMessages(ctx context.Context, workflowID string, ids []string) ([]string, error) {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		key := MessageKey(workflowID, id)
		n, err := d.client.Del(ctx, d.valueKey(key)).Result()
		if err != nil {
			return nil, err
		}
		if err := d.client.ZRem(ctx, d.indexKey(), string(key)).Err(); err != nil {
			return nil, err
		}
		if n > 0 {
			removed = append(removed, id)
		}
	}
	return removed, nil
}
