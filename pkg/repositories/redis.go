package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "tally:snapshot:"
)

// RedisRepository keeps each snapshot in a hash of entity id to payload and
// its save time in a companion key. Both are written in one MULTI block.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

type NewRedisRepositoryOptions struct {
	URL       string
	KeyPrefix string
}

func NewRedisRepository(ctx context.Context, opts NewRedisRepositoryOptions) (*RedisRepository, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %v", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %v", err)
	}
	return NewRedisRepositoryFromClient(client, opts.KeyPrefix), nil
}

func NewRedisRepositoryFromClient(client *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisRepository{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisRepository) entriesKey(namespace string) string {
	return r.prefix + namespace
}

func (r *RedisRepository) savedAtKey(namespace string) string {
	return r.prefix + namespace + ":saved_at"
}

func (r *RedisRepository) Close(ctx context.Context) error {
	return r.client.Close()
}

func (r *RedisRepository) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	snapshot, err := normalizeSnapshot(snapshot)
	if err != nil {
		return err
	}

	values := make(map[string]interface{}, len(snapshot.Entries))
	for id, payload := range snapshot.Entries {
		values[id] = string(payload)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entriesKey(snapshot.Namespace))
		if len(values) > 0 {
			pipe.HSet(ctx, r.entriesKey(snapshot.Namespace), values)
		}
		pipe.Set(ctx, r.savedAtKey(snapshot.Namespace), snapshot.SavedAt.UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %v", err)
	}
	return nil
}

func (r *RedisRepository) LoadSnapshot(ctx context.Context, namespace string) (*Snapshot, error) {
	namespace, err := normalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}

	var savedAtCmd *redis.StringCmd
	var entriesCmd *redis.MapStringStringCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		savedAtCmd = pipe.Get(ctx, r.savedAtKey(namespace))
		entriesCmd = pipe.HGetAll(ctx, r.entriesKey(namespace))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load snapshot: %v", err)
	}

	savedAt, err := savedAtCmd.Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &ErrNotFound{Namespace: namespace}
		}
		return nil, fmt.Errorf("failed to read snapshot time: %v", err)
	}
	entries, err := entriesCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot entries: %v", err)
	}

	snapshot := &Snapshot{
		Namespace: namespace,
		Entries:   make(map[string]json.RawMessage, len(entries)),
		SavedAt:   time.UnixMilli(savedAt).UTC(),
	}
	for id, payload := range entries {
		snapshot.Entries[id] = json.RawMessage(payload)
	}
	return snapshot, nil
}
