package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps each task's records in an append-only list. Records
// are pushed in sequence order by the single writer, so a range read
// comes back already ordered.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "taskwire"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) key(taskID string) string {
	return fmt.Sprintf("%s:records:%s", b.prefix, taskID)
}

func (b *RedisBackend) WriteRecords(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := b.client.TxPipeline()
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		pipe.RPush(ctx, b.key(rec.TaskID), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push records: %w", err)
	}
	return nil
}

func (b *RedisBackend) ReadRecords(ctx context.Context, taskID string, fromSeq int64) ([]Record, error) {
	raw, err := b.client.LRange(ctx, b.key(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range records: %w", err)
	}
	var out []Record
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if rec.LastSeq < fromSeq {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
