package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/maneesh/permastore/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	batchKeyPrefix  = "batch:"
	expiryDueKey    = "expiry:due"
	expirySetPrefix = "expiry:set:"
)

// RedisClient wraps the shared Redis connection
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an existing go-redis client
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Ping checks the Redis connection
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// RedisBatches is a BatchStore keeping each uploader's batch in a Redis list.
// Every operation on a batch is a single command or a MULTI/EXEC block, which
// serializes operations per uploader without any client-side lock.
type RedisBatches struct {
	rc      *RedisClient
	idleTTL time.Duration
}

// NewRedisBatches creates a batch store. A positive idleTTL expires batches
// that have not been appended to for that long.
func NewRedisBatches(rc *RedisClient, idleTTL time.Duration) *RedisBatches {
	return &RedisBatches{rc: rc, idleTTL: idleTTL}
}

func batchKey(uploaderID int64) string {
	return batchKeyPrefix + strconv.FormatInt(uploaderID, 10)
}

// Append pushes ref and reads back the whole batch atomically
func (rb *RedisBatches) Append(ctx context.Context, uploaderID int64, ref models.ContentRef) ([]models.ContentRef, error) {
	ctx, span := tracer.Start(ctx, "redis.batch_append",
		trace.WithAttributes(
			attribute.Int64("uploader_id", uploaderID),
		),
	)
	defer span.End()

	data, err := json.Marshal(ref)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to marshal content ref: %w", err)
	}

	key := batchKey(uploaderID)
	var rangeCmd *redis.StringSliceCmd
	_, err = rb.rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if rb.idleTTL > 0 {
			pipe.Expire(ctx, key, rb.idleTTL)
		}
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to append to batch: %w", err)
	}

	refs, err := decodeRefs(rangeCmd.Val())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("batch_size", len(refs)))
	return refs, nil
}

// Snapshot reads the uploader's batch
func (rb *RedisBatches) Snapshot(ctx context.Context, uploaderID int64) ([]models.ContentRef, error) {
	ctx, span := tracer.Start(ctx, "redis.batch_snapshot",
		trace.WithAttributes(
			attribute.Int64("uploader_id", uploaderID),
		),
	)
	defer span.End()

	values, err := rb.rc.client.LRange(ctx, batchKey(uploaderID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}

	refs, err := decodeRefs(values)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("batch_size", len(refs)))
	return refs, nil
}

// discardPrefix trims the list only if its head equals ARGV, element for element.
// Redis deletes the key once the list is empty.
var discardPrefix = redis.NewScript(`
local n = #ARGV
local head = redis.call('LRANGE', KEYS[1], 0, n - 1)
if #head < n then
	return 0
end
for i = 1, n do
	if head[i] ~= ARGV[i] then
		return 0
	end
end
redis.call('LTRIM', KEYS[1], n, -1)
return 1
`)

// Discard trims prefix off the front of the batch if the batch still starts with it
func (rb *RedisBatches) Discard(ctx context.Context, uploaderID int64, prefix []models.ContentRef) (bool, error) {
	if len(prefix) == 0 {
		return true, nil
	}

	ctx, span := tracer.Start(ctx, "redis.batch_discard",
		trace.WithAttributes(
			attribute.Int64("uploader_id", uploaderID),
			attribute.Int("count", len(prefix)),
		),
	)
	defer span.End()

	args := make([]any, len(prefix))
	for i, ref := range prefix {
		data, err := json.Marshal(ref)
		if err != nil {
			span.RecordError(err)
			return false, fmt.Errorf("failed to marshal content ref: %w", err)
		}
		args[i] = string(data)
	}

	trimmed, err := discardPrefix.Run(ctx, rb.rc.client, []string{batchKey(uploaderID)}, args...).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to trim batch: %w", err)
	}
	span.SetAttributes(attribute.Bool("trimmed", trimmed == 1))
	return trimmed == 1, nil
}

// Clear deletes the uploader's batch
func (rb *RedisBatches) Clear(ctx context.Context, uploaderID int64) error {
	ctx, span := tracer.Start(ctx, "redis.batch_clear",
		trace.WithAttributes(
			attribute.Int64("uploader_id", uploaderID),
		),
	)
	defer span.End()

	if err := rb.rc.client.Del(ctx, batchKey(uploaderID)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear batch: %w", err)
	}
	return nil
}

func decodeRefs(values []string) ([]models.ContentRef, error) {
	refs := make([]models.ContentRef, 0, len(values))
	for _, v := range values {
		var ref models.ContentRef
		if err := json.Unmarshal([]byte(v), &ref); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// RedisJournal persists pending delivery sets so their retraction survives a restart.
// Sets live under expiry:set:<id>, indexed by due time in the expiry:due sorted set.
type RedisJournal struct {
	rc *RedisClient
}

// NewRedisJournal creates a journal on rc
func NewRedisJournal(rc *RedisClient) *RedisJournal {
	return &RedisJournal{rc: rc}
}

// Save records a pending delivery set
func (rj *RedisJournal) Save(ctx context.Context, set models.DeliverySet) error {
	ctx, span := tracer.Start(ctx, "redis.journal_save",
		trace.WithAttributes(
			attribute.String("set_id", set.ID),
			attribute.Int("message_count", len(set.MessageIDs)),
		),
	)
	defer span.End()

	data, err := json.Marshal(set)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal delivery set: %w", err)
	}

	_, err = rj.rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, expirySetPrefix+set.ID, data, 0)
		pipe.ZAdd(ctx, expiryDueKey, redis.Z{
			Score:  float64(set.ExpiresAt.Unix()),
			Member: set.ID,
		})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to journal delivery set: %w", err)
	}
	return nil
}

// Remove forgets a delivery set
func (rj *RedisJournal) Remove(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.journal_remove",
		trace.WithAttributes(
			attribute.String("set_id", id),
		),
	)
	defer span.End()

	_, err := rj.rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, expirySetPrefix+id)
		pipe.ZRem(ctx, expiryDueKey, id)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to remove delivery set: %w", err)
	}
	return nil
}

// Load returns every journaled delivery set ordered by due time.
// Index entries whose payload has disappeared are dropped.
func (rj *RedisJournal) Load(ctx context.Context) ([]models.DeliverySet, error) {
	ctx, span := tracer.Start(ctx, "redis.journal_load")
	defer span.End()

	ids, err := rj.rc.client.ZRange(ctx, expiryDueKey, 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read expiry index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = expirySetPrefix + id
	}
	values, err := rj.rc.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read delivery sets: %w", err)
	}

	sets := make([]models.DeliverySet, 0, len(values))
	var orphans []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			orphans = append(orphans, ids[i])
			continue
		}
		var set models.DeliverySet
		if err := json.Unmarshal([]byte(raw), &set); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to unmarshal delivery set %s: %w", ids[i], err)
		}
		sets = append(sets, set)
	}

	if len(orphans) > 0 {
		if err := rj.rc.client.ZRem(ctx, expiryDueKey, orphans...).Err(); err != nil {
			span.RecordError(err)
		}
	}

	span.SetAttributes(attribute.Int("set_count", len(sets)))
	return sets, nil
}
