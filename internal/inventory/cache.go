package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RecordCache keeps read-side copies of inventory records in Redis. Writes
// never read from it; it is invalidated after every committed movement.
//
// Each record has an epoch counter bumped by Invalidate. A fill only stores
// its copy when the epoch is unchanged since before the load, so a read that
// raced with a commit cannot repopulate the pre-commit record.
type RecordCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewRecordCache instantiates the cache helper.
func NewRecordCache(client *redis.Client, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RecordCache{client: client, ttl: ttl}
}

func recordKey(id int64) string {
	return fmt.Sprintf("inventory:record:%d", id)
}

func epochKey(id int64) string {
	return fmt.Sprintf("inventory:record:%d:epoch", id)
}

// epochTTL outlives any plausible fill. An expired epoch reads as empty and
// only causes a skipped fill.
const epochTTL = 10 * time.Minute

// fillScript sets KEYS[1] only when KEYS[2] still holds ARGV[1].
var fillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Record loads a cached record or populates it using the loader. Concurrent
// misses for the same id share one load.
func (c *RecordCache) Record(ctx context.Context, id int64, loader func(context.Context) (Record, error)) (Record, error) {
	if loader == nil {
		return Record{}, errors.New("inventory: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	key := recordKey(id)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var rec Record
		if err := json.Unmarshal(payload, &rec); err == nil {
			return rec, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return loader(ctx)
	}

	res := c.group.DoChan(key, func() (any, error) {
		epoch, err := c.client.Get(ctx, epochKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return loader(ctx)
		}
		rec, err := loader(ctx)
		if err != nil {
			return Record{}, err
		}
		if raw, err := json.Marshal(rec); err == nil {
			_ = fillScript.Run(ctx, c.client, []string{key, epochKey(id)}, epoch, raw, c.ttl.Milliseconds()).Err()
		}
		return rec, nil
	})
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case out := <-res:
		if out.Err != nil {
			return Record{}, out.Err
		}
		return out.Val.(Record), nil
	}
}

// Invalidate drops cached copies of the given records.
func (c *RecordCache) Invalidate(ctx context.Context, ids ...int64) error {
	if c == nil || c.client == nil || len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]struct{}, len(ids))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			pipe.Incr(ctx, epochKey(id))
			pipe.Expire(ctx, epochKey(id), epochTTL)
			pipe.Del(ctx, recordKey(id))
		}
		return nil
	})
	return err
}

func idsOf(movements []Movement) []int64 {
	ids := make([]int64, 0, len(movements))
	for _, mv := range movements {
		ids = append(ids, mv.InventoryID)
	}
	return ids
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
