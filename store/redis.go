package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luciancaetano/voxa"
)

// DefaultRedisKey prefixes the keys used by Redis.
const DefaultRedisKey = "voxa:messages"

// Redis stores records in a sorted set scored by id. Ids come from an
// INCR counter stored next to it.
type Redis struct {
	rdb    *redis.Client
	key    string
	seqKey string
}

// NewRedis wraps an existing client. An empty key means DefaultRedisKey.
func NewRedis(rdb *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{rdb: rdb, key: key, seqKey: key + ":seq"}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, key string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, key), nil
}

// Insert implements voxa.MessageStore.
func (r *Redis) Insert(ctx context.Context, channelID, author, contents string, at time.Time) (voxa.Record, error) {
	id, err := r.rdb.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return voxa.Record{}, fmt.Errorf("allocate message id: %w", err)
	}

	rec := voxa.Record{
		ID:        id,
		ChannelID: channelID,
		Author:    author,
		Contents:  contents,
		Timestamp: at.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return voxa.Record{}, err
	}

	if err := r.rdb.ZAdd(ctx, r.key, redis.Z{Score: float64(id), Member: data}).Err(); err != nil {
		return voxa.Record{}, fmt.Errorf("store message %d: %w", id, err)
	}
	return rec, nil
}

// FetchAfter implements voxa.MessageStore.
func (r *Redis) FetchAfter(ctx context.Context, id int64) ([]voxa.Record, error) {
	members, err := r.rdb.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(id, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch messages after %d: %w", id, err)
	}

	out := make([]voxa.Record, 0, len(members))
	for _, m := range members {
		var rec voxa.Record
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("decode stored message: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
