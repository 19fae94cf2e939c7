// Package redis keeps the relay's undelivered to-device messages in per
// device redis lists.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"e2e_crypto/internal/model"
)

type (
	RedisService struct {
		rdb *redis.Client
		ttl time.Duration
	}
)

// NewRedis returns a queue whose lists expire ttl after the last push; zero
// keeps them forever.
func NewRedis(rdb *redis.Client, ttl time.Duration) *RedisService {
	return &RedisService{
		rdb: rdb,
		ttl: ttl,
	}
}

func queueKey(userID, deviceID string) string {
	return fmt.Sprintf("to_device:%s:%s", userID, deviceID)
}

// Push appends events to the device's queue.
func (r *RedisService) Push(ctx context.Context, userID, deviceID string, events ...model.ToDeviceEvent) error {
	if len(events) == 0 {
		return nil
	}
	vals := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		vals = append(vals, data)
	}

	key := queueKey(userID, deviceID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, vals...)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

// Drain removes and returns everything queued for the device, oldest first.
func (r *RedisService) Drain(ctx context.Context, userID, deviceID string) ([]model.ToDeviceEvent, error) {
	key := queueKey(userID, deviceID)
	var lrange *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	vals := lrange.Val()
	res := make([]model.ToDeviceEvent, 0, len(vals))
	for _, v := range vals {
		var ev model.ToDeviceEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, nil
}

func (r *RedisService) Len(ctx context.Context, userID, deviceID string) (int64, error) {
	return r.rdb.LLen(ctx, queueKey(userID, deviceID)).Result()
}
