package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Queue is a durable FIFO backed by a Redis list. Producers RPUSH, consumers BLPOP.
type Queue struct {
	rdb goredis.Cmdable
	key string
}

func NewQueue(rdb goredis.Cmdable, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

func (q *Queue) Publish(ctx context.Context, body []byte) error {
	if err := q.rdb.RPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", q.key, err)
	}
	return nil
}

func (q *Queue) Name() string { return "redis:" + q.key }
