// Package queue holds the per-agent Redis hint lists that let a worker notice delegated work
// before its next database poll. The database stays the source of truth.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HintQueue is a Redis list per agent: producers LPUSH, the agent's loop RPOPs.
type HintQueue struct {
	client *redis.Client
	prefix string
}

// New returns a HintQueue using keys "<prefix><agentID>".
func New(client *redis.Client, prefix string) *HintQueue {
	if prefix == "" {
		prefix = "queue:tasks:"
	}
	return &HintQueue{client: client, prefix: prefix}
}

func (q *HintQueue) key(agentID string) string { return q.prefix + agentID }

// Push enqueues a task id for the agent.
func (q *HintQueue) Push(ctx context.Context, agentID, taskID string) error {
	if err := q.client.LPush(ctx, q.key(agentID), taskID).Err(); err != nil {
		return fmt.Errorf("push hint: %w", err)
	}
	return nil
}

// Pop returns the oldest hint for the agent, or ok=false when the list is empty.
func (q *HintQueue) Pop(ctx context.Context, agentID string) (string, bool, error) {
	v, err := q.client.RPop(ctx, q.key(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pop hint: %w", err)
	}
	return v, true, nil
}

// Len returns the number of pending hints for the agent.
func (q *HintQueue) Len(ctx context.Context, agentID string) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(agentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("hint queue length: %w", err)
	}
	return n, nil
}

// Ping reports whether Redis is reachable.
func (q *HintQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
