package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// boundedPushScript atomically checks a list's length against a
// capacity and appends only if there's room, so two concurrent pushes
// against the same participant can never together exceed capacity.
//
// Grounded on kernel.redisTokenBucketScript: state check and mutation
// folded into one round trip via a Lua script, rather than a
// check-then-act pair of separate Redis calls.
//
// KEYS[1] = queue key
// ARGV[1] = capacity
// ARGV[2] = serialized notification
var boundedPushScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local payload = ARGV[2]

local len = redis.call("LLEN", key)
if len >= capacity then
    return 0
end
redis.call("RPUSH", key, payload)
return 1
`)

// RedisQueue is the multi-node Queue backend: one Redis list per
// participant, with capacity enforcement done server-side by
// boundedPushScript so two broker processes racing to deliver to the
// same responder can't jointly overrun the bound.
type RedisQueue struct {
	client   *redis.Client
	capacity int

	mu       sync.Mutex
	observed map[string]struct{} // participant IDs this process has pushed to, for Drain
}

// NewRedisQueue builds a RedisQueue against an already-configured
// client, bounding each participant's queue to capacity entries.
func NewRedisQueue(client *redis.Client, capacity int) *RedisQueue {
	return &RedisQueue{client: client, capacity: capacity, observed: make(map[string]struct{})}
}

func queueKey(participantID string) string {
	return fmt.Sprintf("delivery:queue:%s", participantID)
}

func (q *RedisQueue) remember(participantID string) {
	q.mu.Lock()
	q.observed[participantID] = struct{}{}
	q.mu.Unlock()
}

func (q *RedisQueue) TryPush(ctx context.Context, participantID string, n Notification) (bool, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return false, fmt.Errorf("delivery: marshal notification: %w", err)
	}
	res, err := boundedPushScript.Run(ctx, q.client, []string{queueKey(participantID)}, q.capacity, payload).Int()
	if err != nil {
		return false, fmt.Errorf("delivery: bounded push: %w", err)
	}
	q.remember(participantID)
	return res == 1, nil
}

func (q *RedisQueue) TryPushFront(ctx context.Context, participantID string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("delivery: marshal notification: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey(participantID), payload).Err(); err != nil {
		return fmt.Errorf("delivery: requeue front: %w", err)
	}
	q.remember(participantID)
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, participantID string) (Notification, bool, error) {
	raw, err := q.client.LPop(ctx, queueKey(participantID)).Result()
	if err == redis.Nil {
		return Notification{}, false, nil
	}
	if err != nil {
		return Notification{}, false, fmt.Errorf("delivery: pop: %w", err)
	}
	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return Notification{}, false, fmt.Errorf("delivery: unmarshal notification: %w", err)
	}
	return n, true, nil
}

func (q *RedisQueue) Depth(ctx context.Context, participantID string) (int, error) {
	n, err := q.client.LLen(ctx, queueKey(participantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("delivery: llen: %w", err)
	}
	return int(n), nil
}

// Drain removes every notification addressed to relationshipID across
// every participant queue this process has observed. Implemented as a
// read-all / filter / rewrite per key rather than a single atomic Redis
// operation: cancellation fanout runs once per relationship close, not
// on the hot delivery path, so the extra round trips are an acceptable
// trade for keeping the Lua surface to the one script that matters for
// steady-state throughput.
func (q *RedisQueue) Drain(ctx context.Context, relationshipID string) ([]Notification, error) {
	q.mu.Lock()
	participants := make([]string, 0, len(q.observed))
	for id := range q.observed {
		participants = append(participants, id)
	}
	q.mu.Unlock()

	var drained []Notification
	for _, participantID := range participants {
		key := queueKey(participantID)
		raw, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return drained, fmt.Errorf("delivery: lrange %s: %w", key, err)
		}
		if len(raw) == 0 {
			continue
		}

		kept := make([]string, 0, len(raw))
		for _, item := range raw {
			var n Notification
			if err := json.Unmarshal([]byte(item), &n); err != nil {
				kept = append(kept, item)
				continue
			}
			if n.RelationshipID == relationshipID {
				drained = append(drained, n)
				continue
			}
			kept = append(kept, item)
		}
		if len(kept) == len(raw) {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.Del(ctx, key)
		if len(kept) > 0 {
			vals := make([]interface{}, len(kept))
			for i, v := range kept {
				vals[i] = v
			}
			pipe.RPush(ctx, key, vals...)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return drained, fmt.Errorf("delivery: rewrite %s: %w", key, err)
		}
	}
	return drained, nil
}
