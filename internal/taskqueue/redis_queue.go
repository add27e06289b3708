package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis sorted set:
//
//	<prefix>tasks      => ZSET of "<seq>|<encoded task>" scored by NotBefore (unix ms)
//	<prefix>tasks:seq  => INCR counter
//
// Members with equal scores sort lexicographically, so the zero-padded
// sequence prefix keeps tasks due in the same millisecond in FIFO order.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	seqKey       string
	pollInterval time.Duration
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// popDueScript atomically removes and returns the first member whose score
// is <= ARGV[1].
var popDueScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
	return false
end
redis.call('ZREM', KEYS[1], items[1])
return items[1]
`)

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "researchflow:").
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "researchflow:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		seqKey:       prefix + "tasks:seq",
		pollInterval: 20 * time.Millisecond,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMilli()),
		Member: fmt.Sprintf("%020d|%s", seq, data),
	}).Err()
}

// Dequeue polls the sorted set until a task is due or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := idleTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		data, err := popDueScript.Run(ctx, q.client, []string{q.key}, now).Text()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if err := sleep(ctx, tmr, q.pollInterval); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		_, payload, ok := strings.Cut(data, "|")
		if !ok {
			return nil, fmt.Errorf("redis queue: malformed member %q", data)
		}
		return DecodeTask([]byte(payload))
	}
}

// Len returns the number of queued tasks (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
