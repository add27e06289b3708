package streaming

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// RedisPublisher appends updates to a Redis stream so processes other than
// the engine's can follow progress. Each entry carries the instance ID, the
// update type and the JSON-encoded update.
type RedisPublisher struct {
	api.NoopObserver

	client  redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *zap.Logger
}

func NewRedisPublisher(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client:  client,
		stream:  stream,
		maxLen:  maxLen,
		timeout: 2 * time.Second,
		logger:  logger.Named("stream"),
	}
}

// Publish appends u to the stream and returns the entry ID.
func (p *RedisPublisher) Publish(ctx context.Context, u Update) (string, error) {
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: map[string]any{
			"instance_id": u.InstanceID,
			"type":        u.Type,
			"update":      u.Marshal(),
		},
	}).Result()
}

// Read returns up to count updates appended after the entry ID after, and
// the ID to pass to the next call. "0" reads from the beginning.
func (p *RedisPublisher) Read(ctx context.Context, after string, count int64) ([]Update, string, error) {
	if after == "" {
		after = "0"
	}
	res, err := p.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{p.stream, after},
		Count:   count,
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, after, nil
	}
	if err != nil {
		return nil, after, err
	}

	var out []Update
	last := after
	for _, st := range res {
		for _, msg := range st.Messages {
			last = msg.ID
			raw, ok := msg.Values["update"].(string)
			if !ok {
				continue
			}
			var u Update
			if err := xjson.Unmarshal([]byte(raw), &u); err != nil {
				p.logger.Warn("skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			out = append(out, u)
		}
	}
	return out, last, nil
}

func (p *RedisPublisher) publish(ctx context.Context, u Update) {
	// Observer callbacks must not inherit a cancelled request context.
	if _, err := p.Publish(context.WithoutCancel(ctx), u); err != nil {
		p.logger.Warn("stream publish failed",
			zap.String("instance_id", u.InstanceID),
			zap.String("type", u.Type),
			zap.Error(err),
		)
	}
}

func (p *RedisPublisher) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	p.publish(ctx, updateOf(inst, TypeStarted))
}

func (p *RedisPublisher) OnProgress(ctx context.Context, inst *api.Instance) {
	p.publish(ctx, updateOf(inst, TypeProgress))
}

func (p *RedisPublisher) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	p.publish(ctx, updateOf(inst, TypeCompleted))
}

func (p *RedisPublisher) OnInstanceTerminated(ctx context.Context, inst *api.Instance) {
	p.publish(ctx, updateOf(inst, TypeTerminated))
}

func (p *RedisPublisher) OnInstanceFailed(ctx context.Context, inst *api.Instance, err error) {
	u := updateOf(inst, TypeFailed)
	if u.Error == "" && err != nil {
		u.Error = err.Error()
	}
	p.publish(ctx, u)
}
