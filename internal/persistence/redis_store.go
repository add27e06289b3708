package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/hannabros/researchflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => JSON-encoded instance projection
//	<prefix>hist:<id>            => LIST of JSON-encoded history events, seq = index+1
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:wf:<workflow>    => SET of instance IDs for a given workflow
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
//
// Appends go through a Lua script that checks the list length against the
// expected sequence, so concurrent writers cannot interleave.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// appendScript: KEYS[1] history list, ARGV[1] expected length, ARGV[2..]
// events. Returns the new length, or -1 on a sequence conflict.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n ~= tonumber(ARGV[1]) then
	return -1
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
return n + #ARGV - 1
`)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "researchflow:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "researchflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyHistory(id string) string {
	return s.prefix + "hist:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyWorkflow(name string) string {
	return s.prefix + "idx:wf:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	ev, err := encodeEvent(stamp(inst.ID, 0, []api.HistoryEvent{started})[0])
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyHistory(inst.ID))
	pipe.RPush(ctx, s.keyHistory(inst.ID), ev)
	pipe.SAdd(ctx, s.keyAll(), inst.ID)
	pipe.SAdd(ctx, s.keyWorkflow(inst.Workflow), inst.ID)
	pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) AppendEvents(ctx context.Context, instanceID string, expectedLastSeq int64, events []api.HistoryEvent) ([]api.HistoryEvent, error) {
	exists, err := s.client.Exists(ctx, s.keyInstance(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrInstanceNotFound
	}

	stamped := stamp(instanceID, expectedLastSeq, events)
	args := make([]any, 0, len(stamped)+1)
	args = append(args, expectedLastSeq)
	for _, ev := range stamped {
		data, err := encodeEvent(ev)
		if err != nil {
			return nil, err
		}
		args = append(args, data)
	}

	n, err := appendScript.Run(ctx, s.client, []string{s.keyHistory(instanceID)}, args...).Int64()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrSequenceConflict
	}
	return stamped, nil
}

func (s *RedisStore) ListEvents(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	items, err := s.client.LRange(ctx, s.keyHistory(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrInstanceNotFound
	}

	out := make([]api.HistoryEvent, 0, len(items))
	for _, item := range items {
		ev, err := decodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	prev, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
	if prev.Status != inst.Status {
		pipe.SRem(ctx, s.keyStatus(prev.Status), inst.ID)
		pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(data)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	var ids []string
	var err error

	switch {
	case filter.Workflow != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyWorkflow(filter.Workflow),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Workflow != "":
		ids, err = s.client.SMembers(ctx, s.keyWorkflow(filter.Workflow)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Instance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Instance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]*api.Instance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		// Indexes can lag behind the payload; the payload wins.
		if !filter.match(inst) {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}
