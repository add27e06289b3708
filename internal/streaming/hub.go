// Package streaming fans progress updates out to live subscribers. Polling
// GetInstance remains the source of truth; streams are best effort and drop
// updates for slow subscribers.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Update types.
const (
	TypeStarted    = "started"
	TypeProgress   = "progress"
	TypeCompleted  = "completed"
	TypeTerminated = "terminated"
	TypeFailed     = "failed"
)

// Update is one progress change of an instance.
type Update struct {
	InstanceID string     `json:"instance_id"`
	Type       string     `json:"type"`
	Status     api.Status `json:"status"`
	Stage      string     `json:"stage,omitempty"`
	Message    string     `json:"message,omitempty"`
	Progress   float64    `json:"progress"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	Seq        uint64     `json:"seq"`
}

// Final reports whether no further updates follow for the instance.
func (u Update) Final() bool {
	return u.Type == TypeCompleted || u.Type == TypeTerminated || u.Type == TypeFailed
}

// Marshal returns the JSON form used by the CLI and the Redis publisher.
func (u Update) Marshal() []byte {
	b, _ := xjson.Marshal(u)
	return b
}

// DefaultCapacity is the per-instance replay buffer size.
const DefaultCapacity = 256

// DefaultRetention is how long the replay buffer of a finished instance is
// kept for late watchers.
const DefaultRetention = 10 * time.Minute

// Hub is an in-memory pub/sub of instance updates. It implements
// api.Observer so it can be attached to the engine directly. Each instance
// keeps a ring of recent updates so late subscribers can catch up. Rings of
// finished instances are released once they are older than the retention and
// nobody is subscribed.
type Hub struct {
	api.NoopObserver

	mu          sync.RWMutex
	subscribers map[string]map[chan Update]struct{}
	history     map[string]*ring
	expiries    []expiry
	capacity    int
	retention   time.Duration
	now         func() time.Time
}

// expiry marks when an instance published its final update.
type expiry struct {
	instanceID string
	at         time.Time
}

func NewHub(capacity int) *Hub {
	return NewHubWithRetention(capacity, DefaultRetention)
}

// NewHubWithRetention is NewHub with an explicit retention for finished
// instances. Non-positive values select the defaults.
func NewHubWithRetention(capacity int, retention time.Duration) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Hub{
		subscribers: make(map[string]map[chan Update]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		retention:   retention,
		now:         time.Now,
	}
}

// Subscribe adds a subscriber for instanceID. The caller must drain the
// channel and call Unsubscribe.
func (h *Hub) Subscribe(instanceID string, buffer int) chan Update {
	ch := make(chan Update, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sweepLocked(h.now())
	subs := h.subscribers[instanceID]
	if subs == nil {
		subs = make(map[chan Update]struct{})
		h.subscribers[instanceID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes ch.
func (h *Hub) Unsubscribe(instanceID string, ch chan Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.subscribers[instanceID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, instanceID)
		}
	}
}

// Publish assigns the next sequence number to u and sends it to every
// subscriber of u.InstanceID without blocking.
func (h *Hub) Publish(u Update) Update {
	now := h.now()
	if u.Timestamp.IsZero() {
		u.Timestamp = now
	}

	h.mu.Lock()
	h.sweepLocked(now)
	rg := h.history[u.InstanceID]
	if rg == nil {
		rg = newRing(h.capacity)
		h.history[u.InstanceID] = rg
	}
	rg.nextSeq++
	u.Seq = rg.nextSeq
	rg.push(u)
	if u.Final() {
		rg.finishedAt = now
		h.expiries = append(h.expiries, expiry{instanceID: u.InstanceID, at: now})
	}
	// Sends happen under the lock so Unsubscribe cannot close a channel
	// mid-send.
	for ch := range h.subscribers[u.InstanceID] {
		select {
		case ch <- u:
		default:
			// slow subscriber
		}
	}
	h.mu.Unlock()
	return u
}

// sweepLocked drops the rings of instances that finished more than the
// retention ago. A ring with live subscribers gets another full period.
func (h *Hub) sweepLocked(now time.Time) {
	for len(h.expiries) > 0 {
		e := h.expiries[0]
		if now.Sub(e.at) < h.retention {
			return
		}
		h.expiries = h.expiries[1:]

		rg := h.history[e.instanceID]
		if rg == nil || !rg.finishedAt.Equal(e.at) {
			// forgotten, or finished again later
			continue
		}
		if len(h.subscribers[e.instanceID]) > 0 {
			rg.finishedAt = now
			h.expiries = append(h.expiries, expiry{instanceID: e.instanceID, at: now})
			continue
		}
		delete(h.history, e.instanceID)
	}
}

// ReplaySince returns the buffered updates with Seq > since.
func (h *Hub) ReplaySince(instanceID string, since uint64) []Update {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rg := h.history[instanceID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay buffer of instanceID.
func (h *Hub) Forget(instanceID string) {
	h.mu.Lock()
	delete(h.history, instanceID)
	h.mu.Unlock()
}

// Watch replays buffered updates and then follows live ones until a final
// update, or until ctx is done. fn returning an error stops the watch.
func (h *Hub) Watch(ctx context.Context, instanceID string, fn func(Update) error) error {
	ch := h.Subscribe(instanceID, h.capacity)
	defer h.Unsubscribe(instanceID, ch)

	var last uint64
	for _, u := range h.ReplaySince(instanceID, 0) {
		last = u.Seq
		if err := fn(u); err != nil {
			return err
		}
		if u.Final() {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u := <-ch:
			if u.Seq <= last {
				continue
			}
			last = u.Seq
			if err := fn(u); err != nil {
				return err
			}
			if u.Final() {
				return nil
			}
		}
	}
}

func updateOf(inst *api.Instance, typ string) Update {
	return Update{
		InstanceID: inst.ID,
		Type:       typ,
		Status:     inst.Status,
		Stage:      inst.Stage,
		Message:    inst.Progress.Message,
		Progress:   inst.Progress.Fraction,
		Error:      inst.Error,
		Timestamp:  inst.UpdatedAt,
	}
}

func (h *Hub) OnInstanceStarted(ctx context.Context, inst *api.Instance) {
	h.Publish(updateOf(inst, TypeStarted))
}

func (h *Hub) OnProgress(ctx context.Context, inst *api.Instance) {
	h.Publish(updateOf(inst, TypeProgress))
}

func (h *Hub) OnInstanceCompleted(ctx context.Context, inst *api.Instance) {
	h.Publish(updateOf(inst, TypeCompleted))
}

func (h *Hub) OnInstanceTerminated(ctx context.Context, inst *api.Instance) {
	h.Publish(updateOf(inst, TypeTerminated))
}

func (h *Hub) OnInstanceFailed(ctx context.Context, inst *api.Instance, err error) {
	u := updateOf(inst, TypeFailed)
	if u.Error == "" && err != nil {
		u.Error = err.Error()
	}
	h.Publish(u)
}

// ring is a fixed-capacity ring buffer of updates.
type ring struct {
	buf        []Update
	start      int
	count      int
	nextSeq    uint64
	finishedAt time.Time
}

func newRing(capacity int) *ring { return &ring{buf: make([]Update, capacity)} }

func (r *ring) push(u Update) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = u
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = u
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Update {
	if r.count == 0 {
		return nil
	}
	out := make([]Update, 0, r.count)
	for i := 0; i < r.count; i++ {
		u := r.buf[(r.start+i)%len(r.buf)]
		if u.Seq > seq {
			out = append(out, u)
		}
	}
	return out
}
