package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// errSuspended is returned by futures whose outcome is not in history yet.
// Programs propagate it like any other error; Advance turns it into a
// scheduling or waiting decision.
var errSuspended = errors.New("orchestrator: suspended")

// IsSuspended reports whether err means the program stopped at an
// unresolved future.
func IsSuspended(err error) bool {
	return errors.Is(err, errSuspended)
}

// Context is the replay cursor handed to a Program. Every call the program
// issues is matched by position against the scheduling events already in
// history; calls past the end of history become the next decision.
type Context struct {
	input xjson.RawMessage

	scheduled []api.HistoryEvent
	outcomes  map[int64]api.HistoryEvent
	signals   []api.HistoryEvent

	nextCall   int
	nextSignal int

	pending []api.Call
	waiting string
	timeout time.Duration

	fault error

	stage    string
	progress api.Progress
}

func newContext(history []api.HistoryEvent) (*Context, error) {
	if len(history) == 0 {
		return nil, fault("empty history")
	}
	if history[0].Type != api.EventStarted {
		return nil, fault("history starts with %s, want %s", history[0].Type, api.EventStarted)
	}

	c := &Context{
		input:    history[0].Payload,
		outcomes: make(map[int64]api.HistoryEvent),
	}
	kinds := make(map[int64]api.EventType)

	for i, ev := range history {
		if ev.Seq != int64(i+1) {
			return nil, fault("event %d has seq %d", i+1, ev.Seq)
		}
		if i > 0 && history[i-1].Type.Terminal() {
			return nil, fault("event %d recorded after terminal %s", ev.Seq, history[i-1].Type)
		}

		switch ev.Type {
		case api.EventStarted:
			if i != 0 {
				return nil, fault("duplicate %s at seq %d", ev.Type, ev.Seq)
			}
		case api.EventActivityScheduled, api.EventSubOrchestrationScheduled:
			c.scheduled = append(c.scheduled, ev)
			kinds[ev.Seq] = ev.Type
		case api.EventActivityCompleted, api.EventActivityFailed:
			if kinds[ev.ScheduledSeq] != api.EventActivityScheduled {
				return nil, fault("%s at seq %d resolves unknown activity %d", ev.Type, ev.Seq, ev.ScheduledSeq)
			}
			if err := c.addOutcome(ev); err != nil {
				return nil, err
			}
		case api.EventSubOrchestrationCompleted, api.EventSubOrchestrationFailed:
			if kinds[ev.ScheduledSeq] != api.EventSubOrchestrationScheduled {
				return nil, fault("%s at seq %d resolves unknown sub-orchestration %d", ev.Type, ev.Seq, ev.ScheduledSeq)
			}
			if err := c.addOutcome(ev); err != nil {
				return nil, err
			}
		case api.EventReceived, api.EventWaitTimedOut:
			c.signals = append(c.signals, ev)
		case api.EventCompleted, api.EventFailed, api.EventTerminated:
		default:
			return nil, fault("unknown event type %q at seq %d", ev.Type, ev.Seq)
		}
	}

	return c, nil
}

func (c *Context) addOutcome(ev api.HistoryEvent) error {
	if prev, ok := c.outcomes[ev.ScheduledSeq]; ok {
		return fault("seq %d resolved twice (seq %d and %d)", ev.ScheduledSeq, prev.Seq, ev.Seq)
	}
	c.outcomes[ev.ScheduledSeq] = ev
	return nil
}

func fault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", api.ErrEngineFault, fmt.Sprintf(format, args...))
}

// diverge records the first replay divergence. Later ones are dropped since
// they usually follow from the first.
func (c *Context) diverge(format string, args ...any) {
	if c.fault == nil {
		c.fault = fault("replay divergence: "+format, args...)
	}
}

// Input decodes the payload of the Started event into v.
func (c *Context) Input(v any) error {
	if len(c.input) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(c.input, v); err != nil {
		return fmt.Errorf("%w: decode input: %v", api.ErrProtocolViolation, err)
	}
	return nil
}

// SetStage sets the coarse stage marker of the projection.
func (c *Context) SetStage(stage string) {
	c.stage = stage
}

// SetProgress sets the progress projection. snapshot may be nil.
func (c *Context) SetProgress(message string, fraction float64, snapshot any) {
	p := api.Progress{Message: message, Fraction: fraction}
	if snapshot != nil {
		if raw, err := xjson.Marshal(snapshot); err == nil {
			p.Snapshot = raw
		}
	}
	c.progress = p
}

// CallActivity schedules the named activity, or binds to the matching
// scheduling event when replaying.
func (c *Context) CallActivity(name string, input any) *Future {
	return c.call(api.CallActivity, name, input)
}

// CallSubOrchestration schedules a child instance of the named workflow, or
// binds to the matching scheduling event when replaying.
func (c *Context) CallSubOrchestration(workflow string, input any) *Future {
	return c.call(api.CallSubOrchestration, workflow, input)
}

func (c *Context) call(kind api.CallKind, name string, input any) *Future {
	raw, err := xjson.Marshal(input)
	if err != nil {
		return &Future{c: c, name: name, err: fmt.Errorf("encode %s input: %w", name, err)}
	}

	if c.nextCall < len(c.scheduled) {
		ev := c.scheduled[c.nextCall]
		c.nextCall++

		want := scheduledType(kind)
		switch {
		case ev.Type != want || ev.Name != name:
			c.diverge("seq %d: history has %s %q, workflow issued %s %q", ev.Seq, ev.Type, ev.Name, want, name)
		case !bytes.Equal(ev.Payload, raw):
			c.diverge("seq %d: input of %s %q changed", ev.Seq, ev.Type, name)
		}
		return &Future{c: c, name: name, seq: ev.Seq}
	}

	c.pending = append(c.pending, api.Call{Kind: kind, Name: name, Input: raw})
	return &Future{c: c, name: name}
}

func scheduledType(kind api.CallKind) api.EventType {
	if kind == api.CallSubOrchestration {
		return api.EventSubOrchestrationScheduled
	}
	return api.EventActivityScheduled
}

// WaitForEvent suspends on the named external event. A zero timeout waits
// forever; otherwise the future resolves to api.ErrSuspensionTimeout once the
// deadline passes without the event.
func (c *Context) WaitForEvent(name string, timeout time.Duration) *Future {
	if c.nextSignal < len(c.signals) {
		ev := c.signals[c.nextSignal]
		c.nextSignal++
		if ev.Name != name {
			c.diverge("seq %d: history has %s %q, workflow waits on %q", ev.Seq, ev.Type, ev.Name, name)
		}
		return &Future{c: c, name: name, signal: &ev}
	}

	c.waiting = name
	c.timeout = timeout
	return &Future{c: c, name: name}
}

// Future is the handle of one scheduled call or event wait.
type Future struct {
	c    *Context
	name string

	// seq is the scheduling event this future is bound to; zero while the
	// call is still pending.
	seq int64

	signal *api.HistoryEvent
	err    error
}

// outcome returns the resolving history event, or nil while unresolved.
func (f *Future) outcome() *api.HistoryEvent {
	if f.signal != nil {
		return f.signal
	}
	if f.seq == 0 {
		return nil
	}
	ev, ok := f.c.outcomes[f.seq]
	if !ok {
		return nil
	}
	return &ev
}

// Ready reports whether the future has an outcome in history.
func (f *Future) Ready() bool {
	return f.err != nil || f.c.fault != nil || f.outcome() != nil
}

// Err returns the failure of a resolved future, errSuspended for an
// unresolved one, and nil on success.
func (f *Future) Err() error {
	if f.c.fault != nil {
		return f.c.fault
	}
	if f.err != nil {
		return f.err
	}
	ev := f.outcome()
	if ev == nil {
		return errSuspended
	}
	switch ev.Type {
	case api.EventActivityFailed:
		return fmt.Errorf("%w: %s: %s", api.ErrActivityFailure, f.name, ev.Error)
	case api.EventSubOrchestrationFailed:
		return fmt.Errorf("%w: %s (seq %d): %s", api.ErrActivityFailure, f.name, f.seq, ev.Error)
	case api.EventWaitTimedOut:
		return fmt.Errorf("%w: waiting on %q", api.ErrSuspensionTimeout, f.name)
	}
	return nil
}

// Get waits for the outcome and decodes it into v, which may be nil.
func (f *Future) Get(v any) error {
	if err := f.Err(); err != nil {
		return err
	}
	ev := f.outcome()
	if v == nil || len(ev.Payload) == 0 {
		return nil
	}
	if err := xjson.Unmarshal(ev.Payload, v); err != nil {
		return fmt.Errorf("decode %s result: %w", f.name, err)
	}
	return nil
}
