package orchestrator

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// Program is a deterministic workflow body. It must not read the clock,
// draw random numbers or perform I/O; everything external goes through the
// Context. Returning the error of an unresolved future suspends the program.
type Program func(c *Context) (any, error)

type terminateError struct {
	result any
}

func (e *terminateError) Error() string { return "workflow terminated" }

// Terminate ends the workflow as TERMINATED with the given result instead of
// COMPLETED or FAILED.
func Terminate(result any) error {
	return &terminateError{result: result}
}

// Advance replays history through prog and returns the next decision. It is
// a pure function of history: the same prefix always yields the same
// decision.
func Advance(prog Program, history []api.HistoryEvent) (api.Decision, error) {
	c, err := newContext(history)
	if err != nil {
		return api.Decision{}, err
	}
	if last := history[len(history)-1]; last.Type.Terminal() {
		return api.Decision{}, fault("history already closed by %s at seq %d", last.Type, last.Seq)
	}

	result, runErr := prog(c)
	return c.decide(result, runErr)
}

func (c *Context) decide(result any, runErr error) (api.Decision, error) {
	if c.fault != nil {
		return api.Decision{}, c.fault
	}
	if c.nextCall < len(c.scheduled) {
		ev := c.scheduled[c.nextCall]
		return api.Decision{}, fault("replay divergence: %s %q at seq %d was not reissued", ev.Type, ev.Name, ev.Seq)
	}
	if c.nextSignal < len(c.signals) {
		ev := c.signals[c.nextSignal]
		return api.Decision{}, fault("replay divergence: %s %q at seq %d was not consumed", ev.Type, ev.Name, ev.Seq)
	}

	d := api.Decision{Stage: c.stage, Progress: c.progress}

	var term *terminateError
	switch {
	case IsSuspended(runErr):
		switch {
		case len(c.pending) > 0:
			d.Kind = api.DecisionScheduleActivities
			if c.pending[0].Kind == api.CallSubOrchestration {
				d.Kind = api.DecisionScheduleSubOrchestrations
			}
			d.Calls = c.pending
		case c.waiting != "":
			d.Kind = api.DecisionWaitForEvent
			d.EventName = c.waiting
			d.Timeout = c.timeout
		default:
			d.Kind = api.DecisionAwait
		}
	case errors.As(runErr, &term):
		raw, err := xjson.Marshal(term.result)
		if err != nil {
			return api.Decision{}, fmt.Errorf("encode terminate result: %w", err)
		}
		d.Kind = api.DecisionTerminate
		d.Result = raw
	case runErr != nil:
		d.Kind = api.DecisionFail
		d.Err = runErr
	default:
		raw, err := xjson.Marshal(result)
		if err != nil {
			return api.Decision{}, fmt.Errorf("encode result: %w", err)
		}
		d.Kind = api.DecisionComplete
		d.Result = raw
	}
	return d, nil
}

// Verify replays a recorded history and checks that every decision it
// contains is the one prog makes for the preceding prefix. It returns an
// error wrapping api.ErrEngineFault on the first mismatch.
func Verify(prog Program, history []api.HistoryEvent) error {
	for i := 1; i < len(history); {
		ev := history[i]
		switch {
		case ev.Type.Scheduling():
			d, err := Advance(prog, history[:i])
			if err != nil {
				return err
			}
			if len(d.Calls) == 0 {
				return fault("seq %d: recorded %s, replay decided %s", ev.Seq, ev.Type, d.Kind)
			}
			for j, call := range d.Calls {
				if i+j >= len(history) {
					return fault("seq %d: replay schedules %d calls, history ends", ev.Seq, len(d.Calls))
				}
				rec := history[i+j]
				if rec.Type != scheduledType(call.Kind) || rec.Name != call.Name || !bytes.Equal(rec.Payload, call.Input) {
					return fault("seq %d: recorded %s %q, replay scheduled %s %q", rec.Seq, rec.Type, rec.Name, call.Kind, call.Name)
				}
			}
			i += len(d.Calls)
			continue

		case ev.Type == api.EventReceived || ev.Type == api.EventWaitTimedOut:
			d, err := Advance(prog, history[:i])
			if err != nil {
				return err
			}
			if d.Kind != api.DecisionWaitForEvent || d.EventName != ev.Name {
				return fault("seq %d: recorded %s %q, replay decided %s %q", ev.Seq, ev.Type, ev.Name, d.Kind, d.EventName)
			}

		case ev.Type.Terminal():
			d, err := Advance(prog, history[:i])
			if err != nil {
				return err
			}
			if want := terminalDecision(ev.Type); d.Kind != want {
				return fault("seq %d: recorded %s, replay decided %s", ev.Seq, ev.Type, d.Kind)
			}
		}
		i++
	}
	return nil
}

func terminalDecision(t api.EventType) api.DecisionKind {
	switch t {
	case api.EventCompleted:
		return api.DecisionComplete
	case api.EventTerminated:
		return api.DecisionTerminate
	default:
		return api.DecisionFail
	}
}
