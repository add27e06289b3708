package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/persistence"
	"github.com/hannabros/researchflow/pkg/api"
)

// Recover rebuilds the work that was in flight for every RUNNING or
// SUSPENDED instance. Outstanding activities are re-dispatched under their
// original task IDs, missing children are created, children that finished
// while nobody listened report to their parent, and armed approval timers
// are re-armed at their original deadline. Instances that reach their
// terminal state stay untouched.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	var open []*api.Instance
	for _, status := range []api.Status{api.StatusRunning, api.StatusSuspended} {
		insts, err := e.store.ListInstances(ctx, persistence.InstanceFilter{Status: status})
		if err != nil {
			return 0, fmt.Errorf("list %s instances: %w", status, err)
		}
		open = append(open, insts...)
	}

	var (
		n    int
		errs []error
	)
	for _, inst := range open {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := e.recoverInstance(ctx, inst); err != nil {
			e.logger.Warn("recovery failed", zap.String("instance_id", inst.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", inst.ID, err))
			continue
		}
		n++
	}

	e.logger.Info("recovery finished",
		zap.Int("instances", len(open)),
		zap.Int("recovered", n),
		zap.Int("failed", len(errs)),
	)
	return n, errors.Join(errs...)
}

func (e *engineImpl) recoverInstance(ctx context.Context, inst *api.Instance) error {
	// Children first: a finished child resolves its parent, which takes the
	// parent's lock.
	// A task that cannot be re-dispatched does not hold back its siblings,
	// the timer or the parent.
	finished, err := e.recoverOutstanding(ctx, inst)
	errs := []error{err}
	for _, n := range finished {
		errs = append(errs, e.notifyParent(ctx, n))
	}

	unlock := e.locks.Lock(inst.ID)
	notice, err := e.rearmAndDrive(ctx, inst.ID)
	unlock()
	errs = append(errs, err)

	if notice != nil {
		errs = append(errs, e.notifyParent(ctx, notice))
	}
	return errors.Join(errs...)
}

// recoverOutstanding re-dispatches unresolved calls of inst and returns the
// notices of children that are already closed. Per-call failures are joined
// into the returned error after every call has been tried.
func (e *engineImpl) recoverOutstanding(ctx context.Context, inst *api.Instance) ([]*parentNotice, error) {
	unlock := e.locks.Lock(inst.ID)
	defer unlock()

	history, err := e.History(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if history[len(history)-1].Type.Terminal() {
		return nil, nil
	}

	var (
		finished []*parentNotice
		errs     []error
	)
	for _, ev := range unresolved(history) {
		switch ev.Type {
		case api.EventActivityScheduled:
			e.logger.Debug("re-dispatching activity",
				zap.String("instance_id", inst.ID),
				zap.String("activity", ev.Name),
				zap.Int64("seq", ev.Seq),
			)
			if err := e.dispatchActivity(ctx, inst.ID, ev); err != nil {
				errs = append(errs, fmt.Errorf("re-dispatch %s seq %d: %w", ev.Name, ev.Seq, err))
			}

		case api.EventSubOrchestrationScheduled:
			n, err := e.recoverChild(ctx, inst.ID, ev)
			if err != nil {
				errs = append(errs, fmt.Errorf("recover child seq %d: %w", ev.Seq, err))
				continue
			}
			if n != nil {
				finished = append(finished, n)
			}
		}
	}
	return finished, errors.Join(errs...)
}

// recoverChild makes sure the child scheduled by ev exists and is being
// worked on. A child that already closed yields its notice instead.
func (e *engineImpl) recoverChild(ctx context.Context, parentID string, ev api.HistoryEvent) (*parentNotice, error) {
	childID := childInstanceID(parentID, ev.Seq)
	child, err := e.store.GetInstance(ctx, childID)
	if errors.Is(err, persistence.ErrInstanceNotFound) {
		return nil, e.startChild(ctx, parentID, ev)
	}
	if err != nil {
		return nil, err
	}

	history, err := e.History(ctx, childID)
	if err != nil {
		return nil, err
	}
	if last := history[len(history)-1]; last.Type.Terminal() {
		return childNotice(child, last), nil
	}
	// Open children are picked up by Recover in their own right.
	return nil, nil
}

// rearmAndDrive re-arms a pending approval timer at its original deadline
// and evaluates the instance once.
func (e *engineImpl) rearmAndDrive(ctx context.Context, id string) (*parentNotice, error) {
	inst, history, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	last := history[len(history)-1]
	if last.Type.Terminal() {
		return e.syncClosed(ctx, inst, last)
	}

	if inst.Status == api.StatusSuspended && inst.LastSeq == last.Seq {
		d, err := e.decide(ctx, inst, history)
		if err != nil {
			return nil, err
		}
		if d.Kind == api.DecisionWaitForEvent && d.EventName == inst.WaitingOn && d.Timeout > 0 {
			if err := e.armTimer(ctx, id, last.Seq, d.EventName, last.At.Add(d.Timeout)); err != nil {
				return nil, err
			}
		}
	}
	return e.driveLocked(ctx, id)
}

// unresolved returns the scheduling events in history that have no outcome,
// in seq order.
func unresolved(history []api.HistoryEvent) []api.HistoryEvent {
	done := make(map[int64]bool)
	for _, ev := range history {
		if ev.Type.Outcome() {
			done[ev.ScheduledSeq] = true
		}
	}
	var out []api.HistoryEvent
	for _, ev := range history {
		if ev.Type.Scheduling() && !done[ev.Seq] {
			out = append(out, ev)
		}
	}
	return out
}
