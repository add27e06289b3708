package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/orchestrator"
	"github.com/hannabros/researchflow/internal/persistence"
	"github.com/hannabros/researchflow/internal/taskqueue"
	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// maxConflictRetries bounds how often one decision is re-evaluated after
// losing an append race to another writer.
const maxConflictRetries = 16

// engineImpl drives instances by folding their history through the
// registered program and applying the resulting decision. All work on one
// instance happens under its key in locks; the store's expected-sequence
// check covers writers in other processes.
type engineImpl struct {
	store     persistence.Store
	queue     taskqueue.Queue
	observer  api.Observer
	logger    *zap.Logger
	workflows *workflowRegistry
	locks     *keyedMutex
}

var _ Engine = (*engineImpl)(nil)

// parentNotice carries a finished child's outcome to its parent. It is
// delivered after the child's lock is released.
type parentNotice struct {
	parentID string
	event    api.HistoryEvent
}

func (e *engineImpl) RegisterWorkflow(name string, prog orchestrator.Program) error {
	return e.workflows.Register(name, prog)
}

func (e *engineImpl) Queue() taskqueue.Queue {
	return e.queue
}

func (e *engineImpl) Submit(ctx context.Context, sub api.Submission) (*api.Instance, error) {
	sub, err := sub.Normalize()
	if err != nil {
		return nil, err
	}
	return e.Start(ctx, api.WorkflowResearch, sub)
}

func (e *engineImpl) Start(ctx context.Context, workflow string, input any) (*api.Instance, error) {
	if _, err := e.workflows.Get(workflow); err != nil {
		return nil, err
	}
	raw, err := xjson.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("%w: encode input: %v", api.ErrProtocolViolation, err)
	}

	inst, err := e.createInstance(ctx, uuid.NewString(), workflow, raw, "", 0)
	if err != nil {
		return nil, err
	}
	if err := e.drive(ctx, inst.ID); err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, inst.ID)
}

func (e *engineImpl) createInstance(ctx context.Context, id, workflow string, input xjson.RawMessage, parentID string, parentSeq int64) (*api.Instance, error) {
	now := time.Now()
	inst := &api.Instance{
		ID:        id,
		Workflow:  workflow,
		Status:    api.StatusRunning,
		ParentID:  parentID,
		ParentSeq: parentSeq,
		Input:     input,
		LastSeq:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	started := api.HistoryEvent{Type: api.EventStarted, Name: workflow, Payload: input, At: now}
	if err := e.store.CreateInstance(ctx, inst, started); err != nil {
		return nil, err
	}

	e.logger.Debug("instance created",
		zap.String("instance_id", id),
		zap.String("workflow", workflow),
		zap.String("parent_id", parentID),
	)
	e.observer.OnInstanceStarted(ctx, inst)
	return inst, nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.Instance, error) {
	return e.store.ListInstances(ctx, persistence.InstanceFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	history, err := e.store.ListEvents(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		return nil, err
	}
	return history, nil
}

func (e *engineImpl) Verify(ctx context.Context, id string) error {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	prog, err := e.workflows.Get(inst.Workflow)
	if err != nil {
		return err
	}
	history, err := e.History(ctx, id)
	if err != nil {
		return err
	}
	return orchestrator.Verify(prog, history)
}

// RunInstance evaluates the instance and applies the resulting decision.
func (e *engineImpl) RunInstance(ctx context.Context, id string) error {
	return e.drive(ctx, id)
}

func (e *engineImpl) drive(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	notice, err := e.driveLocked(ctx, id)
	unlock()

	if notice != nil {
		if nerr := e.notifyParent(ctx, notice); nerr != nil && err == nil {
			err = nerr
		}
	}
	return err
}

// load returns the projection and history of id.
func (e *engineImpl) load(ctx context.Context, id string) (*api.Instance, []api.HistoryEvent, error) {
	inst, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := e.History(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return inst, history, nil
}

// driveLocked evaluates id and applies one decision, re-evaluating when
// another writer got in between. The caller holds the instance lock.
func (e *engineImpl) driveLocked(ctx context.Context, id string) (*parentNotice, error) {
	for attempt := 0; ; attempt++ {
		inst, history, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}

		last := history[len(history)-1]
		if last.Type.Terminal() {
			return e.syncClosed(ctx, inst, last)
		}

		d, err := e.decide(ctx, inst, history)
		if err != nil {
			return nil, err
		}

		notice, err := e.apply(ctx, inst, last.Seq, d)
		if errors.Is(err, persistence.ErrSequenceConflict) && attempt < maxConflictRetries {
			e.logger.Debug("history moved, re-evaluating",
				zap.String("instance_id", id),
				zap.Int64("expected_seq", last.Seq),
			)
			continue
		}
		return notice, err
	}
}

// decide runs the program over history. Engine faults are recorded on the
// projection only; history is left untouched for an operator to inspect.
func (e *engineImpl) decide(ctx context.Context, inst *api.Instance, history []api.HistoryEvent) (api.Decision, error) {
	prog, err := e.workflows.Get(inst.Workflow)
	if err != nil {
		return api.Decision{}, e.fault(ctx, inst, fmt.Errorf("%w: %v", api.ErrEngineFault, err))
	}
	d, err := orchestrator.Advance(prog, history)
	if err != nil {
		if errors.Is(err, api.ErrEngineFault) {
			return api.Decision{}, e.fault(ctx, inst, err)
		}
		return api.Decision{}, err
	}
	return d, nil
}

func (e *engineImpl) fault(ctx context.Context, inst *api.Instance, err error) error {
	e.logger.Error("engine fault",
		zap.String("instance_id", inst.ID),
		zap.String("workflow", inst.Workflow),
		zap.Int64("last_seq", inst.LastSeq),
		zap.Error(err),
	)

	inst.Status = api.StatusFailed
	inst.Error = err.Error()
	inst.WaitingOn = ""
	inst.UpdatedAt = time.Now()
	if uerr := e.store.UpdateInstance(ctx, inst); uerr != nil {
		e.logger.Error("recording engine fault failed", zap.String("instance_id", inst.ID), zap.Error(uerr))
	}
	e.observer.OnEngineFault(ctx, inst.ID, err)
	return err
}

// project copies the decision's stage and progress onto inst and reports
// progress changes.
func (e *engineImpl) project(ctx context.Context, inst *api.Instance, d api.Decision) {
	changed := inst.Progress.Message != d.Progress.Message || inst.Progress.Fraction != d.Progress.Fraction
	inst.Stage = d.Stage
	inst.Progress = d.Progress
	inst.UpdatedAt = time.Now()
	if changed {
		e.observer.OnProgress(ctx, inst)
	}
}

func (e *engineImpl) apply(ctx context.Context, inst *api.Instance, lastSeq int64, d api.Decision) (*parentNotice, error) {
	switch d.Kind {
	case api.DecisionScheduleActivities:
		return nil, e.scheduleActivities(ctx, inst, lastSeq, d)
	case api.DecisionScheduleSubOrchestrations:
		return nil, e.scheduleChildren(ctx, inst, lastSeq, d)
	case api.DecisionWaitForEvent:
		return nil, e.suspend(ctx, inst, lastSeq, d)
	case api.DecisionAwait:
		inst.Status = api.StatusRunning
		inst.WaitingOn = ""
		inst.LastSeq = lastSeq
		e.project(ctx, inst, d)
		return nil, e.store.UpdateInstance(ctx, inst)
	case api.DecisionComplete, api.DecisionTerminate, api.DecisionFail:
		return e.close(ctx, inst, lastSeq, d)
	default:
		return nil, e.fault(ctx, inst, fmt.Errorf("%w: unknown decision %q", api.ErrEngineFault, d.Kind))
	}
}

func activityTaskID(instanceID string, seq int64) string {
	return fmt.Sprintf("%s/%d", instanceID, seq)
}

func childInstanceID(parentID string, seq int64) string {
	return fmt.Sprintf("%s.%d", parentID, seq)
}

func (e *engineImpl) scheduleActivities(ctx context.Context, inst *api.Instance, lastSeq int64, d api.Decision) error {
	events := make([]api.HistoryEvent, len(d.Calls))
	for i, call := range d.Calls {
		events[i] = api.HistoryEvent{Type: api.EventActivityScheduled, Name: call.Name, Payload: call.Input}
	}
	appended, err := e.store.AppendEvents(ctx, inst.ID, lastSeq, events)
	if err != nil {
		return err
	}

	inst.Status = api.StatusRunning
	inst.WaitingOn = ""
	inst.LastSeq = appended[len(appended)-1].Seq
	e.project(ctx, inst, d)
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	for _, ev := range appended {
		e.observer.OnActivityScheduled(ctx, inst, ev.Name, ev.Seq)
		if err := e.dispatchActivity(ctx, inst.ID, ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *engineImpl) dispatchActivity(ctx context.Context, instanceID string, ev api.HistoryEvent) error {
	err := e.queue.Enqueue(ctx, taskqueue.Task{
		ID:           activityTaskID(instanceID, ev.Seq),
		Type:         taskqueue.TaskActivity,
		InstanceID:   instanceID,
		ScheduledSeq: ev.Seq,
		Activity:     ev.Name,
		Input:        ev.Payload,
	})
	if err != nil {
		// The schedule is durable; Recover re-dispatches it.
		return fmt.Errorf("enqueue %s for %s: %w", ev.Name, instanceID, err)
	}
	return nil
}

func (e *engineImpl) scheduleChildren(ctx context.Context, inst *api.Instance, lastSeq int64, d api.Decision) error {
	events := make([]api.HistoryEvent, len(d.Calls))
	for i, call := range d.Calls {
		events[i] = api.HistoryEvent{Type: api.EventSubOrchestrationScheduled, Name: call.Name, Payload: call.Input}
	}
	appended, err := e.store.AppendEvents(ctx, inst.ID, lastSeq, events)
	if err != nil {
		return err
	}

	inst.Status = api.StatusRunning
	inst.WaitingOn = ""
	inst.LastSeq = appended[len(appended)-1].Seq
	e.project(ctx, inst, d)
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	for _, ev := range appended {
		if err := e.startChild(ctx, inst.ID, ev); err != nil {
			return err
		}
	}
	return nil
}

// startChild creates the child instance for a SubOrchestrationScheduled
// event, if it does not exist yet, and hands it to the workers.
func (e *engineImpl) startChild(ctx context.Context, parentID string, ev api.HistoryEvent) error {
	childID := childInstanceID(parentID, ev.Seq)
	if _, err := e.createInstance(ctx, childID, ev.Name, ev.Payload, parentID, ev.Seq); err != nil &&
		!errors.Is(err, persistence.ErrInstanceExists) {
		return err
	}
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:         "advance/" + childID,
		Type:       taskqueue.TaskAdvance,
		InstanceID: childID,
	})
}

func (e *engineImpl) suspend(ctx context.Context, inst *api.Instance, lastSeq int64, d api.Decision) error {
	fresh := inst.Status != api.StatusSuspended || inst.WaitingOn != d.EventName || inst.LastSeq != lastSeq

	inst.Status = api.StatusSuspended
	inst.WaitingOn = d.EventName
	inst.LastSeq = lastSeq
	e.project(ctx, inst, d)
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}

	if fresh && d.Timeout > 0 {
		return e.armTimer(ctx, inst.ID, lastSeq, d.EventName, time.Now().Add(d.Timeout))
	}
	return nil
}

func (e *engineImpl) armTimer(ctx context.Context, id string, expectedSeq int64, eventName string, deadline time.Time) error {
	e.logger.Debug("timer armed",
		zap.String("instance_id", id),
		zap.String("event", eventName),
		zap.Time("deadline", deadline),
	)
	return e.queue.Enqueue(ctx, taskqueue.Task{
		ID:          fmt.Sprintf("timer/%s/%d", id, expectedSeq),
		Type:        taskqueue.TaskTimer,
		InstanceID:  id,
		ExpectedSeq: expectedSeq,
		EventName:   eventName,
		NotBefore:   deadline,
	})
}

// close records the terminal event of an instance and updates its
// projection.
func (e *engineImpl) close(ctx context.Context, inst *api.Instance, lastSeq int64, d api.Decision) (*parentNotice, error) {
	ev := api.HistoryEvent{Payload: d.Result}
	switch d.Kind {
	case api.DecisionComplete:
		ev.Type = api.EventCompleted
	case api.DecisionTerminate:
		ev.Type = api.EventTerminated
	default:
		ev.Type = api.EventFailed
		ev.Error = d.Err.Error()
	}

	appended, err := e.store.AppendEvents(ctx, inst.ID, lastSeq, []api.HistoryEvent{ev})
	if err != nil {
		return nil, err
	}
	e.project(ctx, inst, d)
	return e.syncClosed(ctx, inst, appended[0])
}

// syncClosed brings the projection in line with the terminal event last.
// It is also how a projection left behind by a crash catches up.
func (e *engineImpl) syncClosed(ctx context.Context, inst *api.Instance, last api.HistoryEvent) (*parentNotice, error) {
	status := closedStatus(last.Type)
	if inst.Status == status && inst.LastSeq == last.Seq {
		return nil, nil
	}

	inst.Status = status
	inst.WaitingOn = ""
	inst.Result = last.Payload
	inst.Error = last.Error
	inst.LastSeq = last.Seq
	inst.UpdatedAt = time.Now()
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return nil, err
	}

	switch status {
	case api.StatusCompleted:
		e.observer.OnInstanceCompleted(ctx, inst)
	case api.StatusTerminated:
		e.observer.OnInstanceTerminated(ctx, inst)
	default:
		e.observer.OnInstanceFailed(ctx, inst, errors.New(last.Error))
	}
	return childNotice(inst, last), nil
}

func closedStatus(t api.EventType) api.Status {
	switch t {
	case api.EventCompleted:
		return api.StatusCompleted
	case api.EventTerminated:
		return api.StatusTerminated
	default:
		return api.StatusFailed
	}
}

// childNotice builds the outcome event a finished child reports to its
// parent, or nil for top-level instances.
func childNotice(inst *api.Instance, last api.HistoryEvent) *parentNotice {
	if inst.ParentID == "" {
		return nil
	}
	ev := api.HistoryEvent{
		Type:         api.EventSubOrchestrationCompleted,
		Name:         inst.Workflow,
		ScheduledSeq: inst.ParentSeq,
		Payload:      last.Payload,
	}
	if last.Type != api.EventCompleted {
		ev.Type = api.EventSubOrchestrationFailed
		ev.Payload = nil
		ev.Error = last.Error
		if ev.Error == "" {
			ev.Error = fmt.Sprintf("child %s %s", inst.ID, last.Type)
		}
	}
	return &parentNotice{parentID: inst.ParentID, event: ev}
}

func (e *engineImpl) notifyParent(ctx context.Context, n *parentNotice) error {
	return e.resolve(ctx, n.parentID, n.event)
}

func (e *engineImpl) CompleteActivity(ctx context.Context, instanceID string, scheduledSeq int64, result xjson.RawMessage) error {
	return e.resolve(ctx, instanceID, api.HistoryEvent{
		Type:         api.EventActivityCompleted,
		ScheduledSeq: scheduledSeq,
		Payload:      result,
	})
}

func (e *engineImpl) FailActivity(ctx context.Context, instanceID string, scheduledSeq int64, cause error) error {
	msg := "activity failed"
	if cause != nil {
		msg = cause.Error()
	}
	return e.resolve(ctx, instanceID, api.HistoryEvent{
		Type:         api.EventActivityFailed,
		ScheduledSeq: scheduledSeq,
		Error:        msg,
	})
}

// resolve records the outcome of a scheduled call and advances the
// instance. Outcomes for calls that are already resolved, or for closed
// instances, are dropped.
func (e *engineImpl) resolve(ctx context.Context, id string, outcome api.HistoryEvent) error {
	unlock := e.locks.Lock(id)
	notice, err := e.resolveLocked(ctx, id, outcome)
	unlock()

	if notice != nil {
		if nerr := e.notifyParent(ctx, notice); nerr != nil && err == nil {
			err = nerr
		}
	}
	return err
}

func (e *engineImpl) resolveLocked(ctx context.Context, id string, outcome api.HistoryEvent) (*parentNotice, error) {
	for attempt := 0; ; attempt++ {
		history, err := e.History(ctx, id)
		if err != nil {
			return nil, err
		}
		last := history[len(history)-1]
		if last.Type.Terminal() {
			e.logger.Debug("dropping outcome for closed instance",
				zap.String("instance_id", id),
				zap.Int64("scheduled_seq", outcome.ScheduledSeq),
			)
			return nil, nil
		}

		sched, resolved, err := scheduledCall(history, outcome)
		if err != nil {
			return nil, err
		}
		if resolved {
			e.logger.Debug("dropping duplicate outcome",
				zap.String("instance_id", id),
				zap.Int64("scheduled_seq", outcome.ScheduledSeq),
			)
			return nil, nil
		}

		ev := outcome
		ev.Name = sched.Name
		_, err = e.store.AppendEvents(ctx, id, last.Seq, []api.HistoryEvent{ev})
		if errors.Is(err, persistence.ErrSequenceConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e.driveLocked(ctx, id)
	}
}

// scheduledCall finds the scheduling event an outcome refers to and reports
// whether it already has an outcome.
func scheduledCall(history []api.HistoryEvent, outcome api.HistoryEvent) (api.HistoryEvent, bool, error) {
	want := api.EventActivityScheduled
	if outcome.Type == api.EventSubOrchestrationCompleted || outcome.Type == api.EventSubOrchestrationFailed {
		want = api.EventSubOrchestrationScheduled
	}

	seq := outcome.ScheduledSeq
	if seq < 1 || seq > int64(len(history)) || history[seq-1].Type != want {
		return api.HistoryEvent{}, false, fmt.Errorf("%w: no %s at seq %d", api.ErrProtocolViolation, want, seq)
	}
	for _, ev := range history[seq:] {
		if ev.Type.Outcome() && ev.ScheduledSeq == seq {
			return history[seq-1], true, nil
		}
	}
	return history[seq-1], false, nil
}

// RaiseEvent delivers ev if the instance is currently waiting on ev.Name.
// Events are never buffered: with no waiter the call fails with
// api.ErrNoWaiter and nothing is recorded.
func (e *engineImpl) RaiseEvent(ctx context.Context, id string, ev api.ExternalEvent) (*api.Instance, error) {
	if ev.Name == "" {
		return nil, fmt.Errorf("%w: event name is required", api.ErrProtocolViolation)
	}

	unlock := e.locks.Lock(id)
	notice, err := e.raiseLocked(ctx, id, api.HistoryEvent{
		Type:    api.EventReceived,
		Name:    ev.Name,
		Payload: ev.Payload,
	}, -1)
	unlock()

	if notice != nil {
		if nerr := e.notifyParent(ctx, notice); nerr != nil && err == nil {
			err = nerr
		}
	}
	if err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, id)
}

// FireTimer expires a wait armed at expectedSeq. It does nothing if the
// instance has moved on since.
func (e *engineImpl) FireTimer(ctx context.Context, id string, expectedSeq int64, eventName string) error {
	unlock := e.locks.Lock(id)
	notice, err := e.raiseLocked(ctx, id, api.HistoryEvent{
		Type:  api.EventWaitTimedOut,
		Name:  eventName,
		Error: api.ErrSuspensionTimeout.Error(),
	}, expectedSeq)
	unlock()

	if errors.Is(err, api.ErrNoWaiter) {
		e.logger.Debug("stale timer ignored",
			zap.String("instance_id", id),
			zap.String("event", eventName),
			zap.Int64("expected_seq", expectedSeq),
		)
		return nil
	}
	if notice != nil {
		if nerr := e.notifyParent(ctx, notice); nerr != nil && err == nil {
			err = nerr
		}
	}
	return err
}

// raiseLocked appends a signal event for the pending wait. expectedSeq < 0
// accepts any position.
func (e *engineImpl) raiseLocked(ctx context.Context, id string, ev api.HistoryEvent, expectedSeq int64) (*parentNotice, error) {
	for attempt := 0; ; attempt++ {
		inst, history, err := e.load(ctx, id)
		if err != nil {
			return nil, err
		}
		last := history[len(history)-1]
		noWaiter := fmt.Errorf("%w: instance %s is not waiting on %q", api.ErrNoWaiter, id, ev.Name)
		if last.Type.Terminal() || (expectedSeq >= 0 && last.Seq != expectedSeq) {
			return nil, noWaiter
		}

		d, err := e.decide(ctx, inst, history)
		if err != nil {
			return nil, err
		}
		if d.Kind != api.DecisionWaitForEvent || d.EventName != ev.Name {
			return nil, noWaiter
		}

		_, err = e.store.AppendEvents(ctx, id, last.Seq, []api.HistoryEvent{ev})
		if errors.Is(err, persistence.ErrSequenceConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e.driveLocked(ctx, id)
	}
}
