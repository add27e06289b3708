// Package gateway validates external events and routes them to the instance
// waiting on them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hannabros/researchflow/internal/xjson"
	"github.com/hannabros/researchflow/pkg/api"
)

// EventRaiser is the part of the engine the gateway needs.
type EventRaiser interface {
	RaiseEvent(ctx context.Context, id string, ev api.ExternalEvent) (*api.Instance, error)
}

// Gateway accepts external events on behalf of the engine. Malformed events
// are rejected before anything reaches history, and events no instance is
// waiting for are rejected rather than buffered.
type Gateway struct {
	engine EventRaiser
	logger *zap.Logger
}

func New(engine EventRaiser, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{engine: engine, logger: logger.Named("gateway")}
}

// Validate checks that ev has a name and a payload carrying a non-blank
// action. The action itself is not interpreted here: anything other than
// "continue" is a cancellation, which the workflow decides.
func Validate(ev api.ExternalEvent) error {
	if strings.TrimSpace(ev.Name) == "" {
		return fmt.Errorf("%w: event name is required", api.ErrProtocolViolation)
	}
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%w: event %q has no payload", api.ErrProtocolViolation, ev.Name)
	}
	var p api.ApprovalPayload
	if err := xjson.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("%w: event %q payload: %v", api.ErrProtocolViolation, ev.Name, err)
	}
	if strings.TrimSpace(p.Action) == "" {
		return fmt.Errorf("%w: event %q has no action", api.ErrProtocolViolation, ev.Name)
	}
	return nil
}

// Deliver validates ev and hands it to the instance. It returns the updated
// projection, or an error wrapping api.ErrNoWaiter if the instance is not
// waiting on ev.Name.
func (g *Gateway) Deliver(ctx context.Context, instanceID string, ev api.ExternalEvent) (*api.Instance, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instance id is required", api.ErrProtocolViolation)
	}
	if err := Validate(ev); err != nil {
		g.logger.Info("event rejected",
			zap.String("instance_id", instanceID),
			zap.String("event", ev.Name),
			zap.Error(err),
		)
		return nil, err
	}

	inst, err := g.engine.RaiseEvent(ctx, instanceID, ev)
	if err != nil {
		if errors.Is(err, api.ErrNoWaiter) {
			g.logger.Info("event has no waiter",
				zap.String("instance_id", instanceID),
				zap.String("event", ev.Name),
			)
		}
		return nil, err
	}

	g.logger.Info("event delivered",
		zap.String("instance_id", instanceID),
		zap.String("event", ev.Name),
		zap.String("status", string(inst.Status)),
	)
	return inst, nil
}

// Approve delivers an approval with the given action.
func (g *Gateway) Approve(ctx context.Context, instanceID, action string) (*api.Instance, error) {
	payload, err := xjson.Marshal(api.ApprovalPayload{Action: action})
	if err != nil {
		return nil, err
	}
	return g.Deliver(ctx, instanceID, api.ExternalEvent{Name: api.EventApproval, Payload: payload})
}

// Continue lets a waiting research instance proceed to planning.
func (g *Gateway) Continue(ctx context.Context, instanceID string) (*api.Instance, error) {
	return g.Approve(ctx, instanceID, api.ActionContinue)
}

// Cancel terminates a research instance waiting for approval.
func (g *Gateway) Cancel(ctx context.Context, instanceID string) (*api.Instance, error) {
	return g.Approve(ctx, instanceID, api.ActionCancel)
}
