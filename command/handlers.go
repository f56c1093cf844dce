package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/settld/go-settle/core"
)

// MutatingService is the slice of the settlement service the command bus
// drives.
type MutatingService interface {
	ResolveDecision(ctx context.Context, req core.DecisionRequest) (core.DecisionReport, error)
	RevokeRun(ctx context.Context, token string, reason string) error
}

// DeliveryController is the slice of the delivery queue the command bus
// drives.
type DeliveryController interface {
	Replay(ctx context.Context, idempotencyKey string, resetAttempts bool) (core.DeliveryJob, error)
	Drain(ctx context.Context) (int, error)
}

type ResolveDecisionCommand struct {
	service MutatingService
}

func NewResolveDecisionCommand(service MutatingService) *ResolveDecisionCommand {
	return &ResolveDecisionCommand{service: service}
}

func (c *ResolveDecisionCommand) Execute(ctx context.Context, msg ResolveDecisionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: decision service is required")
	}
	out, err := c.service.ResolveDecision(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeRunCommand struct {
	service MutatingService
}

func NewRevokeRunCommand(service MutatingService) *RevokeRunCommand {
	return &RevokeRunCommand{service: service}
}

func (c *RevokeRunCommand) Execute(ctx context.Context, msg RevokeRunMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: run service is required")
	}
	return c.service.RevokeRun(ctx, msg.Token, msg.Reason)
}

type ReplayDeliveryCommand struct {
	deliveries DeliveryController
}

func NewReplayDeliveryCommand(deliveries DeliveryController) *ReplayDeliveryCommand {
	return &ReplayDeliveryCommand{deliveries: deliveries}
}

func (c *ReplayDeliveryCommand) Execute(ctx context.Context, msg ReplayDeliveryMessage) error {
	if c == nil || c.deliveries == nil {
		return commandDependencyError("command: delivery controller is required")
	}
	out, err := c.deliveries.Replay(ctx, msg.IdempotencyKey, msg.ResetAttempts)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DrainDeliveriesCommand struct {
	deliveries DeliveryController
}

func NewDrainDeliveriesCommand(deliveries DeliveryController) *DrainDeliveriesCommand {
	return &DrainDeliveriesCommand{deliveries: deliveries}
}

func (c *DrainDeliveriesCommand) Execute(ctx context.Context, _ DrainDeliveriesMessage) error {
	if c == nil || c.deliveries == nil {
		return commandDependencyError("command: delivery controller is required")
	}
	attempted, err := c.deliveries.Drain(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, attempted)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
