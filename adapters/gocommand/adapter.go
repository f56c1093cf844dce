// Package gocommand mounts the settlement command handlers on a shared
// go-command registry and dispatcher.
package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	settlecmd "github.com/settld/go-settle/command"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// RegistryAdapter wraps a go-command registry so hosts can mount the
// settlement commands next to their own.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver routes command execution for key through a go-job queue
// registry, so settlement commands can run on the broker workers.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// RegisterAndSubscribe registers one command on the registry and subscribes
// it on the dispatcher, unwinding the subscription when registration fails.
func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Mount registers and subscribes the full settlement command set: resolve
// decision and revoke run against the service, replay and drain against the
// delivery controller. On failure every subscription made so far is
// unsubscribed.
func Mount(
	adapter *RegistryAdapter,
	service settlecmd.MutatingService,
	deliveries settlecmd.DeliveryController,
	runnerOpts ...runner.Option,
) ([]commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if service == nil {
		return nil, fmt.Errorf("gocommand: settlement service is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("gocommand: delivery controller is required")
	}

	var subscriptions []commanddispatcher.Subscription
	unwind := func() {
		for _, subscription := range subscriptions {
			subscription.Unsubscribe()
		}
	}

	resolveSub, err := RegisterAndSubscribe[settlecmd.ResolveDecisionMessage](
		adapter, settlecmd.NewResolveDecisionCommand(service), runnerOpts...)
	if err != nil {
		return nil, err
	}
	subscriptions = append(subscriptions, resolveSub)

	revokeSub, err := RegisterAndSubscribe[settlecmd.RevokeRunMessage](
		adapter, settlecmd.NewRevokeRunCommand(service), runnerOpts...)
	if err != nil {
		unwind()
		return nil, err
	}
	subscriptions = append(subscriptions, revokeSub)

	replaySub, err := RegisterAndSubscribe[settlecmd.ReplayDeliveryMessage](
		adapter, settlecmd.NewReplayDeliveryCommand(deliveries), runnerOpts...)
	if err != nil {
		unwind()
		return nil, err
	}
	subscriptions = append(subscriptions, replaySub)

	drainSub, err := RegisterAndSubscribe[settlecmd.DrainDeliveriesMessage](
		adapter, settlecmd.NewDrainDeliveriesCommand(deliveries), runnerOpts...)
	if err != nil {
		unwind()
		return nil, err
	}
	subscriptions = append(subscriptions, drainSub)

	return subscriptions, nil
}
