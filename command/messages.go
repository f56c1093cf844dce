package command

import (
	"fmt"
	"strings"

	"github.com/settld/go-settle/core"
)

const (
	TypeResolveDecision = "settle.command.decision.resolve"
	TypeRevokeRun       = "settle.command.run.revoke"
	TypeReplayDelivery  = "settle.command.delivery.replay"
	TypeDrainDeliveries = "settle.command.delivery.drain"
)

type ResolveDecisionMessage struct {
	Request core.DecisionRequest
}

func (ResolveDecisionMessage) Type() string { return TypeResolveDecision }

func (m ResolveDecisionMessage) Validate() error {
	if strings.TrimSpace(m.Request.Token) == "" {
		return fmt.Errorf("command: token is required")
	}
	decision := strings.ToLower(strings.TrimSpace(m.Request.Decision))
	if decision != core.DecisionApprove && decision != core.DecisionHold {
		return fmt.Errorf("command: decision must be %q or %q", core.DecisionApprove, core.DecisionHold)
	}
	return nil
}

type RevokeRunMessage struct {
	Token  string
	Reason string
}

func (RevokeRunMessage) Type() string { return TypeRevokeRun }

func (m RevokeRunMessage) Validate() error {
	if strings.TrimSpace(m.Token) == "" {
		return fmt.Errorf("command: token is required")
	}
	return nil
}

type ReplayDeliveryMessage struct {
	IdempotencyKey string
	ResetAttempts  bool
}

func (ReplayDeliveryMessage) Type() string { return TypeReplayDelivery }

func (m ReplayDeliveryMessage) Validate() error {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return fmt.Errorf("command: idempotency key is required")
	}
	return nil
}

type DrainDeliveriesMessage struct{}

func (DrainDeliveriesMessage) Type() string { return TypeDrainDeliveries }
