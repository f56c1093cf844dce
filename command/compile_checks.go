package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ResolveDecisionMessage] = (*ResolveDecisionCommand)(nil)
	_ gocmd.Commander[RevokeRunMessage]       = (*RevokeRunCommand)(nil)
	_ gocmd.Commander[ReplayDeliveryMessage]  = (*ReplayDeliveryCommand)(nil)
	_ gocmd.Commander[DrainDeliveriesMessage] = (*DrainDeliveriesCommand)(nil)
)
