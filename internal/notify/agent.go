package notify

import (
	"context"
	"fmt"

	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/session"
	"github.com/mattjoyce/herald/internal/workitem"
)

// Deliverer runs the agent turn sequence. *session.Driver implements it.
type Deliverer interface {
	Deliver(ctx context.Context, items []workitem.Item, target *config.Target) (session.Report, error)
}

// AgentChannel notifies agent targets through a session driver.
type AgentChannel struct {
	driver Deliverer
}

func NewAgentChannel(driver Deliverer) *AgentChannel {
	return &AgentChannel{driver: driver}
}

func (c *AgentChannel) Send(ctx context.Context, items []workitem.Item, target *config.Target, _ Options) (Result, error) {
	if err := target.Validate(config.TypeAgent); err != nil {
		return Result{}, err
	}

	rep, err := c.driver.Deliver(ctx, items, target)
	if err != nil {
		return failed(err), nil
	}

	msg := fmt.Sprintf("delivered %d item(s) to %s in session %s", len(items), target.Name, rep.SessionID)
	if rep.StopReason != "" {
		msg += " (" + rep.StopReason + ")"
	}
	return Result{Success: true, Message: msg}, nil
}
