package charm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Unit status names.
const (
	StatusMaintenance = "maintenance"
	StatusActive      = "active"
	StatusWaiting     = "waiting"
	StatusBlocked     = "blocked"
)

// Status messages that callers match on.
const (
	MsgReady               = "Ready"
	MsgNotJoined           = "Waiting for peer relation"
	MsgWaitingForKeys      = "Waiting for leader to publish SSH keys"
	MsgKeyGenerationFailed = "Unable to generate SSH key"
	MsgHostnameMissing     = "SSH hostname not configured"
)

// Status is the unit's workload status.
type Status struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Status returns the last persisted status, "unknown" before the first event.
func (c *Charm) Status(ctx context.Context) (Status, error) {
	st, ok, err := c.status.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{Name: "unknown"}, nil
	}
	return st, nil
}

// SetStatus records a status chosen outside the charm, such as the
// dispatcher giving up on a deferred event.
func (c *Charm) SetStatus(ctx context.Context, name, message string) error {
	return c.setStatus(ctx, name, message)
}

func (c *Charm) setStatus(ctx context.Context, name, message string) error {
	prev, _, _ := c.status.Get(ctx)
	next := Status{Name: name, Message: message}
	if prev == next {
		return nil
	}
	if err := c.status.Set(ctx, next); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	c.logger.Info("unit status", zap.String("status", name), zap.String("message", message))
	return nil
}

// refreshStatus derives the steady-state status from local keys and config.
// A blocked status is kept while the unit still has no key, since nothing
// short of operator action will clear it.
func (c *Charm) refreshStatus(ctx context.Context) error {
	if !c.keys.HasKey() {
		cur, err := c.Status(ctx)
		if err != nil {
			return err
		}
		if cur.Name == StatusBlocked {
			return nil
		}
		if !c.cluster.IsJoined() {
			return c.setStatus(ctx, StatusWaiting, MsgNotJoined)
		}
		return c.setStatus(ctx, StatusWaiting, MsgWaitingForKeys)
	}

	target, err := c.target(ctx)
	if err != nil {
		return err
	}
	if !target.Configured() {
		return c.setStatus(ctx, StatusBlocked, MsgHostnameMissing)
	}
	return c.setStatus(ctx, StatusActive, MsgReady)
}
