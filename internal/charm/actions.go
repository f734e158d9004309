package charm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
)

const (
	msgNotLeader  = "Unit is not leader"
	rebootCommand = "sudo reboot"
)

// ActionContext carries an action's parameters in and its results out.
type ActionContext struct {
	Name   string
	Params map[string]any

	results map[string]any
	failed  bool
	message string
}

func NewActionContext(params map[string]any) *ActionContext {
	if params == nil {
		params = map[string]any{}
	}
	return &ActionContext{Params: params, results: map[string]any{}}
}

// SetResults merges r into the action's results.
func (ac *ActionContext) SetResults(r map[string]any) {
	if ac.results == nil {
		ac.results = map[string]any{}
	}
	for k, v := range r {
		ac.results[k] = v
	}
}

// Fail marks the action failed. Results set before or after are kept.
func (ac *ActionContext) Fail(message string) {
	ac.failed = true
	ac.message = message
}

func (ac *ActionContext) Results() map[string]any { return ac.results }
func (ac *ActionContext) Failed() bool            { return ac.failed }
func (ac *ActionContext) Message() string         { return ac.message }

func (ac *ActionContext) stringParam(name string) string {
	s, _ := ac.Params[name].(string)
	return s
}

// leaderOnly fails the action on non-leaders before h can touch anything.
func (c *Charm) leaderOnly(h ActionHandler) ActionHandler {
	return func(ctx context.Context, ac *ActionContext) {
		ok, err := c.leader.IsLeader(ctx)
		if err != nil {
			c.logger.Warn("leadership check failed", zap.String("action", ac.Name), zap.Error(err))
		}
		if !ok {
			ac.Fail(msgNotLeader)
			return
		}
		h(ctx, ac)
	}
}

// shell returns a RemoteShell for the configured target, or fails the action
// when no hostname is configured.
func (c *Charm) shell(ctx context.Context, ac *ActionContext) (RemoteShell, bool) {
	target, err := c.target(ctx)
	if err != nil {
		ac.Fail(err.Error())
		return nil, false
	}
	if !target.Configured() {
		ac.SetResults(map[string]any{"success": false})
		ac.Fail(MsgHostnameMissing)
		return nil, false
	}
	return c.newShell(target), true
}

func (c *Charm) onRun(ctx context.Context, ac *ActionContext) {
	sh, ok := c.shell(ctx, ac)
	if !ok {
		return
	}
	stdout, stderr := sh.Run(ctx, ac.stringParam("command"))
	ac.SetResults(map[string]any{"output": stdout})
	if stderr != "" {
		ac.Fail(stderr)
	}
}

func (c *Charm) onTouch(ctx context.Context, ac *ActionContext) {
	sh, ok := c.shell(ctx, ac)
	if !ok {
		return
	}
	filename := ac.stringParam("filename")
	_, stderr := sh.Run(ctx, "touch "+sshproxy.ShellQuote(filename))
	if stderr != "" {
		ac.SetResults(map[string]any{"success": false})
		ac.Fail(stderr)
		return
	}
	ac.SetResults(map[string]any{"success": true})
}

// onReboot treats a session dropped before the exit status as success: the
// host going down takes the connection with it.
func (c *Charm) onReboot(ctx context.Context, ac *ActionContext) {
	sh, ok := c.shell(ctx, ac)
	if !ok {
		return
	}
	_, stderr, err := sh.Exec(ctx, rebootCommand)
	switch {
	case errors.Is(err, sshproxy.ErrConnectionLost):
		c.logger.Info("connection dropped by reboot", zap.String("stderr", stderr), zap.Error(err))
		return
	case err != nil:
		if stderr != "" {
			ac.Fail(stderr + "\n" + err.Error())
			return
		}
		ac.Fail(err.Error())
		return
	}
	if stderr != "" {
		ac.Fail(stderr)
	}
}

// onGenerateSSHKey generates a key only when neither the unit nor the cluster
// has one. An existing pair is reported back unchanged, and a published
// cluster pair is adopted instead of replaced.
func (c *Charm) onGenerateSSHKey(ctx context.Context, ac *ActionContext) {
	generated, err := c.generateKeyOnce(ctx)
	if err != nil {
		ac.Fail(err.Error())
		return
	}
	pub, err := c.keys.GetPublicKey()
	if err != nil {
		ac.Fail(fmt.Sprintf("get public key: %v", err))
		return
	}
	ac.SetResults(map[string]any{"pubkey": pub, "generated": generated})
	if err := c.refreshStatus(ctx); err != nil {
		c.logger.Warn("refresh status failed", zap.Error(err))
	}
}

func (c *Charm) generateKeyOnce(ctx context.Context) (bool, error) {
	if c.keys.HasKey() {
		return false, nil
	}
	if c.cluster.IsJoined() {
		initialized, err := c.cluster.IsClusterInitialized(ctx)
		if err != nil {
			return false, fmt.Errorf("check cluster: %w", err)
		}
		if initialized {
			return false, c.adoptForAction(ctx)
		}
	}

	if !c.keys.GenerateKey() {
		return false, errors.New(MsgKeyGenerationFailed)
	}
	if !c.cluster.IsJoined() {
		return true, nil
	}
	err := c.publishLocal(ctx)
	switch {
	case errors.Is(err, peers.ErrAlreadyInitialized):
		c.logger.Warn("cluster keys published concurrently, adopting them")
		return false, c.adoptForAction(ctx)
	case err != nil:
		// Published by the next start or peer change.
		c.logger.Warn("publish generated key failed", zap.Error(err))
	}
	return true, nil
}

func (c *Charm) adoptForAction(ctx context.Context) error {
	out, err := c.adoptKeys(ctx)
	if err != nil {
		return err
	}
	if out.Deferred {
		return errors.New(out.Reason)
	}
	return nil
}

func (c *Charm) onGetSSHPublicKey(ctx context.Context, ac *ActionContext) {
	pub, err := c.keys.GetPublicKey()
	if err != nil {
		ac.Fail(fmt.Sprintf("get public key: %v", err))
		return
	}
	ac.SetResults(map[string]any{"pubkey": pub})
}

func (c *Charm) onVerifySSHCredentials(ctx context.Context, ac *ActionContext) {
	target, err := c.target(ctx)
	if err != nil {
		ac.Fail(err.Error())
		return
	}
	verified := c.newShell(target).VerifyCredentials(ctx)
	ac.SetResults(map[string]any{"verified": verified})
}
