// Package charm is the unit's coordinating handler. It receives lifecycle
// events and named actions, consults the key manager and the cluster
// coordinator to decide whether to generate, wait for, or adopt the SSH key
// pair, and runs remote operations through the SSH proxy.
package charm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/leadership"
	"github.com/charmed-osm/vyos-config/internal/logging"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
	"github.com/charmed-osm/vyos-config/internal/state"
)

// Lifecycle event names.
const (
	EventInstall             = "install"
	EventStart               = "start"
	EventConfigChanged       = "config-changed"
	EventUpgradeCharm        = "upgrade-charm"
	EventPeerRelationChanged = "peer-relation-changed"
)

// Action names.
const (
	ActionRun                  = "run"
	ActionTouch                = "touch"
	ActionReboot               = "reboot"
	ActionGenerateSSHKey       = "generate-ssh-key"
	ActionGetSSHPublicKey      = "get-ssh-public-key"
	ActionVerifySSHCredentials = "verify-ssh-credentials"
)

var (
	ErrUnknownEvent  = errors.New("unknown event")
	ErrUnknownAction = errors.New("unknown action")
)

// KeyStore is the local key material the charm manages.
type KeyStore interface {
	HasKey() bool
	GenerateKey() bool
	GetPublicKey() (string, error)
	GetPrivateKey() (string, error)
	WriteKeys(publicKey, privateKey string) error
}

// RemoteShell runs commands on the VNF.
type RemoteShell interface {
	Run(ctx context.Context, command string) (stdout, stderr string)
	// Exec reports transport failures in err and leaves stderr to the remote side.
	Exec(ctx context.Context, command string) (stdout, stderr string, err error)
	VerifyCredentials(ctx context.Context) bool
}

// ShellFactory builds a RemoteShell for the configured target.
type ShellFactory func(target sshproxy.Target) RemoteShell

// ConfigSource supplies the current charm config options.
type ConfigSource interface {
	Options(ctx context.Context) (map[string]string, error)
}

// Outcome is the result of a handled event. A deferred event must be
// delivered again later.
type Outcome struct {
	Deferred bool   `json:"deferred"`
	Reason   string `json:"reason,omitempty"`
}

func Done() Outcome { return Outcome{} }

func Deferred(reason string) Outcome { return Outcome{Deferred: true, Reason: reason} }

// EventHandler handles one lifecycle event. An error means the unit could not
// recover on its own.
type EventHandler func(ctx context.Context) (Outcome, error)

// ActionHandler runs one action, reporting through ac.
type ActionHandler func(ctx context.Context, ac *ActionContext)

// Deps are the collaborators a Charm is built from.
type Deps struct {
	Keys         KeyStore
	Cluster      *peers.Coordinator
	Leader       leadership.Checker
	State        *state.Store
	Config       ConfigSource
	NewShell     ShellFactory
	PeerRelation string
	Logger       *zap.Logger
	// IsSecret reports options whose values must never be logged.
	IsSecret func(option string) bool
}

type Charm struct {
	keys         KeyStore
	cluster      *peers.Coordinator
	leader       leadership.Checker
	config       ConfigSource
	newShell     ShellFactory
	isSecret     func(string) bool
	logger       *zap.Logger
	peerRelation string

	installed   state.Value[bool]
	status      state.Value[Status]
	fingerprint state.Value[string]

	events  map[string]EventHandler
	actions map[string]ActionHandler
}

func New(d Deps) *Charm {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.IsSecret == nil {
		d.IsSecret = func(string) bool { return false }
	}
	if d.Cluster == nil {
		d.Cluster = peers.NewCoordinator(nil)
	}
	if d.PeerRelation == "" {
		d.PeerRelation = "proxypeer"
	}

	c := &Charm{
		keys:         d.Keys,
		cluster:      d.Cluster,
		leader:       d.Leader,
		config:       d.Config,
		newShell:     d.NewShell,
		isSecret:     d.IsSecret,
		logger:       d.Logger.Named("charm"),
		peerRelation: d.PeerRelation,
		installed:    state.NewValue[bool](d.State, state.KeyInstalled),
		status:       state.NewValue[Status](d.State, state.KeyUnitStatus),
		fingerprint:  state.NewValue[string](d.State, state.KeyAdoptedFingerprint),
	}

	c.events = map[string]EventHandler{
		EventInstall:             c.onInstall,
		EventStart:               c.ensureKeys,
		EventConfigChanged:       c.onConfigChanged,
		EventUpgradeCharm:        c.onInstall,
		EventPeerRelationChanged: c.ensureKeys,
	}
	c.events[c.PeerRelationChangedEvent()] = c.ensureKeys

	c.actions = map[string]ActionHandler{
		ActionRun:                  c.leaderOnly(c.onRun),
		ActionTouch:                c.leaderOnly(c.onTouch),
		ActionReboot:               c.leaderOnly(c.onReboot),
		ActionGenerateSSHKey:       c.leaderOnly(c.onGenerateSSHKey),
		ActionGetSSHPublicKey:      c.onGetSSHPublicKey,
		ActionVerifySSHCredentials: c.onVerifySSHCredentials,
	}
	return c
}

// PeerRelationChangedEvent is the relation-specific name of the peer change
// event, e.g. proxypeer-relation-changed.
func (c *Charm) PeerRelationChangedEvent() string {
	return c.peerRelation + "-relation-changed"
}

// Events lists the handled event names, sorted.
func (c *Charm) Events() []string {
	return sortedKeys(c.events)
}

// Actions lists the handled action names, sorted.
func (c *Charm) Actions() []string {
	return sortedKeys(c.actions)
}

// HandleEvent delivers one lifecycle event.
func (c *Charm) HandleEvent(ctx context.Context, name string) (Outcome, error) {
	h, ok := c.events[name]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	c.logger.Debug("handling event", zap.String("event", name))
	return h(ctx)
}

// RunAction runs a named action. Action failures are reported through ac,
// not as an error.
func (c *Charm) RunAction(ctx context.Context, name string, ac *ActionContext) error {
	h, ok := c.actions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	ac.Name = name
	h(ctx, ac)
	if ac.Failed() {
		c.logger.Info("action failed", zap.String("action", name), zap.String("message", ac.Message()))
	} else {
		c.logger.Info("action completed", zap.String("action", name))
	}
	return nil
}

func (c *Charm) onInstall(ctx context.Context) (Outcome, error) {
	if err := c.setStatus(ctx, StatusMaintenance, "Installing"); err != nil {
		return Outcome{}, err
	}
	if err := c.installed.Set(ctx, true); err != nil {
		return Outcome{}, err
	}
	c.logger.Info("installed")
	return Done(), c.refreshStatus(ctx)
}

func (c *Charm) onConfigChanged(ctx context.Context) (Outcome, error) {
	opts, err := c.config.Options(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read config: %w", err)
	}
	for _, key := range sortedKeys(opts) {
		value := opts[key]
		if c.isSecret(key) {
			value = logging.Mask(value)
		}
		c.logger.Info("config option", zap.String("key", key), zap.String("value", value))
	}
	return Done(), c.refreshStatus(ctx)
}

func (c *Charm) target(ctx context.Context) (sshproxy.Target, error) {
	opts, err := c.config.Options(ctx)
	if err != nil {
		return sshproxy.Target{}, fmt.Errorf("read config: %w", err)
	}
	return targetFromOptions(opts), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
