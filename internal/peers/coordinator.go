package peers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/crypto"
)

// Peer data keys holding the cluster key pair.
const (
	PublicKeyEntry  = "ssh_public_key"
	PrivateKeyEntry = "ssh_private_key"
)

const sealedPrefix = "fernet:"

var (
	// ErrNotJoined is returned when the unit has no peer relation.
	ErrNotJoined = errors.New("peer relation not joined")
	// ErrNotInitialized is returned when a key entry has not been published.
	ErrNotInitialized = errors.New("cluster keys not published")
	// ErrAlreadyInitialized is returned by PublishKeys once both entries exist.
	ErrAlreadyInitialized = errors.New("cluster keys already published")
	// ErrSealed is returned when a sealed entry is read without a sealer.
	ErrSealed = errors.New("peer data entry is sealed and no peer data key is configured")
)

// ClusterState is a point-in-time view of the shared key entries.
type ClusterState struct {
	IsJoined      bool    `json:"is_joined"`
	IsInitialized bool    `json:"is_initialized"`
	PublicKey     *string `json:"public_key,omitempty"`
	PrivateKey    *string `json:"-"`
}

// Coordinator reads and writes the cluster key pair in the peer relation.
// It keeps no state of its own: every predicate reads the relation afresh.
type Coordinator struct {
	relation Relation
	sealer   *crypto.Sealer
	logger   *zap.Logger
}

type CoordinatorOption func(*Coordinator)

// WithSealer encrypts the private key entry with the shared peer data key.
func WithSealer(s *crypto.Sealer) CoordinatorOption {
	return func(c *Coordinator) { c.sealer = s }
}

func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("cluster")
		}
	}
}

// NewCoordinator wraps rel. A nil rel means the unit has not joined a peer
// relation.
func NewCoordinator(rel Relation, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{relation: rel, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Relation returns the underlying relation, or nil when not joined.
func (c *Coordinator) Relation() Relation {
	return c.relation
}

func (c *Coordinator) IsJoined() bool {
	return c.relation != nil
}

// IsClusterInitialized reports whether both key entries are present.
func (c *Coordinator) IsClusterInitialized(ctx context.Context) (bool, error) {
	if !c.IsJoined() {
		return false, nil
	}
	_, pubOK, err := c.get(ctx, PublicKeyEntry)
	if err != nil {
		return false, err
	}
	_, privOK, err := c.get(ctx, PrivateKeyEntry)
	if err != nil {
		return false, err
	}
	return pubOK && privOK, nil
}

func (c *Coordinator) PublicKey(ctx context.Context) (string, error) {
	return c.read(ctx, PublicKeyEntry)
}

// PrivateKey returns the published private key, unsealing it if needed.
func (c *Coordinator) PrivateKey(ctx context.Context) (string, error) {
	raw, err := c.read(ctx, PrivateKeyEntry)
	if err != nil {
		return "", err
	}
	return c.open(raw)
}

// PublishKeys writes both entries. It refuses to overwrite a published pair.
func (c *Coordinator) PublishKeys(ctx context.Context, publicKey, privateKey string) error {
	if !c.IsJoined() {
		return ErrNotJoined
	}
	initialized, err := c.IsClusterInitialized(ctx)
	if err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	if initialized {
		return ErrAlreadyInitialized
	}

	sealed, err := c.seal(privateKey)
	if err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	// Private first: a reader that sees the public entry sees a complete pair.
	if err := c.relation.Set(ctx, PrivateKeyEntry, sealed); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	if err := c.relation.Set(ctx, PublicKeyEntry, publicKey); err != nil {
		return fmt.Errorf("publish keys: %w", err)
	}
	c.logger.Info("published cluster ssh keys", zap.Bool("sealed", c.sealer != nil))
	return nil
}

// State reads both entries at once.
func (c *Coordinator) State(ctx context.Context) (ClusterState, error) {
	st := ClusterState{IsJoined: c.IsJoined()}
	if !st.IsJoined {
		return st, nil
	}

	pub, pubOK, err := c.get(ctx, PublicKeyEntry)
	if err != nil {
		return st, err
	}
	rawPriv, privOK, err := c.get(ctx, PrivateKeyEntry)
	if err != nil {
		return st, err
	}
	if pubOK {
		st.PublicKey = &pub
	}
	if privOK {
		priv, err := c.open(rawPriv)
		if err != nil {
			return st, err
		}
		st.PrivateKey = &priv
	}
	st.IsInitialized = pubOK && privOK
	return st, nil
}

func (c *Coordinator) read(ctx context.Context, key string) (string, error) {
	if !c.IsJoined() {
		return "", ErrNotJoined
	}
	val, ok, err := c.get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return val, nil
}

// get treats an empty entry as absent.
func (c *Coordinator) get(ctx context.Context, key string) (string, bool, error) {
	val, ok, err := c.relation.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return val, ok && val != "", nil
}

func (c *Coordinator) seal(value string) (string, error) {
	if c.sealer == nil {
		return value, nil
	}
	tok, err := c.sealer.Seal(value)
	if err != nil {
		return "", err
	}
	return sealedPrefix + tok, nil
}

func (c *Coordinator) open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	if c.sealer == nil {
		return "", ErrSealed
	}
	plain, err := c.sealer.Open(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("unseal private key: %w", err)
	}
	return plain, nil
}
