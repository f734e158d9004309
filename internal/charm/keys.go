package charm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/charmed-osm/vyos-config/internal/crypto"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
)

// ensureKeys runs on start and whenever peer data changes. The leader
// generates the cluster key pair once and publishes it; every other unit
// waits until it is published and adopts it.
func (c *Charm) ensureKeys(ctx context.Context) (Outcome, error) {
	if c.keys.HasKey() {
		if err := c.publishLocalIfUnpublished(ctx); err != nil {
			return c.peerUnavailable("publish local key", err), nil
		}
		return Done(), c.refreshStatus(ctx)
	}

	if !c.cluster.IsJoined() {
		if err := c.setStatus(ctx, StatusWaiting, MsgNotJoined); err != nil {
			return Outcome{}, err
		}
		return Deferred("peer relation not joined"), nil
	}

	isLeader, err := c.leader.IsLeader(ctx)
	if err != nil {
		return c.peerUnavailable("check leadership", err), nil
	}
	initialized, err := c.cluster.IsClusterInitialized(ctx)
	if err != nil {
		return c.peerUnavailable("check cluster", err), nil
	}

	if initialized {
		return c.adoptKeys(ctx)
	}
	if !isLeader {
		if err := c.setStatus(ctx, StatusWaiting, MsgWaitingForKeys); err != nil {
			return Outcome{}, err
		}
		return Deferred("waiting for leader to publish SSH keys"), nil
	}

	if err := c.setStatus(ctx, StatusMaintenance, "Generating SSH keys"); err != nil {
		return Outcome{}, err
	}
	if !c.keys.GenerateKey() {
		// Not retried: a unit that cannot write its key directory needs an operator.
		return Done(), c.setStatus(ctx, StatusBlocked, MsgKeyGenerationFailed)
	}
	if err := c.publishLocal(ctx); err != nil {
		if errors.Is(err, peers.ErrAlreadyInitialized) {
			// Another leader won; its pair is authoritative.
			c.logger.Warn("cluster keys published concurrently, adopting them")
			return c.adoptKeys(ctx)
		}
		// The local key stays; the retry publishes it.
		return c.peerUnavailable("publish keys", err), nil
	}
	return Done(), c.refreshStatus(ctx)
}

// peerUnavailable defers an event whose peer data or leadership read failed,
// so the read is retried instead of blocking the unit.
func (c *Charm) peerUnavailable(op string, err error) Outcome {
	c.logger.Warn("peer data unavailable, deferring", zap.String("op", op), zap.Error(err))
	return Deferred(fmt.Sprintf("%s: %v", op, err))
}

// publishLocalIfUnpublished publishes local keys when this unit is a joined
// leader and the shared channel is still empty, e.g. after a failed publish.
func (c *Charm) publishLocalIfUnpublished(ctx context.Context) error {
	if !c.cluster.IsJoined() {
		return nil
	}
	initialized, err := c.cluster.IsClusterInitialized(ctx)
	if err != nil || initialized {
		return err
	}
	isLeader, err := c.leader.IsLeader(ctx)
	if err != nil {
		c.logger.Warn("leadership check failed", zap.Error(err))
		return nil
	}
	if !isLeader {
		return nil
	}
	err = c.publishLocal(ctx)
	if errors.Is(err, peers.ErrAlreadyInitialized) {
		return nil
	}
	return err
}

func (c *Charm) publishLocal(ctx context.Context) error {
	pub, err := c.keys.GetPublicKey()
	if err != nil {
		return fmt.Errorf("read generated key: %w", err)
	}
	priv, err := c.keys.GetPrivateKey()
	if err != nil {
		return fmt.Errorf("read generated key: %w", err)
	}
	if err := c.cluster.PublishKeys(ctx, pub, priv); err != nil {
		return err
	}
	fp, _ := sshkeys.Fingerprint(pub)
	c.logger.Info("published cluster key pair", zap.String("fingerprint", fp))
	return nil
}

// adoptKeys pulls the published pair and writes it locally, replacing
// whatever the unit had.
func (c *Charm) adoptKeys(ctx context.Context) (Outcome, error) {
	pub, err := c.cluster.PublicKey(ctx)
	if err != nil {
		return c.peerUnavailable("read published key", err), nil
	}
	priv, err := c.cluster.PrivateKey(ctx)
	if errors.Is(err, peers.ErrSealed) || errors.Is(err, crypto.ErrInvalidToken) {
		return Outcome{}, fmt.Errorf("read published key: %w", err)
	}
	if err != nil {
		return c.peerUnavailable("read published key", err), nil
	}
	if err := sshkeys.VerifyPair(pub, priv); err != nil {
		return Outcome{}, fmt.Errorf("published key pair rejected: %w", err)
	}
	if err := c.keys.WriteKeys(pub, priv); err != nil {
		return Outcome{}, err
	}

	fp, _ := sshkeys.Fingerprint(pub)
	if err := c.fingerprint.Set(ctx, fp); err != nil {
		return Outcome{}, err
	}
	c.logger.Info("adopted cluster key pair", zap.String("fingerprint", fp))
	return Done(), c.refreshStatus(ctx)
}

// AdoptedFingerprint returns the fingerprint of the pair this unit last
// adopted from the cluster, or "".
func (c *Charm) AdoptedFingerprint(ctx context.Context) (string, error) {
	fp, _, err := c.fingerprint.Get(ctx)
	return fp, err
}

// ClusterState exposes the coordinator's view for status reporting.
func (c *Charm) ClusterState(ctx context.Context) (peers.ClusterState, error) {
	return c.cluster.State(ctx)
}

// PublicKey returns the local public key.
func (c *Charm) PublicKey() (string, error) {
	return c.keys.GetPublicKey()
}
