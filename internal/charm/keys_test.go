package charm

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
)

func TestLeaderFollowerKeyPropagation(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	generated := new(int32)

	leader := newUnit(t, dbPath, unitOpts{name: "vyos-config/0", leader: true, generated: generated})
	follower := newUnit(t, dbPath, unitOpts{name: "vyos-config/1", generated: generated})
	leader.configure(t, map[string]string{OptHostname: "10.0.0.5"})

	// The follower starts first and has to wait.
	out, err := follower.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)
	assert.True(t, out.Deferred)
	assert.False(t, follower.keys.HasKey())
	assert.Equal(t, Status{Name: StatusWaiting, Message: MsgWaitingForKeys}, follower.status(t))

	// Still waiting when peer data changes without the keys.
	require.NoError(t, leader.relation.Set(ctx, "unrelated", "x"))
	out, err = follower.charm.HandleEvent(ctx, "proxypeer-relation-changed")
	require.NoError(t, err)
	assert.True(t, out.Deferred)

	out, err = leader.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	assert.True(t, leader.keys.HasKey())
	assert.Equal(t, Status{Name: StatusActive, Message: MsgReady}, leader.status(t))

	st, err := leader.charm.ClusterState(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsInitialized)

	out, err = follower.charm.HandleEvent(ctx, EventPeerRelationChanged)
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	assert.Equal(t, Status{Name: StatusActive, Message: MsgReady}, follower.status(t))

	leaderKP, err := leader.keys.KeyPair()
	require.NoError(t, err)
	followerKP, err := follower.keys.KeyPair()
	require.NoError(t, err)
	assert.Equal(t, leaderKP, followerKP)

	fp, err := follower.charm.AdoptedFingerprint(ctx)
	require.NoError(t, err)
	want, err := sshkeys.Fingerprint(leaderKP.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, want, fp)

	// Later starts are no-ops on both units.
	for _, u := range []*testUnit{leader, follower} {
		out, err = u.charm.HandleEvent(ctx, EventStart)
		require.NoError(t, err)
		assert.False(t, out.Deferred)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(generated))
}

func TestStartNotJoinedDefers(t *testing.T) {
	u := newSingleUnit(t, unitOpts{leader: true, notJoined: true})

	out, err := u.charm.HandleEvent(context.Background(), EventStart)
	require.NoError(t, err)
	assert.Equal(t, Deferred("peer relation not joined"), out)
	assert.Equal(t, Status{Name: StatusWaiting, Message: MsgNotJoined}, u.status(t))
	assert.Zero(t, atomic.LoadInt32(u.generated))
}

func TestStartWithLocalKeyIsDone(t *testing.T) {
	u := newSingleUnit(t, unitOpts{notJoined: true})
	require.True(t, u.keys.KeyManager.GenerateKey())

	out, err := u.charm.HandleEvent(context.Background(), EventStart)
	require.NoError(t, err)
	assert.Equal(t, Done(), out)
	assert.Equal(t, Status{Name: StatusBlocked, Message: MsgHostnameMissing}, u.status(t))
}

func TestLeaderAdoptsPublishedKeys(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{leader: true})

	pub, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, peers.NewCoordinator(u.relation).PublishKeys(ctx, string(pub), string(priv)))

	out, err := u.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)
	assert.False(t, out.Deferred)
	assert.Zero(t, atomic.LoadInt32(u.generated))

	got, err := u.keys.GetPrivateKey()
	require.NoError(t, err)
	assert.Equal(t, string(priv), got)
}

func TestLeaderRepublishesLocalKey(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{leader: true})
	require.True(t, u.keys.KeyManager.GenerateKey())

	_, err := u.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)

	st, err := u.charm.ClusterState(ctx)
	require.NoError(t, err)
	require.True(t, st.IsInitialized)
	pub, err := u.keys.GetPublicKey()
	require.NoError(t, err)
	assert.Equal(t, pub, *st.PublicKey)
	assert.Zero(t, atomic.LoadInt32(u.generated))
}

func TestFollowerWithLocalKeyDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{leader: false})
	require.True(t, u.keys.KeyManager.GenerateKey())

	_, err := u.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)

	st, err := u.charm.ClusterState(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsInitialized)
}

func TestGenerationFailureBlocks(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{leader: true, failGen: true})

	out, err := u.charm.HandleEvent(ctx, EventStart)
	require.NoError(t, err)
	assert.False(t, out.Deferred, "generation failure is not retried")
	assert.Equal(t, Status{Name: StatusBlocked, Message: MsgKeyGenerationFailed}, u.status(t))

	st, err := u.charm.ClusterState(ctx)
	require.NoError(t, err)
	assert.False(t, st.IsInitialized)

	// Re-evaluating status keeps the unit blocked.
	_, err = u.charm.HandleEvent(ctx, EventConfigChanged)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, u.status(t).Name)
}

func TestAdoptRejectsMismatchedPair(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{})

	pub, _, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	_, priv, err := sshkeys.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, u.relation.Set(ctx, peers.PublicKeyEntry, string(pub)))
	require.NoError(t, u.relation.Set(ctx, peers.PrivateKeyEntry, string(priv)))

	_, err = u.charm.HandleEvent(ctx, EventPeerRelationChanged)
	assert.Error(t, err)
	assert.False(t, u.keys.HasKey())
}

func TestManyFollowersOneGeneration(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	generated := new(int32)

	units := []*testUnit{
		newUnit(t, dbPath, unitOpts{name: "vyos-config/1", generated: generated}),
		newUnit(t, dbPath, unitOpts{name: "vyos-config/2", generated: generated}),
		newUnit(t, dbPath, unitOpts{name: "vyos-config/0", leader: true, generated: generated}),
		newUnit(t, dbPath, unitOpts{name: "vyos-config/3", generated: generated}),
	}

	// Deliver start then peer change to every unit, twice over.
	for round := 0; round < 2; round++ {
		for _, u := range units {
			_, err := u.charm.HandleEvent(ctx, EventStart)
			require.NoError(t, err)
			_, err = u.charm.HandleEvent(ctx, EventPeerRelationChanged)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(generated))
	want, err := units[2].keys.KeyPair()
	require.NoError(t, err)
	for _, u := range units {
		got, err := u.keys.KeyPair()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
