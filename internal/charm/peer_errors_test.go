package charm

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/charmed-osm/vyos-config/internal/peers"
)

var errRelationDown = errors.New("relation data unavailable")

// flakyRelation fails every Get and Set while down is set.
type flakyRelation struct {
	peers.Relation
	down atomic.Bool
}

func (r *flakyRelation) Get(ctx context.Context, key string) (string, bool, error) {
	if r.down.Load() {
		return "", false, errRelationDown
	}
	return r.Relation.Get(ctx, key)
}

func (r *flakyRelation) Set(ctx context.Context, key, value string) error {
	if r.down.Load() {
		return errRelationDown
	}
	return r.Relation.Set(ctx, key, value)
}

func TestFollowerDefersWhenPeerReadFails(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	generated := new(int32)

	leader := newUnit(t, dbPath, unitOpts{name: "vyos-config/0", leader: true, generated: generated})
	follower := newUnit(t, dbPath, unitOpts{name: "vyos-config/1", generated: generated})

	flaky := &flakyRelation{Relation: follower.relation}
	flaky.down.Store(true)
	follower.charm.cluster = peers.NewCoordinator(flaky)

	out, err := follower.charm.HandleEvent(ctx, EventStart)
	if err != nil {
		t.Fatalf("start with unreadable peer data: %v", err)
	}
	if !out.Deferred {
		t.Fatalf("start outcome = %+v, want deferred", out)
	}
	if st := follower.status(t); st.Name == StatusBlocked {
		t.Fatalf("follower blocked on a transient read error: %+v", st)
	}

	if _, err := leader.charm.HandleEvent(ctx, EventStart); err != nil {
		t.Fatalf("leader start: %v", err)
	}
	flaky.down.Store(false)

	out, err = follower.charm.HandleEvent(ctx, EventStart)
	if err != nil {
		t.Fatalf("redelivered start: %v", err)
	}
	if out.Deferred {
		t.Fatalf("redelivered start deferred again: %s", out.Reason)
	}

	want, err := leader.keys.GetPublicKey()
	if err != nil {
		t.Fatalf("leader public key: %v", err)
	}
	got, err := follower.keys.GetPublicKey()
	if err != nil {
		t.Fatalf("follower public key: %v", err)
	}
	if got != want {
		t.Errorf("follower key = %q, want the leader's %q", got, want)
	}
	if n := atomic.LoadInt32(generated); n != 1 {
		t.Errorf("generated %d key pairs, want 1", n)
	}
}

func TestLeaderKeepsLocalKeyWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	u := newSingleUnit(t, unitOpts{leader: true})

	// Reads succeed so the leader generates, then the publish fails.
	u.charm.cluster = peers.NewCoordinator(&failingSetRelation{Relation: u.relation})

	out, err := u.charm.HandleEvent(ctx, EventStart)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !out.Deferred {
		t.Fatalf("start outcome = %+v, want deferred", out)
	}
	if !u.keys.HasKey() {
		t.Fatal("local key discarded after a failed publish")
	}

	u.charm.cluster = peers.NewCoordinator(u.relation)
	out, err = u.charm.HandleEvent(ctx, EventStart)
	if err != nil || out.Deferred {
		t.Fatalf("retried start = %+v, %v; want done", out, err)
	}
	st, err := u.charm.ClusterState(ctx)
	if err != nil {
		t.Fatalf("cluster state: %v", err)
	}
	local, _ := u.keys.GetPublicKey()
	if !st.IsInitialized || *st.PublicKey != local {
		t.Errorf("published state = %+v, want the local key", st)
	}
	if n := atomic.LoadInt32(u.generated); n != 1 {
		t.Errorf("generated %d key pairs, want 1", n)
	}
}

type failingSetRelation struct {
	peers.Relation
}

func (failingSetRelation) Set(context.Context, string, string) error {
	return errRelationDown
}
