package charm

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/crypto"
	"github.com/charmed-osm/vyos-config/internal/database"
	"github.com/charmed-osm/vyos-config/internal/leadership"
	"github.com/charmed-osm/vyos-config/internal/peers"
	"github.com/charmed-osm/vyos-config/internal/sshkeys"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
	"github.com/charmed-osm/vyos-config/internal/state"
)

// countingKeys counts GenerateKey calls across every unit sharing generated.
type countingKeys struct {
	*sshkeys.KeyManager
	generated *int32
	fail      bool
}

func (k countingKeys) GenerateKey() bool {
	atomic.AddInt32(k.generated, 1)
	if k.fail {
		return false
	}
	return k.KeyManager.GenerateKey()
}

type testUnit struct {
	charm     *Charm
	keys      countingKeys
	config    *ConfigStore
	db        *gorm.DB
	relation  *peers.SQLRelation
	shells    *int32
	generated *int32
}

type unitOpts struct {
	name      string
	leader    bool
	notJoined bool
	failGen   bool
	generated *int32
	logger    *zap.Logger
}

// newUnit builds a unit over the database file at dbPath. Units sharing
// dbPath share the peer relation, as units of one application do.
func newUnit(t *testing.T, dbPath string, o unitOpts) *testUnit {
	t.Helper()
	if o.name == "" {
		o.name = "vyos-config/0"
	}
	if o.generated == nil {
		o.generated = new(int32)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	db := database.OpenTestDB(t, dbPath)
	meta, err := charmmeta.Load()
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(crypto.GenerateKey())
	require.NoError(t, err)

	cfg := NewConfigStore(db, meta, sealer)
	require.NoError(t, cfg.Seed(context.Background()))

	rel := peers.NewSQLRelation(db, "proxypeer", "vyos-config")
	var coord *peers.Coordinator
	if o.notJoined {
		coord = peers.NewCoordinator(nil)
	} else {
		coord = peers.NewCoordinator(rel)
	}

	keys := countingKeys{
		KeyManager: sshkeys.NewKeyManager(filepath.Join(t.TempDir(), "ssh"), zap.NewNop()),
		generated:  o.generated,
		fail:       o.failGen,
	}
	shells := new(int32)

	c := New(Deps{
		Keys:    keys,
		Cluster: coord,
		Leader:  leadership.Static(o.leader),
		State:   state.NewStore(db, o.name),
		Config:  cfg,
		NewShell: func(target sshproxy.Target) RemoteShell {
			atomic.AddInt32(shells, 1)
			return sshproxy.New(target, sshproxy.WithConnectTimeout(2*time.Second))
		},
		PeerRelation: "proxypeer",
		Logger:       o.logger,
		IsSecret:     meta.IsSecret,
	})

	return &testUnit{
		charm:     c,
		keys:      keys,
		config:    cfg,
		db:        db,
		relation:  rel,
		shells:    shells,
		generated: o.generated,
	}
}

func newSingleUnit(t *testing.T, o unitOpts) *testUnit {
	t.Helper()
	return newUnit(t, filepath.Join(t.TempDir(), "unit.db"), o)
}

func (u *testUnit) status(t *testing.T) Status {
	t.Helper()
	st, err := u.charm.Status(context.Background())
	require.NoError(t, err)
	return st
}

func (u *testUnit) configure(t *testing.T, opts map[string]string) {
	t.Helper()
	for k, v := range opts {
		require.NoError(t, u.config.Set(context.Background(), k, v))
	}
}

func (u *testUnit) runAction(t *testing.T, name string, params map[string]any) *ActionContext {
	t.Helper()
	ac := NewActionContext(params)
	require.NoError(t, u.charm.RunAction(context.Background(), name, ac))
	return ac
}
