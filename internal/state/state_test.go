package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charmed-osm/vyos-config/internal/database"
)

type status struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore(database.NewTestDB(t), "unit/0")

	var installed bool
	ok, err := s.Get(ctx, KeyInstalled, &installed)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyInstalled, true))
	ok, err = s.Get(ctx, KeyInstalled, &installed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, installed)

	require.NoError(t, s.Delete(ctx, KeyInstalled))
	ok, err = s.Get(ctx, KeyInstalled, &installed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := database.NewTestDB(t)
	a := NewStore(db, "unit/0")
	b := NewStore(db, "unit/1")

	require.NoError(t, a.Set(ctx, "k", "a"))
	var v string
	ok, err := b.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValue_Typed(t *testing.T) {
	ctx := context.Background()
	st := NewValue[status](NewStore(database.NewTestDB(t), "unit/0"), KeyUnitStatus)

	got, ok, err := st.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, status{}, got)

	require.NoError(t, st.Set(ctx, status{Name: "waiting", Message: "keys"}))
	require.NoError(t, st.Set(ctx, status{Name: "active", Message: "ready"}))

	got, ok, err = st.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, status{Name: "active", Message: "ready"}, got)
}

func TestStore_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "unit.db")

	db := database.OpenTestDB(t, path)
	require.NoError(t, NewStore(db, "unit/0").Set(ctx, KeyAdoptedFingerprint, "SHA256:abc"))
	require.NoError(t, database.Close(db))

	reopened := database.OpenTestDB(t, path)
	fp, ok, err := NewValue[string](NewStore(reopened, "unit/0"), KeyAdoptedFingerprint).Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SHA256:abc", fp)
}

func TestStore_DecodeError(t *testing.T) {
	ctx := context.Background()
	s := NewStore(database.NewTestDB(t), "unit/0")
	require.NoError(t, s.Set(ctx, "k", "text"))

	var n int
	_, err := s.Get(ctx, "k", &n)
	assert.Error(t, err)
}
