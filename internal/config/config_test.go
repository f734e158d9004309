package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VYOS_DATA_PATH", dir)

	require.NoError(t, Load())
	assert.Equal(t, filepath.Join(dir, "charm.db"), Cfg.DatabasePath)
	assert.Equal(t, filepath.Join(dir, "charm.log"), Cfg.LogPath)
	assert.Equal(t, filepath.Join(dir, "ssh"), Cfg.KeyDir())
	assert.Equal(t, PeerBackendSQLite, Cfg.PeerBackend)
	assert.Equal(t, LeadershipStatic, Cfg.Leadership)
	assert.True(t, Cfg.Leader)
	assert.Equal(t, 30*time.Second, Cfg.SSHConnectTimeout)
	assert.Equal(t, 5*time.Minute, Cfg.SSHCommandTimeout)
	assert.Equal(t, time.Hour, Cfg.DeferTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VYOS_DATA_PATH", t.TempDir())
	t.Setenv("VYOS_DATABASE_PATH", "/tmp/other.db")
	t.Setenv("VYOS_LEADER", "false")
	t.Setenv("VYOS_SSH_COMMAND_TIMEOUT", "10s")

	require.NoError(t, Load())
	assert.Equal(t, "/tmp/other.db", Cfg.DatabasePath)
	assert.False(t, Cfg.Leader)
	assert.Equal(t, 10*time.Second, Cfg.SSHCommandTimeout)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("VYOS_PEER_BACKEND", "etcd")
	err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown peer backend")
}

func TestValidateBackoff(t *testing.T) {
	s := Settings{
		PeerBackend:         PeerBackendNone,
		Leadership:          LeadershipStatic,
		SSHConnectTimeout:   time.Second,
		SSHCommandTimeout:   time.Second,
		DeferInitialBackoff: time.Minute,
		DeferMaxBackoff:     time.Second,
		DeferTimeout:        time.Hour,
	}
	assert.Error(t, s.Validate())

	s.DeferMaxBackoff = time.Hour
	assert.NoError(t, s.Validate())
}

func TestValidateLeaseTTL(t *testing.T) {
	s := Settings{
		PeerBackend:         PeerBackendRedis,
		Leadership:          LeadershipRedis,
		LeaseTTL:            0,
		SSHConnectTimeout:   time.Second,
		SSHCommandTimeout:   time.Second,
		DeferInitialBackoff: time.Second,
		DeferMaxBackoff:     time.Minute,
		DeferTimeout:        time.Hour,
	}
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "lease ttl") {
		t.Fatalf("Validate() with zero lease ttl = %v, want lease ttl error", err)
	}

	for _, ttl := range []time.Duration{-time.Second, time.Nanosecond, 500 * time.Millisecond} {
		s.LeaseTTL = ttl
		if err := s.Validate(); err == nil {
			t.Errorf("Validate() accepted lease ttl %s", ttl)
		}
	}

	s.LeaseTTL = 30 * time.Second
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	// Static leadership never reads the lease.
	s.Leadership, s.LeaseTTL = LeadershipStatic, 0
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() with static leadership = %v", err)
	}
}

func TestLoadRejectsZeroLeaseTTL(t *testing.T) {
	t.Setenv("VYOS_DATA_PATH", t.TempDir())
	t.Setenv("VYOS_LEADERSHIP", "redis")
	t.Setenv("VYOS_LEASE_TTL", "0s")
	if err := Load(); err == nil {
		t.Fatal("Load() accepted a zero lease ttl with redis leadership")
	}
}
