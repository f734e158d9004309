package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Peer backend names accepted by PEER_BACKEND.
const (
	PeerBackendSQLite = "sqlite"
	PeerBackendRedis  = "redis"
	PeerBackendNone   = "none"
)

// Leadership modes accepted by LEADERSHIP.
const (
	LeadershipStatic = "static"
	LeadershipRedis  = "redis"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/vyos-config"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8070"`

	// APIToken, when set, is required as a bearer token on /api/v1.
	APIToken string `envconfig:"API_TOKEN" default:""`

	AppName      string `envconfig:"APP_NAME" default:"vyos-config"`
	UnitName     string `envconfig:"UNIT_NAME" default:"vyos-config/0"`
	PeerRelation string `envconfig:"PEER_RELATION" default:"proxypeer"`
	PeerBackend  string `envconfig:"PEER_BACKEND" default:"sqlite"`
	PeerDataKey  string `envconfig:"PEER_DATA_KEY" default:""`

	Leadership string        `envconfig:"LEADERSHIP" default:"static"`
	Leader     bool          `envconfig:"LEADER" default:"true"`
	LeaseTTL   time.Duration `envconfig:"LEASE_TTL" default:"30s"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Remote shell timeouts
	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"30s"`
	SSHCommandTimeout time.Duration `envconfig:"SSH_COMMAND_TIMEOUT" default:"5m"`

	// Deferred event redelivery
	RedeliverySchedule  string        `envconfig:"REDELIVERY_SCHEDULE" default:"@every 5s"`
	DeferInitialBackoff time.Duration `envconfig:"DEFER_INITIAL_BACKOFF" default:"1s"`
	DeferMaxBackoff     time.Duration `envconfig:"DEFER_MAX_BACKOFF" default:"1m"`
	DeferTimeout        time.Duration `envconfig:"DEFER_TIMEOUT" default:"1h"`
}

var Cfg Settings

// Load reads VYOS_* environment variables into Cfg and fills in the paths
// that default to locations under DataPath.
func Load() error {
	Cfg = Settings{}
	if err := envconfig.Process("VYOS", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := Cfg.Validate(); err != nil {
		return err
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "charm.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "charm.log")
	}
	return nil
}

// KeyDir is where the unit keeps its SSH key pair.
func (s Settings) KeyDir() string {
	return filepath.Join(s.DataPath, "ssh")
}

// Validate rejects backend names and durations that cannot work.
func (s Settings) Validate() error {
	switch s.PeerBackend {
	case PeerBackendSQLite, PeerBackendRedis, PeerBackendNone:
	default:
		return fmt.Errorf("config: unknown peer backend %q", s.PeerBackend)
	}
	switch s.Leadership {
	case LeadershipStatic, LeadershipRedis:
	default:
		return fmt.Errorf("config: unknown leadership mode %q", s.Leadership)
	}
	// The lease is renewed every TTL/2; redis locks have millisecond precision.
	if s.Leadership == LeadershipRedis && s.LeaseTTL < time.Second {
		return fmt.Errorf("config: lease ttl must be at least 1s, got %s", s.LeaseTTL)
	}
	if s.SSHConnectTimeout <= 0 || s.SSHCommandTimeout <= 0 {
		return fmt.Errorf("config: ssh timeouts must be positive")
	}
	if s.DeferInitialBackoff <= 0 || s.DeferMaxBackoff < s.DeferInitialBackoff {
		return fmt.Errorf("config: defer backoff must satisfy 0 < initial <= max")
	}
	if s.DeferTimeout <= 0 {
		return fmt.Errorf("config: defer timeout must be positive")
	}
	return nil
}
