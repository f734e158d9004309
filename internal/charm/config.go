package charm

import (
	"context"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/crypto"
	"github.com/charmed-osm/vyos-config/internal/database"
	"github.com/charmed-osm/vyos-config/internal/logging"
	"github.com/charmed-osm/vyos-config/internal/sshproxy"
)

// Charm config option names.
const (
	OptHostname = "ssh-hostname"
	OptUsername = "ssh-username"
	OptPassword = "ssh-password"
	OptPort     = "ssh-port"
)

// ConfigStore keeps charm config options in the config_options table.
// Secret options are sealed at rest with the unit-local key.
type ConfigStore struct {
	db     *gorm.DB
	meta   *charmmeta.Charm
	sealer *crypto.Sealer
}

func NewConfigStore(db *gorm.DB, meta *charmmeta.Charm, sealer *crypto.Sealer) *ConfigStore {
	return &ConfigStore{db: db, meta: meta, sealer: sealer}
}

// Seed stores config.yaml defaults for options never set before.
func (s *ConfigStore) Seed(ctx context.Context) error {
	return database.SeedConfigOptions(s.db.WithContext(ctx), s.meta.Defaults())
}

// Options returns every option with secrets unsealed.
func (s *ConfigStore) Options(ctx context.Context) (map[string]string, error) {
	opts, err := database.ListConfigOptions(s.db.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	for key, value := range opts {
		if !s.meta.IsSecret(key) {
			continue
		}
		plain, err := s.sealer.Open(value)
		if err != nil {
			return nil, fmt.Errorf("unseal %s: %w", key, err)
		}
		opts[key] = plain
	}
	return opts, nil
}

// Redacted returns every option with secrets masked, for display.
func (s *ConfigStore) Redacted(ctx context.Context) (map[string]string, error) {
	opts, err := s.Options(ctx)
	if err != nil {
		return nil, err
	}
	for key, value := range opts {
		if s.meta.IsSecret(key) {
			opts[key] = logging.Mask(value)
		}
	}
	return opts, nil
}

// Set validates and stores one option.
func (s *ConfigStore) Set(ctx context.Context, key, value string) error {
	if err := s.meta.ValidateOption(key, value); err != nil {
		return err
	}
	if s.meta.IsSecret(key) && value != "" {
		sealed, err := s.sealer.Seal(value)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		value = sealed
	}
	if err := database.SetConfigOption(s.db.WithContext(ctx), key, value); err != nil {
		return fmt.Errorf("set config %s: %w", key, err)
	}
	return nil
}

// IsSecret reports whether key is a secret option.
func (s *ConfigStore) IsSecret(key string) bool {
	return s.meta.IsSecret(key)
}

func targetFromOptions(opts map[string]string) sshproxy.Target {
	port, _ := strconv.Atoi(opts[OptPort])
	return sshproxy.Target{
		Hostname: opts[OptHostname],
		Username: opts[OptUsername],
		Password: opts[OptPassword],
		Port:     port,
	}
}
