// Package state persists the charm's own state between runs in the
// state_entries table. Values are JSON encoded.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/database"
)

// Keys the charm stores.
const (
	KeyInstalled          = "installed"
	KeyUnitStatus         = "unit_status"
	KeyAdoptedFingerprint = "adopted_fingerprint"
)

// Store is the state of one scope, normally the unit name.
type Store struct {
	db    *gorm.DB
	scope string
}

func NewStore(db *gorm.DB, scope string) *Store {
	return &Store{db: db, scope: scope}
}

// Get decodes the value for key into out and reports whether it was present.
func (s *Store) Get(ctx context.Context, key string, out any) (bool, error) {
	var row database.StateEntry
	err := s.db.WithContext(ctx).Where("scope = ? AND key = ?", s.scope, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get state %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(row.Value), out); err != nil {
		return false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	err = s.db.WithContext(ctx).
		Where("scope = ? AND key = ?", s.scope, key).
		Assign(database.StateEntry{Value: string(data)}).
		FirstOrCreate(&database.StateEntry{Scope: s.scope, Key: key}).Error
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("scope = ? AND key = ?", s.scope, key).Delete(&database.StateEntry{}).Error
	if err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// Value is a typed view of one key.
type Value[T any] struct {
	store *Store
	key   string
}

func NewValue[T any](store *Store, key string) Value[T] {
	return Value[T]{store: store, key: key}
}

// Get returns the stored value, or the zero value and false.
func (v Value[T]) Get(ctx context.Context) (T, bool, error) {
	var out T
	ok, err := v.store.Get(ctx, v.key, &out)
	return out, ok, err
}

func (v Value[T]) Set(ctx context.Context, value T) error {
	return v.store.Set(ctx, v.key, value)
}
