package database

import "time"

// Setting holds unit-internal values such as the at-rest encryption key.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConfigOption is one operator-facing charm config value (ssh-hostname, ...).
// Secret options are stored fernet-encrypted.
type ConfigOption struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null;default:''" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StateEntry is one persisted charm state value, JSON encoded.
type StateEntry struct {
	Scope     string    `gorm:"primaryKey" json:"scope"`
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PeerDatum is one entry of an application-scoped peer relation data bag.
type PeerDatum struct {
	Relation  string    `gorm:"primaryKey" json:"relation"`
	App       string    `gorm:"primaryKey" json:"app"`
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text;not null" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DeferredEvent is a lifecycle event waiting for redelivery. There is at most
// one pending row per unit and event name; units sharing a database file
// only ever see their own rows.
type DeferredEvent struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	Unit          string    `gorm:"uniqueIndex:idx_deferred_unit_name;not null;default:''" json:"unit"`
	Name          string    `gorm:"uniqueIndex:idx_deferred_unit_name;not null" json:"name"`
	Attempts      int       `gorm:"not null;default:0" json:"attempts"`
	LastReason    string    `json:"last_reason"`
	FirstDeferred time.Time `gorm:"not null" json:"first_deferred"`
	NextAttempt   time.Time `gorm:"not null;index" json:"next_attempt"`
}

// Action record statuses.
const (
	ActionPending   = "pending"
	ActionRunning   = "running"
	ActionCompleted = "completed"
	ActionFailed    = "failed"
)

// ActionRecord tracks one action invocation and its outcome. Params and
// Results hold JSON objects.
type ActionRecord struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Name        string     `gorm:"not null;index" json:"name"`
	Unit        string     `gorm:"not null" json:"unit"`
	Params      string     `gorm:"type:text;default:'{}'" json:"-"`
	Status      string     `gorm:"not null;default:pending" json:"status"`
	Results     string     `gorm:"type:text;default:'{}'" json:"-"`
	Message     string     `json:"message,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
