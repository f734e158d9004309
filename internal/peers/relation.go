// Package peers implements the shared, application-scoped key/value channel
// units of one application use to coordinate, and the cluster coordinator
// that propagates the SSH key pair over it.
//
// Two Relation backends exist: SQLRelation keeps the data in the unit
// database (units sharing one database file see each other's writes) and
// RedisRelation keeps it in a Redis hash with pub/sub change notification.
// Both are last-writer-wins; neither offers compare-and-set.
package peers

import "context"

// Change notifies a watcher that key now holds value.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"-"`
}

// Relation is the peer data bag of one application.
type Relation interface {
	// Get returns the value for key and whether it is present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value for key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error
	// Watch streams every change made after the call, from any unit. The
	// channel is closed when ctx is done.
	Watch(ctx context.Context) (<-chan Change, error)
}
