package peers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/database"
)

// DefaultPollInterval is how often an SQLRelation watcher rereads the table
// to pick up writes made by other processes.
const DefaultPollInterval = 2 * time.Second

const watchBuffer = 16

// SQLRelation stores peer data in the peer_data table.
type SQLRelation struct {
	db           *gorm.DB
	relation     string
	app          string
	pollInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	nudges map[chan struct{}]struct{}
}

type SQLOption func(*SQLRelation)

func WithPollInterval(d time.Duration) SQLOption {
	return func(r *SQLRelation) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func WithSQLLogger(l *zap.Logger) SQLOption {
	return func(r *SQLRelation) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewSQLRelation(db *gorm.DB, relation, app string, opts ...SQLOption) *SQLRelation {
	r := &SQLRelation{
		db:           db,
		relation:     relation,
		app:          app,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
		nudges:       make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("peers").With(zap.String("relation", relation), zap.String("backend", "sqlite"))
	return r
}

func (r *SQLRelation) scope(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Where("relation = ? AND app = ?", r.relation, r.app)
}

func (r *SQLRelation) Get(ctx context.Context, key string) (string, bool, error) {
	var row database.PeerDatum
	err := r.scope(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get peer data %s: %w", key, err)
	}
	return row.Value, true, nil
}

func (r *SQLRelation) Set(ctx context.Context, key, value string) error {
	err := r.db.WithContext(ctx).
		Where("relation = ? AND app = ? AND key = ?", r.relation, r.app, key).
		Assign(database.PeerDatum{Value: value}).
		FirstOrCreate(&database.PeerDatum{Relation: r.relation, App: r.app, Key: key}).Error
	if err != nil {
		return fmt.Errorf("set peer data %s: %w", key, err)
	}
	r.logger.Debug("peer data written", zap.String("key", key))

	r.mu.Lock()
	for ch := range r.nudges {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
	return nil
}

// snapshot reads the whole bag.
func (r *SQLRelation) snapshot(ctx context.Context) (map[string]string, error) {
	var rows []database.PeerDatum
	if err := r.scope(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read peer data: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// Watch diffs the bag against the last snapshot whenever this process
// writes, and every poll interval for writes from other processes.
func (r *SQLRelation) Watch(ctx context.Context) (<-chan Change, error) {
	last, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	nudge := make(chan struct{}, 1)
	r.mu.Lock()
	r.nudges[nudge] = struct{}{}
	r.mu.Unlock()

	out := make(chan Change, watchBuffer)
	go func() {
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.nudges, nudge)
			r.mu.Unlock()
		}()

		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-nudge:
			}

			current, err := r.snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("peer data poll failed", zap.Error(err))
				}
				continue
			}
			for key, value := range current {
				if prev, ok := last[key]; ok && prev == value {
					continue
				}
				select {
				case out <- Change{Key: key, Value: value}:
				case <-ctx.Done():
					return
				}
			}
			last = current
		}
	}()
	return out, nil
}
