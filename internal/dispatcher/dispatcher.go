// Package dispatcher delivers lifecycle events and actions to the charm one
// at a time, and redelivers deferred events until they complete.
//
// A deferred event is kept as one row per event name in deferred_events.
// Deferring the same event again bumps its attempt count and pushes
// NextAttempt out with exponential backoff. A cron job redelivers every due
// row. An event still deferred after the timeout is dropped and the unit is
// set blocked.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charm"
	"github.com/charmed-osm/vyos-config/internal/charmmeta"
	"github.com/charmed-osm/vyos-config/internal/database"
	"github.com/charmed-osm/vyos-config/internal/peers"
)

// Defaults for Options left zero.
const (
	DefaultSchedule       = "@every 5s"
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = time.Minute
	DefaultTimeout        = time.Hour
)

// Charm is the handler the dispatcher drives.
type Charm interface {
	HandleEvent(ctx context.Context, name string) (charm.Outcome, error)
	RunAction(ctx context.Context, name string, ac *charm.ActionContext) error
	SetStatus(ctx context.Context, name, message string) error
	PeerRelationChangedEvent() string
}

type Options struct {
	Unit           string
	Schedule       string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	Logger         *zap.Logger
	// Now is the clock; tests replace it.
	Now func() time.Time
}

type Dispatcher struct {
	db    *gorm.DB
	charm Charm
	meta  *charmmeta.Charm
	opts  Options

	logger *zap.Logger

	mu   sync.Mutex // serializes delivery
	cron *cron.Cron
}

func New(db *gorm.DB, ch Charm, meta *charmmeta.Charm, opts Options) *Dispatcher {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		db:     db,
		charm:  ch,
		meta:   meta,
		opts:   opts,
		logger: opts.Logger.Named("dispatcher"),
	}
}

// Emit delivers one event now. A deferred outcome is queued for redelivery;
// a completed one clears any pending deferral of the same event. A handler
// error drops the pending deferral and sets the unit blocked.
func (d *Dispatcher) Emit(ctx context.Context, name string) (charm.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.emitLocked(ctx, name)
}

func (d *Dispatcher) emitLocked(ctx context.Context, name string) (charm.Outcome, error) {
	out, err := d.charm.HandleEvent(ctx, name)
	if err != nil {
		if errors.Is(err, charm.ErrUnknownEvent) {
			return out, err
		}
		d.logger.Error("event failed", zap.String("event", name), zap.Error(err))
		if cerr := d.clear(ctx, name); cerr != nil {
			d.logger.Warn("clear deferral failed", zap.String("event", name), zap.Error(cerr))
		}
		if serr := d.charm.SetStatus(ctx, charm.StatusBlocked, fmt.Sprintf("%s failed: %v", name, err)); serr != nil {
			d.logger.Warn("set status failed", zap.Error(serr))
		}
		return out, err
	}

	if out.Deferred {
		if err := d.deferEvent(ctx, name, out.Reason); err != nil {
			return out, err
		}
		return out, nil
	}
	if err := d.clear(ctx, name); err != nil {
		return out, err
	}
	d.logger.Debug("event done", zap.String("event", name))
	return out, nil
}

// backoffAfter returns the delay before attempt n+1, with n >= 1.
func (d *Dispatcher) backoffAfter(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	next := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		next = b.NextBackOff()
	}
	return next
}

func (d *Dispatcher) deferEvent(ctx context.Context, name, reason string) error {
	now := d.opts.Now()

	var row database.DeferredEvent
	err := d.deferred(ctx).Where("name = ?", name).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = database.DeferredEvent{
			ID:            uuid.NewString(),
			Unit:          d.opts.Unit,
			Name:          name,
			FirstDeferred: now,
		}
	case err != nil:
		return fmt.Errorf("load deferred event %s: %w", name, err)
	}

	if now.Sub(row.FirstDeferred) >= d.opts.Timeout {
		d.logger.Error("deferred event timed out",
			zap.String("event", name),
			zap.Int("attempts", row.Attempts),
			zap.String("reason", reason))
		if err := d.clear(ctx, name); err != nil {
			return err
		}
		return d.charm.SetStatus(ctx, charm.StatusBlocked,
			fmt.Sprintf("%s deferred for over %s: %s", name, d.opts.Timeout, reason))
	}

	row.Attempts++
	row.LastReason = reason
	row.NextAttempt = now.Add(d.backoffAfter(row.Attempts))
	if err := d.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save deferred event %s: %w", name, err)
	}
	d.logger.Info("event deferred",
		zap.String("event", name),
		zap.String("reason", reason),
		zap.Int("attempts", row.Attempts),
		zap.Time("next_attempt", row.NextAttempt))
	return nil
}

func (d *Dispatcher) clear(ctx context.Context, name string) error {
	if err := d.deferred(ctx).Where("name = ?", name).Delete(&database.DeferredEvent{}).Error; err != nil {
		return fmt.Errorf("clear deferred event %s: %w", name, err)
	}
	return nil
}

// deferred scopes a query to this unit's deferral rows.
func (d *Dispatcher) deferred(ctx context.Context) *gorm.DB {
	return d.db.WithContext(ctx).Model(&database.DeferredEvent{}).Where("unit = ?", d.opts.Unit)
}

// Pending lists this unit's deferred events, soonest first.
func (d *Dispatcher) Pending(ctx context.Context) ([]database.DeferredEvent, error) {
	var rows []database.DeferredEvent
	if err := d.deferred(ctx).Order("next_attempt").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list deferred events: %w", err)
	}
	return rows, nil
}

// RedeliverDue re-emits every deferred event whose next attempt is due and
// returns how many were delivered.
func (d *Dispatcher) RedeliverDue(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []database.DeferredEvent
	err := d.deferred(ctx).
		Where("next_attempt <= ?", d.opts.Now()).
		Order("next_attempt").
		Find(&due).Error
	if err != nil {
		d.logger.Warn("list due events failed", zap.Error(err))
		return 0
	}

	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		d.logger.Debug("redelivering event", zap.String("event", ev.Name), zap.Int("attempts", ev.Attempts))
		d.emitLocked(ctx, ev.Name)
	}
	return len(due)
}

// Start schedules redelivery and, when rel is non-nil, emits the peer
// relation changed event on every peer data change. Both stop with ctx.
func (d *Dispatcher) Start(ctx context.Context, rel peers.Relation) error {
	c := cron.New()
	if _, err := c.AddFunc(d.opts.Schedule, func() { d.RedeliverDue(ctx) }); err != nil {
		return fmt.Errorf("schedule redelivery %q: %w", d.opts.Schedule, err)
	}
	d.cron = c
	c.Start()
	d.logger.Info("redelivery scheduled", zap.String("schedule", d.opts.Schedule))

	if rel != nil {
		if err := d.WatchPeers(ctx, rel); err != nil {
			c.Stop()
			return err
		}
	}
	return nil
}

// Stop waits for a running redelivery pass to finish.
func (d *Dispatcher) Stop() {
	if d.cron == nil {
		return
	}
	<-d.cron.Stop().Done()
}

// WatchPeers emits the peer relation changed event for every change on rel
// until ctx is done.
func (d *Dispatcher) WatchPeers(ctx context.Context, rel peers.Relation) error {
	changes, err := rel.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch peer relation: %w", err)
	}
	event := d.charm.PeerRelationChangedEvent()
	go func() {
		for change := range changes {
			d.logger.Debug("peer data changed", zap.String("key", change.Key))
			if _, err := d.Emit(ctx, event); err != nil && ctx.Err() == nil {
				d.logger.Warn("peer change delivery failed", zap.Error(err))
			}
		}
	}()
	return nil
}
