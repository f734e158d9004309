package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charmed-osm/vyos-config/internal/charm"
	"github.com/charmed-osm/vyos-config/internal/database"
)

// ActionView is an action record with params and results decoded.
type ActionView struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Unit        string         `json:"unit"`
	Status      string         `json:"status"`
	Params      map[string]any `json:"params"`
	Results     map[string]any `json:"results"`
	Message     string         `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func viewOf(rec database.ActionRecord) ActionView {
	v := ActionView{
		ID:          rec.ID,
		Name:        rec.Name,
		Unit:        rec.Unit,
		Status:      rec.Status,
		Message:     rec.Message,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Params:      map[string]any{},
		Results:     map[string]any{},
	}
	json.Unmarshal([]byte(rec.Params), &v.Params)
	json.Unmarshal([]byte(rec.Results), &v.Results)
	return v
}

// RunAction validates params against actions.yaml, records the invocation,
// runs it and records the outcome. Invalid params are returned as an error
// before anything is recorded. A failed action is not an error: its record
// has status failed and the failure message.
func (d *Dispatcher) RunAction(ctx context.Context, name string, params map[string]any) (ActionView, error) {
	validated, err := d.meta.ValidateParams(name, params)
	if err != nil {
		return ActionView{}, err
	}
	paramsJSON, err := json.Marshal(validated)
	if err != nil {
		return ActionView{}, fmt.Errorf("encode params: %w", err)
	}

	rec := database.ActionRecord{
		ID:     uuid.NewString(),
		Name:   name,
		Unit:   d.opts.Unit,
		Params: string(paramsJSON),
		Status: database.ActionPending,
	}
	if err := d.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return ActionView{}, fmt.Errorf("record action: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.db.WithContext(ctx).Model(&rec).Update("status", database.ActionRunning).Error; err != nil {
		return ActionView{}, fmt.Errorf("update action: %w", err)
	}
	rec.Status = database.ActionRunning

	ac := charm.NewActionContext(validated)
	if err := d.charm.RunAction(ctx, name, ac); err != nil {
		ac.Fail(err.Error())
	}

	results, err := json.Marshal(ac.Results())
	if err != nil {
		return ActionView{}, fmt.Errorf("encode results: %w", err)
	}
	now := d.opts.Now()
	rec.Results = string(results)
	rec.Message = ac.Message()
	rec.CompletedAt = &now
	rec.Status = database.ActionCompleted
	if ac.Failed() {
		rec.Status = database.ActionFailed
	}
	if err := d.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return ActionView{}, fmt.Errorf("update action: %w", err)
	}

	d.logger.Info("action finished",
		zap.String("action", name),
		zap.String("id", rec.ID),
		zap.String("status", rec.Status))
	return viewOf(rec), nil
}

// GetAction returns one of this unit's recorded actions, or database.ErrNotFound.
func (d *Dispatcher) GetAction(ctx context.Context, id string) (ActionView, error) {
	var rec database.ActionRecord
	err := d.db.WithContext(ctx).Where("id = ? AND unit = ?", id, d.opts.Unit).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ActionView{}, database.ErrNotFound
	}
	if err != nil {
		return ActionView{}, fmt.Errorf("get action: %w", err)
	}
	return viewOf(rec), nil
}

// ListActions returns this unit's most recent action records, newest first.
func (d *Dispatcher) ListActions(ctx context.Context, limit int) ([]ActionView, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []database.ActionRecord
	if err := d.db.WithContext(ctx).
		Where("unit = ?", d.opts.Unit).
		Order("created_at desc").
		Limit(limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := make([]ActionView, len(recs))
	for i, r := range recs {
		out[i] = viewOf(r)
	}
	return out, nil
}
