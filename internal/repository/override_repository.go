package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arka-edu/presensi-api/internal/models"
)

const overrideColumns = "id, template_id, date, kind, new_date, new_start_time, new_end_time, new_room, reason, active, created_at, updated_at"

// OverrideRepository provides persistence for dated schedule exceptions.
type OverrideRepository struct {
	db *sqlx.DB
}

// NewOverrideRepository creates a new override repository.
func NewOverrideRepository(db *sqlx.DB) *OverrideRepository {
	return &OverrideRepository{db: db}
}

// FindByID loads an override by id.
func (r *OverrideRepository) FindByID(ctx context.Context, id string) (*models.ScheduleOverride, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_overrides WHERE id = $1", overrideColumns)
	var o models.ScheduleOverride
	if err := r.db.GetContext(ctx, &o, query, id); err != nil {
		return nil, err
	}
	return &o, nil
}

// FindActive returns the single active override for (template, date), or
// nil when none exists.
func (r *OverrideRepository) FindActive(ctx context.Context, templateID string, date time.Time) (*models.ScheduleOverride, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_overrides WHERE template_id = $1 AND date = $2 AND active = true", overrideColumns)
	var o models.ScheduleOverride
	if err := r.db.GetContext(ctx, &o, query, templateID, models.DateOnly(date)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active override: %w", err)
	}
	return &o, nil
}

// ListByTemplate returns overrides bound to a template, newest first.
func (r *OverrideRepository) ListByTemplate(ctx context.Context, templateID string) ([]models.ScheduleOverride, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_overrides WHERE template_id = $1 ORDER BY date DESC", overrideColumns)
	var overrides []models.ScheduleOverride
	if err := r.db.SelectContext(ctx, &overrides, query, templateID); err != nil {
		return nil, fmt.Errorf("list overrides by template: %w", err)
	}
	return overrides, nil
}

// Create stores a new override record.
func (r *OverrideRepository) Create(ctx context.Context, o *models.ScheduleOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Date = models.DateOnly(o.Date)

	const query = `INSERT INTO schedule_overrides (id, template_id, date, kind, new_date, new_start_time, new_end_time, new_room, reason, active, created_at, updated_at) VALUES (:id, :template_id, :date, :kind, :new_date, :new_start_time, :new_end_time, :new_room, :reason, :active, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, o); err != nil {
		return fmt.Errorf("create override: %w", err)
	}
	return nil
}

// Update modifies an override record.
func (r *OverrideRepository) Update(ctx context.Context, o *models.ScheduleOverride) error {
	o.UpdatedAt = time.Now().UTC()
	const query = `UPDATE schedule_overrides SET kind = :kind, new_date = :new_date, new_start_time = :new_start_time, new_end_time = :new_end_time, new_room = :new_room, reason = :reason, active = :active, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, o); err != nil {
		return fmt.Errorf("update override: %w", err)
	}
	return nil
}

// Deactivate flips the active flag without deleting the audit trail.
func (r *OverrideRepository) Deactivate(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE schedule_overrides SET active = false, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate override: %w", err)
	}
	return nil
}
