package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arka-edu/presensi-api/internal/models"
)

const manualScheduleColumns = "id, class_id, teacher_id, day_of_week, slot_id, start_time, end_time, room, active, is_merged, custom_label, combined_range, original_slots, split_from_id, created_at, updated_at"

// ManualScheduleRepository persists ad-hoc timetable entries and their
// merge metadata.
type ManualScheduleRepository struct {
	db *sqlx.DB
}

// NewManualScheduleRepository creates a new manual schedule repository.
func NewManualScheduleRepository(db *sqlx.DB) *ManualScheduleRepository {
	return &ManualScheduleRepository{db: db}
}

// FindByID loads an entry by id.
func (r *ManualScheduleRepository) FindByID(ctx context.Context, id string) (*models.ManualSchedule, error) {
	query := fmt.Sprintf("SELECT %s FROM manual_schedules WHERE id = $1", manualScheduleColumns)
	var entry models.ManualSchedule
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByIDs loads multiple entries preserving no particular order.
func (r *ManualScheduleRepository) FindByIDs(ctx context.Context, ids []string) ([]models.ManualSchedule, error) {
	query, args, err := sqlx.In(fmt.Sprintf("SELECT %s FROM manual_schedules WHERE id IN (?)", manualScheduleColumns), ids)
	if err != nil {
		return nil, fmt.Errorf("build manual schedule lookup: %w", err)
	}
	query = r.db.Rebind(query)
	var entries []models.ManualSchedule
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("find manual schedules: %w", err)
	}
	return entries, nil
}

// ListByClass returns active entries for a class ordered by day/time.
func (r *ManualScheduleRepository) ListByClass(ctx context.Context, classID string) ([]models.ManualSchedule, error) {
	query := fmt.Sprintf("SELECT %s FROM manual_schedules WHERE class_id = $1 AND active = true ORDER BY day_of_week ASC, start_time ASC", manualScheduleColumns)
	var entries []models.ManualSchedule
	if err := r.db.SelectContext(ctx, &entries, query, classID); err != nil {
		return nil, fmt.Errorf("list manual schedules by class: %w", err)
	}
	return entries, nil
}

// Create stores a new entry.
func (r *ManualScheduleRepository) Create(ctx context.Context, entry *models.ManualSchedule) error {
	r.stamp(entry)
	const query = `INSERT INTO manual_schedules (id, class_id, teacher_id, day_of_week, slot_id, start_time, end_time, room, active, is_merged, custom_label, combined_range, original_slots, split_from_id, created_at, updated_at) VALUES (:id, :class_id, :teacher_id, :day_of_week, :slot_id, :start_time, :end_time, :room, :active, :is_merged, :custom_label, :combined_range, :original_slots, :split_from_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create manual schedule: %w", err)
	}
	return nil
}

// SwapMerged atomically deactivates the constituent entries and inserts
// the merged block, so a merge can never half-apply.
func (r *ManualScheduleRepository) SwapMerged(ctx context.Context, constituentIDs []string, merged *models.ManualSchedule) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge swap: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	deactivate, args, err := sqlx.In(`UPDATE manual_schedules SET active = false, updated_at = ? WHERE id IN (?)`, time.Now().UTC(), constituentIDs)
	if err != nil {
		return fmt.Errorf("build merge deactivation: %w", err)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(deactivate), args...); err != nil {
		return fmt.Errorf("deactivate merged slots: %w", err)
	}

	r.stamp(merged)
	const insertQuery = `INSERT INTO manual_schedules (id, class_id, teacher_id, day_of_week, slot_id, start_time, end_time, room, active, is_merged, custom_label, combined_range, original_slots, split_from_id, created_at, updated_at) VALUES (:id, :class_id, :teacher_id, :day_of_week, :slot_id, :start_time, :end_time, :room, :active, :is_merged, :custom_label, :combined_range, :original_slots, :split_from_id, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, merged); err != nil {
		return fmt.Errorf("insert merged schedule: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit merge swap: %w", err)
	}
	return nil
}

// SwapSplit atomically removes the merged block and restores the
// reconstructed constituent entries.
func (r *ManualScheduleRepository) SwapSplit(ctx context.Context, mergedID string, restored []models.ManualSchedule) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin split swap: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM manual_schedules WHERE id = $1`, mergedID); err != nil {
		return fmt.Errorf("delete merged schedule: %w", err)
	}

	const insertQuery = `INSERT INTO manual_schedules (id, class_id, teacher_id, day_of_week, slot_id, start_time, end_time, room, active, is_merged, custom_label, combined_range, original_slots, split_from_id, created_at, updated_at) VALUES (:id, :class_id, :teacher_id, :day_of_week, :slot_id, :start_time, :end_time, :room, :active, :is_merged, :custom_label, :combined_range, :original_slots, :split_from_id, :created_at, :updated_at)`
	for i := range restored {
		entry := restored[i]
		r.stamp(&entry)
		if _, err = tx.NamedExecContext(ctx, insertQuery, &entry); err != nil {
			return fmt.Errorf("restore split slot: %w", err)
		}
		restored[i] = entry
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit split swap: %w", err)
	}
	return nil
}

func (r *ManualScheduleRepository) stamp(entry *models.ManualSchedule) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
}
