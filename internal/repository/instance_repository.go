package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arka-edu/presensi-api/internal/models"
)

const instanceColumns = "id, template_id, override_id, date, start_time, end_time, room, status, is_overridden, original_start_time, original_end_time, original_room, session_id, attendance_marked, attendance_count, latitude, longitude, created_at, updated_at"

// InstanceRepository provides persistence for materialized occurrences.
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// FindByID loads an instance by id.
func (r *InstanceRepository) FindByID(ctx context.Context, id string) (*models.ScheduleInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_instances WHERE id = $1", instanceColumns)
	var inst models.ScheduleInstance
	if err := r.db.GetContext(ctx, &inst, query, id); err != nil {
		return nil, err
	}
	return &inst, nil
}

// FindByTemplateDate returns the instance for (template, date), or nil.
// The pair is unique by construction.
func (r *InstanceRepository) FindByTemplateDate(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_instances WHERE template_id = $1 AND date = $2", instanceColumns)
	var inst models.ScheduleInstance
	if err := r.db.GetContext(ctx, &inst, query, templateID, models.DateOnly(date)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find instance by template/date: %w", err)
	}
	return &inst, nil
}

// Range returns instances matching the filter ordered by date and time.
func (r *InstanceRepository) Range(ctx context.Context, filter models.InstanceFilter) ([]models.ScheduleInstance, error) {
	base := "FROM schedule_instances i WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.TemplateID != "" {
		conditions = append(conditions, fmt.Sprintf("i.template_id = $%d", len(args)+1))
		args = append(args, filter.TemplateID)
	}
	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("i.template_id IN (SELECT id FROM recurring_templates WHERE teacher_id = $%d)", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("i.template_id IN (SELECT id FROM recurring_templates WHERE class_id = $%d)", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, fmt.Sprintf("i.date >= $%d", len(args)+1))
		args = append(args, models.DateOnly(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		conditions = append(conditions, fmt.Sprintf("i.date <= $%d", len(args)+1))
		args = append(args, models.DateOnly(*filter.DateTo))
	}
	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("i.status = $%d", len(args)+1))
		args = append(args, *filter.Status)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	cols := strings.ReplaceAll(instanceColumns, ", ", ", i.")
	query := fmt.Sprintf("SELECT i.%s %s ORDER BY i.date ASC, i.start_time ASC", cols, base)
	var instances []models.ScheduleInstance
	if err := r.db.SelectContext(ctx, &instances, query, args...); err != nil {
		return nil, fmt.Errorf("range instances: %w", err)
	}
	return instances, nil
}

// FindOnDate returns non-cancelled instances for a concrete date, used by
// conflict detection against already-materialized occurrences.
func (r *InstanceRepository) FindOnDate(ctx context.Context, date time.Time) ([]models.ScheduleInstance, error) {
	query := fmt.Sprintf("SELECT %s FROM schedule_instances WHERE date = $1 AND status <> $2", instanceColumns)
	var instances []models.ScheduleInstance
	if err := r.db.SelectContext(ctx, &instances, query, models.DateOnly(date), models.InstanceCancelled); err != nil {
		return nil, fmt.Errorf("find instances on date: %w", err)
	}
	return instances, nil
}

// Create stores a new instance record.
func (r *InstanceRepository) Create(ctx context.Context, inst *models.ScheduleInstance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Date = models.DateOnly(inst.Date)

	const query = `INSERT INTO schedule_instances (id, template_id, override_id, date, start_time, end_time, room, status, is_overridden, original_start_time, original_end_time, original_room, session_id, attendance_marked, attendance_count, latitude, longitude, created_at, updated_at) VALUES (:id, :template_id, :override_id, :date, :start_time, :end_time, :room, :status, :is_overridden, :original_start_time, :original_end_time, :original_room, :session_id, :attendance_marked, :attendance_count, :latitude, :longitude, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, inst); err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// Replace supersedes an existing instance with a regenerated one in a
// single transaction, keeping the (template, date) uniqueness intact.
func (r *InstanceRepository) Replace(ctx context.Context, oldID string, inst *models.ScheduleInstance) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace instance: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM schedule_instances WHERE id = $1`, oldID); err != nil {
		return fmt.Errorf("delete superseded instance: %w", err)
	}

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Date = models.DateOnly(inst.Date)

	const insertQuery = `INSERT INTO schedule_instances (id, template_id, override_id, date, start_time, end_time, room, status, is_overridden, original_start_time, original_end_time, original_room, session_id, attendance_marked, attendance_count, latitude, longitude, created_at, updated_at) VALUES (:id, :template_id, :override_id, :date, :start_time, :end_time, :room, :status, :is_overridden, :original_start_time, :original_end_time, :original_room, :session_id, :attendance_marked, :attendance_count, :latitude, :longitude, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertQuery, inst); err != nil {
		return fmt.Errorf("insert regenerated instance: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit replace instance: %w", err)
	}
	return nil
}

// UpdateStatus advances the lifecycle status.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE schedule_instances SET status = $2, updated_at = $3 WHERE id = $1`, id, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	return nil
}

// BindSession attaches a live session to the instance.
func (r *InstanceRepository) BindSession(ctx context.Context, id, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE schedule_instances SET session_id = $2, updated_at = $3 WHERE id = $1`, id, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("bind session to instance: %w", err)
	}
	return nil
}

// MarkAttendance atomically increments the attendance counter and flags
// the instance. The increment happens in SQL so concurrent scans cannot
// lose updates.
func (r *InstanceRepository) MarkAttendance(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE schedule_instances SET attendance_marked = true, attendance_count = attendance_count + 1, updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark attendance: %w", err)
	}
	return nil
}
