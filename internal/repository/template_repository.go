package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arka-edu/presensi-api/internal/models"
)

const templateColumns = "id, class_id, subject_id, teacher_id, day_of_week, start_time, end_time, room, semester_start, semester_end, frequency, active, latitude, longitude, class_number, subject_code, subject_name, class_year, semester, division, created_at, updated_at"

// TemplateRepository provides persistence for recurring templates.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// List returns templates with optional filtering and pagination.
func (r *TemplateRepository) List(ctx context.Context, filter models.TemplateFilter) ([]models.RecurringTemplate, int, error) {
	base := "FROM recurring_templates WHERE 1=1"
	var conditions []string
	var args []interface{}

	if filter.TeacherID != "" {
		conditions = append(conditions, fmt.Sprintf("teacher_id = $%d", len(args)+1))
		args = append(args, filter.TeacherID)
	}
	if filter.ClassID != "" {
		conditions = append(conditions, fmt.Sprintf("class_id = $%d", len(args)+1))
		args = append(args, filter.ClassID)
	}
	if filter.DayOfWeek != nil {
		conditions = append(conditions, fmt.Sprintf("day_of_week = $%d", len(args)+1))
		args = append(args, *filter.DayOfWeek)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"day_of_week": true,
		"start_time":  true,
		"room":        true,
		"created_at":  true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "day_of_week"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s, start_time ASC LIMIT %d OFFSET %d", templateColumns, base, sortBy, order, size, offset)
	var templates []models.RecurringTemplate
	if err := r.db.SelectContext(ctx, &templates, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list templates: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count templates: %w", err)
	}

	return templates, total, nil
}

// FindByID loads a template by id.
func (r *TemplateRepository) FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	query := fmt.Sprintf("SELECT %s FROM recurring_templates WHERE id = $1", templateColumns)
	var tmpl models.RecurringTemplate
	if err := r.db.GetContext(ctx, &tmpl, query, id); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// FindCandidates returns active templates for the same weekday whose
// semester window intersects the given range, for conflict checks.
func (r *TemplateRepository) FindCandidates(ctx context.Context, dayOfWeek int, windowStart, windowEnd time.Time) ([]models.RecurringTemplate, error) {
	query := fmt.Sprintf("SELECT %s FROM recurring_templates WHERE active = true AND day_of_week = $1 AND semester_start <= $2 AND semester_end >= $3", templateColumns)
	var templates []models.RecurringTemplate
	if err := r.db.SelectContext(ctx, &templates, query, dayOfWeek, windowEnd, windowStart); err != nil {
		return nil, fmt.Errorf("find candidate templates: %w", err)
	}
	return templates, nil
}

// ListActive returns every active template, used by the expander when
// materializing a calendar window.
func (r *TemplateRepository) ListActive(ctx context.Context) ([]models.RecurringTemplate, error) {
	query := fmt.Sprintf("SELECT %s FROM recurring_templates WHERE active = true ORDER BY day_of_week ASC, start_time ASC", templateColumns)
	var templates []models.RecurringTemplate
	if err := r.db.SelectContext(ctx, &templates, query); err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}
	return templates, nil
}

// Create stores a new template record.
func (r *TemplateRepository) Create(ctx context.Context, tmpl *models.RecurringTemplate) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	const query = `INSERT INTO recurring_templates (id, class_id, subject_id, teacher_id, day_of_week, start_time, end_time, room, semester_start, semester_end, frequency, active, latitude, longitude, class_number, subject_code, subject_name, class_year, semester, division, created_at, updated_at) VALUES (:id, :class_id, :subject_id, :teacher_id, :day_of_week, :start_time, :end_time, :room, :semester_start, :semester_end, :frequency, :active, :latitude, :longitude, :class_number, :subject_code, :subject_name, :class_year, :semester, :division, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, tmpl); err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// Update modifies a template record.
func (r *TemplateRepository) Update(ctx context.Context, tmpl *models.RecurringTemplate) error {
	tmpl.UpdatedAt = time.Now().UTC()
	const query = `UPDATE recurring_templates SET class_id = :class_id, subject_id = :subject_id, teacher_id = :teacher_id, day_of_week = :day_of_week, start_time = :start_time, end_time = :end_time, room = :room, semester_start = :semester_start, semester_end = :semester_end, frequency = :frequency, active = :active, latitude = :latitude, longitude = :longitude, class_number = :class_number, subject_code = :subject_code, subject_name = :subject_name, class_year = :class_year, semester = :semester, division = :division, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, tmpl); err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

// Delete removes a template by id.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM recurring_templates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	return nil
}
