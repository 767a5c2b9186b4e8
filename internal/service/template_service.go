package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type templateRepository interface {
	List(ctx context.Context, filter models.TemplateFilter) ([]models.RecurringTemplate, int, error)
	FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error)
	FindCandidates(ctx context.Context, dayOfWeek int, windowStart, windowEnd time.Time) ([]models.RecurringTemplate, error)
	Create(ctx context.Context, tmpl *models.RecurringTemplate) error
	Update(ctx context.Context, tmpl *models.RecurringTemplate) error
	Delete(ctx context.Context, id string) error
}

type templateInstanceRepo interface {
	Range(ctx context.Context, filter models.InstanceFilter) ([]models.ScheduleInstance, error)
}

type cacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

// CreateTemplateRequest describes payload for creating a template.
type CreateTemplateRequest struct {
	ClassID       string  `json:"class_id" validate:"required"`
	SubjectID     string  `json:"subject_id" validate:"required"`
	TeacherID     string  `json:"teacher_id" validate:"required"`
	DayOfWeek     int     `json:"day_of_week" validate:"min=0,max=6"`
	StartTime     string  `json:"start_time" validate:"required"`
	EndTime       string  `json:"end_time" validate:"required"`
	Room          string  `json:"room" validate:"required"`
	SemesterStart string  `json:"semester_start" validate:"required"`
	SemesterEnd   string  `json:"semester_end" validate:"required"`
	Frequency     string  `json:"frequency" validate:"required,oneof=WEEKLY BIWEEKLY"`
	Latitude      float64 `json:"latitude" validate:"required"`
	Longitude     float64 `json:"longitude" validate:"required"`
	ClassNumber   string  `json:"class_number" validate:"required"`
	SubjectCode   string  `json:"subject_code" validate:"required"`
	SubjectName   string  `json:"subject_name" validate:"required"`
	ClassYear     string  `json:"class_year" validate:"required"`
	Semester      string  `json:"semester" validate:"required"`
	Division      string  `json:"division" validate:"required"`
}

// UpdateTemplateRequest updates an existing template.
type UpdateTemplateRequest struct {
	DayOfWeek     *int     `json:"day_of_week,omitempty" validate:"omitempty,min=0,max=6"`
	StartTime     *string  `json:"start_time,omitempty"`
	EndTime       *string  `json:"end_time,omitempty"`
	Room          *string  `json:"room,omitempty"`
	SemesterStart *string  `json:"semester_start,omitempty"`
	SemesterEnd   *string  `json:"semester_end,omitempty"`
	Frequency     *string  `json:"frequency,omitempty" validate:"omitempty,oneof=WEEKLY BIWEEKLY"`
	Active        *bool    `json:"active,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

// TemplateService coordinates recurring template writes and the
// cross-cutting double-booking check.
type TemplateService struct {
	repo      templateRepository
	instances templateInstanceRepo
	cache     cacheInvalidator
	validator *validator.Validate
	locks     *keyedMutex
	logger    *zap.Logger
}

// NewTemplateService instantiates TemplateService.
func NewTemplateService(repo templateRepository, instances templateInstanceRepo, cache cacheInvalidator, validate *validator.Validate, logger *zap.Logger) *TemplateService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateService{
		repo:      repo,
		instances: instances,
		cache:     cache,
		validator: validate,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// List returns templates with pagination metadata.
func (s *TemplateService) List(ctx context.Context, filter models.TemplateFilter) ([]models.RecurringTemplate, *models.Pagination, error) {
	templates, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list templates")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return templates, pagination, nil
}

// Get loads one template.
func (s *TemplateService) Get(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	tmpl, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}
	return tmpl, nil
}

// Create inserts a new template after validation and conflict detection.
func (s *TemplateService) Create(ctx context.Context, req CreateTemplateRequest) (*models.RecurringTemplate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template payload")
	}

	semStart, err := time.Parse(models.DateLayout, req.SemesterStart)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid semester_start date")
	}
	semEnd, err := time.Parse(models.DateLayout, req.SemesterEnd)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid semester_end date")
	}

	tmpl := models.RecurringTemplate{
		ClassID:       req.ClassID,
		SubjectID:     req.SubjectID,
		TeacherID:     req.TeacherID,
		DayOfWeek:     req.DayOfWeek,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		Room:          req.Room,
		SemesterStart: models.DateOnly(semStart),
		SemesterEnd:   models.DateOnly(semEnd),
		Frequency:     models.RecurrenceFrequency(req.Frequency),
		Active:        true,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
		ClassNumber:   req.ClassNumber,
		SubjectCode:   req.SubjectCode,
		SubjectName:   req.SubjectName,
		ClassYear:     req.ClassYear,
		Semester:      req.Semester,
		Division:      req.Division,
	}

	if err := tmpl.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template")
	}

	// Serialize conflict check + insert per (teacher, weekday) so two
	// concurrent writers cannot both pass the overlap check.
	unlock := s.locks.Lock(fmt.Sprintf("%s|%d", tmpl.TeacherID, tmpl.DayOfWeek))
	defer unlock()

	if err := s.ensureNoConflict(ctx, &tmpl, ""); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, &tmpl); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create template")
	}
	s.invalidateCalendars(ctx)
	return &tmpl, nil
}

// Update modifies a template prospectively. Temporal fields are frozen
// once instances exist for a past date.
func (s *TemplateService) Update(ctx context.Context, id string, req UpdateTemplateRequest) (*models.RecurringTemplate, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template payload")
	}

	tmpl, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	temporalChange := req.DayOfWeek != nil || req.StartTime != nil || req.EndTime != nil ||
		req.SemesterStart != nil || req.SemesterEnd != nil || req.Frequency != nil
	if temporalChange {
		frozen, err := s.hasPastInstances(ctx, id)
		if err != nil {
			return nil, err
		}
		if frozen {
			return nil, appErrors.Clone(appErrors.ErrConflict, "template has past instances; temporal fields are immutable")
		}
	}

	if req.DayOfWeek != nil {
		tmpl.DayOfWeek = *req.DayOfWeek
	}
	if req.StartTime != nil {
		tmpl.StartTime = *req.StartTime
	}
	if req.EndTime != nil {
		tmpl.EndTime = *req.EndTime
	}
	if req.Room != nil {
		tmpl.Room = *req.Room
	}
	if req.SemesterStart != nil {
		parsed, err := time.Parse(models.DateLayout, *req.SemesterStart)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid semester_start date")
		}
		tmpl.SemesterStart = models.DateOnly(parsed)
	}
	if req.SemesterEnd != nil {
		parsed, err := time.Parse(models.DateLayout, *req.SemesterEnd)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid semester_end date")
		}
		tmpl.SemesterEnd = models.DateOnly(parsed)
	}
	if req.Frequency != nil {
		tmpl.Frequency = models.RecurrenceFrequency(*req.Frequency)
	}
	if req.Active != nil {
		tmpl.Active = *req.Active
	}
	if req.Latitude != nil {
		tmpl.Latitude = *req.Latitude
	}
	if req.Longitude != nil {
		tmpl.Longitude = *req.Longitude
	}

	if err := tmpl.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template")
	}

	unlock := s.locks.Lock(fmt.Sprintf("%s|%d", tmpl.TeacherID, tmpl.DayOfWeek))
	defer unlock()

	if err := s.ensureNoConflict(ctx, tmpl, tmpl.ID); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, tmpl); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update template")
	}
	s.invalidateCalendars(ctx)
	return tmpl, nil
}

// Delete removes a template.
func (s *TemplateService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete template")
	}
	s.invalidateCalendars(ctx)
	return nil
}

func (s *TemplateService) hasPastInstances(ctx context.Context, templateID string) (bool, error) {
	yesterday := models.DateOnly(time.Now().UTC()).AddDate(0, 0, -1)
	instances, err := s.instances.Range(ctx, models.InstanceFilter{
		TemplateID: templateID,
		DateTo:     &yesterday,
	})
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check template instances")
	}
	return len(instances) > 0, nil
}

// ensureNoConflict rejects a template that would double-book its teacher
// or room: same weekday, overlapping minute interval, intersecting
// semester window.
func (s *TemplateService) ensureNoConflict(ctx context.Context, tmpl *models.RecurringTemplate, ignoreID string) error {
	candidates, err := s.repo.FindCandidates(ctx, tmpl.DayOfWeek, tmpl.SemesterStart, tmpl.SemesterEnd)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check template conflicts")
	}

	start, _ := models.ParseClock(tmpl.StartTime)
	end, _ := models.ParseClock(tmpl.EndTime)

	for i := range candidates {
		other := &candidates[i]
		if other.ID == ignoreID {
			continue
		}
		otherStart, err := models.ParseClock(other.StartTime)
		if err != nil {
			continue
		}
		otherEnd, err := models.ParseClock(other.EndTime)
		if err != nil {
			continue
		}
		if !models.ClockRangesOverlap(start, end, otherStart, otherEnd) {
			continue
		}
		if other.TeacherID == tmpl.TeacherID {
			return wrapBookingConflict("teacher already booked in this slot", other, "TEACHER")
		}
		if other.Room == tmpl.Room {
			return wrapBookingConflict("room already booked in this slot", other, "ROOM")
		}
	}
	return nil
}

func wrapBookingConflict(message string, other *models.RecurringTemplate, dimension string) error {
	domainErr := &models.BookingConflictError{
		Message: message,
		Conflict: models.BookingConflict{
			TemplateID: other.ID,
			TeacherID:  other.TeacherID,
			Room:       other.Room,
			DayOfWeek:  other.DayOfWeek,
			StartTime:  other.StartTime,
			EndTime:    other.EndTime,
			Dimension:  dimension,
		},
	}
	return appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, fmt.Sprintf("booking conflict: %s", message))
}

func (s *TemplateService) invalidateCalendars(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "calendar:*"); err != nil {
		s.logger.Warn("calendar cache invalidation failed", zap.Error(err))
	}
}
