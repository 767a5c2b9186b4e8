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

type overrideRepository interface {
	FindByID(ctx context.Context, id string) (*models.ScheduleOverride, error)
	FindActive(ctx context.Context, templateID string, date time.Time) (*models.ScheduleOverride, error)
	ListByTemplate(ctx context.Context, templateID string) ([]models.ScheduleOverride, error)
	Create(ctx context.Context, o *models.ScheduleOverride) error
	Update(ctx context.Context, o *models.ScheduleOverride) error
	Deactivate(ctx context.Context, id string) error
}

type overrideTemplateFinder interface {
	FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error)
}

type overrideConflictInstances interface {
	FindOnDate(ctx context.Context, date time.Time) ([]models.ScheduleInstance, error)
}

type instanceRegenerator interface {
	Rematerialize(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error)
}

// CreateOverrideRequest describes payload for creating an override.
type CreateOverrideRequest struct {
	Date         string  `json:"date" validate:"required"`
	Kind         string  `json:"kind" validate:"required,oneof=CANCEL RESCHEDULE MODIFY"`
	NewDate      *string `json:"new_date,omitempty"`
	NewStartTime *string `json:"new_start_time,omitempty"`
	NewEndTime   *string `json:"new_end_time,omitempty"`
	NewRoom      *string `json:"new_room,omitempty"`
	Reason       string  `json:"reason" validate:"required"`
}

// UpdateOverrideRequest edits an override in place; the bound instance
// is regenerated afterwards.
type UpdateOverrideRequest struct {
	Kind         *string `json:"kind,omitempty" validate:"omitempty,oneof=CANCEL RESCHEDULE MODIFY"`
	NewDate      *string `json:"new_date,omitempty"`
	NewStartTime *string `json:"new_start_time,omitempty"`
	NewEndTime   *string `json:"new_end_time,omitempty"`
	NewRoom      *string `json:"new_room,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

// OverrideService is the resolver for dated schedule exceptions. It owns
// the single-active-override-per-(template, date) invariant and triggers
// re-expansion of the affected instance on every edit.
type OverrideService struct {
	repo      overrideRepository
	templates overrideTemplateFinder
	instances overrideConflictInstances
	expander  instanceRegenerator
	cache     cacheInvalidator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewOverrideService instantiates OverrideService.
func NewOverrideService(repo overrideRepository, templates overrideTemplateFinder, instances overrideConflictInstances, expander instanceRegenerator, cache cacheInvalidator, validate *validator.Validate, logger *zap.Logger) *OverrideService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OverrideService{
		repo:      repo,
		templates: templates,
		instances: instances,
		expander:  expander,
		validator: validate,
		cache:     cache,
		logger:    logger,
	}
}

// Resolve returns the active override for (template, date), or nil.
func (s *OverrideService) Resolve(ctx context.Context, templateID string, date time.Time) (*models.ScheduleOverride, error) {
	override, err := s.repo.FindActive(ctx, templateID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve override")
	}
	return override, nil
}

// ListByTemplate returns the override history for a template.
func (s *OverrideService) ListByTemplate(ctx context.Context, templateID string) ([]models.ScheduleOverride, error) {
	overrides, err := s.repo.ListByTemplate(ctx, templateID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list overrides")
	}
	return overrides, nil
}

// Create registers a dated exception. A second active override for the
// same (template, date) is rejected, never silently overwritten.
func (s *OverrideService) Create(ctx context.Context, templateID string, req CreateOverrideRequest) (*models.ScheduleOverride, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid override payload")
	}

	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}

	date, err := time.Parse(models.DateLayout, req.Date)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid override date")
	}

	override := models.ScheduleOverride{
		TemplateID:   templateID,
		Date:         models.DateOnly(date),
		Kind:         models.OverrideKind(req.Kind),
		NewStartTime: req.NewStartTime,
		NewEndTime:   req.NewEndTime,
		NewRoom:      req.NewRoom,
		Reason:       req.Reason,
		Active:       true,
	}
	if req.NewDate != nil {
		parsed, err := time.Parse(models.DateLayout, *req.NewDate)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid new_date")
		}
		newDate := models.DateOnly(parsed)
		override.NewDate = &newDate
	}

	if err := override.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid override")
	}

	existing, err := s.repo.FindActive(ctx, templateID, override.Date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing overrides")
	}
	if existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("an active override already exists for %s", override.Date.Format(models.DateLayout)))
	}

	if err := s.ensureNoBookingConflict(ctx, tmpl, &override); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, &override); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create override")
	}

	s.invalidate(ctx, templateID, override.Date)
	return &override, nil
}

// Update edits an override and regenerates the affected instance.
func (s *OverrideService) Update(ctx context.Context, id string, req UpdateOverrideRequest) (*models.ScheduleOverride, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid override payload")
	}

	override, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Kind != nil {
		override.Kind = models.OverrideKind(*req.Kind)
	}
	if req.NewDate != nil {
		parsed, err := time.Parse(models.DateLayout, *req.NewDate)
		if err != nil {
			return nil, appErrors.Clone(appErrors.ErrValidation, "invalid new_date")
		}
		newDate := models.DateOnly(parsed)
		override.NewDate = &newDate
	}
	if req.NewStartTime != nil {
		override.NewStartTime = req.NewStartTime
	}
	if req.NewEndTime != nil {
		override.NewEndTime = req.NewEndTime
	}
	if req.NewRoom != nil {
		override.NewRoom = req.NewRoom
	}
	if req.Reason != nil {
		override.Reason = *req.Reason
	}

	if err := override.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid override")
	}

	if err := s.repo.Update(ctx, override); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update override")
	}

	s.invalidate(ctx, override.TemplateID, override.Date)
	return override, nil
}

// Deactivate retires an override and regenerates the affected instance
// from the bare template.
func (s *OverrideService) Deactivate(ctx context.Context, id string) error {
	override, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate override")
	}

	s.invalidate(ctx, override.TemplateID, override.Date)
	return nil
}

func (s *OverrideService) get(ctx context.Context, id string) (*models.ScheduleOverride, error) {
	override, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "override not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load override")
	}
	return override, nil
}

// invalidate triggers re-expansion of the affected date and purges the
// calendar cache for the template.
func (s *OverrideService) invalidate(ctx context.Context, templateID string, date time.Time) {
	if s.expander != nil {
		if _, err := s.expander.Rematerialize(ctx, templateID, date); err != nil {
			s.logger.Warn("instance regeneration failed after override edit",
				zap.String("template_id", templateID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.DeleteByPattern(ctx, "calendar:*"); err != nil {
			s.logger.Warn("calendar cache invalidation failed", zap.Error(err))
		}
	}
}

// ensureNoBookingConflict rejects a reschedule/modify whose effective
// date and time collide with an already-materialized occurrence of
// another template, on either the teacher or the room dimension. The
// occupying instance carries no teacher of its own, so the teacher is
// resolved through its template.
func (s *OverrideService) ensureNoBookingConflict(ctx context.Context, tmpl *models.RecurringTemplate, override *models.ScheduleOverride) error {
	if override.Kind == models.OverrideCancel {
		return nil
	}

	effectiveDate := override.Date
	if override.NewDate != nil {
		effectiveDate = *override.NewDate
	}
	effectiveStart := tmpl.StartTime
	if override.NewStartTime != nil {
		effectiveStart = *override.NewStartTime
	}
	effectiveEnd := tmpl.EndTime
	if override.NewEndTime != nil {
		effectiveEnd = *override.NewEndTime
	}
	effectiveRoom := tmpl.Room
	if override.NewRoom != nil {
		effectiveRoom = *override.NewRoom
	}

	start, err := models.ParseClock(effectiveStart)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid effective start time")
	}
	end, err := models.ParseClock(effectiveEnd)
	if err != nil {
		return appErrors.Clone(appErrors.ErrValidation, "invalid effective end time")
	}
	if start >= end {
		return appErrors.Clone(appErrors.ErrValidation, "effective start must precede effective end")
	}

	occupied, err := s.instances.FindOnDate(ctx, effectiveDate)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check occupied slots")
	}

	for i := range occupied {
		other := &occupied[i]
		if other.TemplateID == tmpl.ID {
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
		if otherTmpl, err := s.templates.FindByID(ctx, other.TemplateID); err == nil && otherTmpl.TeacherID == tmpl.TeacherID {
			return wrapInstanceConflict("teacher already booked on the requested date", other, otherTmpl.TeacherID, "TEACHER")
		}
		if other.Room == effectiveRoom {
			return wrapInstanceConflict("room already occupied on the requested date", other, "", "ROOM")
		}
	}
	return nil
}

func wrapInstanceConflict(message string, other *models.ScheduleInstance, teacherID, dimension string) error {
	domainErr := &models.BookingConflictError{
		Message: message,
		Conflict: models.BookingConflict{
			TemplateID: other.TemplateID,
			InstanceID: other.ID,
			TeacherID:  teacherID,
			Room:       other.Room,
			Date:       other.Date.Format(models.DateLayout),
			StartTime:  other.StartTime,
			EndTime:    other.EndTime,
			Dimension:  dimension,
		},
	}
	return appErrors.Wrap(domainErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, fmt.Sprintf("booking conflict: %s", message))
}
