package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type expansionTemplateRepo interface {
	FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error)
	ListActive(ctx context.Context) ([]models.RecurringTemplate, error)
}

type overrideResolver interface {
	FindActive(ctx context.Context, templateID string, date time.Time) (*models.ScheduleOverride, error)
}

type expansionInstanceRepo interface {
	FindByTemplateDate(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error)
	Create(ctx context.Context, inst *models.ScheduleInstance) error
	Replace(ctx context.Context, oldID string, inst *models.ScheduleInstance) error
}

// ExpansionService walks a template's date range and materializes one
// schedule instance per occurrence, consulting the override resolver so
// the latest dated exceptions always win.
type ExpansionService struct {
	templates expansionTemplateRepo
	overrides overrideResolver
	instances expansionInstanceRepo
	locks     *keyedMutex
	logger    *zap.Logger
}

// NewExpansionService instantiates ExpansionService.
func NewExpansionService(templates expansionTemplateRepo, overrides overrideResolver, instances expansionInstanceRepo, logger *zap.Logger) *ExpansionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpansionService{
		templates: templates,
		overrides: overrides,
		instances: instances,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// OccurrenceDates enumerates the concrete dates a template occurs on
// within [from, to], clamped to the semester window. The stride is
// anchored at the first matching weekday on or after semester start, so
// a mid-semester query keeps the biweekly parity.
func OccurrenceDates(tmpl *models.RecurringTemplate, from, to time.Time) []time.Time {
	from = models.DateOnly(from)
	to = models.DateOnly(to)
	semStart := models.DateOnly(tmpl.SemesterStart)
	semEnd := models.DateOnly(tmpl.SemesterEnd)

	if to.Before(semStart) || from.After(semEnd) {
		return nil
	}
	if from.Before(semStart) {
		from = semStart
	}
	if to.After(semEnd) {
		to = semEnd
	}

	anchor := semStart
	for int(anchor.Weekday()) != tmpl.DayOfWeek {
		anchor = anchor.AddDate(0, 0, 1)
	}
	if anchor.After(semEnd) {
		return nil
	}

	step := tmpl.Frequency.StepDays()
	current := anchor
	if current.Before(from) {
		gapDays := int(from.Sub(current).Hours() / 24)
		strides := gapDays / step
		current = current.AddDate(0, 0, strides*step)
		for current.Before(from) {
			current = current.AddDate(0, 0, step)
		}
	}

	var dates []time.Time
	for !current.After(to) {
		dates = append(dates, current)
		current = current.AddDate(0, 0, step)
	}
	return dates
}

// Expand generates the ordered instance sequence for a template over
// [from, to] without persisting anything. A cancelled date is still
// produced so client calendars show the cancellation rather than a gap.
// A date whose override fails resolution is skipped, never aborting the
// rest of the range.
func (s *ExpansionService) Expand(ctx context.Context, tmpl *models.RecurringTemplate, from, to time.Time) ([]models.ScheduleInstance, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template")
	}

	var instances []models.ScheduleInstance
	for _, date := range OccurrenceDates(tmpl, from, to) {
		override, err := s.overrides.FindActive(ctx, tmpl.ID, date)
		if err != nil {
			s.logger.Warn("override resolution failed, skipping date",
				zap.String("template_id", tmpl.ID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
			continue
		}

		inst, err := buildInstance(tmpl, date, override)
		if err != nil {
			s.logger.Warn("instance generation failed, skipping date",
				zap.String("template_id", tmpl.ID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
			continue
		}
		instances = append(instances, *inst)
	}
	return instances, nil
}

// Materialize expands a template over [from, to] and upserts the result.
// Re-materializing an already-generated range creates no duplicates: the
// stored instance is resolved by the candidate occurrence date (the
// date the template would fire on, before any reschedule moves it), and
// an existing instance whose generated shape differs from the current
// resolution is superseded and regenerated.
func (s *ExpansionService) Materialize(ctx context.Context, templateID string, from, to time.Time) ([]models.ScheduleInstance, error) {
	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid template")
	}

	unlock := s.locks.Lock(templateID)
	defer unlock()

	var result []models.ScheduleInstance
	for _, date := range OccurrenceDates(tmpl, from, to) {
		override, err := s.overrides.FindActive(ctx, tmpl.ID, date)
		if err != nil {
			s.logger.Warn("override resolution failed, skipping date",
				zap.String("template_id", templateID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
			continue
		}
		inst, err := buildInstance(tmpl, date, override)
		if err != nil {
			s.logger.Warn("instance generation failed, skipping date",
				zap.String("template_id", templateID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
			continue
		}
		stored, err := s.upsert(ctx, date, inst)
		if err != nil {
			s.logger.Warn("instance upsert failed, skipping date",
				zap.String("template_id", templateID),
				zap.String("date", date.Format(models.DateLayout)),
				zap.Error(err))
			continue
		}
		result = append(result, *stored)
	}
	return result, nil
}

// MaterializeWindow runs Materialize for every active template, used by
// lazy calendar generation.
func (s *ExpansionService) MaterializeWindow(ctx context.Context, from, to time.Time) error {
	templates, err := s.templates.ListActive(ctx)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list templates for expansion")
	}
	for i := range templates {
		if _, err := s.Materialize(ctx, templates[i].ID, from, to); err != nil {
			s.logger.Warn("window materialization failed for template",
				zap.String("template_id", templates[i].ID),
				zap.Error(err))
		}
	}
	return nil
}

// Rematerialize regenerates the single instance for (template, date)
// after an override edit, superseding whatever is stored.
func (s *ExpansionService) Rematerialize(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error) {
	return s.materializeOne(ctx, templateID, date)
}

func (s *ExpansionService) materializeOne(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error) {
	tmpl, err := s.templates.FindByID(ctx, templateID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "template not found")
	}

	unlock := s.locks.Lock(templateID)
	defer unlock()

	override, err := s.overrides.FindActive(ctx, templateID, date)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve override")
	}

	inst, err := buildInstance(tmpl, models.DateOnly(date), override)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "inconsistent override")
	}
	return s.upsert(ctx, models.DateOnly(date), inst)
}

// upsert enforces the one-instance-per-occurrence invariant. The stored
// row is resolved by the candidate date first: a reschedule can move the
// effective date away from it, and the row left at the original date
// must be superseded, never kept as a second bookable occurrence. The
// caller must hold the template lock.
func (s *ExpansionService) upsert(ctx context.Context, candidateDate time.Time, inst *models.ScheduleInstance) (*models.ScheduleInstance, error) {
	existing, err := s.instances.FindByTemplateDate(ctx, inst.TemplateID, candidateDate)
	if err != nil {
		return nil, err
	}
	if existing == nil && !inst.Date.Equal(candidateDate) {
		// The original-date row was already superseded by an earlier
		// pass; reconcile against the moved row instead.
		existing, err = s.instances.FindByTemplateDate(ctx, inst.TemplateID, inst.Date)
		if err != nil {
			return nil, err
		}
	}

	if existing == nil {
		if err := s.instances.Create(ctx, inst); err != nil {
			return nil, err
		}
		return inst, nil
	}

	if matchesGenerated(existing, inst) {
		return existing, nil
	}

	// The resolver's latest exception wins: regenerate, don't patch.
	if err := s.instances.Replace(ctx, existing.ID, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// matchesGenerated reports whether the stored instance already reflects
// the generated shape. Lifecycle progress (scheduled → ongoing →
// completed) is not compared — the expander never rolls it back — but a
// cancellation flip always forces regeneration.
func matchesGenerated(existing, inst *models.ScheduleInstance) bool {
	if !sameOverrideBinding(existing.OverrideID, inst.OverrideID) {
		return false
	}
	if !existing.Date.Equal(inst.Date) || existing.StartTime != inst.StartTime ||
		existing.EndTime != inst.EndTime || existing.Room != inst.Room {
		return false
	}
	return (existing.Status == models.InstanceCancelled) == (inst.Status == models.InstanceCancelled)
}

func sameOverrideBinding(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// buildInstance applies the override semantics for one candidate date.
func buildInstance(tmpl *models.RecurringTemplate, date time.Time, override *models.ScheduleOverride) (*models.ScheduleInstance, error) {
	inst := &models.ScheduleInstance{
		TemplateID: tmpl.ID,
		Date:       date,
		StartTime:  tmpl.StartTime,
		EndTime:    tmpl.EndTime,
		Room:       tmpl.Room,
		Status:     models.InstanceScheduled,
		Latitude:   tmpl.Latitude,
		Longitude:  tmpl.Longitude,
	}

	if override == nil {
		return inst, nil
	}

	if err := override.Validate(); err != nil {
		return nil, err
	}

	inst.OverrideID = &override.ID
	inst.IsOverridden = true

	switch override.Kind {
	case models.OverrideCancel:
		inst.Status = models.InstanceCancelled

	case models.OverrideReschedule, models.OverrideModify:
		originalStart, originalEnd, originalRoom := tmpl.StartTime, tmpl.EndTime, tmpl.Room
		inst.OriginalStartTime = &originalStart
		inst.OriginalEndTime = &originalEnd
		inst.OriginalRoom = &originalRoom

		if override.Kind == models.OverrideReschedule && override.NewDate != nil {
			inst.Date = models.DateOnly(*override.NewDate)
		}
		if override.NewStartTime != nil {
			inst.StartTime = *override.NewStartTime
		}
		if override.NewEndTime != nil {
			inst.EndTime = *override.NewEndTime
		}
		if override.NewRoom != nil {
			inst.Room = *override.NewRoom
		}
	}

	return inst, nil
}
