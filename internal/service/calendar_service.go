package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/config"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type instanceRangeRepo interface {
	Range(ctx context.Context, filter models.InstanceFilter) ([]models.ScheduleInstance, error)
}

type windowMaterializer interface {
	MaterializeWindow(ctx context.Context, from, to time.Time) error
}

type calendarCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CalendarQuery is a calendar range request.
type CalendarQuery struct {
	From       time.Time
	To         time.Time
	TeacherID  string
	ClassID    string
	TemplateID string
}

// CalendarService answers date-range views over materialized instances,
// lazily expanding templates for windows that were never generated.
type CalendarService struct {
	instances instanceRangeRepo
	expander  windowMaterializer
	cache     calendarCache
	cfg       config.CalendarConfig
	lazy      bool
	logger    *zap.Logger
}

// NewCalendarService instantiates CalendarService.
func NewCalendarService(instances instanceRangeRepo, expander windowMaterializer, cache calendarCache, cfg config.CalendarConfig, lazy bool, logger *zap.Logger) *CalendarService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &CalendarService{
		instances: instances,
		expander:  expander,
		cache:     cache,
		cfg:       cfg,
		lazy:      lazy,
		logger:    logger,
	}
}

// Range returns the instances in [query.From, query.To], materializing
// the window first when lazy expansion is enabled. Served from cache
// when a fresh copy exists; every mutation path purges calendar keys.
// The second return reports whether the cache answered.
func (s *CalendarService) Range(ctx context.Context, query CalendarQuery) ([]models.ScheduleInstance, bool, error) {
	if query.From.IsZero() || query.To.IsZero() {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "date range is required")
	}
	from := models.DateOnly(query.From)
	to := models.DateOnly(query.To)
	if to.Before(from) {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "date range end precedes start")
	}

	key := calendarKey(query, from, to)
	if s.cache != nil {
		var cached []models.ScheduleInstance
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, true, nil
		}
	}

	if s.lazy && s.expander != nil {
		if err := s.expander.MaterializeWindow(ctx, from, to); err != nil {
			s.logger.Warn("lazy window materialization failed", zap.Error(err))
		}
	}

	instances, err := s.instances.Range(ctx, models.InstanceFilter{
		TemplateID: query.TemplateID,
		TeacherID:  query.TeacherID,
		ClassID:    query.ClassID,
		DateFrom:   &from,
		DateTo:     &to,
	})
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to query calendar range")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, instances, s.cfg.CacheTTL); err != nil {
			s.logger.Warn("calendar cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return instances, false, nil
}

// TeacherWeek is a convenience view: a teacher's instances for the week
// containing the given date, Monday through Sunday.
func (s *CalendarService) TeacherWeek(ctx context.Context, teacherID string, anchor time.Time) ([]models.ScheduleInstance, bool, error) {
	from := models.DateOnly(anchor)
	for from.Weekday() != time.Monday {
		from = from.AddDate(0, 0, -1)
	}
	return s.Range(ctx, CalendarQuery{
		From:      from,
		To:        from.AddDate(0, 0, 6),
		TeacherID: teacherID,
	})
}

func calendarKey(query CalendarQuery, from, to time.Time) string {
	return fmt.Sprintf("calendar:%s:%s:%s:%s:%s",
		from.Format(models.DateLayout),
		to.Format(models.DateLayout),
		query.TeacherID,
		query.ClassID,
		query.TemplateID)
}
