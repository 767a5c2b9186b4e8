package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-edu/presensi-api/internal/models"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type templateRepoStub struct {
	templates map[string]*models.RecurringTemplate
	seq       int
}

func newTemplateRepoStub(templates ...*models.RecurringTemplate) *templateRepoStub {
	stub := &templateRepoStub{templates: map[string]*models.RecurringTemplate{}}
	for _, tmpl := range templates {
		stub.templates[tmpl.ID] = tmpl
	}
	return stub
}

func (s *templateRepoStub) List(ctx context.Context, filter models.TemplateFilter) ([]models.RecurringTemplate, int, error) {
	var out []models.RecurringTemplate
	for _, tmpl := range s.templates {
		out = append(out, *tmpl)
	}
	return out, len(out), nil
}

func (s *templateRepoStub) FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	if tmpl, ok := s.templates[id]; ok {
		copied := *tmpl
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *templateRepoStub) FindCandidates(ctx context.Context, dayOfWeek int, windowStart, windowEnd time.Time) ([]models.RecurringTemplate, error) {
	var out []models.RecurringTemplate
	for _, tmpl := range s.templates {
		if !tmpl.Active || tmpl.DayOfWeek != dayOfWeek {
			continue
		}
		if tmpl.SemesterEnd.Before(windowStart) || tmpl.SemesterStart.After(windowEnd) {
			continue
		}
		out = append(out, *tmpl)
	}
	return out, nil
}

func (s *templateRepoStub) Create(ctx context.Context, tmpl *models.RecurringTemplate) error {
	s.seq++
	if tmpl.ID == "" {
		tmpl.ID = fmt.Sprintf("tmpl-new-%d", s.seq)
	}
	copied := *tmpl
	s.templates[tmpl.ID] = &copied
	return nil
}

func (s *templateRepoStub) Update(ctx context.Context, tmpl *models.RecurringTemplate) error {
	copied := *tmpl
	s.templates[tmpl.ID] = &copied
	return nil
}

func (s *templateRepoStub) Delete(ctx context.Context, id string) error {
	delete(s.templates, id)
	return nil
}

type instanceRangeStub struct {
	instances []models.ScheduleInstance
	err       error
}

func (s *instanceRangeStub) Range(ctx context.Context, filter models.InstanceFilter) ([]models.ScheduleInstance, error) {
	return s.instances, s.err
}

func createTemplateRequest() CreateTemplateRequest {
	return CreateTemplateRequest{
		ClassID:       "class-1",
		SubjectID:     "subj-1",
		TeacherID:     "teacher-1",
		DayOfWeek:     1,
		StartTime:     "08:00",
		EndTime:       "09:30",
		Room:          "R101",
		SemesterStart: "2025-07-01",
		SemesterEnd:   "2025-12-20",
		Frequency:     "WEEKLY",
		Latitude:      -6.2,
		Longitude:     106.8,
		ClassNumber:   "XII-A",
		SubjectCode:   "MTK",
		SubjectName:   "Matematika",
		ClassYear:     "2025/2026",
		Semester:      "GANJIL",
		Division:      "IPA",
	}
}

func TestCreateTemplate(t *testing.T) {
	repo := newTemplateRepoStub()
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	tmpl, err := svc.Create(context.Background(), createTemplateRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, tmpl.ID)
	assert.True(t, tmpl.Active)
	assert.Equal(t, models.FrequencyWeekly, tmpl.Frequency)
	assert.Equal(t, "2025-07-01", tmpl.SemesterStart.Format(models.DateLayout))
}

func TestCreateTemplateRejectsInvertedClock(t *testing.T) {
	svc := NewTemplateService(newTemplateRepoStub(), &instanceRangeStub{}, nil, nil, nil)

	req := createTemplateRequest()
	req.StartTime = "10:00"
	req.EndTime = "09:00"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestCreateTemplateTeacherConflict(t *testing.T) {
	existing := weeklyTemplate(t)
	existing.Room = "R999"
	repo := newTemplateRepoStub(existing)
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	req := createTemplateRequest()
	req.Room = "R102"
	req.StartTime = "09:00" // overlaps 08:00-09:30
	req.EndTime = "10:30"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	var conflict *models.BookingConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "TEACHER", conflict.Conflict.Dimension)
	assert.Equal(t, existing.ID, conflict.Conflict.TemplateID)
}

func TestCreateTemplateRoomConflict(t *testing.T) {
	existing := weeklyTemplate(t)
	repo := newTemplateRepoStub(existing)
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	req := createTemplateRequest()
	req.TeacherID = "teacher-2"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)

	var conflict *models.BookingConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "ROOM", conflict.Conflict.Dimension)
}

func TestCreateTemplateBackToBackAllowed(t *testing.T) {
	repo := newTemplateRepoStub(weeklyTemplate(t))
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	// 09:30 start touches the existing 08:00-09:30 block; half-open
	// ranges make this legal.
	req := createTemplateRequest()
	req.StartTime = "09:30"
	req.EndTime = "11:00"
	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
}

func TestCreateTemplateDifferentDayAllowed(t *testing.T) {
	repo := newTemplateRepoStub(weeklyTemplate(t))
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	req := createTemplateRequest()
	req.DayOfWeek = 2
	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)
}

func TestUpdateTemplateProspective(t *testing.T) {
	existing := weeklyTemplate(t)
	repo := newTemplateRepoStub(existing)
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	newRoom := "R202"
	updated, err := svc.Update(context.Background(), existing.ID, UpdateTemplateRequest{Room: &newRoom})
	require.NoError(t, err)
	assert.Equal(t, "R202", updated.Room)
}

func TestUpdateTemplateFreezesTemporalFields(t *testing.T) {
	existing := weeklyTemplate(t)
	repo := newTemplateRepoStub(existing)
	past := &instanceRangeStub{instances: []models.ScheduleInstance{{
		ID:         "inst-old",
		TemplateID: existing.ID,
		Date:       mustDate(t, "2025-07-07"),
		Status:     models.InstanceCompleted,
	}}}
	svc := NewTemplateService(repo, past, nil, nil, nil)

	newStart := "10:00"
	_, err := svc.Update(context.Background(), existing.ID, UpdateTemplateRequest{StartTime: &newStart})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	// Non-temporal fields remain editable.
	newRoom := "R303"
	updated, err := svc.Update(context.Background(), existing.ID, UpdateTemplateRequest{Room: &newRoom})
	require.NoError(t, err)
	assert.Equal(t, "R303", updated.Room)
}

func TestUpdateTemplateIgnoresSelfConflict(t *testing.T) {
	existing := weeklyTemplate(t)
	repo := newTemplateRepoStub(existing)
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	inactive := false
	updated, err := svc.Update(context.Background(), existing.ID, UpdateTemplateRequest{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)
}

func TestDeleteTemplate(t *testing.T) {
	existing := weeklyTemplate(t)
	repo := newTemplateRepoStub(existing)
	svc := NewTemplateService(repo, &instanceRangeStub{}, nil, nil, nil)

	require.NoError(t, svc.Delete(context.Background(), existing.ID))

	err := svc.Delete(context.Background(), existing.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
