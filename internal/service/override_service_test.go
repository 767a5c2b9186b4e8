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

type overrideRepoStub struct {
	overrides map[string]*models.ScheduleOverride
	seq       int
}

func newOverrideRepoStub(overrides ...*models.ScheduleOverride) *overrideRepoStub {
	stub := &overrideRepoStub{overrides: map[string]*models.ScheduleOverride{}}
	for _, o := range overrides {
		stub.overrides[o.ID] = o
	}
	return stub
}

func (s *overrideRepoStub) FindByID(ctx context.Context, id string) (*models.ScheduleOverride, error) {
	if o, ok := s.overrides[id]; ok {
		copied := *o
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *overrideRepoStub) FindActive(ctx context.Context, templateID string, date time.Time) (*models.ScheduleOverride, error) {
	for _, o := range s.overrides {
		if o.Active && o.TemplateID == templateID && o.Date.Equal(date) {
			copied := *o
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *overrideRepoStub) ListByTemplate(ctx context.Context, templateID string) ([]models.ScheduleOverride, error) {
	var out []models.ScheduleOverride
	for _, o := range s.overrides {
		if o.TemplateID == templateID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *overrideRepoStub) Create(ctx context.Context, o *models.ScheduleOverride) error {
	s.seq++
	if o.ID == "" {
		o.ID = fmt.Sprintf("ovr-%d", s.seq)
	}
	copied := *o
	s.overrides[o.ID] = &copied
	return nil
}

func (s *overrideRepoStub) Update(ctx context.Context, o *models.ScheduleOverride) error {
	copied := *o
	s.overrides[o.ID] = &copied
	return nil
}

func (s *overrideRepoStub) Deactivate(ctx context.Context, id string) error {
	if o, ok := s.overrides[id]; ok {
		o.Active = false
	}
	return nil
}

type instancesOnDateStub struct {
	instances []models.ScheduleInstance
}

func (s *instancesOnDateStub) FindOnDate(ctx context.Context, date time.Time) ([]models.ScheduleInstance, error) {
	var out []models.ScheduleInstance
	for _, inst := range s.instances {
		if inst.Date.Equal(date) {
			out = append(out, inst)
		}
	}
	return out, nil
}

type rematerializerStub struct {
	calls []string // "templateID|date"
	err   error
}

func (s *rematerializerStub) Rematerialize(ctx context.Context, templateID string, date time.Time) (*models.ScheduleInstance, error) {
	s.calls = append(s.calls, templateID+"|"+date.Format(models.DateLayout))
	if s.err != nil {
		return nil, s.err
	}
	return &models.ScheduleInstance{TemplateID: templateID, Date: date}, nil
}

func newTestOverrideService(t *testing.T, repo *overrideRepoStub, instances *instancesOnDateStub, expander *rematerializerStub) *OverrideService {
	t.Helper()
	if instances == nil {
		instances = &instancesOnDateStub{}
	}
	templates := &templateStoreStub{templates: map[string]*models.RecurringTemplate{"tmpl-1": weeklyTemplate(t)}}
	var regen instanceRegenerator
	if expander != nil {
		regen = expander
	}
	return NewOverrideService(repo, templates, instances, regen, nil, nil, nil)
}

func TestCreateCancelOverride(t *testing.T) {
	repo := newOverrideRepoStub()
	expander := &rematerializerStub{}
	svc := newTestOverrideService(t, repo, nil, expander)

	override, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date:   "2025-07-14",
		Kind:   "CANCEL",
		Reason: "public holiday",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, override.ID)
	assert.True(t, override.Active)
	assert.Equal(t, models.OverrideCancel, override.Kind)

	require.Len(t, expander.calls, 1)
	assert.Equal(t, "tmpl-1|2025-07-14", expander.calls[0])
}

func TestCreateOverrideRejectsDuplicateDate(t *testing.T) {
	repo := newOverrideRepoStub()
	svc := newTestOverrideService(t, repo, nil, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "CANCEL", Reason: "holiday",
	})
	require.NoError(t, err)

	// The second exception for the same date must be rejected, not
	// silently overwrite the first.
	_, err = svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "MODIFY", NewRoom: strPtr("R202"), Reason: "room change",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
	assert.Len(t, repo.overrides, 1)
}

func TestCreateOverrideAllowedAfterDeactivation(t *testing.T) {
	repo := newOverrideRepoStub()
	svc := newTestOverrideService(t, repo, nil, nil)

	first, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "CANCEL", Reason: "holiday",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Deactivate(context.Background(), first.ID))

	_, err = svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "MODIFY", NewRoom: strPtr("R202"), Reason: "room change",
	})
	require.NoError(t, err)
}

func TestCreateRescheduleRequiresNewDate(t *testing.T) {
	svc := newTestOverrideService(t, newOverrideRepoStub(), nil, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "RESCHEDULE", Reason: "renovation",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestCreateModifyRequiresSomeChange(t *testing.T) {
	svc := newTestOverrideService(t, newOverrideRepoStub(), nil, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "MODIFY", Reason: "noop",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestCreateOverrideUnknownTemplate(t *testing.T) {
	svc := newTestOverrideService(t, newOverrideRepoStub(), nil, nil)

	_, err := svc.Create(context.Background(), "ghost", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "CANCEL", Reason: "holiday",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestCreateRescheduleRoomConflict(t *testing.T) {
	occupied := &instancesOnDateStub{instances: []models.ScheduleInstance{{
		ID:         "inst-other",
		TemplateID: "tmpl-2",
		Date:       mustDate(t, "2025-07-16"),
		StartTime:  "08:00",
		EndTime:    "09:30",
		Room:       "R101",
		Status:     models.InstanceScheduled,
	}}}
	svc := newTestOverrideService(t, newOverrideRepoStub(), occupied, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date:    "2025-07-14",
		Kind:    "RESCHEDULE",
		NewDate: strPtr("2025-07-16"),
		Reason:  "renovation",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestCreateRescheduleTeacherConflict(t *testing.T) {
	// Another template of the same teacher occupies the target slot in a
	// different room: the room check alone would let this through.
	otherTmpl := weeklyTemplate(t)
	otherTmpl.ID = "tmpl-2"
	otherTmpl.Room = "R999"
	templates := &templateStoreStub{templates: map[string]*models.RecurringTemplate{
		"tmpl-1": weeklyTemplate(t),
		"tmpl-2": otherTmpl,
	}}
	occupied := &instancesOnDateStub{instances: []models.ScheduleInstance{{
		ID:         "inst-other",
		TemplateID: "tmpl-2",
		Date:       mustDate(t, "2025-07-16"),
		StartTime:  "08:00",
		EndTime:    "09:30",
		Room:       "R999",
		Status:     models.InstanceScheduled,
	}}}
	svc := NewOverrideService(newOverrideRepoStub(), templates, occupied, nil, nil, nil, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date:    "2025-07-14",
		Kind:    "RESCHEDULE",
		NewDate: strPtr("2025-07-16"),
		Reason:  "renovation",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	var conflict *models.BookingConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "TEACHER", conflict.Conflict.Dimension)
	assert.Equal(t, "teacher-1", conflict.Conflict.TeacherID)
	assert.Equal(t, "inst-other", conflict.Conflict.InstanceID)
}

func TestCreateRescheduleDodgesConflictWithNewRoom(t *testing.T) {
	occupied := &instancesOnDateStub{instances: []models.ScheduleInstance{{
		ID:         "inst-other",
		TemplateID: "tmpl-2",
		Date:       mustDate(t, "2025-07-16"),
		StartTime:  "08:00",
		EndTime:    "09:30",
		Room:       "R101",
		Status:     models.InstanceScheduled,
	}}}
	svc := newTestOverrideService(t, newOverrideRepoStub(), occupied, nil)

	_, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date:    "2025-07-14",
		Kind:    "RESCHEDULE",
		NewDate: strPtr("2025-07-16"),
		NewRoom: strPtr("R202"),
		Reason:  "renovation",
	})
	require.NoError(t, err)
}

func TestUpdateOverrideRegeneratesInstance(t *testing.T) {
	repo := newOverrideRepoStub()
	expander := &rematerializerStub{}
	svc := newTestOverrideService(t, repo, nil, expander)

	created, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "MODIFY", NewRoom: strPtr("R202"), Reason: "room change",
	})
	require.NoError(t, err)
	require.Len(t, expander.calls, 1)

	updated, err := svc.Update(context.Background(), created.ID, UpdateOverrideRequest{
		NewRoom: strPtr("R303"),
	})
	require.NoError(t, err)
	assert.Equal(t, "R303", *updated.NewRoom)
	require.Len(t, expander.calls, 2, "every edit must regenerate the bound instance")
	assert.Equal(t, "tmpl-1|2025-07-14", expander.calls[1])
}

func TestDeactivateOverrideRegeneratesFromTemplate(t *testing.T) {
	repo := newOverrideRepoStub()
	expander := &rematerializerStub{}
	svc := newTestOverrideService(t, repo, nil, expander)

	created, err := svc.Create(context.Background(), "tmpl-1", CreateOverrideRequest{
		Date: "2025-07-14", Kind: "CANCEL", Reason: "holiday",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(context.Background(), created.ID))
	assert.False(t, repo.overrides[created.ID].Active)
	require.Len(t, expander.calls, 2)
}

func strPtr(s string) *string { return &s }
