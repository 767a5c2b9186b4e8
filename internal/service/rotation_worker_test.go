package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/config"
)

type reaperStub struct {
	cutoffs []time.Time
	deleted int64
	err     error
}

func (s *reaperStub) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	if s.err != nil {
		return 0, s.err
	}
	return s.deleted, nil
}

func TestRotatorTickRotatesEveryActiveSession(t *testing.T) {
	sessions := newSessionRepoStub()
	second := testInstance(t)
	second.ID = "inst-2"
	instances := newSessionInstanceStub(testInstance(t), second)
	svc := newTestSessionService(t, sessions, instances)

	claims := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	first, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-1"}, claims)
	require.NoError(t, err)
	other, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-2"}, claims)
	require.NoError(t, err)

	rotator := NewSessionRotator(sessions, svc, sessionTestConfig(), nil)
	rotator.tick(context.Background())

	for _, started := range []*models.QRSession{first, other} {
		stored, err := sessions.FindByID(context.Background(), started.ID)
		require.NoError(t, err)
		assert.NotEqual(t, started.CurrentToken, stored.CurrentToken, "session %s must receive a fresh token", started.ID)
		assert.Equal(t, started.ExpiresAt, stored.ExpiresAt, "rotation must not extend expiry")
		assert.True(t, stored.Active)
	}
}

func TestRotatorTickClosesExpiredSession(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)

	svc.now = func() time.Time { return sess.ExpiresAt.Add(time.Second) }
	rotator := NewSessionRotator(sessions, svc, sessionTestConfig(), nil)
	rotator.tick(context.Background())

	stored, err := sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active, "an expired session found by the rotator must be closed")
	assert.Equal(t, sess.CurrentToken, stored.CurrentToken, "a terminal session keeps its last token")

	// No scan ever arrived, so the instance never went ongoing and the
	// close cannot jump it straight to completed.
	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceScheduled, inst.Status)

	// The next pass sees no active sessions and stays quiet.
	rotator.tick(context.Background())
	active, err := sessions.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRetentionSweepCutoffHonorsGrace(t *testing.T) {
	reaper := &reaperStub{deleted: 2}
	sweeper := NewRetentionSweeper(reaper, config.RetentionConfig{Grace: 24 * time.Hour}, nil)

	sweeper.Sweep(context.Background())

	require.Len(t, reaper.cutoffs, 1)
	assert.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), reaper.cutoffs[0], time.Minute)
}

func TestRetentionSweepSurvivesStoreError(t *testing.T) {
	reaper := &reaperStub{err: errors.New("db down")}
	sweeper := NewRetentionSweeper(reaper, config.RetentionConfig{}, nil)

	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	assert.Len(t, reaper.cutoffs, 2, "a failed pass must not stop subsequent sweeps")
}
