package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/config"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type sessionRepoStub struct {
	mu       sync.Mutex
	sessions map[string]*models.QRSession
	scans    []models.ScanRecord
	scanErr  error
	seq      int
}

func newSessionRepoStub() *sessionRepoStub {
	return &sessionRepoStub{sessions: map[string]*models.QRSession{}}
}

func (s *sessionRepoStub) FindByID(ctx context.Context, id string) (*models.QRSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		copied := *sess
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *sessionRepoStub) FindActiveByInstance(ctx context.Context, instanceID string) ([]models.QRSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QRSession
	for _, sess := range s.sessions {
		if sess.InstanceID == instanceID && sess.Active {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *sessionRepoStub) ListActive(ctx context.Context) ([]models.QRSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QRSession
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *sessionRepoStub) Create(ctx context.Context, sess *models.QRSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if sess.ID == "" {
		sess.ID = "sess-" + time.Now().Format("150405.000000000")
	}
	copied := *sess
	s.sessions[sess.ID] = &copied
	return nil
}

func (s *sessionRepoStub) RotateToken(ctx context.Context, id, token string, generatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Active {
		sess.CurrentToken = token
		sess.TokenGeneratedAt = generatedAt
	}
	return nil
}

func (s *sessionRepoStub) Close(ctx context.Context, id string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.Active = false
		if sess.ClosedAt == nil {
			sess.ClosedAt = &closedAt
		}
	}
	return nil
}

func (s *sessionRepoStub) CreateScan(ctx context.Context, scan *models.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanErr != nil {
		return s.scanErr
	}
	for _, existing := range s.scans {
		if existing.SessionID == scan.SessionID && existing.StudentID == scan.StudentID {
			return &pq.Error{Code: "23505"}
		}
	}
	s.scans = append(s.scans, *scan)
	return nil
}

func (s *sessionRepoStub) DeleteScan(ctx context.Context, sessionID, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.scans[:0]
	for _, scan := range s.scans {
		if scan.SessionID == sessionID && scan.StudentID == studentID {
			continue
		}
		kept = append(kept, scan)
	}
	s.scans = kept
	return nil
}

func (s *sessionRepoStub) ListScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScanRecord
	for _, scan := range s.scans {
		if scan.SessionID == sessionID {
			out = append(out, scan)
		}
	}
	return out, nil
}

type sessionInstanceStub struct {
	mu        sync.Mutex
	instances map[string]*models.ScheduleInstance
	marks     int
	markErr   error
}

func newSessionInstanceStub(instances ...*models.ScheduleInstance) *sessionInstanceStub {
	stub := &sessionInstanceStub{instances: map[string]*models.ScheduleInstance{}}
	for _, inst := range instances {
		stub.instances[inst.ID] = inst
	}
	return stub
}

func (s *sessionInstanceStub) FindByID(ctx context.Context, id string) (*models.ScheduleInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		copied := *inst
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *sessionInstanceStub) UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Status = status
	}
	return nil
}

func (s *sessionInstanceStub) BindSession(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.SessionID = &sessionID
	}
	return nil
}

func (s *sessionInstanceStub) MarkAttendance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	if inst, ok := s.instances[id]; ok {
		inst.AttendanceMarked = true
		inst.AttendanceCount++
		s.marks++
	}
	return nil
}

func sessionTestConfig() config.SessionConfig {
	return config.SessionConfig{
		Duration:         time.Hour,
		RotationInterval: 30 * time.Second,
		GeofenceRadiusM:  50,
		TokenBytes:       16,
	}
}

func testInstance(t *testing.T) *models.ScheduleInstance {
	t.Helper()
	return &models.ScheduleInstance{
		ID:         "inst-1",
		TemplateID: "tmpl-1",
		Date:       mustDate(t, "2025-07-07"),
		StartTime:  "08:00",
		EndTime:    "09:30",
		Room:       "R101",
		Status:     models.InstanceScheduled,
		Latitude:   -6.2000,
		Longitude:  106.8000,
	}
}

func newTestSessionService(t *testing.T, sessions *sessionRepoStub, instances *sessionInstanceStub) *SessionService {
	t.Helper()
	tmpl := weeklyTemplate(t)
	tmpl.ClassNumber = "XII-A"
	tmpl.SubjectCode = "MTK"
	tmpl.SubjectName = "Matematika"
	templates := &templateStoreStub{templates: map[string]*models.RecurringTemplate{"tmpl-1": tmpl}}
	return NewSessionService(sessions, instances, templates, nil, nil, sessionTestConfig(), nil, nil)
}

func startedSession(t *testing.T, svc *SessionService) *models.QRSession {
	t.Helper()
	claims := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	sess, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-1"}, claims)
	require.NoError(t, err)
	return sess
}

func TestStartSession(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)

	sess := startedSession(t, svc)

	assert.NotEmpty(t, sess.ID)
	assert.Len(t, sess.CurrentToken, 32, "16 random bytes hex encoded")
	assert.True(t, sess.Active)
	assert.Equal(t, sess.TokenGeneratedAt.Add(time.Hour), sess.ExpiresAt)
	assert.Equal(t, "XII-A", sess.Payload.ClassNumber)
	assert.Equal(t, sess.CurrentToken, sess.Payload.Token)

	bound, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	require.NotNil(t, bound.SessionID)
	assert.Equal(t, sess.ID, *bound.SessionID)
}

func TestStartSessionRejectsSecondActive(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)

	startedSession(t, svc)

	claims := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	_, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-1"}, claims)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestStartSessionRejectsCancelledInstance(t *testing.T) {
	inst := testInstance(t)
	inst.Status = models.InstanceCancelled
	svc := newTestSessionService(t, newSessionRepoStub(), newSessionInstanceStub(inst))

	claims := &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher}
	_, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-1"}, claims)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestStartSessionRejectsForeignTeacher(t *testing.T) {
	svc := newTestSessionService(t, newSessionRepoStub(), newSessionInstanceStub(testInstance(t)))

	claims := &models.JWTClaims{UserID: "teacher-2", Role: models.RoleTeacher}
	_, err := svc.Start(context.Background(), StartSessionRequest{InstanceID: "inst-1"}, claims)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestValidateScanAccepts(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)

	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	result, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
		Token:     sess.CurrentToken,
		Latitude:  -6.2000,
		Longitude: 106.8000,
	}, claims)
	require.NoError(t, err)
	assert.Equal(t, "student-1", result.StudentID)
	assert.InDelta(t, 0, result.DistanceM, 0.5)

	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.True(t, inst.AttendanceMarked)
	assert.Equal(t, 1, inst.AttendanceCount)
	assert.Equal(t, models.InstanceOngoing, inst.Status)
}

func TestValidateScanRejectionOrder(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}

	t.Run("wrong token", func(t *testing.T) {
		_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
			Token: "bogus", Latitude: -6.2, Longitude: 106.8,
		}, claims)
		assert.True(t, appErrors.Is(err, appErrors.ErrInvalidToken))
	})

	t.Run("out of range", func(t *testing.T) {
		// ~1.1km north of the classroom.
		_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
			Token: sess.CurrentToken, Latitude: -6.19, Longitude: 106.8,
		}, claims)
		assert.True(t, appErrors.Is(err, appErrors.ErrOutOfRange))
	})

	t.Run("expired wins over token mismatch", func(t *testing.T) {
		svc.now = func() time.Time { return sess.ExpiresAt }
		defer func() { svc.now = time.Now }()
		_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
			Token: "bogus", Latitude: -6.2, Longitude: 106.8,
		}, claims)
		assert.True(t, appErrors.Is(err, appErrors.ErrSessionExpired))
	})

	t.Run("inactive wins over expired", func(t *testing.T) {
		require.NoError(t, svc.Close(context.Background(), sess.ID))
		_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
			Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8,
		}, claims)
		assert.True(t, appErrors.Is(err, appErrors.ErrSessionInactive))
	})
}

func TestValidateScanExpiryBoundary(t *testing.T) {
	sessions := newSessionRepoStub()
	svc := newTestSessionService(t, sessions, newSessionInstanceStub(testInstance(t)))
	sess := startedSession(t, svc)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	req := ScanRequest{Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8}

	// One millisecond before expiry the scan is still valid.
	svc.now = func() time.Time { return sess.ExpiresAt.Add(-time.Millisecond) }
	_, err := svc.ValidateScan(context.Background(), sess.ID, req, claims)
	require.NoError(t, err)

	// At the exact expiry instant the session is terminal.
	svc.now = func() time.Time { return sess.ExpiresAt }
	_, err = svc.ValidateScan(context.Background(), sess.ID, req, &models.JWTClaims{UserID: "student-2", Role: models.RoleStudent})
	assert.True(t, appErrors.Is(err, appErrors.ErrSessionExpired))
}

func TestValidateScanRejectsDuplicate(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	req := ScanRequest{Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8}

	_, err := svc.ValidateScan(context.Background(), sess.ID, req, claims)
	require.NoError(t, err)

	_, err = svc.ValidateScan(context.Background(), sess.ID, req, claims)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.AttendanceCount, "duplicate scans must not inflate the counter")
}

func TestValidateScanRollsBackScanWhenAttendanceFails(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)
	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	req := ScanRequest{Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8}

	instances.markErr = errors.New("connection reset")
	_, err := svc.ValidateScan(context.Background(), sess.ID, req, claims)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInternal), "a failed increment is an internal error, not a duplicate")

	scans, err := sessions.ListScans(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Empty(t, scans, "scan row must be rolled back when the increment fails")

	// The student's retry goes through once the store recovers.
	instances.markErr = nil
	result, err := svc.ValidateScan(context.Background(), sess.ID, req, claims)
	require.NoError(t, err)
	assert.Equal(t, "student-1", result.StudentID)

	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.AttendanceCount)
}

func TestConcurrentScansAllCounted(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)

	const students = 30
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claims := &models.JWTClaims{UserID: "student-" + string(rune('A'+n)), Role: models.RoleStudent}
			_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
				Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8,
			}, claims)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, students, inst.AttendanceCount)
}

func TestRotateReplacesTokenWithoutExtendingExpiry(t *testing.T) {
	sessions := newSessionRepoStub()
	svc := newTestSessionService(t, sessions, newSessionInstanceStub(testInstance(t)))
	sess := startedSession(t, svc)
	oldToken := sess.CurrentToken

	rotated, err := svc.Rotate(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, rotated.CurrentToken)
	assert.Equal(t, sess.ExpiresAt, rotated.ExpiresAt)

	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	_, err = svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
		Token: oldToken, Latitude: -6.2, Longitude: 106.8,
	}, claims)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidToken), "superseded token must be rejected")
}

func TestRotateClosesExpiredSession(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)

	svc.now = func() time.Time { return sess.ExpiresAt.Add(time.Second) }
	_, err := svc.Rotate(context.Background(), sess.ID)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrSessionExpired))

	stored, err := sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestCloseIsIdempotentAndCompletesInstance(t *testing.T) {
	sessions := newSessionRepoStub()
	instances := newSessionInstanceStub(testInstance(t))
	svc := newTestSessionService(t, sessions, instances)
	sess := startedSession(t, svc)

	claims := &models.JWTClaims{UserID: "student-1", Role: models.RoleStudent}
	_, err := svc.ValidateScan(context.Background(), sess.ID, ScanRequest{
		Token: sess.CurrentToken, Latitude: -6.2, Longitude: 106.8,
	}, claims)
	require.NoError(t, err)

	require.NoError(t, svc.Close(context.Background(), sess.ID))
	require.NoError(t, svc.Close(context.Background(), sess.ID))

	inst, err := instances.FindByID(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, inst.Status)

	stored, err := sessions.FindByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.NotNil(t, stored.ClosedAt)
}

func TestPayloadRebuiltWithoutCache(t *testing.T) {
	sessions := newSessionRepoStub()
	svc := newTestSessionService(t, sessions, newSessionInstanceStub(testInstance(t)))
	sess := startedSession(t, svc)

	payload, err := svc.Payload(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, payload.SessionID)
	assert.Equal(t, sess.CurrentToken, payload.Token)
	assert.Equal(t, "Matematika", payload.SubjectName)
	assert.Equal(t, -6.2, payload.Latitude)
}
