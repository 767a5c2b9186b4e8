package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/pkg/config"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
	"github.com/arka-edu/presensi-api/pkg/geo"
)

type sessionRepository interface {
	FindByID(ctx context.Context, id string) (*models.QRSession, error)
	FindActiveByInstance(ctx context.Context, instanceID string) ([]models.QRSession, error)
	ListActive(ctx context.Context) ([]models.QRSession, error)
	Create(ctx context.Context, sess *models.QRSession) error
	RotateToken(ctx context.Context, id, token string, generatedAt time.Time) error
	Close(ctx context.Context, id string, closedAt time.Time) error
	CreateScan(ctx context.Context, scan *models.ScanRecord) error
	DeleteScan(ctx context.Context, sessionID, studentID string) error
	ListScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error)
}

type sessionInstanceRepo interface {
	FindByID(ctx context.Context, id string) (*models.ScheduleInstance, error)
	UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error
	BindSession(ctx context.Context, id, sessionID string) error
	MarkAttendance(ctx context.Context, id string) error
}

type sessionTemplateFinder interface {
	FindByID(ctx context.Context, id string) (*models.RecurringTemplate, error)
}

type payloadCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type sessionMetrics interface {
	SessionStarted()
	SessionClosed()
	TokenRotated()
	ScanAccepted()
	ScanRejected(reason string)
}

// StartSessionRequest opens a live attendance session for one instance.
type StartSessionRequest struct {
	InstanceID string   `json:"instance_id" validate:"required"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// ScanRequest is a student's attendance submission.
type ScanRequest struct {
	Token     string  `json:"token" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"required"`
	Longitude float64 `json:"longitude" validate:"required"`
}

// ScanResult reports an accepted scan.
type ScanResult struct {
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	DistanceM float64   `json:"distance_m"`
	ScannedAt time.Time `json:"scanned_at"`
}

// SessionService drives the attendance session state machine:
// created → active → expired, with the active phase sub-cycling on token
// rotation. Scan validation is the sole authority on proximity.
type SessionService struct {
	sessions  sessionRepository
	instances sessionInstanceRepo
	templates sessionTemplateFinder
	cache     payloadCache
	metrics   sessionMetrics
	cfg       config.SessionConfig
	validator *validator.Validate
	locks     *keyedMutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewSessionService instantiates SessionService.
func NewSessionService(sessions sessionRepository, instances sessionInstanceRepo, templates sessionTemplateFinder, cache payloadCache, metrics sessionMetrics, cfg config.SessionConfig, validate *validator.Validate, logger *zap.Logger) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = time.Hour
	}
	if cfg.RotationInterval <= 0 {
		cfg.RotationInterval = 30 * time.Second
	}
	if cfg.GeofenceRadiusM <= 0 {
		cfg.GeofenceRadiusM = 50
	}
	if cfg.TokenBytes <= 0 {
		cfg.TokenBytes = 16
	}
	return &SessionService{
		sessions:  sessions,
		instances: instances,
		templates: templates,
		cache:     cache,
		metrics:   metrics,
		cfg:       cfg,
		validator: validate,
		locks:     newKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
}

// Start opens a session bound to a schedule instance. One active session
// per instance; cancelled or completed instances cannot host one.
func (s *SessionService) Start(ctx context.Context, req StartSessionRequest, claims *models.JWTClaims) (*models.QRSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}

	inst, err := s.instances.FindByID(ctx, req.InstanceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "schedule instance not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instance")
	}
	if inst.Status == models.InstanceCancelled || inst.Status == models.InstanceCompleted {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("instance is %s", inst.Status))
	}

	tmpl, err := s.templates.FindByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}
	if claims != nil && claims.Role == models.RoleTeacher && claims.UserID != tmpl.TeacherID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "session can only be started by the assigned teacher")
	}

	active, err := s.sessions.FindActiveByInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing sessions")
	}
	now := s.now().UTC()
	for i := range active {
		if !active[i].Expired(now) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "instance already has an active session")
		}
	}

	token, err := s.generateToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate session token")
	}

	lat, lon := inst.Latitude, inst.Longitude
	if req.Latitude != nil && req.Longitude != nil {
		lat, lon = *req.Latitude, *req.Longitude
	}

	sess := &models.QRSession{
		ClassID:          tmpl.ClassID,
		InstanceID:       inst.ID,
		TeacherID:        tmpl.TeacherID,
		CurrentToken:     token,
		TokenGeneratedAt: now,
		ExpiresAt:        now.Add(s.cfg.Duration),
		Latitude:         lat,
		Longitude:        lon,
		Active:           true,
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	if err := s.instances.BindSession(ctx, inst.ID, sess.ID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to bind session to instance")
	}

	sess.Payload = buildPayload(sess, tmpl, now)
	s.cachePayload(ctx, sess)

	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.logger.Info("attendance session started",
		zap.String("session_id", sess.ID),
		zap.String("instance_id", inst.ID),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Rotate replaces the current token. Rotations for one session are
// serialized and never extend the expiry.
func (s *SessionService) Rotate(ctx context.Context, sessionID string) (*models.QRSession, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Active {
		return nil, appErrors.Clone(appErrors.ErrSessionInactive, "")
	}

	now := s.now().UTC()
	if sess.Expired(now) {
		// Past the hard expiry the session is terminal; close it out.
		if err := s.closeLocked(ctx, sess, now); err != nil {
			s.logger.Warn("failed to close expired session", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrSessionExpired, "")
	}

	token, err := s.generateToken()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate rotation token")
	}
	if err := s.sessions.RotateToken(ctx, sessionID, token, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate token")
	}

	sess.CurrentToken = token
	sess.TokenGeneratedAt = now
	s.refreshPayload(ctx, sess)

	if s.metrics != nil {
		s.metrics.TokenRotated()
	}
	return sess, nil
}

// ValidateScan checks a student's submission. Every rejection carries a
// distinct reason; token comparison and the attendance increment behave
// as one atomic unit per (session, student).
func (s *SessionService) ValidateScan(ctx context.Context, sessionID string, req ScanRequest, claims *models.JWTClaims) (*ScanResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid scan payload")
	}
	if claims == nil || claims.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !sess.Active {
		return nil, s.reject(appErrors.ErrSessionInactive, "")
	}
	now := s.now().UTC()
	if sess.Expired(now) {
		return nil, s.reject(appErrors.ErrSessionExpired, "")
	}
	if req.Token != sess.CurrentToken {
		return nil, s.reject(appErrors.ErrInvalidToken, "")
	}

	distance := geo.DistanceM(
		geo.Point{Latitude: sess.Latitude, Longitude: sess.Longitude},
		geo.Point{Latitude: req.Latitude, Longitude: req.Longitude},
	)
	if distance > s.cfg.GeofenceRadiusM {
		return nil, s.reject(appErrors.ErrOutOfRange,
			fmt.Sprintf("reported location is %.0fm from the classroom (limit %.0fm)", distance, s.cfg.GeofenceRadiusM))
	}

	scan := &models.ScanRecord{
		SessionID: sessionID,
		StudentID: claims.UserID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Distance:  distance,
		ScannedAt: now,
	}
	if err := s.sessions.CreateScan(ctx, scan); err != nil {
		if isUniqueViolation(err) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "attendance already marked for this session")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record scan")
	}

	// The counter increment happens inside SQL so concurrent scans from
	// a full classroom cannot lose updates. If it fails, the scan row is
	// rolled back so a retry is not rejected as a duplicate while the
	// counter stays short.
	if err := s.instances.MarkAttendance(ctx, sess.InstanceID); err != nil {
		if delErr := s.sessions.DeleteScan(ctx, sessionID, claims.UserID); delErr != nil {
			s.logger.Error("scan rollback failed after attendance error",
				zap.String("session_id", sessionID),
				zap.String("student_id", claims.UserID),
				zap.Error(delErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark attendance")
	}
	s.advanceInstance(ctx, sess.InstanceID, models.InstanceOngoing)

	if s.metrics != nil {
		s.metrics.ScanAccepted()
	}
	return &ScanResult{
		SessionID: sessionID,
		StudentID: claims.UserID,
		DistanceM: distance,
		ScannedAt: now,
	}, nil
}

// Close ends a session early or at expiry. Idempotent; the record stays
// until the retention sweep reclaims it.
func (s *SessionService) Close(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active {
		return nil
	}
	return s.closeLocked(ctx, sess, s.now().UTC())
}

// Payload returns the QR snapshot for rendering, served from cache when
// possible.
func (s *SessionService) Payload(ctx context.Context, sessionID string) (*models.QRPayload, error) {
	if s.cache != nil {
		var cached models.QRPayload
		if err := s.cache.Get(ctx, payloadKey(sessionID), &cached); err == nil {
			return &cached, nil
		}
	}

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	inst, err := s.instances.FindByID(ctx, sess.InstanceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load instance")
	}
	tmpl, err := s.templates.FindByID(ctx, inst.TemplateID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load template")
	}

	payload := buildPayload(sess, tmpl, sess.TokenGeneratedAt)
	sess.Payload = payload
	s.cachePayload(ctx, sess)
	return &payload, nil
}

// Attendance lists the accepted scans for a session.
func (s *SessionService) Attendance(ctx context.Context, sessionID string) ([]models.ScanRecord, error) {
	if _, err := s.load(ctx, sessionID); err != nil {
		return nil, err
	}
	scans, err := s.sessions.ListScans(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list scans")
	}
	return scans, nil
}

func (s *SessionService) closeLocked(ctx context.Context, sess *models.QRSession, closedAt time.Time) error {
	if err := s.sessions.Close(ctx, sess.ID, closedAt); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close session")
	}
	s.advanceInstance(ctx, sess.InstanceID, models.InstanceCompleted)
	if s.cache != nil {
		if err := s.cache.Delete(ctx, payloadKey(sess.ID)); err != nil {
			s.logger.Warn("payload cache eviction failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	s.logger.Info("attendance session closed",
		zap.String("session_id", sess.ID),
		zap.String("instance_id", sess.InstanceID),
		zap.Time("closed_at", closedAt))
	return nil
}

// advanceInstance moves the instance forward when the transition is
// legal, and stays silent otherwise: status never moves backwards.
func (s *SessionService) advanceInstance(ctx context.Context, instanceID string, next models.InstanceStatus) {
	inst, err := s.instances.FindByID(ctx, instanceID)
	if err != nil {
		s.logger.Warn("failed to load instance for status advance", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if !inst.Status.CanTransition(next) {
		return
	}
	if err := s.instances.UpdateStatus(ctx, instanceID, next); err != nil {
		s.logger.Warn("failed to advance instance status",
			zap.String("instance_id", instanceID),
			zap.String("status", string(next)),
			zap.Error(err))
	}
}

func (s *SessionService) load(ctx context.Context, sessionID string) (*models.QRSession, error) {
	sess, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return sess, nil
}

func (s *SessionService) reject(base *appErrors.Error, message string) error {
	if s.metrics != nil {
		s.metrics.ScanRejected(base.Code)
	}
	return appErrors.Clone(base, message)
}

func (s *SessionService) generateToken() (string, error) {
	buf := make([]byte, s.cfg.TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *SessionService) cachePayload(ctx context.Context, sess *models.QRSession) {
	if s.cache == nil {
		return
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, payloadKey(sess.ID), sess.Payload, ttl); err != nil {
		s.logger.Warn("payload cache write failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (s *SessionService) refreshPayload(ctx context.Context, sess *models.QRSession) {
	payload, err := s.Payload(ctx, sess.ID)
	if err != nil {
		s.logger.Warn("payload refresh failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	payload.Token = sess.CurrentToken
	payload.GeneratedAt = sess.TokenGeneratedAt
	sess.Payload = *payload
	s.cachePayload(ctx, sess)
}

func buildPayload(sess *models.QRSession, tmpl *models.RecurringTemplate, generatedAt time.Time) models.QRPayload {
	return models.QRPayload{
		SessionID:   sess.ID,
		Token:       sess.CurrentToken,
		ClassNumber: tmpl.ClassNumber,
		SubjectCode: tmpl.SubjectCode,
		SubjectName: tmpl.SubjectName,
		ClassYear:   tmpl.ClassYear,
		Semester:    tmpl.Semester,
		Division:    tmpl.Division,
		GeneratedAt: generatedAt,
		Latitude:    sess.Latitude,
		Longitude:   sess.Longitude,
	}
}

func payloadKey(sessionID string) string {
	return "session:payload:" + sessionID
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
