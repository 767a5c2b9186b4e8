package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/arka-edu/presensi-api/internal/models"
)

const sessionColumns = "id, class_id, instance_id, teacher_id, current_token, token_generated_at, expires_at, latitude, longitude, active, closed_at, created_at, updated_at"

// SessionRepository persists attendance sessions and accepted scans.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByID loads a session by id.
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.QRSession, error) {
	query := fmt.Sprintf("SELECT %s FROM qr_sessions WHERE id = $1", sessionColumns)
	var sess models.QRSession
	if err := r.db.GetContext(ctx, &sess, query, id); err != nil {
		return nil, err
	}
	return &sess, nil
}

// FindActiveByInstance returns the active session bound to an instance.
func (r *SessionRepository) FindActiveByInstance(ctx context.Context, instanceID string) ([]models.QRSession, error) {
	query := fmt.Sprintf("SELECT %s FROM qr_sessions WHERE instance_id = $1 AND active = true", sessionColumns)
	var sessions []models.QRSession
	if err := r.db.SelectContext(ctx, &sessions, query, instanceID); err != nil {
		return nil, fmt.Errorf("find active sessions by instance: %w", err)
	}
	return sessions, nil
}

// ListActive returns every active session, used by the rotation sweep.
func (r *SessionRepository) ListActive(ctx context.Context) ([]models.QRSession, error) {
	query := fmt.Sprintf("SELECT %s FROM qr_sessions WHERE active = true", sessionColumns)
	var sessions []models.QRSession
	if err := r.db.SelectContext(ctx, &sessions, query); err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

// Create stores a new session.
func (r *SessionRepository) Create(ctx context.Context, sess *models.QRSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	const query = `INSERT INTO qr_sessions (id, class_id, instance_id, teacher_id, current_token, token_generated_at, expires_at, latitude, longitude, active, closed_at, created_at, updated_at) VALUES (:id, :class_id, :instance_id, :teacher_id, :current_token, :token_generated_at, :expires_at, :latitude, :longitude, :active, :closed_at, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// RotateToken swaps the current token. Expiry is never extended here.
func (r *SessionRepository) RotateToken(ctx context.Context, id, token string, generatedAt time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE qr_sessions SET current_token = $2, token_generated_at = $3, updated_at = $4 WHERE id = $1 AND active = true`, id, token, generatedAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("rotate session token: %w", err)
	}
	return nil
}

// Close marks the session inactive. Idempotent: an already-closed
// session keeps its original closed_at.
func (r *SessionRepository) Close(ctx context.Context, id string, closedAt time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE qr_sessions SET active = false, closed_at = COALESCE(closed_at, $2), updated_at = $3 WHERE id = $1`, id, closedAt, time.Now().UTC()); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// DeleteClosedBefore removes sessions that closed or expired before the
// cutoff, along with their scan records. Used by the retention sweep.
func (r *SessionRepository) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention sweep: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM scan_records WHERE session_id IN (SELECT id FROM qr_sessions WHERE active = false AND COALESCE(closed_at, expires_at) < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete stale scan records: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM qr_sessions WHERE active = false AND COALESCE(closed_at, expires_at) < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retention sweep: %w", err)
	}

	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// CreateScan records one accepted scan. The (session, student) unique
// constraint rejects duplicates at the store level.
func (r *SessionRepository) CreateScan(ctx context.Context, scan *models.ScanRecord) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.ScannedAt.IsZero() {
		scan.ScannedAt = time.Now().UTC()
	}

	const query = `INSERT INTO scan_records (id, session_id, student_id, latitude, longitude, distance_m, scanned_at) VALUES (:id, :session_id, :student_id, :latitude, :longitude, :distance_m, :scanned_at)`
	if _, err := r.db.NamedExecContext(ctx, query, scan); err != nil {
		return fmt.Errorf("create scan record: %w", err)
	}
	return nil
}

// DeleteScan removes a student's scan row, compensating an accepted
// scan whose attendance increment failed.
func (r *SessionRepository) DeleteScan(ctx context.Context, sessionID, studentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scan_records WHERE session_id = $1 AND student_id = $2`, sessionID, studentID); err != nil {
		return fmt.Errorf("delete scan record: %w", err)
	}
	return nil
}

// CountScans returns the number of accepted scans for a session.
func (r *SessionRepository) CountScans(ctx context.Context, sessionID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM scan_records WHERE session_id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return count, nil
}

// ListScans returns accepted scans for a session ordered by time.
func (r *SessionRepository) ListScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error) {
	const query = `SELECT id, session_id, student_id, latitude, longitude, distance_m, scanned_at FROM scan_records WHERE session_id = $1 ORDER BY scanned_at ASC`
	var scans []models.ScanRecord
	if err := r.db.SelectContext(ctx, &scans, query, sessionID); err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}
