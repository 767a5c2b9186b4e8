package models

import "time"

// QRPayload is the denormalized snapshot rendered into the QR code shown
// to students. Every field is mandatory on the wire.
type QRPayload struct {
	SessionID   string    `json:"session_id"`
	Token       string    `json:"token"`
	ClassNumber string    `json:"class_number"`
	SubjectCode string    `json:"subject_code"`
	SubjectName string    `json:"subject_name"`
	ClassYear   string    `json:"class_year"`
	Semester    string    `json:"semester"`
	Division    string    `json:"division"`
	GeneratedAt time.Time `json:"generated_at"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
}

// QRSession is a bounded-duration, token-rotating authorization window
// for marking attendance against one schedule instance. Once ExpiresAt
// passes the session is terminal regardless of Active.
type QRSession struct {
	ID               string    `db:"id" json:"id"`
	ClassID          string    `db:"class_id" json:"class_id"`
	InstanceID       string    `db:"instance_id" json:"instance_id"`
	TeacherID        string    `db:"teacher_id" json:"teacher_id"`
	CurrentToken     string    `db:"current_token" json:"-"`
	TokenGeneratedAt time.Time `db:"token_generated_at" json:"token_generated_at"`
	ExpiresAt        time.Time `db:"expires_at" json:"expires_at"`
	Latitude         float64   `db:"latitude" json:"latitude"`
	Longitude        float64   `db:"longitude" json:"longitude"`
	Active           bool      `db:"active" json:"active"`
	ClosedAt         *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`

	Payload QRPayload `db:"-" json:"payload"`
}

// Expired reports whether the session has passed its hard expiry.
func (s *QRSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ScanRecord stores one accepted scan. Unique per (session, student) so
// repeated scans cannot inflate the counter.
type ScanRecord struct {
	ID        string    `db:"id" json:"id"`
	SessionID string    `db:"session_id" json:"session_id"`
	StudentID string    `db:"student_id" json:"student_id"`
	Latitude  float64   `db:"latitude" json:"latitude"`
	Longitude float64   `db:"longitude" json:"longitude"`
	Distance  float64   `db:"distance_m" json:"distance_m"`
	ScannedAt time.Time `db:"scanned_at" json:"scanned_at"`
}
