package models

import "time"

// InstanceStatus is the lifecycle phase of a materialized occurrence.
// Transitions only move forward, never back.
type InstanceStatus string

const (
	InstanceScheduled InstanceStatus = "SCHEDULED"
	InstanceOngoing   InstanceStatus = "ONGOING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// Valid returns true when the status is a supported value.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceScheduled, InstanceOngoing, InstanceCompleted, InstanceCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the status may advance to next.
func (s InstanceStatus) CanTransition(next InstanceStatus) bool {
	switch s {
	case InstanceScheduled:
		return next == InstanceOngoing || next == InstanceCancelled
	case InstanceOngoing:
		return next == InstanceCompleted
	default:
		return false
	}
}

// ScheduleInstance is one concrete, dated occurrence derived from a
// template and its applicable override. Unique per (template, date).
type ScheduleInstance struct {
	ID         string         `db:"id" json:"id"`
	TemplateID string         `db:"template_id" json:"template_id"`
	OverrideID *string        `db:"override_id" json:"override_id,omitempty"`
	Date       time.Time      `db:"date" json:"date"`
	StartTime  string         `db:"start_time" json:"start_time"`
	EndTime    string         `db:"end_time" json:"end_time"`
	Room       string         `db:"room" json:"room"`
	Status     InstanceStatus `db:"status" json:"status"`

	IsOverridden      bool    `db:"is_overridden" json:"is_overridden"`
	OriginalStartTime *string `db:"original_start_time" json:"original_start_time,omitempty"`
	OriginalEndTime   *string `db:"original_end_time" json:"original_end_time,omitempty"`
	OriginalRoom      *string `db:"original_room" json:"original_room,omitempty"`

	SessionID        *string `db:"session_id" json:"session_id,omitempty"`
	AttendanceMarked bool    `db:"attendance_marked" json:"attendance_marked"`
	AttendanceCount  int     `db:"attendance_count" json:"attendance_count"`

	Latitude  float64 `db:"latitude" json:"latitude"`
	Longitude float64 `db:"longitude" json:"longitude"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// InstanceFilter scopes calendar range queries.
type InstanceFilter struct {
	TemplateID string
	TeacherID  string
	ClassID    string
	DateFrom   *time.Time
	DateTo     *time.Time
	Status     *InstanceStatus
	Page       int
	PageSize   int
}

// BookingConflict describes an existing occupancy that blocks a write.
type BookingConflict struct {
	TemplateID string `json:"template_id"`
	InstanceID string `json:"instance_id,omitempty"`
	TeacherID  string `json:"teacher_id"`
	Room       string `json:"room"`
	Date       string `json:"date,omitempty"`
	DayOfWeek  int    `json:"day_of_week"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Dimension  string `json:"dimension"`
}

// BookingConflictError is returned when a template or override write
// would double-book a teacher or room.
type BookingConflictError struct {
	Message  string          `json:"message"`
	Conflict BookingConflict `json:"conflict"`
}

// Error implements the error interface.
func (e *BookingConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}
