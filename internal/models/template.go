package models

import (
	"fmt"
	"time"
)

// RecurrenceFrequency controls the stride between generated occurrences.
type RecurrenceFrequency string

const (
	FrequencyWeekly   RecurrenceFrequency = "WEEKLY"
	FrequencyBiweekly RecurrenceFrequency = "BIWEEKLY"
)

// Valid returns true when the frequency is a supported value.
func (f RecurrenceFrequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyBiweekly:
		return true
	default:
		return false
	}
}

// StepDays returns the day stride between consecutive occurrences.
func (f RecurrenceFrequency) StepDays() int {
	if f == FrequencyBiweekly {
		return 14
	}
	return 7
}

// RecurringTemplate is a weekly or biweekly class definition that the
// expander materializes into dated schedule instances.
type RecurringTemplate struct {
	ID            string              `db:"id" json:"id"`
	ClassID       string              `db:"class_id" json:"class_id"`
	SubjectID     string              `db:"subject_id" json:"subject_id"`
	TeacherID     string              `db:"teacher_id" json:"teacher_id"`
	DayOfWeek     int                 `db:"day_of_week" json:"day_of_week"`
	StartTime     string              `db:"start_time" json:"start_time"`
	EndTime       string              `db:"end_time" json:"end_time"`
	Room          string              `db:"room" json:"room"`
	SemesterStart time.Time           `db:"semester_start" json:"semester_start"`
	SemesterEnd   time.Time           `db:"semester_end" json:"semester_end"`
	Frequency     RecurrenceFrequency `db:"frequency" json:"frequency"`
	Active        bool                `db:"active" json:"active"`
	Latitude      float64             `db:"latitude" json:"latitude"`
	Longitude     float64             `db:"longitude" json:"longitude"`

	// Denormalized class metadata embedded into QR payload snapshots.
	ClassNumber string `db:"class_number" json:"class_number"`
	SubjectCode string `db:"subject_code" json:"subject_code"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	ClassYear   string `db:"class_year" json:"class_year"`
	Semester    string `db:"semester" json:"semester"`
	Division    string `db:"division" json:"division"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the temporal invariants that must hold before any write.
func (t *RecurringTemplate) Validate() error {
	start, err := ParseClock(t.StartTime)
	if err != nil {
		return fmt.Errorf("start_time: %w", err)
	}
	end, err := ParseClock(t.EndTime)
	if err != nil {
		return fmt.Errorf("end_time: %w", err)
	}
	if start >= end {
		return fmt.Errorf("start_time %q must be before end_time %q", t.StartTime, t.EndTime)
	}
	if t.DayOfWeek < 0 || t.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week %d out of range", t.DayOfWeek)
	}
	if t.SemesterEnd.Before(t.SemesterStart) {
		return fmt.Errorf("semester_end %s precedes semester_start %s",
			t.SemesterEnd.Format(DateLayout), t.SemesterStart.Format(DateLayout))
	}
	if !t.Frequency.Valid() {
		return fmt.Errorf("unsupported frequency %q", t.Frequency)
	}
	return nil
}

// TemplateFilter scopes template listing queries.
type TemplateFilter struct {
	TeacherID string
	ClassID   string
	DayOfWeek *int
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// DateLayout is the canonical date-only format used across the API.
const DateLayout = "2006-01-02"

// ClockLayout is the canonical minute-granular time-of-day format.
const ClockLayout = "15:04"

// ParseClock converts an "HH:MM" string into minutes since midnight.
func ParseClock(value string) (int, error) {
	parsed, err := time.Parse(ClockLayout, value)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", value)
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// ClockRangesOverlap reports whether the half-open minute intervals
// [s1,e1) and [s2,e2) intersect.
func ClockRangesOverlap(s1, e1, s2, e2 int) bool {
	return s1 < e2 && s2 < e1
}

// DateOnly truncates a timestamp to a UTC calendar date.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
