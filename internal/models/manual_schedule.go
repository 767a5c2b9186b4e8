package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SlotRange captures one constituent slot of a merged entry so the merge
// can be reversed byte-for-byte.
type SlotRange struct {
	SlotID    string `json:"slot_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// SlotRanges is stored as a JSON column on merged entries.
type SlotRanges []SlotRange

// Value implements driver.Valuer for JSON persistence.
func (s SlotRanges) Value() (interface{}, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *SlotRanges) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	switch raw := src.(type) {
	case []byte:
		return json.Unmarshal(raw, s)
	case string:
		return json.Unmarshal([]byte(raw), s)
	default:
		return fmt.Errorf("unsupported slot ranges column type %T", src)
	}
}

// ManualSchedule is an ad-hoc timetable entry entered directly by staff,
// distinct from template-derived instances. Contiguous entries can be
// merged into one displayed block and split back apart.
type ManualSchedule struct {
	ID        string    `db:"id" json:"id"`
	ClassID   string    `db:"class_id" json:"class_id"`
	TeacherID string    `db:"teacher_id" json:"teacher_id"`
	DayOfWeek int       `db:"day_of_week" json:"day_of_week"`
	SlotID    string    `db:"slot_id" json:"slot_id"`
	StartTime string    `db:"start_time" json:"start_time"`
	EndTime   string    `db:"end_time" json:"end_time"`
	Room      string    `db:"room" json:"room"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	IsMerged      bool       `db:"is_merged" json:"is_merged"`
	CustomLabel   *string    `db:"custom_label" json:"custom_label,omitempty"`
	CombinedRange *string    `db:"combined_range" json:"combined_range,omitempty"`
	OriginalSlots SlotRanges `db:"original_slots" json:"original_slots,omitempty"`
	SplitFromID   *string    `db:"split_from_id" json:"split_from_id,omitempty"`
}

// Duration returns the entry length in minutes, computed on demand
// rather than stored.
func (m *ManualSchedule) Duration() (int, error) {
	start, err := ParseClock(m.StartTime)
	if err != nil {
		return 0, err
	}
	end, err := ParseClock(m.EndTime)
	if err != nil {
		return 0, err
	}
	return end - start, nil
}
