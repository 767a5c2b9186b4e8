package models

import (
	"fmt"
	"time"
)

// OverrideKind distinguishes the three supported dated exceptions.
type OverrideKind string

const (
	OverrideCancel     OverrideKind = "CANCEL"
	OverrideReschedule OverrideKind = "RESCHEDULE"
	OverrideModify     OverrideKind = "MODIFY"
)

// Valid returns true when the kind is a supported value.
func (k OverrideKind) Valid() bool {
	switch k {
	case OverrideCancel, OverrideReschedule, OverrideModify:
		return true
	default:
		return false
	}
}

// ScheduleOverride is a dated exception applied to a recurring template.
// At most one active override may exist per (template, date).
type ScheduleOverride struct {
	ID           string       `db:"id" json:"id"`
	TemplateID   string       `db:"template_id" json:"template_id"`
	Date         time.Time    `db:"date" json:"date"`
	Kind         OverrideKind `db:"kind" json:"kind"`
	NewDate      *time.Time   `db:"new_date" json:"new_date,omitempty"`
	NewStartTime *string      `db:"new_start_time" json:"new_start_time,omitempty"`
	NewEndTime   *string      `db:"new_end_time" json:"new_end_time,omitempty"`
	NewRoom      *string      `db:"new_room" json:"new_room,omitempty"`
	Reason       string       `db:"reason" json:"reason"`
	Active       bool         `db:"active" json:"active"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// Validate enforces kind-specific replacement field rules.
func (o *ScheduleOverride) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("unsupported override kind %q", o.Kind)
	}
	if o.Reason == "" {
		return fmt.Errorf("reason is required")
	}

	hasReplacement := o.NewDate != nil || o.NewStartTime != nil || o.NewEndTime != nil || o.NewRoom != nil

	switch o.Kind {
	case OverrideCancel:
		if hasReplacement {
			return fmt.Errorf("cancel override must not carry replacement fields")
		}
	case OverrideReschedule:
		hasNewTimes := o.NewStartTime != nil && o.NewEndTime != nil
		if o.NewDate == nil && !hasNewTimes {
			return fmt.Errorf("reschedule override requires new_date or new_start_time and new_end_time")
		}
	case OverrideModify:
		if o.NewDate != nil {
			return fmt.Errorf("modify override cannot change the date")
		}
		if !hasReplacement {
			return fmt.Errorf("modify override requires at least one replacement field")
		}
	}

	if o.NewStartTime != nil {
		if _, err := ParseClock(*o.NewStartTime); err != nil {
			return fmt.Errorf("new_start_time: %w", err)
		}
	}
	if o.NewEndTime != nil {
		if _, err := ParseClock(*o.NewEndTime); err != nil {
			return fmt.Errorf("new_end_time: %w", err)
		}
	}
	if o.NewStartTime != nil && o.NewEndTime != nil {
		start, _ := ParseClock(*o.NewStartTime)
		end, _ := ParseClock(*o.NewEndTime)
		if start >= end {
			return fmt.Errorf("new_start_time %q must be before new_end_time %q", *o.NewStartTime, *o.NewEndTime)
		}
	}
	return nil
}
