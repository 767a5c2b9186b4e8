package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/arka-edu/presensi-api/internal/models"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type manualScheduleRepository interface {
	FindByID(ctx context.Context, id string) (*models.ManualSchedule, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.ManualSchedule, error)
	ListByClass(ctx context.Context, classID string) ([]models.ManualSchedule, error)
	Create(ctx context.Context, entry *models.ManualSchedule) error
	SwapMerged(ctx context.Context, constituentIDs []string, merged *models.ManualSchedule) error
	SwapSplit(ctx context.Context, mergedID string, restored []models.ManualSchedule) error
}

// MergeSlotsRequest describes a merge of contiguous manual entries.
type MergeSlotsRequest struct {
	SlotIDs []string `json:"slot_ids" validate:"required,min=2,dive,required"`
	Label   string   `json:"label" validate:"required"`
}

// MergeService combines contiguous manual schedule entries into one
// displayed block and reverses the operation losslessly.
type MergeService struct {
	repo      manualScheduleRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewMergeService instantiates MergeService.
func NewMergeService(repo manualScheduleRepository, validate *validator.Validate, logger *zap.Logger) *MergeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeService{repo: repo, validator: validate, logger: logger}
}

// ListByClass returns the active manual entries for a class.
func (s *MergeService) ListByClass(ctx context.Context, classID string) ([]models.ManualSchedule, error) {
	entries, err := s.repo.ListByClass(ctx, classID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list manual schedules")
	}
	return entries, nil
}

// Merge combines the given slots into one entry. Slots must be
// chronologically contiguous and share day, room, teacher and class; the
// combined range spans [first.start, last.end) exactly and the original
// per-slot ranges are captured for reversal.
func (s *MergeService) Merge(ctx context.Context, req MergeSlotsRequest) (*models.ManualSchedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid merge payload")
	}

	entries, err := s.repo.FindByIDs(ctx, req.SlotIDs)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load slots")
	}
	if len(entries) != len(req.SlotIDs) {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "one or more slots not found")
	}

	sorted := make([]models.ManualSchedule, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime < sorted[j].StartTime })

	first := &sorted[0]
	for i := range sorted {
		entry := &sorted[i]
		if !entry.Active {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("slot %s is not active", entry.ID))
		}
		if entry.IsMerged {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("slot %s is already merged", entry.ID))
		}
		if entry.DayOfWeek != first.DayOfWeek || entry.Room != first.Room ||
			entry.TeacherID != first.TeacherID || entry.ClassID != first.ClassID {
			return nil, appErrors.Clone(appErrors.ErrValidation, "slots must share day, room, teacher and class")
		}
		if i > 0 && sorted[i-1].EndTime != entry.StartTime {
			return nil, appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("slots are not contiguous: %s ends at %s but %s starts at %s",
					sorted[i-1].ID, sorted[i-1].EndTime, entry.ID, entry.StartTime))
		}
	}

	last := &sorted[len(sorted)-1]
	originals := make(models.SlotRanges, 0, len(sorted))
	ids := make([]string, 0, len(sorted))
	for i := range sorted {
		originals = append(originals, models.SlotRange{
			SlotID:    sorted[i].SlotID,
			StartTime: sorted[i].StartTime,
			EndTime:   sorted[i].EndTime,
		})
		ids = append(ids, sorted[i].ID)
	}

	combined := fmt.Sprintf("%s-%s", first.StartTime, last.EndTime)
	label := req.Label
	merged := &models.ManualSchedule{
		ClassID:       first.ClassID,
		TeacherID:     first.TeacherID,
		DayOfWeek:     first.DayOfWeek,
		SlotID:        first.SlotID,
		StartTime:     first.StartTime,
		EndTime:       last.EndTime,
		Room:          first.Room,
		Active:        true,
		IsMerged:      true,
		CustomLabel:   &label,
		CombinedRange: &combined,
		OriginalSlots: originals,
	}

	if err := s.repo.SwapMerged(ctx, ids, merged); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store merged schedule")
	}
	return merged, nil
}

// Split reverses a merge, reconstructing the constituent entries
// strictly from the captured original slot ranges.
func (s *MergeService) Split(ctx context.Context, mergedID string) ([]models.ManualSchedule, error) {
	merged, err := s.repo.FindByID(ctx, mergedID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "schedule entry not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule entry")
	}

	if !merged.IsMerged {
		return nil, appErrors.Clone(appErrors.ErrValidation, "schedule entry is not a merged block")
	}
	if len(merged.OriginalSlots) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "merged entry carries no original slots")
	}

	restored := make([]models.ManualSchedule, 0, len(merged.OriginalSlots))
	for _, slot := range merged.OriginalSlots {
		restored = append(restored, models.ManualSchedule{
			ClassID:     merged.ClassID,
			TeacherID:   merged.TeacherID,
			DayOfWeek:   merged.DayOfWeek,
			SlotID:      slot.SlotID,
			StartTime:   slot.StartTime,
			EndTime:     slot.EndTime,
			Room:        merged.Room,
			Active:      true,
			SplitFromID: &merged.ID,
		})
	}

	if err := s.repo.SwapSplit(ctx, merged.ID, restored); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to restore split slots")
	}
	return restored, nil
}
