package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-edu/presensi-api/internal/models"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
)

type manualRepoStub struct {
	entries map[string]*models.ManualSchedule
	seq     int
}

func newManualRepoStub(entries ...*models.ManualSchedule) *manualRepoStub {
	stub := &manualRepoStub{entries: map[string]*models.ManualSchedule{}}
	for _, entry := range entries {
		stub.entries[entry.ID] = entry
	}
	return stub
}

func (s *manualRepoStub) FindByID(ctx context.Context, id string) (*models.ManualSchedule, error) {
	if entry, ok := s.entries[id]; ok {
		copied := *entry
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (s *manualRepoStub) FindByIDs(ctx context.Context, ids []string) ([]models.ManualSchedule, error) {
	var out []models.ManualSchedule
	for _, id := range ids {
		if entry, ok := s.entries[id]; ok {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (s *manualRepoStub) ListByClass(ctx context.Context, classID string) ([]models.ManualSchedule, error) {
	var out []models.ManualSchedule
	for _, entry := range s.entries {
		if entry.ClassID == classID && entry.Active {
			out = append(out, *entry)
		}
	}
	return out, nil
}

func (s *manualRepoStub) Create(ctx context.Context, entry *models.ManualSchedule) error {
	s.seq++
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("manual-%d", s.seq)
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	return nil
}

func (s *manualRepoStub) SwapMerged(ctx context.Context, constituentIDs []string, merged *models.ManualSchedule) error {
	for _, id := range constituentIDs {
		if entry, ok := s.entries[id]; ok {
			entry.Active = false
		}
	}
	return s.Create(ctx, merged)
}

func (s *manualRepoStub) SwapSplit(ctx context.Context, mergedID string, restored []models.ManualSchedule) error {
	if entry, ok := s.entries[mergedID]; ok {
		entry.Active = false
	}
	for i := range restored {
		if err := s.Create(ctx, &restored[i]); err != nil {
			return err
		}
	}
	return nil
}

func manualSlot(id, slotID, start, end string) *models.ManualSchedule {
	return &models.ManualSchedule{
		ID:        id,
		ClassID:   "class-1",
		TeacherID: "teacher-1",
		DayOfWeek: 1,
		SlotID:    slotID,
		StartTime: start,
		EndTime:   end,
		Room:      "R101",
		Active:    true,
	}
}

func TestMergeContiguousSlots(t *testing.T) {
	repo := newManualRepoStub(
		manualSlot("m1", "slot-1", "08:00", "08:45"),
		manualSlot("m2", "slot-2", "08:45", "09:30"),
		manualSlot("m3", "slot-3", "09:30", "10:15"),
	)
	svc := NewMergeService(repo, nil, nil)

	// Deliberately out of order; the service sorts by start time.
	merged, err := svc.Merge(context.Background(), MergeSlotsRequest{
		SlotIDs: []string{"m3", "m1", "m2"},
		Label:   "Double Matematika",
	})
	require.NoError(t, err)

	assert.True(t, merged.IsMerged)
	assert.Equal(t, "08:00", merged.StartTime)
	assert.Equal(t, "10:15", merged.EndTime)
	require.NotNil(t, merged.CombinedRange)
	assert.Equal(t, "08:00-10:15", *merged.CombinedRange)
	require.NotNil(t, merged.CustomLabel)
	assert.Equal(t, "Double Matematika", *merged.CustomLabel)
	require.Len(t, merged.OriginalSlots, 3)
	assert.Equal(t, "slot-1", merged.OriginalSlots[0].SlotID)
	assert.Equal(t, "09:30", merged.OriginalSlots[2].StartTime)

	for _, id := range []string{"m1", "m2", "m3"} {
		assert.False(t, repo.entries[id].Active, "constituent %s must be deactivated", id)
	}
}

func TestMergeRejectsGap(t *testing.T) {
	repo := newManualRepoStub(
		manualSlot("m1", "slot-1", "08:00", "08:45"),
		manualSlot("m2", "slot-2", "09:00", "09:45"),
	)
	svc := NewMergeService(repo, nil, nil)

	_, err := svc.Merge(context.Background(), MergeSlotsRequest{SlotIDs: []string{"m1", "m2"}, Label: "x"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	assert.Contains(t, err.Error(), "not contiguous")
}

func TestMergeRejectsMixedAttributes(t *testing.T) {
	other := manualSlot("m2", "slot-2", "08:45", "09:30")
	other.Room = "R202"
	repo := newManualRepoStub(manualSlot("m1", "slot-1", "08:00", "08:45"), other)
	svc := NewMergeService(repo, nil, nil)

	_, err := svc.Merge(context.Background(), MergeSlotsRequest{SlotIDs: []string{"m1", "m2"}, Label: "x"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestMergeRejectsAlreadyMerged(t *testing.T) {
	block := manualSlot("m1", "slot-1", "08:00", "09:30")
	block.IsMerged = true
	repo := newManualRepoStub(block, manualSlot("m2", "slot-2", "09:30", "10:15"))
	svc := NewMergeService(repo, nil, nil)

	_, err := svc.Merge(context.Background(), MergeSlotsRequest{SlotIDs: []string{"m1", "m2"}, Label: "x"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestMergeRejectsMissingSlot(t *testing.T) {
	repo := newManualRepoStub(manualSlot("m1", "slot-1", "08:00", "08:45"))
	svc := NewMergeService(repo, nil, nil)

	_, err := svc.Merge(context.Background(), MergeSlotsRequest{SlotIDs: []string{"m1", "ghost"}, Label: "x"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestMergeRequiresAtLeastTwoSlots(t *testing.T) {
	svc := NewMergeService(newManualRepoStub(), nil, nil)

	_, err := svc.Merge(context.Background(), MergeSlotsRequest{SlotIDs: []string{"m1"}, Label: "x"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSplitRestoresOriginalRanges(t *testing.T) {
	repo := newManualRepoStub(
		manualSlot("m1", "slot-1", "08:00", "08:45"),
		manualSlot("m2", "slot-2", "08:45", "09:30"),
	)
	svc := NewMergeService(repo, nil, nil)

	merged, err := svc.Merge(context.Background(), MergeSlotsRequest{
		SlotIDs: []string{"m1", "m2"},
		Label:   "Blok IPA",
	})
	require.NoError(t, err)

	restored, err := svc.Split(context.Background(), merged.ID)
	require.NoError(t, err)
	require.Len(t, restored, 2)

	assert.Equal(t, "slot-1", restored[0].SlotID)
	assert.Equal(t, "08:00", restored[0].StartTime)
	assert.Equal(t, "08:45", restored[0].EndTime)
	assert.Equal(t, "slot-2", restored[1].SlotID)
	assert.Equal(t, "09:30", restored[1].EndTime)
	for _, entry := range restored {
		assert.False(t, entry.IsMerged)
		require.NotNil(t, entry.SplitFromID)
		assert.Equal(t, merged.ID, *entry.SplitFromID)
		assert.Equal(t, "R101", entry.Room)
	}

	assert.False(t, repo.entries[merged.ID].Active, "merged block must be deactivated after split")

	// Re-merging the restored slots reproduces the combined range.
	remerged, err := svc.Merge(context.Background(), MergeSlotsRequest{
		SlotIDs: []string{restored[0].ID, restored[1].ID},
		Label:   "Blok IPA",
	})
	require.NoError(t, err)
	assert.Equal(t, *merged.CombinedRange, *remerged.CombinedRange)
}

func TestSplitRejectsPlainEntry(t *testing.T) {
	repo := newManualRepoStub(manualSlot("m1", "slot-1", "08:00", "08:45"))
	svc := NewMergeService(repo, nil, nil)

	_, err := svc.Split(context.Background(), "m1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestSplitUnknownEntry(t *testing.T) {
	svc := NewMergeService(newManualRepoStub(), nil, nil)

	_, err := svc.Split(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}
