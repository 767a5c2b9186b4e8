package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arka-edu/presensi-api/internal/service"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
	"github.com/arka-edu/presensi-api/pkg/response"
)

// MergeHandler manages manual schedule slot merge endpoints.
type MergeHandler struct {
	service *service.MergeService
}

// NewMergeHandler constructs handler.
func NewMergeHandler(svc *service.MergeService) *MergeHandler {
	return &MergeHandler{service: svc}
}

// ListByClass godoc
// @Summary List manual schedule entries for a class
// @Tags ManualSchedules
// @Produce json
// @Param id path string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /classes/{id}/manual-schedules [get]
func (h *MergeHandler) ListByClass(c *gin.Context) {
	entries, err := h.service.ListByClass(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Merge godoc
// @Summary Combine contiguous slots into one display block
// @Tags ManualSchedules
// @Accept json
// @Produce json
// @Param payload body service.MergeSlotsRequest true "Merge payload"
// @Success 201 {object} response.Envelope
// @Router /manual-schedules/merge [post]
func (h *MergeHandler) Merge(c *gin.Context) {
	var req service.MergeSlotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	merged, err := h.service.Merge(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, merged)
}

// Split godoc
// @Summary Restore the constituent slots of a merged block
// @Tags ManualSchedules
// @Produce json
// @Param id path string true "Merged entry ID"
// @Success 200 {object} response.Envelope
// @Router /manual-schedules/{id}/split [post]
func (h *MergeHandler) Split(c *gin.Context) {
	restored, err := h.service.Split(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, restored, nil)
}
