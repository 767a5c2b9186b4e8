package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arka-edu/presensi-api/internal/service"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
	"github.com/arka-edu/presensi-api/pkg/response"
)

// OverrideHandler manages dated schedule exception endpoints.
type OverrideHandler struct {
	service *service.OverrideService
}

// NewOverrideHandler constructs handler.
func NewOverrideHandler(svc *service.OverrideService) *OverrideHandler {
	return &OverrideHandler{service: svc}
}

// ListByTemplate godoc
// @Summary List overrides for a template
// @Tags Overrides
// @Produce json
// @Param id path string true "Template ID"
// @Success 200 {object} response.Envelope
// @Router /templates/{id}/overrides [get]
func (h *OverrideHandler) ListByTemplate(c *gin.Context) {
	overrides, err := h.service.ListByTemplate(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, overrides, nil)
}

// Create godoc
// @Summary Create an override for a template date
// @Tags Overrides
// @Accept json
// @Produce json
// @Param id path string true "Template ID"
// @Param payload body service.CreateOverrideRequest true "Override payload"
// @Success 201 {object} response.Envelope
// @Router /templates/{id}/overrides [post]
func (h *OverrideHandler) Create(c *gin.Context) {
	var req service.CreateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	override, err := h.service.Create(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, override)
}

// Update godoc
// @Summary Update an override
// @Tags Overrides
// @Accept json
// @Produce json
// @Param id path string true "Override ID"
// @Param payload body service.UpdateOverrideRequest true "Override payload"
// @Success 200 {object} response.Envelope
// @Router /overrides/{id} [put]
func (h *OverrideHandler) Update(c *gin.Context) {
	var req service.UpdateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	override, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, override, nil)
}

// Deactivate godoc
// @Summary Deactivate an override
// @Tags Overrides
// @Param id path string true "Override ID"
// @Success 204
// @Router /overrides/{id} [delete]
func (h *OverrideHandler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
