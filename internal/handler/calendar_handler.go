package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arka-edu/presensi-api/internal/middleware"
	"github.com/arka-edu/presensi-api/internal/models"
	"github.com/arka-edu/presensi-api/internal/service"
	appErrors "github.com/arka-edu/presensi-api/pkg/errors"
	"github.com/arka-edu/presensi-api/pkg/response"
)

// CalendarHandler serves materialized calendar views.
type CalendarHandler struct {
	service *service.CalendarService
}

// NewCalendarHandler constructs handler.
func NewCalendarHandler(svc *service.CalendarService) *CalendarHandler {
	return &CalendarHandler{service: svc}
}

// Range godoc
// @Summary Query schedule instances over a date range
// @Tags Calendar
// @Produce json
// @Param from query string true "Range start (YYYY-MM-DD)"
// @Param to query string true "Range end (YYYY-MM-DD)"
// @Param teacherId query string false "Filter by teacher"
// @Param classId query string false "Filter by class"
// @Param templateId query string false "Filter by template"
// @Success 200 {object} response.Envelope
// @Router /calendar [get]
func (h *CalendarHandler) Range(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	instances, hit, err := h.service.Range(c.Request.Context(), service.CalendarQuery{
		From:       from,
		To:         to,
		TeacherID:  c.Query("teacherId"),
		ClassID:    c.Query("classId"),
		TemplateID: c.Query("templateId"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, instances, nil, middleware.ExtractMeta(c))
}

// TeacherWeek godoc
// @Summary A teacher's instances for the week containing a date
// @Tags Calendar
// @Produce json
// @Param id path string true "Teacher ID"
// @Param date query string false "Anchor date (YYYY-MM-DD, defaults to today)"
// @Success 200 {object} response.Envelope
// @Router /teachers/{id}/week [get]
func (h *CalendarHandler) TeacherWeek(c *gin.Context) {
	anchor := time.Now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid date"))
			return
		}
		anchor = parsed
	}
	instances, hit, err := h.service.TeacherWeek(c.Request.Context(), c.Param("id"), anchor)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, hit)
	response.JSON(c, http.StatusOK, instances, nil, middleware.ExtractMeta(c))
}
