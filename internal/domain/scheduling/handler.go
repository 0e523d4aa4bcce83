package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
	"github.com/clinic/clinic/internal/platform/validation"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/specialists/:id/availability", h.ListWindows)
	api.POST("/specialists/:id/availability", h.CreateWindow)
	api.DELETE("/availability/:id", h.DeleteWindow)
	api.GET("/specialists/:id/slots", h.ListSlots)

	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.BookAppointment)
	api.GET("/appointments/:id", h.GetAppointment)
	api.GET("/patients/:id/appointments", h.ListPatientAppointments)
	api.GET("/specialists/:id/appointments", h.ListSpecialistAppointments)

	api.POST("/appointments/:id/accept", h.Accept)
	api.POST("/appointments/:id/reject", h.Reject)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/complete", h.Complete)
	api.POST("/appointments/:id/rate", h.Rate)
	api.POST("/appointments/:id/survey", h.CompleteSurvey)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	var verr *ValidationError
	var ferr *validation.Error
	switch {
	case errors.As(err, &verr), errors.As(err, &ferr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAppointmentNotFound), errors.Is(err, ErrWindowNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBookingConflict), errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrWindowOverlap):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSlotOutsideSchedule):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, slotengine.ErrAvailabilityFetchFailed), errors.Is(err, slotengine.ErrAppointmentFetchFailed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "availability could not be verified, try again later")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(v); err != nil {
		return httpError(err)
	}
	return nil
}

// -- Availability --

type windowRequest struct {
	SpecialtyID int    `json:"specialty_id" validate:"required,gt=0"`
	DayOfWeek   *int   `json:"day_of_week" validate:"required,min=0,max=6"`
	StartTime   string `json:"start_time" validate:"required"`
	EndTime     string `json:"end_time" validate:"required"`
}

func (h *Handler) CreateWindow(c echo.Context) error {
	specialistID, err := paramID(c)
	if err != nil {
		return err
	}
	var req windowRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	start, err := slotengine.ParseTimeOfDay(req.StartTime)
	if err != nil {
		return httpError(invalid("start_time", "must be HH:MM"))
	}
	end, err := slotengine.ParseTimeOfDay(req.EndTime)
	if err != nil {
		return httpError(invalid("end_time", "must be HH:MM"))
	}

	w := &AvailabilityWindow{
		SpecialistID: specialistID,
		SpecialtyID:  req.SpecialtyID,
		DayOfWeek:    *req.DayOfWeek,
		StartTime:    start,
		EndTime:      end,
	}
	if err := h.svc.CreateWindow(c.Request().Context(), w); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) ListWindows(c echo.Context) error {
	specialistID, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListWindows(c.Request().Context(), specialistID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) DeleteWindow(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteWindow(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Slots --

func (h *Handler) ListSlots(c echo.Context) error {
	specialistID, err := paramID(c)
	if err != nil {
		return err
	}
	specialtyID, err := strconv.Atoi(c.QueryParam("specialty_id"))
	if err != nil || specialtyID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "specialty_id is required")
	}
	days := 0
	if v := c.QueryParam("days"); v != "" {
		days, err = strconv.Atoi(v)
		if max := h.svc.WindowDays(); err != nil || days <= 0 || days > max {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", max))
		}
	}

	result, err := h.svc.AvailableSlots(c.Request().Context(), specialistID, specialtyID, days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Appointments --

func (h *Handler) BookAppointment(c echo.Context) error {
	var req BookingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.BookAppointment(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, appt.View())
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt.View())
}

func views(items []*Appointment) []AppointmentView {
	out := make([]AppointmentView, len(items))
	for i, a := range items {
		out[i] = a.View()
	}
	return out
}

func (h *Handler) ListPatientAppointments(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientAppointments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) ListSpecialistAppointments(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSpecialistAppointments(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) ListAppointments(c echo.Context) error {
	var status slotengine.Status
	if v := c.QueryParam("status_id"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "status_id must be a number")
		}
		status = slotengine.Status(n)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, pg.Limit, pg.Offset))
}

// -- Transitions --

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type reviewRequest struct {
	Review string `json:"review" validate:"required"`
}

type ratingRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment"`
}

type surveyRequest struct {
	Answers json.RawMessage `json:"answers" validate:"required"`
}

func (h *Handler) respond(c echo.Context, appt *Appointment, err error) error {
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, appt.View())
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Accept(c.Request().Context(), id)
	return h.respond(c, appt, err)
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Reject(c.Request().Context(), id, req.Reason)
	return h.respond(c, appt, err)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Cancel(c.Request().Context(), id, req.Reason)
	return h.respond(c, appt, err)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req reviewRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Complete(c.Request().Context(), id, req.Review)
	return h.respond(c, appt, err)
}

func (h *Handler) Rate(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req ratingRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.Rate(c.Request().Context(), id, req.Rating, req.Comment)
	return h.respond(c, appt, err)
}

func (h *Handler) CompleteSurvey(c echo.Context) error {
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req surveyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.CompleteSurvey(c.Request().Context(), id, req.Answers)
	return h.respond(c, appt, err)
}
