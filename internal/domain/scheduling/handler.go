package scheduling

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medweb/medweb/internal/platform/auth"
	"github.com/medweb/medweb/pkg/pagination"
)

type Handler struct {
	svc    *Service
	sched  *Scheduler
	logger zerolog.Logger
}

func NewHandler(svc *Service, sched *Scheduler, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, sched: sched, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	doctorOnly := auth.RequireRole(auth.RoleDoctor)
	patientOnly := auth.RequireRole(auth.RolePatient)
	participant := auth.RequireRole(auth.RolePatient, auth.RoleDoctor)

	// Doctor self-service; static segments take precedence over :id.
	api.GET("/doctors/me", h.GetOwnProfile, doctorOnly)
	api.PUT("/doctors/me", h.UpdateOwnProfile, doctorOnly)
	api.POST("/doctors/me/availability", h.AddWindow, doctorOnly)
	api.PUT("/doctors/me/availability/:id", h.UpdateWindow, doctorOnly)
	api.DELETE("/doctors/me/availability/:id", h.DeleteWindow, doctorOnly)
	api.GET("/doctors/me/dashboard", h.Dashboard, doctorOnly)

	// Browsing is open to any authenticated user.
	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:id", h.GetDoctor)
	api.GET("/doctors/:id/availability", h.ListAvailability)
	api.GET("/doctors/:id/slots", h.FreeSlots)
	api.DELETE("/doctors/:id", h.DeleteDoctor, auth.RequireRole(auth.RoleAdmin))

	api.POST("/appointments", h.Book, patientOnly)
	api.GET("/appointments", h.ListAppointments, patientOnly)
	api.GET("/appointments/:id", h.GetAppointment, participant)
	api.PUT("/appointments/:id", h.UpdateAppointment, patientOnly)
	api.POST("/appointments/:id/transition", h.TransitionAppointment, participant)
	api.POST("/appointments/:id/cancel", h.CancelAppointment, participant)
}

// httpError maps domain error kinds onto HTTP statuses.
func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPastDateTime):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	rid, _ := c.Get("request_id").(string)
	h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("scheduling request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func actorFrom(c echo.Context) (Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return Actor{ID: a.ID, Role: Role(a.Primary())}, nil
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Doctors --

func (h *Handler) ListDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := DoctorFilter{Specialization: c.QueryParam("specialization")}
	if v := c.QueryParam("available"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid available")
		}
		f.Available = &b
	}
	items, total, err := h.svc.ListDoctors(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Doctor{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	doc, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) ListAvailability(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	windows, err := h.svc.ListWindows(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, windows)
}

type slotsResponse struct {
	DoctorID uuid.UUID   `json:"doctor_id"`
	Date     Date        `json:"date"`
	Slots    []ClockTime `json:"slots"`
}

func (h *Handler) FreeSlots(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return h.httpError(c, err)
	}
	slots, err := h.sched.FreeSlots(c.Request().Context(), id, date)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, slotsResponse{DoctorID: id, Date: date, Slots: slots})
}

func (h *Handler) DeleteDoctor(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDoctor(c.Request().Context(), id); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetOwnProfile(c echo.Context) error {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	doc, err := h.svc.EnsureDoctorProfile(c.Request().Context(), a.ID, a.Name)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) UpdateOwnProfile(c echo.Context) error {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	var u DoctorUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if _, err := h.svc.EnsureDoctorProfile(ctx, a.ID, a.Name); err != nil {
		return h.httpError(c, err)
	}
	doc, err := h.svc.UpdateDoctorProfile(ctx, a.ID, u)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, doc)
}

type windowRequest struct {
	Weekday     *int       `json:"weekday"`
	StartTime   *ClockTime `json:"start_time"`
	EndTime     *ClockTime `json:"end_time"`
	IsAvailable *bool      `json:"is_available"`
}

func (r windowRequest) toWindow() (*AvailabilityWindow, error) {
	// A missing time would decode as midnight.
	if r.Weekday == nil || r.StartTime == nil || r.EndTime == nil {
		return nil, validationErrorf("weekday, start_time and end_time are required")
	}
	w := &AvailabilityWindow{Weekday: *r.Weekday, StartTime: *r.StartTime, EndTime: *r.EndTime, IsAvailable: true}
	if r.IsAvailable != nil {
		w.IsAvailable = *r.IsAvailable
	}
	return w, nil
}

func (h *Handler) AddWindow(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req windowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := req.toWindow()
	if err != nil {
		return h.httpError(c, err)
	}
	if err := h.svc.AddWindow(c.Request().Context(), a.ID, w); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) UpdateWindow(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req windowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w, err := req.toWindow()
	if err != nil {
		return h.httpError(c, err)
	}
	w.ID = id
	if err := h.svc.UpdateWindow(c.Request().Context(), a.ID, w); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

func (h *Handler) DeleteWindow(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteWindow(c.Request().Context(), a.ID, id); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Dashboard(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	d, err := h.svc.Dashboard(c.Request().Context(), a.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Appointments --

type bookRequest struct {
	DoctorID uuid.UUID  `json:"doctor_id"`
	Date     Date       `json:"date"`
	Time     *ClockTime `json:"time"`
	Type     string     `json:"appointment_type"`
	Reason   string     `json:"reason"`
}

func (h *Handler) Book(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DoctorID == uuid.Nil || req.Date.IsZero() || req.Time == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "doctor_id, date and time are required")
	}
	typ, err := ParseAppointmentType(req.Type)
	if err != nil {
		return h.httpError(c, err)
	}
	appt, err := h.sched.Book(c.Request().Context(), BookRequest{
		DoctorID:  req.DoctorID,
		PatientID: a.ID,
		Date:      req.Date,
		Time:      *req.Time,
		Type:      typ,
		Reason:    req.Reason,
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientAppointments(c.Request().Context(), a.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetAppointment(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), a, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type updateAppointmentRequest struct {
	VersionID *int       `json:"version_id"`
	DoctorID  *uuid.UUID `json:"doctor_id"`
	Date      *Date      `json:"date"`
	Time      *ClockTime `json:"time"`
	Type      *string    `json:"appointment_type"`
	Reason    *string    `json:"reason"`
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req updateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.VersionID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "version_id is required")
	}
	rr := RescheduleRequest{
		Actor:         a,
		AppointmentID: id,
		VersionID:     *req.VersionID,
		DoctorID:      req.DoctorID,
		Date:          req.Date,
		Time:          req.Time,
		Reason:        req.Reason,
	}
	if req.Type != nil {
		t := AppointmentType(*req.Type)
		rr.Type = &t
	}
	appt, err := h.sched.Reschedule(c.Request().Context(), rr)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (h *Handler) TransitionAppointment(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	to, err := ParseStatus(req.Status)
	if err != nil {
		return h.httpError(c, err)
	}
	appt, err := h.sched.Transition(c.Request().Context(), a, id, to)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.sched.Cancel(c.Request().Context(), a, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, appt)
}
