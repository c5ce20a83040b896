package feedback

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medweb/medweb/internal/platform/auth"
	"github.com/medweb/medweb/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/feedback", h.Create)
	api.GET("/feedback", h.List)
	api.GET("/feedback/:id", h.Get)
	api.PUT("/feedback/:id", h.Update)
	api.DELETE("/feedback/:id", h.Delete)
}

func (h *Handler) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("feedback request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func actorFrom(c echo.Context) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}

type feedbackRequest struct {
	VersionID *int    `json:"version_id"`
	Rating    *int    `json:"rating"`
	Comments  *string `json:"comments"`
}

func (h *Handler) Create(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Rating == nil || req.Comments == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "rating and comments are required")
	}
	f, err := h.svc.Create(c.Request().Context(), a, *req.Rating, *req.Comments)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, f)
}

func (h *Handler) List(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), a, pg.Limit, pg.Offset)
	if err != nil {
		return h.httpError(c, err)
	}
	if items == nil {
		items = []*Feedback{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) Get(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	f, err := h.svc.Get(c.Request().Context(), a, id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Update(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.VersionID == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "version_id is required")
	}
	f, err := h.svc.Update(c.Request().Context(), a, id, Update{VersionID: *req.VersionID, Rating: req.Rating, Comments: req.Comments})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Delete(c echo.Context) error {
	a, err := actorFrom(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), a, id); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
