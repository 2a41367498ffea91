package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tenantdesk/internal/activity"
	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/realtime"
	"github.com/memohai/tenantdesk/internal/rooms"
	"github.com/memohai/tenantdesk/internal/store"
)

const maxPageSize = 100

// ActivityHandler serves organization activity history and publishes changes to the
// organization's room.
type ActivityHandler struct {
	store  *store.ActivityStore
	rooms  rooms.Publisher
	logger *slog.Logger
}

// ListActivitiesResponse is the body of GET /organizations/:org/activities.
type ListActivitiesResponse struct {
	Activities []activity.Record `json:"activities"`
}

// CreateActivityRequest is the body of POST /organizations/:org/activities.
type CreateActivityRequest struct {
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	SubjectType string            `json:"objectType,omitempty"`
	SubjectID   string            `json:"objectId,omitempty"`
	Metadata    activity.Metadata `json:"meta"`
}

// NewActivityHandler creates an activity handler.
func NewActivityHandler(log *slog.Logger, activities *store.ActivityStore, publisher rooms.Publisher) *ActivityHandler {
	return &ActivityHandler{
		store:  activities,
		rooms:  publisher,
		logger: log.With(slog.String("handler", "activity")),
	}
}

// Register mounts the activity routes on the Echo instance.
func (h *ActivityHandler) Register(e *echo.Echo) {
	group := e.Group("/organizations/:org/activities")
	group.GET("", h.List)
	group.POST("", h.Create)
	group.PATCH("/:id", h.Update)
	group.DELETE("/:id", h.Delete)
}

// List godoc
// @Summary List activities
// @Description Page through an organization's activities, newest first
// @Tags activities
// @Param org path string true "Organization ID"
// @Param page query int false "Page number, starting at 1"
// @Param limit query int false "Page size"
// @Param kind query string false "Kind filter"
// @Success 200 {object} ListActivitiesResponse
// @Failure 400 {object} ErrorResponse
// @Router /organizations/{org}/activities [get].
func (h *ActivityHandler) List(c echo.Context) error {
	org, err := organizationParam(c)
	if err != nil {
		return err
	}
	page, err := intQuery(c, "page", 1)
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit", activity.DefaultPageSize)
	if err != nil {
		return err
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	kind, err := activity.ParseKind(c.QueryParam("kind"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	records, err := h.store.List(c.Request().Context(), org, kind, page, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ListActivitiesResponse{Activities: records})
}

// Create godoc
// @Summary Create activity
// @Description Record an activity and push it to the organization room
// @Tags activities
// @Param org path string true "Organization ID"
// @Param payload body CreateActivityRequest true "Activity"
// @Success 201 {object} activity.Record
// @Failure 400 {object} ErrorResponse
// @Router /organizations/{org}/activities [post].
func (h *ActivityHandler) Create(c echo.Context) error {
	org, err := organizationParam(c)
	if err != nil {
		return err
	}
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	var req CreateActivityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind, err := activity.ParseKind(req.Kind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	rec, err := h.store.Create(c.Request().Context(), org, activity.Record{
		Kind:        kind,
		Message:     req.Message,
		SubjectType: req.SubjectType,
		SubjectID:   req.SubjectID,
		Metadata:    req.Metadata,
		Actor:       activity.Actor{ID: userID, DisplayName: userID},
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	logger.FromContext(c.Request().Context()).Info("activity created",
		slog.String("org", org), slog.String("id", rec.ID), slog.String("kind", string(rec.Kind)))
	h.publish(org, rec.Kind, realtime.EventNewActivity, activity.CreatedEvent{Activity: rec, Timestamp: stamp()})
	return c.JSON(http.StatusCreated, rec)
}

// Update godoc
// @Summary Update activity
// @Tags activities
// @Param org path string true "Organization ID"
// @Param id path string true "Activity ID"
// @Param payload body store.UpdateRequest true "Changes"
// @Success 200 {object} activity.Record
// @Failure 404 {object} ErrorResponse
// @Router /organizations/{org}/activities/{id} [patch].
func (h *ActivityHandler) Update(c echo.Context) error {
	org, err := organizationParam(c)
	if err != nil {
		return err
	}
	var req store.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind != nil {
		kind, err := activity.ParseKind(string(*req.Kind))
		if err != nil || kind == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid kind")
		}
		req.Kind = &kind
	}
	rec, err := h.store.Update(c.Request().Context(), org, c.Param("id"), req)
	if err != nil {
		return storeError(err)
	}
	h.publish(org, rec.Kind, realtime.EventActivityUpdated, activity.CreatedEvent{Activity: rec, Timestamp: stamp()})
	return c.JSON(http.StatusOK, rec)
}

// Delete godoc
// @Summary Delete activity
// @Tags activities
// @Param org path string true "Organization ID"
// @Param id path string true "Activity ID"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /organizations/{org}/activities/{id} [delete].
func (h *ActivityHandler) Delete(c echo.Context) error {
	org, err := organizationParam(c)
	if err != nil {
		return err
	}
	id := c.Param("id")
	if err := h.store.Delete(c.Request().Context(), org, id); err != nil {
		return storeError(err)
	}
	h.publish(org, "", realtime.EventActivityDeleted, activity.DeletedEvent{ActivityID: id, Timestamp: stamp()})
	return c.NoContent(http.StatusNoContent)
}

func (h *ActivityHandler) publish(org string, kind activity.Kind, event string, payload any) {
	if h.rooms == nil {
		return
	}
	frame, err := realtime.NewFrame(event, payload)
	if err != nil {
		h.logger.Error("encode event failed", slog.String("event", event), slog.Any("error", err))
		return
	}
	n := h.rooms.Publish(rooms.Message{Room: org, Kind: string(kind), Frame: frame})
	h.logger.Debug("event published", slog.String("event", event), slog.String("room", org), slog.Int("members", n))
}

func organizationParam(c echo.Context) (string, error) {
	org := strings.TrimSpace(c.Param("org"))
	if org == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "organization is required")
	}
	if header := strings.TrimSpace(c.Request().Header.Get("X-Organization-ID")); header != "" && header != org {
		return "", echo.NewHTTPError(http.StatusBadRequest, "organization header does not match path")
	}
	return org, nil
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func storeError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "activity not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
