// Package api exposes the aggregator over HTTP: category reads that drive the
// fetch coordinator, and sync/invalidate operations for the destination side.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cdr/cdr/internal/cache"
	"github.com/cdr/cdr/internal/discovery"
	"github.com/cdr/cdr/internal/fetch"
	"github.com/cdr/cdr/internal/gateway"
	"github.com/cdr/cdr/internal/heading"
	"github.com/cdr/cdr/internal/session"
)

type Handler struct {
	coordinator *fetch.Coordinator
	cache       *cache.Cache
	reconciler  *discovery.Reconciler
	headings    *heading.Index
	sessions    *session.Pool
	gw          gateway.Gateway
	logger      zerolog.Logger
}

func NewHandler(co *fetch.Coordinator, c *cache.Cache, r *discovery.Reconciler, ix *heading.Index, sessions *session.Pool, gw gateway.Gateway, logger zerolog.Logger) *Handler {
	return &Handler{coordinator: co, cache: c, reconciler: r, headings: ix, sessions: sessions, gw: gw, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:externalId/:category", h.GetCategory)
	api.POST("/discovery/:host/sync", h.SyncDiscovery)
	api.GET("/discovery/:host/records", h.QueryRecords)
	api.DELETE("/discovery/:sourceId", h.DeleteMapping)
	api.DELETE("/headings/:host/:patientId/:category", h.DeleteHeadings)
}

// CategoryResponse is the payload for a category read. OK=false with a reason
// means "nothing to show yet", not a server error.
type CategoryResponse struct {
	OK            bool              `json:"ok"`
	AlreadyCached bool              `json:"already_cached"`
	Reason        string            `json:"reason,omitempty"`
	FetchCount    int64             `json:"fetch_count,omitempty"`
	Entries       []json.RawMessage `json:"entries"`
}

func (h *Handler) GetCategory(c echo.Context) error {
	ctx := c.Request().Context()
	externalID := c.Param("externalId")
	category := c.Param("category")

	patientRes, err := h.coordinator.EnsurePatient(ctx, externalID)
	if err != nil {
		if errors.Is(err, fetch.ErrInvalidExternalID) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !patientRes.OK && !patientRes.AlreadyCached {
		return c.JSON(http.StatusOK, CategoryResponse{Reason: patientRes.Reason, Entries: []json.RawMessage{}})
	}

	res, err := h.coordinator.EnsureCategory(ctx, externalID, category)
	if err != nil {
		if errors.Is(err, fetch.ErrUnknownCategory) || errors.Is(err, fetch.ErrInvalidExternalID) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !res.OK && !res.AlreadyCached {
		return c.JSON(http.StatusOK, CategoryResponse{Reason: res.Reason, Entries: []json.RawMessage{}})
	}

	uuids, err := h.cache.UUIDsForCategory(ctx, externalID, category)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entries := make([]json.RawMessage, 0, len(uuids))
	for _, uuid := range uuids {
		payload, err := h.cache.GetResource(ctx, category, uuid)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if payload != nil {
			entries = append(entries, payload)
		}
	}

	count, err := h.headings.IncrementFetchCount(ctx, externalID, category)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, CategoryResponse{
		OK:            true,
		AlreadyCached: res.AlreadyCached,
		FetchCount:    count,
		Entries:       entries,
	})
}

type syncRequest struct {
	PatientID string                 `json:"patient_id"`
	Category  string                 `json:"category"`
	Items     []discovery.SourceItem `json:"items"`
}

type syncResponse struct {
	Merged bool `json:"merged"`
	Items  int  `json:"items"`
}

func (h *Handler) SyncDiscovery(c echo.Context) error {
	host := c.Param("host")
	var req syncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == "" || req.Category == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id and category are required")
	}

	merged, err := h.reconciler.MergeAll(c.Request().Context(), host, req.PatientID, req.Category, req.Items)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, syncResponse{Merged: merged, Items: len(req.Items)})
}

// QueryRecords runs an ad-hoc query against one destination registry using a
// pooled backend session.
func (h *Handler) QueryRecords(c echo.Context) error {
	ctx := c.Request().Context()
	host := c.Param("host")
	query := c.QueryParam("aql")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "aql query parameter is required")
	}

	sessionID, err := h.sessions.Acquire(ctx, host)
	if err != nil {
		var unavailable *session.SessionUnavailableError
		if errors.As(err, &unavailable) {
			return echo.NewHTTPError(http.StatusBadGateway, unavailable.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	results, err := h.gw.QueryRecords(ctx, host, sessionID, query)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if results == nil {
		results = []json.RawMessage{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"resultSet": results})
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	if err := h.reconciler.Delete(c.Request().Context(), c.Param("sourceId")); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteHeadings(c echo.Context) error {
	removed, err := h.headings.DeleteAll(c.Request().Context(),
		c.Param("host"), c.Param("patientId"), c.Param("category"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": removed})
}
