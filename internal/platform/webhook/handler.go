package webhook

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/pkg/pagination"
)

// Handler exposes delivery logs and on-demand synchronisation.
type Handler struct {
	sync       *Synchronizer
	deliveries DeliveryLog
}

// NewHandler creates a Handler. deliveries may be nil.
func NewHandler(sync *Synchronizer, deliveries DeliveryLog) *Handler {
	return &Handler{sync: sync, deliveries: deliveries}
}

// RegisterRoutes binds the webhook routes to g.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/webhooks/deliveries", h.ListDeliveries)
	g.POST("/webhooks/sync", h.SyncAll)
	g.POST("/webhooks/sync/:kind", h.Sync)
}

// ListDeliveries handles GET /webhooks/deliveries?kind=.
func (h *Handler) ListDeliveries(c echo.Context) error {
	if h.deliveries == nil {
		return echo.NewHTTPError(http.StatusNotFound, "delivery log is not enabled")
	}
	var kind Kind
	if raw := c.QueryParam("kind"); raw != "" {
		k, err := ParseKind(raw)
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		kind = k
	}
	p := pagination.FromContext(c)
	items, total, err := h.deliveries.ListDeliveries(c.Request().Context(), kind, p)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*DeliveryAttempt{}
	}
	resp := pagination.NewResponse(items, total, p.Limit, p.Offset)
	extra := ""
	if kind != "" {
		extra = "kind=" + string(kind)
	}
	resp.Links = p.Links(c.Request().URL.Path, total, extra)
	return c.JSON(http.StatusOK, resp)
}

// Sync handles POST /webhooks/sync/:kind.
func (h *Handler) Sync(c echo.Context) error {
	kind, err := ParseKind(c.Param("kind"))
	if err != nil {
		return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
	}
	report, err := h.sync.Run(c.Request().Context(), kind)
	if err != nil {
		return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

// SyncAll handles POST /webhooks/sync. Per-kind failures are reported next
// to the successful kinds.
func (h *Handler) SyncAll(c echo.Context) error {
	reports, err := h.sync.RunAll(c.Request().Context())
	body := map[string]interface{}{"reports": reports}
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(http.StatusMultiStatus, body)
	}
	return c.JSON(http.StatusOK, body)
}
