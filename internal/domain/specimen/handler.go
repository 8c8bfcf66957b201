package specimen

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/groups", h.ListGroups)
	api.POST("/groups", h.CreateGroup)
	api.POST("/groups/import", h.ImportGroups)
	api.GET("/groups/:accession", h.GetGroup)
	api.PATCH("/groups/:accession", h.UpdateGroup)

	api.POST("/tubes", h.CreateTubes)
	api.GET("/tubes/:accession", h.GetTube)
	api.POST("/tubes/:accession/drop-off", h.DropOff)
	api.POST("/tubes/:accession/check-in", h.CheckIn)
	api.POST("/tubes/:accession/external-processing", h.MarkExternalProcessing)

	api.GET("/specimens/:accession", h.GetSpecimen)
	api.GET("/specimens/:accession/results", h.ListResults)

	api.POST("/plates", h.CreatePlate)
	api.GET("/plates/:barcode", h.GetPlate)
	api.POST("/plates/:barcode/wells", h.PlaceSpecimen)
	api.PATCH("/wells/:id", h.MoveWell)

	api.POST("/results", h.RecordResult)
	api.GET("/results/:id", h.GetResult)
	api.PATCH("/results/:id", h.UpdateConclusion)
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ParseTimestamp accepts RFC 3339 and zone-less timestamps, read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", apperr.ErrValidation, s)
}

// -- Groups --

func (h *Handler) ListGroups(c echo.Context) error {
	p := pagination.FromContext(c)
	groups, total, err := h.svc.ListGroups(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	if groups == nil {
		groups = []*ParticipantGroup{}
	}
	resp := pagination.NewResponse(groups, total, p.Limit, p.Offset)
	resp.Links = p.Links(c.Request().URL.Path, total, "")
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateGroup(c echo.Context) error {
	var req GroupRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	g, err := h.svc.CreateGroup(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) ImportGroups(c echo.Context) error {
	var body struct {
		Groups []GroupRequest `json:"groups"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	groups, err := h.svc.ImportGroups(c.Request().Context(), body.Groups)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"groups": groups})
}

func (h *Handler) GetGroup(c echo.Context) error {
	g, err := h.svc.GetGroup(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) UpdateGroup(c echo.Context) error {
	var u GroupUpdate
	if err := bind(c, &u); err != nil {
		return err
	}
	g, err := h.svc.UpdateGroup(c.Request().Context(), c.Param("accession"), u)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, g)
}

// -- Tubes --

// CreateTubes handles POST /tubes. A body with count creates that many
// labels; otherwise one tube is created with the given or a generated ID.
func (h *Handler) CreateTubes(c echo.Context) error {
	var body struct {
		AccessionID string `json:"accession_id"`
		Count       int    `json:"count"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if body.Count > 0 {
		tubes, err := h.svc.CreateTubes(ctx, body.Count)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, map[string]interface{}{"tubes": tubes})
	}
	t, err := h.svc.CreateTube(ctx, body.AccessionID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTube(c echo.Context) error {
	t, err := h.svc.GetTube(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DropOff(c echo.Context) error {
	var body struct {
		GroupAccessionID string `json:"group_accession_id"`
		TubeType         string `json:"tube_type"`
		CollectedAt      string `json:"collected_at"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	collected, err := ParseTimestamp(body.CollectedAt)
	if err != nil {
		return httpError(err)
	}
	t, sp, err := h.svc.DropOff(c.Request().Context(), DropOffRequest{
		TubeAccessionID:  c.Param("accession"),
		GroupAccessionID: body.GroupAccessionID,
		TubeType:         TubeType(body.TubeType),
		CollectedAt:      collected,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tube": t, "specimen": sp})
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.TubeAccessionID = c.Param("accession")
	req.Decision = TubeStatus(strings.ToUpper(string(req.Decision)))
	t, err := h.svc.CheckIn(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) MarkExternalProcessing(c echo.Context) error {
	t, err := h.svc.MarkExternalProcessing(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Specimens --

func (h *Handler) GetSpecimen(c echo.Context) error {
	sp, err := h.svc.GetSpecimen(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sp)
}

func (h *Handler) ListResults(c echo.Context) error {
	results, err := h.svc.ListResults(c.Request().Context(), c.Param("accession"))
	if err != nil {
		return httpError(err)
	}
	if results == nil {
		results = []*Result{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": results})
}

// -- Plates and wells --

func (h *Handler) CreatePlate(c echo.Context) error {
	var body struct {
		Barcode         string `json:"barcode"`
		StorageLocation string `json:"storage_location"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	p, err := h.svc.CreatePlate(c.Request().Context(), body.Barcode, body.StorageLocation)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlate(c echo.Context) error {
	p, err := h.svc.GetPlate(c.Request().Context(), c.Param("barcode"))
	if err != nil {
		return httpError(err)
	}
	if p.Wells == nil {
		p.Wells = []*SpecimenWell{}
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PlaceSpecimen(c echo.Context) error {
	var req PlaceRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	req.PlateBarcode = c.Param("barcode")
	w, err := h.svc.PlaceSpecimen(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *Handler) MoveWell(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req MoveRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	w, err := h.svc.MoveWell(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}

// -- Results --

func (h *Handler) RecordResult(c echo.Context) error {
	var req ResultRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	r, err := h.svc.RecordResult(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateConclusion(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		Conclusion Conclusion `json:"conclusion"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	r, err := h.svc.UpdateConclusion(c.Request().Context(), id, Conclusion(strings.ToUpper(string(body.Conclusion))))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}
