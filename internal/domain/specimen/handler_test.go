package specimen

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	svc, _, _ := newTestService(t)
	return NewHandler(svc), echo.New()
}

func jsonContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpStatus(t *testing.T, err error, rec *httptest.ResponseRecorder) int {
	t.Helper()
	if err == nil {
		return rec.Code
	}
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he.Code
}

func TestHandler_GroupLifecycle(t *testing.T) {
	h, e := newTestHandler(t)

	c, rec := jsonContext(e, http.MethodPost, `{"title":"G1","participant_count":3,"viral_webhook_enabled":true}`)
	if err := h.CreateGroup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var g ParticipantGroup
	json.Unmarshal(rec.Body.Bytes(), &g)
	if !strings.HasPrefix(g.AccessionID, GroupPrefix) || !g.ViralWebHookEnabled {
		t.Errorf("unexpected group %+v", g)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"title":"G2","participant_count":0}`)
	if code := httpStatus(t, h.CreateGroup(c), rec); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}

	c, rec = jsonContext(e, http.MethodGet, "")
	c.SetParamNames("accession")
	c.SetParamValues("GRP-MISSING")
	if code := httpStatus(t, h.GetGroup(c), rec); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c, rec = jsonContext(e, http.MethodGet, "")
	if err := h.ListGroups(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 1 {
		t.Errorf("expected 1 group, got %d", list.Total)
	}
}

func TestHandler_TubeWorkflow(t *testing.T) {
	h, e := newTestHandler(t)
	g := mustGroup(t, h.svc, "G1")

	c, rec := jsonContext(e, http.MethodPost, `{"accession_id":"T100"}`)
	if err := h.CreateTubes(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("create tube: %v (%d)", err, rec.Code)
	}

	body := `{"group_accession_id":"` + g.AccessionID + `","tube_type":"BLOOD","collected_at":"2020-05-20T15:55:26"}`
	c, rec = jsonContext(e, http.MethodPost, body)
	c.SetParamNames("accession")
	c.SetParamValues("T100")
	if err := h.DropOff(c); err != nil {
		t.Fatalf("drop off: %v", err)
	}
	var dropped struct {
		Tube     Tube     `json:"tube"`
		Specimen Specimen `json:"specimen"`
	}
	json.Unmarshal(rec.Body.Bytes(), &dropped)
	if dropped.Tube.Status != TubeDroppedOff || dropped.Specimen.AccessionID == "" || !dropped.Specimen.CollectedAt.Equal(collected) {
		t.Errorf("unexpected drop-off response %s", rec.Body.String())
	}

	c, rec = jsonContext(e, http.MethodPost, body)
	c.SetParamNames("accession")
	c.SetParamValues("T100")
	if code := httpStatus(t, h.DropOff(c), rec); code != http.StatusConflict {
		t.Errorf("expected 409 for second drop-off, got %d", code)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"decision":"accepted","checked_in_by":"tech"}`)
	c.SetParamNames("accession")
	c.SetParamValues("T100")
	if err := h.CheckIn(c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("check in: %v (%d)", err, rec.Code)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"barcode":"PLATE-1"}`)
	if err := h.CreatePlate(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("create plate: %v (%d)", err, rec.Code)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"tube_accession_id":"T100","position":"A2"}`)
	c.SetParamNames("barcode")
	c.SetParamValues("PLATE-1")
	if err := h.PlaceSpecimen(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("place: %v (%d)", err, rec.Code)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"tube_accession_id":"T100","position":"a02"}`)
	c.SetParamNames("barcode")
	c.SetParamValues("PLATE-1")
	if code := httpStatus(t, h.PlaceSpecimen(c), rec); code != http.StatusConflict {
		t.Errorf("expected 409 for taken position, got %d", code)
	}

	c, rec = jsonContext(e, http.MethodGet, "")
	c.SetParamNames("barcode")
	c.SetParamValues("PLATE-1")
	if err := h.GetPlate(c); err != nil {
		t.Fatalf("get plate: %v", err)
	}
	var plate struct {
		Barcode string          `json:"barcode"`
		Wells   []*SpecimenWell `json:"wells"`
	}
	json.Unmarshal(rec.Body.Bytes(), &plate)
	if plate.Barcode != "PLATE-1" || len(plate.Wells) != 1 {
		t.Errorf("unexpected plate %s", rec.Body.String())
	}
}

func TestHandler_DropOffBadTimestamp(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := jsonContext(e, http.MethodPost, `{"group_accession_id":"GRP-1","tube_type":"BLOOD","collected_at":"yesterday"}`)
	c.SetParamNames("accession")
	c.SetParamValues("T100")
	if code := httpStatus(t, h.DropOff(c), rec); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Results(t *testing.T) {
	h, e := newTestHandler(t)
	g := mustGroup(t, h.svc, "G1")
	_, sp := acceptedTube(t, h.svc, "T100", g)

	c, rec := jsonContext(e, http.MethodPost, `{"specimen_accession_id":"`+sp.AccessionID+`","kind":"viral","conclusion":"POSITIVE","ct_value":22.1}`)
	if err := h.RecordResult(c); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("record result: %v (%d)", err, rec.Code)
	}
	var r Result
	json.Unmarshal(rec.Body.Bytes(), &r)

	c, rec = jsonContext(e, http.MethodPatch, `{"conclusion":"negative"}`)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(r.ID, 10))
	if err := h.UpdateConclusion(c); err != nil {
		t.Fatalf("update conclusion: %v", err)
	}
	var updated Result
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Conclusion == nil || *updated.Conclusion != ConclusionNegative {
		t.Errorf("unexpected result %s", rec.Body.String())
	}

	c, rec = jsonContext(e, http.MethodPatch, `{"conclusion":"RECOMMENDED"}`)
	c.SetParamNames("id")
	c.SetParamValues("abc")
	if code := httpStatus(t, h.UpdateConclusion(c), rec); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", code)
	}

	c, rec = jsonContext(e, http.MethodGet, "")
	c.SetParamNames("accession")
	c.SetParamValues(sp.AccessionID)
	if err := h.ListResults(c); err != nil {
		t.Fatalf("list results: %v", err)
	}
	var list struct {
		Results []Result `json:"results"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(list.Results))
	}
}
