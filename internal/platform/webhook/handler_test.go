package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *fakeSource, *MemoryDeliveryLog) {
	t.Helper()
	src := newFakeSource(KindViralResult, 2, syncClock)
	rm := newRemote(t, acknowledgeAll)
	deliveries := NewMemoryDeliveryLog()
	s := newTestSynchronizer(t, src, rm.srv.URL, WithDeliveryLog(deliveries))
	return NewHandler(s, deliveries), src, deliveries
}

func TestHandler_Sync(t *testing.T) {
	h, src, _ := newTestHandler(t)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("kind")
	c.SetParamValues("viral_result")

	if err := h.Sync(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Succeeded != 2 || src.status(1) != StatusSuccess {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHandler_Sync_Errors(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	tests := []struct {
		kind string
		code int
	}{
		{"qpcr", http.StatusBadRequest},
		{"antibody_result", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
			c.SetParamNames("kind")
			c.SetParamValues(tt.kind)
			err := h.Sync(c)
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.code {
				t.Errorf("expected HTTP %d, got %v", tt.code, err)
			}
		})
	}
}

func TestHandler_ListDeliveries(t *testing.T) {
	h, _, deliveries := newTestHandler(t)
	for i := 0; i < 3; i++ {
		deliveries.RecordDelivery(context.Background(), &DeliveryAttempt{ID: string(rune('a' + i)), Kind: KindViralResult, Status: DeliverySuccess})
	}
	deliveries.RecordDelivery(context.Background(), &DeliveryAttempt{ID: "z", Kind: KindAntibodyResult, Status: DeliveryFailed})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/deliveries?kind=viral_result&limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListDeliveries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Data    []DeliveryAttempt `json:"data"`
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 3 || len(body.Data) != 2 || !body.HasMore {
		t.Errorf("unexpected page: total=%d len=%d has_more=%v", body.Total, len(body.Data), body.HasMore)
	}
	if body.Data[0].ID != "c" {
		t.Errorf("expected newest first, got %q", body.Data[0].ID)
	}
}

func TestHandler_ListDeliveries_BadKind(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?kind=nope", nil), httptest.NewRecorder())
	var he *echo.HTTPError
	if err := h.ListDeliveries(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
