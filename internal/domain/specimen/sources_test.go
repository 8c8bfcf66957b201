package specimen

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labtrack/labtrack/internal/platform/webhook"
)

func TestResultSource_Records(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	g := mustGroup(t, svc, "G1")
	_, sp := acceptedTube(t, svc, "T100", g)
	svc.CreatePlate(ctx, "PLATE-1", "")
	a02 := "A02"
	w, _ := svc.PlaceSpecimen(ctx, PlaceRequest{TubeAccessionID: "T100", PlateBarcode: "PLATE-1", Position: &a02})
	positive := ConclusionPositive
	ct := 30.25
	r, err := svc.RecordResult(ctx, ResultRequest{SpecimenAccessionID: sp.AccessionID, WellID: &w.ID, Kind: ResultViral, Conclusion: &positive, CtValue: &ct})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}

	src := NewResultSource(store, ResultViral)
	if src.Kind() != webhook.KindViralResult {
		t.Errorf("unexpected kind %s", src.Kind())
	}
	records, err := src.Due(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].ID != r.ID || !records[0].UpdatedAt.Equal(r.UpdatedAt) {
		t.Fatalf("unexpected records %+v", records)
	}

	body, _ := json.Marshal(records[0])
	var got map[string]interface{}
	json.Unmarshal(body, &got)
	want := map[string]interface{}{
		"kind":                  "viral",
		"conclusion":            "POSITIVE",
		"specimen_accession_id": sp.AccessionID,
		"tube_accession_id":     "T100",
		"group_accession_id":    g.AccessionID,
		"group_title":           "G1",
		"collected_at":          "2020-05-20T15:55:26Z",
		"plate_barcode":         "PLATE-1",
		"well_position":         "A2",
		"ct_value":              30.25,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	if _, ok := got["group_external_id"]; !ok {
		t.Error("expected group_external_id to be present")
	}
	if id, _ := got["id"].(string); id == "" {
		t.Errorf("expected the key as a string id, got %v", got["id"])
	}

	if anti, _ := NewResultSource(store, ResultAntibody).Due(ctx); len(anti) != 0 {
		t.Errorf("expected no antibody records, got %d", len(anti))
	}
}

func TestTubeSource_Records(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	g := mustGroup(t, svc, "G1")
	_, sp := acceptedTube(t, svc, "T100", g)
	tube, err := svc.MarkExternalProcessing(ctx, "T100")
	if err != nil {
		t.Fatalf("mark external processing: %v", err)
	}

	src := NewTubeSource(store)
	records, err := src.Due(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].ID != tube.ID || !records[0].UpdatedAt.Equal(*tube.ExternalProcessingAt) {
		t.Fatalf("unexpected records %+v", records)
	}
	f := records[0].Fields
	if f["tube_accession_id"] != "T100" || f["specimen_accession_id"] != sp.AccessionID || f["tube_type"] != "BLOOD" {
		t.Errorf("unexpected fields %v", f)
	}

	at := tube.ExternalProcessingAt.Add(time.Second)
	if err := src.Apply(ctx, []webhook.Outcome{{RecordID: tube.ID, Status: webhook.StatusSuccess, At: at, Message: "ok"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records, _ := src.Due(ctx); len(records) != 0 {
		t.Errorf("expected delivered tube not to be due, got %d", len(records))
	}
}

func TestSources(t *testing.T) {
	kinds := map[webhook.Kind]bool{}
	for _, src := range Sources(NewMemoryStore()) {
		kinds[src.Kind()] = true
	}
	for _, k := range webhook.Kinds() {
		if !kinds[k] {
			t.Errorf("missing source for %s", k)
		}
	}
}

// TestLifecycle_EndToEnd follows tube T100 from label to delivered result.
func TestLifecycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)

	var calls atomic.Int32
	var mu sync.Mutex
	var submitted []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "lab" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var batch struct {
			Records []map[string]interface{} `json:"records"`
		}
		json.Unmarshal(body, &batch)
		mu.Lock()
		submitted = batch.Records
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result": {"status": "COMPLETE", "message": "", "rows": []}}`)
	}))
	defer srv.Close()

	g := mustGroup(t, svc, "G1")
	if _, err := svc.CreateTube(ctx, "T100"); err != nil {
		t.Fatalf("create tube: %v", err)
	}
	_, sp, err := svc.DropOff(ctx, DropOffRequest{TubeAccessionID: "T100", GroupAccessionID: g.AccessionID, TubeType: TubeBlood, CollectedAt: collected})
	if err != nil {
		t.Fatalf("drop off: %v", err)
	}
	if sp.AccessionID == "" {
		t.Fatal("expected the specimen to have an accession id")
	}
	if _, err := svc.CheckIn(ctx, CheckInRequest{TubeAccessionID: "T100", Decision: TubeAccepted}); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if _, err := svc.CreatePlate(ctx, "PLATE-1", ""); err != nil {
		t.Fatalf("create plate: %v", err)
	}
	a2 := "A2"
	w, err := svc.PlaceSpecimen(ctx, PlaceRequest{TubeAccessionID: "T100", PlateBarcode: "PLATE-1", Position: &a2})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	positive := ConclusionPositive
	r, err := svc.RecordResult(ctx, ResultRequest{SpecimenAccessionID: sp.AccessionID, WellID: &w.ID, Kind: ResultViral, Conclusion: &positive})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}

	clock.Advance(time.Minute)
	syncer := webhook.NewSynchronizer(webhook.NewClient(webhook.WithBasicAuth("lab", "secret")), webhook.WithClock(clock.Now))
	if err := syncer.Register(NewResultSource(store, ResultViral), srv.URL); err != nil {
		t.Fatalf("register: %v", err)
	}
	report, err := syncer.Run(ctx, webhook.KindViralResult)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Submitted != 1 || report.Assumed != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	mu.Lock()
	if len(submitted) != 1 || submitted[0]["specimen_accession_id"] != sp.AccessionID {
		t.Errorf("unexpected submitted records %v", submitted)
	}
	mu.Unlock()

	stored, _ := store.GetResult(ctx, r.ID)
	if stored.WebHookStatus == nil || *stored.WebHookStatus != webhook.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %v", stored.WebHookStatus)
	}
	if stored.LastWebHookSuccessAt == nil || stored.LastWebHookMessage == nil || *stored.LastWebHookMessage != webhook.AssumedDeliveredMessage {
		t.Errorf("unexpected delivery fields %+v", stored)
	}

	if _, err := syncer.Run(ctx, webhook.KindViralResult); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected no HTTP call without due records, got %d calls", calls.Load())
	}

	clock.Advance(time.Minute)
	if _, err := svc.UpdateConclusion(ctx, r.ID, ConclusionNegative); err != nil {
		t.Fatalf("update conclusion: %v", err)
	}
	syncer.Run(ctx, webhook.KindViralResult)
	syncer.Run(ctx, webhook.KindViralResult)
	if calls.Load() != 2 {
		t.Errorf("expected the changed result to be delivered exactly once more, got %d calls", calls.Load())
	}
}

func TestSynchronize_ConclusionChangedInFlight(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	g := mustGroup(t, svc, "G1")
	_, sp := acceptedTube(t, svc, "T100", g)
	positive := ConclusionPositive
	r, err := svc.RecordResult(ctx, ResultRequest{SpecimenAccessionID: sp.AccessionID, Kind: ResultViral, Conclusion: &positive})
	if err != nil {
		t.Fatalf("record result: %v", err)
	}

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			clock.Advance(time.Second)
			if _, err := svc.UpdateConclusion(ctx, r.ID, ConclusionNegative); err != nil {
				t.Errorf("update conclusion: %v", err)
			}
		}
		io.WriteString(w, `{"result": {"status": "COMPLETE", "message": "", "rows": []}}`)
	}))
	defer srv.Close()

	clock.Advance(time.Minute)
	syncer := webhook.NewSynchronizer(webhook.NewClient(), webhook.WithClock(clock.Now))
	if err := syncer.Register(NewResultSource(store, ResultViral), srv.URL); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := syncer.Run(ctx, webhook.KindViralResult); err != nil {
		t.Fatalf("sync: %v", err)
	}

	due, _ := NewResultSource(store, ResultViral).Due(ctx)
	if len(due) != 1 || due[0].Fields["conclusion"] != "NEGATIVE" {
		t.Fatalf("expected the corrected conclusion to be due, got %+v", due)
	}

	if _, err := syncer.Run(ctx, webhook.KindViralResult); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	stored, _ := store.GetResult(ctx, r.ID)
	if calls.Load() != 2 || stored.WebHookStatus == nil || *stored.WebHookStatus != webhook.StatusSuccess {
		t.Errorf("expected the correction delivered by the second run, got %d calls and %v", calls.Load(), stored.WebHookStatus)
	}
	if due, _ := NewResultSource(store, ResultViral).Due(ctx); len(due) != 0 {
		t.Errorf("expected nothing due after the correction was delivered, got %d", len(due))
	}
}

func TestTubeSource_ApplyChecksSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	g := mustGroup(t, svc, "G1")
	acceptedTube(t, svc, "T100", g)
	tube, err := svc.MarkExternalProcessing(ctx, "T100")
	if err != nil {
		t.Fatalf("mark external processing: %v", err)
	}

	src := NewTubeSource(store)
	stale := webhook.Outcome{RecordID: tube.ID, Status: webhook.StatusSuccess, At: tube.ExternalProcessingAt.Add(time.Second), Snapshot: tube.ExternalProcessingAt.Add(-time.Hour)}
	if err := src.Apply(ctx, []webhook.Outcome{stale}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records, _ := src.Due(ctx); len(records) != 1 {
		t.Errorf("expected the tube to stay due, got %d", len(records))
	}
}
