package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/labtrack/labtrack/internal/config"
	"github.com/labtrack/labtrack/internal/domain/specimen"
	"github.com/labtrack/labtrack/internal/platform/apperr"
	"github.com/labtrack/labtrack/pkg/pagination"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                       "test",
		StoreBackend:              "memory",
		SettingsBackend:           "memory",
		AccessionSpecimenStrategy: "fpe",
		AccessionMaxAttempts:      1000,
		AccessionDomainMax:        4294967295,
		AccessionProvisionKeys:    true,
		WebhookTimeout:            5 * time.Second,
		WebhookBatchSize:          100,
		WebhookAssumeDelivered:    true,
		WebhookLock:               "memory",
		WebhookUsername:           "lab",
		WebhookPassword:           "secret",
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

// run executes one command line against a and returns its output.
func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c := &cli{out: &out, app: a}
	root := newRootCmd(c)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, a *app, args ...string) string {
	t.Helper()
	out, err := run(t, a, args...)
	if err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// ackServer acknowledges every submitted record as SUCCESS.
func ackServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "lab" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var batch struct {
			Records []map[string]interface{} `json:"records"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &batch)

		rows := make([]map[string]interface{}, 0, len(batch.Records))
		for _, rec := range batch.Records {
			rows = append(rows, map[string]interface{}{
				"status": "SUCCESS",
				"data":   map[string]interface{}{"id": rec["id"]},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"status": "COMPLETE", "rows": rows},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCLI_SpecimenLifecycle(t *testing.T) {
	var calls atomic.Int32
	srv := ackServer(t, &calls)
	cfg := memoryConfig()
	cfg.WebhookViralURL = srv.URL + "/viral"
	a := newTestApp(t, cfg)
	ctx := context.Background()

	out := mustRun(t, a, "group", "create", "Household 12", "--participants", "3", "--viral-webhook")
	if !strings.Contains(out, "OK group GRP-") {
		t.Fatalf("unexpected group output %q", out)
	}
	groups, _, err := a.svc.ListGroups(ctx, pagination.New(100, 0))
	if err != nil || len(groups) != 1 {
		t.Fatalf("expected one group, got %v (%v)", groups, err)
	}
	group := groups[0].AccessionID

	mustRun(t, a, "tube", "create", "T100")
	out = mustRun(t, a, "tube", "drop-off", "T100", "--group", group, "--type", "blood", "--collected-at", "2020-05-20T15:55:26Z")
	if !strings.Contains(out, "specimen C") {
		t.Errorf("expected a C-prefixed specimen ID, got %q", out)
	}
	mustRun(t, a, "tube", "check-in", "T100", "--by", "tech-1")

	tube, err := a.svc.GetTube(ctx, "T100")
	if err != nil {
		t.Fatalf("get tube: %v", err)
	}
	if tube.Status != specimen.TubeAccepted {
		t.Fatalf("expected ACCEPTED, got %s", tube.Status)
	}
	sp, err := a.store.GetSpecimen(ctx, *tube.SpecimenID)
	if err != nil {
		t.Fatalf("get specimen: %v", err)
	}

	mustRun(t, a, "plate", "create", "PLATE-1", "--location", "freezer 2")
	out = mustRun(t, a, "plate", "place", "T100", "--plate", "PLATE-1", "--position", "g04")
	if !strings.Contains(out, "at G4") {
		t.Errorf("expected normalized position G4, got %q", out)
	}

	out = mustRun(t, a, "plate", "show", "PLATE-1")
	for _, want := range []string{"PLATE-1", "freezer 2", "G4"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in plate table:\n%s", want, out)
		}
	}

	mustRun(t, a, "result", "record", sp.AccessionID, "--kind", "viral", "--conclusion", "negative", "--ct", "31.5")

	out = mustRun(t, a, "webhook", "sync", "--verbose")
	if !strings.Contains(out, "viral_result: 1 due, 1 batches, 1 succeeded") {
		t.Errorf("unexpected sync summary %q", out)
	}
	if !strings.Contains(out, "SUCCESS") {
		t.Errorf("expected per-record progress in verbose mode, got %q", out)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one HTTP call, got %d", calls.Load())
	}

	out = mustRun(t, a, "webhook", "sync", "viral_result")
	if !strings.Contains(out, "0 due") || calls.Load() != 1 {
		t.Errorf("expected nothing due on the second run, got %q after %d calls", out, calls.Load())
	}

	out = mustRun(t, a, "webhook", "log")
	if !strings.Contains(out, "viral_result") || !strings.Contains(out, "success") {
		t.Errorf("expected the delivery in the log:\n%s", out)
	}
}

func TestCLI_DomainErrorsFail(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown tube", []string{"tube", "check-in", "T404"}, apperr.ErrNotFound},
		{"bad timestamp", []string{"tube", "drop-off", "T1", "--group", "GRP-X", "--type", "blood", "--collected-at", "yesterday"}, apperr.ErrValidation},
		{"bad kind", []string{"result", "record", "C1", "--kind", "urine"}, apperr.ErrValidation},
		{"no endpoints", []string{"webhook", "sync"}, apperr.ErrConfiguration},
		{"bad log kind", []string{"webhook", "log", "--kind", "pizza"}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, a, tt.args...)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCLI_AccessionRoundTrip(t *testing.T) {
	a := newTestApp(t, memoryConfig())

	out := mustRun(t, a, "accession", "generate", "0", "1", "4294967295")
	ids := strings.Fields(out)
	if len(ids) != 3 {
		t.Fatalf("expected 3 IDs, got %q", out)
	}
	for _, id := range ids {
		if len(id) != a.specimenIDs.Len() || !strings.HasPrefix(id, "C") {
			t.Errorf("unexpected ID %q", id)
		}
	}

	out = mustRun(t, a, append([]string{"accession", "decode"}, ids...)...)
	keys := strings.Fields(out)
	for i, want := range []uint64{0, 1, 4294967295} {
		got, _ := strconv.ParseUint(keys[i], 10, 64)
		if got != want {
			t.Errorf("decode(%s) = %d, want %d", ids[i], got, want)
		}
	}

	if _, err := run(t, a, "accession", "generate", "-3"); err == nil {
		t.Error("expected negative key to fail")
	}
}

func TestCLI_AccessionNeedsFPE(t *testing.T) {
	cfg := memoryConfig()
	cfg.AccessionSpecimenStrategy = "random"
	a := newTestApp(t, cfg)

	if a.specimenIDs != nil {
		t.Fatal("expected no FPE generator under the random strategy")
	}
	if _, err := run(t, a, "accession", "decode", "C00000000"); !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestCLI_MigrateNeedsDatabase(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	_, err := run(t, a, "migrate", "status")
	if err == nil || !strings.Contains(err.Error(), "PostgreSQL") {
		t.Errorf("expected a PostgreSQL error, got %v", err)
	}
}

func TestCLI_OpenUsesLoader(t *testing.T) {
	loaded := 0
	c := &cli{out: io.Discard, load: func() (*config.Config, error) {
		loaded++
		return memoryConfig(), nil
	}}
	a, closeApp, err := c.open(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer closeApp()
	if loaded != 1 || a.svc == nil {
		t.Errorf("expected a built app from one config load, got %d loads", loaded)
	}

	c.load = func() (*config.Config, error) { return nil, errors.New("DATABASE_URL is required") }
	if _, _, err := c.open(context.Background()); err == nil {
		t.Error("expected config error to propagate")
	}
}

func TestBuildApp_RegistersConfiguredKinds(t *testing.T) {
	cfg := memoryConfig()
	cfg.WebhookViralURL = "https://lims.example/viral"
	cfg.WebhookTubeURL = "https://lims.example/tubes"
	a := newTestApp(t, cfg)

	kinds := kindNames(a.syncer.Kinds())
	if len(kinds) != 2 {
		t.Fatalf("expected 2 routed kinds, got %v", kinds)
	}

	cfg = memoryConfig()
	cfg.WebhookAntibodyURL = "ftp://lims.example"
	if _, err := buildApp(context.Background(), cfg, zerolog.Nop()); !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for a non-http endpoint, got %v", err)
	}
}

func TestBuildApp_FileLocker(t *testing.T) {
	cfg := memoryConfig()
	cfg.WebhookLock = "file"
	cfg.WebhookLockDir = t.TempDir()
	newTestApp(t, cfg)
}

func TestServer_Routes(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	e := newServer(a)

	tests := []struct {
		method, path string
		body         string
		status       int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/api/v1/tubes", `{"accession_id":"T55"}`, http.StatusCreated},
		{http.MethodGet, "/api/v1/tubes/T55", "", http.StatusOK},
		{http.MethodGet, "/api/v1/tubes/NOPE", "", http.StatusNotFound},
		{http.MethodGet, "/api/v1/webhooks/deliveries", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Request-ID") == "" {
				t.Error("expected a request ID header")
			}
		})
	}
}
