package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

func TestClient_SubmitSendsAuthAndSignature(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "lab" || pass != "s3cret" {
			t.Errorf("unexpected basic auth %q/%q (%v)", user, pass, ok)
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept: application/json, got %q", r.Header.Get("Accept"))
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotBody, _ = io.ReadAll(r.Body)
		sig := strings.TrimPrefix(r.Header.Get("X-Webhook-Signature"), "sha256=")
		if !VerifySignature(gotBody, "hook-secret", sig) {
			t.Errorf("signature %q does not match body", sig)
		}
		w.Write([]byte(`{"result":{"status":"COMPLETE","message":"","rows":[{"status":"SUCCESS","message":"","data":{"id":"5"}}]}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBasicAuth("lab", "s3cret"), WithSigningSecret("hook-secret"))
	sub, err := c.Submit(context.Background(), srv.URL, BatchRequest{Kind: KindViralResult, BatchID: "b1", Records: []Record{{ID: 5}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.StatusCode != http.StatusOK || sub.Result.Status != OverallComplete || len(sub.Result.Rows) != 1 {
		t.Errorf("unexpected submission %+v", sub)
	}
	if !strings.Contains(string(gotBody), `"id":"5"`) {
		t.Errorf("expected the record id in the body, got %s", gotBody)
	}
}

func TestClient_SubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad credentials"}`, apperr.ErrAuthentication},
		{"server error", http.StatusInternalServerError, `oops`, apperr.ErrTransport},
		{"bad gateway", http.StatusBadGateway, ``, apperr.ErrTransport},
		{"not found", http.StatusNotFound, `{}`, apperr.ErrTransport},
		{"accepted is not ok", http.StatusAccepted, `{"result":{"status":"COMPLETE"}}`, apperr.ErrTransport},
		{"malformed body", http.StatusOK, `{"result":`, apperr.ErrProtocol},
		{"unknown status", http.StatusOK, `{"result":{"status":"MAYBE"}}`, apperr.ErrProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient().Submit(context.Background(), srv.URL, BatchRequest{Kind: KindAntibodyResult})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestClient_SubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(WithTimeout(50 * time.Millisecond))
	_, err := c.Submit(context.Background(), srv.URL, BatchRequest{Kind: KindViralResult})
	if !errors.Is(err, apperr.ErrTransport) {
		t.Errorf("expected ErrTransport on timeout, got %v", err)
	}
}

func TestClient_SubmitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient().Submit(context.Background(), url, BatchRequest{Kind: KindViralResult})
	if !errors.Is(err, apperr.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", err)
	}
}
