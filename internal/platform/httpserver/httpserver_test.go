package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stagegate/stagegate/internal/platform/requestid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestWrap_SetsRequestIDHeader_WhenMissing(t *testing.T) {
	var seen string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestid.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := Wrap(testLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	got := rec.Header().Get(RequestIDHeader)
	if got == "" {
		t.Fatalf("expected X-Request-Id response header")
	}
	if seen != got {
		t.Fatalf("context request id=%q, header=%q", seen, got)
	}
}

func TestWrap_PreservesRequestIDHeader_WhenProvided(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Wrap(testLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	req.Header.Set(RequestIDHeader, "rid-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "rid-123" {
		t.Fatalf("X-Request-Id=%q, want rid-123", got)
	}
}

func TestWrap_RecoversPanic(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Wrap(testLogger(), "testsvc", mux)

	req := httptest.NewRequest(http.MethodGet, "http://example.test/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
	if !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

func TestReadyzWithChecks(t *testing.T) {
	cases := []struct {
		name     string
		check    func(context.Context) error
		wantCode int
		wantBody string
	}{
		{name: "ok", check: func(context.Context) error { return nil }, wantCode: http.StatusOK, wantBody: `"status":"ready"`},
		{name: "fail", check: func(context.Context) error { return context.Canceled }, wantCode: http.StatusServiceUnavailable, wantBody: `"status":"not_ready"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := ReadyzWithChecks("testsvc", ReadinessCheck{Name: tc.name, Check: tc.check})
			req := httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body=%s, want %s", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestDecodeJSON_RejectsUnknownFieldsAndTrailingData(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	cases := []struct {
		body    string
		wantErr bool
	}{
		{body: `{"name":"a"}`},
		{body: `{"name":"a","extra":1}`, wantErr: true},
		{body: `{"name":"a"}{"name":"b"}`, wantErr: true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "http://example.test/", strings.NewReader(tc.body))
		var dst payload
		err := DecodeJSON(req, 1<<10, &dst)
		if (err != nil) != tc.wantErr {
			t.Fatalf("DecodeJSON(%s) err=%v, wantErr=%v", tc.body, err, tc.wantErr)
		}
	}
}

func TestReadyzWithChecks_TimeoutAndOrder(t *testing.T) {
	blocked := ReadinessCheck{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	fast := ReadinessCheck{Name: "fast", Check: func(context.Context) error { return nil }}
	handler := ReadyzWithChecks("testsvc", fast, blocked)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	var body struct {
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal() err=%v", err)
	}
	if len(body.Checks) != 2 || body.Checks[0].Name != "fast" || body.Checks[0].Status != "ok" || body.Checks[1].Status != "fail" {
		t.Fatalf("checks=%+v", body.Checks)
	}
}
