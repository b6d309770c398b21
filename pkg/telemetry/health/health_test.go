package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"
)

func TestCheckReadiness(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   string
	}{
		{name: "no checks", want: StatusReady},
		{
			name: "all healthy",
			checks: map[string]CheckFunc{
				"store": func(context.Context) error { return nil },
				"audit": func(context.Context) error { return nil },
			},
			want: StatusReady,
		},
		{
			name: "one failing",
			checks: map[string]CheckFunc{
				"store":       func(context.Context) error { return nil },
				"replication": func(context.Context) error { return errors.New("all peers degraded") },
			},
			want: StatusDegraded,
		},
		{
			name: "timeout",
			checks: map[string]CheckFunc{
				"slow": func(ctx context.Context) error { <-ctx.Done(); time.Sleep(10 * time.Millisecond); return nil },
			},
			want: StatusDegraded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("node-a", 20*time.Millisecond)
			for name, check := range tt.checks {
				c.RegisterCheck(name, check)
			}
			got := c.CheckReadiness(context.Background())
			if got.Status != tt.want {
				t.Errorf("Status = %q, want %q (%+v)", got.Status, tt.want, got.Checks)
			}
			if len(got.Checks) != len(tt.checks) {
				t.Errorf("Checks = %d, want %d", len(got.Checks), len(tt.checks))
			}
		})
	}
}

func TestListChecks(t *testing.T) {
	c := New("node-a", 0)
	c.RegisterCheck("store", func(context.Context) error { return nil })
	c.RegisterCheck("audit", func(context.Context) error { return nil })
	if got := c.ListChecks(); !slices.Equal(got, []string{"audit", "store"}) {
		t.Errorf("ListChecks = %v", got)
	}
}

func TestHandlers(t *testing.T) {
	c := New("node-a", time.Second)
	c.RegisterCheck("replication", func(context.Context) error { return errors.New("all peers degraded") })
	mux := http.NewServeMux()
	Register(mux, c, "1.2.3", "abc123", "2026-01-01")

	tests := []struct {
		method, path string
		wantCode     int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/ready", http.StatusServiceUnavailable},
		{http.MethodGet, "/version", http.StatusOK},
		{http.MethodHead, "/health", http.StatusOK},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Node != "node-a" || status.Checks["replication"].Message != "all peers degraded" {
		t.Errorf("readiness body = %+v", status)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	var info VersionInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Version != "1.2.3" || info.GoVersion == "" {
		t.Errorf("version body = %+v", info)
	}
}
