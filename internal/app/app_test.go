package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"courier/internal/backend"
	"courier/internal/config"
	"courier/internal/orchestrator"
)

const testConfig = `
logging:
  level: error
  buffer:
    size: 50
rate_limit:
  limit: 10
  window: 1m
retry:
  max_retries: 1
  initial_delay: 1ms
  max_delay: 1ms
storage:
  driver: file
  path: %DIR%/courier.db
backends:
  - name: primary
    type: simulated
    rule: email
  - name: secondary
    type: simulated
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	body = strings.ReplaceAll(body, "%DIR%", dir)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestAppSendWritesAudit(t *testing.T) {
	path := writeConfig(t, testConfig)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(ctx, StopUnknown)

	if got := a.Orchestrator().Backends(); strings.Join(got, ",") != "primary,secondary" {
		t.Fatalf("backends = %v", got)
	}

	rec := a.Orchestrator().Send(ctx, backend.Request{ID: "m1", To: "ops@example.com", Body: "hi"})
	if !rec.Success || rec.Provider != "primary" {
		t.Fatalf("record = %+v", rec)
	}
	// primary rejects non-email recipients; secondary accepts anything
	rec = a.Orchestrator().Send(ctx, backend.Request{ID: "m2", To: "12345", Body: "hi"})
	if !rec.Success || rec.Provider != "secondary" {
		t.Fatalf("fallback record = %+v", rec)
	}

	entries, err := a.store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[1].ID != "m2" || !strings.Contains(entries[1].Trail, `"backend":"primary"`) {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestAppHotReloadRateLimit(t *testing.T) {
	path := writeConfig(t, testConfig)
	a, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Stop(ctx, StopUnknown)

	raw, _ := os.ReadFile(path)
	updated := strings.Replace(string(raw), "limit: 10", "limit: 3", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	// the watcher may publish first; either way the new limit must land
	if _, err := a.cfgm.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.Orchestrator().Health().RateLimiter.Limit != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("limit = %d, want 3", a.Orchestrator().Health().RateLimiter.Limit)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestValidateReload(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Drain: config.DrainConfig{Enabled: true, Schedule: "whenever"}}
	if err := validateReload(context.Background(), cfg); err == nil {
		t.Fatal("expected schedule error")
	}
	cfg.Drain.Schedule = "every:30s"
	if err := validateReload(context.Background(), cfg); err != nil {
		t.Fatalf("validateReload = %v", err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	if err := validateReload(context.Background(), cfg); err == nil {
		t.Fatal("expected storage path error")
	}
}

func TestParseFaultErrors(t *testing.T) {
	t.Parallel()
	errs := parseFaultErrors("sim", []string{"timeout", "permanent: bounced", "validation:to", " "})
	if len(errs) != 3 {
		t.Fatalf("len = %d, want 3", len(errs))
	}
	var te *backend.TransientError
	if !errors.As(errs[0], &te) {
		t.Fatalf("errs[0] = %T, want transient", errs[0])
	}
	if !backend.IsPermanent(errs[1]) {
		t.Fatalf("errs[1] = %v, want permanent", errs[1])
	}
	if !backend.IsValidation(errs[2]) {
		t.Fatalf("errs[2] = %v, want validation", errs[2])
	}
}

func TestAuditEntry(t *testing.T) {
	t.Parallel()
	at := time.Unix(1_700_000_000, 0)
	e := auditEntry(orchestrator.Record{
		ID:        "m1",
		Status:    orchestrator.StatusFailed,
		Message:   "all backends failed",
		Attempts:  []orchestrator.Attempt{{Backend: "a", AttemptNumber: 1, Outcome: orchestrator.OutcomeFailed}},
		Timestamp: at,
	})
	if e.ID != "m1" || e.Status != "failed" || e.Attempts != 1 || !e.At.Equal(at) {
		t.Fatalf("entry = %+v", e)
	}
	if !strings.Contains(e.Trail, `"attemptNumber":1`) {
		t.Fatalf("trail = %s", e.Trail)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{"nil", nil, false, false},
		{"none", &config.StorageConfig{Driver: "none"}, false, false},
		{"file", &config.StorageConfig{Driver: "file", Path: "x"}, true, false},
		{"sqlite", &config.StorageConfig{Driver: "SQLite", Path: "x.db", Retention: "24h"}, true, false},
		{"sqlite no path", &config.StorageConfig{Driver: "sqlite"}, false, true},
		{"unknown", &config.StorageConfig{Driver: "redis"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr || enabled != tt.enabled {
				t.Fatalf("mapStorageConfig = %+v, %v, %v", got, enabled, err)
			}
			if tt.name == "sqlite" && (got.Driver != "sqlite" || got.Retention != 24*time.Hour || got.BusyTimeout != time.Second) {
				t.Fatalf("sqlite config = %+v", got)
			}
		})
	}
}

func TestMapDrainConfig(t *testing.T) {
	t.Parallel()
	got := mapDrainConfig(&config.Config{Drain: config.DrainConfig{
		Enabled:     true,
		Schedule:    "every:1m",
		Concurrency: 4,
		Timeout:     "30s",
	}})
	if !got.Enabled || got.Concurrency != 4 || got.Timeout != 30*time.Second {
		t.Fatalf("mapDrainConfig = %+v", got)
	}
	if got := mapDrainConfig(&config.Config{}); got.Timeout != 0 {
		t.Fatalf("default timeout = %v, want 0", got.Timeout)
	}
}
