package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
rate_limit:
  limit: 5
  window: 30s
retry:
  max_retries: 2
  initial_delay: 100ms
  max_delay: 1s
  retry_validation: false
drain:
  enabled: true
  schedule: "every:30s"
backends:
  - name: primary
    type: simulated
    rule: email
    failure_rate: 0.1
  - name: chat
    type: telegram
    token: "123:abc"
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("courier.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if len(cfg.Backends) != 2 || cfg.Backends[1].Type != BackendTelegram {
		t.Fatalf("backends = %+v", cfg.Backends)
	}

	rl, _ := cfg.RateLimit.Resolve()
	if rl.Limit != 5 || rl.Window != 30*time.Second {
		t.Fatalf("rate limit = %+v, want 5/30s", rl)
	}
	r, _ := cfg.Retry.Resolve()
	want := RetrySettings{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	if r != want {
		t.Fatalf("retry = %+v, want %+v", r, want)
	}
}

func TestDecodeJSONSniffed(t *testing.T) {
	t.Parallel()
	raw := `{"backends":[{"name":"a","type":"simulated"}]}`
	cfg, err := Decode("courier.conf", []byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "a" {
		t.Fatalf("backends = %+v", cfg.Backends)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		raw  string
	}{
		{"unknown json field", "c.json", `{"bogus":1}`},
		{"unknown yaml field", "c.yaml", "logging:\n  colour: red\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	rl, err := cfg.RateLimit.Resolve()
	if err != nil || rl.Limit != 100 || rl.Window != time.Minute {
		t.Fatalf("rate limit defaults = %+v, %v", rl, err)
	}
	r, err := cfg.Retry.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := RetrySettings{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, RetryValidation: true}
	if r != want {
		t.Fatalf("retry defaults = %+v, want %+v", r, want)
	}
	c, err := cfg.Circuit.Resolve()
	if err != nil || c.Threshold != 5 || c.Timeout != 30*time.Second {
		t.Fatalf("circuit defaults = %+v, %v", c, err)
	}

	zero := 0
	cfg.RateLimit.Limit = &zero
	rl, _ = cfg.RateLimit.Resolve()
	if rl.Limit != 0 {
		t.Fatalf("explicit limit 0 resolved to %d", rl.Limit)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	neg := -1
	base := func() *Config {
		return &Config{Backends: []BackendConfig{{Name: "a", Type: "simulated"}}}
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		errSub string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no backends", func(c *Config) { c.Backends = nil }, "at least one backend"},
		{"duplicate name", func(c *Config) { c.Backends = append(c.Backends, BackendConfig{Name: "a", Type: "simulated"}) }, "duplicate"},
		{"unknown type", func(c *Config) { c.Backends[0].Type = "pigeon" }, "unknown backend type"},
		{"failure rate", func(c *Config) { c.Backends[0].FailureRate = 1.5 }, "failure_rate"},
		{"telegram token", func(c *Config) { c.Backends[0].Type = "telegram" }, "token"},
		{"nsq topic", func(c *Config) { c.Backends[0].Type = "nsq" }, "topic"},
		{"negative limit", func(c *Config) { c.RateLimit.Limit = &neg }, "rate_limit.limit"},
		{"bad window", func(c *Config) { c.RateLimit.Window = "soon" }, "rate_limit.window"},
		{"max below initial", func(c *Config) { c.Retry.InitialDelay, c.Retry.MaxDelay = "5s", "1s" }, "max_delay"},
		{"drain without schedule", func(c *Config) { c.Drain.Enabled = true }, "drain.schedule"},
		{"bad timezone", func(c *Config) { c.Drain.Timezone = "Mars/Olympus" }, "drain.timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("c.yaml", []byte(sampleYAML))

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}

	limit := 9
	newCfg.RateLimit.Limit = &limit
	newCfg.Drain.Schedule = "every:1m"
	newCfg.Backends[1].Token = "456:def"
	changed, _ = SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"backends", "drain", "rate_limit"}
	if !slices.Equal(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
}

func TestDiffBackendsOrder(t *testing.T) {
	t.Parallel()
	a := BackendConfig{Name: "a", Type: "simulated"}
	b := BackendConfig{Name: "b", Type: "simulated"}
	got := diffBackends([]BackendConfig{a, b}, []BackendConfig{b, a})
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("diffBackends = %v, want [a b]", got)
	}
	got = diffBackends([]BackendConfig{a}, []BackendConfig{a, b})
	if !slices.Equal(got, []string{"b"}) {
		t.Fatalf("diffBackends = %v, want [b]", got)
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "courier.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	published, err := m.Reload(context.Background())
	if err != nil || published {
		t.Fatalf("Reload unchanged = %v, %v, want false, nil", published, err)
	}

	updated := strings.Replace(sampleYAML, "limit: 5", "limit: 7", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	published, err = m.Reload(context.Background())
	if err != nil || !published {
		t.Fatalf("Reload changed = %v, %v, want true, nil", published, err)
	}
	select {
	case cfg := <-ch:
		if *cfg.RateLimit.Limit != 7 {
			t.Fatalf("published limit = %d, want 7", *cfg.RateLimit.Limit)
		}
	default:
		t.Fatal("no config published")
	}
	if *m.Get().RateLimit.Limit != 7 {
		t.Fatal("Get did not return the committed config")
	}
}

func TestManagerReloadRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Drain.Schedule == "nope" {
			return os.ErrInvalid
		}
		return nil
	})

	bad := strings.Replace(sampleYAML, `"every:30s"`, `"nope"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if published, err := m.Reload(context.Background()); err == nil || published {
		t.Fatalf("Reload = %v, %v, want rejection", published, err)
	}
	if m.Get().Drain.Schedule != "every:30s" {
		t.Fatalf("committed schedule = %q, want the previous one", m.Get().Drain.Schedule)
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "courier.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is live and picks it up.
		if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level = %q, want warn", cfg.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		case <-tick.C:
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	b := newBackoff(100*time.Millisecond, 400*time.Millisecond)
	for i, base := range []time.Duration{100, 200, 400, 400} {
		base *= time.Millisecond
		d := b.next()
		if d < base || d > base+base/2 {
			t.Fatalf("next() #%d = %s, want within [%s, %s]", i, d, base, base+base/2)
		}
	}
	b.reset()
	if b.current != 100*time.Millisecond {
		t.Fatalf("reset current = %s", b.current)
	}
}
