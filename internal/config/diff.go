package config

import (
	"reflect"
	"sort"
	"strings"

	"courier/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Backend tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.buffer_size", newCfg.Logging.Buffer.Size),
		)
	}

	oRL, _ := oldCfg.RateLimit.Resolve()
	nRL, _ := newCfg.RateLimit.Resolve()
	if oRL != nRL {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.limit", nRL.Limit),
			logx.Duration("rate_limit.window", nRL.Window),
		)
	}

	oR, _ := oldCfg.Retry.Resolve()
	nR, _ := newCfg.Retry.Resolve()
	if oR != nR {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_retries", nR.MaxRetries),
			logx.Duration("retry.initial_delay", nR.InitialDelay),
			logx.Duration("retry.max_delay", nR.MaxDelay),
			logx.Bool("retry.retry_validation", nR.RetryValidation),
		)
	}

	oC, _ := oldCfg.Circuit.Resolve()
	nC, _ := newCfg.Circuit.Resolve()
	if oC != nC {
		changed = append(changed, "circuit")
		attrs = append(attrs,
			logx.Int("circuit.threshold", nC.Threshold),
			logx.Duration("circuit.timeout", nC.Timeout),
		)
	}

	if oldCfg.Drain != newCfg.Drain {
		changed = append(changed, "drain")
		attrs = append(attrs,
			logx.Bool("drain.enabled", newCfg.Drain.Enabled),
			logx.String("drain.schedule", strings.TrimSpace(newCfg.Drain.Schedule)),
			logx.String("drain.timezone", strings.TrimSpace(newCfg.Drain.Timezone)),
			logx.Int("drain.concurrency", newCfg.Drain.Concurrency),
			logx.String("drain.timeout", strings.TrimSpace(newCfg.Drain.Timeout)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.retention", strings.TrimSpace(nS.Retention)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	if names := diffBackends(oldCfg.Backends, newCfg.Backends); len(names) > 0 {
		changed = append(changed, "backends")
		attrs = append(attrs,
			logx.Int("backends.count", len(newCfg.Backends)),
			logx.String("backends.changed", strings.Join(names, ",")),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffBackends returns the sorted names of backends that were added, removed,
// reordered or modified. Tokens are compared by hash only.
func diffBackends(oldL, newL []BackendConfig) []string {
	oldIdx := make(map[string]int, len(oldL))
	for i, b := range oldL {
		oldIdx[b.Name] = i
	}
	newIdx := make(map[string]int, len(newL))
	for i, b := range newL {
		newIdx[b.Name] = i
	}

	set := map[string]struct{}{}
	for name, i := range oldIdx {
		j, ok := newIdx[name]
		if !ok || i != j || hashValue(oldL[i]) != hashValue(newL[j]) {
			set[name] = struct{}{}
		}
	}
	for name := range newIdx {
		if _, ok := oldIdx[name]; !ok {
			set[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
