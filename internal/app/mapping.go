package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/backend"
	"courier/internal/backend/nsqrelay"
	"courier/internal/backend/simulated"
	"courier/internal/backend/telegram"
	"courier/internal/breaker"
	"courier/internal/config"
	"courier/internal/drain"
	"courier/internal/httpapi"
	"courier/internal/orchestrator"
	"courier/internal/storage"
	"courier/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Buffer: logx.BufferConfig{
			Size:       l.Buffer.Size,
			MinLevel:   l.Buffer.MinLevel,
			RatePerSec: l.Buffer.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		retention, err := config.ParseDurationField("storage.retention", sc.Retention)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, breaker.Config, error) {
	r, err := cfg.Retry.Resolve()
	if err != nil {
		return orchestrator.Config{}, breaker.Config{}, err
	}
	c, err := cfg.Circuit.Resolve()
	if err != nil {
		return orchestrator.Config{}, breaker.Config{}, err
	}
	return orchestrator.Config{
			MaxRetries:          r.MaxRetries,
			InitialRetryDelay:   r.InitialDelay,
			MaxRetryDelay:       r.MaxDelay,
			SkipValidationRetry: !r.RetryValidation,
		}, breaker.Config{
			Threshold: c.Threshold,
			Timeout:   c.Timeout,
		}, nil
}

func mapDrainConfig(cfg *config.Config) drain.Config {
	return drain.Config{
		Enabled:     cfg.Drain.Enabled,
		Schedule:    cfg.Drain.Schedule,
		Timezone:    cfg.Drain.Timezone,
		Concurrency: cfg.Drain.Concurrency,
		Timeout:     config.MustDuration(cfg.Drain.Timeout, 0),
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	h := cfg.HTTP
	return httpapi.Config{
		Addr:         h.Addr,
		CORSOrigins:  h.CORSOrigins,
		Pprof:        h.Pprof,
		ReadTimeout:  config.MustDuration(h.ReadTimeout, 15*time.Second),
		WriteTimeout: config.MustDuration(h.WriteTimeout, 60*time.Second),
	}
}

// buildBackends creates backends in config order.
func buildBackends(cfg *config.Config, log logx.Logger) ([]backend.Backend, error) {
	out := make([]backend.Backend, 0, len(cfg.Backends))
	for i, bc := range cfg.Backends {
		b, err := buildBackend(bc, log)
		if err != nil {
			closeBackends(out)
			return nil, fmt.Errorf("backends[%d] (%s): %w", i, bc.Name, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func buildBackend(bc config.BackendConfig, log logx.Logger) (backend.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(bc.Type)) {
	case config.BackendSimulated:
		minLat, err := config.ParseDurationField("min_latency", bc.MinLatency)
		if err != nil {
			return nil, err
		}
		maxLat, err := config.ParseDurationField("max_latency", bc.MaxLatency)
		if err != nil {
			return nil, err
		}
		return simulated.New(simulated.Config{
			Name:   bc.Name,
			Rule:   bc.Rule,
			Region: bc.Region,
			QPS:    bc.QPS,
			Burst:  bc.Burst,
			Faults: &backend.FaultInjector{
				Rate:       bc.FailureRate,
				Errors:     parseFaultErrors(bc.Name, bc.Errors),
				MinLatency: minLat,
				MaxLatency: maxLat,
			},
		}, log)
	case config.BackendTelegram:
		return telegram.New(telegram.Config{
			Name:           bc.Name,
			Token:          bc.Token,
			ParseMode:      bc.ParseMode,
			DisablePreview: bc.DisablePreview,
		}, log)
	case config.BackendNSQ:
		return nsqrelay.New(nsqrelay.Config{
			Name:        bc.Name,
			NsqdAddress: bc.NsqdAddress,
			Topic:       bc.Topic,
		}, log)
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

// parseFaultErrors turns configured error strings into backend errors:
// "permanent:<msg>" never retries, "validation:<field>" is a validation
// error and anything else is transient.
func parseFaultErrors(name string, raw []string) []error {
	out := make([]error, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		kind, msg, ok := strings.Cut(s, ":")
		switch {
		case ok && strings.EqualFold(kind, "permanent"):
			out = append(out, backend.Permanent(errors.New(strings.TrimSpace(msg))))
		case ok && strings.EqualFold(kind, "validation"):
			out = append(out, &backend.ValidationError{Backend: name, Field: strings.TrimSpace(msg), Reason: "rejected"})
		default:
			out = append(out, backend.Transient(name, errors.New(s)))
		}
	}
	return out
}

type closer interface{ Close() error }

func closeBackends(bs []backend.Backend) {
	for _, b := range bs {
		if c, ok := b.(closer); ok {
			_ = c.Close()
		}
	}
}
