// Package simulated provides an in-process delivery backend with a
// configurable recipient rule and injectable faults. It stands in for email
// or SMS gateways in development and tests.
package simulated

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ttacon/libphonenumber"
	"golang.org/x/time/rate"

	"courier/internal/backend"
	"courier/pkg/logx"
)

const Kind = "simulated"

// Recipient rules.
const (
	RuleAny   = "any"
	RuleEmail = "email"
	RulePhone = "phone"
)

var ErrThrottled = errors.New("throttled")

type Config struct {
	Name string
	// Rule validates Request.To: "email", "phone" or "any" (default).
	Rule string
	// Region is the default region for phone numbers without a + prefix.
	Region string
	// QPS caps accepted sends per second; 0 is unlimited.
	QPS   float64
	Burst int

	Faults *backend.FaultInjector
}

type Backend struct {
	cfg      Config
	log      logx.Logger
	validate *validator.Validate
	limiter  *rate.Limiter

	mu      sync.Mutex
	sent    uint64
	failed  uint64
	lastErr string
	lastAt  time.Time
}

func New(cfg Config, log logx.Logger) (*Backend, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("simulated backend: name is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Rule)) {
	case "", RuleAny:
		cfg.Rule = RuleAny
	case RuleEmail:
		cfg.Rule = RuleEmail
	case RulePhone:
		cfg.Rule = RulePhone
		if cfg.Region == "" {
			cfg.Region = "US"
		}
	default:
		return nil, errors.New("simulated backend: unknown rule " + cfg.Rule)
	}

	b := &Backend{
		cfg:      cfg,
		log:      log.With(logx.String("backend", cfg.Name)),
		validate: validator.New(),
	}
	if cfg.QPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), burst)
	}
	return b, nil
}

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.SendResult, error) {
	if err := b.check(req); err != nil {
		b.observe(err)
		return backend.SendResult{}, err
	}
	if b.limiter != nil && !b.limiter.Allow() {
		err := backend.Transient(b.cfg.Name, ErrThrottled)
		b.observe(err)
		return backend.SendResult{}, err
	}
	if err := b.cfg.Faults.Inject(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = backend.Transient(b.cfg.Name, err)
		}
		b.observe(err)
		return backend.SendResult{}, err
	}

	id := uuid.NewString()
	b.observe(nil)
	b.log.Debug("message accepted", logx.String("id", req.ID), logx.String("message_id", id))
	return backend.SendResult{MessageID: id}, nil
}

func (b *Backend) check(req backend.Request) error {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return &backend.ValidationError{Backend: b.cfg.Name, Field: "to", Reason: "required"}
	}
	switch b.cfg.Rule {
	case RuleEmail:
		if err := b.validate.Var(to, "email"); err != nil {
			return &backend.ValidationError{Backend: b.cfg.Name, Field: "to", Reason: "not a valid email address"}
		}
	case RulePhone:
		num, err := libphonenumber.Parse(to, b.cfg.Region)
		if err != nil || !libphonenumber.IsValidNumber(num) {
			return &backend.ValidationError{Backend: b.cfg.Name, Field: "to", Reason: "not a valid phone number"}
		}
	}
	if strings.TrimSpace(req.Body) == "" {
		return &backend.ValidationError{Backend: b.cfg.Name, Field: "body", Reason: "required"}
	}
	return nil
}

func (b *Backend) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.sent++
		return
	}
	b.failed++
	b.lastErr = err.Error()
	b.lastAt = time.Now()
}

func (b *Backend) Status() backend.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := backend.Status{
		Name:        b.cfg.Name,
		Kind:        Kind,
		Healthy:     true,
		Sent:        b.sent,
		Failed:      b.failed,
		LastError:   b.lastErr,
		LastErrorAt: b.lastAt,
	}
	if f := b.cfg.Faults; f != nil {
		st.FailureRate = f.Rate
		st.MinLatency = f.MinLatency
		st.MaxLatency = f.MaxLatency
		st.Healthy = f.Rate < 1
	}
	return st
}
