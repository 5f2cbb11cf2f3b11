package orchestrator

import (
	"errors"
	"time"

	"courier/internal/backend"
	"courier/internal/breaker"
	"courier/internal/ratelimit"
)

var (
	ErrRateLimited            = errors.New("rate limit exceeded")
	ErrAllBackendsFailed      = errors.New("all backends failed")
	ErrAllBackendsUnavailable = errors.New("all backends unavailable")
	ErrDrainInProgress        = errors.New("queue drain already in progress")
	ErrNoBackends             = errors.New("no backends configured")
)

type Status string

const (
	StatusProcessing  Status = "processing"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	StatusAlreadySent Status = "already_sent"
)

type Outcome string

const (
	OutcomeAttempting Outcome = "attempting"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
)

// Attempt is one try against one backend. Skipped entries carry
// AttemptNumber 0 because the backend was never called.
type Attempt struct {
	Backend       string    `json:"backend"`
	AttemptNumber int       `json:"attemptNumber"`
	Timestamp     time.Time `json:"timestamp"`
	Outcome       Outcome   `json:"outcome"`
	Error         string    `json:"error,omitempty"`
}

// Record is the delivery history of one request id.
type Record struct {
	Success   bool      `json:"success"`
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  []Attempt `json:"attempts"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Attempts = append([]Attempt(nil), r.Attempts...)
	if cp.Attempts == nil {
		cp.Attempts = []Attempt{}
	}
	return &cp
}

type ProviderHealth struct {
	Name         string         `json:"name"`
	CircuitState breaker.Phase  `json:"circuitState"`
	Healthy      bool           `json:"healthy"`
	Failures     int            `json:"consecutiveFailures"`
	RetryIn      time.Duration  `json:"retryInNs,omitempty"`
	Backend      backend.Status `json:"backend"`
}

type QueueHealth struct {
	Size    int  `json:"size"`
	IsEmpty bool `json:"isEmpty"`
}

type Health struct {
	Providers    []ProviderHealth `json:"providers"`
	RateLimiter  ratelimit.Stats  `json:"rateLimiter"`
	Queue        QueueHealth      `json:"queue"`
	TotalSent    int              `json:"totalSent"`
	TotalTracked int              `json:"totalTracked"`
}

// DrainStats summarizes one DrainQueue run.
type DrainStats struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}
