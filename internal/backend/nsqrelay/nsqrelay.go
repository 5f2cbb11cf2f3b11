// Package nsqrelay hands messages to an NSQ topic for delivery by a
// downstream consumer. A successful publish counts as accepted.
package nsqrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"courier/internal/backend"
	"courier/pkg/logx"
)

const Kind = "nsq"

type Config struct {
	Name        string
	NsqdAddress string
	Topic       string
}

// Envelope is the JSON body published to the topic.
type Envelope struct {
	MessageID   string    `json:"messageId"`
	RequestID   string    `json:"requestId,omitempty"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"publishedAt"`
}

type publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

type Backend struct {
	cfg Config
	log logx.Logger
	pub publisher

	mu      sync.Mutex
	sent    uint64
	failed  uint64
	lastErr string
	lastAt  time.Time
}

// New creates the producer. go-nsq connects lazily on the first publish.
func New(cfg Config, log logx.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.NsqdAddress) == "" {
		return nil, errors.New("nsq relay: nsqd address is empty")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("nsq relay: topic is empty")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = Kind
	}
	p, err := nsq.NewProducer(cfg.NsqdAddress, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq relay: create producer: %w", err)
	}
	b := newWithPublisher(cfg, log, p)
	p.SetLogger(nsqLogger{log: b.log}, nsq.LogLevelWarning)
	return b, nil
}

func newWithPublisher(cfg Config, log logx.Logger, p publisher) *Backend {
	return &Backend{cfg: cfg, log: log.With(logx.String("backend", cfg.Name)), pub: p}
}

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.SendResult, error) {
	res, err := b.send(ctx, req)
	b.observe(err)
	return res, err
}

func (b *Backend) send(ctx context.Context, req backend.Request) (backend.SendResult, error) {
	if strings.TrimSpace(req.To) == "" {
		return backend.SendResult{}, &backend.ValidationError{Backend: b.cfg.Name, Field: "to", Reason: "required"}
	}
	if err := ctx.Err(); err != nil {
		return backend.SendResult{}, err
	}
	env := Envelope{
		MessageID:   uuid.NewString(),
		RequestID:   req.ID,
		To:          req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		PublishedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return backend.SendResult{}, backend.Permanent(err)
	}
	if err := b.pub.Publish(b.cfg.Topic, payload); err != nil {
		return backend.SendResult{}, backend.Transient(b.cfg.Name, fmt.Errorf("publish to %s: %w", b.cfg.Topic, err))
	}
	return backend.SendResult{MessageID: env.MessageID}, nil
}

// Close stops the producer.
func (b *Backend) Close() error {
	b.pub.Stop()
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
	if total := b.sent + b.failed; total > 0 {
		st.FailureRate = float64(b.failed) / float64(total)
	}
	return st
}

// nsqLogger routes go-nsq's internal log lines into logx.
type nsqLogger struct{ log logx.Logger }

func (l nsqLogger) Output(_ int, s string) error {
	l.log.Warn(s, logx.String("component", "nsq"))
	return nil
}
