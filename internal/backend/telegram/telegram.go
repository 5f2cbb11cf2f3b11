// Package telegram delivers messages as Telegram bot messages.
//
// Request.To is the numeric chat id. The message text is the subject on its
// own line followed by the body.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/backend"
	"courier/pkg/logx"
)

const Kind = "telegram"

type Config struct {
	Name      string
	Token     string
	ParseMode string
	// DisablePreview turns off link previews.
	DisablePreview bool
}

// sender is the subset of *tele.Bot used for delivery.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Backend struct {
	cfg Config
	log logx.Logger
	bot sender

	mu      sync.Mutex
	sent    uint64
	failed  uint64
	lastErr string
	lastAt  time.Time
}

// New builds the bot in offline mode so construction never touches the
// network; the first Send does.
func New(cfg Config, log logx.Logger) (*Backend, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = Kind
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, log, bot), nil
}

func newWithSender(cfg Config, log logx.Logger, s sender) *Backend {
	return &Backend{cfg: cfg, log: log.With(logx.String("backend", cfg.Name)), bot: s}
}

func (b *Backend) Name() string { return b.cfg.Name }

func (b *Backend) Send(ctx context.Context, req backend.Request) (backend.SendResult, error) {
	res, err := b.send(ctx, req)
	b.observe(err)
	return res, err
}

func (b *Backend) send(ctx context.Context, req backend.Request) (backend.SendResult, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(req.To), 10, 64)
	if err != nil {
		return backend.SendResult{}, &backend.ValidationError{Backend: b.cfg.Name, Field: "to", Reason: "not a telegram chat id"}
	}
	text := formatText(req)
	if text == "" {
		return backend.SendResult{}, &backend.ValidationError{Backend: b.cfg.Name, Field: "body", Reason: "required"}
	}
	if err := ctx.Err(); err != nil {
		return backend.SendResult{}, err
	}

	msg, err := b.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ParseMode:             b.cfg.ParseMode,
		DisableWebPagePreview: b.cfg.DisablePreview,
	})
	if err != nil {
		return backend.SendResult{}, b.classify(err)
	}
	b.log.Debug("telegram message sent", logx.Int64("chat_id", chatID), logx.Int("message_id", msg.ID))
	return backend.SendResult{MessageID: strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(msg.ID)}, nil
}

// classify maps telebot errors onto the delivery taxonomy. A missing or
// blocked chat will not recover by retrying.
func (b *Backend) classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrChatNotFound), errors.Is(err, tele.ErrBlockedByUser):
		return backend.Permanent(backend.Transient(b.cfg.Name, err))
	default:
		return backend.Transient(b.cfg.Name, err)
	}
}

func formatText(req backend.Request) string {
	subject := strings.TrimSpace(req.Subject)
	body := strings.TrimSpace(req.Body)
	switch {
	case subject == "":
		return body
	case body == "":
		return subject
	default:
		return subject + "\n\n" + body
	}
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
