package telegram

import (
	"context"
	"errors"
	"testing"

	tele "gopkg.in/telebot.v4"

	"courier/internal/backend"
	"courier/pkg/logx"
)

type fakeSender struct {
	to   tele.Recipient
	text string
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to = to
	f.text, _ = what.(string)
	if f.err != nil {
		return nil, f.err
	}
	return &tele.Message{ID: 42}, nil
}

func TestSendFormatsText(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	b := newWithSender(Config{Name: "tg"}, logx.Nop(), fs)

	res, err := b.Send(context.Background(), backend.Request{To: "-100123", Subject: "Alert", Body: "disk full"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID != "-100123:42" {
		t.Fatalf("MessageID = %q, want -100123:42", res.MessageID)
	}
	if fs.to.Recipient() != "-100123" {
		t.Fatalf("recipient = %q", fs.to.Recipient())
	}
	if fs.text != "Alert\n\ndisk full" {
		t.Fatalf("text = %q", fs.text)
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()
	b := newWithSender(Config{Name: "tg"}, logx.Nop(), &fakeSender{})
	for _, r := range []backend.Request{
		{To: "@someone", Body: "x"},
		{To: "123"},
	} {
		if _, err := b.Send(context.Background(), r); !backend.IsValidation(err) {
			t.Fatalf("Send(%+v) err = %v, want validation error", r, err)
		}
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "chat not found", err: tele.ErrChatNotFound, permanent: true},
		{name: "blocked", err: tele.ErrBlockedByUser, permanent: true},
		{name: "network", err: errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newWithSender(Config{Name: "tg"}, logx.Nop(), &fakeSender{err: tt.err})
			_, err := b.Send(context.Background(), backend.Request{To: "1", Body: "x"})
			var te *backend.TransientError
			if !errors.As(err, &te) {
				t.Fatalf("err = %v, want TransientError", err)
			}
			if got := backend.IsPermanent(err); got != tt.permanent {
				t.Fatalf("IsPermanent = %v, want %v", got, tt.permanent)
			}
			if b.Status().Failed != 1 {
				t.Fatal("failure not counted")
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
