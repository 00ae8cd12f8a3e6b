package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

func TestSMTPSender(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "bot@astralis.one", Username: "u", Password: "p"})

	var gotAddr string
	var gotTo []string
	var gotMsg string
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	res, err := s.Send(context.Background(), "Ada <ada@example.com>", types.Message{Subject: "Hi", Body: "line1\nline2"})
	if err != nil {
		t.Fatal(err)
	}
	if gotAddr != "mail.example.com:587" || len(gotTo) != 1 || gotTo[0] != "ada@example.com" {
		t.Errorf("addr=%s to=%v", gotAddr, gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Hi\r\n") || !strings.Contains(gotMsg, "line1\r\nline2") {
		t.Errorf("unexpected message:\n%s", gotMsg)
	}
	if res.MessageID == "" {
		t.Error("expected message id")
	}
}

func TestSMTPSender_Classification(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "mail.example.com", From: "bot@astralis.one"})

	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 451, Msg: "try again later"}
	}
	_, err := s.Send(context.Background(), "ada@example.com", types.Message{Body: "x"})
	if !errs.Retryable(err) {
		t.Errorf("451 should be retryable: %v", err)
	}

	s.send = func(string, smtp.Auth, string, []string, []byte) error {
		return &textproto.Error{Code: 550, Msg: "mailbox unavailable"}
	}
	_, err = s.Send(context.Background(), "ada@example.com", types.Message{Body: "x"})
	if errs.Retryable(err) {
		t.Errorf("550 should not be retryable: %v", err)
	}

	_, err = s.Send(context.Background(), "not an address", types.Message{Body: "x"})
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHTTPSMSSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"sms-1"}`))
	}))
	defer srv.Close()

	s := NewHTTPSMSSender(srv.URL, srv.Client())
	res, err := s.Send(context.Background(), "+15550100", types.Message{Body: "reminder"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID != "sms-1" || got["to"] != "+15550100" || got["body"] != "reminder" {
		t.Errorf("res=%+v got=%v", res, got)
	}
}

func TestHTTPSMSSender_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewHTTPSMSSender(srv.URL, srv.Client()).Send(context.Background(), "+15550100", types.Message{Body: "x"})
	if !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if errs.RetryAfterOf(err).Seconds() != 7 {
		t.Errorf("retry after = %v", errs.RetryAfterOf(err))
	}
}

type fakeBot struct {
	sent     []tgbotapi.MessageConfig
	failMode string
	err      error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m := c.(tgbotapi.MessageConfig)
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	if f.failMode != "" && m.ParseMode == f.failMode {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "can't parse entities"}
	}
	f.sent = append(f.sent, m)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func TestTelegramSender(t *testing.T) {
	bot := &fakeBot{failMode: tgbotapi.ModeMarkdown}
	s := &TelegramSender{bot: bot}

	res, err := s.Send(context.Background(), "12345", types.Message{Body: strings.Repeat("a", 5000)})
	if err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(bot.sent))
	}
	if bot.sent[0].ChatID != 12345 || bot.sent[0].ParseMode != "" {
		t.Errorf("expected plain-text fallback to chat 12345, got %+v", bot.sent[0].BaseChat)
	}
	if res.MessageID != "2" {
		t.Errorf("message id = %q", res.MessageID)
	}

	if _, err := s.Send(context.Background(), "not-a-chat", types.Message{Body: "x"}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestTelegramSender_RateLimited(t *testing.T) {
	bot := &fakeBot{err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 3}}}
	_, err := (&TelegramSender{bot: bot}).Send(context.Background(), "1", types.Message{Body: "x"})
	if !errors.Is(err, errs.ErrRateLimited) || errs.RetryAfterOf(err).Seconds() != 3 {
		t.Errorf("expected rate limit with retry after 3s, got %v", err)
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := splitMessage("Hello world"); len(parts) != 1 || parts[0] != "Hello world" {
		t.Errorf("unexpected parts %v", parts)
	}
	parts := splitMessage(strings.Repeat("a", 5000))
	if len(parts) != 2 || len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected 2 parts with first of %d bytes", maxTelegramMessage)
	}
}

func TestLogSender(t *testing.T) {
	l := NewLogSender(ChannelLog)
	if _, err := l.Send(context.Background(), "ops", types.Message{Subject: "s", Body: "b"}); err != nil {
		t.Fatal(err)
	}
	sent := l.Sent()
	if len(sent) != 1 || sent[0].Recipient != "ops" {
		t.Errorf("sent = %+v", sent)
	}
}
