package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

	Now func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, Now: time.Now}
}

// Send builds a plain-text message and hands it to the relay. 4xx replies
// are transient, 5xx replies permanent.
func (s *SMTPSender) Send(ctx context.Context, recipient string, msg types.Message) (types.DeliveryResult, error) {
	const op = "delivery.smtp"
	to, err := mail.ParseAddress(recipient)
	if err != nil {
		return types.DeliveryResult{}, errs.Validation(op, "invalid recipient %q", recipient)
	}
	if err := ctx.Err(); err != nil {
		return types.DeliveryResult{}, errs.Wrap(errs.KindTimeout, op, err)
	}

	id := fmt.Sprintf("<%s@%s>", types.NewEventID(), s.cfg.Host)
	body := s.compose(id, to.Address, msg)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{to.Address}, body); err != nil {
		return types.DeliveryResult{}, classifySMTP(op, err)
	}
	return types.DeliveryResult{MessageID: id}, nil
}

func (s *SMTPSender) compose(id, to string, msg types.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	fmt.Fprintf(&b, "Date: %s\r\n", s.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func classifySMTP(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return &errs.Error{Kind: errs.KindTransientDelivery, Op: op, StatusCode: tpErr.Code, Err: err}
		}
		return &errs.Error{Kind: errs.KindValidation, Op: op, StatusCode: tpErr.Code, Err: err}
	}
	return errs.Wrap(errs.KindTransientDelivery, op, err)
}
