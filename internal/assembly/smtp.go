package assembly

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/jhillyerd/enmime"

	"github.com/shohag/kindlerelay/internal/config"
)

// SMTP builds MIME messages with enmime and relays them through a plain
// SMTP server. A completed SMTP transaction is reported as 202.
type SMTP struct {
	sender enmime.Sender
}

func NewSMTP(cfg config.SMTPConfig) *SMTP {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTP{sender: enmime.NewSMTP(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), auth)}
}

func NewSMTPWithSender(sender enmime.Sender) *SMTP {
	return &SMTP{sender: sender}
}

func (s *SMTP) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := enmime.Builder().
		From("", msg.From).
		To("", msg.To).
		Subject(msg.Subject).
		Text([]byte(msg.Text))
	for _, a := range msg.Attachments {
		b = b.AddAttachment(a.Content, a.ContentType, a.Filename)
	}

	if err := b.Send(s.sender); err != nil {
		return nil, &TransportError{Stage: "send", Err: err}
	}
	return &Receipt{StatusCode: 202}, nil
}
