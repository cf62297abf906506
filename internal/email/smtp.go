package email

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// SMTPTransport sends pre-rendered HTML through an SMTP relay. SMTP has no
// provider-side id, so the transport assigns the Message-ID itself and
// returns it.
type SMTPTransport struct {
	domain string
	dial   func() (gomail.SendCloser, error)
}

func NewSMTP(host string, port int, user, password, from string) *SMTPTransport {
	d := gomail.NewDialer(host, port, user, password)
	return &SMTPTransport{
		domain: domainOf(from),
		dial:   d.Dial,
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

// Send renders the message envelope and sends it. The context is not
// consulted by gomail; callers bound the attempt themselves.
func (t *SMTPTransport) Send(_ context.Context, msg *Message) (string, error) {
	if msg.HTML == "" {
		return "", &DeliveryError{Transport: t.Name(), Err: errors.New("empty html body"), Permanent: true}
	}

	id := uuid.NewString() + "@" + t.domain

	m := gomail.NewMessage()
	m.SetHeader("Message-ID", "<"+id+">")
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetBody("text/html", msg.HTML)

	s, err := t.dial()
	if err != nil {
		return "", &DeliveryError{Transport: t.Name(), Err: err}
	}
	defer s.Close()

	if err := gomail.Send(s, m); err != nil {
		return "", &DeliveryError{Transport: t.Name(), Err: err}
	}

	return id, nil
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "localhost"
}
