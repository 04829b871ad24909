package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
)

// Email is a plain-text message.
type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, e Email) error
}

// SMTPMailer sends through an SMTP relay, upgrading with STARTTLS when offered.
type SMTPMailer struct {
	addr   string
	host   string
	from   string
	auth   smtp.Auth
	dialer *net.Dialer
	now    func() time.Time
}

func NewSMTPMailer(addr, username, password, from string) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("smtp addr %q: %w", addr, err)
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{
		addr:   addr,
		host:   host,
		from:   from,
		auth:   auth,
		dialer: &net.Dialer{Timeout: 10 * time.Second},
		now:    time.Now,
	}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	if len(e.To) == 0 {
		return retry.MarkPermanent(errors.New("email has no recipients"))
	}
	conn, err := m.dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(m.auth); err != nil {
				return classifySMTP("auth", err)
			}
		}
	}
	if err := c.Mail(m.from); err != nil {
		return classifySMTP("mail from", err)
	}
	for _, to := range e.To {
		if err := c.Rcpt(to); err != nil {
			return classifySMTP("rcpt "+to, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(buildMessage(m.from, e, m.now())); err != nil {
		return fmt.Errorf("write smtp body: %w", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("data close", err)
	}
	return c.Quit()
}

// classifySMTP treats 5xx replies as permanent and everything else as transient.
func classifySMTP(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s: %w", stage, err)
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return retry.MarkPermanent(wrapped)
	}
	return wrapped
}

func buildMessage(from string, e Email, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(e.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// EmailDeliverer adapts a Mailer to outbox destinations of the form
// "email:<address>". The payload must decode into Email; its To is replaced
// by the destination address.
type EmailDeliverer struct {
	mailer Mailer
}

func NewEmailDeliverer(m Mailer) *EmailDeliverer {
	return &EmailDeliverer{mailer: m}
}

func (d *EmailDeliverer) Deliver(ctx context.Context, msg models.OutboxMessage) error {
	_, addr, err := splitDestination(msg.DestinationReference)
	if err != nil {
		return err
	}
	var e Email
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return retry.MarkPermanent(fmt.Errorf("decode email payload: %w", err))
	}
	e.To = []string{addr}
	return d.mailer.Send(ctx, e)
}
