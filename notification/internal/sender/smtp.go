package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/telhawk-systems/controlplane/common/failure"
)

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
	Timeout  time.Duration
}

// SMTPSender sends plain-text mail through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	from *mail.Address
}

// NewSMTP validates cfg and returns a sender.
func NewSMTP(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, failure.Configf("smtp host and port are required")
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, failure.Configf("invalid smtp from address %q: %w", cfg.From, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg, from: from}, nil
}

func (s *SMTPSender) Name() string {
	return "smtp"
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	to, err := ParseRecipient(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return failure.Transient(fmt.Errorf("dial smtp %s: %w", addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return classifySMTP("greeting", err)
	}
	defer c.Close()

	if s.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
				return classifySMTP("starttls", err)
			}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return classifySMTP("auth", err)
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return classifySMTP("mail from", err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return classifySMTP("rcpt to", err)
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTP("data", err)
	}
	if _, err := w.Write(s.compose(to, msg)); err != nil {
		return classifySMTP("data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("data", err)
	}
	if err := c.Quit(); err != nil {
		// The message was accepted once DATA closed.
		return nil
	}
	return nil
}

func (s *SMTPSender) compose(to *mail.Address, msg Message) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", s.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", time.Now().UTC().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s.%s@%s>", msg.EventID, msg.Template, s.cfg.Host))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	header("X-Event-ID", msg.EventID)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}

// classifySMTP maps 5xx replies to business-rule failures and everything
// else, 4xx replies and connection errors included, to transient ones.
func classifySMTP(stage string, err error) error {
	wrapped := fmt.Errorf("smtp %s: %w", stage, err)
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code >= 500 {
		return failure.BusinessRule(wrapped)
	}
	return failure.Transient(wrapped)
}
