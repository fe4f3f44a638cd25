package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gp-session-sync/internal/config"
	"gp-session-sync/internal/models"
	"gp-session-sync/internal/util"
)

const (
	SecurityTLS       = "tls"
	SecurityCleartext = "cleartext"
)

var ErrNoRecipients = errors.New("no mail recipients configured")

// Mailer sends duplicate-session notifications over SMTP. In tls mode the connection is
// upgraded with STARTTLS before any credentials are sent.
type Mailer struct {
	cfg       config.MailConfig
	tlsConfig *tls.Config
	timeout   time.Duration
	logger    *zap.Logger
}

func NewMailer(cfg config.MailConfig, logger *zap.Logger) (*Mailer, error) {
	if len(cfg.To) == 0 {
		return nil, ErrNoRecipients
	}
	if cfg.Security != SecurityTLS && cfg.Security != SecurityCleartext {
		return nil, fmt.Errorf("unknown mail security mode %q", cfg.Security)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailer{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
		timeout:   10 * time.Second,
		logger:    logger,
	}, nil
}

func (m *Mailer) Notify(ctx context.Context, event models.DuplicateSessionEvent) error {
	body, err := RenderBody(event)
	if err != nil {
		return fmt.Errorf("render mail body: %w", err)
	}
	msg := m.buildMessage(body, event.DetectedAt)

	if err := m.send(ctx, msg); err != nil {
		m.logger.Error("Email sending failed",
			zap.String("server", m.address()),
			zap.Strings("to", m.cfg.To),
			zap.Error(err))
		return err
	}
	m.logger.Info("Email sent", util.EventID(event.ID), zap.Strings("to", m.cfg.To))
	return nil
}

func (m *Mailer) address() string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

func (m *Mailer) buildMessage(body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.cfg.From + "\r\n")
	b.WriteString("To: " + strings.Join(m.cfg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.cfg.Subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@" + m.cfg.Host + ">\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (m *Mailer) send(ctx context.Context, msg []byte) error {
	dialer := &net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.address())
	if err != nil {
		return fmt.Errorf("connect to mail server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(m.timeout))
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if m.cfg.Security == SecurityTLS {
		if err := c.StartTLS(m.tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if strings.TrimSpace(m.cfg.Password) != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp login for %s: %w", m.cfg.Username, err)
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range m.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return c.Quit()
}
