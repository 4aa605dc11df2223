package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/ignite/newsletter-dispatch/internal/domain"
	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// SMTPTransport opens plain SMTP sessions against relay servers.
type SMTPTransport struct {
	DialTimeout time.Duration
	SendTimeout time.Duration
	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
	// InsecureSkipVerify disables certificate checks on STARTTLS for relays
	// on private networks with self-signed certificates.
	InsecureSkipVerify bool
}

func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{DialTimeout: 30 * time.Second, SendTimeout: 2 * time.Minute}
}

// Connect dials srv, upgrades to TLS when the server record asks for it and
// authenticates when credentials are set.
func (t *SMTPTransport) Connect(ctx context.Context, srv *domain.Server) (sending.Session, error) {
	port := srv.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(srv.Host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", sending.ErrConnection, addr, err)
	}
	if t.DialTimeout > 0 {
		conn.SetDeadline(time.Now().Add(t.DialTimeout))
	}

	c, err := smtp.NewClient(conn, srv.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: greeting from %s: %w", sending.ErrConnection, addr, err)
	}
	if t.LocalName != "" {
		if err := c.Hello(t.LocalName); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: EHLO: %w", sending.ErrConnection, err)
		}
	}

	if srv.TLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, fmt.Errorf("%w: %s does not offer STARTTLS", sending.ErrConnection, addr)
		}
		tlsCfg := &tls.Config{ServerName: srv.Host, InsecureSkipVerify: t.InsecureSkipVerify}
		if err := c.StartTLS(tlsCfg); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: STARTTLS: %w", sending.ErrConnection, err)
		}
	}

	if srv.Username != "" || srv.Password != "" {
		if err := c.Auth(&plainAuth{user: srv.Username, pass: srv.Password}); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: AUTH: %w", sending.ErrConnection, err)
		}
	}

	conn.SetDeadline(time.Time{})
	log.Printf("[SMTP] Connected to %s (tls=%t)", addr, srv.TLS)
	return &smtpSession{client: c, conn: conn, timeout: t.SendTimeout}, nil
}

type smtpSession struct {
	client  *smtp.Client
	conn    net.Conn
	timeout time.Duration
}

func (s *smtpSession) Send(ctx context.Context, from, to string, raw []byte) error {
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("%w: %q: %w", sending.ErrRecipientRejected, to, err)
	}

	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	s.conn.SetDeadline(deadline)
	defer s.conn.SetDeadline(time.Time{})

	if err := s.client.Mail(from); err != nil {
		return s.fail("MAIL FROM", err, false)
	}
	if err := s.client.Rcpt(to); err != nil {
		return s.fail("RCPT TO", err, true)
	}
	w, err := s.client.Data()
	if err != nil {
		return s.fail("DATA", err, false)
	}
	if _, err := w.Write(raw); err != nil {
		return s.fail("DATA write", err, false)
	}
	if err := w.Close(); err != nil {
		return s.fail("DATA end", err, false)
	}
	return nil
}

// fail classifies an SMTP error. Protocol replies leave the session usable
// once the transaction is reset; anything else means the connection is gone.
// A permanent (5xx) reply to RCPT blames the recipient.
func (s *smtpSession) fail(stage string, err error, rcpt bool) error {
	var perr *textproto.Error
	if !errors.As(err, &perr) {
		return fmt.Errorf("%w: %s: %w", sending.ErrSessionLost, stage, err)
	}
	if rerr := s.client.Reset(); rerr != nil {
		return fmt.Errorf("%w: %s: %w (RSET: %v)", sending.ErrSessionLost, stage, err, rerr)
	}
	if rcpt && perr.Code >= 500 && perr.Code < 600 {
		return fmt.Errorf("%w: %s: %w", sending.ErrRecipientRejected, stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func (s *smtpSession) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}

// plainAuth implements smtp.Auth without the TLS requirement that
// smtp.PlainAuth enforces. Internal relays often accept AUTH in clear text.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(_ []byte, more bool) ([]byte, error) {
	if more {
		return nil, errors.New("unexpected server challenge")
	}
	return nil, nil
}
