package probe

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"time"
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Session is one SMTP conversation with a single MX host.
type Session interface {
	Hello(domain string) error
	Mail(from string) error
	// Rcpt returns the server's reply code. A negative reply is not an error.
	Rcpt(to string) (int, error)
	// Quit sends QUIT and closes the connection, ignoring the reply.
	Quit() error
}

// Connector opens a Session to a host.
type Connector interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// SMTPConnector dials host:port and reads the 220 greeting. Every
// session it opens carries one deadline covering the whole conversation.
type SMTPConnector struct {
	Dialer  Dialer
	Port    int
	Timeout time.Duration
}

// Connect dials the host and consumes the greeting.
func (c *SMTPConnector) Connect(ctx context.Context, host string) (Session, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	deadline := time.Now().Add(timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, wrap(host, "connect", err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, wrap(host, "connect", err)
	}

	s := &smtpSession{host: host, text: textproto.NewConn(conn)}
	if _, _, err := s.text.ReadResponse(220); err != nil {
		s.text.Close()
		return nil, wrap(host, "greeting", err)
	}
	return s, nil
}

type smtpSession struct {
	host string
	text *textproto.Conn
}

func (s *smtpSession) cmd(stage string, expect int, format string, args ...any) (int, error) {
	id, err := s.text.Cmd(format, args...)
	if err != nil {
		return 0, wrap(s.host, stage, err)
	}
	s.text.StartResponse(id)
	defer s.text.EndResponse(id)
	code, _, err := s.text.ReadResponse(expect)
	if err != nil {
		return code, wrap(s.host, stage, err)
	}
	return code, nil
}

func (s *smtpSession) Hello(domain string) error {
	_, err := s.cmd("helo", 250, "HELO %s", domain)
	return err
}

func (s *smtpSession) Mail(from string) error {
	_, err := s.cmd("mail", 250, "MAIL FROM:<%s>", from)
	return err
}

func (s *smtpSession) Rcpt(to string) (int, error) {
	// expect 0 disables code checking so refusals come back as codes.
	return s.cmd("rcpt", 0, "RCPT TO:<%s>", to)
}

func (s *smtpSession) Quit() error {
	_, _ = s.cmd("quit", 221, "QUIT")
	if err := s.text.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.host, err)
	}
	return nil
}
