package probe

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMX is a scripted SMTP server on a loopback port.
type fakeMX struct {
	ln       net.Listener
	greeting string
	replies  map[string]string // command verb -> reply line
	stall    bool              // accept but never greet

	mu       sync.Mutex
	commands []string
}

func startFakeMX(t *testing.T, greeting string, replies map[string]string) *fakeMX {
	t.Helper()
	return startMX(t, &fakeMX{greeting: greeting, replies: replies})
}

func startMX(t *testing.T, mx *fakeMX) *fakeMX {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	mx.ln = ln
	go mx.serve()
	t.Cleanup(func() { ln.Close() })
	return mx
}

func (m *fakeMX) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *fakeMX) handle(conn net.Conn) {
	defer conn.Close()
	if m.stall {
		time.Sleep(time.Second)
		return
	}
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	w.WriteString(m.greeting + "\r\n")
	w.Flush()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		m.mu.Lock()
		m.commands = append(m.commands, line)
		m.mu.Unlock()

		verb := strings.ToUpper(strings.Fields(line)[0])
		reply, ok := m.replies[verb]
		if !ok {
			reply = "500 unknown command"
		}
		if reply == "" { // hang up
			return
		}
		w.WriteString(reply + "\r\n")
		w.Flush()
		if verb == "QUIT" {
			return
		}
	}
}

func (m *fakeMX) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// redirectDialer sends every dial to the fake server and records the target.
type redirectDialer struct {
	addr   string
	mu     sync.Mutex
	dialed []string
}

func (d *redirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	d.mu.Unlock()
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.addr)
}

func okReplies() map[string]string {
	return map[string]string{
		"HELO": "250 mx.test",
		"MAIL": "250 2.1.0 ok",
		"RCPT": "250 2.1.5 ok",
		"QUIT": "221 bye",
	}
}

func TestSMTPSession_FullConversation(t *testing.T) {
	mx := startFakeMX(t, "220 mx.test ESMTP", okReplies())
	dialer := &redirectDialer{addr: mx.ln.Addr().String()}
	c := &SMTPConnector{Dialer: dialer, Port: 25, Timeout: 2 * time.Second}

	s, err := c.Connect(context.Background(), "mx1.example.com")
	require.NoError(t, err)
	require.NoError(t, s.Hello("verify.test"))
	require.NoError(t, s.Mail("test@example.com"))
	code, err := s.Rcpt("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 250, code)
	require.NoError(t, s.Quit())

	assert.Equal(t, []string{"mx1.example.com:25"}, dialer.dialed)
	assert.Eventually(t, func() bool { return len(mx.Commands()) == 4 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"HELO verify.test",
		"MAIL FROM:<test@example.com>",
		"RCPT TO:<alice@example.com>",
		"QUIT",
	}, mx.Commands())
}

func TestSMTPSession_RcptRefusalIsACode(t *testing.T) {
	replies := okReplies()
	replies["RCPT"] = "550 5.1.1 no such user"
	mx := startFakeMX(t, "220 mx.test", replies)
	c := &SMTPConnector{Dialer: &redirectDialer{addr: mx.ln.Addr().String()}, Timeout: 2 * time.Second}

	s, err := c.Connect(context.Background(), "mx.test")
	require.NoError(t, err)
	require.NoError(t, s.Hello("h"))
	require.NoError(t, s.Mail("f@h"))
	code, err := s.Rcpt("ghost@mx.test")
	require.NoError(t, err)
	assert.Equal(t, 550, code)
	_ = s.Quit()
}

func TestSMTPSession_NegativeGreetingIsProtocol(t *testing.T) {
	mx := startFakeMX(t, "554 no service", okReplies())
	c := &SMTPConnector{Dialer: &redirectDialer{addr: mx.ln.Addr().String()}, Timeout: 2 * time.Second}

	_, err := c.Connect(context.Background(), "mx.test")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, ClassifyError(err))
}

func TestSMTPSession_HeloRejectedIsProtocol(t *testing.T) {
	replies := okReplies()
	replies["HELO"] = "501 bad helo"
	mx := startFakeMX(t, "220 mx.test", replies)
	c := &SMTPConnector{Dialer: &redirectDialer{addr: mx.ln.Addr().String()}, Timeout: 2 * time.Second}

	s, err := c.Connect(context.Background(), "mx.test")
	require.NoError(t, err)
	err = s.Hello("h")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, ClassifyError(err))
	_ = s.Quit()
}

func TestSMTPSession_DisconnectIsTransport(t *testing.T) {
	replies := okReplies()
	replies["MAIL"] = "" // server hangs up
	mx := startFakeMX(t, "220 mx.test", replies)
	c := &SMTPConnector{Dialer: &redirectDialer{addr: mx.ln.Addr().String()}, Timeout: 2 * time.Second}

	s, err := c.Connect(context.Background(), "mx.test")
	require.NoError(t, err)
	require.NoError(t, s.Hello("h"))
	err = s.Mail("f@h")
	require.Error(t, err)
	assert.Equal(t, KindTransport, ClassifyError(err))
	_ = s.Quit()
}

func TestSMTPSession_ConnectionRefusedIsTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := &SMTPConnector{Dialer: &redirectDialer{addr: addr}, Timeout: time.Second}
	_, err = c.Connect(context.Background(), "mx.test")
	require.Error(t, err)
	assert.Equal(t, KindTransport, ClassifyError(err))
}

func TestSMTPSession_StalledServerTimesOut(t *testing.T) {
	mx := startMX(t, &fakeMX{stall: true})
	c := &SMTPConnector{Dialer: &redirectDialer{addr: mx.ln.Addr().String()}, Timeout: 100 * time.Millisecond}

	start := time.Now()
	_, err := c.Connect(context.Background(), "mx.test")
	require.Error(t, err)
	assert.Equal(t, KindTransport, ClassifyError(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestProber_EndToEndOverSMTP(t *testing.T) {
	refusing := startFakeMX(t, "220 a", map[string]string{"HELO": "250 a", "MAIL": "250 ok", "RCPT": "550 no", "QUIT": "221 bye"})
	accepting := startFakeMX(t, "220 b", okReplies())

	dialer := &routeDialer{routes: map[string]string{
		"mx1.example.com:25": refusing.ln.Addr().String(),
		"mx2.example.com:25": accepting.ln.Addr().String(),
	}}
	res := &staticResolver{hosts: map[string][]string{"example.com": {"mx1.example.com", "mx2.example.com"}}}
	p := NewProber(res, &SMTPConnector{Dialer: dialer, Timeout: 2 * time.Second}, Options{})

	ok, err := p.Probe(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

type routeDialer struct {
	routes map[string]string
}

func (d *routeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.routes[address])
}
