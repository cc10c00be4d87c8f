// Package probe decides whether an address is deliverable by walking the
// domain's MX hosts and asking each, over SMTP, whether it would accept
// the recipient. No message is ever sent.
//
// SMTP answers are heuristic: greylisting, catch-all domains and server
// policy all produce false positives and negatives.
package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"

	"github.com/ignite/email-verifier/internal/pkg/logger"
)

const (
	// DefaultPort is the SMTP relay port MX hosts listen on.
	DefaultPort = 25
	// DefaultTimeout bounds one complete conversation with one host.
	DefaultTimeout = 10 * time.Second
	// DefaultMailFrom is the placeholder envelope sender.
	DefaultMailFrom = "test@example.com"
	// DefaultHeloDomain is announced in HELO.
	DefaultHeloDomain = "localhost"

	replyAccepted = 250
)

// MXResolver returns the ordered MX hosts of a domain; empty means none.
type MXResolver interface {
	Resolve(ctx context.Context, domain string) []string
}

// Options configures a Prober.
type Options struct {
	HeloDomain string
	MailFrom   string
	// StrictSyntax rejects addresses that fail a full syntax check
	// instead of only requiring an '@'.
	StrictSyntax bool
}

// Prober runs the SMTP probe sequence against each MX host in order.
type Prober struct {
	resolver  MXResolver
	connector Connector
	opts      Options
	log       *logger.Logger
}

// NewProber creates a Prober.
func NewProber(resolver MXResolver, connector Connector, opts Options) *Prober {
	if opts.HeloDomain == "" {
		opts.HeloDomain = DefaultHeloDomain
	}
	if opts.MailFrom == "" {
		opts.MailFrom = DefaultMailFrom
	}
	return &Prober{
		resolver:  resolver,
		connector: connector,
		opts:      opts,
		log:       logger.With("component", "probe"),
	}
}

// Domain returns the part of the address after the last '@'.
func Domain(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", fmt.Errorf("%w: %q has no '@'", ErrInvalidAddress, email)
	}
	return email[at+1:], nil
}

// Probe reports whether some MX host answered RCPT TO with 250.
//
// Unresolvable domains and hosts that fail at the transport or protocol
// level count as undeliverable. Only ErrInvalidAddress and KindOther
// failures are returned as errors.
func (p *Prober) Probe(ctx context.Context, email string) (bool, error) {
	if p.opts.StrictSyntax {
		if err := checkmail.ValidateFormat(email); err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	domain, err := Domain(email)
	if err != nil {
		return false, err
	}

	hosts := p.resolver.Resolve(ctx, domain)
	if len(hosts) == 0 {
		p.log.Debug("no mx hosts", "domain", domain)
		return false, nil
	}

	for _, host := range hosts {
		accepted, err := p.probeHost(ctx, host, email)
		if err != nil {
			kind := ClassifyError(err)
			if kind == KindTransport || kind == KindProtocol {
				p.log.Debug("mx host failed, trying next", "host", host, "kind", kind, "error", err)
				continue
			}
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
	return false, nil
}

// probeHost runs connect, HELO, MAIL FROM, RCPT TO and QUIT against one host.
func (p *Prober) probeHost(ctx context.Context, host, email string) (bool, error) {
	session, err := p.connector.Connect(ctx, host)
	if err != nil {
		return false, err
	}
	quit := func() {
		if err := session.Quit(); err != nil {
			p.log.Debug("quit failed", "host", host, "error", err)
		}
	}

	if err := session.Hello(p.opts.HeloDomain); err != nil {
		quit()
		return false, err
	}
	if err := session.Mail(p.opts.MailFrom); err != nil {
		quit()
		return false, err
	}
	code, err := session.Rcpt(email)
	quit()
	if err != nil {
		return false, err
	}
	p.log.Debug("rcpt reply", "host", host, "code", code, "email", email)
	return code == replyAccepted, nil
}
