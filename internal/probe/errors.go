package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"syscall"
)

// ErrInvalidAddress is returned for addresses the prober cannot split into
// a local part and a domain.
var ErrInvalidAddress = errors.New("invalid email address")

// Kind classifies a per-host probe failure.
type Kind int

const (
	// KindOther is anything outside the transport/protocol set. It aborts the probe.
	KindOther Kind = iota
	// KindTransport covers dial failures, resets, timeouts and early disconnects.
	KindTransport
	// KindProtocol covers negative or malformed SMTP replies before RCPT.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Error is a failure at one MX host during one SMTP stage.
type Error struct {
	Kind  Kind
	Host  string
	Stage string // connect, greeting, helo, mail, rcpt
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("smtp %s %s at %s: %v", e.Kind, e.Stage, e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NextHost reports whether the failure should fall through to the next MX host.
func (e *Error) NextHost() bool {
	return e.Kind == KindTransport || e.Kind == KindProtocol
}

func wrap(host, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ClassifyError(err), Host: host, Stage: stage, Err: err}
}

// ClassifyError maps an error to its Kind. A *Error keeps its own kind.
func ClassifyError(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return KindProtocol
	}
	var tpProto textproto.ProtocolError
	if errors.As(err, &tpProto) {
		return KindProtocol
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindOther
}
