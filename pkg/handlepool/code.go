package handlepool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Code is the native outcome of one exchange.
type Code int

const (
	OK Code = iota
	CouldntConnect
	CouldntResolveHost
	CouldntResolveProxy
	OperationTimedOut
	AbortedByCallback
	SSLCertProblem
	SSLCACert
	SSLConnectError
	RecvError
	SendError
	PartialFile
	GotNothing
	TooManyRedirects
	WriteError
	ForcedReset
	Unknown
)

var codeNames = [...]string{
	OK:                  "ok",
	CouldntConnect:      "couldnt_connect",
	CouldntResolveHost:  "couldnt_resolve_host",
	CouldntResolveProxy: "couldnt_resolve_proxy",
	OperationTimedOut:   "operation_timed_out",
	AbortedByCallback:   "aborted_by_callback",
	SSLCertProblem:      "ssl_cert_problem",
	SSLCACert:           "ssl_cacert",
	SSLConnectError:     "ssl_connect_error",
	RecvError:           "recv_error",
	SendError:           "send_error",
	PartialFile:         "partial_file",
	GotNothing:          "got_nothing",
	TooManyRedirects:    "too_many_redirects",
	WriteError:          "write_error",
	ForcedReset:         "forced_reset",
	Unknown:             "unknown",
}

// String returns the string representation of the code
func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "unknown"
	}
	return codeNames[c]
}

var (
	// ErrForcedReset is returned by a Progress callback to abort a transfer
	// because the host is about to lose network access.
	ErrForcedReset = errors.New("transfer force reset")

	errStalled          = errors.New("transfer stalled")
	errTooManyRedirects = errors.New("too many redirects")
)

// DialError reports a failed TCP connect, either to the origin or to a proxy.
type DialError struct {
	Addr  string
	Proxy bool
	Err   error
}

func (e *DialError) Error() string {
	if e.Proxy {
		return fmt.Sprintf("dial proxy %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// ProxyConnectError reports a CONNECT tunnel refused by the proxy.
type ProxyConnectError struct {
	Proxy  string
	Status int
}

func (e *ProxyConnectError) Error() string {
	return fmt.Sprintf("proxy %s refused tunnel: HTTP %d", e.Proxy, e.Status)
}

// CallbackError wraps an error returned by a Header or Progress callback.
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string { return "aborted by callback: " + e.Err.Error() }
func (e *CallbackError) Unwrap() error { return e.Err }

type writeError struct{ err error }

func (e *writeError) Error() string { return "write callback: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type sendError struct{ err error }

func (e *sendError) Error() string { return "read request body: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// classify maps the error of an exchange to its Code. ctx is the attempt
// context, whose cancel cause names aborts issued by the monitor.
func classify(ctx context.Context, err error) Code {
	if err == nil {
		return OK
	}
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, ErrForcedReset):
			return ForcedReset
		case errors.Is(cause, errStalled), errors.Is(cause, context.DeadlineExceeded):
			return OperationTimedOut
		default:
			return AbortedByCallback
		}
	}

	var (
		cbErr      *CallbackError
		wErr       *writeError
		sErr       *sendError
		dialErr    *DialError
		connectErr *ProxyConnectError
	)
	switch {
	case errors.As(err, &cbErr):
		if errors.Is(cbErr.Err, ErrForcedReset) {
			return ForcedReset
		}
		return AbortedByCallback
	case errors.As(err, &wErr):
		return WriteError
	case errors.As(err, &sErr):
		return SendError
	case errors.Is(err, errTooManyRedirects):
		return TooManyRedirects
	case errors.As(err, &connectErr):
		return CouldntConnect
	case errors.As(err, &dialErr):
		return classifyDial(dialErr)
	}

	if code, ok := classifyTLS(err); ok {
		return code
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return OperationTimedOut
	case errors.Is(err, io.ErrUnexpectedEOF):
		return PartialFile
	case errors.Is(err, io.EOF):
		return GotNothing
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return RecvError
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "write":
			return SendError
		case "read":
			return RecvError
		}
	}
	return Unknown
}

func classifyDial(e *DialError) Code {
	var dnsErr *net.DNSError
	if errors.As(e.Err, &dnsErr) {
		if e.Proxy {
			return CouldntResolveProxy
		}
		return CouldntResolveHost
	}
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return OperationTimedOut
	}
	return CouldntConnect
}

func classifyTLS(err error) (Code, bool) {
	var (
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuth):
		return SSLCACert, true
	case errors.As(err, &hostErr), errors.As(err, &invalidErr), errors.As(err, &verifyErr):
		return SSLCertProblem, true
	case errors.As(err, &recordErr), errors.As(err, &alertErr):
		return SSLConnectError, true
	}
	return 0, false
}
