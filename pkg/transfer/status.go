package transfer

// ConnectionStatus is the connection-level outcome of a transfer.
type ConnectionStatus int

const (
	StatusNone ConnectionStatus = iota
	StatusOK
	StatusCouldNotConnect
	StatusCouldNotResolveProxy
	StatusCanceled
	StatusTimeout
	StatusConnectionLost
	StatusCertificateError
	StatusUnknownError
)

// String returns the string representation of the status
func (s ConnectionStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOK:
		return "ok"
	case StatusCouldNotConnect:
		return "could_not_connect"
	case StatusCouldNotResolveProxy:
		return "could_not_resolve_proxy"
	case StatusCanceled:
		return "canceled"
	case StatusTimeout:
		return "timeout"
	case StatusConnectionLost:
		return "connection_lost"
	case StatusCertificateError:
		return "certificate_error"
	case StatusUnknownError:
		return "unknown_error"
	default:
		return "unknown"
	}
}

// RetryPolicy selects how a failed transfer is retried.
type RetryPolicy int

const (
	// DontRetry never retries on Timeout or ConnectionLost.
	DontRetry RetryPolicy = iota
	// RetryFixed retries up to Request.MaxRetries times from the beginning.
	RetryFixed
	// ResumeTransfer continues a download from the bytes already written
	// when the server supplied an ETag, otherwise it restarts.
	ResumeTransfer
	// ResetTransfer restarts the download from the beginning on every retry.
	ResetTransfer
)

// String returns the string representation of the policy
func (p RetryPolicy) String() string {
	switch p {
	case DontRetry:
		return "dont_retry"
	case RetryFixed:
		return "fixed"
	case ResumeTransfer:
		return "resume"
	case ResetTransfer:
		return "reset"
	default:
		return "unknown"
	}
}

// UnlimitedRetries as Request.MaxRetries retries Timeout and ConnectionLost
// failures until the transfer succeeds or is canceled.
const UnlimitedRetries = -1

// MaxRedirects bounds how many redirect hops are followed.
const MaxRedirects = 10

// CertificatePolicy controls TLS peer verification for one request.
type CertificatePolicy int

const (
	// CertificatesDefault applies the engine-wide policy.
	CertificatesDefault CertificatePolicy = iota
	// CertificatesValidate verifies the peer against the trust store.
	CertificatesValidate
	// CertificatesSkip disables peer verification.
	CertificatesSkip
)

// Route forces a request onto one of the engine's execution paths.
type Route int

const (
	// RouteAuto lets the engine pick a path from the request method.
	RouteAuto Route = iota
	// RouteEventLoop runs the request on the multiplexed event loop.
	RouteEventLoop
	// RouteGate runs the request to completion on a gate worker.
	RouteGate
)
