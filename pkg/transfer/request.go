package transfer

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/netengine/pkg/proxy"
)

// Default per-request limits applied by NewRequest.
const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTransferTimeout = 60 * time.Second
)

// Credentials holds basic authentication for the origin server.
type Credentials struct {
	Username string
	Password string
}

// IsEmpty reports whether no credentials are set
func (c Credentials) IsEmpty() bool {
	return c.Username == "" && c.Password == ""
}

// Backoff bounds the delay inserted between retry attempts.
// A zero Backoff retries immediately.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// IsZero reports whether the backoff is unset
func (b Backoff) IsZero() bool {
	return b.Min == 0 && b.Max == 0
}

// ProgressFunc receives the bytes moved so far and the expected total.
// total is -1 when the size is unknown.
type ProgressFunc func(transferred, total int64)

// Request describes one logical HTTP call, including every retry attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header

	// Body is the upload source. Nil sends no body.
	Body Body
	// ResponseBody receives the downloaded payload. Nil collects it in memory.
	ResponseBody Body

	Credentials      Credentials
	ProxyCredentials Credentials
	// Proxy overrides the engine-wide default proxy descriptor.
	Proxy *proxy.Descriptor

	FollowRedirects bool
	Certificates    CertificatePolicy

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// TransferTimeout aborts an attempt when no byte moved for this long.
	TransferTimeout time.Duration

	RetryPolicy            RetryPolicy
	MaxRetries             int
	RetryOnCouldNotConnect bool
	// RetryBackoff overrides the engine default delay between attempts.
	RetryBackoff Backoff

	// Cancel aborts the request when it reports cancellation.
	Cancel CancellationToken

	UploadProgress   ProgressFunc
	DownloadProgress ProgressFunc

	// ForceNewConnection performs every attempt on a fresh connection.
	ForceNewConnection bool
	Route              Route
}

// NewRequest creates a request with the engine defaults.
func NewRequest(method, rawURL string) *Request {
	return &Request{
		Method:          method,
		URL:             rawURL,
		Header:          make(http.Header),
		FollowRedirects: true,
		ConnectTimeout:  DefaultConnectTimeout,
		TransferTimeout: DefaultTransferTimeout,
	}
}

// WithRetry sets the retry policy and returns the request for chaining.
func (r *Request) WithRetry(policy RetryPolicy, maxRetries int) *Request {
	r.RetryPolicy = policy
	r.MaxRetries = maxRetries
	return r
}
