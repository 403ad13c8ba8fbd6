package handlepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// UserAgent is sent when the request carries none.
const UserAgent = "netengine/1.0"

const readBufferSize = 32 * 1024

// Progress is a snapshot of the bytes moved by the current exchange.
// Totals are -1 when unknown.
type Progress struct {
	Downloaded    int64
	DownloadTotal int64
	Uploaded      int64
	UploadTotal   int64
}

// ResponseInfo describes the response head before its body is streamed.
type ResponseInfo struct {
	StatusCode    int
	Header        http.Header
	ContentLength int64
	EffectiveURL  string
}

// Callbacks bind a handle to the transfer that owns it.
type Callbacks struct {
	// Header runs once the response head arrived. An error aborts the
	// exchange with AbortedByCallback.
	Header func(ResponseInfo) error
	// Write receives body chunks. Nil discards the body.
	Write func(p []byte) (int, error)
	// Progress is polled every tick from a monitor goroutine. An error
	// aborts the exchange.
	Progress func(Progress) error
}

// Config is the per-exchange configuration of a handle.
type Config struct {
	Method string
	URL    string
	Header http.Header

	// Body is the upload source, BodyLength its size or -1 when unknown.
	Body       io.Reader
	BodyLength int64

	Username string
	Password string

	// Proxy routes the exchange through a proxy. Nil connects directly.
	Proxy *url.URL

	FollowRedirects bool
	MaxRedirects    int
	TLS             TLSMode

	ConnectTimeout time.Duration
	// TransferTimeout aborts the exchange when no byte moved for this long.
	TransferTimeout time.Duration

	Callbacks Callbacks
}

// Result is the outcome of Perform.
type Result struct {
	Code Code
	Err  error

	StatusCode   int
	Header       http.Header
	EffectiveURL string

	Downloaded int64
	Uploaded   int64
}

var handleIDs atomic.Uint64

// Handle is a reusable native transfer handle.
type Handle struct {
	id    uint64
	fresh bool
	mode  TLSMode

	client    *resty.Client
	transport *http.Transport
	share     *Share
	logger    *zap.Logger

	mu     sync.Mutex
	cfg    Config
	cancel context.CancelCauseFunc

	leased atomic.Bool
}

func newHandle(share *Share, fresh bool, logger *zap.Logger) *Handle {
	h := &Handle{
		id:     handleIDs.Add(1),
		fresh:  fresh,
		share:  share,
		logger: logger,
	}

	h.client = resty.New().
		SetCookieJar(nil).
		SetDisableWarn(true).
		SetLogger(logger.Sugar()).
		SetHeader("User-Agent", UserAgent).
		SetRedirectPolicy(resty.RedirectPolicyFunc(h.checkRedirect)).
		SetPreRequestHook(h.preRequest)
	h.bindTransport(TLSVerify)
	return h
}

// ID returns the process-unique handle number
func (h *Handle) ID() uint64 { return h.id }

// Fresh reports whether the handle owns a private, non-reused connection
func (h *Handle) Fresh() bool { return h.fresh }

func (h *Handle) bindTransport(mode TLSMode) {
	if h.transport != nil && h.mode == mode {
		return
	}
	if h.fresh {
		if h.transport != nil {
			h.transport.CloseIdleConnections()
		}
		h.transport = h.share.freshTransport(mode)
	} else {
		h.transport = h.share.Transport(mode)
	}
	h.mode = mode
	h.client.SetTransport(h.transport)
}

// Configure sets up the next exchange.
func (h *Handle) Configure(cfg Config) {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.Body == nil {
		cfg.BodyLength = 0
	}

	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()

	h.bindTransport(cfg.TLS)
}

func (h *Handle) config() Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *Handle) checkRedirect(_ *http.Request, via []*http.Request) error {
	cfg := h.config()
	if !cfg.FollowRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) > cfg.MaxRedirects {
		return fmt.Errorf("%w: stopped after %d", errTooManyRedirects, cfg.MaxRedirects)
	}
	return nil
}

func (h *Handle) preRequest(_ *resty.Client, req *http.Request) error {
	cfg := h.config()
	if cfg.Body == nil {
		return nil
	}
	switch {
	case cfg.BodyLength == 0:
		req.Body = http.NoBody
		req.ContentLength = 0
	case cfg.BodyLength > 0:
		req.ContentLength = cfg.BodyLength
	}
	return nil
}

// Abort cancels the exchange in flight, if any, with cause.
func (h *Handle) Abort(cause error) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel(cause)
	}
}

// Perform executes the configured exchange and blocks until it ends.
func (h *Handle) Perform(ctx context.Context) Result {
	cfg := h.config()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.cancel = nil
		h.mu.Unlock()
	}()

	ctx = withProxy(ctx, cfg.Proxy)
	ctx = withConnectTimeout(ctx, cfg.ConnectTimeout)

	m := newMeter(cfg)
	stop := h.monitor(ctx, cancel, cfg, m)
	res := h.exchange(ctx, cfg, m)
	stop()

	res.Code = classify(ctx, res.Err)
	if res.Code != OK && ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			res.Err = cause
		}
	}
	res.Downloaded = m.downloaded.Load()
	res.Uploaded = m.uploaded.Load()

	h.logger.Debug("exchange finished",
		zap.Uint64("handle", h.id),
		zap.String("method", cfg.Method),
		zap.String("code", res.Code.String()),
		zap.Int("http_status", res.StatusCode),
		zap.Int64("downloaded", res.Downloaded),
		zap.Error(res.Err))
	return res
}

func (h *Handle) exchange(ctx context.Context, cfg Config, m *meter) Result {
	var res Result

	req := h.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if len(cfg.Header) > 0 {
		req.SetHeaderMultiValues(cfg.Header)
	}
	if cfg.Username != "" || cfg.Password != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.Body != nil {
		if cfg.Header.Get("Content-Type") == "" {
			req.SetHeader("Content-Type", "application/octet-stream")
		}
		req.SetBody(&countingReader{r: cfg.Body, m: m})
	}

	resp, err := req.Execute(cfg.Method, cfg.URL)
	if sendErr := m.uploadError(); sendErr != nil && err != nil {
		err = &sendError{err: sendErr}
	}
	if resp == nil || resp.RawResponse == nil {
		res.Err = err
		return res
	}

	raw := resp.RawResponse
	body := resp.RawBody()
	defer func() {
		if body != nil {
			_ = body.Close()
		}
	}()

	res.StatusCode = raw.StatusCode
	res.Header = raw.Header
	res.EffectiveURL = cfg.URL
	if raw.Request != nil && raw.Request.URL != nil {
		res.EffectiveURL = raw.Request.URL.String()
	}
	if err != nil {
		res.Err = err
		return res
	}

	if raw.ContentLength >= 0 {
		m.downloadTotal.Store(raw.ContentLength)
	}
	m.touch()

	if cfg.Callbacks.Header != nil {
		info := ResponseInfo{
			StatusCode:    raw.StatusCode,
			Header:        raw.Header,
			ContentLength: raw.ContentLength,
			EffectiveURL:  res.EffectiveURL,
		}
		if err := cfg.Callbacks.Header(info); err != nil {
			res.Err = &CallbackError{Err: err}
			return res
		}
	}

	if cfg.Method == http.MethodHead || body == nil {
		return res
	}
	res.Err = h.drain(body, cfg.Callbacks.Write, m)
	return res
}

func (h *Handle) drain(body io.Reader, write func([]byte) (int, error), m *meter) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			m.touch()
			if write != nil {
				written, werr := write(buf[:n])
				if werr == nil && written != n {
					werr = io.ErrShortWrite
				}
				if werr != nil {
					return &writeError{err: werr}
				}
			}
			m.downloaded.Add(int64(n))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// monitor polls Progress and the stall timeout until stop is called.
func (h *Handle) monitor(ctx context.Context, cancel context.CancelCauseFunc, cfg Config, m *meter) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		ticker := time.NewTicker(h.share.opts.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if cb := cfg.Callbacks.Progress; cb != nil {
				if err := cb(m.snapshot()); err != nil {
					cancel(&CallbackError{Err: err})
					return
				}
			}
			if cfg.TransferTimeout > 0 && m.idleFor() > cfg.TransferTimeout {
				cancel(errStalled)
				return
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// reset drops per-transfer state before the handle is parked.
func (h *Handle) reset() {
	h.mu.Lock()
	h.cfg = Config{}
	h.mu.Unlock()
}

func (h *Handle) close() {
	if h.fresh && h.transport != nil {
		h.transport.CloseIdleConnections()
	}
}

type meter struct {
	downloaded    atomic.Int64
	downloadTotal atomic.Int64
	uploaded      atomic.Int64
	uploadTotal   int64
	lastActivity  atomic.Int64

	mu      sync.Mutex
	sendErr error
}

func newMeter(cfg Config) *meter {
	m := &meter{uploadTotal: cfg.BodyLength}
	if cfg.Body == nil {
		m.uploadTotal = 0
	}
	m.downloadTotal.Store(-1)
	m.touch()
	return m
}

func (m *meter) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *meter) idleFor() time.Duration {
	return time.Since(time.Unix(0, m.lastActivity.Load()))
}

func (m *meter) uploadError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendErr
}

func (m *meter) snapshot() Progress {
	return Progress{
		Downloaded:    m.downloaded.Load(),
		DownloadTotal: m.downloadTotal.Load(),
		Uploaded:      m.uploaded.Load(),
		UploadTotal:   m.uploadTotal,
	}
}

type countingReader struct {
	r io.Reader
	m *meter
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.m.uploaded.Add(int64(n))
		c.m.touch()
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.m.mu.Lock()
		c.m.sendErr = err
		c.m.mu.Unlock()
	}
	return n, err
}
