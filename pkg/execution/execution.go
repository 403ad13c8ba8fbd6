package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/netengine/internal/assert"
	"github.com/GriffinCanCode/netengine/internal/logging"
	"github.com/GriffinCanCode/netengine/internal/shared/id"
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxTruncationRetries bounds the extra attempts made when a body is
// shorter or longer than announced.
const MaxTruncationRetries = 3

var (
	errCanceled      = errors.New("transfer canceled")
	errRangeMismatch = errors.New("content range does not continue the download")
)

// Phase is the position of an execution in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePrepared
	PhaseRunning
	PhaseFinalized
	PhaseRetrying
	PhaseResolved
)

var phaseNames = [...]string{
	PhaseIdle:      "idle",
	PhasePrepared:  "prepared",
	PhaseRunning:   "running",
	PhaseFinalized: "finalized",
	PhaseRetrying:  "retrying",
	PhaseResolved:  "resolved",
}

// String returns the string representation of the phase
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// State is the mutable record of one logical request across its attempts.
type State struct {
	Status transfer.ConnectionStatus
	// BytesStarted is the sink offset the current attempt writes from.
	BytesStarted int64
	// Downloaded is the number of bytes held by the sink.
	Downloaded  int64
	Uploaded    int64
	RetriesLeft int
	Attempts    int
	// Proxies are the candidates not yet given up on; the first one is
	// used by the next attempt. A nil entry connects directly.
	Proxies []*url.URL

	forceReset atomic.Bool
}

// attempt holds what the handle callbacks learn during one exchange.
type attempt struct {
	bytesStarted int64
	resuming     bool
	synced       bool
	written      int64

	statusCode   int
	header       http.Header
	effectiveURL string
	etag         string
	// expected is the body size announced for this exchange, -1 if unknown.
	expected int64

	rangeStart    int64
	rangeEnd      int64
	rangeTotal    int64
	rangeMismatch bool
	sinkErr       error
}

// Execution drives one logical request through its attempts.
type Execution struct {
	id      id.TransferID
	svc     *Services
	ctx     context.Context
	req     transfer.Request
	sink    transfer.Body
	token   transfer.CancellationToken
	abort   *transfer.CancelToken
	done    func(*transfer.Response)
	logger  *zap.Logger
	created time.Time

	descriptor      *proxy.Descriptor
	target          string
	proxiesResolved bool

	state     State
	phase     Phase
	handle    *handlepool.Handle
	result    handlepool.Result
	notBefore time.Time
	etag      string

	triedCouldNotConnect bool
	truncated            bool
	truncationRetries    int

	mu      sync.Mutex
	attempt attempt

	throttle rate.Sometimes
	resolved *transfer.Response
}

// New creates an execution for req. The request is snapshotted; ctx and
// req.Cancel both cancel the transfer. done, if set, receives the terminal
// Response exactly once.
func New(ctx context.Context, svc *Services, req *transfer.Request, done func(*transfer.Response)) *Execution {
	snap := *req
	snap.Header = req.Header.Clone()
	if snap.Header == nil {
		snap.Header = make(http.Header)
	}
	if snap.Method == "" {
		snap.Method = http.MethodGet
	}

	sink := snap.ResponseBody
	if sink == nil {
		sink = transfer.NewMemoryBody(nil)
	}

	descriptor := snap.Proxy.Clone()
	if descriptor == nil {
		descriptor = svc.DefaultProxy.Get()
	}

	tid := id.NewTransferID()
	abort := transfer.NewCancelToken()
	e := &Execution{
		id:         tid,
		svc:        svc,
		ctx:        ctx,
		req:        snap,
		sink:       sink,
		token:      transfer.AnyToken(req.Cancel, transfer.ContextToken(ctx), abort),
		abort:      abort,
		done:       done,
		created:    time.Now(),
		descriptor: descriptor,
		throttle:   rate.Sometimes{Interval: svc.Defaults.ProgressInterval},
		logger: svc.Logger.With(
			logging.TransferID(tid.String()),
			zap.String("method", snap.Method),
			logging.URL("url", snap.URL)),
	}
	if snap.MaxRetries > 0 {
		e.state.RetriesLeft = snap.MaxRetries
	}
	svc.Metrics.TransferStarted()
	return e
}

// ID returns the transfer ID shared by every attempt
func (e *Execution) ID() id.TransferID { return e.id }

// Request returns the snapshot taken at submission
func (e *Execution) Request() *transfer.Request { return &e.req }

// Context returns the caller context
func (e *Execution) Context() context.Context { return e.ctx }

// Phase returns the current phase
func (e *Execution) Phase() Phase { return e.phase }

// State returns the transfer state. It must only be read by the runner.
func (e *Execution) State() *State { return &e.state }

// Handle returns the handle bound by Prepare, nil outside an attempt.
func (e *Execution) Handle() *handlepool.Handle { return e.handle }

// NotBefore is the earliest time the next attempt may start.
func (e *Execution) NotBefore() time.Time { return e.notBefore }

// Canceled reports whether the caller canceled the request
func (e *Execution) Canceled() bool { return e.token.IsCanceled() }

// Cancel aborts the request from inside the engine.
func (e *Execution) Cancel() { e.abort.Cancel() }

// ForceReset makes the attempt in flight fail on its next progress tick.
func (e *Execution) ForceReset() { e.state.forceReset.Store(true) }

// ForceResetPending reports whether ForceReset was called
func (e *Execution) ForceResetPending() bool { return e.state.forceReset.Load() }

// Prepare readies the next attempt. When it fails the execution is already
// finalized with the failure status and the runner continues with
// ShouldRetry.
func (e *Execution) Prepare() error {
	assert.That(e.logger, e.phase == PhaseIdle || e.phase == PhaseRetrying,
		"prepare in unexpected phase", zap.String("phase", e.phase.String()))

	e.state.Attempts++
	e.truncated = false
	e.result = handlepool.Result{}

	if e.target == "" {
		target, err := escapeURL(e.req.URL)
		if err != nil {
			return e.fail(transfer.StatusUnknownError, err)
		}
		e.target = target
	}

	if !e.proxiesResolved {
		if err := e.resolveProxies(); err != nil {
			return e.fail(transfer.StatusCouldNotResolveProxy, err)
		}
	}

	header := e.req.Header.Clone()
	a := attempt{expected: -1, rangeTotal: -1}
	if e.canResume() {
		a.bytesStarted = e.state.Downloaded
		a.resuming = true
		header.Set("Range", "bytes="+strconv.FormatInt(a.bytesStarted, 10)+"-")
		header.Set("If-Range", e.etag)
	} else {
		if err := e.sink.Reset(); err != nil {
			return e.fail(transfer.StatusUnknownError, fmt.Errorf("reset response body: %w", err))
		}
		e.state.Downloaded = 0
	}

	var bodyLength int64
	if e.req.Body != nil {
		if err := e.req.Body.SetPosition(0); err != nil {
			return e.fail(transfer.StatusUnknownError, fmt.Errorf("rewind request body: %w", err))
		}
		bodyLength = e.req.Body.Length()
	}

	h, err := e.svc.Pool.Acquire(e.req.ForceNewConnection)
	if err != nil {
		status := transfer.StatusUnknownError
		if errors.Is(err, handlepool.ErrPoolClosed) {
			status = transfer.StatusCanceled
		}
		return e.fail(status, err)
	}

	e.mu.Lock()
	e.attempt = a
	e.mu.Unlock()
	e.state.BytesStarted = a.bytesStarted

	cfg := handlepool.Config{
		Method:          e.req.Method,
		URL:             e.target,
		Header:          header,
		BodyLength:      bodyLength,
		Username:        e.req.Credentials.Username,
		Password:        e.req.Credentials.Password,
		Proxy:           e.state.Proxies[0],
		FollowRedirects: e.req.FollowRedirects,
		MaxRedirects:    transfer.MaxRedirects,
		TLS:             e.tlsMode(),
		ConnectTimeout:  e.req.ConnectTimeout,
		TransferTimeout: e.req.TransferTimeout,
		Callbacks: handlepool.Callbacks{
			Header:   e.onHeader,
			Write:    e.onWrite,
			Progress: e.onProgress,
		},
	}
	if e.req.Body != nil {
		cfg.Body = e.req.Body
	}
	h.Configure(cfg)

	e.handle = h
	e.svc.Registry.Add(e)
	e.phase = PhasePrepared

	e.logger.Debug("Attempt prepared",
		logging.Attempt(e.state.Attempts),
		zap.Uint64("handle", h.ID()),
		zap.Int64("offset", a.bytesStarted),
		zap.String("proxy", proxyName(cfg.Proxy)))
	return nil
}

func (e *Execution) canResume() bool {
	if e.req.RetryPolicy != transfer.ResumeTransfer || e.etag == "" || e.state.Downloaded <= 0 {
		return false
	}
	if e.req.Method != http.MethodGet || e.req.Header.Get("Range") != "" {
		return false
	}
	return e.sink.Length() == e.state.Downloaded
}

func (e *Execution) tlsMode() handlepool.TLSMode {
	switch e.req.Certificates {
	case transfer.CertificatesSkip:
		return handlepool.TLSSkipVerify
	case transfer.CertificatesValidate:
		return handlepool.TLSVerify
	}
	if e.svc.Defaults.SkipCertificateValidation {
		return handlepool.TLSSkipVerify
	}
	return handlepool.TLSVerify
}

func (e *Execution) resolveProxies() error {
	proxies, err := e.svc.Proxies.GetProxiesForURL(e.ctx, e.descriptor, e.target)
	if err != nil {
		return err
	}

	creds := e.req.ProxyCredentials
	for i, p := range proxies {
		if p == nil || creds.IsEmpty() {
			continue
		}
		c := *p
		c.User = url.UserPassword(creds.Username, creds.Password)
		proxies[i] = &c
	}
	if len(proxies) == 0 {
		proxies = []*url.URL{nil}
	}

	e.state.Proxies = proxies
	e.proxiesResolved = true
	return nil
}

func (e *Execution) fail(status transfer.ConnectionStatus, err error) error {
	e.state.Status = e.precedence(status)
	e.phase = PhaseFinalized
	e.logger.Debug("Attempt not started",
		logging.Attempt(e.state.Attempts),
		logging.Status(e.state.Status),
		zap.Error(err))
	return err
}

// Perform runs the prepared exchange on the bound handle and blocks until
// it ends.
func (e *Execution) Perform(ctx context.Context) handlepool.Result {
	if !assert.That(e.logger, e.phase == PhasePrepared && e.handle != nil, "perform without a prepared handle") {
		return handlepool.Result{Code: handlepool.Unknown, Err: errors.New("execution not prepared")}
	}
	e.phase = PhaseRunning
	return e.handle.Perform(ctx)
}

// Finalize records the outcome of the attempt, releases its handle and
// returns the resulting status.
func (e *Execution) Finalize(res handlepool.Result) transfer.ConnectionStatus {
	e.svc.Registry.Remove(e)
	if e.handle != nil {
		e.svc.Pool.Release(e.handle)
		e.handle = nil
	}
	e.result = res

	e.mu.Lock()
	a := e.attempt
	e.mu.Unlock()

	status := StatusForCode(res.Code)
	switch {
	case e.state.forceReset.Load() || e.token.IsCanceled():
		status = transfer.StatusCanceled
	case a.rangeMismatch:
		status = transfer.StatusConnectionLost
	case a.sinkErr != nil:
		status = transfer.StatusUnknownError
	case (status == transfer.StatusOK || cutShort(res.Code)) && e.lengthMismatch(a):
		status = transfer.StatusConnectionLost
		e.truncated = true
	}

	e.state.Status = status
	e.state.BytesStarted = a.bytesStarted
	e.state.Downloaded = a.bytesStarted + a.written
	e.state.Uploaded = res.Uploaded
	if a.statusCode != 0 {
		e.etag = a.etag
	}
	e.svc.Metrics.BytesTransferred(res.Downloaded, res.Uploaded)
	e.phase = PhaseFinalized

	e.logger.Debug("Attempt finalized",
		logging.Attempt(e.state.Attempts),
		logging.Status(status),
		zap.String("code", res.Code.String()),
		zap.Int("http_status", res.StatusCode),
		zap.Int64("written", a.written),
		zap.Bool("truncated", e.truncated),
		zap.Error(res.Err))
	return status
}

// precedence applies the force-reset flag and cancellation over status.
func (e *Execution) precedence(status transfer.ConnectionStatus) transfer.ConnectionStatus {
	if e.state.forceReset.Load() || e.token.IsCanceled() {
		return transfer.StatusCanceled
	}
	return status
}

// cutShort reports whether code ends a response whose body stopped early.
func cutShort(code handlepool.Code) bool {
	switch code {
	case handlepool.PartialFile, handlepool.RecvError, handlepool.GotNothing:
		return true
	}
	return false
}

func (e *Execution) lengthMismatch(a attempt) bool {
	if e.req.Method == http.MethodHead || a.expected < 0 {
		return false
	}
	return a.written != a.expected
}

// ShouldRetry decides whether another attempt follows the finalized one.
// A true result moves the execution to Retrying and sets NotBefore.
func (e *Execution) ShouldRetry() bool {
	assert.That(e.logger, e.phase == PhaseFinalized,
		"retry decision in unexpected phase", zap.String("phase", e.phase.String()))

	reason, ok := e.retryReason()
	if !ok {
		return false
	}

	var delay time.Duration
	if reason == "proxy" {
		e.state.Proxies = e.state.Proxies[1:]
	} else {
		delay = e.backoff()
	}
	e.notBefore = time.Now().Add(delay)
	e.phase = PhaseRetrying
	e.svc.Metrics.Retry(reason)

	e.logger.Info("Retrying transfer",
		logging.Attempt(e.state.Attempts),
		logging.Status(e.state.Status),
		zap.String("reason", reason),
		zap.Int("retries_left", e.state.RetriesLeft),
		zap.Duration("delay", delay))
	return true
}

func (e *Execution) retryReason() (string, bool) {
	status := e.state.Status
	if status == transfer.StatusOK || status == transfer.StatusCanceled {
		return "", false
	}

	if (status == transfer.StatusCouldNotConnect || status == transfer.StatusCouldNotResolveProxy) &&
		len(e.state.Proxies) > 1 {
		return "proxy", true
	}
	if e.truncated {
		if e.truncationRetries < MaxTruncationRetries {
			e.truncationRetries++
			return "truncated", true
		}
		return "", false
	}
	if e.req.RetryPolicy == transfer.DontRetry {
		return "", false
	}
	if status == transfer.StatusCouldNotConnect && e.req.RetryOnCouldNotConnect && !e.triedCouldNotConnect {
		e.triedCouldNotConnect = true
		return "could_not_connect", true
	}
	if status != transfer.StatusTimeout && status != transfer.StatusConnectionLost {
		return "", false
	}
	if e.req.MaxRetries == transfer.UnlimitedRetries {
		return status.String(), true
	}
	if e.state.RetriesLeft > 0 {
		e.state.RetriesLeft--
		return status.String(), true
	}
	return "", false
}

func (e *Execution) backoff() time.Duration {
	b := e.req.RetryBackoff
	if b.IsZero() {
		b = e.svc.Defaults.RetryBackoff
	}
	if b.IsZero() {
		return 0
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}

	var resp *http.Response
	if e.result.StatusCode != 0 {
		resp = &http.Response{StatusCode: e.result.StatusCode, Header: e.result.Header}
	}
	return retryablehttp.DefaultBackoff(b.Min, b.Max, e.state.Attempts-1, resp)
}

// Resolve builds the terminal Response, delivers it to the done callback
// and returns it. Resolving twice returns the first Response.
func (e *Execution) Resolve() *transfer.Response {
	if !assert.That(e.logger, e.phase != PhaseResolved, "execution resolved twice") {
		return e.resolved
	}
	if !assert.That(e.logger, e.handle == nil, "resolve with a handle still bound") {
		e.svc.Registry.Remove(e)
		e.svc.Pool.Release(e.handle)
		e.handle = nil
	}
	if e.state.Status == transfer.StatusNone {
		e.state.Status = e.precedence(transfer.StatusUnknownError)
	}

	e.mu.Lock()
	a := e.attempt
	e.mu.Unlock()

	e.reportFinalProgress(a)

	if e.req.Body != nil {
		_ = e.req.Body.Close()
	}
	_ = e.sink.Close()

	resp := &transfer.Response{
		Status:       e.state.Status,
		Body:         e.sink,
		EffectiveURL: e.target,
		Attempts:     e.state.Attempts,
	}
	if a.effectiveURL != "" {
		resp.EffectiveURL = a.effectiveURL
	}
	if resp.Status == transfer.StatusOK {
		resp.HTTPStatus = a.statusCode
		resp.Header = a.header
		if a.statusCode == http.StatusPartialContent && coversResource(a) {
			resp.HTTPStatus = http.StatusOK
		}
	}

	e.phase = PhaseResolved
	e.resolved = resp
	e.svc.Metrics.TransferFinished(resp.Status.String(), time.Since(e.created))

	fields := []zap.Field{
		logging.Status(resp.Status),
		zap.Int("http_status", resp.HTTPStatus),
		zap.Int("attempts", resp.Attempts),
		zap.Int64("bytes", e.state.Downloaded),
		zap.Duration("elapsed", time.Since(e.created)),
	}
	if resp.Status == transfer.StatusOK {
		e.logger.Debug("Transfer resolved", fields...)
	} else {
		e.logger.Warn("Transfer failed", fields...)
	}

	if e.done != nil {
		e.done(resp)
	}
	return resp
}

// ResolveCanceled resolves an execution that will not run again.
func (e *Execution) ResolveCanceled() *transfer.Response {
	if e.handle != nil {
		e.Finalize(handlepool.Result{Code: handlepool.AbortedByCallback})
	}
	e.state.Status = transfer.StatusCanceled
	return e.Resolve()
}

// coversResource reports whether the sink now holds the whole resource.
func coversResource(a attempt) bool {
	if a.rangeTotal <= 0 {
		return false
	}
	start := a.rangeStart
	if a.resuming {
		start = 0
	}
	return start == 0 && a.rangeEnd == a.rangeTotal-1
}

func (e *Execution) onHeader(info handlepool.ResponseInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := &e.attempt
	a.statusCode = info.StatusCode
	a.header = info.Header
	a.effectiveURL = info.EffectiveURL
	a.etag = strongETag(info.Header.Get("ETag"))
	a.expected = info.ContentLength

	if info.StatusCode == http.StatusPartialContent {
		start, end, total, err := parseContentRange(info.Header.Get("Content-Range"))
		if err == nil {
			a.rangeStart, a.rangeEnd, a.rangeTotal = start, end, total
			if a.expected < 0 {
				a.expected = end - start + 1
			}
		}
		if a.resuming && (err != nil || start != a.bytesStarted) {
			a.rangeMismatch = true
			return errRangeMismatch
		}
		return nil
	}

	if a.resuming {
		// The server ignored the range: the full body replaces the partial one.
		if err := e.sink.Reset(); err != nil {
			a.sinkErr = err
			return err
		}
		a.bytesStarted = 0
		a.resuming = false
	}
	return nil
}

func (e *Execution) onWrite(p []byte) (int, error) {
	e.mu.Lock()
	if !e.attempt.synced {
		if err := e.sink.SetPosition(e.attempt.bytesStarted); err != nil {
			e.attempt.sinkErr = err
			e.mu.Unlock()
			return 0, err
		}
		e.attempt.synced = true
	}
	e.mu.Unlock()

	n, err := e.sink.Write(p)

	e.mu.Lock()
	e.attempt.written += int64(n)
	if err != nil {
		e.attempt.sinkErr = err
	}
	e.mu.Unlock()
	return n, err
}

func (e *Execution) onProgress(p handlepool.Progress) error {
	if e.state.forceReset.Load() {
		return handlepool.ErrForcedReset
	}
	if e.token.IsCanceled() {
		return errCanceled
	}
	if e.req.UploadProgress == nil && e.req.DownloadProgress == nil {
		return nil
	}

	e.mu.Lock()
	started := e.attempt.bytesStarted
	e.mu.Unlock()

	e.throttle.Do(func() {
		downTotal := int64(-1)
		if p.DownloadTotal >= 0 {
			downTotal = started + p.DownloadTotal
		}
		e.report(p.Uploaded, uploadTotal(p.UploadTotal, e.req.Body != nil), started+p.Downloaded, downTotal)
	})
	return nil
}

func (e *Execution) reportFinalProgress(a attempt) {
	if e.req.UploadProgress == nil && e.req.DownloadProgress == nil {
		return
	}

	var upTotal int64 = -1
	if e.req.Body != nil {
		upTotal = e.req.Body.Length()
	}
	downTotal := int64(-1)
	switch {
	case e.state.Status == transfer.StatusOK:
		downTotal = e.state.Downloaded
	case a.expected >= 0:
		downTotal = a.bytesStarted + a.expected
	}
	e.report(e.state.Uploaded, upTotal, e.state.Downloaded, downTotal)
}

func (e *Execution) report(up, upTotal, down, downTotal int64) {
	if e.req.UploadProgress != nil && e.req.Body != nil {
		e.req.UploadProgress(up, upTotal)
	}
	if e.req.DownloadProgress != nil {
		e.req.DownloadProgress(down, downTotal)
	}
}

func uploadTotal(total int64, hasBody bool) int64 {
	if !hasBody || total < 0 {
		return -1
	}
	return total
}

func proxyName(p *url.URL) string {
	if p == nil {
		return "direct"
	}
	return p.Redacted()
}
