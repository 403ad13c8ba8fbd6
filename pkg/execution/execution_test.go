package execution

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	contract "github.com/GriffinCanCode/netengine/internal/assert"
	"github.com/GriffinCanCode/netengine/pkg/handlepool"
	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSource is a mock implementation of proxy.Source for testing.
type MockSource struct {
	mock.Mock
}

// GetProxiesForURL mocks the GetProxiesForURL method.
func (m *MockSource) GetProxiesForURL(ctx context.Context, d *proxy.Descriptor, target string) ([]*url.URL, error) {
	args := m.Called(ctx, d, target)
	proxies, _ := args.Get(0).([]*url.URL)
	return proxies, args.Error(1)
}

func testServices(t *testing.T) *Services {
	t.Helper()
	share := handlepool.NewShare(handlepool.ShareOptions{MaxConnsPerHost: 4, TickInterval: 10 * time.Millisecond})
	pool := handlepool.New(share, 4, nil)
	t.Cleanup(pool.Close)
	return Services{Pool: pool, Defaults: Defaults{ProgressInterval: time.Millisecond}}.WithDefaults()
}

// run drives e the way a gate worker does.
func run(e *Execution) *transfer.Response {
	for {
		if e.Canceled() {
			return e.ResolveCanceled()
		}
		if err := e.Prepare(); err == nil {
			e.Finalize(e.Perform(context.Background()))
		}
		if !e.ShouldRetry() {
			return e.Resolve()
		}
		time.Sleep(time.Until(e.NotBefore()))
	}
}

func TestGetSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served", "1")
		_, _ = io.WriteString(w, "hello world")
	}))
	defer srv.Close()

	svc := testServices(t)
	var delivered atomic.Int32
	req := transfer.NewRequest(http.MethodGet, srv.URL+"/a")
	e := New(context.Background(), svc, req, func(*transfer.Response) { delivered.Add(1) })

	resp := run(e)
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus)
	assert.Equal(t, "hello world", string(resp.Bytes()))
	assert.Equal(t, "1", resp.Header.Get("X-Served"))
	assert.Equal(t, srv.URL+"/a", resp.EffectiveURL)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, PhaseResolved, e.Phase())
	assert.Equal(t, int32(1), delivered.Load())
	assert.Zero(t, svc.Registry.Len())
}

func TestFixedRetriesOnTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "finally")
	}))
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.RetryFixed, 2)
	req.TransferTimeout = 80 * time.Millisecond

	resp := run(New(context.Background(), testServices(t), req, nil))
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, "finally", string(resp.Bytes()))
}

func TestRetriesExhausted(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.RetryFixed, 1)
	req.TransferTimeout = 50 * time.Millisecond

	resp := run(New(context.Background(), testServices(t), req, nil))
	assert.Equal(t, transfer.StatusTimeout, resp.Status)
	assert.Zero(t, resp.HTTPStatus)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, int32(2), hits.Load())
}

type rangeServer struct {
	data     string
	etag     string
	cutAt    int
	honor    bool
	mu       sync.Mutex
	calls    int
	requests []string
}

func (s *rangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.requests = append(s.requests, r.Header.Get("Range")+"|"+r.Header.Get("If-Range"))
	s.mu.Unlock()

	w.Header().Set("ETag", s.etag)
	if rng := r.Header.Get("Range"); rng != "" && s.honor && r.Header.Get("If-Range") == s.etag {
		start, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(len(s.data)-1)+"/"+strconv.Itoa(len(s.data)))
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)-start))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, s.data[start:])
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
	w.WriteHeader(http.StatusOK)
	if call == 1 {
		_, _ = io.WriteString(w, s.data[:s.cutAt])
		w.(http.Flusher).Flush()
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			_ = conn.Close()
		}
		return
	}
	_, _ = io.WriteString(w, s.data)
}

func TestResumeContinuesFromWrittenBytes(t *testing.T) {
	data := strings.Repeat("0123456789", 100)
	rs := &rangeServer{data: data, etag: `"v1"`, cutAt: 400, honor: true}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.ResumeTransfer, 2)
	var lastDown, lastTotal atomic.Int64
	req.DownloadProgress = func(n, total int64) {
		lastDown.Store(n)
		lastTotal.Store(total)
	}

	resp := run(New(context.Background(), testServices(t), req, nil))
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus, "full range remaps 206 to 200")
	assert.Equal(t, data, string(resp.Bytes()))
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, []string{"|", `bytes=400-|"v1"`}, rs.requests)
	assert.Equal(t, int64(len(data)), lastDown.Load())
	assert.Equal(t, int64(len(data)), lastTotal.Load())
}

func TestResumeRestartsWhenRangeIgnored(t *testing.T) {
	data := strings.Repeat("abcdefghij", 50)
	rs := &rangeServer{data: data, etag: `"v1"`, cutAt: 120}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.ResumeTransfer, 1)
	resp := run(New(context.Background(), testServices(t), req, nil))

	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus)
	assert.Equal(t, data, string(resp.Bytes()))
	assert.Equal(t, `bytes=120-|"v1"`, rs.requests[1])
}

func TestResumeNeedsStrongETag(t *testing.T) {
	data := strings.Repeat("x", 300)
	rs := &rangeServer{data: data, etag: `W/"weak"`, cutAt: 100, honor: true}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.ResumeTransfer, 1)
	resp := run(New(context.Background(), testServices(t), req, nil))

	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, data, string(resp.Bytes()))
	assert.Equal(t, []string{"|", "|"}, rs.requests)
}

func TestResetTransferStartsOver(t *testing.T) {
	data := strings.Repeat("y", 256)
	rs := &rangeServer{data: data, etag: `"v1"`, cutAt: 64, honor: true}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.ResetTransfer, 1)
	resp := run(New(context.Background(), testServices(t), req, nil))

	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, data, string(resp.Bytes()))
	assert.Equal(t, []string{"|", "|"}, rs.requests)
}

func TestMismatchedRangeIsConnectionLost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Length", "10")
			_, _ = io.WriteString(w, "01234")
			w.(http.Flusher).Flush()
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.ResumeTransfer, 1)
	resp := run(New(context.Background(), testServices(t), req, nil))

	assert.Equal(t, transfer.StatusConnectionLost, resp.Status)
	assert.Equal(t, 2, resp.Attempts)
}

func TestTruncatedBodyRetriedThenSurfaced(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		// Announces 100 bytes through the range, delivers 50 chunked.
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, strings.Repeat("z", 50))
	}))
	defer srv.Close()

	req := transfer.NewRequest(http.MethodGet, srv.URL)
	resp := run(New(context.Background(), testServices(t), req, nil))

	assert.Equal(t, transfer.StatusConnectionLost, resp.Status)
	assert.Equal(t, 1+MaxTruncationRetries, resp.Attempts)
	assert.Equal(t, int32(1+MaxTruncationRetries), hits.Load())
}

func TestContentLengthCutShortIsRetried(t *testing.T) {
	full := strings.Repeat("q", 100)

	tests := []struct {
		name         string
		cutShort     int32
		wantStatus   transfer.ConnectionStatus
		wantAttempts int
	}{
		{"recovers on the next attempt", 1, transfer.StatusOK, 2},
		{"surfaced after the bound", 100, transfer.StatusConnectionLost, 1 + MaxTruncationRetries},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if hits.Add(1) > tt.cutShort {
					_, _ = io.WriteString(w, full)
					return
				}
				conn, buf, err := w.(http.Hijacker).Hijack()
				if err != nil {
					return
				}
				defer conn.Close()
				_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n" + full[:50])
				_ = buf.Flush()
			}))
			defer srv.Close()

			req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.DontRetry, 0)
			resp := run(New(context.Background(), testServices(t), req, nil))

			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantAttempts, resp.Attempts)
			assert.Equal(t, int32(tt.wantAttempts), hits.Load())
			if tt.wantStatus == transfer.StatusOK {
				assert.Equal(t, full, string(resp.Bytes()))
			}
		})
	}
}

func TestHeadHasEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := transfer.NewStringBody("stale")
	req := transfer.NewRequest(http.MethodHead, srv.URL)
	req.ResponseBody = sink

	resp := run(New(context.Background(), testServices(t), req, nil))
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, http.StatusAccepted, resp.HTTPStatus)
	assert.Zero(t, resp.Body.Length())
}

func TestUploadRewindsBody(t *testing.T) {
	var hits atomic.Int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	req := transfer.NewRequest(http.MethodPut, srv.URL).WithRetry(transfer.RetryFixed, 1)
	req.Body = transfer.NewStringBody("payload")
	var uploaded atomic.Int64
	req.UploadProgress = func(n, total int64) {
		uploaded.Store(n)
		assert.Equal(t, int64(7), total)
	}

	resp := run(New(context.Background(), testServices(t), req, nil))
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, http.StatusCreated, resp.HTTPStatus)
	assert.Equal(t, []string{"payload", "payload"}, bodies)
	assert.Equal(t, int64(7), uploaded.Load())
}

func TestCanceledBeforeStart(t *testing.T) {
	svc := testServices(t)
	tok := transfer.NewCancelToken()
	tok.Cancel()

	req := transfer.NewRequest(http.MethodGet, "http://example.invalid/").WithRetry(transfer.RetryFixed, 5)
	req.Cancel = tok

	resp := run(New(context.Background(), svc, req, nil))
	assert.Equal(t, transfer.StatusCanceled, resp.Status)
	assert.Zero(t, resp.Attempts)
	assert.Zero(t, svc.Pool.Stats().Created)
}

func TestCanceledInFlightIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		started <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		cancel func(e *Execution, tok *transfer.CancelToken)
	}{
		{"token", func(_ *Execution, tok *transfer.CancelToken) { tok.Cancel() }},
		{"force reset", func(e *Execution, _ *transfer.CancelToken) { e.ForceReset() }},
		{"engine abort", func(e *Execution, _ *transfer.CancelToken) { e.Cancel() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits.Store(0)
			tok := transfer.NewCancelToken()
			req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.RetryFixed, 5)
			req.Cancel = tok
			e := New(context.Background(), testServices(t), req, nil)

			go func() {
				<-started
				tt.cancel(e, tok)
			}()

			resp := run(e)
			assert.Equal(t, transfer.StatusCanceled, resp.Status)
			assert.Equal(t, 1, resp.Attempts)
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestContextCancels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req := transfer.NewRequest(http.MethodGet, srv.URL).WithRetry(transfer.RetryFixed, 3)
	resp := run(New(ctx, testServices(t), req, nil))
	assert.Equal(t, transfer.StatusCanceled, resp.Status)
	assert.Equal(t, 1, resp.Attempts)
}

func TestProxyFailoverToNextCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "direct")
	}))
	defer srv.Close()

	// Grab a port nobody listens on.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL, _ := url.Parse(dead.URL)
	dead.Close()

	source := new(MockSource)
	source.On("GetProxiesForURL", mock.Anything, mock.Anything, srv.URL).
		Return([]*url.URL{deadURL, nil}, nil).Once()

	svc := testServices(t)
	svc.Proxies = source

	req := transfer.NewRequest(http.MethodGet, srv.URL)
	req.ProxyCredentials = transfer.Credentials{Username: "u", Password: "p"}
	e := New(context.Background(), svc, req, nil)

	resp := run(e)
	require.Equal(t, transfer.StatusOK, resp.Status)
	assert.Equal(t, "direct", string(resp.Bytes()))
	assert.Equal(t, 2, resp.Attempts)
	source.AssertExpectations(t)
}

func TestProxyResolutionFailure(t *testing.T) {
	source := new(MockSource)
	source.On("GetProxiesForURL", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, proxy.ErrPACUnavailable)

	svc := testServices(t)
	svc.Proxies = source

	req := transfer.NewRequest(http.MethodGet, "http://example.com/").WithRetry(transfer.RetryFixed, 3)
	resp := run(New(context.Background(), svc, req, nil))

	assert.Equal(t, transfer.StatusCouldNotResolveProxy, resp.Status)
	assert.Equal(t, 1, resp.Attempts)
	assert.Zero(t, svc.Pool.Stats().Created)
	assert.Zero(t, svc.Registry.Len())
}

func TestProxyCredentialsApplied(t *testing.T) {
	source := new(MockSource)
	source.On("GetProxiesForURL", mock.Anything, mock.Anything, mock.Anything).
		Return([]*url.URL{{Scheme: "http", Host: "proxy:3128"}}, nil)

	svc := testServices(t)
	svc.Proxies = source

	req := transfer.NewRequest(http.MethodGet, "http://example.com/")
	req.ProxyCredentials = transfer.Credentials{Username: "alice", Password: "secret"}
	e := New(context.Background(), svc, req, nil)

	require.NoError(t, e.resolveProxies())
	require.Len(t, e.State().Proxies, 1)
	assert.Equal(t, "alice", e.State().Proxies[0].User.Username())
}

func TestDefaultProxyDescriptor(t *testing.T) {
	svc := testServices(t)
	svc.DefaultProxy.Set(&proxy.Descriptor{URL: "http://default:1"})

	e := New(context.Background(), svc, transfer.NewRequest(http.MethodGet, "http://a/"), nil)
	assert.Equal(t, "http://default:1", e.descriptor.URL)

	req := transfer.NewRequest(http.MethodGet, "http://a/")
	req.Proxy = &proxy.Descriptor{URL: "http://override:2"}
	e = New(context.Background(), svc, req, nil)
	assert.Equal(t, "http://override:2", e.descriptor.URL)
}

func TestInvalidURL(t *testing.T) {
	resp := run(New(context.Background(), testServices(t), transfer.NewRequest(http.MethodGet, "not a url"), nil))
	assert.Equal(t, transfer.StatusUnknownError, resp.Status)
}

func TestRequestSnapshot(t *testing.T) {
	req := transfer.NewRequest(http.MethodGet, "http://a/")
	req.Header.Set("X-A", "1")
	e := New(context.Background(), testServices(t), req, nil)

	req.Header.Set("X-A", "2")
	req.URL = "http://b/"
	assert.Equal(t, "1", e.Request().Header.Get("X-A"))
	assert.Equal(t, "http://a/", e.Request().URL)
}

func TestRetryDecision(t *testing.T) {
	direct := []*url.URL{nil}
	twoProxies := []*url.URL{{Host: "a:1"}, nil}

	tests := []struct {
		name      string
		policy    transfer.RetryPolicy
		retries   int
		onConnect bool
		proxies   []*url.URL
		truncated bool
		statuses  []transfer.ConnectionStatus
		want      []bool
	}{
		{
			name:     "dont retry",
			policy:   transfer.DontRetry,
			retries:  3,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusTimeout},
			want:     []bool{false},
		},
		{
			name:     "fixed retries count down",
			policy:   transfer.RetryFixed,
			retries:  2,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusTimeout, transfer.StatusConnectionLost, transfer.StatusTimeout},
			want:     []bool{true, true, false},
		},
		{
			name:     "zero max retries never retries",
			policy:   transfer.RetryFixed,
			retries:  0,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusTimeout},
			want:     []bool{false},
		},
		{
			name:     "unlimited",
			policy:   transfer.RetryFixed,
			retries:  transfer.UnlimitedRetries,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusTimeout, transfer.StatusTimeout, transfer.StatusConnectionLost},
			want:     []bool{true, true, true},
		},
		{
			name:     "certificate error is terminal",
			policy:   transfer.RetryFixed,
			retries:  3,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusCertificateError},
			want:     []bool{false},
		},
		{
			name:     "canceled is terminal",
			policy:   transfer.RetryFixed,
			retries:  transfer.UnlimitedRetries,
			proxies:  twoProxies,
			statuses: []transfer.ConnectionStatus{transfer.StatusCanceled},
			want:     []bool{false},
		},
		{
			name:      "could not connect retried once",
			policy:    transfer.RetryFixed,
			retries:   3,
			onConnect: true,
			proxies:   direct,
			statuses:  []transfer.ConnectionStatus{transfer.StatusCouldNotConnect, transfer.StatusCouldNotConnect},
			want:      []bool{true, false},
		},
		{
			name:     "could not connect without the flag",
			policy:   transfer.RetryFixed,
			retries:  3,
			proxies:  direct,
			statuses: []transfer.ConnectionStatus{transfer.StatusCouldNotConnect},
			want:     []bool{false},
		},
		{
			name:     "next proxy regardless of policy",
			policy:   transfer.DontRetry,
			proxies:  twoProxies,
			statuses: []transfer.ConnectionStatus{transfer.StatusCouldNotResolveProxy, transfer.StatusCouldNotConnect},
			want:     []bool{true, false},
		},
		{
			name:      "truncation retried regardless of policy",
			policy:    transfer.DontRetry,
			proxies:   direct,
			truncated: true,
			statuses:  []transfer.ConnectionStatus{transfer.StatusConnectionLost, transfer.StatusConnectionLost, transfer.StatusConnectionLost, transfer.StatusConnectionLost},
			want:      []bool{true, true, true, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := transfer.NewRequest(http.MethodGet, "http://a/").WithRetry(tt.policy, tt.retries)
			req.RetryOnCouldNotConnect = tt.onConnect
			e := New(context.Background(), testServices(t), req, nil)
			e.state.Proxies = append([]*url.URL(nil), tt.proxies...)

			before := e.state.RetriesLeft
			for i, status := range tt.statuses {
				e.phase = PhaseFinalized
				e.state.Status = status
				e.truncated = tt.truncated
				assert.Equal(t, tt.want[i], e.ShouldRetry(), "decision %d", i)
				assert.LessOrEqual(t, e.state.RetriesLeft, before)
				before = e.state.RetriesLeft
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	svc := testServices(t)
	svc.Defaults.RetryBackoff = transfer.Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond}

	e := New(context.Background(), svc, transfer.NewRequest(http.MethodGet, "http://a/"), nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
		{6, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		e.state.Attempts = tt.attempts
		assert.Equal(t, tt.want, e.backoff())
	}

	req := transfer.NewRequest(http.MethodGet, "http://a/")
	req.RetryBackoff = transfer.Backoff{Min: time.Second, Max: time.Second}
	e = New(context.Background(), svc, req, nil)
	e.state.Attempts = 1
	assert.Equal(t, time.Second, e.backoff())

	e = New(context.Background(), testServices(t), transfer.NewRequest(http.MethodGet, "http://a/"), nil)
	assert.Zero(t, e.backoff())
}

func TestResolveTwiceReturnsFirstResponse(t *testing.T) {
	if contract.Enabled {
		t.Skip("contract violations panic in debug builds")
	}

	var delivered atomic.Int32
	e := New(context.Background(), testServices(t), transfer.NewRequest(http.MethodGet, "http://a/"),
		func(*transfer.Response) { delivered.Add(1) })
	first := e.ResolveCanceled()

	assert.Same(t, first, e.Resolve())
	assert.Equal(t, int32(1), delivered.Load())
}
