package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/GriffinCanCode/netengine/internal/logging"
	"github.com/GriffinCanCode/netengine/internal/monitoring"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// maxScriptSize bounds a decoded PAC script.
const maxScriptSize = 4 << 20

var errScriptTooLarge = errors.New("pac script too large")

// pacFetcher downloads PAC scripts through a private engine that shares no
// pool, loop or registry with the engine resolving proxies, and always
// connects directly.
type pacFetcher struct {
	engine  *Engine
	metrics *monitoring.Metrics
	logger  *zap.Logger
	timeout time.Duration
}

func newPACFetcher(opts Options, metrics *monitoring.Metrics, logger *zap.Logger) (*pacFetcher, error) {
	private := Options{
		Logger:                    opts.Logger,
		MaxConnectionsPerHost:     2,
		MaxTotalConnections:       2,
		HandlePoolSize:            1,
		GateConcurrency:           1,
		GateQueueSize:             1,
		GatedMethods:              []string{},
		PACTimeout:                opts.PACTimeout,
		SkipCertificateValidation: opts.SkipCertificateValidation,
		RootCAs:                   opts.RootCAs,
		AssetsPath:                opts.AssetsPath,
		TrustBundle:               opts.TrustBundle,
		PollInterval:              opts.PollInterval,
		TickInterval:              opts.TickInterval,
	}
	eng, err := build(private, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create pac engine: %w", err)
	}
	return &pacFetcher{
		engine:  eng,
		metrics: metrics,
		logger:  logger.Named("pac"),
		timeout: opts.PACTimeout,
	}, nil
}

// FetchScript downloads the script at pacURL. file URLs are read from disk.
func (f *pacFetcher) FetchScript(ctx context.Context, pacURL string) (string, error) {
	u, err := url.Parse(pacURL)
	if err != nil {
		f.metrics.PACFetch("error")
		return "", fmt.Errorf("invalid pac url: %w", err)
	}

	var script []byte
	if u.Scheme == "file" {
		script, err = os.ReadFile(u.Path)
	} else {
		script, err = f.download(ctx, pacURL)
	}
	if err != nil {
		f.metrics.PACFetch("error")
		f.logger.Warn("PAC fetch failed", logging.URL("pac_url", pacURL), zap.Error(err))
		return "", err
	}

	f.metrics.PACFetch("ok")
	f.logger.Debug("PAC script fetched", logging.URL("pac_url", pacURL), zap.Int("bytes", len(script)))
	return string(script), nil
}

func (f *pacFetcher) download(ctx context.Context, pacURL string) ([]byte, error) {
	req := transfer.NewRequest(http.MethodGet, pacURL)
	req.Header.Set("Accept", "application/x-ns-proxy-autoconfig, */*")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Route = transfer.RouteEventLoop
	req.RetryOnCouldNotConnect = true
	req.Certificates = transfer.CertificatesDefault
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
		req.ConnectTimeout = f.timeout
		req.TransferTimeout = f.timeout
	}

	resp := f.engine.Do(ctx, req)
	if !resp.OK() {
		return nil, fmt.Errorf("pac download: %s", resp.Status)
	}
	if resp.HTTPStatus < 200 || resp.HTTPStatus > 299 {
		return nil, fmt.Errorf("pac download: http status %d", resp.HTTPStatus)
	}

	var r io.Reader = bytes.NewReader(resp.Bytes())
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("pac download: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	script, err := io.ReadAll(io.LimitReader(r, maxScriptSize+1))
	if err != nil {
		return nil, fmt.Errorf("pac download: %w", err)
	}
	if len(script) > maxScriptSize {
		return nil, errScriptTooLarge
	}
	return script, nil
}

// Close shuts the private engine down.
func (f *pacFetcher) Close(ctx context.Context) error {
	return f.engine.Close(ctx)
}
