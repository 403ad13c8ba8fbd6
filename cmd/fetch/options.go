package main

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/GriffinCanCode/netengine/internal/config"
	"github.com/GriffinCanCode/netengine/pkg/engine"
	"github.com/GriffinCanCode/netengine/pkg/proxy"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// engineOptions maps host configuration onto engine options.
func engineOptions(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) engine.Options {
	opts := engine.Options{
		Logger:                    logger,
		Registerer:                reg,
		MaxConnectionsPerHost:     cfg.Connections.MaxPerHost,
		MaxTotalConnections:       cfg.Connections.MaxTotal,
		MaxIdlePerHost:            cfg.Connections.IdlePerHost,
		IdleTimeout:               cfg.Connections.IdleTimeout.Std(),
		HandlePoolSize:            cfg.Pool.Size,
		GateConcurrency:           cfg.Gate.Concurrency,
		GateQueueSize:             cfg.Gate.QueueSize,
		GatedMethods:              cfg.Gate.Methods,
		GateAllNonIdempotent:      cfg.Gate.AllNonIdempotent,
		DefaultProxy:              proxyDescriptor(cfg.Proxy),
		UseEnvironmentProxy:       cfg.Proxy.UseEnv,
		PACTimeout:                cfg.Proxy.PACTimeout.Std(),
		SkipCertificateValidation: !cfg.TLS.Validate,
		AssetsPath:                cfg.TLS.AssetsPath,
		TrustBundle:               cfg.TLS.Bundle,
		RetryBackoff: transfer.Backoff{
			Min: cfg.Retry.MinWait.Std(),
			Max: cfg.Retry.MaxWait.Std(),
		},
	}
	if cfg.RateLimit.Enabled {
		opts.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		opts.Burst = cfg.RateLimit.Burst
	}
	return opts
}

func proxyDescriptor(pc config.ProxyConfig) *proxy.Descriptor {
	d := &proxy.Descriptor{
		URL:      pc.URL,
		Username: pc.Username,
		Password: pc.Password,
		Bypass:   pc.Bypass,
		PACURL:   pc.PACURL,
	}
	if d.IsZero() {
		return nil
	}
	return d
}

// targetPath picks the file a URL downloads into.
func targetPath(dir, rawURL string) string {
	name := "download"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." && base != "" {
			name = base
		} else if u.Hostname() != "" {
			name = u.Hostname()
		}
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	return filepath.Join(dir, name)
}
