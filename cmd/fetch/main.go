package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GriffinCanCode/netengine/internal/config"
	"github.com/GriffinCanCode/netengine/internal/logging"
	"github.com/GriffinCanCode/netengine/pkg/engine"
	"github.com/GriffinCanCode/netengine/pkg/transfer"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// summary is printed as one JSON line per finished download.
type summary struct {
	URL        string `json:"url"`
	File       string `json:"file"`
	Status     string `json:"status"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Attempts   int    `json:"attempts"`
	Bytes      int64  `json:"bytes"`
	ElapsedMS  int64  `json:"elapsed_ms"`
}

func main() {
	configPath := flag.String("config", "", "Config file (.toml, .yaml)")
	dir := flag.String("dir", ".", "Download directory")
	retries := flag.Int("retries", 3, "Retries per download")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if flag.NArg() == 0 {
		logger.Fatal("No URLs given")
	}
	if err := os.MkdirAll(*dir, 0o755); err != nil {
		logger.Fatal("Failed to create download directory", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	eng, err := engine.New(engineOptions(cfg, logger.Logger, reg))
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, logger.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, eng, logger.Logger)

	failed := download(ctx, eng, *dir, *retries, flag.Args())

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Error("Engine shutdown incomplete", zap.Error(err))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// download fetches every URL concurrently and returns the failure count.
func download(ctx context.Context, eng *engine.Engine, dir string, retries int, urls []string) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, raw := range urls {
		raw := raw
		file := targetPath(dir, raw)
		req := transfer.NewRequest(http.MethodGet, raw).WithRetry(transfer.ResumeTransfer, retries)
		req.ResponseBody = transfer.NewFileBody(file)

		start := time.Now()
		ch := eng.Go(ctx, req)

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := <-ch

			line, _ := sonic.Marshal(summary{
				URL:        raw,
				File:       file,
				Status:     resp.Status.String(),
				HTTPStatus: resp.HTTPStatus,
				Attempts:   resp.Attempts,
				Bytes:      resp.Body.Length(),
				ElapsedMS:  time.Since(start).Milliseconds(),
			})

			mu.Lock()
			defer mu.Unlock()
			fmt.Println(string(line))
			if !resp.OK() || resp.HTTPStatus >= 400 {
				failed++
			}
		}()
	}
	wg.Wait()
	return failed
}

// handleSignals maps process signals onto the engine lifecycle.
func handleSignals(ctx context.Context, cancel context.CancelFunc, eng *engine.Engine, logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				eng.EnterBackground()
			case syscall.SIGUSR2:
				eng.EnterForeground()
			default:
				logger.Info("Shutting down", zap.String("signal", sig.String()))
				eng.BackgroundTimeExpiring(cancel)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", zap.Error(err))
	}
}
