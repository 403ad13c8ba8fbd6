// Package config provides 12-factor configuration management for netengine hosts.
//
// Configuration is built from defaults, optionally overlaid by a TOML or YAML
// file, and finally by environment variables. Environment always wins.
//
// Configuration Sections:
//   - Connections: per-host and total connection limits, idle pooling
//   - Pool: transfer handle cache size
//   - Gate: worker concurrency and admission queue for non-idempotent verbs
//   - Proxy: default proxy descriptor and environment proxy lookup
//   - TLS: certificate validation and trust bundle location
//   - Retry: delay bounds between retry attempts
//   - RateLimit: engine-wide request start budget
//   - Logging: log level and output format
//
// Example Usage:
//
//	cfg, err := config.LoadFile("netengine.toml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("max %d connections per host\n", cfg.Connections.MaxPerHost)
//
// Environment Variables (all prefixed NETENGINE_):
//   - CONN_MAX_PER_HOST, CONN_MAX_TOTAL, CONN_IDLE_PER_HOST, CONN_IDLE_TIMEOUT
//   - POOL_SIZE, GATE_CONCURRENCY, GATE_QUEUE_SIZE, GATE_METHODS, GATE_ALL_NON_IDEMPOTENT
//   - PROXY_URL, PROXY_USERNAME, PROXY_PASSWORD, PROXY_BYPASS, PROXY_PAC_URL, PROXY_USE_ENV
//   - TLS_VALIDATE, TLS_ASSETS_PATH, TLS_BUNDLE
//   - RETRY_MIN_WAIT, RETRY_MAX_WAIT
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST
//   - LOG_LEVEL, LOG_DEV
package config
