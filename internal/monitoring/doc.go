/*
Package monitoring provides Prometheus metrics for the transport engine.

# Overview

Each engine instance owns one Metrics value registered on its own
prometheus.Registerer, so the private engine that downloads PAC scripts never
collides with the shared engine's series.

# Metrics

Transfers:
  - netengine_transfers_total: logical requests resolved, by connection status
  - netengine_transfer_duration_seconds: time from submission to resolution
  - netengine_transfers_active: requests submitted and not yet resolved
  - netengine_attempts_total: transfers performed, by execution path
  - netengine_retries_total: retry decisions, by reason

Bytes:
  - netengine_bytes_downloaded_total
  - netengine_bytes_uploaded_total

Resources:
  - netengine_handles_idle: handles parked in the pool
  - netengine_handles_created_total
  - netengine_suspended: 1 while the engine is draining

Proxies:
  - netengine_proxy_resolutions_total: by source and result
  - netengine_pac_fetches_total: by result

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.New(reg)
	metrics.TransferFinished("ok", 120*time.Millisecond)

	snap := metrics.GetSnapshot()
*/
package monitoring
