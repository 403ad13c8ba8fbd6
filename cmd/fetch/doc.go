// Command fetch downloads URLs into a directory through the transport
// engine, resuming interrupted downloads.
//
// Usage:
//
//	fetch [-config netengine.toml] [-dir out] [-retries 3] [-metrics :9090] URL...
//
// Signals drive the engine lifecycle the way a mobile host would:
//
//	SIGUSR1          enter background (suspend new work)
//	SIGUSR2          enter foreground (resume)
//	SIGINT, SIGTERM  background time expiring, then shut down
//
// One JSON line is printed per finished download. The exit status is 1 when
// any download failed.
package main
