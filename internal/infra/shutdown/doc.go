// Package shutdown provides graceful shutdown for Synap.
//
// This package handles process termination signals:
//
//   - Signal handling (SIGINT, SIGTERM)
//   - Timeout-bounded context passed to shutdown hooks
//   - Cleanup callback registration
//   - Shutdown coordination
//
// Usage:
//
//	h := shutdown.NewHandler(30 * time.Second)
//	h.OnShutdown(func(ctx context.Context) error { ... })
//	err := h.Wait() // blocks until SIGINT/SIGTERM, then runs the hooks
//
// @design DS-0501
package shutdown
