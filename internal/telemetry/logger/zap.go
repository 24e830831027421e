// Package logger provides structured logging for Synap.
//
// This file is reserved to match the approved code skeleton
// (`specs/governance/code-skeleton.md`: `internal/telemetry/logger/zap.go`).
//
// Current implementation lives in logger.go (based on log/slog).
package logger

