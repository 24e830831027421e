// Package domain defines the core domain models for Synap.
//
// Domain models are pure value objects and entities without any IO
// dependencies or framework coupling. This package contains:
//
//   - StoredValue: the compact tagged KV value record (Persistent/Expiring)
//   - Operation: the single tagged mutation variant shared by the WAL, the
//     replication log, and the command surface
//   - Error: the structured error-kind taxonomy every subsystem returns
package domain
