// Package main provides the entry point for synap-server, the process that
// hosts Synap's in-memory KV store, work queue, event log, and pub/sub
// router behind the WAL/snapshot/replication persistence layer.
package main
