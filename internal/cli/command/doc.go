// Package command provides CLI command definitions for synapctl.
//
// Unlike the teacher's tokmesh-cli (an HTTP client for a remote server),
// synapctl is an embedded admin tool: spec.md §1 places REST/command
// envelope parsing and HTTP framing out of the core's scope, so there is no
// network protocol for an admin client to speak against. Instead each
// invocation opens the storage engine directly against --data-dir, runs
// recovery, executes one command against the C13 surface, and closes the
// engine again -- the same pattern sqlite3's CLI or etcdctl's offline
// "--write-out" tooling use against an on-disk store. Because of that,
// synapctl and a running synap-server MUST NOT point at the same data_dir
// concurrently: both would try to own the same WAL/snapshot files.
package command
