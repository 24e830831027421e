package command

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"
)

// AdminCommand returns the "admin" subcommand group: status reporting and
// the snapshot/recovery operations spec.md §4.6 calls "explicit request".
//
// Replication's operator-driven PromoteReplica (spec.md §4.7) is
// deliberately not exposed here: it flips the read-only flag of a *running*
// replica process, and synapctl only ever holds a short-lived engine handle
// of its own (see doc.go) -- there is no live process for an offline
// command to reach without the RPC/HTTP glue spec.md §1 places out of
// scope. Operators promote a replica by restarting it with
// replication.role=master, the one lever this core actually exposes.
func AdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Status and snapshot administration",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show KV key count and read-only status",
				Action: adminStatus,
			},
			{
				Name:  "snapshot",
				Usage: "Snapshot administration",
				Subcommands: []*cli.Command{
					{
						Name:   "create",
						Usage:  "Take a snapshot now",
						Action: adminSnapshotCreate,
					},
					{
						Name:   "list",
						Usage:  "List retained snapshots, newest first",
						Action: adminSnapshotList,
					},
				},
			},
		},
	}
}

func adminStatus(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	return Print(c, map[string]any{
		"kv_keys":   engine.DbSize(),
		"read_only": engine.IsReadOnly(),
	})
}

func adminSnapshotCreate(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	path, walOffset, replOffset, err := engine.CreateSnapshot(ctx)
	if err != nil {
		return err
	}
	return Print(c, map[string]any{
		"path":               path,
		"wal_last_offset":    walOffset,
		"replication_offset": replOffset,
	})
}

func adminSnapshotList(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	infos, err := engine.Snapshots()
	if err != nil {
		return err
	}
	return Print(c, infos)
}
