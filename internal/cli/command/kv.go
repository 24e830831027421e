package command

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/synap/synap/internal/core/domain"
)

// KVCommand returns the "kv" subcommand group (spec.md §4.1).
func KVCommand() *cli.Command {
	return &cli.Command{
		Name:  "kv",
		Usage: "Sharded key/value store commands",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Get a key's value",
				ArgsUsage: "KEY",
				Action:    kvGet,
			},
			{
				Name:      "set",
				Usage:     "Set a key's value",
				ArgsUsage: "KEY VALUE",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "ttl", Usage: "expire after this duration"},
					&cli.StringFlag{Name: "mode", Value: "always", Usage: "always|only_if_absent|only_if_present"},
				},
				Action: kvSet,
			},
			{
				Name:      "del",
				Aliases:   []string{"delete"},
				Usage:     "Delete one or more keys",
				ArgsUsage: "KEY [KEY...]",
				Action:    kvDelete,
			},
			{
				Name:      "exists",
				Usage:     "Check whether a key exists",
				ArgsUsage: "KEY",
				Action:    kvExists,
			},
			{
				Name:      "incr",
				Usage:     "Increment a key's integer value",
				ArgsUsage: "KEY [DELTA]",
				Action:    kvIncr,
			},
			{
				Name:      "decr",
				Usage:     "Decrement a key's integer value",
				ArgsUsage: "KEY [DELTA]",
				Action:    kvDecr,
			},
			{
				Name:      "expire",
				Usage:     "Set a key's TTL",
				ArgsUsage: "KEY DURATION",
				Action:    kvExpire,
			},
			{
				Name:      "persist",
				Usage:     "Remove a key's TTL",
				ArgsUsage: "KEY",
				Action:    kvPersist,
			},
			{
				Name:      "ttl",
				Usage:     "Show a key's remaining TTL",
				ArgsUsage: "KEY",
				Action:    kvTTL,
			},
			{
				Name:  "scan",
				Usage: "Scan keys by prefix",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prefix", Usage: "key prefix"},
					&cli.StringFlag{Name: "cursor", Usage: "opaque cursor from a previous scan"},
					&cli.IntFlag{Name: "count", Value: 100, Usage: "advisory page size"},
				},
				Action: kvScan,
			},
			{
				Name:   "flushdb",
				Usage:  "Remove all keys",
				Action: kvFlushDB,
			},
			{
				Name:   "dbsize",
				Usage:  "Count live keys",
				Action: kvDbSize,
			},
		},
	}
}

func kvGet(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: kv get KEY", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	val, ok, err := engine.Get(c.Args().First())
	if err != nil {
		return err
	}
	if !ok {
		PrintError("key not found")
		return cli.Exit("", 1)
	}
	return Print(c, map[string]any{"key": c.Args().First(), "value": string(val)})
}

func kvSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: kv set KEY VALUE", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	var ttl *time.Duration
	if d := c.Duration("ttl"); d > 0 {
		ttl = &d
	}
	outcome, err := engine.Set(c.Args().Get(0), []byte(c.Args().Get(1)), ttl, domain.SetMode(c.String("mode")))
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"outcome": string(outcome)})
}

func kvDelete(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: kv del KEY [KEY...]", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	count, err := engine.Delete(c.Args().Slice()...)
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"deleted": count})
}

func kvExists(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: kv exists KEY", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	ok, err := engine.Exists(c.Args().First())
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"exists": ok})
}

func kvIncr(c *cli.Context) error { return kvIncrDecr(c, 1) }
func kvDecr(c *cli.Context) error { return kvIncrDecr(c, -1) }

func kvIncrDecr(c *cli.Context, sign int64) error {
	if c.NArg() < 1 {
		return cli.Exit("usage: kv incr|decr KEY [DELTA]", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	delta := int64(1)
	if c.NArg() > 1 {
		if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &delta); err != nil {
			return cli.Exit("invalid delta: "+c.Args().Get(1), 1)
		}
	}
	delta *= sign

	var result int64
	if sign > 0 {
		result, err = engine.Incr(c.Args().First(), delta)
	} else {
		result, err = engine.Decr(c.Args().First(), -delta)
	}
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"value": result})
}

func kvExpire(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: kv expire KEY DURATION", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	ttl, err := time.ParseDuration(c.Args().Get(1))
	if err != nil {
		return cli.Exit("invalid duration: "+err.Error(), 1)
	}
	ok, err := engine.Expire(c.Args().First(), ttl)
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"updated": ok})
}

func kvPersist(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: kv persist KEY", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	ok, err := engine.Persist(c.Args().First())
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"updated": ok})
}

func kvTTL(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: kv ttl KEY", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	status, err := engine.Ttl(c.Args().First())
	if err != nil {
		return err
	}
	switch {
	case status.NoKey:
		return Print(c, map[string]any{"status": "no_key"})
	case status.NoExpiry:
		return Print(c, map[string]any{"status": "no_expiry"})
	default:
		return Print(c, map[string]any{"status": "seconds", "seconds": status.Seconds})
	}
}

func kvScan(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	keys, next, err := engine.Scan(c.String("prefix"), c.String("cursor"), c.Int("count"))
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"keys": keys, "next_cursor": next})
}

func kvFlushDB(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.FlushDb(); err != nil {
		return err
	}
	return Print(c, map[string]any{"flushed": true})
}

func kvDbSize(c *cli.Context) error {
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	return Print(c, map[string]any{"size": engine.DbSize()})
}
