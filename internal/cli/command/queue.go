package command

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/synap/synap/internal/core/domain"
)

// QueueCommand returns the "queue" subcommand group (spec.md §4.2).
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Durable work queue commands",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				Usage:     "Create a queue",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "max-depth", Value: 10_000},
					&cli.IntFlag{Name: "default-priority", Value: 0},
					&cli.DurationFlag{Name: "ack-deadline", Value: 30 * time.Second},
					&cli.IntFlag{Name: "max-retries", Value: 5},
				},
				Action: queueCreate,
			},
			{
				Name:      "delete",
				Usage:     "Delete a queue",
				ArgsUsage: "NAME",
				Action:    queueDelete,
			},
			{
				Name:      "publish",
				Usage:     "Publish a message",
				ArgsUsage: "NAME PAYLOAD",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "priority", Value: 0, Usage: "0-9, higher delivers first"},
				},
				Action: queuePublish,
			},
			{
				Name:      "consume",
				Usage:     "Consume the next ready message",
				ArgsUsage: "NAME CONSUMER_ID",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: 0, Usage: "how long to wait for a message"},
					&cli.DurationFlag{Name: "lease", Value: 30 * time.Second, Usage: "lease duration"},
				},
				Action: queueConsume,
			},
			{
				Name:      "ack",
				Usage:     "Acknowledge a leased message",
				ArgsUsage: "NAME MESSAGE_ID",
				Action:    queueAck,
			},
			{
				Name:      "nack",
				Usage:     "Negatively acknowledge a leased message",
				ArgsUsage: "NAME MESSAGE_ID",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "requeue", Value: true, Usage: "requeue subject to max-retries"},
				},
				Action: queueNack,
			},
			{
				Name:      "purge",
				Usage:     "Remove all messages from a queue",
				ArgsUsage: "NAME",
				Action:    queuePurge,
			},
			{
				Name:      "stats",
				Usage:     "Show queue depth/lease/DLQ counts",
				ArgsUsage: "NAME",
				Action:    queueStats,
			},
		},
	}
}

func queueCreate(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: queue create NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	cfg := domain.QueueConfig{
		MaxDepth:        c.Uint64("max-depth"),
		DefaultPriority: uint8(c.Int("default-priority")),
		AckDeadlineMs:   c.Duration("ack-deadline").Milliseconds(),
		MaxRetries:      uint32(c.Int("max-retries")),
	}
	if err := engine.CreateQueue(c.Args().First(), cfg); err != nil {
		return err
	}
	return Print(c, map[string]any{"created": c.Args().First()})
}

func queueDelete(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: queue delete NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.DeleteQueue(c.Args().First()); err != nil {
		return err
	}
	return Print(c, map[string]any{"deleted": c.Args().First()})
}

func queuePublish(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: queue publish NAME PAYLOAD", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	msg, err := engine.Publish(c.Args().Get(0), []byte(c.Args().Get(1)), uint8(c.Int("priority")), nil)
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"message_id": msg.ID})
}

func queueConsume(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: queue consume NAME CONSUMER_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	var cancel context.CancelFunc
	if d := c.Duration("timeout"); d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	msg, err := engine.Consume(ctx, c.Args().Get(0), c.Args().Get(1), c.Duration("lease").Milliseconds())
	if err != nil {
		return err
	}
	if msg == nil {
		return Print(c, map[string]any{"message": nil})
	}
	return Print(c, map[string]any{
		"message_id":     msg.ID,
		"payload":        string(msg.Payload),
		"priority":       msg.Priority,
		"retries_so_far": msg.RetriesSoFar,
	})
}

func queueAck(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: queue ack NAME MESSAGE_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.Ack(c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	return Print(c, map[string]any{"acked": c.Args().Get(1)})
}

func queueNack(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: queue nack NAME MESSAGE_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.Nack(c.Args().Get(0), c.Args().Get(1), c.Bool("requeue")); err != nil {
		return err
	}
	return Print(c, map[string]any{"nacked": c.Args().Get(1), "requeue": c.Bool("requeue")})
}

func queuePurge(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: queue purge NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.PurgeQueue(c.Args().First()); err != nil {
		return err
	}
	return Print(c, map[string]any{"purged": c.Args().First()})
}

func queueStats(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: queue stats NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := engine.QueueStats(c.Args().First())
	if err != nil {
		return err
	}
	return Print(c, stats)
}
