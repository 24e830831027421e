package command

import (
	"github.com/urfave/cli/v2"

	"github.com/synap/synap/internal/core/domain"
)

// StreamCommand returns the "stream" subcommand group (spec.md §4.3):
// topic/partition management, event append/fetch, and consumer groups.
func StreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "stream",
		Usage: "Partitioned event log and consumer group commands",
		Subcommands: []*cli.Command{
			{
				Name:      "create-topic",
				Usage:     "Create a topic",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "partitions", Value: 1},
					&cli.DurationFlag{Name: "max-age", Usage: "retention: maximum record age"},
					&cli.Int64Flag{Name: "max-bytes", Usage: "retention: maximum total bytes"},
					&cli.Int64Flag{Name: "max-records", Usage: "retention: maximum record count"},
				},
				Action: streamCreateTopic,
			},
			{
				Name:      "delete-topic",
				Usage:     "Delete a topic",
				ArgsUsage: "NAME",
				Action:    streamDeleteTopic,
			},
			{
				Name:      "publish",
				Usage:     "Append an event",
				ArgsUsage: "TOPIC EVENT_TYPE PAYLOAD",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "partition-key", Usage: "route by key hash instead of round-robin"},
				},
				Action: streamPublish,
			},
			{
				Name:      "fetch",
				Usage:     "Fetch a contiguous range of records",
				ArgsUsage: "TOPIC PARTITION FROM_OFFSET",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Value: 100},
					&cli.Int64Flag{Name: "max-bytes", Value: 1 << 20},
				},
				Action: streamFetch,
			},
			{
				Name:      "join-group",
				Usage:     "Join a consumer group, triggering a rebalance",
				ArgsUsage: "TOPIC GROUP MEMBER_ID",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "strategy", Value: "range", Usage: "range|round_robin|sticky"},
				},
				Action: streamJoinGroup,
			},
			{
				Name:      "leave-group",
				Usage:     "Leave a consumer group, triggering a rebalance",
				ArgsUsage: "TOPIC GROUP MEMBER_ID",
				Action:    streamLeaveGroup,
			},
			{
				Name:      "heartbeat",
				Usage:     "Record a consumer group member heartbeat",
				ArgsUsage: "TOPIC GROUP MEMBER_ID",
				Action:    streamHeartbeat,
			},
			{
				Name:      "commit",
				Usage:     "Commit a consumer group's partition offset",
				ArgsUsage: "TOPIC GROUP PARTITION OFFSET",
				Action:    streamCommit,
			},
			{
				Name:      "fetch-for-group",
				Usage:     "Fetch records strictly after a group's committed offset",
				ArgsUsage: "TOPIC GROUP MEMBER_ID PARTITION",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "count", Value: 100},
					&cli.Int64Flag{Name: "max-bytes", Value: 1 << 20},
				},
				Action: streamFetchForGroup,
			},
		},
	}
}

func streamCreateTopic(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stream create-topic NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	cfg := domain.TopicConfig{
		Partitions: uint32(c.Uint("partitions")),
		Retention: domain.RetentionPolicy{
			MaxAgeMs:   c.Duration("max-age").Milliseconds(),
			MaxBytes:   c.Int64("max-bytes"),
			MaxRecords: c.Int64("max-records"),
		},
	}
	if cfg.Partitions == 0 {
		cfg.Partitions = 1
	}
	if err := engine.CreateTopic(c.Args().First(), cfg); err != nil {
		return err
	}
	return Print(c, map[string]any{"created": c.Args().First()})
}

func streamDeleteTopic(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stream delete-topic NAME", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.DeleteTopic(c.Args().First()); err != nil {
		return err
	}
	return Print(c, map[string]any{"deleted": c.Args().First()})
}

func streamPublish(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: stream publish TOPIC EVENT_TYPE PAYLOAD", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	partitionID, offset, err := engine.PublishEvent(
		c.Args().Get(0), c.String("partition-key"), c.Args().Get(1), []byte(c.Args().Get(2)), nil)
	if err != nil {
		return err
	}
	return Print(c, map[string]any{"partition": partitionID, "offset": offset})
}

func streamFetch(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: stream fetch TOPIC PARTITION FROM_OFFSET", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	partitionID, fromOffset, perr := parsePartitionOffset(c.Args().Get(1), c.Args().Get(2))
	if perr != nil {
		return perr
	}

	records, err := engine.Fetch(c.Args().Get(0), partitionID, fromOffset, c.Int("count"), c.Int64("max-bytes"))
	if err != nil {
		return err
	}
	return Print(c, eventRecordRows(records))
}

func streamJoinGroup(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: stream join-group TOPIC GROUP MEMBER_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	strategy := domain.RebalanceStrategy(c.String("strategy"))
	if err := engine.JoinGroup(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), strategy); err != nil {
		return err
	}
	return Print(c, map[string]any{"joined": c.Args().Get(2)})
}

func streamLeaveGroup(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: stream leave-group TOPIC GROUP MEMBER_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.LeaveGroup(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)); err != nil {
		return err
	}
	return Print(c, map[string]any{"left": c.Args().Get(2)})
}

func streamHeartbeat(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("usage: stream heartbeat TOPIC GROUP MEMBER_ID", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := engine.Heartbeat(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)); err != nil {
		return err
	}
	return Print(c, map[string]any{"ok": true})
}

func streamCommit(c *cli.Context) error {
	if c.NArg() != 4 {
		return cli.Exit("usage: stream commit TOPIC GROUP PARTITION OFFSET", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	partitionID, offset, perr := parsePartitionOffset(c.Args().Get(2), c.Args().Get(3))
	if perr != nil {
		return perr
	}
	if err := engine.Commit(c.Args().Get(0), c.Args().Get(1), partitionID, offset); err != nil {
		return err
	}
	return Print(c, map[string]any{"committed_offset": offset})
}

func streamFetchForGroup(c *cli.Context) error {
	if c.NArg() != 4 {
		return cli.Exit("usage: stream fetch-for-group TOPIC GROUP MEMBER_ID PARTITION", 1)
	}
	engine, closeFn, err := OpenEngine(c)
	if err != nil {
		return err
	}
	defer closeFn()

	partitionID, _, perr := parsePartitionOffset(c.Args().Get(3), "0")
	if perr != nil {
		return perr
	}

	records, err := engine.FetchForGroup(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), partitionID, c.Int("count"), c.Int64("max-bytes"))
	if err != nil {
		return err
	}
	return Print(c, eventRecordRows(records))
}

type eventRecordRow struct {
	Offset    uint64 `json:"offset"`
	EventType string `json:"event_type"`
	Payload   string `json:"payload"`
}

func eventRecordRows(records []domain.EventRecord) []eventRecordRow {
	rows := make([]eventRecordRow, len(records))
	for i, r := range records {
		rows[i] = eventRecordRow{Offset: r.Offset, EventType: r.EventType, Payload: string(r.Payload)}
	}
	return rows
}
