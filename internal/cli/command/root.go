package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/synap/synap/internal/cli/output"
	"github.com/synap/synap/internal/config"
	"github.com/synap/synap/internal/infra/confloader"
	"github.com/synap/synap/internal/storage"
)

// Build information, set via ldflags (mirrors the teacher's command.Version/
// Commit/BuildTime vars).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// App creates the synapctl CLI application.
func App() *cli.App {
	app := &cli.App{
		Name:    "synapctl",
		Usage:   "Synap embedded administration tool",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			KVCommand(),
			QueueCommand(),
			StreamCommand(),
			AdminCommand(),
		},
	}
	return app
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Aliases: []string{"d"},
			Usage:   "Synap data directory (spec.md §6.5 layout)",
			EnvVars: []string{"SYNAP_DATA_DIR"},
			Value:   "./data",
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a synap-server configuration file (spec.md §6.3)",
			EnvVars: []string{"SYNAP_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   "table",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show wide output (more columns)",
		},
	}
}

// GlobalFlags are the flags every synapctl subcommand reads.
type GlobalFlags struct {
	DataDir string
	Config  string
	Output  string
	Wide    bool
}

// ParseGlobalFlags extracts global flags from the CLI context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		DataDir: c.String("data-dir"),
		Config:  c.String("config"),
		Output:  c.String("output"),
		Wide:    c.Bool("wide"),
	}
}

// Print renders data through the format the caller requested.
func Print(c *cli.Context, data any) error {
	flags := ParseGlobalFlags(c)
	formatter := output.NewFormatter(output.Format(flags.Output), flags.Wide)
	return formatter.Format(os.Stdout, data)
}

// PrintError prints an error message to stderr, matching the teacher's
// command.PrintError convention.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

// quietLogger is the engine logger synapctl runs with -- warn level and
// above only, so a routine "kv get" doesn't scroll past recovery/background
// loop info logs the way synap-server's own logger would.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// OpenEngine opens and recovers the storage engine for --data-dir (or the
// persistence.data_dir of --config, if given), per spec.md §4.6 step 5: a
// consumer of the engine must run Recover before issuing commands. The
// returned closer flushes and closes the engine; callers must defer it.
func OpenEngine(c *cli.Context) (*storage.Engine, func() error, error) {
	flags := ParseGlobalFlags(c)

	cfg := config.Default()
	if flags.Config != "" {
		loader := confloader.NewLoader(confloader.WithConfigFile(flags.Config))
		if err := loader.Load(&cfg); err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	if flags.DataDir != "" {
		cfg.Persistence.DataDir = flags.DataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	storageCfg := cfg.StorageConfig()
	storageCfg.Logger = quietLogger()

	engine, err := storage.New(storageCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine at %q: %w", cfg.Persistence.DataDir, err)
	}
	if err := engine.Recover(context.Background()); err != nil {
		engine.Close()
		return nil, nil, fmt.Errorf("recover %q: %w", cfg.Persistence.DataDir, err)
	}
	return engine, engine.Close, nil
}
