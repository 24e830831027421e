package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synap/synap/internal/config"
	"github.com/synap/synap/internal/infra/buildinfo"
	"github.com/synap/synap/internal/infra/confloader"
	"github.com/synap/synap/internal/infra/shutdown"
	"github.com/synap/synap/internal/replication"
	"github.com/synap/synap/internal/storage"
	"github.com/synap/synap/internal/telemetry/logger"
)

func main() {
	if err := run(); err != nil {
		var se *startupError
		code := 1
		if errors.As(err, &se) {
			code = se.code
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(code)
	}
}

// startupError tags an error with the spec.md §6.6 exit code it should
// produce, so main can distinguish "configuration error" (1) from
// "bind/address error" (2) without string-matching.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func run() error {
	var (
		configFile  = flag.String("config", "", "path to configuration file")
		nodeID      = flag.String("node-id", "", "node identifier (default: generated)")
		logLevel    = flag.String("log-level", "", "override log level (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		return nil
	}

	cfg, err := loadConfig(*configFile, *nodeID)
	if err != nil {
		return &startupError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}

	log, err := initLogger(*logLevel)
	if err != nil {
		return &startupError{code: 1, err: fmt.Errorf("init logger: %w", err)}
	}
	slogLog := logger.SLog(log)

	log.Info("starting synap-server",
		"version", buildinfo.Version, "commit", buildinfo.Commit, "node_id", cfg.NodeID)

	storageCfg := cfg.StorageConfig()
	storageCfg.Logger = slogLog
	engine, err := storage.New(storageCfg)
	if err != nil {
		return &startupError{code: 2, err: fmt.Errorf("init storage: %w", err)}
	}

	if err := engine.Recover(context.Background()); err != nil {
		return fmt.Errorf("storage recovery: %w", err)
	}
	log.Info("storage recovered", "data_dir", cfg.Persistence.DataDir)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("closing storage engine")
		return engine.Close()
	})

	if cfg.Replication.Enabled {
		if err := startReplication(cfg, engine, slogLog, log, shutdownHandler); err != nil {
			return &startupError{code: 2, err: err}
		}
	}

	log.Info("synap-server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown completed with errors", "error", err)
		return err
	}

	log.Info("synap-server stopped gracefully")
	return nil
}

// startReplication wires the replication master or replica loop according to
// cfg.Replication.Role (spec.md §4.7, §6.3 replication.role) and registers
// its shutdown hook. A standalone node (the default) skips this entirely.
func startReplication(cfg config.Config, engine *storage.Engine, slogLog *slog.Logger, log logger.Logger, sh *shutdown.Handler) error {
	switch cfg.Replication.Role {
	case config.RoleMaster:
		master := replication.NewMaster(cfg.MasterConfig(), engine.ReplicationLog(), engine, slogLog)
		go func() {
			if err := master.ListenAndServe(); err != nil {
				log.Error("replication master stopped", "error", err)
			}
		}()

		sh.OnShutdown(func(ctx context.Context) error {
			log.Info("closing replication master")
			return master.Close()
		})
		log.Info("replication master starting", "listen_address", cfg.Replication.ReplicaListenAddress)

	case config.RoleReplica:
		stagingDir := filepath.Join(cfg.Persistence.DataDir, "replication-staging")
		replica := replication.NewReplica(cfg.ReplicaConfig(stagingDir), engine, slogLog)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := replica.Run(ctx); err != nil {
				log.Error("replication replica stopped", "error", err)
			}
		}()

		sh.OnShutdown(func(ctx context.Context) error {
			log.Info("stopping replication replica")
			cancel()
			replica.Close()
			return nil
		})
		log.Info("replication replica connecting", "master_address", cfg.Replication.MasterAddress)

	case config.RoleStandalone, "":
		// nothing to start

	default:
		return fmt.Errorf("unknown replication.role %q", cfg.Replication.Role)
	}
	return nil
}

// loadConfig loads and validates configuration (spec.md §6.6 exit code 1).
func loadConfig(configFile, nodeID string) (config.Config, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if configFile != "" {
		opts = append(opts, confloader.WithConfigFile(configFile))
	}
	loader := confloader.NewLoader(opts...)

	if err := loader.Load(&cfg); err != nil {
		return config.Config{}, err
	}

	switch {
	case nodeID != "":
		cfg.NodeID = nodeID
	case cfg.NodeID == "":
		cfg.NodeID = ulid.Make().String()
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func initLogger(levelOverride string) (logger.Logger, error) {
	lcfg := logger.DefaultConfig()
	if levelOverride != "" {
		lcfg.Level = levelOverride
	}
	log, err := logger.New(lcfg)
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}
