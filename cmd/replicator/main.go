package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/replicator"
	"github.com/bft-labs/replicator/internal/adapters/fs"
	mgmt "github.com/bft-labs/replicator/internal/adapters/http"
	"github.com/bft-labs/replicator/internal/cliconfig"
	"github.com/bft-labs/replicator/pkg/log"
	"github.com/bft-labs/replicator/plugins/configwatcher"
	"github.com/bft-labs/replicator/plugins/dummy"
)

const helpDescription = `
Run a replicator: a lifecycle controller that drives a replication plugin
through its offline, synchronizing and online states and exposes the
management operations over HTTP.

Highlights:
  - One management operation at a time; errors jump the queue.
  - Bounded auto-recovery of replication failures.
  - Properties from TOML files, reloaded while offline.
  - Configure via file, env (REPLICATOR_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  replicator --properties /etc/replicator/replicator.toml --auto-enable
  replicator --config $HOME/.replicator/config.toml --listen 0.0.0.0:10000
`)

const shutdownTimeout = 10 * time.Second

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:     "replicator",
		Short:   "Run a replicator lifecycle controller",
		Long:    strings.TrimSpace(helpDescription),
		Example: exampleUsage,
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = cliconfig.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			// file < env < flags
			if cfgFile != "" && cliconfig.FileExists(cfgFile) {
				fc, err := cliconfig.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := cliconfig.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			zl, err := cliconfig.Logger(cfg.LogLevel)
			if err != nil {
				return err
			}
			zl.Info().Interface("config", cfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log.NewZerologAdapterWithLogger(zl))
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.replicator/config.toml)")
	root.Flags().StringVar(&cfg.PropertiesFile, "properties", cfg.PropertiesFile, "static properties file (TOML)")
	root.Flags().StringVar(&cfg.DynamicFile, "dynamic-properties", cfg.DynamicFile, "dynamic properties file (defaults next to the static file)")
	root.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "management server address")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")

	root.Flags().StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "replication service name")
	root.Flags().StringVar(&cfg.Role, "role", cfg.Role, "initial role (master or slave)")
	root.Flags().BoolVar(&cfg.AutoEnable, "auto-enable", cfg.AutoEnable, "go online right after start")
	root.Flags().BoolVar(&cfg.ForceOffline, "force-offline", cfg.ForceOffline, "stay offline even with auto-enable")
	root.Flags().BoolVar(&cfg.AutoOnlineAfterProvision, "auto-online-after-provision", cfg.AutoOnlineAfterProvision, "go online when provisioning completes")
	root.Flags().BoolVar(&cfg.ConsistencyStop, "consistency-stop", cfg.ConsistencyStop, "stop replication on consistency check failures")

	root.Flags().IntVar(&cfg.AutoRecoveryMaxAttempts, "auto-recovery-max-attempts", cfg.AutoRecoveryMaxAttempts, "consecutive auto-recovery attempts (0 disables)")
	root.Flags().DurationVar(&cfg.AutoRecoveryDelay, "auto-recovery-delay", cfg.AutoRecoveryDelay, "delay before each auto-recovery attempt")
	root.Flags().DurationVar(&cfg.AutoRecoveryResetInterval, "auto-recovery-reset-interval", cfg.AutoRecoveryResetInterval, "online time after which the attempt counter resets")

	root.Flags().DurationVar(&cfg.DefaultTimeout, "timeout", cfg.DefaultTimeout, "default timeout of waiting operations")
	root.Flags().IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "dispatcher queue capacity")
	if err := root.Flags().MarkHidden("queue-size"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	root.Flags().BoolVar(&cfg.WatchProperties, "watch", cfg.WatchProperties, "reload the properties file on change while offline")
	root.Flags().DurationVar(&cfg.WatchDebounce, "watch-debounce", cfg.WatchDebounce, "delay after a properties change before reloading")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "replicator:", err)
		os.Exit(1)
	}
}

// run wires the controller, the management server and the property
// watcher, and blocks until ctx is cancelled or the replicator shuts down.
func run(ctx context.Context, cfg cliconfig.Config, logger log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []replicator.Option{
		replicator.WithLogger(logger),
		replicator.WithMetrics(reg),
	}
	if cfg.PropertiesFile != "" {
		opts = append(opts, replicator.WithPropertyStore(fs.NewPropertyStore(cfg.PropertiesFile, cfg.DynamicFile)))
	}
	if cfg.WatchProperties {
		w := configwatcher.New(configwatcher.Config{DebounceDelay: cfg.WatchDebounce})
		opts = append(opts, w.Option())
	}

	// the in-memory plugin is the only one wired into the binary
	c, err := replicator.New(dummy.New(), cfg.Replicator(), opts...)
	if err != nil {
		return fmt.Errorf("create replicator: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mgmt.NewHandler(c, mgmt.WithLogger(logger), mgmt.WithGatherer(reg)).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return replicator.Run(gctx, c, cfg.ForceOffline)
	})
	g.Go(func() error {
		logger.Info("management server listening", log.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("management server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// shut the server down once the replicator is gone or the group fails
		select {
		case <-gctx.Done():
		case <-c.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("replicator stopped", log.String("state", c.State()))
	return err
}
