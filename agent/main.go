package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "deploy-agent",
		Short:         "Deployment agent that executes jobs from the control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), configureCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "deploy-agent", Version)
		},
	}
}

// configureCmd writes the config file, for hosts set up without the
// install script. A running agent picks the change up by itself.
func configureCmd() *cobra.Command {
	var (
		configPath string
		cfg        Config
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write the agent identity to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			path := configPath
			if path == "" {
				var err error
				if path, err = DefaultConfigPath(); err != nil {
					return err
				}
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to config.json (default ~/.uptime-agent/config.json)")
	f.StringVar(&cfg.AgentID, "agent-id", "", "agent id issued by the control plane")
	f.StringVar(&cfg.Token, "token", "", "agent token issued by the control plane")
	f.StringVar(&cfg.ServerURL, "server-url", "", "control plane base URL")
	f.StringVar(&cfg.DeployDir, "deploy-dir", "", "deploy base directory")
	f.StringVar(&cfg.WorkDir, "work-dir", "", "default working directory for service commands")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and execute jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadOverrides()
			if err != nil {
				return err
			}
			path := firstNonEmpty(configPath, o.ConfigPath)
			if path == "" {
				if path, err = DefaultConfigPath(); err != nil {
					return err
				}
			}
			cfg, err := LoadConfig(path, o)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger("agent", logging.Options{Level: o.LogLevel, Format: o.LogFormat})
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWithReload(ctx, path, cfg, o, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json (default ~/.uptime-agent/config.json)")
	return cmd
}

// runWithReload restarts the agent session whenever the config file on disk
// changes, so a rerun install script takes effect without a process restart.
func runWithReload(ctx context.Context, path string, cfg *Config, o envOverrides, logger *zap.Logger) error {
	for {
		sessCtx, cancel := context.WithCancel(ctx)
		changed := make(chan *Config, 1)
		go func(current *Config) {
			err := watchConfig(sessCtx, path, current, o, logger.Named("config"), func(next *Config) {
				select {
				case changed <- next:
				default:
				}
				cancel()
			})
			if err != nil {
				logger.Warn("config reload disabled", zap.Error(err))
			}
		}(cfg)

		err := run(sessCtx, cfg, NewClient(cfg), execRunner{}, logger)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		select {
		case next := <-changed:
			logger.Info("reconnecting with updated config")
			cfg = next
		default:
			return err
		}
	}
}

// run blocks until ctx is cancelled. Transient control-plane failures are
// retried and never end it.
func run(ctx context.Context, cfg *Config, cp ControlPlane, exec CommandRunner, logger *zap.Logger) error {
	logger = logger.With(zap.String("agent_id", cfg.AgentID))
	logger.Info("agent starting", zap.String("version", Version), zap.String("server", cfg.ServerURL))

	hs, err := handshakeUntilReady(ctx, cp, handshakeRetry, logger)
	if err != nil {
		logger.Info("agent stopped before handshake")
		return nil
	}
	interval := time.Duration(hs.HeartbeatIntervalMs) * time.Millisecond
	logger.Info("handshake complete", zap.String("push_channel", hs.PushChannelURL), zap.Duration("heartbeat_interval", interval))

	queue := newJobQueue()
	runner := NewRunner(cp, exec, cfg, logger.Named("runner"))
	stream := newPushStream(hs.PushChannelURL, cfg.Token, queue, logger.Named("stream"))

	done := make(chan struct{}, 3)
	go func() { runHeartbeats(ctx, cp, interval, logger.Named("heartbeat")); done <- struct{}{} }()
	go func() { stream.Run(ctx); done <- struct{}{} }()
	go func() { queue.Run(ctx, runner.Handle); done <- struct{}{} }()

	<-ctx.Done()
	logger.Info("shutting down")
	for i := 0; i < 3; i++ {
		<-done
	}
	logger.Info("agent stopped")
	return nil
}
