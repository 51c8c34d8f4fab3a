package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/itskum47/deployplane/control_plane/agents"
	"github.com/itskum47/deployplane/control_plane/auth"
	"github.com/itskum47/deployplane/control_plane/config"
	"github.com/itskum47/deployplane/control_plane/idempotency"
	"github.com/itskum47/deployplane/control_plane/jobs"
	"github.com/itskum47/deployplane/control_plane/middleware"
	"github.com/itskum47/deployplane/control_plane/ratelimit"
	"github.com/itskum47/deployplane/control_plane/registry"
	"github.com/itskum47/deployplane/control_plane/store"
	"github.com/itskum47/deployplane/control_plane/streaming"
	"github.com/itskum47/deployplane/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "deployplane",
		Short:         "Deployment control plane for remote agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger("control-plane", logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for tooling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			v, err := newVerifier(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			tok, err := v.GenerateToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed as the token subject")
	cmd.MarkFlagRequired("user")
	return cmd
}

func newVerifier(cfg *config.Config, logger *zap.Logger) (*auth.JWTVerifier, error) {
	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using development secret")
		secret = auth.DevSecret
	}
	return auth.NewJWTVerifier(secret, 24*time.Hour)
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to postgres")
	return pg, nil
}

func openIdempotency(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*idempotency.Store, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory idempotency cache")
		return idempotency.NewStore(idempotency.NewMemoryBackend(), logger), func() {}, nil
	}
	rb, err := idempotency.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("using redis idempotency cache", zap.String("addr", cfg.RedisAddr))
	return idempotency.NewStore(rb, logger), func() { rb.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	idem, closeIdem, err := openIdempotency(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.New(logger.Named("registry"))
	hub := streaming.NewHub(logger.Named("streaming"))
	am := agents.NewManager(st, verifier, agents.Options{
		LivenessWindow:        cfg.LivenessWindow,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		RequireHeartbeatToken: cfg.RequireHeartbeatToken,
		PublicURL:             cfg.PublicURL,
		DefaultDeployDir:      cfg.DefaultDeployDir,
		AgentDownloadURL:      cfg.AgentDownloadURL,
	}, logger.Named("agents"))
	js := jobs.NewService(st, logger.Named("jobs"))
	dispatcher := NewDispatcher(js, am, reg, hub, logger.Named("dispatcher"))

	heartbeats := ratelimit.NewGuard(cfg.HeartbeatRate, cfg.HeartbeatBurst, cfg.AgentHeartbeatRate, cfg.AgentHeartbeatBurst)
	// One reconnect per second per agent comfortably covers the agent's 3-5s backoff.
	streams := ratelimit.NewKeyedLimiter(1, 3)

	monitor := agents.NewMonitor(st, cfg.MonitorInterval, cfg.LivenessWindow, prunerSet{heartbeats, streams}, logger.Named("monitor"))
	monitor.Start(ctx)

	api := NewAPI(am, js, dispatcher, reg, hub, verifier, idem, heartbeats, logger.Named("api"))
	handler := logging.RequestIDMiddleware(middleware.CORS(cfg.CORSAllowedOrigins)(api.Router(streams)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Long-lived streams are not tracked by Shutdown; closing them lets their
	// handlers return.
	reg.Close()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// prunerSet prunes several keyed limiters from one monitor.
type prunerSet []agents.Pruner

func (p prunerSet) Prune(idle time.Duration) int {
	n := 0
	for _, pr := range p {
		n += pr.Prune(idle)
	}
	return n
}
