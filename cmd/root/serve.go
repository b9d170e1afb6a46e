package root

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/docker/agent-session-engine/internal/config"
	internalratelimit "github.com/docker/agent-session-engine/internal/ratelimit"
	"github.com/docker/agent-session-engine/pkg/agentrunner"
	"github.com/docker/agent-session-engine/pkg/agentruntime"
	"github.com/docker/agent-session-engine/pkg/cache"
	"github.com/docker/agent-session-engine/pkg/checkpoint"
	"github.com/docker/agent-session-engine/pkg/interruptbus"
	"github.com/docker/agent-session-engine/pkg/mcpconfig"
	"github.com/docker/agent-session-engine/pkg/requestenricher"
	"github.com/docker/agent-session-engine/pkg/server"
	"github.com/docker/agent-session-engine/pkg/session"
	"github.com/docker/agent-session-engine/pkg/sessionsvc"
	"github.com/docker/agent-session-engine/pkg/webhook"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/SSE/WebSocket session engine server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configFile)
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to an optional YAML config file (env vars always take precedence)")

	return cmd
}

// NewRuntime constructs the agent runtime client used by serve. The
// runtime process is an external collaborator (spec: "invoked as an
// opaque streaming RPC"); this module ships only the agentruntime.Runtime
// contract and tests AgentRunner against a fake, so a deployment must
// set this hook to its own runtime adapter before calling Execute.
var NewRuntime func(cfg *config.Config, log *slog.Logger) (agentruntime.Runtime, error)

func runServe(ctx context.Context, configFile string) error {
	log := slog.Default()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if NewRuntime == nil {
		return fmt.Errorf("serve: no agent runtime configured; set root.NewRuntime before Execute")
	}
	rt, err := NewRuntime(cfg, log)
	if err != nil {
		return fmt.Errorf("constructing agent runtime: %w", err)
	}

	repo, err := session.OpenPostgresRepository(cfg.DatabaseURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	if err != nil {
		return fmt.Errorf("opening session repository: %w", err)
	}
	defer repo.Close()

	redisOpts, err := redis.ParseURL(cfg.CacheURL)
	if err != nil {
		return fmt.Errorf("parsing cache_url: %w", err)
	}
	redisOpts.PoolSize = cfg.CacheMaxConns
	redisOpts.DialTimeout = cfg.CacheSocketTimeout
	redisOpts.ReadTimeout = cfg.CacheSocketTimeout
	redisOpts.WriteTimeout = cfg.CacheSocketTimeout
	c := cache.NewFromClient(redis.NewClient(redisOpts))

	sessions := sessionsvc.New(repo, c, cfg.SessionCacheTTL, log)
	resolver := mcpconfig.NewResolver(cfg.McpConfigFile, c, log)
	enricher := requestenricher.New(resolver)
	interrupts := interruptbus.New(c, log)
	checkpoints := checkpoint.New(repo, rt)
	webhookClient := webhook.NewClient(log)
	webhookRegistry := webhook.NewRegistry(c)

	runner := agentrunner.New(sessions, rt, c, webhookClient, webhookRegistry, interrupts, checkpoints, enricher, log)
	limiter := internalratelimit.New(50, 100)

	srv := server.New(runner, sessions, checkpoints, limiter, cfg.CORSOrigins, cfg.HeartbeatInterval, log)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("serve: listening", "addr", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Info("serve: shutting down")
		_ = ln.Close()
		return nil
	case err := <-errCh:
		return err
	}
}
