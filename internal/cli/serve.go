package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/ignatij/goapprove/internal/config"
	internal_http "github.com/ignatij/goapprove/internal/http"
	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/internal/log"
	"github.com/ignatij/goapprove/internal/tracing"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is stamped at build time.
var Version = "dev"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live event hub",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			if cfg.JWTSecret == "" {
				fail("JWT_SECRET is required")
			}
			memory, _ := cmd.Flags().GetBool("memory")
			if err := serve(cmd, cfg, memory); err != nil {
				fail("Server stopped: %v", err)
			}
		},
	}
	cmd.Flags().String("port", "", "HTTP port (defaults to HTTP_PORT)")
	cmd.Flags().Bool("memory", false, "Use the in-memory store seeded with the principals and templates of TEMPLATES_FILE")
	return cmd
}

func serve(cmd *cobra.Command, cfg config.Config, memory bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.GetLogger()

	if cfg.TraceOutput != "" {
		shutdown, err := tracing.Init("goapprove", Version, cfg.TraceOutput)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Errorf("Failed to flush traces: %v", err)
			}
		}()
	}

	var store storage.Store
	if memory {
		store = storage.NewMemoryStore()
	} else {
		store = initStore(cmd, cfg)
	}
	defer store.Close()

	hub := live.NewHub(logger)
	defer hub.Close()

	g, ctx := errgroup.WithContext(ctx)
	var sink service.NotificationSink = hub
	if cfg.RedisAddr != "" {
		client := newRedisClient(cfg)
		defer client.Close()
		sink = live.FallbackSink{Primary: newRedisSink(cfg, client), Fallback: hub}
		relay := live.NewRelay(client, cfg.RedisPrefix, hub, logger)
		g.Go(func() error { return relay.Run(ctx) })
	}

	svc := service.NewWorkflowService(store, sink, logger)
	if memory {
		if err := seedCatalog(ctx, svc, cfg.TemplatesFile); err != nil {
			return err
		}
	}

	router := internal_http.NewRouter(svc, hub, []byte(cfg.JWTSecret), cfg.RequestTimeout)
	g.Go(func() error {
		return internal_http.StartServer(ctx, cfg.HTTPPort, router, cfg.ShutdownTimeout)
	})
	return g.Wait()
}

// seedCatalog registers the catalog's principals and syncs its templates. The in-memory
// store starts empty, so this is the only way principals reach its approver resolver.
func seedCatalog(ctx context.Context, svc *service.WorkflowService, path string) error {
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	for _, p := range catalog.Principals {
		if _, err := svc.RegisterPrincipal(ctx, p); err != nil {
			return fmt.Errorf("seed principal %d: %w", p.ID, err)
		}
	}
	if _, err := svc.SyncTemplates(ctx, catalog.Templates); err != nil {
		return err
	}
	log.GetLogger().Infof("Seeded %d principals and %d templates from %s", len(catalog.Principals), len(catalog.Templates), path)
	return nil
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// newRedisSink publishes through Redis so every instance's relay reaches its own clients.
func newRedisSink(cfg config.Config, client *redis.Client) service.NotificationSink {
	return live.NewBreakerSink("redis", live.NewRedisSink(client, cfg.RedisPrefix), live.BreakerSettings{}, log.GetLogger())
}
