package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/tenant-meter/internal/auth"
	"github.com/vnmchuo/tenant-meter/internal/provider"
	"github.com/vnmchuo/tenant-meter/internal/provider/providers"
	"github.com/vnmchuo/tenant-meter/internal/proxy"
	"github.com/vnmchuo/tenant-meter/internal/quota"
	"github.com/vnmchuo/tenant-meter/internal/seeder"
	"github.com/vnmchuo/tenant-meter/internal/telemetry"
	"github.com/vnmchuo/tenant-meter/internal/worker"
	"github.com/vnmchuo/tenant-meter/pkg/logger"
)

const pruneInterval = 5 * time.Minute

var (
	serveMigrate bool
	serveSeed    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the metering gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply database migrations before serving")
	serveCmd.Flags().BoolVar(&serveSeed, "seed", os.Getenv("RUN_SEED") == "true", "create the demo tenant and key")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	log := logger.Named("serve")

	shutdownTracer, err := telemetry.InitTracer(ctx, appName, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveMigrate {
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}
	if serveSeed || cfg.MemoryMode {
		if err := seeder.SeedTestTenant(ctx, a.directory, a.core, seeder.DefaultOpeningBalance, logger.Named("seeder")); err != nil {
			return err
		}
	}

	upstreams := providers.FromKeys(map[provider.Kind]string{
		provider.KindOpenAI: cfg.OpenAIAPIKey,
		provider.KindGemini: cfg.GeminiAPIKey,
		provider.KindClaude: cfg.AnthropicAPIKey,
	})
	if len(upstreams) == 0 {
		log.Warn("no provider API keys configured; chat completions will return 503")
	}

	handler := proxy.NewHandler(a.core, a.directory, a.ledger, proxy.NewRouter(upstreams), otel.Tracer(appName),
		proxy.WithWebhookSecret(cfg.StripeWebhookSecret),
		proxy.WithLogger(logger.Named("proxy")),
	)
	routes := proxy.Routes(handler,
		auth.NewMiddleware(a.core, logger.Named("auth")),
		auth.NewServiceMiddleware(cfg.ServiceToken),
		auth.NewAdminMiddleware(cfg.AdminToken),
	)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("%s starting on port %s", appName, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	if local, ok := a.window.(*quota.LocalWindow); ok {
		g.Go(func() error {
			if err := worker.Every(gctx, pruneInterval, local, log); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
