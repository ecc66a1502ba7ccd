package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChatPortal/internal/auth"
	"ChatPortal/internal/backend"
	"ChatPortal/internal/cache"
	"ChatPortal/internal/chat"
	"ChatPortal/internal/config"
	"ChatPortal/internal/portal"
	"ChatPortal/internal/portal/web"
	"ChatPortal/internal/rag"
	"ChatPortal/internal/repl"
	"ChatPortal/internal/server"
	"ChatPortal/internal/store"
	"ChatPortal/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.ApplyEnv()

	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "Run mode (serve|repl)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address for the API server")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database for users and the exchange log")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 signing key (or PORTAL_JWT_SECRET)")
	flag.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of issued tokens")
	flag.StringVar(&cfg.RemoteAuthURL, "remote-auth-url", cfg.RemoteAuthURL, "Remote auth service probed on login (empty disables)")
	flag.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "Require a bearer token for search and chat")
	flag.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Completion cache lifetime (0 disables)")
	flag.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "TOML model catalog (defaults built in)")
	flag.StringVar(&cfg.OllamaHost, "ollama-host", cfg.OllamaHost, "Ollama base URL (or OLLAMA_HOST)")
	flag.BoolVar(&cfg.UI, "ui", cfg.UI, "Serve the browser front end at /")

	flag.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "API base URL used by the front ends (or PORTAL_API_URL)")
	flag.BoolVar(&cfg.Markdown, "markdown", cfg.Markdown, "Render answers as markdown in the browser")

	flag.StringVar(&cfg.Telemetry.Environment, "environment", cfg.Telemetry.Environment, "Deployment environment reported in telemetry")
	flag.StringVar(&cfg.Telemetry.Region, "region", cfg.Telemetry.Region, "Region reported in telemetry")
	flag.StringVar(&cfg.Telemetry.Team, "team", cfg.Telemetry.Team, "Owning team reported in telemetry")
	flag.StringVar(&cfg.Telemetry.OTLPEndpoint, "otlp-endpoint", cfg.Telemetry.OTLPEndpoint, "OTLP/HTTP trace endpoint (or OTEL_EXPORTER_OTLP_ENDPOINT)")

	flag.Parse()

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	cfg.ResolveLocalURLs(explicit)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug, cfg.Mode == config.ModeServe)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	providers, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.LogDir, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	telemetry.RecordStartup(ctx, providers.Tracer, cfg.Telemetry)
	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	switch cfg.Mode {
	case config.ModeREPL:
		p := portal.New(portal.NewClient(cfg.APIURL, nil), logger)
		return repl.New(p, os.Stdin, os.Stdout, logger).Run(ctx)
	default:
		return serve(ctx, cfg, logger, providers)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, providers telemetry.Providers) error {
	catalog, err := config.LoadCatalog(cfg.CatalogPath, cfg.OllamaHost)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	seeded, err := st.SeedUsers(ctx, store.DemoUsers)
	if err != nil {
		return fmt.Errorf("failed to seed users: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded demo users", "count", seeded)
	}

	registry, err := backend.NewRegistry(logger, providers.Tracer, providers.Meter, cache.New(cfg.CacheTTL))
	if err != nil {
		return fmt.Errorf("failed to initialize model registry: %w", err)
	}
	registry.RegisterDefaults(cfg.OllamaHost, backend.WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   chat.MessageTimeout,
	}))

	authSvc, err := auth.NewService(st, auth.Options{
		Secret:        cfg.JWTSecret,
		TTL:           cfg.TokenTTL,
		RemoteAuthURL: cfg.RemoteAuthURL,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   2 * time.Second,
		},
		Tracer: providers.Tracer,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	var ui http.Handler
	if cfg.UI {
		client := portal.NewClient(cfg.APIURL, nil)
		var opts []portal.Option
		if cfg.Markdown {
			opts = append(opts, portal.WithMarkdown(portal.NewMarkdown()))
		}
		ui, err = web.New(func() *portal.Portal { return portal.New(client, logger, opts...) }, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize browser front end: %w", err)
		}
	}

	srv, err := server.New(server.Options{
		Auth:        authSvc,
		RAG:         rag.NewService(rag.NewRetriever(rag.DefaultCorpus), catalog.RAG, registry, providers.Tracer, logger),
		Chat:        chat.NewService(catalog.Chat, registry, providers.Tracer, logger),
		Credentials: st,
		Exchanges:   st,
		UI:          ui,
		RequireAuth: cfg.RequireAuth,
		Logger:      logger,
		Meter:       providers.Meter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.Addr, "ui", cfg.UI, "require_auth", cfg.RequireAuth)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		srv.Wait()
		logger.Info("server stopped")
		return err
	})
	return g.Wait()
}
