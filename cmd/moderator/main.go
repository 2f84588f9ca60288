package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/valinor-ai/moderator/internal/auth"
	"github.com/valinor-ai/moderator/internal/moderation"
	"github.com/valinor-ai/moderator/internal/notify"
	"github.com/valinor-ai/moderator/internal/pipeline"
	"github.com/valinor-ai/moderator/internal/platform/config"
	"github.com/valinor-ai/moderator/internal/platform/database"
	"github.com/valinor-ai/moderator/internal/platform/metrics"
	"github.com/valinor-ai/moderator/internal/platform/server"
	"github.com/valinor-ai/moderator/internal/platform/telemetry"
	"github.com/valinor-ai/moderator/internal/policy"
	"github.com/valinor-ai/moderator/internal/provider"
	"github.com/valinor-ai/moderator/internal/store"
	"github.com/valinor-ai/moderator/internal/stream"
)

const version = "0.1.0"

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = runToken(os.Args[2:], os.Stdout)
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("moderator starting",
		"version", version,
		"port", cfg.Server.Port,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// Result store: Postgres when configured, memory otherwise.
	var (
		results store.Store = store.NewMemoryStore()
		pool    *database.Pool
	)
	if cfg.Database.URL != "" {
		slog.Info("connecting to database")
		p, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			slog.Warn("database connection failed, using in-memory result store", "error", err)
		} else {
			pool = p
			defer pool.Close()

			if err := database.RunMigrations(ctx, pool); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			slog.Info("migrations complete")
			results = store.NewPostgresStore(pool)
		}
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		results = store.NewCachedStore(results, rdb, cfg.Redis.TTL(), telemetry.Component(logger, "cache"))
		slog.Info("result cache enabled")
	}

	// Settings
	settings, err := policy.NewStore(policy.Default())
	if err != nil {
		return fmt.Errorf("creating settings store: %w", err)
	}
	if path := cfg.Policy.Path; path != "" {
		if cfg.Policy.Watch {
			err = settings.WatchFile(ctx, path)
		} else {
			var loaded policy.Config
			if loaded, err = policy.LoadFile(path); err == nil {
				err = settings.Update(loaded)
			}
		}
		if err != nil {
			return fmt.Errorf("loading policy %s: %w", path, err)
		}
		slog.Info("policy loaded", "path", path, "watch", cfg.Policy.Watch)
	}

	// Providers
	providers := buildProviders(cfg.Providers)
	if len(providers) == 0 {
		slog.Warn("no providers enabled, every request will be blocked as indeterminate")
	}
	limiter := provider.NewLimiter(int64(cfg.Providers.MaxConcurrent), m.SetProviderInflight)
	client := provider.NewClient(providers, limiter, provider.ClientConfig{
		AttemptTimeout:  cfg.Providers.AttemptTimeout(),
		RetryTimeout:    cfg.Providers.RetryTimeout(),
		RetryDelay:      cfg.Providers.RetryDelay(),
		BreakerFailures: uint32(max(cfg.Providers.BreakerFailures, 1)),
		BreakerOpen:     cfg.Providers.BreakerOpen(),
	}, m, telemetry.Component(logger, "provider"))

	// Auth is enabled by configuring a signing key.
	var tokens auth.TokenValidator
	if cfg.Auth.JWT.SigningKey != "" {
		tokens = auth.NewTokenService(cfg.Auth.JWT.SigningKey, cfg.Auth.JWT.Issuer, cfg.Auth.JWT.Expiry())
	} else {
		slog.Warn("auth disabled: settings updates and the result stream are open")
	}

	// Notifications
	hub := stream.NewHub(stream.Config{
		OriginPatterns: originHosts(cfg.Server.CORSOrigins),
		Buffer:         cfg.Notify.StreamBuffer,
	}, tokens, telemetry.Component(logger, "stream"))

	dispatcher := notify.NewAsyncDispatcher(buildSinks(cfg.Notify, hub), notify.DispatcherConfig{
		BufferSize:    cfg.Notify.BufferSize,
		BatchSize:     cfg.Notify.BatchSize,
		FlushInterval: cfg.Notify.FlushInterval(),
		MaxRetries:    uint64(max(cfg.Notify.MaxRetries, 0)),
	}, m, telemetry.Component(logger, "notify"))
	defer func() {
		if err := dispatcher.Close(); err != nil {
			slog.Warn("closing notification dispatcher", "error", err)
		}
	}()

	// Pipeline
	p := pipeline.New(pipeline.Config{
		Deadline: cfg.Pipeline.Deadline(),
		Limits: moderation.Limits{
			MaxTextBytes:  cfg.Pipeline.MaxTextBytes,
			MaxImageBytes: cfg.Pipeline.MaxUploadBytes,
		},
	}, pipeline.Dependencies{
		Classifier: client,
		Settings:   settings,
		Results:    results,
		Notifier:   dispatcher,
		Metrics:    m,
		Logger:     telemetry.Component(logger, "pipeline"),
	})

	deps := server.Dependencies{
		Auth:               tokens,
		ModerationHandler:  pipeline.NewHandler(p),
		SettingsHandler:    policy.NewHandler(settings),
		Stream:             hub,
		Providers:          client,
		Metrics:            m.Handler(),
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
	}
	if pool != nil {
		deps.DB = pool
	}
	srv := server.New(cfg.Server.Addr(), deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		logProviderHealth(gctx, client)
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildProviders(cfg config.ProvidersConfig) []provider.Provider {
	httpClient := &http.Client{Timeout: 60 * time.Second}

	var out []provider.Provider
	if cfg.Groq.Enabled {
		if cfg.Groq.APIKey == "" {
			slog.Warn("groq enabled without an api key, calls will fail with auth errors")
		}
		out = append(out, provider.NewGroq(provider.GroqConfig{
			BaseURL:     cfg.Groq.BaseURL,
			APIKey:      cfg.Groq.APIKey,
			Model:       cfg.Groq.Model,
			VisionModel: cfg.Groq.VisionModel,
			HTTPClient:  httpClient,
		}))
	}
	if cfg.Ollama.Enabled {
		out = append(out, provider.NewOllama(provider.OllamaConfig{
			BaseURL:     cfg.Ollama.BaseURL,
			Model:       cfg.Ollama.Model,
			VisionModel: cfg.Ollama.VisionModel,
			HTTPClient:  httpClient,
		}))
	}
	return out
}

func buildSinks(cfg config.NotifyConfig, hub *stream.Hub) []notify.Sink {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	sinks := []notify.Sink{hub}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Secret, httpClient))
	}
	if cfg.Slack.AccessToken != "" {
		sinks = append(sinks, notify.NewSlackSink(notify.SlackConfig{
			APIBaseURL:  cfg.Slack.APIBaseURL,
			AccessToken: cfg.Slack.AccessToken,
			Channel:     cfg.Slack.Channel,
		}, httpClient))
	}
	return sinks
}

// originHosts converts CORS origins into websocket origin patterns, which
// match on host only.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// logProviderHealth reports provider reachability once at startup.
func logProviderHealth(ctx context.Context, client *provider.Client) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for name, h := range client.Health(ctx) {
		if h.Healthy {
			slog.Info("provider reachable", "provider", name)
			continue
		}
		slog.Warn("provider unhealthy", "provider", name, "error", h.Error)
	}
}
