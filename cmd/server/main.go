package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	billingmod "github.com/symptomkit/symptomkit/modules/billing"
	"github.com/symptomkit/symptomkit/pkg/analyzer"
	"github.com/symptomkit/symptomkit/pkg/billing"
	"github.com/symptomkit/symptomkit/pkg/clientip"
	"github.com/symptomkit/symptomkit/pkg/config"
	"github.com/symptomkit/symptomkit/pkg/email"
	"github.com/symptomkit/symptomkit/pkg/environment"
	"github.com/symptomkit/symptomkit/pkg/httpserver"
	"github.com/symptomkit/symptomkit/pkg/logger"
	"github.com/symptomkit/symptomkit/pkg/pg"
	"github.com/symptomkit/symptomkit/pkg/quota"
	"github.com/symptomkit/symptomkit/pkg/ratelimit"
	"github.com/symptomkit/symptomkit/pkg/redis"
)

const serviceName = "symptomkit"

type appConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	PlansPath   string `env:"PLANS_PATH" envDefault:"plans.yaml"`

	FreeAnalyses   int           `env:"QUOTA_FREE_LIMIT" envDefault:"3"`
	StatusMaxStale time.Duration `env:"STATUS_MAX_STALE" envDefault:"5m"`

	WebhookRateLimit  int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"120"`
	WebhookRateWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" envDefault:"1m"`
	AnalyzeRateLimit  int           `env:"ANALYZE_RATE_LIMIT" envDefault:"20"`
	AnalyzeRateWindow time.Duration `env:"ANALYZE_RATE_WINDOW" envDefault:"1m"`

	EmailDevDir string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}

func (c appConfig) isDevelopment() bool {
	return c.Environment == string(environment.Development) || c.Environment == "dev"
}

func main() {
	// A missing .env file is fine; real deployments set variables directly.
	_ = config.LoadEnv()

	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.New(
		logger.WithEnvironment(cfg.Environment, serviceName),
		logger.WithContextExtractors(environment.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.ErrorContext(ctx, "server exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	var pgCfg pg.Config
	config.MustLoad(&pgCfg)

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, pgCfg, log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	var redisCfg redis.Config
	config.MustLoad(&redisCfg)

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	catalog, err := billing.LoadCatalog(cfg.PlansPath)
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	store := billing.NewPGStore(pool)

	adapters := buildAdapters(ctx, log)
	if len(adapters) == 0 {
		log.WarnContext(ctx, "no payment provider configured, checkout and webhooks are disabled")
	}

	reconciler := billing.NewReconciler(store, catalog, adapters, billing.WithLogger(log))
	ingestor := billing.NewIngestor(reconciler, store, store, buildNotifier(ctx, cfg, store, log), log)
	counter := quota.NewCounter(store, quota.WithLimit(cfg.FreeAnalyses))

	rlStore := ratelimit.NewRedisStore(rdb)
	webhookLimiter, err := ratelimit.NewSlidingWindow(rlStore, cfg.WebhookRateLimit, cfg.WebhookRateWindow)
	if err != nil {
		return fmt.Errorf("webhook rate limiter: %w", err)
	}
	analyzeLimiter, err := ratelimit.NewSlidingWindow(rlStore, cfg.AnalyzeRateLimit, cfg.AnalyzeRateWindow)
	if err != nil {
		return fmt.Errorf("analyze rate limiter: %w", err)
	}

	byIP := func(r *http.Request) string { return clientip.GetIP(r) }
	byPath := func(r *http.Request) string { return r.URL.Path }
	byUser := func(r *http.Request) string {
		if id, ok := billingmod.UserIDFromContext(r.Context()); ok {
			return id.String()
		}
		return clientip.GetIP(r)
	}

	// Webhooks are limited per provider endpoint per source IP so a noisy
	// Stripe retry storm cannot starve Paddle deliveries.
	opts := []billingmod.ServiceOption{
		billingmod.WithLogger(log),
		billingmod.WithMaxStale(cfg.StatusMaxStale),
		billingmod.WithWebhookMiddleware(ratelimit.MiddlewareWithOptions(
			webhookLimiter,
			ratelimit.Composite(byIP, byPath),
			ratelimit.WithOnLimitReached(billingmod.RateLimitExceeded),
		)),
		billingmod.WithAnalyzeMiddleware(ratelimit.MiddlewareWithOptions(
			analyzeLimiter,
			byUser,
			ratelimit.WithOnLimitReached(billingmod.RateLimitExceeded),
		)),
	}
	if client := buildAnalyzer(ctx, log); client != nil {
		opts = append(opts, billingmod.WithAnalyzer(client))
	}

	svc := billingmod.NewService(reconciler, ingestor, counter, opts...)

	r := chi.NewRouter()
	r.Use(environment.Middleware(environment.Environment(cfg.Environment)))
	r.Use(clientip.Middleware)
	r.Get("/health", httpserver.HealthCheckHandler(ctx, log,
		pg.Healthcheck(pool),
		redis.Healthcheck(rdb),
	))
	r.Mount("/billing", svc.Handle())

	var srvCfg httpserver.Config
	config.MustLoad(&srvCfg)

	srv := httpserver.NewFromConfig(srvCfg, httpserver.WithLogger(log))
	return srv.Run(ctx, r)
}

// buildAdapters constructs one adapter per provider with credentials in the
// environment. A provider without credentials is skipped, not fatal, so a
// deployment can run with a single provider or none at all.
func buildAdapters(ctx context.Context, log *slog.Logger) []billing.ProviderAdapter {
	var adapters []billing.ProviderAdapter

	var stripeCfg billing.StripeConfig
	config.MustLoad(&stripeCfg)
	switch a, err := billing.NewStripeAdapter(stripeCfg); {
	case err == nil:
		adapters = append(adapters, a)
	case errors.Is(err, billing.ErrProviderNotConfigured):
		log.InfoContext(ctx, "stripe adapter disabled", logger.Error(err))
	default:
		log.ErrorContext(ctx, "stripe adapter failed to initialize", logger.Error(err))
	}

	var paddleCfg billing.PaddleConfig
	config.MustLoad(&paddleCfg)
	switch a, err := billing.NewPaddleAdapter(paddleCfg); {
	case err == nil:
		adapters = append(adapters, a)
	case errors.Is(err, billing.ErrProviderNotConfigured):
		log.InfoContext(ctx, "paddle adapter disabled", logger.Error(err))
	default:
		log.ErrorContext(ctx, "paddle adapter failed to initialize", logger.Error(err))
	}

	return adapters
}

// buildNotifier wires billing emails through Postmark when a server token is
// present, through the on-disk dev sender in development, and drops them
// otherwise. The recipient address is the one captured at checkout.
func buildNotifier(ctx context.Context, cfg appConfig, store billing.Store, log *slog.Logger) billing.Notifier {
	lookup := func(ctx context.Context, userID uuid.UUID) (string, error) {
		rec, err := store.Get(ctx, userID)
		if err != nil {
			return "", err
		}
		if rec.Email == "" {
			return "", fmt.Errorf("no billing email on record for user %s", userID)
		}
		return rec.Email, nil
	}

	var emailCfg email.Config
	if err := config.Load(&emailCfg); err != nil {
		if cfg.isDevelopment() {
			return billing.NewEmailNotifier(email.NewDevSender(cfg.EmailDevDir), lookup)
		}
		log.InfoContext(ctx, "email sending disabled", logger.Error(err))
		return billing.NoopNotifier{}
	}

	if emailCfg.PostmarkServerToken != "" {
		sender, err := email.NewPostmarkClient(emailCfg)
		if err != nil {
			log.ErrorContext(ctx, "postmark client failed to initialize", logger.Error(err))
			return billing.NoopNotifier{}
		}
		return billing.NewEmailNotifier(sender, lookup)
	}

	if cfg.isDevelopment() {
		return billing.NewEmailNotifier(email.NewDevSender(cfg.EmailDevDir), lookup)
	}

	log.InfoContext(ctx, "no email transport configured, billing notifications disabled")
	return billing.NoopNotifier{}
}

// buildAnalyzer returns nil when the upstream analysis service is not
// configured, which removes the analyze endpoint from the router.
func buildAnalyzer(ctx context.Context, log *slog.Logger) *analyzer.Client {
	var cfg analyzer.Config
	config.MustLoad(&cfg)

	client, err := analyzer.NewClient(cfg, nil)
	if err != nil {
		log.InfoContext(ctx, "symptom analysis disabled", logger.Error(err))
		return nil
	}
	return client
}
