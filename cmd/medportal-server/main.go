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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medportal/internal/config"
	"github.com/ehr/medportal/internal/domain/account"
	"github.com/ehr/medportal/internal/domain/session"
	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/db"
	"github.com/ehr/medportal/internal/platform/events"
	"github.com/ehr/medportal/internal/platform/metrics"
	"github.com/ehr/medportal/internal/platform/middleware"
	"github.com/ehr/medportal/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "medportal-server",
		Short:        "Healthcare portal authentication and session service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(accountsCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

// sessionStore builds the configured backend. The returned cleanup releases
// backend resources; pinger is nil when the backend has nothing to ping.
func sessionStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (store session.Store, pinger db.Pinger, cleanup func(), err error) {
	switch cfg.SessionStore {
	case config.StorePostgres:
		return session.NewPGStore(pool), nil, func() {}, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		ping := db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		return session.NewRedisStore(client, ""), ping, func() { client.Close() }, nil
	case config.StoreMemory:
		mem := session.NewMemoryStore()
		mem.StartEviction(time.Minute)
		return mem, nil, mem.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// publisher returns the kafka publisher when brokers are configured and the
// log publisher otherwise.
func publisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, db.Pinger) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), nil
	}
	kp := events.NewKafkaPublisher(events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.EventsTopic,
	}, logger)
	return kp, kp
}

// app is the wired object graph shared by serve and the admin commands.
type app struct {
	manager  *session.Manager
	accounts *account.Service
	guard    *auth.Guard
}

func wire(cfg *config.Config, pool *pgxpool.Pool, store session.Store, pub events.Publisher, m *metrics.Metrics, logger zerolog.Logger) (*app, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Issuer:     cfg.AuthIssuer,
		SigningKey: cfg.SigningKey(),
		AccessTTL:  cfg.AccessTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}
	hasher := auth.NewBcryptHasher(cfg.BcryptCost, cfg.HashTimeout)

	users := account.NewUserRepoPG(pool)
	identities := account.NewIdentities(users)

	mgr := session.NewManager(store, auth.NewCredentialVerifier(identities, hasher), identities, tokens, session.Config{
		RefreshTTL:   cfg.RefreshTokenTTL,
		StoreTimeout: cfg.StoreTimeout,
	})
	mgr.SetPublisher(pub)
	mgr.SetMetrics(m)
	mgr.SetLogger(logger)

	accounts := account.NewService(users, hasher, mgr)
	accounts.SetPublisher(pub)
	accounts.SetLogger(logger)

	guard := auth.NewGuard(tokens, auth.Policy{AdminOverride: cfg.AdminOverride})
	guard.SetDecisionObserver(m.GuardDecision)

	return &app{manager: mgr, accounts: accounts, guard: guard}, nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.GeneratedSigningKey() {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set: using a random key, access tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	store, storePinger, closeStore, err := sessionStore(ctx, cfg, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer closeStore()
	logger.Info().Str("backend", cfg.SessionStore).Msg("session store ready")

	pub, pubPinger := publisher(cfg, logger)
	defer pub.Close()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	a, err := wire(cfg, pool, store, pub, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}

	health := map[string]db.Pinger{"db": pool}
	if storePinger != nil {
		health["redis"] = storePinger
	}
	if pubPinger != nil {
		health["kafka"] = pubPinger
	}

	e := server.New(server.Options{
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.RequestTimeout,
		HSTS:           cfg.CookieSecure,
		TrustedProxies: cfg.TrustedProxyNets(),
		LoginRateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.LoginRateLimitRPS,
			BurstSize:         cfg.LoginRateLimitBurst,
		},
	}, server.Deps{
		Logger:   logger,
		Metrics:  m,
		Gatherer: reg,
		Sessions: session.NewHandler(a.manager, a.guard, session.CookieConfig{
			Domain: cfg.CookieDomain,
			Secure: cfg.CookieSecure,
		}),
		Accounts: account.NewHandler(a.accounts, a.guard),
		Health:   health,
	})

	go session.NewPurger(store, cfg.PurgeInterval, m, logger).Run(ctx)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
