package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizflow-service/internal/apiclient"
	"quizflow-service/internal/apilayer"
	"quizflow-service/internal/app"
	"quizflow-service/internal/auth"
	"quizflow-service/internal/config"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/engine"
	"quizflow-service/internal/infra/memory"
	pgstore "quizflow-service/internal/infra/postgres"
	redisstore "quizflow-service/internal/infra/redis"
	"quizflow-service/internal/ratelimit"
	"quizflow-service/internal/safety"
	transport "quizflow-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	service, err := buildService(cfg, redisClient, pool, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           transport.NewRouter(service, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		logger.Info("starting quiz service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildService wires storage, the integration layer and the engine. Redis and
// Postgres are optional; without them everything runs in process.
func buildService(cfg config.Config, redisClient *redis.Client, pool *pgxpool.Pool, logger *zap.Logger) (*app.QuizService, error) {
	var loader memory.QuizLoader
	switch {
	case pool != nil:
		loader = pgstore.NewQuizLoader(pool)
	case cfg.Quiz.Dir != "":
		quizzes, err := memory.LoadDir(cfg.Quiz.Dir)
		if err != nil {
			return nil, err
		}
		loader = memory.NewStaticQuizLoader(quizzes)
	default:
		logger.Warn("no quiz source configured")
		loader = memory.NewStaticQuizLoader(nil)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	sessionTTL := config.TTLDuration(cfg.Session.TTL, 2*time.Hour)

	var (
		quizRepo app.QuizRepository
		store    app.SessionRepository
		limiter  ratelimit.Limiter
		ranking  app.Ranking
	)
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
		store = redisstore.NewSessionStore(redisClient, sessionTTL)
		limiter = redisstore.NewRateLimiter(redisClient)
		ranking = redisstore.NewRanking(redisClient)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
		store = memory.NewSessionStore(sessionTTL)
		limiter = memory.NewRateLimiter()
	}

	var creators app.CreatorDirectory = memory.NewCreatorDirectory(cfg.Creators)
	if pool != nil {
		creators = creatorChain{creators, pgstore.NewCreatorDirectory(pool)}
	}

	tokens, err := auth.NewTokens(cfg.Tokens.Secret, config.TTLDuration(cfg.Tokens.TTL, 0))
	if err != nil {
		return nil, err
	}

	validator := newValidator(cfg)
	client := apiclient.New(apiclient.Options{
		Timeout:      config.TTLDuration(cfg.Safety.RequestTimeout, 0),
		MaxBodyBytes: cfg.Safety.MaxBodyBytes,
		MaxRedirects: cfg.Safety.FollowRedirects,
		Control:      safety.DialControl,
	})
	layer := apilayer.New(validator, client, limiter, apilayer.ClientCredentials{HTTP: client.HTTPClient()}, apilayer.Config{
		Limits:          cfg.Limits,
		MaxRetries:      cfg.Safety.MaxRetries,
		RetryInterval:   config.TTLDuration(cfg.Safety.RetryInterval, 0),
		FollowRedirects: cfg.Safety.FollowRedirects > 0,
	}, logger.Named("integrations"))

	return app.NewQuizService(app.Deps{
		Sessions:  store,
		Quizzes:   quizRepo,
		Creators:  creators,
		Tokens:    tokens,
		Engine:    engine.New(layer),
		Validator: validator,
		Ranking:   ranking,
		Logger:    logger.Named("quiz"),
	}), nil
}

// creatorChain asks each directory in turn; configuration wins over the database.
type creatorChain []app.CreatorDirectory

func (c creatorChain) Creator(ctx context.Context, creatorID string) (domain.Creator, error) {
	for _, d := range c {
		creator, err := d.Creator(ctx, creatorID)
		if !errors.Is(err, domain.ErrCreatorNotFound) {
			return creator, err
		}
	}
	return domain.Creator{}, domain.ErrCreatorNotFound
}
