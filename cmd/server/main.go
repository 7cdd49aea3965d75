package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	syncapi "go.pilab.hu/fitsync/api/echo"
	"go.pilab.hu/fitsync/config"
	"go.pilab.hu/fitsync/domain"
	"go.pilab.hu/fitsync/internal/dispatch"
	"go.pilab.hu/fitsync/internal/providers"
	"go.pilab.hu/fitsync/mongodb"
	"go.pilab.hu/fitsync/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logLevel, parseErr := zerolog.ParseLevel(cfg.LogLevel)
	if parseErr != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("http_port", cfg.HTTPPort).Str("mongo_db", cfg.MongoDBName).
		Str("redis_addr", cfg.RedisAddr).Msg("Starting fitsync server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if initErr := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); initErr != nil {
		log.Fatal().Err(initErr).Msg("Failed to initialize MongoDB connection")
	}
	defer mongodb.CloseMongoDB(context.Background())
	db := mongodb.GetDB()

	// Repositories
	tokenRepo, err := mongodb.NewTokenRepository(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TokenRepository")
	}
	itemRepo, err := mongodb.NewWorkItemRepository(ctx, db, mongodb.GetClient())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize WorkItemRepository")
	}
	activityStore, err := mongodb.NewActivityStore(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ActivityStore")
	}
	userRepo := mongodb.NewUserRepository(db)

	// Providers
	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure providers")
	}

	// Dispatch
	newConn := func() *redis.Client {
		return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}
	dispatcher := dispatch.NewDispatcher(cfg.QueuePath, newConn)
	defer dispatcher.Close()

	delivererConn := newConn()
	defer delivererConn.Close()
	deliverer := dispatch.NewDeliverer(delivererConn, nil, dispatch.DelivererOptions{
		QueuePath:   cfg.QueuePath,
		WorkerURL:   cfg.WorkerURL,
		MaxAttempts: cfg.DispatchMaxAttempts,
		MinBackoff:  cfg.MinBackoff(),
		MaxBackoff:  cfg.MaxBackoff(),
	})
	go deliverer.Run(ctx)

	// Services
	guard := services.NewTokenGuard(tokenRepo, registry, cfg.TokenExpiryBuffer())
	policy := services.NewRetryPolicy(itemRepo, cfg.MaxRetryCount, cfg.DeadLetterTTL())
	importer := services.NewHistoryImporter(itemRepo, dispatcher, registry, guard,
		time.Duration(cfg.ImportCooldownSecPerItem)*time.Second,
		time.Duration(cfg.ImportCooldownMaxHours)*time.Hour)
	worker := services.NewWorker(itemRepo, userRepo, activityStore, registry, guard, policy, importer)
	drainer := services.NewDrainer(itemRepo, worker, cfg.MaxRetryCount, cfg.DrainPageSize)

	go runDrainLoop(ctx, drainer, cfg.DrainInterval())

	// HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	syncapi.NewSyncAPI(worker, importer, guard).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()
	log.Info().Str("port", cfg.HTTPPort).Msg("HTTP server listening.")

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

func buildRegistry(cfg *config.Config) (domain.ProviderRegistry, error) {
	configured := make([]domain.WorkoutProvider, 0, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		service, err := domain.ParseServiceName(name)
		if err != nil {
			return nil, err
		}
		provider, err := providers.NewHTTPProvider(providers.Config{
			Name:           service,
			APIBaseURL:     pc.APIBaseURL,
			TokenURL:       pc.TokenURL,
			ClientID:       pc.ClientID,
			ClientSecret:   pc.ClientSecret,
			MaxWindowDays:  pc.MaxWindowDays,
			LookbackMonths: pc.LookbackMonths,
		}, nil)
		if err != nil {
			return nil, err
		}
		configured = append(configured, provider)
		log.Info().Str("service", name).Msg("Provider configured.")
	}
	return providers.NewRegistry(configured...), nil
}

func runDrainLoop(ctx context.Context, drainer *services.Drainer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, service := range domain.SupportedServices {
				if _, err := drainer.Drain(ctx, service); err != nil {
					log.Error().Err(err).Str("service", string(service)).
						Msg("Drain run failed.")
				}
			}
		}
	}
}
