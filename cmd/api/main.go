package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"

	"campusride/internal/auth"
	"campusride/internal/backend"
	"campusride/internal/config"
	"campusride/internal/feed"
	"campusride/internal/httpapi"
	"campusride/internal/httpmiddleware"
	"campusride/internal/livesync"
	"campusride/internal/logging"
	"campusride/internal/route"
	"campusride/internal/store"
	"campusride/internal/transport"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.Production())

	// api token <subject> <role> prints a signed access token for local testing.
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logrus.Fatalf("http server failed: %v", err)
	}
}

func printToken(cfg config.App, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: api token <subject> <role>")
	}
	pair, err := auth.Issue(args[0], args[1], cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		return err
	}
	fmt.Println(pair.AccessToken)
	return nil
}

func runHTTP(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := map[string]func(context.Context) bool{}

	var redisClient *store.Redis
	if cfg.FeedBackend == "redis" || cfg.TripStore == "redis" || cfg.RateLimitStore == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		health["redis"] = redisClient.Healthy
	}

	var db *store.DB
	if cfg.StoreBackend == "postgres" {
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		health["db"] = db.Healthy
		if cfg.AutoMigrate {
			if err := backend.Migrate(ctx, db.Client); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}

	var changes feed.Feed
	switch cfg.FeedBackend {
	case "redis":
		changes = feed.NewRedis(redisClient.Client, cfg.FeedPrefix)
	case "postgres":
		changes = feed.NewPostgres(db.URL, db.Client)
	default:
		changes = feed.NewInMemory(cfg.FeedBuffer)
	}

	var rows backend.Store
	if db != nil {
		rows = backend.NewPostgres(db.Client)
		if cfg.FeedBackend != "postgres" {
			logrus.Warnf("STORE_BACKEND=postgres with FEED_BACKEND=%s: run cmd/relay so writes reach subscribers", cfg.FeedBackend)
		}
	} else {
		mem := backend.NewMemory(changes)
		transport.ConfigureMemory(mem)
		rows = mem
	}
	client := backend.New(rows, changes)

	opts := livesync.Options{
		UpsertUnknown:     cfg.UpsertUnknown,
		ReloadOnReconnect: cfg.ReloadOnReconnect,
		ReconnectMin:      cfg.ReconnectMin,
		ReconnectMax:      cfg.ReconnectMax,
	}
	fleet := transport.NewFleet(client, opts)
	if err := fleet.Mount(ctx); err != nil {
		return fmt.Errorf("mount fleet: %w", err)
	}
	defer fleet.Close()

	var tripStore route.Store = route.NewMemoryStore(cfg.TripTTL)
	if cfg.TripStore == "redis" {
		tripStore = route.NewRedisStore(redisClient.Client, "", cfg.TripTTL)
	}

	var limiterStore limiter.Store
	if cfg.RateLimitStore == "redis" {
		var err error
		if limiterStore, err = httpmiddleware.NewRedisStore(redisClient.Client); err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
	}
	rl, err := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, limiterStore)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	api := httpapi.New(fleet, route.NewRegistry(tripStore), client, opts, httpapi.Config{
		SigningKey:  cfg.JWTSigningKey,
		Issuer:      cfg.JWTIssuer,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     rl,
		Health:      health,
	})

	// Graceful shutdown. WriteTimeout stays zero so live websocket streams are not cut.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logrus.Infof("starting server on :%s (store=%s feed=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.FeedBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Warnf("server forced shutdown: %v", err)
	}

	logrus.Info("server exited")
	return nil
}
