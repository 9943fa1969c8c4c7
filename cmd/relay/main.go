package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"campusride/internal/config"
	"campusride/internal/feed"
	"campusride/internal/logging"
	"campusride/internal/store"
)

// Relay forwards Postgres change notifications to the Redis feed so API processes on a
// postgres store with FEED_BACKEND=redis see every write, including ones made outside
// the API.
func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.Production())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logrus.Warn("redis not reachable yet; publishes will fail until it is")
	}

	source := feed.NewPostgres(db.URL, nil)
	sink := feed.NewRedis(redisClient.Client, cfg.FeedPrefix)

	logrus.Info("relay started, listening for changes...")
	relay(ctx, source, sink, cfg.ReconnectMin, cfg.ReconnectMax)
	logrus.Info("relay stopped")
}

// relay copies every event from source to sink until ctx is done, re-listening with
// exponential backoff whenever the source subscription drops.
func relay(ctx context.Context, source, sink feed.Feed, minWait, maxWait time.Duration) {
	wait := minWait
	for ctx.Err() == nil {
		events, err := source.Subscribe(ctx, feed.AllTables)
		if err != nil {
			logrus.Warnf("listen failed: %v (retry in %s)", err, wait)
			if !sleep(ctx, wait) {
				return
			}
			wait = min(wait*2, maxWait)
			continue
		}
		wait = minWait

		for evt := range events {
			if err := sink.Publish(ctx, evt); err != nil {
				logrus.WithField("table", evt.Table).Warnf("publish %s failed: %v", evt.Type, err)
			}
		}
		if ctx.Err() == nil {
			logrus.Warn("listener closed, reconnecting")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
