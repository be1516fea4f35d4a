// Command token-sweeper marks lapsed auth tokens as expired. Run it from cron;
// validation never depends on it.
package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/storefront-api/internal/repository"
	"github.com/noah-isme/storefront-api/pkg/config"
	"github.com/noah-isme/storefront-api/pkg/database"
	"github.com/noah-isme/storefront-api/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := repository.NewAuthTokenRepository(db).ExpireStale(ctx, time.Now().UTC())
	if err != nil {
		logr.Fatal("sweep failed", zap.Error(err))
	}
	logr.Info("expired stale auth tokens", zap.Int64("count", swept))
}
