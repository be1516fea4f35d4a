package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/noah-isme/storefront-api/api/swagger"
	"github.com/noah-isme/storefront-api/internal/handler"
	internalmiddleware "github.com/noah-isme/storefront-api/internal/middleware"
	"github.com/noah-isme/storefront-api/internal/repository"
	"github.com/noah-isme/storefront-api/internal/service"
	"github.com/noah-isme/storefront-api/pkg/cache"
	"github.com/noah-isme/storefront-api/pkg/config"
	"github.com/noah-isme/storefront-api/pkg/database"
	"github.com/noah-isme/storefront-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/storefront-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/storefront-api/pkg/middleware/requestid"
	"github.com/noah-isme/storefront-api/pkg/signer"
)

// @title Storefront API
// @version 1.0.0
// @description Account registration, activation, sessions and password recovery
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db.DB); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.Notification.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	tokenSigner, err := signer.New(signer.Config{Key: []byte(cfg.JWT.Secret), Issuer: cfg.JWT.Issuer})
	if err != nil {
		logr.Fatal("failed to init signer", zap.Error(err))
	}

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	userRepo := repository.NewUserRepository(db)
	authTokenRepo := repository.NewAuthTokenRepository(db)
	confirmationRepo := repository.NewConfirmationTokenRepository(db)
	auditRepo := repository.NewAuditLogRepository(db)
	notificationRepo := repository.NewNotificationRepository(redisClient, cfg.Notification.Queue)
	txManager := repository.NewTxManager(db)

	hasher := service.NewBcryptHasher(bcrypt.DefaultCost)
	notifier := service.NewNotificationService(notificationRepo, cfg.Notification.Enabled, logr)
	tokenSvc := service.NewTokenService(
		authTokenRepo,
		userRepo,
		txManager,
		tokenSigner,
		service.TokenConfig{AccessTTL: cfg.JWT.Expiration, RefreshTTL: cfg.JWT.RefreshExpiration},
		metricsSvc,
		logr,
	)
	confirmationSvc := service.NewConfirmationService(
		confirmationRepo,
		userRepo,
		txManager,
		hasher,
		tokenSvc,
		notifier,
		cfg.Confirmation.TTL,
		metricsSvc,
		logr,
	)
	var auditWriter service.AuditWriter = auditRepo
	if cfg.Audit.Workers > 0 {
		dispatcher := service.NewAuditDispatcher(auditRepo, cfg.Audit.Workers, logr)
		dispatcher.Start(context.Background())
		defer dispatcher.Stop()
		auditWriter = dispatcher
	}

	authSvc := service.NewAuthService(userRepo, auditWriter, auditRepo, tokenSvc, confirmationSvc, hasher, txManager, validator.New(), logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if metricsSvc != nil {
		r.Use(internalmiddleware.Metrics(metricsSvc))
	}

	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET(cfg.Metrics.Path, metricsHandler.Prometheus)
	}

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	requireAccess := internalmiddleware.JWT(tokenSvc)

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/activate", authHandler.Activate)
		auth.POST("/activate/resend", authHandler.ResendActivation)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
	}
	secured := auth.Group("", requireAccess)
	{
		secured.POST("/logout", authHandler.Logout)
		secured.POST("/change-password", authHandler.ChangePassword)
		secured.GET("/me", authHandler.Me)
		secured.GET("/activity", authHandler.Activity)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
