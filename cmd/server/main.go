package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/opensai/secop-search/internal/api/handlers"
	"github.com/opensai/secop-search/internal/config"
	"github.com/opensai/secop-search/internal/health"
	"github.com/opensai/secop-search/internal/middleware"
	"github.com/opensai/secop-search/internal/services"
	"github.com/opensai/secop-search/internal/socrata"
	"github.com/opensai/secop-search/internal/throttle"
	"github.com/opensai/secop-search/pkg/utils"
)

func main() {
	// A missing .env is fine in containerized deployments.
	_ = godotenv.Load()

	logger := utils.GetLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	sources := socrata.DefaultSources()

	client := socrata.NewClient(socrata.Config{
		BaseURL:        cfg.Socrata.BaseURL,
		AppToken:       cfg.Socrata.AppToken,
		UserAgent:      cfg.Socrata.UserAgent,
		MaxRetries:     cfg.Socrata.MaxRetries,
		RetryBase:      cfg.Socrata.RetryBase,
		RetryMaxDelay:  cfg.Socrata.RetryMaxDelay,
		ConnectTimeout: cfg.Socrata.ConnectTimeout,
		PerCallCap:     cfg.Socrata.PerCallCap,
		MinAttempt:     cfg.Socrata.MinAttempt,
	}, logger)

	monitor := health.NewMonitor(
		cfg.Socrata.BaseURL,
		sources[0].DatasetID,
		cfg.Socrata.AppToken,
		cfg.Socrata.UserAgent,
		cfg.Health.Timeout,
		cfg.Health.Staleness,
		logger,
	)

	limiter := throttle.NewLimiter(
		rate.Limit(cfg.Throttle.GlobalRate),
		cfg.Throttle.GlobalBurst,
		rate.Limit(cfg.Throttle.ClientRate),
		cfg.Throttle.ClientBurst,
		cfg.Throttle.IdleTTL,
	)
	defer limiter.Close()

	searchService := services.NewSearchService(client, sources, monitor, services.Options{
		RequestBudget:      cfg.Budget.Request,
		PerPage:            cfg.Search.PerPage,
		MaxQueryWindow:     cfg.Search.MaxQueryWindow,
		Unaccent:           cfg.Socrata.Unaccent,
		HealthShortCircuit: cfg.Health.ShortCircuit,
	}, logger)

	searchHandler := handlers.NewSearchHandler(searchService, cfg.DefaultMode(), logger)
	healthHandler := handlers.NewHealthHandler(monitor, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestContext(logger))
	router.Use(middleware.SecurityHeaders())

	router.GET("/healthz", healthHandler.HandleLiveness)
	router.GET("/healthz/upstream", healthHandler.HandleUpstream)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(middleware.RateLimit(limiter, logger))
	{
		api.GET("/search", searchHandler.HandleSearch)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting SECOP search server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Forced shutdown")
	}
	logger.Info("Server stopped")
}
