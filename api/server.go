package api

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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"blindscan/config"
	_ "blindscan/docs"
	"blindscan/logging"
)

// Run initializes dependencies and starts the API server. It returns once
// the process is interrupted and in-flight requests have drained.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Configure(cfg.LogLevel)
	if cfg.APIKey == "" {
		return errors.New("API_KEY must be set to run the API server")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := NewRedisStore(redisClient)
	pool := NewZombiePool(cfg.ScanOptions())
	defer pool.Close()
	workers := StartWorkers(ctx, store, pool.Scan, cfg.Workers)

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(store, redisClient, cfg, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting blindscan API server", "addr", cfg.ListenAddr, "workers", cfg.Workers)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down blindscan API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	workers.Wait()
	return nil
}

// NewRouter wires middleware, the versioned scan routes and the swagger UI.
func NewRouter(store TaskStore, limiter redis.Cmdable, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLoggingMiddleware(logger), SecurityHeadersMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.APIKey, logger))
	if limiter != nil {
		v1.Use(RateLimitMiddleware(limiter, cfg.RateLimit, cfg.RateWindow, logger))
	}
	NewServer(store).RegisterRoutes(v1)

	return router
}
