package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/exceptions_backend/config"
	"github.com/mmdatafocus/exceptions_backend/detectors"
	"github.com/mmdatafocus/exceptions_backend/handlers"
	"github.com/mmdatafocus/exceptions_backend/middlewares"
	"github.com/mmdatafocus/exceptions_backend/models"
	"github.com/mmdatafocus/exceptions_backend/utils"
	"github.com/mmdatafocus/exceptions_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func newCorsConfig() cors.Config {
	corsConfig := cors.DefaultConfig()
	// - In production, only CORS_ALLOWED_ORIGINS (deny all when unset).
	// - In non-production, allow all.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization",
		middlewares.ServiceKeyHeader, middlewares.TenantIdHeader, middlewares.CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", middlewares.CorrelationIdHeader)
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return corsConfig
}

func rateLimiterFromEnv() *middlewares.RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		return nil
	}
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return middlewares.NewRateLimiter(config.GetRedisDB(), limit, time.Duration(windowSec)*time.Second)
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs handler errors collected on the context.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

func newRouter(logger *logrus.Logger, serviceKeyHash string, service *workflow.ExceptionService, runner *workflow.DetectionRunner) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(cors.New(newCorsConfig()))
	if limiter := rateLimiterFromEnv(); limiter != nil {
		r.Use(limiter.RateLimitMiddleware)
	}
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/pubsub", handlers.PubSubHandler(runner, serviceKeyHash, logger))

	tenantScoped := []gin.HandlerFunc{
		middlewares.ServiceKeyMiddleware(serviceKeyHash),
		middlewares.SessionMiddleware(nil),
		middlewares.AuthMiddleware(),
		middlewares.RequireTenant(middlewares.GormTenantResolver{}),
	}
	h := handlers.NewExceptionHandler(service, runner)
	h.RegisterRoutes(r.Group("/exceptions", tenantScoped...))
	h.RegisterRoutes(r.Group("/", tenantScoped...))
	r.NoRoute(customNotFoundHandler)
	return r
}

// newBootRouter answers while dependencies are still connecting.
func newBootRouter() *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "starting"})
	})
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	serviceKeyHash := middlewares.ServiceKeyHashFromEnv()
	if serviceKeyHash == "" {
		logger.WithFields(logrus.Fields{"field": "auth"}).Warn("SERVICE_KEY_HASH not set; service identity and /pubsub are disabled")
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	var active atomic.Pointer[gin.Engine]
	active.Store(newBootRouter())

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			active.Load().ServeHTTP(w, req)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can hold DDL locks; SKIP_MIGRATIONS=true moves it to a separate job.
	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			config.LogError(logger, "server.go", "main", "MigrateTable", nil, err)
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	events, stopEvents := workflow.NewEventPublisherFromEnv(sigCtx, logger)
	defer stopEvents()

	repo := models.NewGormExceptionRepository(db)
	ledger := models.NewGormLedger(db)
	runner := workflow.NewDetectionRunner(repo, ledger, detectors.Default(), logger)
	runner.Events = events
	service := workflow.NewExceptionService(repo, ledger, logger)
	service.Events = events

	active.Store(newRouter(logger, serviceKeyHash, service, runner))

	schedulerCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	go workflow.NewDetectionScheduler(runner, db, logger).Run(schedulerCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background work first so nothing new starts while draining.
	cancelScheduler()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
