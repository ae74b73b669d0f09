package main

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/middlewares"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// correlationMiddleware generates a correlation id once per request and attaches it to the context.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

// readinessGate answers 503 for app endpoints until ready reports true.
func readinessGate(ready func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		if ready != nil && !ready() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	return cors.New(corsConfig)
}

// Router builds the HTTP surface. ready gates every endpoint except /healthz.
func (app *App) Router(ready func() bool) *gin.Engine {
	registerValidators()

	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(readinessGate(ready))
	r.GET("/healthz", app.healthHandler())

	r.Use(corsMiddleware())

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		if client := config.GetRedisDB(); client != nil {
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
			rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
			r.Use(rateLimiter.RateLimitMiddleware)
		}
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.AuthMiddleware())
	r.Use(middlewares.ActorMiddleware(app.Store))
	r.Use(middlewares.LoaderMiddleware(app.Store))
	r.Use(customErrorLogger(app.Logger))
	r.Use(gin.Recovery())

	r.POST("/login", app.loginHandler())
	r.POST("/logout", app.logoutHandler())

	authed := r.Group("/", middlewares.RequireActor())
	authed.POST("/transition", app.transitionHandler())
	authed.POST("/tag", app.tagHandler())

	authed.POST("/privilege/grant", app.grantPrivilegeHandler())
	authed.DELETE("/privilege/revoke", app.revokePrivilegeHandler())
	authed.GET("/privilege/list", app.listPrivilegesHandler())
	authed.GET("/privilege/mine", app.myPrivilegesHandler())
	authed.GET("/privilege/export", app.exportPrivilegesHandler())

	authed.GET("/reports/approval", app.approvalQueueHandler())
	authed.GET("/reports/tags/recent", app.recentTagsHandler())
	authed.GET("/reports/:id", app.getReportHandler())

	authed.GET("/notifications", app.listNotificationsHandler())
	authed.PUT("/notifications/:id/read", app.markNotificationReadHandler())

	// Ops tooling (admin only): replay events that were marked DEAD/FAILED.
	authed.POST("/internal/ops/events/replay", app.eventReplayHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings := config.LoadSettings()
	policy, err := config.ResolveAuthorityPolicy(settings)
	if err != nil {
		log.Fatal(err)
	}

	// Shutdown coordination.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The router is installed behind an atomic handler so the port opens before
	// dependencies are connected; until then every request gets 503.
	var handler atomic.Value
	var ready atomic.Bool
	handler.Store(http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})))

	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.Load().(http.Handler).ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open; a signal aborts the wait.
	store, pingDB, err := openStore(sigCtx, settings, logger)
	if err != nil {
		log.Fatal(err)
	}
	if settings.StoreDriver == "mysql" {
		if _, err := config.ConnectRedis(sigCtx, logger); err != nil {
			log.Fatal(err)
		}
		db := config.GetDB()
		sqlDB, _ := db.DB()
		defer func() {
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()
		// AutoMigrate can block tables; allow running it as a separate job instead.
		if !config.SkipMigrations() {
			models.MigrateTable(db)
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
	}

	app, err := NewApp(store, settings, policy, logger)
	if err != nil {
		log.Fatal(err)
	}
	app.Dispatcher.Locker = config.GetRedisLock()

	app.Health.Register("store", pingDB)
	if rdb := config.GetRedisDB(); rdb != nil {
		app.Health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	healthCtx, cancelHealth := context.WithCancel(context.Background())
	defer cancelHealth()
	app.Health.Start(healthCtx)

	// Start the notification dispatcher (delivers AFTER commit, retries failures).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		app.Dispatcher.Run(dispatcherCtx)
	}()

	handler.Store(http.Handler(app.Router(ready.Load)))
	ready.Store(true)

	logger.WithFields(logrus.Fields{
		"info":  "Connection Established",
		"store": settings.StoreDriver,
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()
	<-dispatcherDone
	app.Health.Stop()

	// Drain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Inline deliveries from drained requests may still be publishing.
	if err := config.ClosePubSub(); err != nil {
		logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("close pubsub: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 && logger != nil {
			logger.WithFields(requestFields(c)).Error(c.Errors.String())
		}
	}
}

// requestFields identifies the request and, once authenticated, its actor.
func requestFields(c *gin.Context) logrus.Fields {
	ctx := c.Request.Context()
	fields := logrus.Fields{"method": c.Request.Method, "path": c.FullPath()}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	if id, ok := utils.GetUserIdFromContext(ctx); ok {
		fields["user_id"] = id
	}
	if role, ok := utils.GetUserRoleFromContext(ctx); ok {
		fields["role"] = role
	}
	return fields
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits (fixed window per client IP).
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := "ratelimit:" + c.ClientIP()

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		// a Redis outage must not take the API down
		c.Next()
		return
	}
	if count == 1 {
		_ = rl.client.Expire(c.Request.Context(), key, rl.window).Err()
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
