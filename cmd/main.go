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
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	voucherv1 "github.com/kkkkikiki/voucher/internal/api/voucherv1"
	"github.com/kkkkikiki/voucher/internal/audit"
	"github.com/kkkkikiki/voucher/internal/config"
	"github.com/kkkkikiki/voucher/internal/database"
	"github.com/kkkkikiki/voucher/internal/repository"
	"github.com/kkkkikiki/voucher/internal/server"
	"github.com/kkkkikiki/voucher/internal/service"
)

const adminPrefix = "/api/admin"

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg)
	logrus.Infof("Starting voucher service in %s mode", cfg.App.Environment)

	// Initialize database connection
	db, err := database.NewDB(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logrus.Errorf("Error closing database connection: %v", err)
		}
	}()

	references, err := service.NewReferenceGenerator(cfg.App.ReferenceSecret)
	if err != nil {
		logrus.Fatalf("Failed to create reference generator: %v", err)
	}

	keyPolicy := service.KeyPolicy(cfg.Pool.RequesterKey)
	if keyPolicy.Weak() {
		logrus.WithField("requester_key", keyPolicy).
			Warn("Requester key policy is spoofable; duplicate issuance is only deterred, not prevented")
	}
	if cfg.Admin.Token == "" {
		logrus.Warn("ADMIN_TOKEN is not set; the admin API rejects every request")
	}

	classifier := service.NewClassifier(cfg.Pool.Categories, cfg.Pool.Sources, cfg.Pool.DefaultCategory)
	if !classifier.HasCategory(cfg.Pool.DefaultCategory) {
		logrus.WithField("default_category", cfg.Pool.DefaultCategory).
			Warn("Default category is not configured; unmatched requests draw from any category")
	}

	sink := audit.Multi{
		audit.NewLogSink(logrus.StandardLogger()),
		audit.NewStoreSink(db.Conn, repository.NewAuditRepository()),
	}

	voucherService := service.NewVoucherService(db, service.Options{
		Classifier: classifier,
		KeyPolicy:  keyPolicy,
		References: references,
		Sink:       sink,
	})
	adminService := service.NewAdminService(db, classifier, sink)

	if err := adminService.InitSettings(ctx, cfg.Pool.AllowRedownload); err != nil {
		logrus.Fatalf("Failed to initialize settings: %v", err)
	}

	proxies, err := server.NewProxyTrust(cfg.Server.TrustedProxies)
	if err != nil {
		logrus.Fatalf("Failed to parse trusted proxies: %v", err)
	}

	// Create HTTP mux
	mux := http.NewServeMux()

	// Register voucher service handler
	limiter := server.NewIPRateLimiter(cfg.Admin.RatePerMinute)
	phoneLimiter := server.NewRateLimiter(cfg.Server.PhoneDailyLimit, 24*time.Hour)
	path, handler := voucherv1.NewVoucherServiceHandler(
		server.NewVoucherServer(voucherService, server.WithPhoneLimiter(phoneLimiter)),
		connect.WithInterceptors(server.NewRateLimitInterceptor(limiter)),
	)
	mux.Handle(path, server.WithLogging(handler))

	// Register admin API
	mux.Handle(adminPrefix+"/", server.NewAdminServer(voucherService, adminService, cfg.Admin.Token).Handler(adminPrefix))

	// Add health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"voucher-system","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	mux.HandleFunc("/health/db", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(fmt.Sprintf(`{"status":"error","message":"%s unavailable"}`, db.Dialect.Name)))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fmt.Sprintf(`{"status":"ok","%s":"connected"}`, db.Dialect.Name)))
	})

	// Add Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second, // Keep connections alive longer
		MaxHeaderBytes: 1 << 20,           // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(server.WithRequestID(proxies.WithClientIP(mux)), &http2.Server{
			MaxConcurrentStreams: 1000, // Allow more concurrent streams
		}),
	}

	// Start server in goroutine
	go func() {
		logrus.Infof("Starting voucher service on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.Fatalf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited gracefully")
}

// setupLogging applies the configured level; outside development logs are JSON
func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.App.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	if cfg.App.IsDevelopment() {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		gin.SetMode(gin.DebugMode)
		return
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})
	gin.SetMode(gin.ReleaseMode)
}
