package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/AnTengye/invoicedesk/config"
	"github.com/AnTengye/invoicedesk/handler"
	"github.com/AnTengye/invoicedesk/middleware"
	"github.com/AnTengye/invoicedesk/pkg/logger"
	"github.com/AnTengye/invoicedesk/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	configPath := os.Getenv("INVOICEDESK_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully", "analysis_url", cfg.Analysis.BaseURL)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deskMetrics, err := service.NewMetrics(reg)
	if err != nil {
		slog.Error("failed to register controller metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics, err := middleware.NewMetrics(reg)
	if err != nil {
		slog.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}

	// Services
	analysisSvc := service.NewAnalysisService(&cfg.Analysis)
	store := service.NewDocumentStore(&cfg.Store)
	controller := service.NewController(analysisSvc, store, deskMetrics)

	var archive *service.ArchiveSaver
	if cfg.Archive.Enabled {
		archiveSvc, err := service.NewArchiveService(&cfg.Archive)
		if err != nil {
			slog.Error("failed to initialize archive", "error", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = archiveSvc.EnsureBucket(ctx)
		cancel()
		if err != nil {
			slog.Error("failed to ensure archive bucket", "bucket", cfg.Archive.Bucket, "error", err)
			os.Exit(1)
		}
		archive = service.NewArchiveSaver(archiveSvc)
		slog.Info("artifact archive enabled",
			"endpoint", cfg.Archive.Endpoint,
			"bucket", cfg.Archive.Bucket,
			"expire_days", cfg.Archive.ExpireDays,
		)
	}

	deskHandler := handler.NewDeskHandler(controller, store, archive)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger("/health", "/metrics"))
	router.Use(httpMetrics.Handler())
	router.Use(corsMiddleware())
	router.Use(cacheMiddleware())
	router.Use(middleware.RateLimit(cfg.Server.RateLimit, time.Minute, "/health", "/metrics"))

	staticDir := cfg.Server.StaticDir
	if _, err := os.Stat(filepath.Join(staticDir, "index.html")); err != nil {
		slog.Warn("form page not found, only the API is served", "directory", staticDir)
	} else {
		slog.Info("serving static files", "directory", staticDir)
		router.StaticFile("/", filepath.Join(staticDir, "index.html"))
		router.StaticFile("/app.js", filepath.Join(staticDir, "app.js"))
		router.StaticFile("/styles.css", filepath.Join(staticDir, "styles.css"))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"busy":      controller.Busy(),
			"documents": store.Count(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	deskHandler.Register(router.Group("/api"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: time.Duration(cfg.Analysis.TimeoutSeconds+30) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Disposition, X-Archive-URL")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// cacheMiddleware keeps API answers out of caches and lets the form page be cached briefly
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if strings.HasPrefix(path, "/api") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Next()
			return
		}

		if strings.HasSuffix(path, ".js") ||
			strings.HasSuffix(path, ".css") ||
			path == "/" {
			c.Header("Cache-Control", "public, max-age=3600, must-revalidate")
		}

		c.Next()
	}
}
