// Command mountd projects an Epic/EGL2-style build manifest as a
// read-only FUSE mount, serving chunk data on demand from a local cache
// and the CDN, with a health/metrics/stats HTTP surface alongside.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WorkingRobot/egvmount/internal/adminapi"
	"github.com/WorkingRobot/egvmount/internal/audit"
	"github.com/WorkingRobot/egvmount/internal/config"
	"github.com/WorkingRobot/egvmount/internal/debug"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/middleware"
	"github.com/WorkingRobot/egvmount/internal/mount"
	"github.com/WorkingRobot/egvmount/internal/readpath"
	"github.com/WorkingRobot/egvmount/internal/storage"
	"github.com/WorkingRobot/egvmount/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func main() {
	var (
		configPath = flag.String("config", "mountd.yaml", "Path to daemon configuration file")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	watcher, err := config.NewWatcher(*configPath, logger.WithField("component", "config"))
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	defer watcher.Close()
	cfg := watcher.Current()

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	debug.InitFromLogLevel(cfg.LogLevel)
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}

	m, err := loadManifest(cfg.Manifest)
	if err != nil {
		logger.WithError(err).Fatal("failed to load manifest")
	}
	logger.WithFields(logrus.Fields{
		"files":  len(m.Files),
		"chunks": len(m.Chunks),
	}).Info("manifest loaded")

	engine, err := storage.Open(cfg.Cache.Dir, cfg.CDN.CloudDir, m.ChunkSubDir(), storage.Options{
		Form:         cfg.Cache.CompressionMethod,
		Level:        cfg.Cache.CompressionLevel,
		VerifyHashes: cfg.Cache.VerifyHashes,
		PoolCapacity: int(cfg.Cache.BufferCount),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to open storage engine")
	}

	metrics := telemetry.New()
	engine.SetTelemetry(metrics)
	telemetry.SetVersion(version)

	if cfg.Audit.Enabled {
		auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
		if err != nil {
			logger.WithError(err).Fatal("failed to build audit logger")
		}
		engine.SetAudit(auditLogger)
		defer auditLogger.Close()
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer provider shutdown failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.StartSystemMetricsCollector(ctx)

	assembler := readpath.New(engine)
	fs := mount.New(m, assembler, mount.Options{
		VolumeLabel: cfg.Mount.VolumeLabel,
		Logger:      logger.WithField("component", "mount"),
	})

	mountReady := make(chan struct{})
	go func() {
		close(mountReady)
		if !fs.Mount(cfg.Mount.MountPoint, nil) {
			logger.Fatal("mount failed")
		}
	}()

	ready := func(ctx context.Context) error {
		select {
		case <-mountReady:
			return nil
		default:
			return fmt.Errorf("mount not yet started")
		}
	}

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.LoggingMiddleware(logger)))
	router.Use(mux.MiddlewareFunc(middleware.RecoveryMiddleware(logger)))

	adminHandler := adminapi.NewHandler(m, engine, metrics, logger, ready)
	adminHandler.RegisterRoutes(router)

	bulkHandler := adminapi.NewBulkHandler(engine, m, metrics, logger, int(cfg.Cache.ThreadCount))
	bulkHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.Admin.Addr,
		Handler: router,
	}

	go func() {
		logger.WithField("addr", cfg.Admin.Addr).Info("admin HTTP surface listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin HTTP server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	cancel()
}

func loadManifest(cfg config.ManifestConfig) (*manifest.Manifest, error) {
	if cfg.LocalPath != "" {
		data, err := os.ReadFile(cfg.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest file: %w", err)
		}
		return manifest.Parse(data, "")
	}

	resp, err := http.Get(cfg.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %s", resp.Status)
	}

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest response: %w", err)
	}
	return manifest.Parse(buf, "")
}

var version = "dev"
