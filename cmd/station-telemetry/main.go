package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"

	httpapi "github.com/i474232898/station-telemetry/internal/api/http"
	"github.com/i474232898/station-telemetry/internal/archive"
	"github.com/i474232898/station-telemetry/internal/cache"
	"github.com/i474232898/station-telemetry/internal/config"
	applog "github.com/i474232898/station-telemetry/internal/logger"
	"github.com/i474232898/station-telemetry/internal/scheduler"
	"github.com/i474232898/station-telemetry/internal/store"
	"github.com/i474232898/station-telemetry/internal/telemetry"
	"github.com/i474232898/station-telemetry/internal/telemetry/demo"
	"github.com/i474232898/station-telemetry/internal/telemetry/thingspeak"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log, logCloser, err := applog.New(applog.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		logrus.Fatalf("failed to configure logging: %v", err)
	}
	defer logCloser.Close()

	stations := telemetry.NewRegistry(cfg.Stations)
	log.WithFields(logrus.Fields{"stations": stations.Len(), "demo": cfg.DemoMode}).Info("starting station-telemetry")

	// Shared HTTP client for ThingSpeak calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	snapshotCache := cache.New(cfg.CacheTTL, time.Now)

	// Live client with optional backoff and a circuit breaker per channel.
	live := thingspeak.NewClient(stations, thingspeak.Config{
		BaseURL: cfg.ThingSpeakBaseURL,
		Results: cfg.ThingSpeakResults,
		HTTP: thingspeak.HTTPClientConfig{
			Client: httpClient,
			Backoff: thingspeak.BackoffConfig{
				MaxRetries:      cfg.ThingSpeakMaxRetries,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		Cache: snapshotCache,
		Log:   log,
	})

	demoLoc, err := time.LoadLocation(cfg.DemoTimezone)
	if err != nil {
		log.WithError(err).Fatal("invalid demo timezone")
	}
	generator := demo.NewGenerator(stations, demo.WithLocation(demoLoc), demo.WithEnabled(cfg.DemoMode))

	// Local snapshot store with configured retention.
	memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	if cfg.StateFile != "" {
		n, err := memStore.LoadFile(cfg.StateFile)
		if err != nil {
			log.WithError(err).Warn("failed to restore state file")
		} else {
			log.WithField("snapshots", n).Info("restored local snapshots")
		}
	}

	dataArchive := archive.New(cfg.ArchiveDir,
		archive.WithRetention(cfg.ArchiveRetention),
		archive.WithLogger(log),
	)

	// Core service routing between live, demo, local and archived data.
	service := telemetry.NewService(stations, live, generator,
		telemetry.WithDemoMode(cfg.DemoMode),
		telemetry.WithCache(snapshotCache),
		telemetry.WithLocalStore(memStore, cfg.CacheTTL),
		telemetry.WithArchive(dataArchive),
		telemetry.WithLogger(log),
	)

	var collector scheduler.ArchiveRunner
	if !cfg.DemoMode {
		collector = archive.NewCollector(dataArchive, live, stations, archive.CollectorConfig{
			Results: cfg.ArchiveResults,
			Cutoff:  cfg.ArchiveCutoff,
			Log:     log,
		})
	}

	// Scheduler that keeps the local snapshots warm and fills the archive.
	sched := scheduler.New(stations.Active(), service, collector, scheduler.Config{
		RefreshInterval: cfg.RefreshInterval,
		ArchiveInterval: cfg.ArchiveInterval,
		DemoMode:        cfg.DemoMode,
		Log:             log,
	})
	if err := sched.Start(); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "station-telemetry",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HTTPTimeout + 5*time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{Output: log.Writer()}))
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"service":  "station-telemetry",
			"demoMode": service.DemoMode(),
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service, httpapi.Options{
		Archive:       dataArchive,
		MaxInactivity: cfg.LivenessMaxInactivity,
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.WithError(err).Info("fiber server stopped")
		}
	}()
	log.WithField("port", cfg.Port).Info("listening")

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.WithError(err).Error("error during shutdown")
	}

	if cfg.StateFile != "" {
		if err := memStore.SaveFile(cfg.StateFile); err != nil {
			log.WithError(err).Error("failed to save state file")
		}
	}
}
