// Package main is the entry point for the IFCB bin viewer server.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ifcbdash/server/internal/api"
	"github.com/ifcbdash/server/internal/cache"
	"github.com/ifcbdash/server/internal/config"
	"github.com/ifcbdash/server/internal/metrics"
	"github.com/ifcbdash/server/internal/mosaic"
	"github.com/ifcbdash/server/internal/queue"
	"github.com/ifcbdash/server/internal/repository"
	"github.com/ifcbdash/server/internal/service"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "server",
		Short: "IFCB bin viewer server",
		Long: `Serves mosaic layouts, timeline navigation and metric time series for
imaging flow cytobot bins stored in SQLite.

Examples:
  server --config config/server.yaml                 # Run the HTTP server
  server migrate                                     # Create database schemas
  server pack --bin D20190601T120000_IFCB010         # Print one mosaic layout`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/server.yaml",
		"Path to configuration file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Printf("Starting IFCB bin viewer on port %d", cfg.Server.Port)

	ctx := context.Background()

	repo, err := repository.Open(cfg.Data.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open bin database: %w", err)
	}
	defer repo.Close()
	log.Printf("Bin database: %s", cfg.Data.SQLitePath)

	// Mosaic layout store, shared by every dataset
	store, err := cache.New(cfg.CacheStore())
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer store.Close()
	log.Printf("Mosaic cache: backend=%s compress=%v", cfg.Cache.Backend, cfg.CompressCache())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewPrometheus(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Work queue for cache warming (SQLite persistence)
	jobs, err := queue.NewManager(cfg.WorkQueue(), collector)
	if err != nil {
		return fmt.Errorf("failed to initialize work queue: %w", err)
	}
	log.Printf("Work queue: workers=%d, capacity=%d, retention_days=%d, sqlite=%s",
		cfg.Queue.Workers, cfg.Queue.Capacity, cfg.Queue.RetentionDays, cfg.Queue.SQLitePath)

	mosaics := mosaic.NewCache(mosaic.CacheConfig{
		Store:    store,
		Images:   repo,
		Queue:    jobs,
		Compress: cfg.CompressCache(),
		Metrics:  collector,
	})
	jobs.Handle(mosaic.JobKind, mosaics.HandleJob)
	jobs.Start()
	defer jobs.Stop()

	timelineEntries, timelineTTL := cfg.TimelineCache()
	binService := service.NewBinService(service.BinServiceConfig{
		Repo:            repo,
		Mosaics:         mosaics,
		TimelineEntries: timelineEntries,
		TimelineTTL:     timelineTTL,
	})

	shape, err := cfg.DefaultShape()
	if err != nil {
		return err
	}
	scale, err := cfg.DefaultScale()
	if err != nil {
		return err
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Service:      binService,
		Jobs:         jobs,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Title:        cfg.Server.Title,
		DefaultShape: shape,
		DefaultScale: scale,
		ViewSizes:    cfg.Mosaic.ViewSizes,
		ScaleFactors: cfg.Mosaic.ScaleFactors,
		Gatherer:     reg,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Printf("Mosaic cache stats: %v", cache.Stats(store))
	log.Println("Server stopped")
	return nil
}
