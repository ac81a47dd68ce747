// Command driftfs hosts the filesystem coordination engine: it opens the
// local stores, reconciles state left by the previous run, starts the
// background workers, and serves operations until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftfs/driftfs/internal/logger"
	"github.com/driftfs/driftfs/pkg/config"
	"github.com/driftfs/driftfs/pkg/vfs"
)

const (
	exitOK = iota
	exitConfig
	exitInit
)

// drainTimeout bounds how long shutdown waits for queued replication.
// Whatever misses the deadline is resumed on the next mount.
const drainTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mountPath   = flag.String("mount", "", "mount point path (overrides config)")
		storagePath = flag.String("storage", "", "local storage directory (overrides config)")
		configFile  = flag.String("config", "", "path to config file")
		foreground  = flag.Bool("foreground", false, "stay attached to the terminal")
		debug       = flag.Bool("debug", false, "enable debug logging")
		noSync      = flag.Bool("no-sync", false, "disable background replication")
		noCache     = flag.Bool("no-cache", false, "disable the in-memory content cache")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "driftfs: %v\n", err)
		return exitConfig
	}

	// Flags win over file and environment.
	if *mountPath != "" {
		cfg.Mount.Path = *mountPath
	}
	if *storagePath != "" {
		cfg.Mount.Storage = *storagePath
	}
	if *foreground {
		cfg.Mount.Foreground = true
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *noSync {
		cfg.Sync.Enabled = false
	}
	if *noCache {
		cfg.Cache.Enabled = false
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "driftfs: %v\n", err)
		return exitConfig
	}

	if err := config.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "driftfs: %v\n", err)
		return exitConfig
	}

	logger.Info("Starting driftfs (mount: %s, storage: %s)", cfg.Mount.Path, cfg.Mount.Storage)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local stores first: without metadata there is no filesystem.
	meta, err := config.NewMetadataStore(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open metadata store: %v", err)
		return exitInit
	}
	defer func() {
		if err := meta.Close(); err != nil {
			logger.Error("Failed to close metadata store: %v", err)
		}
	}()

	blobs, err := config.NewBlobStore(cfg)
	if err != nil {
		logger.Error("Failed to open blob store: %v", err)
		return exitInit
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			logger.Error("Failed to close blob store: %v", err)
		}
	}()

	remote, err := config.NewCloudClient(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize cloud client: %v", err)
		return exitInit
	}

	coordinator := config.NewSyncCoordinator(cfg, meta, blobs, remote)
	contentCache := config.NewCache(cfg)

	fs := vfs.New(meta, blobs, contentCache, coordinator)
	if err := fs.Reconcile(ctx); err != nil {
		logger.Error("Failed to reconcile stores: %v", err)
		return exitInit
	}

	if coordinator != nil {
		coordinator.Start(context.Background())
		if err := coordinator.Resume(ctx); err != nil {
			logger.Error("Failed to resume interrupted replication: %v", err)
			return exitInit
		}
	}

	collector := config.NewCollector(cfg, meta, blobs)
	collector.Start(ctx)

	logger.Info("driftfs ready")

	// The OS integration layer dispatches operations into fs from here on;
	// this process supervises the engine until it is told to stop.
	<-ctx.Done()
	stop()
	logger.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := fs.Close(shutdownCtx); err != nil {
		logger.Error("Failed to flush open handles: %v", err)
	}
	if coordinator != nil {
		if err := coordinator.Drain(shutdownCtx); err != nil {
			logger.Warn("Replication queue not drained: %v", err)
		}
		coordinator.Stop()
	}
	collector.Stop()

	logger.Info("driftfs stopped")
	return exitOK
}
