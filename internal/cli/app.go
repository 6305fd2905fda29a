package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"image-optimizer/internal/bulk"
	"image-optimizer/internal/cloud"
	"image-optimizer/internal/database"
	"image-optimizer/internal/discovery"
	"image-optimizer/internal/filesystem"
	"image-optimizer/internal/logging"
	"image-optimizer/internal/media"
	"image-optimizer/internal/memory"
	"image-optimizer/internal/metrics"
	"image-optimizer/internal/optimizer"
	"image-optimizer/internal/scanner"
	"image-optimizer/internal/scanstate"
	"image-optimizer/internal/settings"
	"image-optimizer/internal/startup"
	"image-optimizer/internal/tools"
)

// app holds the dependencies shared by every command.
type app struct {
	config     *startup.Config
	db         *database.Database
	store      *scanstate.Store
	tools      *tools.Runner
	monitor    *memory.Monitor
	dispatcher *optimizer.Dispatcher
	controller *bulk.Controller
}

// openApp loads configuration and opens the ledger and scan state. quiet
// suppresses the startup banner for one-shot commands.
func openApp(ctx context.Context, configFile string, quiet bool) (*app, error) {
	memResult := memory.ConfigureFromEnv()

	config, err := startup.LoadConfig(startup.Options{ConfigFile: configFile, Quiet: quiet})
	if err != nil {
		return nil, err
	}
	s := config.Settings
	startup.LogMemoryConfig(memResult)

	filesystem.SetDefaultVolumeResolver(filesystem.NewVolumeResolver(map[string]string{
		"media":    s.MediaDir,
		"database": s.DatabaseDir,
	}))
	filesystem.SetObserver(metrics.NewFilesystemObserver())
	metrics.InitializeMetrics()

	dbStart := time.Now()
	db, err := database.New(ctx, config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if !quiet {
		startup.LogDatabaseInit(time.Since(dbStart))
	}

	store, err := scanstate.Open(config.ScanStatePath)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open scan state: %w", err), db.Close())
	}

	a := &app{
		config:  config,
		db:      db,
		store:   store,
		tools:   tools.New(s.Tools),
		monitor: memory.NewMonitor(memoryConfig(s.Bulk)),
	}

	// A nil *cloud.Client must not reach the dispatcher as a non-nil interface.
	var remote optimizer.RemoteClient
	var quota bulk.QuotaChecker
	if s.HasCloud() {
		client, err := cloud.New(s.Cloud)
		if err != nil {
			return nil, errors.Join(err, a.Close())
		}
		remote, quota = client, client
	}

	if s.WebP.Enabled {
		if err := media.InitVips(); err != nil {
			logging.Warn("libvips unavailable, WebP needs cwebp: %v", err)
		}
	}

	a.dispatcher = optimizer.New(db, a.tools, remote, s)
	sc := scanner.New(db, store, discovery.NewFolderResolver(db, s), database.NewResolver(db), a.monitor, s)
	a.controller = bulk.New(db, store, sc, a.dispatcher, quota, s.Bulk)

	a.monitor.Start()
	return a, nil
}

func memoryConfig(cfg settings.Bulk) memory.Config {
	mc := memory.DefaultConfig()
	if cfg.MaxBatchSize > 0 {
		mc.MaxBatchSize = cfg.MaxBatchSize
	}
	if cfg.MemoryLimit != "" {
		limit, err := memory.ParseSize(cfg.MemoryLimit)
		if err != nil {
			logging.Warn("Invalid bulk.memory_limit %q: %v", cfg.MemoryLimit, err)
		} else {
			mc.MemoryLimitBytes = limit
		}
	}
	return mc
}

// Close releases everything openApp acquired.
func (a *app) Close() error {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.tools != nil {
		a.tools.Cleanup()
	}
	media.ShutdownVips()

	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close scan state: %w", err))
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
