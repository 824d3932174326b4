package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/neboloop/keeper/internal/config"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/server"
	"github.com/neboloop/keeper/internal/svc"
	"github.com/neboloop/keeper/internal/watchdog"
)

// RunKeeper starts the daemon: watchdog loop, HTTP API, config watcher.
// It blocks until SIGINT/SIGTERM.
func RunKeeper() {
	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(c); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.SetLevel(logging.ParseLevel(c.Log.Level))
	if verbose {
		logging.SetLevel(logging.LevelDebug)
	}
	if c.Log.File != "" {
		if err := logging.SetFile(c.Log.File); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: log file unavailable: %v\n", err)
		}
	}
	defer logging.Close()

	if err := c.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	// Enforce single instance with lock file
	lockFile, err := acquireLock(c.LockPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Keeper is already running. Only one instance allowed per computer.")
		os.Exit(1)
	}
	defer releaseLock(lockFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Infof("Received signal: %v - shutting down", sig)
		cancel()
	}()

	svcCtx := svc.NewServiceContext(*c, Version)
	defer svcCtx.Close()

	// Open the browser session before the first tick. A failure here is
	// not fatal: the first check records it and recovery reopens.
	if err := svcCtx.Prober.Open(ctx); err != nil {
		logging.Warnf("Initial browser open failed, recovery will retry: %v", err)
	}

	svcCtx.Start(ctx)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx, svcCtx, server.Options{Quiet: !verbose}); err != nil {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	// Hot reload: the safe subset applies live, the rest logs as
	// restart-required.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := config.Watch(ctx, configPath(), func(nc *config.Config) {
			applyReload(svcCtx, c, nc)
		}); err != nil {
			logging.Warnf("Config watcher unavailable: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logging.Errorf("%v", err)
		cancel()
	}

	wg.Wait()
}

// applyReload pushes the hot-reloadable settings into the running loop
// and names the fields that only take effect on restart.
func applyReload(svcCtx *svc.ServiceContext, old, next *config.Config) {
	svcCtx.Keeper.ApplySettings(watchdogSettings(next))
	logging.SetLevel(logging.ParseLevel(next.Log.Level))

	if next.TargetURL != old.TargetURL {
		logging.Warn("target_url changed; restart the keeper to apply")
	}
	if next.Port != old.Port {
		logging.Warn("port changed; restart the keeper to apply")
	}
	if next.Browser != old.Browser {
		logging.Warn("browser settings changed; restart the keeper to apply")
	}
}

func watchdogSettings(c *config.Config) watchdog.Settings {
	return watchdog.Settings{
		Interval:           c.CheckInterval(),
		RetryDelay:         c.RetryDelay(),
		MaxRetries:         c.MaxRetries,
		UnhealthyThreshold: c.UnhealthyThreshold,
		Adaptive:           c.AdaptiveInterval,
	}
}
