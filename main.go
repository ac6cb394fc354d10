package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tzfun/etcd-workbench/internal/config"
	"github.com/tzfun/etcd-workbench/internal/database"
	"github.com/tzfun/etcd-workbench/internal/etcd"
	"github.com/tzfun/etcd-workbench/internal/events"
	"github.com/tzfun/etcd-workbench/internal/handlers"
	"github.com/tzfun/etcd-workbench/internal/k8sfmt"
	"github.com/tzfun/etcd-workbench/internal/logging"
	"github.com/tzfun/etcd-workbench/internal/notify"
	"github.com/tzfun/etcd-workbench/internal/profiles"
	"github.com/tzfun/etcd-workbench/internal/session"
	"github.com/tzfun/etcd-workbench/internal/snapshot"
	"github.com/tzfun/etcd-workbench/internal/sshtunnel"
	"github.com/tzfun/etcd-workbench/internal/watcher"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--export-profiles":
			runCLICommand("export-profiles")
			return
		case "--import-profiles":
			runCLICommand("import-profiles")
			return
		}
	}

	config.Load()
	logging.Init(config.Cfg.LogPath)
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: DataPath=%s, ListenAddr=%s, TokenRequired=%v",
		config.Cfg.DataPath, config.Cfg.ListenAddr, config.Cfg.APIToken != "")

	bus := events.NewBus()
	notifier := notify.NewLogNotifier()
	store := profiles.NewStore()

	if err := os.MkdirAll(config.Cfg.SnapshotDir, 0o755); err != nil {
		log.Fatalf("Snapshot dir: %v", err)
	}
	snapshots := snapshot.NewManager(bus, config.Cfg.SnapshotDir)

	registry := session.NewRegistry(bus, notifier, store, session.Options{
		Connector: etcd.Options{
			DialTimeout:    config.Cfg.ConnectTimeout,
			RequestTimeout: config.Cfg.RequestTimeout,
			Formatter:      k8sfmt.Formatter{},
			RenameDirLimit: config.Cfg.RenameDirLimit,
			SearchLimit:    config.Cfg.SearchLimit,
		},
		Tunnel: sshtunnel.Options{
			ConnectTimeout:    config.Cfg.SSHConnectTimeout,
			KeepaliveInterval: config.Cfg.SSHKeepaliveInterval,
		},
		TunnelRateLimit: sshtunnel.RateLimitConfig{
			MaxAttemptsPerMinute: config.Cfg.SSHMaxAttemptsPerMin,
			MaxConsecFailures:    config.Cfg.SSHMaxAuthFailures,
			BlockDuration:        config.Cfg.SSHBlockDuration,
		},
		Watcher: watcher.Options{
			RetryInterval:  config.Cfg.WatchRetryInterval,
			RetryLimit:     config.Cfg.WatchRetryLimit,
			NotifyDebounce: config.Cfg.NotifyDebounce,
		},
		HealthFailureThreshold: config.Cfg.HealthFailureThreshold,
		OnClose:                snapshots.StopSession,
	})
	if err := registry.StartHealthChecks(config.Cfg.HealthCheckSchedule); err != nil {
		log.Printf("WARNING: session health checks disabled: %v", err)
	}

	api := &handlers.API{
		Sessions:  registry,
		Profiles:  store,
		Snapshots: snapshots,
		Bus:       bus,
		Notifier:  notifier,
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:              config.Cfg.ListenAddr,
		Handler:           handlers.NewRouter(api, config.Cfg.APIToken),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
		srv.Close()
	}

	snapshots.Close()
	registry.Close()
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	file := fs.String("file", "", "YAML file")
	fs.Parse(os.Args[2:])
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}

	if *file == "" {
		fmt.Fprintf(os.Stderr, "Usage: etcd-workbench --%s <file>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	store := profiles.NewStore()

	switch command {
	case "export-profiles":
		// The export carries credentials in clear text.
		f, err := os.OpenFile(*file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			log.Fatalf("Failed to create %s: %v", *file, err)
		}
		n, err := store.Export(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Fatalf("Failed to export profiles: %v", err)
		}
		fmt.Printf("Exported %d profiles to %s.\n", n, *file)

	case "import-profiles":
		f, err := os.Open(*file)
		if err != nil {
			log.Fatalf("Failed to open %s: %v", *file, err)
		}
		defer f.Close()
		n, err := store.Import(f)
		if err != nil {
			log.Fatalf("Failed to import profiles: %v", err)
		}
		fmt.Printf("Imported %d profiles from %s.\n", n, *file)
	}
}
