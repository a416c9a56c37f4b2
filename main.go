package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andi/mediabatch/backend/api"
	"github.com/andi/mediabatch/backend/config"
	"github.com/andi/mediabatch/backend/database"
	"github.com/andi/mediabatch/backend/executor"
	"github.com/andi/mediabatch/backend/scheduler"
	"github.com/andi/mediabatch/backend/watcher"
	log "github.com/sirupsen/logrus"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}
	if level, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}

	log.Println("=== MediaBatch Starting ===")

	db, err := database.New(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	log.Println("Database initialized")

	if err := database.NewConfigRepo(db).Seed(); err != nil {
		log.Fatalf("Failed to seed config defaults: %v", err)
	}

	hub := api.NewHub()
	defer hub.Stop()

	exec := executor.New(cfg.Executor.FFmpegPath, cfg.Executor.WorkDir)
	sched, err := scheduler.New(db, exec.Execute, hub)
	if err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}

	// repair tasks left running/queued by an unclean shutdown before
	// admission resumes
	if err := sched.Reconcile(); err != nil {
		log.Fatalf("Failed to reconcile persisted tasks: %v", err)
	}
	defer sched.Shutdown()
	log.Println("Scheduler initialized")

	var watch *watcher.Watcher
	if cfg.DropFolder.Enabled {
		watch, err = watcher.New(sched, cfg.DropFolder.Path, cfg.DropFolder.OutputDir)
		if err != nil {
			log.Fatalf("Failed to initialize drop folder watcher: %v", err)
		}
		if err := watch.Start(); err != nil {
			log.Fatalf("Failed to start drop folder watcher: %v", err)
		}
		defer watch.Stop()
	}

	server := api.New(db, sched, hub, cfg.Logging.Dir)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		fmt.Printf("MediaBatch is running on http://%s\n", addr)
		if err := server.Start(addr); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Fatalf("Server error: %v", err)
	case sig := <-quit:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		if err := server.Shutdown(); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		if watch != nil {
			watch.Stop()
		}
		sched.Shutdown()
		hub.Stop()
		db.Close()

		log.Println("Shutdown complete")
	}
}
