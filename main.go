package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := ParseConfig(os.Args[1:])
	if err != nil {
		logger.Fatalf("relay: config: %v", err)
	}

	var db *DB
	if cfg.DBPath != "" {
		db, err = OpenDB(cfg.DBPath)
		if err != nil {
			logger.Fatalf("relay: open database %s: %v", cfg.DBPath, err)
		}
		logger.Printf("relay: recording history in %s", cfg.DBPath)
	}

	hub := NewHub(cfg, db, logger)
	go hub.Run()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           SetupRoutes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("relay: listening on %s (queue=%d, overflow=%s, resume=%s)",
			cfg.Addr, cfg.OutboundQueue, cfg.OverflowPolicy, cfg.ResumeGrace)
		if cfg.StaticDir != "" {
			logger.Printf("relay: serving static files from %s", cfg.StaticDir)
		}
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("relay: ListenAndServe: %v", err)
		}
	}()

	<-stop
	logger.Println("relay: shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Sessions first, so every client gets a close frame while the
	// listener is still up.
	if err := hub.Shutdown(ctx); err != nil {
		logger.Printf("relay: hub shutdown: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("relay: http shutdown: %v", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Printf("relay: close database: %v", err)
		}
	}
}
