package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"example.com/spdyserve/internal/config"
	"example.com/spdyserve/internal/logger"
	"example.com/spdyserve/internal/server"
	"example.com/spdyserve/internal/spdy"
)

var configFilePath string

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the TOML configuration file")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}

	cfg, err := config.Load(absConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", absConfigPath, err)
	}

	appLogger, err := logger.NewStderr(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// The executor is owned here: every session borrows it, none destroys it.
	exec, err := spdy.NewPoolExecutor(cfg.Server.MaxThreadsPerProcess)
	if err != nil {
		log.Fatalf("Failed to create executor: %v", err)
	}
	defer exec.Close()

	handler := http.FileServer(http.Dir(cfg.Server.DocumentRoot))
	srv, err := server.New(cfg, appLogger, handler, exec)
	if err != nil {
		log.Fatalf("Failed to assemble server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLogger.Info("signal received, shutting down", logger.Fields{"signal": sig.String()})
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		appLogger.Error("server failed", logger.Fields{"error": err.Error()})
		os.Exit(1)
	}
	srv.Shutdown()
}
