package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TelemetryHub/config"
	"TelemetryHub/internal/hub"
	"TelemetryHub/internal/listener"
	"TelemetryHub/internal/persist"
	"TelemetryHub/internal/portset"
	"TelemetryHub/internal/scanner"
	"TelemetryHub/internal/state"
	"TelemetryHub/internal/store"
	"TelemetryHub/logger"
	"TelemetryHub/web"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "config/config.yaml", "Path to configuration file")
	logLevel := flag.String("log", "", "Log level: debug, info, warn, error (overrides config)")

	// Debug overrides
	overrideWebPort := flag.Int("web-port", 0, "Override web server port")
	overrideStorePath := flag.String("store", "", "Override store database path")

	flag.Parse()

	// Load configuration
	logger.Info("Loading configuration from %s", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	// Apply Command Line Overrides
	if *overrideWebPort > 0 {
		logger.Info("[OVERRIDE] Web Port: %d -> %d", cfg.Web.Port, *overrideWebPort)
		cfg.Web.Port = *overrideWebPort
	}
	if *overrideStorePath != "" {
		logger.Info("[OVERRIDE] Store Path: %s -> %s", cfg.Store.Path, *overrideStorePath)
		cfg.Store.Path = *overrideStorePath
	}

	// Set log level from config or command line
	if *logLevel != "" {
		logger.SetLevelFromString(*logLevel)
	} else {
		logger.SetLevelFromString(cfg.Log.Level)
	}
	logger.SetFile(cfg.Log.File)

	logger.Info("Configuration loaded successfully (Log level: %s)", logger.GetLevelString())
	logger.Info("Scanning ports %d-%d (max %d), idle threshold %dms, scanner timeout %dms",
		cfg.Telemetry.PortRange.Min, cfg.Telemetry.PortRange.Max, cfg.Telemetry.MaxPorts,
		cfg.Telemetry.IdleThresholdMs, cfg.Telemetry.ScannerTimeoutMs)

	// Persistence is best effort: a broken store never stops ingestion.
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Warn("[STARTUP] Store unavailable, running without persistence: %v", err)
		st = nil
	}

	// Core components
	ports := portset.New(cfg.Telemetry.PortRange.Min, cfg.Telemetry.PortRange.Max, cfg.Telemetry.MaxPorts)
	engine := state.NewEngine(time.Duration(cfg.Telemetry.StaleThresholdMs) * time.Millisecond)
	registry := listener.NewRegistry(time.Duration(cfg.Telemetry.IdleThresholdMs)*time.Millisecond, engine)
	probe := scanner.NewProbe(time.Duration(cfg.Telemetry.ScannerTimeoutMs)*time.Millisecond,
		cfg.Telemetry.BufferSize, cfg.Telemetry.ThreadPoolSize)
	orchestrator := scanner.NewOrchestrator(ports, probe, registry)
	broadcastHub := hub.New(engine)

	var persister *persist.Persister
	if st != nil {
		persister = persist.New(st, engine)
		engine.OnDirty(persister.MarkDirty)
	}

	// Long-lived schedulers, each with its own cancellation
	scanCtx, scanCancel := context.WithCancel(context.Background())
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		orchestrator.Run(scanCtx)
	}()

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go registry.RunHealth(bgCtx)
	go engine.RunEvictor(bgCtx)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		broadcastHub.Run(hubCtx)
	}()

	persistCtx, persistCancel := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	if persister != nil {
		go func() {
			defer close(persistDone)
			persister.Run(persistCtx)
		}()
	} else {
		close(persistDone)
	}

	// HTTP surface
	server := web.NewServer(cfg.Web.Port, engine, broadcastHub, registry, orchestrator, st)
	server.Start()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info("TelemetryHub running. Press Ctrl+C to stop.")
	<-sigCh

	// Graceful shutdown: scanner first so no new listeners appear, then
	// the listeners, then fan-out, then the final persistence flush.
	logger.Info("[SHUTDOWN] Initiating graceful shutdown...")

	scanCancel()
	<-scanDone

	registry.Shutdown()
	bgCancel()

	hubCancel()
	<-hubDone

	persistCancel()
	<-persistDone

	server.Shutdown(3 * time.Second)

	if st != nil {
		if err := st.Close(); err != nil {
			logger.Warn("[SHUTDOWN] Store close failed: %v", err)
		}
	}

	logger.Info("[SHUTDOWN] Complete")
}
