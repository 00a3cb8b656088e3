// Command devagent is the connection-plane server: it upgrades incoming
// HTTP connections to framed transports, drives the auth/typing
// handshake, and dispatches the result to a management channel, a
// spawned extension-host worker, or a raw port tunnel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"devagent/internal/audit"
	"devagent/internal/config"
	"devagent/internal/connection"
	"devagent/internal/dispatcher"
	"devagent/internal/handshake"
	"devagent/internal/idle"
	"devagent/internal/registry"
	"devagent/internal/signer"
	"devagent/internal/staticassets"
	"devagent/internal/tunnel"
	"devagent/internal/upgrader"
	"devagent/internal/workerhost"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *slog.Logger) int {
	// --- Audit log ---
	var auditLog dispatcher.AuditLog = audit.Noop{}
	if cfg.DatabaseURL != "" {
		pg, err := audit.Open(cfg.DatabaseURL, logger)
		if err != nil {
			logger.Error("audit log database unreachable, continuing without it", slog.String("error", err.Error()))
		} else {
			defer pg.Close()
			auditLog = pg
		}
	}

	// --- Signer ---
	var sgnr signer.Signer = signer.NoopSigner{}
	if cfg.JWTSecret != "" {
		sgnr = signer.NewJWTSigner(cfg.JWTSecret)
	}

	machine := handshake.New(cfg.ConnectionToken, cfg.BuildCommit, sgnr, logger)

	// --- Registries, dispatcher, idle supervisor ---
	mgmtRegistry := registry.New[*connection.Management]()
	xhostRegistry := registry.New[*connection.ExtensionHost]()

	supervisor := idle.New(cfg.EnableAutoShutdown, xhostRegistry.Len, func(code int) {
		logger.Info("idle timeout reached with no extension hosts, shutting down")
		os.Exit(code)
	}, logger)

	workers := &workerhost.Factory{BinPath: cfg.ExtensionHostBin, Logger: logger}
	bridge := &tunnel.Bridge{Logger: logger}

	d := &dispatcher.Dispatcher{
		Management:                  mgmtRegistry,
		ExtensionHost:               xhostRegistry,
		Workers:                     workers.Spawn,
		Tunnels:                     bridge.Forward,
		Audit:                       auditLog,
		Logger:                      logger,
		OnExtensionHostCountChanged: supervisor.NotifyExtensionHostCount,
	}

	static := staticassets.New(cfg.WebUIRoot)

	httpUpgrader := upgrader.New(cfg.BuildCommit, machine, d, supervisor, static, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: httpUpgrader.Router(),
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	// Stable log lines scraped by external process supervisors. Never
	// change their shape or wording.
	fmt.Printf("Extension host agent listening on %d\n", cfg.Port)
	fmt.Printf("webview server listening on %d\n", cfg.Port)
	if cfg.WebUIRoot != "" {
		fmt.Printf("Web UI available at http://localhost:%d/#tkn=%s\n", cfg.Port, cfg.ConnectionToken)
	}

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server crashed", slog.String("error", err.Error()))
			return 1
		}
	case <-stop:
		logger.Info("shutting down")
	}

	supervisor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", slog.String("error", err.Error()))
		return 1
	}
	return 0
}
