// apxflux is the singleton local log daemon every apxd instance forwards
// child output and browser console records to. It owns one SQLite table
// on a fixed port (11111, §4.C) shared by every dev session on the
// machine, and is started lazily by the first apxd that needs it.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/xfeldman/apxdev/internal/config"
	"github.com/xfeldman/apxdev/internal/flux"
	"github.com/xfeldman/apxdev/internal/logging"
)

func main() {
	logging.Setup("apxflux")
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		slog.Error("create directories", "error", err)
		os.Exit(1)
	}

	if flux.IsRunning() {
		slog.Error("flux already listening", "port", flux.Port)
		os.Exit(1)
	}

	store, err := flux.OpenStore(cfg.FluxDBPath)
	if err != nil {
		slog.Error("open flux store", "error", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", flux.Port))
	if err != nil {
		slog.Error("bind flux listener", "port", flux.Port, "error", err)
		os.Exit(1)
	}

	if err := flux.WriteLock(cfg.FluxLockPath); err != nil {
		slog.Warn("write flux lock", "error", err)
	}
	defer flux.RemoveLock(cfg.FluxLockPath)

	server := flux.NewServer(store, ln.Addr().String())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ln) }()

	slog.Info("apxflux ready", "pid", os.Getpid(), "port", flux.Port, "db", cfg.FluxDBPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serveErrCh:
		if err != nil && err != net.ErrClosed {
			slog.Error("flux server exited", "error", err)
		}
	}

	if err := server.Close(); err != nil {
		slog.Warn("flux server close", "error", err)
	}

	slog.Info("apxflux stopped")
}
