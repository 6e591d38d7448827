package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/compustat/relayd/internal/auth"
	"github.com/compustat/relayd/internal/config"
	"github.com/compustat/relayd/internal/launcher"
	"github.com/compustat/relayd/internal/logger"
	"github.com/compustat/relayd/internal/server"
	"github.com/compustat/relayd/internal/session"
	"github.com/compustat/relayd/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	listenAddr := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	defer func() { _ = log.Close() }()

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var launch launcher.Launcher
	if cfg.ComputeViaLauncher {
		launch = launcher.NewHTTPLauncher(cfg.LauncherURL, log)
	}

	authr := auth.NewAuthenticator([]byte(cfg.JWTHMACSecret), cfg.AuthCookieName, st)
	registry := session.NewService(cfg, st, launch, authr, log)
	srv := server.NewServer(cfg, registry, log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		registry.Shutdown()
		return err
	case sig := <-sigCh:
		log.Info("received %s, shutting down", sig)
		return srv.Stop()
	}
}
