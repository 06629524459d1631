// ABOUTME: Entry point for the krill-matrix bridge
// ABOUTME: Intercepts the companion app protocol and connects Matrix rooms to the agent gateway

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/silverbacking/krill/internal/agentlink"
	"github.com/silverbacking/krill/internal/config"
	"github.com/silverbacking/krill/internal/dedupe"
	"github.com/silverbacking/krill/internal/dispatch"
	"github.com/silverbacking/krill/internal/health"
	"github.com/silverbacking/krill/internal/matrix"
)

const banner = `
  _          _ _ _                        _        _
 | | ___ __ (_) | |      _ __ ___   __ _| |_ _ __(_)_  __
 | |/ / '__|| | | |_____| '_ ' _ \ / _' | __| '__| \ \/ /
 |   <| |   | | | |_____| | | | | | (_| | |_| |  | |>  <
 |_|\_\_|   |_|_|_|     |_| |_| |_|\__,_|\__|_|  |_/_/\_\
`

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to bridge.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:       %s\n", cfg.DataDir)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:    %s\n", cfg.Gateway.URL)
	green.Print("    ▶ ")
	fmt.Printf("Pairings:   %s (%s)\n", cfg.Pairing.Path, cfg.Pairing.Backend)
	if cfg.Patch.Target != "" {
		green.Print("    ▶ ")
		fmt.Printf("Patching:   %s\n", cfg.Patch.Target)
	}
	if cfg.Matrix.Encryption {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mx, err := matrix.NewClient(matrix.Options{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		AccessToken:  cfg.Matrix.AccessToken,
		Username:     cfg.Matrix.Username,
		Password:     cfg.Matrix.Password,
		DeviceName:   cfg.Matrix.DeviceName,
		AllowedRooms: cfg.Matrix.AllowedRooms,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}
	if err := mx.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	if cfg.Matrix.Encryption {
		crypto, err := matrix.SetupCrypto(ctx, mx, cfg.Matrix.PickleSecret, cfg.Matrix.RecoveryKey,
			filepath.Join(cfg.DataDir, "matrix"), logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer crypto.Close()
	} else {
		logger.Info("encryption disabled")
	}

	comps, err := buildComponents(cfg, matrix.NewMediaFetcher(mx), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			logger.Warn("closing components", "error", err)
		}
	}()

	agent := agentlink.NewClient(cfg.Gateway.URL, cfg.Gateway.Frontend)
	bridge := NewBridge(mx, agent, cfg.Gateway.Timeout, logger)
	defer bridge.Close()

	dispatcher, err := dispatch.New(dispatch.Deps{
		Pairing:  comps.pairing,
		Location: comps.location,
		Audio:    comps.audio,
		Camera:   comps.camera,
		Config:   comps.engine,
		Health: health.NewResponder(agent, nil, health.Options{
			Grace:        cfg.Health.Grace,
			ProbeTimeout: cfg.Health.ProbeTimeout,
			DataDir:      cfg.DataDir,
		}, logger),
		Transport: mx,
		Injector:  bridge,
		Dedupe:    dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEvents),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	// Deferred after the bridge so background protocol work stops first.
	defer dispatcher.Close()
	bridge.SetDispatcher(dispatcher)

	logger.Info("starting bridge")
	return mx.Run(ctx, bridge.OnMessage)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
