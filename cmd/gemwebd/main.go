// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// gemwebd - OpenAI-compatible gateway over consumer and official Gemini surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/gemweb/internal/config"
	"github.com/jeranaias/gemweb/internal/credentials"
	"github.com/jeranaias/gemweb/internal/gemweb"
	"github.com/jeranaias/gemweb/internal/official"
	"github.com/jeranaias/gemweb/internal/protocol"
	"github.com/jeranaias/gemweb/internal/router"
	"github.com/jeranaias/gemweb/internal/server"
	"github.com/jeranaias/gemweb/internal/telemetry"
	"github.com/jeranaias/gemweb/internal/tier"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.gemweb/config.toml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gemwebd %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("gemwebd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	classifier, watcher, err := buildClassifier(cfg)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
		go watcher.Run(ctx)
	}

	var providers []router.Provider
	byName := map[string]router.Provider{}

	if cfg.Web.Enabled {
		provider, err := buildWebProvider(cfg, classifier)
		if err != nil {
			return err
		}
		byName[gemweb.ProviderName] = provider
	}
	if cfg.Official.Enabled {
		provider, err := buildOfficialProvider(cfg, classifier)
		if err != nil {
			return err
		}
		byName[official.ProviderName] = provider
	}
	for _, name := range cfg.Tier.PriorityOrder {
		if p, ok := byName[name]; ok {
			providers = append(providers, p)
		}
	}
	if len(providers) == 0 {
		return errors.New("no providers enabled")
	}

	var recorder router.Recorder
	if cfg.Telemetry.Enabled {
		path, err := cfg.LedgerPath()
		if err != nil {
			return err
		}
		ledger, err := telemetry.OpenLedger(path)
		if err != nil {
			return fmt.Errorf("open attempt ledger: %w", err)
		}
		defer ledger.Close()
		recorder = ledger
	}

	completions := router.New(recorder, providers...)

	srv := server.New(serverConfig(cfg), completions, providers, statsSource(recorder))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig loads from the explicit path when given, the default location
// otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// buildClassifier assembles the shared tier classifier, with optional
// external tuning and live reload.
func buildClassifier(cfg *config.Config) (*tier.Classifier, *tier.Watcher, error) {
	tuning := tier.DefaultConfig()
	if cfg.Tier.ConfigPath != "" {
		loaded, err := tier.LoadConfig(cfg.Tier.ConfigPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load tier config: %w", err)
		}
		tuning = loaded
	}
	classifier := tier.NewClassifier(tuning)

	if cfg.Tier.ConfigPath != "" && cfg.Tier.Watch {
		watcher, err := tier.NewWatcher(cfg.Tier.ConfigPath, classifier)
		if err != nil {
			return nil, nil, fmt.Errorf("watch tier config: %w", err)
		}
		return classifier, watcher, nil
	}
	return classifier, nil, nil
}

// buildWebProvider wires the credential store, refresh controller, and
// protocol session into the web chat provider.
func buildWebProvider(cfg *config.Config, classifier *tier.Classifier) (router.Provider, error) {
	passphrase, err := config.Passphrase()
	if err != nil {
		return nil, err
	}
	storePath, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	profileDir, err := cfg.ProfileDir()
	if err != nil {
		return nil, err
	}

	store := credentials.NewStore(storePath, passphrase)
	driver, err := newCommandDriver(cfg.Credentials.HarvestCommand)
	if err != nil {
		return nil, err
	}

	controllerCfg := credentials.DefaultControllerConfig()
	controllerCfg.ProfileDir = profileDir
	controllerCfg.BrowserTimeout = time.Duration(cfg.Credentials.BrowserTimeoutSecs) * time.Second
	controllerCfg.MaxAttempts = cfg.Credentials.MaxAttempts
	controllerCfg.BackoffBase = time.Duration(cfg.Credentials.BackoffInitialMs) * time.Millisecond
	controllerCfg.BackoffMultiplier = cfg.Credentials.BackoffMultiplier
	controllerCfg.BackoffCap = time.Duration(cfg.Credentials.BackoffCapSecs) * time.Second
	controllerCfg.CircuitThreshold = cfg.Credentials.CircuitThreshold
	controllerCfg.DeadTimeout = time.Duration(cfg.Credentials.DeadTimeoutSecs) * time.Second
	controllerCfg.SuppressionWindow = time.Duration(cfg.Credentials.SuppressionWindowSecs) * time.Second
	controllerCfg.MaxCredentialAge = time.Duration(cfg.Credentials.MaxCredentialAgeHours) * time.Hour

	controller := credentials.NewController(store, driver, controllerCfg, nil, nil)

	sessionCfg := protocol.DefaultSessionConfig()
	sessionCfg.BaseURL = cfg.Web.BaseURL
	sessionCfg.Language = cfg.Web.Language
	sessionCfg.Timeout = time.Duration(cfg.Web.TimeoutSecs) * time.Second
	sessionCfg.RequestsPerMinute = cfg.Web.RequestsPerMinute

	session := protocol.NewSession(protocol.NewHTTPTransport(), controller, sessionCfg, nil, nil)
	return gemweb.NewProvider(session, controller, classifier), nil
}

// buildOfficialProvider wires the official API session into its provider.
func buildOfficialProvider(cfg *config.Config, classifier *tier.Classifier) (router.Provider, error) {
	if cfg.Official.APIKey == "" {
		return nil, errors.New("official surface enabled but no API key configured (set GOOGLE_API_KEY)")
	}

	sessionCfg := official.DefaultSessionConfig()
	sessionCfg.APIKey = cfg.Official.APIKey
	if cfg.Official.BaseURL != "" {
		sessionCfg.BaseURL = cfg.Official.BaseURL
	}
	sessionCfg.Timeout = time.Duration(cfg.Official.TimeoutSecs) * time.Second
	sessionCfg.MaxAttempts = cfg.Official.MaxAttempts
	sessionCfg.BackoffInitial = time.Duration(cfg.Official.BackoffInitialMs) * time.Millisecond
	sessionCfg.BackoffMax = time.Duration(cfg.Official.BackoffMaxSecs) * time.Second
	sessionCfg.BreakerThreshold = cfg.Official.BreakerThreshold
	sessionCfg.BreakerReset = time.Duration(cfg.Official.BreakerResetSecs) * time.Second

	session := official.NewSession(sessionCfg, nil, nil, nil)
	return official.NewProvider(session, classifier, cfg.Official.DefaultModel), nil
}

// serverConfig maps file configuration onto the server package's Config.
func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:              cfg.Server.Addr,
		AuthToken:         cfg.Server.AuthToken,
		RequestTimeout:    time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		MaxMessages:       cfg.Server.MaxMessages,
		MaxTotalChars:     cfg.Server.MaxTotalMessageChars,
		MaxInflight:       cfg.Server.MaxInflight,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		EnableStreaming:   cfg.Server.EnableStreaming,
	}
}

// statsSource adapts the recorder for the /stats endpoint; a non-ledger
// recorder (or none) yields no stats.
func statsSource(recorder router.Recorder) server.StatsSource {
	if ledger, ok := recorder.(*telemetry.Ledger); ok {
		return ledger
	}
	return nil
}
