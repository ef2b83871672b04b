// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// agenthub-apid is the control plane's HTTP daemon: it loads
// configuration and secrets, opens the durable store, wires every
// domain engine together, and serves the routes registered by
// internal/ingress until told to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/agenthub/control-plane/internal/authn"
	"github.com/agenthub/control-plane/internal/budget"
	"github.com/agenthub/control-plane/internal/config"
	"github.com/agenthub/control-plane/internal/delegation"
	"github.com/agenthub/control-plane/internal/federation"
	"github.com/agenthub/control-plane/internal/identity"
	"github.com/agenthub/control-plane/internal/ingress"
	"github.com/agenthub/control-plane/internal/lifecycle"
	"github.com/agenthub/control-plane/internal/policy"
	"github.com/agenthub/control-plane/internal/reliability"
	"github.com/agenthub/control-plane/internal/revocation"
	"github.com/agenthub/control-plane/internal/secret"
	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
	"github.com/agenthub/control-plane/lib/process"
	"github.com/agenthub/control-plane/lib/service"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("agenthub-apid", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to agenthub.yaml (overrides AGENTHUB_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("agenthub-apid (dev build)")
		return nil
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	// Secrets are loaded fail-closed, before anything else touches the
	// network or the store: a missing signing secret must never let the
	// daemon come up in a state where auth silently accepts everything.
	secrets, err := secret.Load()
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}
	defer func() {
		if closeErr := secrets.Close(); closeErr != nil {
			logger.Error("closing secret snapshot", "error", closeErr)
		}
	}()

	clk := clock.Real()

	st, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing store", "error", closeErr)
		}
	}()

	identitySvc := identity.New(st, clk, secrets.IdentitySigningSecret())
	delegationEngine := delegation.New(st, identitySvc, clk, secrets.IdentitySigningSecret())
	revocationEngine := revocation.New(st, clk)
	// The policy evaluator signs decisions with the same identity
	// signing secret: decision signatures and credential hashes serve
	// distinct purposes but both exist to prove this control plane, and
	// only this control plane, produced the value in question, so one
	// HMAC key covers both without weakening either.
	policyEvaluator := policy.New(st, clk, secrets.IdentitySigningSecret())
	budgetEngine := budget.New(st, clk)
	lifecycleEngine := lifecycle.New(st, policyEvaluator, budgetEngine, clk)
	reliabilityEngine := reliability.New(st, cfg.Reliability)
	federationRegistry, err := federation.New(st, clk, secrets.ProvenanceSecret())
	if err != nil {
		return fmt.Errorf("constructing federation registry: %w", err)
	}
	authResolver := authn.New(secrets, identitySvc, delegationEngine, clk)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := lifecycle.NewReaper(st, clk, logger)
	go reaper.Run(ctx)

	handler := ingress.New(ingress.Dependencies{
		Store:       st,
		Secrets:     secrets,
		Config:      cfg,
		Logger:      logger,
		Auth:        authResolver,
		Identity:    identitySvc,
		Delegation:  delegationEngine,
		Revocation:  revocationEngine,
		Policy:      policyEvaluator,
		Budget:      budgetEngine,
		Lifecycle:   lifecycleEngine,
		Reliability: reliabilityEngine,
		Federation:  federationRegistry,
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.ListenAddress,
		Handler: handler,
		Logger:  logger,
	})

	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(ctx)
	}()

	select {
	case <-httpServer.Ready():
		logger.Info("agenthub-apid ready",
			"address", httpServer.Addr().String(),
			"environment", cfg.Environment,
			"access_enforcement_mode", cfg.AccessEnforcementMode,
		)
	case <-ctx.Done():
		return ctx.Err()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-httpDone; err != nil {
		logger.Error("http server error", "error", err)
	}
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// newLogger selects a handler by environment, matching the reference
// implementation's local convenience vs. production machine-readable
// output split.
func newLogger(env config.Environment) *slog.Logger {
	if env == config.Production || env == config.Staging {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `agenthub-apid — AgentHub control plane HTTP daemon.

Serves agent identity, delegation, and authorization endpoints.
Configuration is loaded from the path in AGENTHUB_CONFIG, or --config.
Secrets are loaded from environment variables (see internal/secret).

Usage: agenthub-apid [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
