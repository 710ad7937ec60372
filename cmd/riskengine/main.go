// Copyright 2025 Certen Protocol

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/certen/stablecoin-risk-engine/pkg/config"
	"github.com/certen/stablecoin-risk-engine/pkg/orchestrator"
	"github.com/certen/stablecoin-risk-engine/pkg/source"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("starting stablecoin risk aggregation engine")

	var (
		coinsFlag  = flag.String("coins", "", "comma-separated coins to track (overrides COINS env var)")
		chainsFlag = flag.String("chains", "", "comma-separated chains to monitor (overrides CHAINS env var)")
		duration   = flag.Int("duration", 0, "stop automatically after this many seconds (0 = run until signaled)")
		showHelp   = flag.Bool("help", false, "show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	if *coinsFlag != "" {
		cfg.Coins = splitCSV(*coinsFlag)
	}
	if *chainsFlag != "" {
		cfg.Chains = splitCSV(*chainsFlag)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("tracking coins=%v chains=%v", cfg.Coins, cfg.Chains)

	// Concrete live data sources (price feeds, DEX subgraphs, sentiment
	// APIs) are an explicit Non-goal of this codebase; an operator
	// wires their own Source implementations in before calling
	// orchestrator.New. A memory source is registered here only so the
	// engine has something to poll in the absence of one.
	sources := []source.Source{source.NewMemory("demo")}

	engine, err := orchestrator.New(cfg, sources)
	if err != nil {
		log.Fatalf("wire engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if *duration > 0 {
		var durationCancel context.CancelFunc
		ctx, durationCancel = context.WithTimeout(ctx, time.Duration(*duration)*time.Second)
		defer durationCancel()
	}
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		log.Fatalf("start engine: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
	case <-ctx.Done():
		log.Println("duration elapsed, shutting down")
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Println("engine stopped cleanly")
	case <-time.After(30 * time.Second):
		log.Println("engine shutdown timed out")
		os.Exit(1)
	}
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
