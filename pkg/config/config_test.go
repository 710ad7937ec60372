// Copyright 2025 Certen Protocol

package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenEnvUnset(t *testing.T) {
	for _, key := range []string{"COINS", "CHAINS", "WINDOW_SIZE", "QUALITY_Z_THRESHOLD"} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Coins) != 3 || cfg.Coins[0] != "USDC" {
		t.Fatalf("expected default coin catalog, got %v", cfg.Coins)
	}
	if len(cfg.Chains) != 3 || cfg.Chains[0] != "ethereum" {
		t.Fatalf("expected default chain catalog, got %v", cfg.Chains)
	}
	if cfg.Window.WindowSize != 300*time.Second {
		t.Fatalf("expected default window size 300s, got %v", cfg.Window.WindowSize)
	}
	if cfg.DepegThresholds["USDC"] != 0.02 {
		t.Fatalf("expected default depeg threshold 0.02, got %v", cfg.DepegThresholds["USDC"])
	}
	if cfg.CrossCoin.ContagionThreshold != 2 {
		t.Fatalf("expected default contagion threshold 2, got %v", cfg.CrossCoin.ContagionThreshold)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Setenv("COINS", "USDC,FRAX")
	os.Setenv("WINDOW_SIZE", "60s")
	os.Setenv("DEPEG_THRESHOLDS", "FRAX:0.02")
	os.Setenv("CROSSCOIN_CONTAGION_THRESHOLD", "3")
	os.Setenv("LIQUIDITY_MIN", "FRAX:500000")
	defer func() {
		os.Unsetenv("COINS")
		os.Unsetenv("WINDOW_SIZE")
		os.Unsetenv("DEPEG_THRESHOLDS")
		os.Unsetenv("CROSSCOIN_CONTAGION_THRESHOLD")
		os.Unsetenv("LIQUIDITY_MIN")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Coins) != 2 || cfg.Coins[1] != "FRAX" {
		t.Fatalf("expected overridden coin catalog, got %v", cfg.Coins)
	}
	if cfg.Window.WindowSize != 60*time.Second {
		t.Fatalf("expected overridden window size 60s, got %v", cfg.Window.WindowSize)
	}
	if cfg.DepegThresholds["FRAX"] != 0.02 {
		t.Fatalf("expected overridden depeg threshold 0.02, got %v", cfg.DepegThresholds["FRAX"])
	}
	if cfg.CrossCoin.ContagionThreshold != 3 {
		t.Fatalf("expected overridden contagion threshold 3, got %v", cfg.CrossCoin.ContagionThreshold)
	}
	if cfg.CrossCoin.LiquidityMin["FRAX"] != 500000 {
		t.Fatalf("expected overridden liquidity min 500000, got %v", cfg.CrossCoin.LiquidityMin["FRAX"])
	}
}

func TestValidate_RequiresCoinsAndChains(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty coins/chains")
	}
	cfg.Coins = []string{"USDC"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty chains")
	}
	cfg.Chains = []string{"ethereum"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadChainProfiles_DefaultsWithoutPath(t *testing.T) {
	cfg := &Config{}
	registry, err := cfg.LoadChainProfiles()
	if err != nil {
		t.Fatalf("LoadChainProfiles: %v", err)
	}
	if _, ok := registry.Get("ethereum"); !ok {
		t.Fatal("expected default registry to contain ethereum")
	}
}
