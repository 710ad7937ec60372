// Copyright 2025 Certen Protocol
//
// Chain Profile - per-chain finality and reorg parameters.
// Per Unified Multi-Chain Architecture: each chain carries its own
// confirmation/time thresholds rather than a single global constant.

package chainprofile

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile describes the finality and reorg behavior of one chain.
type Profile struct {
	Name string `yaml:"name"`

	BlockTimeMS int64 `yaml:"block_time_ms"`

	// PollIntervalMS is the block monitor's tuned polling cadence.
	// Distinct from the raw block time: a 12s-block chain is polled
	// every 3s to catch forks early, while sub-second chains are polled
	// near block rate.
	PollIntervalMS int64 `yaml:"poll_interval_ms"`

	// Confirmation thresholds mapping to TIER1/TIER2/TIER3.
	C1 uint64 `yaml:"c1"`
	C2 uint64 `yaml:"c2"`
	C3 uint64 `yaml:"c3"`

	// Wall-clock estimates (seconds) used for off-chain events.
	T1Seconds int64 `yaml:"t1_seconds"`
	T2Seconds int64 `yaml:"t2_seconds"`
	T3Seconds int64 `yaml:"t3_seconds"`

	MaxReorgDepth    uint64  `yaml:"max_reorg_depth"`
	ReorgProbability float64 `yaml:"reorg_probability"`

	RPCPrimary   string   `yaml:"rpc_primary"`
	RPCFallbacks []string `yaml:"rpc_fallbacks"`
}

// T3 returns the TIER3 wall-clock estimate as a Duration, also used as
// the cross-chain aggregation grace period.
func (p Profile) T3() time.Duration {
	return time.Duration(p.T3Seconds) * time.Second
}

// T2 returns the TIER2 wall-clock estimate as a Duration.
func (p Profile) T2() time.Duration {
	return time.Duration(p.T2Seconds) * time.Second
}

// T1 returns the TIER1 wall-clock estimate as a Duration.
func (p Profile) T1() time.Duration {
	return time.Duration(p.T1Seconds) * time.Second
}

// PollInterval is the block monitor's tuned polling cadence for this
// chain. Profiles that don't tune it fall back to the block time,
// floored so fast chains don't spin a tight loop against the RPC.
func (p Profile) PollInterval() time.Duration {
	if p.PollIntervalMS > 0 {
		return time.Duration(p.PollIntervalMS) * time.Millisecond
	}
	interval := time.Duration(p.BlockTimeMS) * time.Millisecond
	if interval < 250*time.Millisecond {
		return 250 * time.Millisecond
	}
	return interval
}

func (p Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("chain profile missing name")
	}
	if !(p.C1 < p.C2 && p.C2 < p.C3) {
		return fmt.Errorf("chain %s: confirmation thresholds must satisfy c1 < c2 < c3", p.Name)
	}
	if !(p.T1Seconds < p.T2Seconds && p.T2Seconds < p.T3Seconds) {
		return fmt.Errorf("chain %s: time thresholds must satisfy t1 < t2 < t3", p.Name)
	}
	if p.MaxReorgDepth == 0 {
		return fmt.Errorf("chain %s: max_reorg_depth must be positive", p.Name)
	}
	return nil
}

// Registry holds the set of configured chain profiles, keyed by the
// lowercased chain name.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a Registry from an explicit slice of profiles.
func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
		r.profiles[normalize(p.Name)] = p
	}
	return r, nil
}

func normalize(chain string) string {
	return strings.ToLower(strings.TrimSpace(chain))
}

// Get returns the profile for chain, or ok=false if unconfigured.
func (r *Registry) Get(chain string) (Profile, bool) {
	p, ok := r.profiles[normalize(chain)]
	return p, ok
}

// MustGet returns the profile for chain, panicking on an unconfigured
// chain. Intended for call sites that already validated the chain name
// at configuration-load time (a ConfigurationError, not a runtime one).
func (r *Registry) MustGet(chain string) Profile {
	p, ok := r.Get(chain)
	if !ok {
		panic(fmt.Sprintf("chainprofile: unconfigured chain %q", chain))
	}
	return p
}

// Chains returns the configured chain names.
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

// SlowestT3 returns the largest TIER3 wall-clock estimate among the
// given chains. Used by the cross-chain aggregator's readiness grace
// period: "grace = TIER3 time of the slowest contributing
// chain".
func (r *Registry) SlowestT3(chains []string) time.Duration {
	var slowest time.Duration
	for _, c := range chains {
		p, ok := r.Get(c)
		if !ok {
			continue
		}
		if t3 := p.T3(); t3 > slowest {
			slowest = t3
		}
	}
	return slowest
}

// fileConfig is the on-disk YAML shape: a flat list of chain profiles.
type fileConfig struct {
	Chains []Profile `yaml:"chains"`
}

// LoadRegistryFromYAML loads a Registry from a YAML file.
func LoadRegistryFromYAML(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chainprofile: read %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("chainprofile: parse %s: %w", path, err)
	}
	return NewRegistry(cfg.Chains)
}

// DefaultProfiles returns the three representative chain profiles from
// the built-in table, used when no YAML file is supplied.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:             "ethereum",
			BlockTimeMS:      12000,
			PollIntervalMS:   3000,
			C1:               1,
			C2:               32,
			C3:               64,
			T1Seconds:        12,
			T2Seconds:        384,
			T3Seconds:        768,
			MaxReorgDepth:    64,
			ReorgProbability: 0.01,
		},
		{
			Name:             "arbitrum",
			BlockTimeMS:      250,
			PollIntervalMS:   500,
			C1:               1,
			C2:               50,
			C3:               256,
			T1Seconds:        1,
			T2Seconds:        13,
			T3Seconds:        900,
			MaxReorgDepth:    256,
			ReorgProbability: 0.02,
		},
		{
			Name:             "solana",
			BlockTimeMS:      400,
			PollIntervalMS:   400,
			C1:               1,
			C2:               32,
			C3:               300,
			T1Seconds:        1,
			T2Seconds:        13,
			T3Seconds:        120,
			MaxReorgDepth:    300,
			ReorgProbability: 0.05,
		},
	}
}

// DefaultRegistry builds a Registry from DefaultProfiles.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultProfiles())
	if err != nil {
		// Unreachable: DefaultProfiles is a compile-time constant
		// satisfying validate()'s invariants.
		panic(err)
	}
	return r
}
