// Copyright 2025 Certen Protocol
//
// Orchestrator - wires sources, the quality pipeline, finality
// tracking, per-coin window managers, per-chain block monitors and the
// reorg handler into one running engine.
//
// Construction order: config -> transports -> stateful services ->
// HTTP server -> signal-driven shutdown.

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/certen/stablecoin-risk-engine/pkg/aggregator"
	"github.com/certen/stablecoin-risk-engine/pkg/blockmonitor"
	"github.com/certen/stablecoin-risk-engine/pkg/chainprofile"
	"github.com/certen/stablecoin-risk-engine/pkg/chainrpc"
	"github.com/certen/stablecoin-risk-engine/pkg/config"
	"github.com/certen/stablecoin-risk-engine/pkg/crosscoin"
	"github.com/certen/stablecoin-risk-engine/pkg/event"
	"github.com/certen/stablecoin-risk-engine/pkg/finality"
	"github.com/certen/stablecoin-risk-engine/pkg/metrics"
	"github.com/certen/stablecoin-risk-engine/pkg/quality"
	"github.com/certen/stablecoin-risk-engine/pkg/reorg"
	"github.com/certen/stablecoin-risk-engine/pkg/reorglog"
	"github.com/certen/stablecoin-risk-engine/pkg/snapshotsink"
	"github.com/certen/stablecoin-risk-engine/pkg/source"
	"github.com/certen/stablecoin-risk-engine/pkg/tcs"
	"github.com/certen/stablecoin-risk-engine/pkg/window"
	"github.com/certen/stablecoin-risk-engine/pkg/winstore"
)

// snapshotStore adapts a winstore.Store and a snapshotsink.Sink into
// the single window.Store interface the window manager depends on, so
// one FINAL window triggers both durable persistence and emission.
type snapshotStore struct {
	durable *winstore.Store // optional
	sink    *snapshotsink.Sink
	logger  *log.Logger
	onFinal func(*event.AggregatedRiskSnapshot) // optional
}

func (s *snapshotStore) SaveFinal(ctx context.Context, w *event.TimeWindow) error {
	if s.durable != nil {
		if err := s.durable.SaveFinal(ctx, w); err != nil {
			s.logger.Printf("durable window store: %v", err)
		}
	}
	if w.Snapshot == nil {
		return nil
	}
	if s.onFinal != nil {
		s.onFinal(w.Snapshot)
	}
	return s.sink.Emit(ctx, w.Snapshot)
}

// Orchestrator owns every running component of the engine.
type Orchestrator struct {
	cfg      *config.Config
	logger   *log.Logger
	profiles *chainprofile.Registry

	breaker  *quality.CircuitBreaker
	pipeline *quality.Pipeline
	poller   *source.Poller
	tracker  *finality.Tracker
	calc     *tcs.Calculator
	agg      *aggregator.Aggregator

	reorgHandler *reorg.Handler
	reorgLog     reorg.Log

	managers map[string]*window.Manager // coin -> manager
	monitors map[string]*blockmonitor.Monitor

	metricsRegistry *metrics.Registry
	metricsServer   *http.Server
	sink            *snapshotsink.Sink
	durableStore    *winstore.Store

	analyzer *crosscoin.Analyzer

	snapshotsMu     sync.RWMutex
	latestSnapshots map[string]*event.AggregatedRiskSnapshot

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires every component per cfg. sources are polled for every
// configured (coin, chain) pair; concrete Source implementations (live
// price feeds, DEX subgraphs, sentiment APIs) are an explicit Non-goal
// of this codebase, so callers supply their own.
func New(cfg *config.Config, sources []source.Source) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.New(os.Stdout, "[Orchestrator] ", log.LstdFlags|log.Lmicroseconds)

	profiles, err := cfg.LoadChainProfiles()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load chain profiles: %w", err)
	}

	breaker := quality.NewCircuitBreaker(cfg.CircuitBreaker)
	pipeline := quality.New(cfg.Quality)
	poller := source.NewPoller(sources, breaker)

	rpcs, err := buildChainRPCs(cfg, profiles, logger)
	if err != nil {
		return nil, err
	}
	tracker, err := finality.New(finality.Config{Profiles: profiles, RPCs: rpcs, Logger: log.New(os.Stdout, "[FinalityTracker] ", log.LstdFlags)})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: finality tracker: %w", err)
	}

	calc := tcs.New(cfg.TCS)
	agg := aggregator.New(aggregator.Config{Calculator: calc, Profiles: profiles, IDGenerator: uuid.NewString})

	metricsRegistry := metrics.New()

	var reorgLog reorg.Log
	if cfg.ReorgLogDatabaseURL != "" {
		store, err := reorglog.Open(context.Background(), reorglog.DefaultClientConfig(cfg.ReorgLogDatabaseURL))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open reorg log: %w", err)
		}
		reorgLog = store
	} else {
		reorgLog = &reorglog.MemoryLog{}
		logger.Println("REORG_LOG_DATABASE_URL unset - reorg diagnostics stay in-memory only")
	}
	reorgHandler := reorg.New(reorgLog)

	var durableStore *winstore.Store
	if cfg.WindowStoreDir != "" {
		durableStore, err = winstore.Open(cfg.WindowStoreDir)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open window store: %w", err)
		}
	} else {
		logger.Println("WINDOW_STORE_DIR unset - FINAL windows are not durably persisted")
	}

	sink, err := snapshotsink.New(context.Background(), snapshotsink.DefaultConfig(os.Stdout))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: snapshot sink: %w", err)
	}

	// o is captured by the store's onFinal closure before it exists;
	// the closure only fires once the orchestrator is running, by
	// which point o is fully assigned below.
	var o *Orchestrator
	store := &snapshotStore{durable: durableStore, sink: sink, logger: logger, onFinal: func(s *event.AggregatedRiskSnapshot) {
		if o != nil {
			o.recordSnapshot(s)
		}
	}}
	coins := window.StaticCoinResolver(cfg.DepegThresholds)

	managers := make(map[string]*window.Manager, len(cfg.Coins))
	for _, coin := range cfg.Coins {
		windowCfg := cfg.Window
		windowCfg.Aggregator = agg
		windowCfg.Refresher = tracker
		windowCfg.Coins = coins
		windowCfg.Store = store
		windowCfg.Metrics = metricsRegistry
		windowCfg.Logger = log.New(os.Stdout, fmt.Sprintf("[WindowManager:%s] ", coin), log.LstdFlags)
		mgr, err := window.New(windowCfg)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: window manager for %s: %w", coin, err)
		}
		managers[coin] = mgr
	}

	o = &Orchestrator{
		cfg:             cfg,
		logger:          logger,
		profiles:        profiles,
		breaker:         breaker,
		pipeline:        pipeline,
		poller:          poller,
		tracker:         tracker,
		calc:            calc,
		agg:             agg,
		reorgHandler:    reorgHandler,
		reorgLog:        reorgLog,
		managers:        managers,
		monitors:        make(map[string]*blockmonitor.Monitor, len(cfg.Chains)),
		metricsRegistry: metricsRegistry,
		sink:            sink,
		durableStore:    durableStore,
		analyzer:        crosscoin.New(cfg.CrossCoin),
		latestSnapshots: make(map[string]*event.AggregatedRiskSnapshot, len(cfg.Coins)),
		stopCh:          make(chan struct{}),
	}

	for _, chain := range cfg.Chains {
		profile, ok := profiles.Get(chain)
		if !ok {
			logger.Printf("no chain profile configured for %s - skipping block monitor", chain)
			continue
		}
		rpc, ok := rpcs[chain]
		if !ok {
			logger.Printf("no RPC transport configured for %s - finality runs off-chain-only for this chain", chain)
			continue
		}
		mon, err := blockmonitor.New(blockmonitor.Config{
			Chain:        chain,
			Profile:      profile,
			RPC:          rpc,
			Reorg:        reorgHandler,
			Logger:       log.New(os.Stdout, fmt.Sprintf("[BlockMonitor:%s] ", chain), log.LstdFlags),
			OnCorrection: o.ingestCorrections,
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: block monitor for %s: %w", chain, err)
		}
		o.monitors[chain] = mon
	}

	return o, nil
}

// buildChainRPCs constructs a ChainRPC per configured chain that has a
// concrete transport in this codebase (EVM-style chains over an RPC
// URL). Endpoints come from the chain profile's rpc_primary and
// rpc_fallbacks; an ETHEREUM_RPC_URL/ARBITRUM_RPC_URL env var, when
// set, overrides the profile's primary. Multiple endpoints are wrapped
// in a failover transport. Chains without an endpoint or without an
// EVM dialect (e.g. solana, which has no client adapter here) fall
// back to off-chain finality only.
func buildChainRPCs(cfg *config.Config, profiles *chainprofile.Registry, logger *log.Logger) (map[string]chainrpc.ChainRPC, error) {
	envPrimary := map[string]string{
		"ethereum": cfg.EthereumRPCURL,
		"arbitrum": cfg.ArbitrumRPCURL,
	}
	evmChains := map[string]bool{"ethereum": true, "arbitrum": true}

	rpcs := make(map[string]chainrpc.ChainRPC)
	for _, chain := range cfg.Chains {
		profile, ok := profiles.Get(chain)
		if !ok {
			continue
		}
		urls := rpcEndpoints(envPrimary[chain], profile)
		if len(urls) == 0 {
			continue
		}
		if !evmChains[chain] {
			logger.Printf("chain %s has RPC endpoints configured but no transport adapter - finality runs off-chain-only", chain)
			continue
		}

		clients := make([]chainrpc.ChainRPC, 0, len(urls))
		for _, url := range urls {
			client, err := ethclient.Dial(url)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: dial %s RPC %s: %w", chain, url, err)
			}
			rpc, err := chainrpc.NewEVMClient(chainrpc.DefaultEVMClientConfig(client))
			if err != nil {
				return nil, fmt.Errorf("orchestrator: %s chainrpc: %w", chain, err)
			}
			clients = append(clients, rpc)
		}
		if len(clients) == 1 {
			rpcs[chain] = clients[0]
			continue
		}
		failover, err := chainrpc.NewFailover(clients, log.New(os.Stdout, fmt.Sprintf("[ChainRPC:%s] ", chain), log.LstdFlags))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: %s failover: %w", chain, err)
		}
		rpcs[chain] = failover
	}
	return rpcs, nil
}

// rpcEndpoints resolves the ordered endpoint list for one chain: the
// env override (or the profile's rpc_primary) first, then the
// profile's rpc_fallbacks, deduplicated.
func rpcEndpoints(envPrimary string, profile chainprofile.Profile) []string {
	primary := envPrimary
	if primary == "" {
		primary = profile.RPCPrimary
	}

	var urls []string
	seen := make(map[string]bool)
	add := func(url string) {
		if url != "" && !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}
	add(primary)
	for _, fb := range profile.RPCFallbacks {
		add(fb)
	}
	return urls
}

// ingestCorrections routes reorg correction events back through the
// quality pipeline and into their coin's window manager, and
// re-registers on-chain corrections with their chain's block monitor
// so a further reorg can affect them too.
func (o *Orchestrator) ingestCorrections(corrections []*event.RiskEvent) {
	for _, c := range o.pipeline.Process(corrections) {
		mgr, ok := o.managers[c.Coin]
		if !ok {
			o.logger.Printf("correction for unconfigured coin %s dropped: %s", c.Coin, c.EventID)
			continue
		}
		if err := mgr.AddEvent(c); err != nil {
			o.logger.Printf("ingest correction %s: %v", c.EventID, err)
			continue
		}
		if c.BlockNumber != nil {
			if mon, ok := o.monitors[c.Chain]; ok {
				mon.Register(c)
			}
		}
	}
}

// Start launches the metrics server, every per-chain block monitor,
// every per-coin window manager, and the poll loop for every
// configured (coin, chain) pair.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.metricsServer = metrics.Serve(metrics.Config{Enabled: true, Addr: o.cfg.MetricsAddr, Path: o.cfg.MetricsPath}, o.metricsRegistry)
	o.logger.Printf("metrics listening on %s%s", o.cfg.MetricsAddr, o.cfg.MetricsPath)

	for chain, mon := range o.monitors {
		if err := mon.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start block monitor %s: %w", chain, err)
		}
	}
	for coin, mgr := range o.managers {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("orchestrator: start window manager %s: %w", coin, err)
		}
	}

	for _, coin := range o.cfg.Coins {
		for _, chain := range o.cfg.Chains {
			profile, ok := o.profiles.Get(chain)
			if !ok {
				continue
			}
			o.wg.Add(1)
			go o.pollLoop(ctx, coin, chain, profile.PollInterval())
		}
	}

	o.logger.Println("orchestrator started")
	return nil
}

// pollLoop polls one (coin, chain) pair on interval until ctx is done
// or Stop is called, running each batch through the quality pipeline
// before handing survivors to the coin's window manager.
func (o *Orchestrator) pollLoop(ctx context.Context, coin, chain string, interval time.Duration) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	mgr := o.managers[coin]
	mon := o.monitors[chain]

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			events, err := o.poller.PollAll(ctx, coin, chain)
			if err != nil {
				o.logger.Printf("poll %s/%s: %v", coin, chain, err)
				continue
			}
			if len(events) == 0 {
				continue
			}
			for _, e := range o.pipeline.Process(events) {
				if err := o.tracker.Refresh(ctx, e); err != nil {
					o.logger.Printf("initial finality refresh %s: %v", e.EventID, err)
				}
				if err := mgr.AddEvent(e); err != nil {
					o.logger.Printf("add event %s: %v", e.EventID, err)
					continue
				}
				if mon != nil && e.BlockNumber != nil {
					mon.Register(e)
				}
				o.metricsRegistry.ObserveTCS(coin, e.TemporalConfidence)
			}
		}
	}
}

// Stop halts every poll loop, block monitor and window manager, closes
// durable stores, and shuts the metrics server down gracefully.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()

	for _, mon := range o.monitors {
		mon.Stop()
	}
	for _, mgr := range o.managers {
		mgr.Stop()
	}

	if o.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Printf("metrics server shutdown: %v", err)
		}
	}

	if o.durableStore != nil {
		if err := o.durableStore.Close(); err != nil {
			o.logger.Printf("window store close: %v", err)
		}
	}
	if closer, ok := o.reorgLog.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			o.logger.Printf("reorg log close: %v", err)
		}
	}
	if err := o.sink.Close(); err != nil {
		o.logger.Printf("snapshot sink close: %v", err)
	}

	o.logger.Println("orchestrator stopped")
}

// Window exposes a coin's window manager for diagnostics and tests.
func (o *Orchestrator) Window(coin string) (*window.Manager, bool) {
	mgr, ok := o.managers[coin]
	return mgr, ok
}

// recordSnapshot tracks a coin's latest FINAL snapshot and re-runs the
// cross-coin market analysis, logging a warning when the market as a
// whole looks stressed or several coins are depegging together.
func (o *Orchestrator) recordSnapshot(s *event.AggregatedRiskSnapshot) {
	o.snapshotsMu.Lock()
	o.latestSnapshots[s.Coin] = s
	snapshots := make(map[string]*event.AggregatedRiskSnapshot, len(o.latestSnapshots))
	for coin, snap := range o.latestSnapshots {
		snapshots[coin] = snap
	}
	o.snapshotsMu.Unlock()

	overview := o.analyzer.MarketOverview(snapshots)
	if overview.ContagionDetected {
		o.logger.Printf("contagion risk: %d coins depegged together: %v", len(overview.ContagionCoins), overview.ContagionCoins)
	}
	if overview.Stress.Severity == crosscoin.SeverityHigh || overview.Stress.Severity == crosscoin.SeverityCritical {
		o.logger.Printf("market stress %s (score=%.2f): %d coins depegged, avg_tcs=%.3f", overview.Stress.Severity, overview.Stress.SeverityScore, overview.Stress.DepeggedCount, overview.Stress.AvgTCS)
	}
}

// MarketOverview runs the cross-coin analysis over every coin's latest
// FINAL snapshot, for diagnostics and tests.
func (o *Orchestrator) MarketOverview() crosscoin.MarketOverview {
	o.snapshotsMu.RLock()
	snapshots := make(map[string]*event.AggregatedRiskSnapshot, len(o.latestSnapshots))
	for coin, snap := range o.latestSnapshots {
		snapshots[coin] = snap
	}
	o.snapshotsMu.RUnlock()
	return o.analyzer.MarketOverview(snapshots)
}
