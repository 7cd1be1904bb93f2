package initializer

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/filswan/go-swan-lib/logs"
	"github.com/gomodule/redigo/redis"
	"github.com/lagrangedao/go-compute-market/build"
	"github.com/lagrangedao/go-compute-market/conf"
	"github.com/lagrangedao/go-compute-market/constants"
	"github.com/lagrangedao/go-compute-market/internal/chain"
	"github.com/lagrangedao/go-compute-market/internal/eventbus"
	"github.com/lagrangedao/go-compute-market/internal/ledger"
	"github.com/lagrangedao/go-compute-market/internal/market"
	"github.com/lagrangedao/go-compute-market/internal/matcher"
	"github.com/lagrangedao/go-compute-market/internal/metrics"
	"github.com/lagrangedao/go-compute-market/internal/models"
	"github.com/lagrangedao/go-compute-market/internal/scheduler"
	"github.com/lagrangedao/go-compute-market/internal/settlement"
	"github.com/lagrangedao/go-compute-market/internal/tracing"
	"github.com/lagrangedao/go-compute-market/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Node is a wired market: engine, bus and the resources behind them.
type Node struct {
	Config   *conf.MarketConfig
	Engine   *market.Engine
	Bus      *eventbus.Bus
	Registry *prometheus.Registry

	closers []func()
}

// Close releases everything Build opened, last opened first.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

func (n *Node) onClose(fn func()) {
	n.closers = append(n.closers, fn)
}

// ProjectInit loads <repo>/config.toml and builds the node from it.
func ProjectInit(repoPath string) (*Node, error) {
	if err := conf.InitConfig(repoPath); err != nil {
		return nil, err
	}
	return Build(conf.GetConfig(), repoPath)
}

// Build wires a node from cfg. On error everything opened so far is closed.
func Build(cfg *conf.MarketConfig, repoPath string) (_ *Node, err error) {
	node := &Node{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			node.Close()
		}
	}()

	shutdownTrace, err := tracing.Init(cfg.Trace.Enabled, cfg.Trace.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	node.onClose(func() {
		if err := shutdownTrace(context.Background()); err != nil {
			logs.GetLogger().Errorf("Failed shutdown tracing, error: %+v", err)
		}
	})

	node.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(node.Registry)

	var pool *redis.Pool
	if cfg.Redis.Url != "" {
		pool = util.NewRedisPool(cfg.Redis.Url, cfg.Redis.Password)
		node.onClose(func() { pool.Close() })
	}

	l, err := ledger.Open(ledger.Config{
		Backend:     cfg.Ledger.Backend,
		Path:        cfg.Ledger.Path,
		RedisPool:   pool,
		RedisPrefix: cfg.Ledger.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	node.onClose(func() {
		if err := l.Close(); err != nil {
			logs.GetLogger().Errorf("Failed close ledger, error: %+v", err)
		}
	})
	logs.GetLogger().Infof("ledger backend: %s", cfg.Ledger.Backend)

	node.Bus = eventbus.New()
	node.onClose(node.Bus.Close)
	node.Bus.AddSink(m)
	if cfg.NATS.Url != "" {
		sink, err := eventbus.NewNATSSink(cfg.NATS.Url, cfg.NATS.Subject, cfg.API.NodeName)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		node.onClose(sink.Close)
		node.Bus.AddSink(sink)
		logs.GetLogger().Infof("forwarding events to nats subject %s.*", cfg.NATS.Subject)
	}

	chainClient, err := newChainClient(cfg.Chain)
	if err != nil {
		return nil, err
	}
	if eth, ok := chainClient.(*chain.EthClient); ok {
		node.onClose(eth.Close)
	}

	comparator, err := matcher.ByName(cfg.Scheduler.Comparator)
	if err != nil {
		return nil, err
	}

	scfg := settlement.Config{
		MaxAttempts: cfg.Settlement.MaxAttempts,
		MaxPolls:    cfg.Settlement.MaxPolls,
		Backoff: settlement.NewBackoff(cfg.Settlement.BackoffBase.Duration,
			cfg.Settlement.BackoffFactor, cfg.Settlement.BackoffCap.Duration),
		SendTimeout: cfg.Settlement.SendTimeout.Duration,
	}
	coordinator := settlement.NewCoordinator(l, chainClient, node.Bus, m, scfg)
	sched := scheduler.New(l, matcher.New(comparator), coordinator, node.Bus, m, scheduler.Config{
		ReservationTTL:  cfg.Scheduler.ReservationTTL.Duration,
		MaxRequeues:     cfg.Scheduler.MaxRequeues,
		ConflictRetries: cfg.Scheduler.ConflictRetries,
		ResumeAfter:     cfg.Scheduler.ResumeAfter.Duration,
		MinPayment:      cfg.Settlement.MinPayment,
	})

	nodeID, err := market.NodeID(repoPath)
	if err != nil {
		return nil, err
	}
	info := nodeInfo(cfg, nodeID)
	logs.GetLogger().Infof("Node ID: %s version: %s", info.NodeID, info.Version)

	opts := []market.Option{}
	switch cfg.Scheduler.Dispatcher {
	case "", constants.DispatcherLocal:
	case constants.DispatcherCelery:
		if pool == nil {
			return nil, fmt.Errorf("dispatcher celery requires Redis.Url")
		}
		opts = append(opts, market.WithDispatcher(func(settle market.SettleFunc) (market.Dispatcher, error) {
			return market.NewCeleryDispatcher(pool, cfg.Scheduler.CeleryWorkers, settle)
		}))
	default:
		return nil, fmt.Errorf("unknown dispatcher %q", cfg.Scheduler.Dispatcher)
	}
	node.Engine = market.NewEngine(l, sched, coordinator, node.Bus, m, market.Config{
		SweepInterval: cfg.Scheduler.SweepInterval.Duration,
		Node:          info,
	}, opts...)
	node.onClose(node.Engine.Close)

	if cfg.Scheduler.InventoryFile != "" {
		inv, err := market.LoadInventory(cfg.Scheduler.InventoryFile)
		if err != nil {
			return nil, err
		}
		ids, err := node.Engine.ImportInventory(context.Background(), inv)
		if err != nil {
			return nil, fmt.Errorf("import inventory: %w", err)
		}
		logs.GetLogger().Infof("imported %d resources from %s", len(ids), cfg.Scheduler.InventoryFile)
	}
	return node, nil
}

func newChainClient(cfg conf.Chain) (chain.Client, error) {
	switch cfg.Backend {
	case constants.ChainSimulated:
		return chain.NewSimulated(cfg.ConfirmAfter, cfg.Faucet), nil
	case constants.ChainEthereum:
		if cfg.RpcUrl == "" {
			return nil, fmt.Errorf("chain backend ethereum requires Chain.RpcUrl")
		}
		return chain.DialEth(context.Background(), cfg.RpcUrl, cfg.PrivateKeys)
	default:
		return nil, fmt.Errorf("unknown chain backend %q", cfg.Backend)
	}
}

func nodeInfo(cfg *conf.MarketConfig, nodeID string) models.NodeInfo {
	name := cfg.API.NodeName
	if name == "" {
		name, _ = os.Hostname()
	}
	return models.NodeInfo{
		NodeID:          nodeID,
		Address:         fmt.Sprintf("%s:%d", name, cfg.API.Port),
		Version:         build.UserVersion(),
		OperatingSystem: runtime.GOOS,
		Architecture:    runtime.GOARCH,
		CPUCores:        runtime.NumCPU(),
		LedgerBackend:   cfg.Ledger.Backend,
		ChainBackend:    cfg.Chain.Backend,
	}
}
