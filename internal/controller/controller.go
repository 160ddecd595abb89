// ============================================================================
// Node - local execution domain runtime
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Keep a local domain alive: restore it from its snapshot, crank
//          due cron jobs into the task queue, execute queued tasks and
//          persist the state periodically.
//
// Loops (one goroutine each):
//   1. crank loop     - queues every job whose schedule is due
//   2. execute loop   - runs queued tasks through the executor pool
//   3. snapshot loop  - writes the domain state to disk
//
// Recovery on Start:
//   snapshot.Restore -> executor.Start -> loops
//   Tasks that were queued but not executed before a crash are still task
//   accounts in the restored state, so the executor rediscovers them.
//
// Shutdown order:
//   1. cancel the loop context  -> loops return
//   2. loopWg.Wait()            -> no loop touches the executor any more
//   3. executor.Stop()          -> workers drain and exit
//   4. final snapshot
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/metrics"
	"github.com/ChuLiYu/cron-provisioner/internal/snapshot"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

var (
	ErrNodeStarted = errors.New("node already started")
	ErrNodeStopped = errors.New("node stopped")
)

// NodeConfig tunes the runtime.
type NodeConfig struct {
	// SnapshotPath empty disables persistence.
	SnapshotPath     string                   `yaml:"snapshot_path"`
	SnapshotInterval time.Duration            `yaml:"snapshot_interval"`
	ExecuteInterval  time.Duration            `yaml:"execute_interval"`
	Crank            broker.CrankConfig       `yaml:"crank"`
	Executor         taskqueue.ExecutorConfig `yaml:"executor"`

	// Cranker signs queue and completion submissions and collects rewards.
	Cranker types.Address `yaml:"-"`
}

// DefaultNodeConfig returns local defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		SnapshotInterval: 30 * time.Second,
		ExecuteInterval:  500 * time.Millisecond,
		Crank:            broker.DefaultCrankConfig(),
		Executor:         taskqueue.DefaultExecutorConfig(),
	}
}

// Node runs one local domain.
type Node struct {
	mu       sync.Mutex
	domain   *ledger.Memory
	snapshot *snapshot.Manager
	crank    *broker.Crank
	executor *taskqueue.Executor
	metrics  *metrics.Collector
	cfg      NodeConfig
	log      zerolog.Logger

	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// NewNode wires a node around domain. m may be nil.
func NewNode(domain *ledger.Memory, programs address.Programs, cfg NodeConfig, m *metrics.Collector, log zerolog.Logger) *Node {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultNodeConfig().SnapshotInterval
	}
	if cfg.ExecuteInterval <= 0 {
		cfg.ExecuteInterval = DefaultNodeConfig().ExecuteInterval
	}
	if cfg.Executor.MaxRetry <= 0 {
		cfg.Executor.MaxRetry = 1
	}
	log = log.With().Str("domain", domain.Name()).Logger()

	n := &Node{
		domain:   domain,
		crank:    broker.NewCrank(domain, domain, programs, cfg.Cranker, cfg.Crank, log),
		executor: taskqueue.NewExecutor(taskqueue.NewClient(domain, programs, log), domain, domain, cfg.Cranker, cfg.Executor, log),
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("component", "node").Logger(),
	}
	if cfg.SnapshotPath != "" {
		n.snapshot = snapshot.NewManager(cfg.SnapshotPath)
	}
	if m != nil {
		domain.Observe(m.SubmitObserver())
		n.crank.Observe(m.CrankObserver())
	}
	return n
}

// Domain returns the hosted domain.
func (n *Node) Domain() *ledger.Memory { return n.domain }

// Start restores the snapshot and launches the loops. The loops stop when
// ctx is done or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return ErrNodeStarted
	}
	n.startTime = time.Now()

	if n.snapshot != nil {
		slot, err := n.snapshot.Restore(n.domain)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		took := time.Since(n.startTime)
		if n.metrics != nil {
			n.metrics.SetRecoveryTime(took)
		}
		n.log.Info().Uint64("slot", slot).Dur("duration", took).Str("path", n.snapshot.Path()).Msg("domain restored")
	}

	if err := n.executor.Start(); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.loopWg.Add(3)
	go n.crankLoop(loopCtx)
	go n.executeLoop(loopCtx)
	go n.snapshotLoop(loopCtx)

	n.started = true
	n.log.Info().
		Int("workers", n.cfg.Executor.Workers).
		Dur("crank_interval", n.cfg.Crank.Interval).
		Msg("node started")
	return nil
}

// Step runs one crank pass at now followed by one execution pass. Loops
// call the two halves separately; tests and the demo drive time directly.
func (n *Node) Step(ctx context.Context, now time.Time) (int, []taskqueue.Result, error) {
	queued, err := n.crank.Tick(ctx, now)
	if err != nil {
		return queued, nil, err
	}
	results, err := n.execute(ctx)
	return queued, results, err
}

// Status summarizes the node.
func (n *Node) Status() map[string]interface{} {
	stats := n.executor.Tracker().Stats()
	n.mu.Lock()
	defer n.mu.Unlock()
	return map[string]interface{}{
		"domain":    n.domain.Name(),
		"uptime":    time.Since(n.startTime).String(),
		"slot":      n.domain.Slot(),
		"workers":   n.cfg.Executor.Workers,
		"pending":   stats[taskqueue.StatusPending],
		"in_flight": stats[taskqueue.StatusInFlight],
		"completed": stats[taskqueue.StatusCompleted],
		"dead":      stats[taskqueue.StatusDead],
	}
}

// TakeSnapshot persists the domain now.
func (n *Node) TakeSnapshot() error {
	if n.snapshot == nil {
		return nil
	}
	start := time.Now()
	if err := n.snapshot.Save(n.domain); err != nil {
		return err
	}
	n.log.Debug().Uint64("slot", n.domain.Slot()).Dur("duration", time.Since(start)).Msg("snapshot written")
	return nil
}

// Stop shuts the loops and the executor down and writes a final snapshot.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	started := n.started
	n.mu.Unlock()

	n.log.Info().Msg("stopping node")
	if started {
		n.cancel()
		n.loopWg.Wait()
		n.executor.Stop()
	}
	if err := n.TakeSnapshot(); err != nil {
		n.log.Error().Err(err).Msg("final snapshot failed")
	}
	n.log.Info().Msg("node stopped")
}

func (n *Node) execute(ctx context.Context) ([]taskqueue.Result, error) {
	results, err := n.executor.RunOnce(ctx)
	if n.metrics != nil {
		n.metrics.RecordTaskResults(results, n.cfg.Executor.MaxRetry)
		n.metrics.UpdateTaskStats(n.executor.Tracker().Stats())
	}
	return results, err
}

func (n *Node) crankLoop(ctx context.Context) {
	defer n.loopWg.Done()
	if err := n.crank.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		n.log.Error().Err(err).Msg("crank loop stopped")
	}
}

func (n *Node) executeLoop(ctx context.Context) {
	defer n.loopWg.Done()
	ticker := time.NewTicker(n.cfg.ExecuteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.execute(ctx); err != nil && ctx.Err() == nil {
				n.log.Error().Err(err).Msg("execute pass failed")
			}
		}
	}
}

func (n *Node) snapshotLoop(ctx context.Context) {
	defer n.loopWg.Done()
	if n.snapshot == nil {
		return
	}
	ticker := time.NewTicker(n.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.TakeSnapshot(); err != nil {
				n.log.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}
