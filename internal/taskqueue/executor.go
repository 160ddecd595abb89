// ============================================================================
// Executor - worker pool that runs queued tasks
// ============================================================================
//
// Package: internal/taskqueue
// File: executor.go
// Purpose: Pick up task accounts from the queue, replay their compiled
//          transaction against the ledger and close them for the reward.
//
// Flow of one RunOnce:
//   reclaim (late results, expired in-flight runs) -> scan task accounts
//   -> Track new ones -> dispatch every pending run on taskCh -> workers
//   execute -> RunOnce collects one Result per dispatch
//   -> tracker: Completed | Requeue | Dead (after MaxRetry attempts)
//
// Abandoned passes:
//   A pass cancelled through ctx leaves its runs InFlight. Their results
//   are picked up by the next pass; runs whose deadline passed without a
//   result count as a failed attempt. A result only applies while its run
//   is still InFlight at the same attempt, so late results never undo a
//   newer outcome.
//
// Channels:
//   taskCh   buffered, feeds workers; never closed
//   resultCh buffered, drained only by RunOnce
//   stopCh   closed by Stop; workers and every send select on it
//
// ============================================================================

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/compiler"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

var (
	ErrExecutorClosed     = errors.New("executor is closed")
	ErrExecutorNotStarted = errors.New("executor not started")
	// ErrRunTimeout is recorded for in-flight runs that outlived their
	// deadline without reporting back.
	ErrRunTimeout = errors.New("task run timed out")
)

// Scanner lists accounts by owner. *ledger.Memory implements it.
type Scanner interface {
	AccountsOwnedBy(program types.Address) []*types.AccountInfo
}

// ExecutorConfig tunes the pool.
type ExecutorConfig struct {
	Workers  int           `yaml:"workers"`
	MaxRetry int           `yaml:"max_retry"`
	Timeout  time.Duration `yaml:"timeout"`
	Buffer   int           `yaml:"buffer"`
}

// DefaultExecutorConfig returns sane local defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Workers: 2, MaxRetry: 3, Timeout: 5 * time.Second, Buffer: 64}
}

// Result is the outcome of one execution attempt.
type Result struct {
	Task     types.Address
	Success  bool
	Err      error
	Attempt  int
	Duration time.Duration
}

// Executor runs queued tasks with a fixed set of workers.
type Executor struct {
	client  *Client
	ledger  ledger.Ledger
	scanner Scanner
	tracker *Tracker
	cranker types.Address
	cfg     ExecutorConfig
	log     zerolog.Logger

	taskCh   chan Run
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	stopped  bool
}

// NewExecutor wires an executor. cranker signs completions and receives
// crank rewards.
func NewExecutor(client *Client, l ledger.Ledger, scanner Scanner, cranker types.Address, cfg ExecutorConfig, log zerolog.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Executor{
		client:   client,
		ledger:   l,
		scanner:  scanner,
		tracker:  NewTracker(),
		cranker:  cranker,
		cfg:      cfg,
		log:      log.With().Str("component", "executor").Logger(),
		taskCh:   make(chan Run, cfg.Buffer),
		resultCh: make(chan Result, cfg.Buffer),
		stopCh:   make(chan struct{}),
	}
}

// Tracker exposes execution state.
func (e *Executor) Tracker() *Tracker { return e.tracker }

// Start launches the workers.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.New("executor already started")
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func(id int) {
			defer e.wg.Done()
			e.work(id)
		}(i)
	}
	e.started = true
	return nil
}

// Stop signals the workers and waits for them.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// RunOnce executes every pending task once and waits for the outcomes.
func (e *Executor) RunOnce(ctx context.Context) ([]Result, error) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, ErrExecutorNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.mu.Unlock()

	results := e.reclaim(time.Now())
	e.discover()

	dispatched := 0
	for {
		run := e.tracker.Next()
		if run == nil {
			break
		}
		if err := e.tracker.MarkInFlight(run.Task, time.Now().Add(e.cfg.Timeout)); err != nil {
			return nil, err
		}
		select {
		case e.taskCh <- *run:
			dispatched++
		case <-e.stopCh:
			return nil, ErrExecutorClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	for received := 0; received < dispatched; {
		select {
		case r := <-e.resultCh:
			if e.settle(r) {
				results = append(results, r)
				received++
			}
		case <-e.stopCh:
			return results, ErrExecutorClosed
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

// Run calls RunOnce every interval until ctx is done.
func (e *Executor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error().Err(err).Msg("executor pass failed")
			}
		}
	}
}

func (e *Executor) discover() {
	for _, acct := range e.scanner.AccountsOwnedBy(e.client.programs.TaskQueue) {
		var t Task
		if ledger.DecodeState(acct, &t) != nil || t.Transaction.Instructions == nil {
			continue // queues and grants
		}
		if e.tracker.Known(acct.Address) {
			continue
		}
		if err := e.tracker.Track(acct.Address, t.Queue); err == nil {
			e.log.Debug().Str("task", acct.Address.String()).Str("description", t.Description).Msg("task discovered")
		}
	}
}

// reclaim settles results left behind by an abandoned pass, then fails
// every in-flight run whose deadline is before now.
func (e *Executor) reclaim(now time.Time) []Result {
	var out []Result
	for drained := false; !drained; {
		select {
		case r := <-e.resultCh:
			if e.settle(r) {
				out = append(out, r)
			}
		default:
			drained = true
		}
	}
	for _, task := range e.tracker.Expired(now) {
		run := e.tracker.Get(task)
		if run == nil {
			continue
		}
		r := Result{Task: task, Err: ErrRunTimeout, Attempt: run.Attempt}
		if e.settle(r) {
			out = append(out, r)
		}
	}
	return out
}

// current reports whether run is still the in-flight attempt of its task.
func (e *Executor) current(task types.Address, attempt int) bool {
	run := e.tracker.Get(task)
	return run != nil && run.Status == StatusInFlight && run.Attempt == attempt
}

// settle applies r to the tracker. Results of superseded attempts are
// dropped and reported as false.
func (e *Executor) settle(r Result) bool {
	log := e.log.With().Str("task", r.Task.String()).Int("attempt", r.Attempt).Logger()
	if !e.current(r.Task, r.Attempt) {
		log.Debug().Bool("success", r.Success).Msg("stale result dropped")
		return false
	}
	switch {
	case r.Success:
		_ = e.tracker.MarkCompleted(r.Task)
		log.Info().Dur("duration", r.Duration).Msg("task executed")
	case r.Attempt+1 >= e.cfg.MaxRetry:
		_ = e.tracker.MarkDead(r.Task, r.Err)
		log.Error().Err(r.Err).Msg("task dead")
	default:
		_ = e.tracker.Requeue(r.Task, r.Err)
		log.Warn().Err(r.Err).Msg("task requeued")
	}
	return true
}

func (e *Executor) work(id int) {
	for {
		var run Run
		select {
		case <-e.stopCh:
			return
		case run = <-e.taskCh:
		}
		// a copy dispatched by an abandoned pass may have been reclaimed
		if !e.current(run.Task, run.Attempt) {
			continue
		}
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
		err := e.execute(ctx, run)
		cancel()

		result := Result{
			Task:     run.Task,
			Success:  err == nil,
			Err:      err,
			Attempt:  run.Attempt,
			Duration: time.Since(start),
		}
		select {
		case e.resultCh <- result:
		case <-e.stopCh:
			return
		}
	}
}

func (e *Executor) execute(ctx context.Context, run Run) error {
	task, err := e.client.GetTask(ctx, run.Task)
	if err != nil {
		return err
	}
	ixs, err := compiler.Decompile(task.Transaction)
	if err != nil {
		return err
	}
	if _, err := e.ledger.Submit(ctx, ixs, taskSigner(task)); err != nil {
		return fmt.Errorf("execute task %d: %w", task.ID, err)
	}
	done := e.client.CompleteTaskInstruction(e.cranker, task.Queue, run.Task)
	if _, err := e.ledger.Submit(ctx, []types.Instruction{done}, e.cranker); err != nil {
		return fmt.Errorf("complete task %d: %w", task.ID, err)
	}
	return nil
}

// taskSigner is the identity the task executes as: the first signer in its
// account table, else whoever queued it.
func taskSigner(t *Task) types.Address {
	for _, m := range t.Transaction.Accounts {
		if m.IsSigner {
			return m.Address
		}
	}
	return t.QueuedBy
}
