// ============================================================================
// Crank - turns due cron jobs into queued tasks
// ============================================================================
//
// Package: internal/broker
// File: crank.go
// Purpose: Off-ledger driver of the broker's "re-submit on schedule"
//          behavior. Each Tick scans cron jobs, and for each job whose
//          schedule fired since its last run submits QueueDue, which copies
//          the next slot into the task queue at the job's expense.
//
// The program re-checks due-ness, so a duplicate or late Tick is harmless.
// Submissions are paced by a token bucket.
//
// ============================================================================

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// CrankConfig tunes the crank.
type CrankConfig struct {
	Interval    time.Duration  `yaml:"interval"`
	RatePerSec  float64        `yaml:"rate_per_sec"`
	Burst       int            `yaml:"burst"`
	CrankReward types.Lamports `yaml:"crank_reward"`
}

// DefaultCrankConfig returns local defaults.
func DefaultCrankConfig() CrankConfig {
	return CrankConfig{
		Interval:    time.Second,
		RatePerSec:  10,
		Burst:       5,
		CrankReward: taskqueue.DefaultCrankReward,
	}
}

// CrankObserver is told about every QueueDue attempt. err is nil on success.
type CrankObserver func(job string, err error)

// Crank queues due jobs.
type Crank struct {
	ledger   ledger.Ledger
	scanner  taskqueue.Scanner
	programs address.Programs
	cranker  types.Address
	cfg      CrankConfig
	limiter  *rate.Limiter
	observer CrankObserver
	log      zerolog.Logger
}

// NewCrank wires a crank. cranker signs QueueDue submissions.
func NewCrank(l ledger.Ledger, scanner taskqueue.Scanner, programs address.Programs, cranker types.Address, cfg CrankConfig, log zerolog.Logger) *Crank {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Crank{
		ledger:   l,
		scanner:  scanner,
		programs: programs,
		cranker:  cranker,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:      log.With().Str("component", "crank").Logger(),
	}
}

// Observe sets the attempt observer.
func (c *Crank) Observe(fn CrankObserver) { c.observer = fn }

// Tick queues every job due at now and returns how many were queued.
// Per-job failures are logged and skipped.
func (c *Crank) Tick(ctx context.Context, now time.Time) (int, error) {
	queued := 0
	for _, acct := range c.scanner.AccountsOwnedBy(c.programs.Cron) {
		var job jobState
		if ledger.DecodeState(acct, &job) != nil || job.Kind != kindJob {
			continue
		}
		if job.NumTransactions == 0 || !due(job, now) {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return queued, err
		}

		err := c.queue(ctx, job, now)
		if c.observer != nil {
			c.observer(job.Name, err)
		}
		if err != nil {
			c.log.Warn().Err(err).Str("job", job.Name).Msg("queue due job failed")
			continue
		}
		queued++
		c.log.Info().Str("job", job.Name).Uint64("run", job.Runs+1).Msg("job queued")
	}
	return queued, nil
}

func (c *Crank) queue(ctx context.Context, job jobState, now time.Time) error {
	queueAcct, err := c.ledger.GetAccount(ctx, job.TaskQueue)
	if err != nil {
		return err
	}
	if queueAcct == nil {
		return fmt.Errorf("task queue %s: %w", job.TaskQueue, ErrNotFound)
	}
	var q taskqueue.Queue
	if err := ledger.DecodeState(queueAcct, &q); err != nil {
		return err
	}
	if q.Active >= q.Capacity {
		return fmt.Errorf("task queue %q full (%d/%d)", q.Name, q.Active, q.Capacity)
	}
	taskID, task, err := c.freeTask(ctx, job.TaskQueue, q)
	if err != nil {
		return err
	}

	grant, err := c.programs.TaskQueueAuthority(job.TaskQueue, job.Authority)
	if err != nil {
		return err
	}
	index := uint32(job.Runs % uint64(job.NumTransactions))
	slot, err := c.programs.CronJobTransaction(job.Address, index)
	if err != nil {
		return err
	}

	ix := types.Instruction{
		ProgramID: c.programs.Cron,
		Accounts: []types.AccountMeta{
			types.Signer(c.cranker),
			types.Writable(job.Address),
			types.Readonly(job.Authority),
			types.Writable(job.TaskQueue),
			types.Readonly(grant),
			types.Writable(task),
			types.Readonly(slot),
		},
		Data: ledger.EncodeOp(OpQueueDue, queueDueArgs{Now: now.Unix(), TaskID: taskID, CrankReward: c.cfg.CrankReward}),
	}
	_, err = c.ledger.Submit(ctx, []types.Instruction{ix}, c.cranker)
	return err
}

// freeTask finds the first unused task id at or after the queue's cursor.
// The id is a dynamic seed: read the queue, then derive.
func (c *Crank) freeTask(ctx context.Context, queue types.Address, q taskqueue.Queue) (uint16, types.Address, error) {
	id := q.NextTaskID
	for i := 0; i <= int(q.Capacity); i++ {
		addr, err := c.programs.Task(queue, id)
		if err != nil {
			return 0, types.Address{}, err
		}
		acct, err := c.ledger.GetAccount(ctx, addr)
		if err != nil {
			return 0, types.Address{}, err
		}
		if acct == nil {
			return id, addr, nil
		}
		id++
	}
	return 0, types.Address{}, fmt.Errorf("task queue %q has no free task id", q.Name)
}

// Run ticks on the configured interval until ctx is done.
func (c *Crank) Run(ctx context.Context) error {
	runner := cron.New(cron.WithParser(scheduleParser))
	_, err := runner.AddFunc(fmt.Sprintf("@every %s", c.cfg.Interval), func() {
		if _, err := c.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			c.log.Error().Err(err).Msg("crank tick failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule crank: %w", err)
	}
	runner.Start()
	<-ctx.Done()
	<-runner.Stop().Done()
	return ctx.Err()
}
