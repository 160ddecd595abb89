// ============================================================================
// Registrar - idempotent job and slot registration with the task broker
// ============================================================================
//
// Package: internal/registrar
// File: registrar.go
// Purpose: Make sure a named recurring job exists and carries a compiled
//          transaction at a given slot, re-runnable without duplicates.
//
// EnsureJob never modifies a job it finds: a differing schedule or config
// is reported and left alone so a live job is not clobbered.
//
// AttachSlot turns the broker's slot guard into an "already exists"
// decision. The existing slot content is never replaced.
//
// ============================================================================

package registrar

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// DefaultNumTasksPerQueueCall applies when a config leaves it at zero.
const DefaultNumTasksPerQueueCall = 1

// JobResult is what EnsureJob found or did.
type JobResult struct {
	Job      *types.JobRecord
	Decision types.Decision
	Funded   types.Lamports
	// Drift lists differences between the requested and the stored job.
	// Only set for jobs that already existed.
	Drift []string
}

// Registrar registers jobs and slots for one payer.
type Registrar struct {
	broker broker.Broker
	ledger ledger.Ledger
	payer  types.Address
	log    zerolog.Logger
}

// New returns a registrar. payer funds newly created jobs.
func New(b broker.Broker, l ledger.Ledger, payer types.Address, log zerolog.Logger) *Registrar {
	return &Registrar{broker: b, ledger: l, payer: payer, log: log.With().Str("component", "registrar").Logger()}
}

// EnsureJob returns the job named name, creating and funding it if absent.
func (r *Registrar) EnsureJob(ctx context.Context, name, schedule string, cfg types.JobConfig) (JobResult, error) {
	if _, err := broker.ParseSchedule(schedule); err != nil {
		return JobResult{Decision: types.DecisionFailed}, err
	}
	if cfg.NumTasksPerQueueCall == 0 {
		cfg.NumTasksPerQueueCall = DefaultNumTasksPerQueueCall
	}

	existing, err := r.broker.GetJobByName(ctx, name)
	if err != nil {
		return JobResult{Decision: types.DecisionFailed}, fmt.Errorf("look up job %q: %w", name, err)
	}
	if existing != nil {
		res := JobResult{Job: existing, Decision: types.DecisionExists, Drift: drift(existing, schedule, cfg)}
		if len(res.Drift) > 0 {
			r.log.Warn().
				Str("job", name).
				Strs("drift", res.Drift).
				Msg("existing job differs from requested config; leaving it unchanged")
		} else {
			r.log.Info().Str("job", name).Msg("job already exists")
		}
		return res, nil
	}

	job, err := r.broker.CreateJob(ctx, name, schedule, cfg)
	if err != nil {
		return JobResult{Decision: types.DecisionFailed}, err
	}
	res := JobResult{Job: job, Decision: types.DecisionCreated}
	if cfg.Funding > 0 {
		ix := ledger.TransferInstruction(r.payer, job.Address, cfg.Funding)
		if _, err := r.ledger.Submit(ctx, []types.Instruction{ix}, r.payer); err != nil {
			res.Decision = types.DecisionFailed
			return res, fmt.Errorf("fund job %q with %s: %w", name, cfg.Funding.SOL(), err)
		}
		res.Funded = cfg.Funding
	}
	r.log.Info().Str("job", name).Str("address", job.Address.String()).Str("funded", cfg.Funding.SOL()).Msg("job created")
	return res, nil
}

// AttachSlot stores tx at index within job. An occupied slot is an
// already-exists decision, not an error. Occupied slots found by the read
// are not submitted at all; the broker's guard covers concurrent writers.
func (r *Registrar) AttachSlot(ctx context.Context, job types.Address, index uint32, tx types.CompiledTransaction) (types.Decision, error) {
	existing, err := r.broker.GetSlot(ctx, job, index)
	if err != nil {
		return types.DecisionFailed, fmt.Errorf("read slot %d: %w", index, err)
	}
	if existing != nil {
		r.log.Info().Str("job", job.String()).Uint32("index", index).Msg("slot already populated")
		return types.DecisionExists, nil
	}

	err = r.broker.AttachTransaction(ctx, job, index, tx)
	switch {
	case err == nil:
		return types.DecisionCreated, nil
	case errors.Is(err, broker.ErrSlotOccupied):
		r.log.Info().Str("job", job.String()).Uint32("index", index).Msg("slot populated concurrently")
		return types.DecisionExists, nil
	default:
		return types.DecisionFailed, err
	}
}

func drift(job *types.JobRecord, schedule string, cfg types.JobConfig) []string {
	var out []string
	if job.Schedule != schedule {
		out = append(out, fmt.Sprintf("schedule %q != %q", job.Schedule, schedule))
	}
	if job.FreeTasksPerTransaction != cfg.FreeTasksPerTransaction {
		out = append(out, fmt.Sprintf("free_tasks_per_transaction %d != %d", job.FreeTasksPerTransaction, cfg.FreeTasksPerTransaction))
	}
	if job.NumTasksPerQueueCall != cfg.NumTasksPerQueueCall {
		out = append(out, fmt.Sprintf("num_tasks_per_queue_call %d != %d", job.NumTasksPerQueueCall, cfg.NumTasksPerQueueCall))
	}
	return out
}
