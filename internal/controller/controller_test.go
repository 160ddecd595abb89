package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/delegation"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/localnet"
	"github.com/ChuLiYu/cron-provisioner/internal/metrics"
	"github.com/ChuLiYu/cron-provisioner/internal/oracle"
	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// ============================================================================
// Test helpers
// ============================================================================

// counting wraps a ledger and counts submissions.
type counting struct {
	ledger.Ledger
	mu      sync.Mutex
	submits int
}

func (c *counting) Submit(ctx context.Context, ixs []types.Instruction, signer types.Address) (types.Receipt, error) {
	c.mu.Lock()
	c.submits++
	c.mu.Unlock()
	return c.Ledger.Submit(ctx, ixs, signer)
}

func (c *counting) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

type fixture struct {
	ctx       context.Context
	programs  address.Programs
	primary   *ledger.Memory
	ephemeral *ledger.Memory
	ledger    *counting
	router    *delegation.Router
	wallet    types.Address
	pipeline  *Pipeline
}

func key(b byte) types.Address {
	var a types.Address
	a[0], a[1] = b, 0x7E
	return a
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), programs: address.DefaultPrograms(), wallet: key(1)}
	f.primary = localnet.NewDomain("primary", f.programs, zerolog.Nop())
	f.ephemeral = localnet.NewDomain("ephemeral", f.programs, zerolog.Nop())

	_, err := localnet.Apply(f.ctx, f.primary, f.programs, localnet.Bootstrap{
		Wallet:        f.wallet,
		Airdrop:       10 * types.LamportsPerSOL,
		QueueName:     "cron-queue",
		QueueCapacity: 8,
	}, zerolog.Nop())
	require.NoError(t, err)

	f.ledger = &counting{Ledger: f.primary}
	f.router = delegation.NewRouter(f.ledger, f.programs)
	f.router.Register("ephemeral", f.ephemeral)
	f.pipeline = NewPipeline(Config{
		Ledger:   f.ledger,
		Programs: f.programs,
		Wallet:   f.wallet,
		Router:   f.router,
		Log:      zerolog.Nop(),
	})
	return f
}

func hourlyPing() Params {
	return Params{
		QueueName:    "cron-queue",
		JobName:      "hourly-ping",
		Schedule:     "0 * * * * *",
		ContextIndex: 0,
		Job:          types.JobConfig{Funding: 10_000_000},
		SlotIndex:    0,
	}
}

func decisions(r *provision.Report) map[string]types.Decision {
	out := make(map[string]types.Decision, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Name] = e.Decision
	}
	return out
}

// ============================================================================
// Pipeline
// ============================================================================

func TestPipeline_HourlyPing_IdempotentRerun(t *testing.T) {
	f := newFixture(t)

	first, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)
	assert.Equal(t, map[string]types.Decision{
		"task queue cron-queue": types.DecisionExists,
		"context 0":             types.DecisionExists,
		"queue authority":       types.DecisionCreated,
		"cron job hourly-ping":  types.DecisionCreated,
		"slot 0":                types.DecisionCreated,
	}, decisions(first))
	assert.Equal(t, 4, f.ledger.count(), "grant, create job, fund, attach")
	assert.Equal(t, types.Lamports(10_000_000), first.Lookup("cron job hourly-ping").Funded)

	require.NotNil(t, first.Job)
	assert.Equal(t, "hourly-ping", first.Job.Name)
	require.NotNil(t, first.Slot)
	assert.NotEmpty(t, first.Slot.Digest)
	assert.Len(t, first.Hints, 2)
	assert.False(t, first.FinishedAt.Before(first.StartedAt))

	jobAcct, err := f.primary.GetAccount(f.ctx, first.Job.Address)
	require.NoError(t, err)
	funded := jobAcct.Lamports
	assert.GreaterOrEqual(t, uint64(funded), uint64(10_000_000))

	second, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)
	assert.Equal(t, 4, f.ledger.count(), "a re-run issues no creation calls")
	assert.True(t, second.AllPresent())
	assert.Empty(t, second.Warnings)
	assert.Equal(t, first.Job.Address, second.Job.Address)
	assert.Equal(t, first.Slot, second.Slot)
	assert.NotEqual(t, first.RunID, second.RunID)

	jobAcct, err = f.primary.GetAccount(f.ctx, first.Job.Address)
	require.NoError(t, err)
	assert.Equal(t, funded, jobAcct.Lamports, "funded once")
}

func TestPipeline_MissingQueueHalts(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.QueueName = "no-such-queue"

	report, err := f.pipeline.Run(f.ctx, params)
	assert.ErrorIs(t, err, provision.ErrNotFound)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, types.KindTaskQueue, report.Failed().Kind)
	assert.Zero(t, f.ledger.count())
	assert.Nil(t, report.Job)
}

func TestPipeline_MissingContextHalts(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.ContextIndex = 7

	report, err := f.pipeline.Run(f.ctx, params)
	assert.ErrorIs(t, err, provision.ErrNotFound)
	assert.Equal(t, types.KindContext, report.Failed().Kind)
	assert.Zero(t, f.ledger.count())
}

func TestPipeline_InvalidScheduleFailsAfterGrant(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.Schedule = "every now and then"

	report, err := f.pipeline.Run(f.ctx, params)
	assert.ErrorIs(t, err, broker.ErrInvalidSchedule)
	assert.Equal(t, types.KindCronJob, report.Failed().Kind)
	assert.Equal(t, types.DecisionCreated, report.Lookup("queue authority").Decision, "nothing rolled back")
	assert.Nil(t, report.Slot)
}

func TestPipeline_FundingFailureResumes(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.Job.Funding = 50 * types.LamportsPerSOL

	report, err := f.pipeline.Run(f.ctx, params)
	assert.True(t, ledger.IsRejected(err, ledger.CodeInsufficientFunds))
	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, "created but not funded", failed.Note)
	require.NotNil(t, report.Job)

	// the job exists now; a re-run with a sane amount carries on from there
	params.Job.Funding = 10_000_000
	again, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionExists, again.Lookup("cron job hourly-ping").Decision)
	assert.Equal(t, types.DecisionCreated, again.Lookup("slot 0").Decision)
}

func TestPipeline_ExistingJobIsNotReconciled(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)

	params := hourlyPing()
	params.Schedule = "@daily"
	report, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "left unchanged")
	assert.Equal(t, "0 * * * * *", report.Job.Schedule)
}

func TestPipeline_OccupiedSlotKeepsContent(t *testing.T) {
	f := newFixture(t)
	first, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)

	params := hourlyPing()
	params.Text = "Something else entirely"
	report, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)

	slot := report.Lookup("slot 0")
	assert.Equal(t, types.DecisionExists, slot.Decision)
	assert.Equal(t, "occupied by a different transaction", slot.Note)
	assert.Equal(t, first.Slot.Digest, report.Slot.Digest, "report shows what the slot actually holds")
	assert.NotEmpty(t, report.Warnings)
}

func TestPipeline_Delegation(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.DelegateTo = "ephemeral"

	first, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionCreated, first.Lookup("interaction 0").Decision)
	assert.Equal(t, types.DecisionCreated, first.Lookup("delegation to ephemeral").Decision)
	require.NotNil(t, first.Delegation)
	assert.Equal(t, types.Delegated, first.Delegation.State)
	assert.Equal(t, "ephemeral", first.Delegation.Domain)

	contextAddr, _ := f.programs.Context(0)
	interaction, _ := f.programs.Interaction(f.wallet, contextAddr)
	l, domain, err := f.router.LedgerFor(f.ctx, interaction)
	require.NoError(t, err)
	assert.Equal(t, "ephemeral", domain)
	assert.Same(t, f.ephemeral, l)

	// the alternate domain got the interaction and the context it reads
	_, err = oracle.NewClient(f.ephemeral, f.programs, zerolog.Nop()).Interact(f.ctx, f.wallet, 0, oracle.DefaultText)
	require.NoError(t, err)

	submits := f.ledger.count()
	second, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)
	assert.True(t, second.AllPresent())
	assert.Equal(t, submits, f.ledger.count())
	require.NotNil(t, second.Delegation)
	assert.Equal(t, "ephemeral", second.Delegation.Domain)
}

func TestPipeline_DelegationNeedsRouter(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(Config{Ledger: f.ledger, Programs: f.programs, Wallet: f.wallet, Log: zerolog.Nop()})
	params := hourlyPing()
	params.DelegateTo = "ephemeral"

	_, err := p.Run(f.ctx, params)
	assert.ErrorIs(t, err, ErrNoRouter)
}

func TestPipeline_UnknownDomain(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.DelegateTo = "elsewhere"

	report, err := f.pipeline.Run(f.ctx, params)
	assert.ErrorIs(t, err, delegation.ErrUnknownDomain)
	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, types.KindDelegation, failed.Kind)

	var interaction types.Address
	for _, e := range report.Entries {
		if e.Kind == types.KindInteraction {
			interaction = e.Address
		}
	}
	require.False(t, interaction.IsZero())
	record, err := f.programs.DelegationRecord(interaction)
	require.NoError(t, err)
	assert.Equal(t, record, failed.Address)
}

func TestPipeline_Hooks(t *testing.T) {
	f := newFixture(t)
	var (
		runIDs []string
		seen   []provision.Entry
	)
	f.pipeline.AddHook(func(runID string, e provision.Entry) {
		runIDs = append(runIDs, runID)
		seen = append(seen, e)
	})

	report, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)
	assert.Equal(t, report.Entries, seen)
	for _, id := range runIDs {
		assert.Equal(t, report.RunID, id)
	}
}

// ============================================================================
// Node
// ============================================================================

func nodeConfig(t *testing.T) NodeConfig {
	return NodeConfig{
		SnapshotPath:     filepath.Join(t.TempDir(), "primary.json"),
		SnapshotInterval: time.Hour,
		ExecuteInterval:  time.Hour,
		Crank:            broker.CrankConfig{Interval: time.Hour, RatePerSec: 100, Burst: 10, CrankReward: taskqueue.DefaultCrankReward},
		Executor:         taskqueue.ExecutorConfig{Workers: 2, MaxRetry: 3, Timeout: 5 * time.Second, Buffer: 8},
		Cranker:          key(9),
	}
}

func TestNode_ExecutesScheduledInteraction(t *testing.T) {
	f := newFixture(t)
	params := hourlyPing()
	params.Job.Funding = types.LamportsPerSOL / 10
	_, err := f.pipeline.Run(f.ctx, params)
	require.NoError(t, err)

	cfg := nodeConfig(t)
	node := NewNode(f.primary, f.programs, cfg, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, node.Start(f.ctx))
	defer node.Stop()

	at := time.Now().Add(2 * time.Minute)
	queued, results, err := node.Step(f.ctx, at)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, "%v", results[0].Err)

	got, err := oracle.NewClient(f.primary, f.programs, zerolog.Nop()).GetInteraction(f.ctx, f.wallet, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Count)
	assert.Equal(t, oracle.DefaultText, got.Text)

	// same instant: already ran
	queued, results, err = node.Step(f.ctx, at)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Empty(t, results)

	status := node.Status()
	assert.Equal(t, 1, status["completed"])
	assert.Equal(t, "primary", status["domain"])
}

func TestNode_SnapshotAcrossRestart(t *testing.T) {
	f := newFixture(t)
	first, err := f.pipeline.Run(f.ctx, hourlyPing())
	require.NoError(t, err)

	cfg := nodeConfig(t)
	node := NewNode(f.primary, f.programs, cfg, nil, zerolog.Nop())
	require.NoError(t, node.Start(f.ctx))
	node.Stop()
	node.Stop() // idempotent

	restored := localnet.NewDomain("primary", f.programs, zerolog.Nop())
	again := NewNode(restored, f.programs, cfg, metrics.NewCollector(), zerolog.Nop())
	require.NoError(t, again.Start(f.ctx))
	defer again.Stop()
	assert.Equal(t, f.primary.Slot(), restored.Slot())

	// the restored domain already holds everything the pipeline made
	p := NewPipeline(Config{Ledger: restored, Programs: f.programs, Wallet: f.wallet, Log: zerolog.Nop()})
	report, err := p.Run(f.ctx, hourlyPing())
	require.NoError(t, err)
	assert.True(t, report.AllPresent())
	assert.Equal(t, first.Job.Address, report.Job.Address)
}

func TestNode_StartTwice(t *testing.T) {
	f := newFixture(t)
	node := NewNode(f.primary, f.programs, nodeConfig(t), nil, zerolog.Nop())
	require.NoError(t, node.Start(f.ctx))
	assert.ErrorIs(t, node.Start(f.ctx), ErrNodeStarted)
	node.Stop()
	assert.ErrorIs(t, node.Start(f.ctx), ErrNodeStopped)
}

func TestNode_StepBeforeStart(t *testing.T) {
	f := newFixture(t)
	node := NewNode(f.primary, f.programs, nodeConfig(t), nil, zerolog.Nop())
	_, _, err := node.Step(f.ctx, time.Now())
	assert.ErrorIs(t, err, taskqueue.ErrExecutorNotStarted)
}
