package registrar

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// fakeBroker keeps jobs and slots in maps and serializes writes like the
// real broker does.
type fakeBroker struct {
	mu      sync.Mutex
	jobs    map[string]*types.JobRecord
	slots   map[types.Address]map[uint32]types.CompiledTransaction
	creates  int
	attaches int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		jobs:  make(map[string]*types.JobRecord),
		slots: make(map[types.Address]map[uint32]types.CompiledTransaction),
	}
}

func (b *fakeBroker) CreateJob(_ context.Context, name, schedule string, cfg types.JobConfig) (*types.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[name]; ok {
		return nil, broker.ErrNameInUse
	}
	var addr types.Address
	addr[0] = byte(len(b.jobs) + 1)
	job := &types.JobRecord{
		Address:                 addr,
		ID:                      uint32(len(b.jobs)),
		Name:                    name,
		Schedule:                schedule,
		FreeTasksPerTransaction: cfg.FreeTasksPerTransaction,
		NumTasksPerQueueCall:    cfg.NumTasksPerQueueCall,
	}
	b.jobs[name] = job
	b.slots[addr] = make(map[uint32]types.CompiledTransaction)
	b.creates++
	return job, nil
}

func (b *fakeBroker) GetJobByName(_ context.Context, name string) (*types.JobRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jobs[name], nil
}

func (b *fakeBroker) AttachTransaction(_ context.Context, job types.Address, index uint32, tx types.CompiledTransaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attaches++
	slots, ok := b.slots[job]
	if !ok {
		return fmt.Errorf("job %s: %w", job, broker.ErrNotFound)
	}
	if _, taken := slots[index]; taken {
		return fmt.Errorf("slot %d: %w", index, broker.ErrSlotOccupied)
	}
	slots[index] = tx
	return nil
}

func (b *fakeBroker) GetSlot(_ context.Context, job types.Address, index uint32) (*types.SlotRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.slots[job][index]
	if !ok {
		return nil, nil
	}
	return &types.SlotRecord{Job: job, Index: index, Transaction: tx}, nil
}

func wallet() types.Address {
	var a types.Address
	a[0], a[1] = 0xAA, 0x01
	return a
}

func setup(t *testing.T) (*fakeBroker, *ledger.Memory, *Registrar) {
	t.Helper()
	b := newFakeBroker()
	mem := ledger.NewMemory("primary", zerolog.Nop())
	mem.Airdrop(wallet(), types.LamportsPerSOL)
	return b, mem, New(b, mem, wallet(), zerolog.Nop())
}

func TestEnsureJob_CreatesAndFundsOnce(t *testing.T) {
	b, mem, r := setup(t)
	ctx := context.Background()
	cfg := types.JobConfig{Funding: 10_000_000}

	res, err := r.EnsureJob(ctx, "hourly-ping", "0 * * * * *", cfg)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionCreated, res.Decision)
	assert.Equal(t, types.Lamports(10_000_000), res.Funded)
	assert.Equal(t, uint16(1), res.Job.NumTasksPerQueueCall, "defaulted")

	acct, _ := mem.GetAccount(ctx, res.Job.Address)
	require.NotNil(t, acct)
	assert.Equal(t, types.Lamports(10_000_000), acct.Lamports)

	again, err := r.EnsureJob(ctx, "hourly-ping", "0 * * * * *", cfg)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionExists, again.Decision)
	assert.Zero(t, again.Funded)
	assert.Empty(t, again.Drift)
	assert.Equal(t, res.Job, again.Job)
	assert.Equal(t, 1, b.creates)

	acct, _ = mem.GetAccount(ctx, res.Job.Address)
	assert.Equal(t, types.Lamports(10_000_000), acct.Lamports, "funded once")
}

func TestEnsureJob_ExistingJobIsNotUpdated(t *testing.T) {
	b, _, r := setup(t)
	ctx := context.Background()
	_, err := r.EnsureJob(ctx, "hourly-ping", "0 * * * * *", types.JobConfig{})
	require.NoError(t, err)

	res, err := r.EnsureJob(ctx, "hourly-ping", "@daily", types.JobConfig{FreeTasksPerTransaction: 2})
	require.NoError(t, err)
	assert.Equal(t, types.DecisionExists, res.Decision)
	assert.Len(t, res.Drift, 2)
	assert.Equal(t, "0 * * * * *", b.jobs["hourly-ping"].Schedule)
}

func TestEnsureJob_InvalidSchedule(t *testing.T) {
	b, _, r := setup(t)
	res, err := r.EnsureJob(context.Background(), "bad", "whenever", types.JobConfig{})
	assert.ErrorIs(t, err, broker.ErrInvalidSchedule)
	assert.Equal(t, types.DecisionFailed, res.Decision)
	assert.Zero(t, b.creates)
}

func TestEnsureJob_FundingRejected(t *testing.T) {
	_, _, r := setup(t)
	res, err := r.EnsureJob(context.Background(), "pricey", "@hourly", types.JobConfig{Funding: 2 * types.LamportsPerSOL})
	assert.True(t, ledger.IsRejected(err, ledger.CodeInsufficientFunds))
	assert.Equal(t, types.DecisionFailed, res.Decision)
	require.NotNil(t, res.Job, "job stays created")
}

func TestAttachSlot_Guard(t *testing.T) {
	b, _, r := setup(t)
	ctx := context.Background()
	res, err := r.EnsureJob(ctx, "hourly-ping", "0 * * * * *", types.JobConfig{})
	require.NoError(t, err)

	first := types.CompiledTransaction{Instructions: []types.CompiledInstruction{{Data: []byte("first")}}, Accounts: []types.AccountMeta{{}}}
	second := types.CompiledTransaction{Instructions: []types.CompiledInstruction{{Data: []byte("second")}}, Accounts: []types.AccountMeta{{}}}

	d, err := r.AttachSlot(ctx, res.Job.Address, 0, first)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionCreated, d)

	d, err = r.AttachSlot(ctx, res.Job.Address, 0, second)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionExists, d)
	assert.Equal(t, 1, b.attaches, "an occupied slot is not submitted again")

	slot, err := b.GetSlot(ctx, res.Job.Address, 0)
	require.NoError(t, err)
	assert.Equal(t, first, slot.Transaction)
}

func TestAttachSlot_MissingJob(t *testing.T) {
	_, _, r := setup(t)
	d, err := r.AttachSlot(context.Background(), types.Address{9}, 0, types.CompiledTransaction{})
	assert.ErrorIs(t, err, broker.ErrNotFound)
	assert.Equal(t, types.DecisionFailed, d)
}

func TestAttachSlot_ConcurrentAttachersOneWins(t *testing.T) {
	_, _, r := setup(t)
	ctx := context.Background()
	res, err := r.EnsureJob(ctx, "race", "@hourly", types.JobConfig{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.AttachSlot(ctx, res.Job.Address, 0, types.CompiledTransaction{})
			assert.NoError(t, err)
			if d == types.DecisionCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}
