package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Client is a Broker backed by the cron program on a ledger. It acts for
// one authority against one task queue.
type Client struct {
	ledger    ledger.Ledger
	programs  address.Programs
	authority types.Address
	queue     types.Address
	now       func() time.Time
	log       zerolog.Logger
}

var _ Broker = (*Client)(nil)

// NewClient returns a broker client for authority queueing into queue.
func NewClient(l ledger.Ledger, programs address.Programs, authority, queue types.Address, log zerolog.Logger) *Client {
	return &Client{
		ledger:    l,
		programs:  programs,
		authority: authority,
		queue:     queue,
		now:       time.Now,
		log:       log.With().Str("component", "broker").Logger(),
	}
}

// NameKey is the address a job name maps through.
func (c *Client) NameKey(name string) (types.Address, error) {
	return c.programs.CronJobNameMapping(c.authority, name)
}

// SlotKey is the address of slot index within job.
func (c *Client) SlotKey(job types.Address, index uint32) (types.Address, error) {
	return c.programs.CronJobTransaction(job, index)
}

// NextJobAddress reads the authority's job counter and derives the address
// the next CreateJob will use.
func (c *Client) NextJobAddress(ctx context.Context) (types.Address, uint32, error) {
	countersAddr, err := c.programs.UserCronJobs(c.authority)
	if err != nil {
		return types.Address{}, 0, err
	}
	acct, err := c.ledger.GetAccount(ctx, countersAddr)
	if err != nil {
		return types.Address{}, 0, fmt.Errorf("read job counter: %w", err)
	}
	var counters userJobs
	if acct != nil {
		if err := ledger.DecodeState(acct, &counters); err != nil {
			return types.Address{}, 0, err
		}
	}
	job, err := c.programs.CronJob(c.authority, counters.NextID)
	if err != nil {
		return types.Address{}, 0, err
	}
	return job, counters.NextID, nil
}

// CreateJob implements Broker.
func (c *Client) CreateJob(ctx context.Context, name, schedule string, cfg types.JobConfig) (*types.JobRecord, error) {
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}
	jobAddr, id, err := c.NextJobAddress(ctx)
	if err != nil {
		return nil, err
	}
	countersAddr, err := c.programs.UserCronJobs(c.authority)
	if err != nil {
		return nil, err
	}
	mapping, err := c.NameKey(name)
	if err != nil {
		return nil, err
	}
	grant, err := c.programs.TaskQueueAuthority(c.queue, c.authority)
	if err != nil {
		return nil, err
	}

	ix := types.Instruction{
		ProgramID: c.programs.Cron,
		Accounts: []types.AccountMeta{
			types.Signer(c.authority),
			types.Writable(countersAddr),
			types.Writable(jobAddr),
			types.Writable(mapping),
			types.Readonly(c.queue),
			types.Readonly(grant),
		},
		Data: ledger.EncodeOp(OpCreateJob, createJobArgs{
			Name:                    name,
			Schedule:                schedule,
			FreeTasksPerTransaction: cfg.FreeTasksPerTransaction,
			NumTasksPerQueueCall:    cfg.NumTasksPerQueueCall,
			Now:                     c.now().Unix(),
		}),
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, c.authority); err != nil {
		if ledger.IsRejected(err, CodeNameInUse) {
			return nil, fmt.Errorf("create job %q: %w: %v", name, ErrNameInUse, err)
		}
		return nil, fmt.Errorf("create job %q: %w", name, err)
	}
	c.log.Info().Str("job", jobAddr.String()).Uint32("id", id).Str("name", name).Str("schedule", schedule).Msg("cron job created")
	return c.GetJob(ctx, jobAddr)
}

// GetJob reads the job at addr.
func (c *Client) GetJob(ctx context.Context, addr types.Address) (*types.JobRecord, error) {
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, addr)
	}
	var job jobState
	if err := ledger.DecodeState(acct, &job); err != nil {
		return nil, err
	}
	if job.Kind != kindJob {
		return nil, fmt.Errorf("%w: %s is not a cron job", ErrNotFound, addr)
	}
	rec := job.JobRecord
	return &rec, nil
}

// GetJobByName implements Broker.
func (c *Client) GetJobByName(ctx context.Context, name string) (*types.JobRecord, error) {
	mappingAddr, err := c.NameKey(name)
	if err != nil {
		return nil, err
	}
	acct, err := c.ledger.GetAccount(ctx, mappingAddr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}
	var m nameMapping
	if err := ledger.DecodeState(acct, &m); err != nil {
		return nil, err
	}
	return c.GetJob(ctx, m.Job)
}

// AttachTransaction implements Broker.
func (c *Client) AttachTransaction(ctx context.Context, job types.Address, index uint32, tx types.CompiledTransaction) error {
	slot, err := c.SlotKey(job, index)
	if err != nil {
		return err
	}
	ix := types.Instruction{
		ProgramID: c.programs.Cron,
		Accounts:  []types.AccountMeta{types.Signer(c.authority), types.Writable(job), types.Writable(slot)},
		Data:      ledger.EncodeOp(OpAddTransaction, slotArgs{Index: index, Transaction: tx}),
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, c.authority); err != nil {
		switch {
		case ledger.IsRejected(err, CodeSlotOccupied):
			return fmt.Errorf("job %s slot %d: %w", job, index, ErrSlotOccupied)
		case ledger.IsRejected(err, ledger.CodeAccountNotFound):
			return fmt.Errorf("job %s: %w", job, ErrNotFound)
		}
		return fmt.Errorf("attach slot %d to %s: %w", index, job, err)
	}
	c.log.Info().Str("job", job.String()).Uint32("index", index).Str("slot", slot.String()).Msg("transaction attached")
	return nil
}

// GetSlot implements Broker.
func (c *Client) GetSlot(ctx context.Context, job types.Address, index uint32) (*types.SlotRecord, error) {
	addr, err := c.SlotKey(job, index)
	if err != nil {
		return nil, err
	}
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil || acct == nil {
		return nil, err
	}
	var s slotState
	if err := ledger.DecodeState(acct, &s); err != nil {
		return nil, err
	}
	rec := s.SlotRecord
	return &rec, nil
}

// RemoveTransaction empties slot index of job and refunds its rent.
func (c *Client) RemoveTransaction(ctx context.Context, job types.Address, index uint32) error {
	slot, err := c.SlotKey(job, index)
	if err != nil {
		return err
	}
	ix := types.Instruction{
		ProgramID: c.programs.Cron,
		Accounts:  []types.AccountMeta{types.Signer(c.authority), types.Writable(job), types.Writable(slot)},
		Data:      ledger.EncodeOp(OpRemoveTransaction, slotArgs{Index: index}),
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, c.authority); err != nil {
		if ledger.IsRejected(err, ledger.CodeAccountNotFound) {
			return fmt.Errorf("job %s slot %d: %w", job, index, ErrNotFound)
		}
		return fmt.Errorf("remove slot %d from %s: %w", index, job, err)
	}
	return nil
}

// CloseJob deletes an empty job and its name mapping.
func (c *Client) CloseJob(ctx context.Context, name string) error {
	job, err := c.GetJobByName(ctx, name)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %q: %w", name, ErrNotFound)
	}
	mapping, err := c.NameKey(name)
	if err != nil {
		return err
	}
	ix := types.Instruction{
		ProgramID: c.programs.Cron,
		Accounts:  []types.AccountMeta{types.Signer(c.authority), types.Writable(job.Address), types.Writable(mapping)},
		Data:      ledger.EncodeOp(OpCloseJob, struct{}{}),
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, c.authority); err != nil {
		return fmt.Errorf("close job %q: %w", name, err)
	}
	c.log.Info().Str("job", job.Address.String()).Str("name", name).Msg("cron job closed")
	return nil
}
