package taskqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// DefaultCrankReward is paid to whoever executes a queued task.
const DefaultCrankReward types.Lamports = 1_000_002

// ErrNotFound is returned when a queue, grant or task account is absent.
var ErrNotFound = errors.New("task queue: not found")

// Client builds task queue instructions and reads task queue state.
type Client struct {
	ledger   ledger.Ledger
	programs address.Programs
	log      zerolog.Logger
}

// NewClient returns a client bound to a ledger.
func NewClient(l ledger.Ledger, programs address.Programs, log zerolog.Logger) *Client {
	return &Client{ledger: l, programs: programs, log: log.With().Str("component", "taskqueue").Logger()}
}

// InitQueueInstruction creates the queue called name.
func (c *Client) InitQueueInstruction(payer types.Address, name string, capacity uint16, minReward types.Lamports) (types.Instruction, types.Address, error) {
	queue, err := c.programs.Queue(name)
	if err != nil {
		return types.Instruction{}, types.Address{}, err
	}
	return types.Instruction{
		ProgramID: c.programs.TaskQueue,
		Accounts:  []types.AccountMeta{types.Signer(payer), types.Writable(queue)},
		Data:      ledger.EncodeOp(OpInitQueue, initQueueArgs{Name: name, Capacity: capacity, MinCrankReward: minReward}),
	}, queue, nil
}

// AddQueueAuthorityInstruction grants grantee the right to queue into queue.
// payer must be the queue authority.
func (c *Client) AddQueueAuthorityInstruction(payer, grantee, queue types.Address) (types.Instruction, types.Address, error) {
	grant, err := c.programs.TaskQueueAuthority(queue, grantee)
	if err != nil {
		return types.Instruction{}, types.Address{}, err
	}
	return types.Instruction{
		ProgramID: c.programs.TaskQueue,
		Accounts: []types.AccountMeta{
			types.Signer(payer),
			types.Readonly(grantee),
			types.Readonly(queue),
			types.Writable(grant),
		},
		Data: ledger.EncodeOp(OpAddQueueAuthority, struct{}{}),
	}, grant, nil
}

// QueueTaskInstruction queues args into queue on behalf of grantee.
func (c *Client) QueueTaskInstruction(payer, grantee, queue types.Address, args QueueTaskArgs) (types.Instruction, types.Address, error) {
	return QueueTaskInstruction(c.programs, payer, grantee, queue, args)
}

// QueueTaskInstruction builds a QueueTask instruction without a client, for
// programs that queue through Tx.Invoke.
func QueueTaskInstruction(programs address.Programs, payer, grantee, queue types.Address, args QueueTaskArgs) (types.Instruction, types.Address, error) {
	grant, err := programs.TaskQueueAuthority(queue, grantee)
	if err != nil {
		return types.Instruction{}, types.Address{}, err
	}
	task, err := programs.Task(queue, args.ID)
	if err != nil {
		return types.Instruction{}, types.Address{}, err
	}
	return types.Instruction{
		ProgramID: programs.TaskQueue,
		Accounts: []types.AccountMeta{
			types.Signer(payer),
			types.Readonly(grantee),
			types.Writable(queue),
			types.Readonly(grant),
			types.Writable(task),
		},
		Data: ledger.EncodeOp(OpQueueTask, args),
	}, task, nil
}

// CompleteTaskInstruction closes an executed task in favor of cranker.
func (c *Client) CompleteTaskInstruction(cranker, queue, task types.Address) types.Instruction {
	return types.Instruction{
		ProgramID: c.programs.TaskQueue,
		Accounts:  []types.AccountMeta{types.Signer(cranker), types.Writable(queue), types.Writable(task)},
		Data:      ledger.EncodeOp(OpCompleteTask, struct{}{}),
	}
}

// CreateQueue submits InitQueue and returns the queue address.
func (c *Client) CreateQueue(ctx context.Context, payer types.Address, name string, capacity uint16, minReward types.Lamports) (types.Address, error) {
	ix, queue, err := c.InitQueueInstruction(payer, name, capacity, minReward)
	if err != nil {
		return types.Address{}, err
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, payer); err != nil {
		return types.Address{}, fmt.Errorf("create task queue %q: %w", name, err)
	}
	c.log.Info().Str("queue", queue.String()).Str("name", name).Uint16("capacity", capacity).Msg("task queue created")
	return queue, nil
}

// GetQueue reads the queue at addr.
func (c *Client) GetQueue(ctx context.Context, addr types.Address) (*Queue, error) {
	var q Queue
	if err := c.read(ctx, addr, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetTask reads the task at addr.
func (c *Client) GetTask(ctx context.Context, addr types.Address) (*Task, error) {
	var t Task
	if err := c.read(ctx, addr, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) read(ctx context.Context, addr types.Address, v any) error {
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil {
		return err
	}
	if acct == nil || acct.Owner != c.programs.TaskQueue {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return ledger.DecodeState(acct, v)
}
