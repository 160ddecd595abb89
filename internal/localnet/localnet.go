// Package localnet assembles in-memory domains hosting every program the
// pipeline talks to, and seeds the resources operators normally create by
// hand (task queue, oracle context).
package localnet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/delegation"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/oracle"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// NewDomain returns a memory domain with the task queue, cron, oracle and
// delegation programs registered.
func NewDomain(name string, programs address.Programs, log zerolog.Logger) *ledger.Memory {
	mem := ledger.NewMemory(name, log)
	mem.Register(programs.TaskQueue, taskqueue.NewProgram(programs))
	mem.Register(programs.Cron, broker.NewProgram(programs))
	mem.Register(programs.Oracle, oracle.NewProgram(programs))
	mem.Register(programs.Delegation, delegation.NewProgram(programs))
	return mem
}

// Bootstrap describes the operator-side setup of a fresh domain.
type Bootstrap struct {
	Wallet         types.Address  `yaml:"-"`
	Airdrop        types.Lamports `yaml:"airdrop_lamports"`
	QueueName      string         `yaml:"queue_name"`
	QueueCapacity  uint16         `yaml:"queue_capacity"`
	MinCrankReward types.Lamports `yaml:"min_crank_reward"`
	ContextText    string         `yaml:"context_text"`
}

// Result names what Apply found or created.
type Result struct {
	Queue        types.Address
	QueueCreated bool
	ContextIndex uint32
	Context      types.Address
	ContextNew   bool
}

// Apply tops up the wallet and creates the queue and the first context when
// they are missing. Running it twice changes nothing but the wallet balance.
func Apply(ctx context.Context, mem *ledger.Memory, programs address.Programs, b Bootstrap, log zerolog.Logger) (Result, error) {
	var res Result
	if b.Airdrop > 0 {
		acct, err := mem.GetAccount(ctx, b.Wallet)
		if err != nil {
			return res, err
		}
		if acct == nil || acct.Lamports < b.Airdrop {
			mem.Airdrop(b.Wallet, b.Airdrop)
		}
	}

	queues := taskqueue.NewClient(mem, programs, log)
	queue, err := programs.Queue(b.QueueName)
	if err != nil {
		return res, err
	}
	res.Queue = queue
	existing, err := mem.GetAccount(ctx, queue)
	if err != nil {
		return res, err
	}
	if existing == nil {
		capacity := b.QueueCapacity
		if capacity == 0 {
			capacity = 16
		}
		if _, err := queues.CreateQueue(ctx, b.Wallet, b.QueueName, capacity, b.MinCrankReward); err != nil {
			return res, fmt.Errorf("create task queue %q: %w", b.QueueName, err)
		}
		res.QueueCreated = true
	}

	oracles := oracle.NewClient(mem, programs, log)
	count, err := oracles.ContextCount(ctx)
	if err != nil {
		return res, err
	}
	if count == 0 {
		text := b.ContextText
		if text == "" {
			text = "You are a scheduled assistant."
		}
		if _, _, err := oracles.CreateContext(ctx, b.Wallet, text); err != nil {
			return res, err
		}
		res.ContextNew = true
	}
	res.ContextIndex = 0
	if res.Context, err = programs.Context(0); err != nil {
		return res, err
	}
	return res, nil
}
