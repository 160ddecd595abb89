// ============================================================================
// Task Queue program - capacity-limited queue of executable tasks
// ============================================================================
//
// Package: internal/taskqueue
// File: program.go
// Purpose: Local implementation of the task queue the cron broker feeds.
//
// Accounts (all owned by the task queue program, JSON encoded):
//   Queue  @ TaskQueue(name)                     capacity, active count
//   Grant  @ TaskQueueAuthority(queue, grantee)  grantee may queue tasks
//   Task   @ Task(queue, id)                     one compiled transaction
//
// Operations:
//   InitQueue          payer creates a queue; payer becomes its authority
//   AddQueueAuthority  queue authority grants a grantee the right to queue
//   QueueTask          a grantee queues a task (capacity + grant checked)
//   CompleteTask       a cranker closes an executed task and takes the reward
//
// ============================================================================

package taskqueue

import (
	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Opcodes.
const (
	OpInitQueue byte = iota
	OpAddQueueAuthority
	OpQueueTask
	OpCompleteTask
)

// Reject codes specific to the task queue.
const (
	CodeQueueFull      = "queue_full"
	CodeNoGrant        = "no_queue_authority"
	CodeRewardTooLow   = "crank_reward_too_low"
	CodeTaskWrongQueue = "task_wrong_queue"
)

// Queue is the stored state of a task queue.
type Queue struct {
	Name           string         `json:"name"`
	Authority      types.Address  `json:"authority"`
	Capacity       uint16         `json:"capacity"`
	MinCrankReward types.Lamports `json:"min_crank_reward"`
	Active         uint16         `json:"active"`
	NextTaskID     uint16         `json:"next_task_id"`
	Queued         uint64         `json:"queued"`
	Completed      uint64         `json:"completed"`
}

// Grant is the stored state of a queue authority grant.
type Grant struct {
	Queue   types.Address `json:"queue"`
	Grantee types.Address `json:"grantee"`
}

// Task is a queued compiled transaction waiting for a cranker.
type Task struct {
	Queue       types.Address             `json:"queue"`
	ID          uint16                    `json:"id"`
	Description string                    `json:"description"`
	CrankReward types.Lamports            `json:"crank_reward"`
	FreeTasks   uint16                    `json:"free_tasks"`
	QueuedBy    types.Address             `json:"queued_by"`
	QueuedAt    uint64                    `json:"queued_at"`
	Transaction types.CompiledTransaction `json:"transaction"`
}

type initQueueArgs struct {
	Name           string         `json:"name"`
	Capacity       uint16         `json:"capacity"`
	MinCrankReward types.Lamports `json:"min_crank_reward"`
}

// QueueTaskArgs are the arguments of a QueueTask instruction.
type QueueTaskArgs struct {
	ID          uint16                    `json:"id"`
	CrankReward types.Lamports            `json:"crank_reward"`
	FreeTasks   uint16                    `json:"free_tasks"`
	Description string                    `json:"description"`
	Transaction types.CompiledTransaction `json:"transaction"`
}

// Program executes task queue instructions.
type Program struct {
	programs address.Programs
}

// NewProgram returns the task queue program for the given identities.
func NewProgram(programs address.Programs) *Program {
	return &Program{programs: programs}
}

// Execute implements ledger.Program.
func (p *Program) Execute(tx *ledger.Tx, ix types.Instruction) error {
	op, payload, err := ledger.DecodeOp(ix.Data)
	if err != nil {
		return err
	}
	switch op {
	case OpInitQueue:
		return p.initQueue(tx, ix, payload)
	case OpAddQueueAuthority:
		return p.addQueueAuthority(tx, ix)
	case OpQueueTask:
		return p.queueTask(tx, ix, payload)
	case OpCompleteTask:
		return p.completeTask(tx, ix)
	default:
		return ledger.Reject(ledger.CodeInvalidInstruction, "task queue: unknown op %d", op)
	}
}

// accounts: [payer signer, queue writable]
func (p *Program) initQueue(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 2); err != nil {
		return err
	}
	var args initQueueArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	if args.Capacity == 0 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "queue capacity must be positive")
	}
	payer, queue := ix.Accounts[0].Address, ix.Accounts[1].Address
	if err := p.expect(queue, func() (types.Address, error) { return p.programs.Queue(args.Name) }); err != nil {
		return err
	}
	state := Queue{
		Name:           args.Name,
		Authority:      payer,
		Capacity:       args.Capacity,
		MinCrankReward: args.MinCrankReward,
	}
	return tx.CreateAccount(payer, queue, tx.Program(), payer, ledger.EncodeState(state))
}

// accounts: [payer signer, grantee, queue, grant writable]
func (p *Program) addQueueAuthority(tx *ledger.Tx, ix types.Instruction) error {
	if err := need(ix, 4); err != nil {
		return err
	}
	payer := ix.Accounts[0].Address
	grantee := ix.Accounts[1].Address
	queueAddr := ix.Accounts[2].Address
	grantAddr := ix.Accounts[3].Address

	queue, err := loadQueue(tx, queueAddr)
	if err != nil {
		return err
	}
	if queue.Authority != payer {
		return ledger.Reject(ledger.CodeUnauthorized, "%s is not the authority of queue %q", payer, queue.Name)
	}
	if err := p.expect(grantAddr, func() (types.Address, error) { return p.programs.TaskQueueAuthority(queueAddr, grantee) }); err != nil {
		return err
	}
	grant := Grant{Queue: queueAddr, Grantee: grantee}
	return tx.CreateAccount(payer, grantAddr, tx.Program(), grantee, ledger.EncodeState(grant))
}

// accounts: [payer signer, grantee, queue writable, grant, task writable]
func (p *Program) queueTask(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 5); err != nil {
		return err
	}
	var args QueueTaskArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	if len(args.Transaction.Instructions) == 0 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "task %d has no instructions", args.ID)
	}
	if err := args.Transaction.Validate(); err != nil {
		return ledger.Reject(ledger.CodeInvalidInstruction, "%v", err)
	}
	payer := ix.Accounts[0].Address
	grantee := ix.Accounts[1].Address
	queueAddr := ix.Accounts[2].Address
	grantAddr := ix.Accounts[3].Address
	taskAddr := ix.Accounts[4].Address

	queue, err := loadQueue(tx, queueAddr)
	if err != nil {
		return err
	}
	grantAcct := tx.Get(grantAddr)
	var grant Grant
	if grantAcct == nil || grantAcct.Owner != tx.Program() {
		return ledger.Reject(CodeNoGrant, "%s may not queue into %q", grantee, queue.Name)
	}
	if err := ledger.DecodeState(grantAcct, &grant); err != nil {
		return err
	}
	if grant.Queue != queueAddr || grant.Grantee != grantee {
		return ledger.Reject(CodeNoGrant, "grant %s does not cover %s on %q", grantAddr, grantee, queue.Name)
	}
	if queue.Active >= queue.Capacity {
		return ledger.Reject(CodeQueueFull, "task queue %q full (%d/%d)", queue.Name, queue.Active, queue.Capacity)
	}
	if args.CrankReward < queue.MinCrankReward {
		return ledger.Reject(CodeRewardTooLow, "crank reward %d below queue minimum %d", args.CrankReward, queue.MinCrankReward)
	}
	if err := p.expect(taskAddr, func() (types.Address, error) { return p.programs.Task(queueAddr, args.ID) }); err != nil {
		return err
	}

	task := Task{
		Queue:       queueAddr,
		ID:          args.ID,
		Description: args.Description,
		CrankReward: args.CrankReward,
		FreeTasks:   args.FreeTasks,
		QueuedBy:    grantee,
		QueuedAt:    tx.Slot(),
		Transaction: args.Transaction,
	}
	if err := tx.CreateAccount(payer, taskAddr, tx.Program(), grantee, ledger.EncodeState(task)); err != nil {
		return err
	}
	if err := tx.Transfer(payer, taskAddr, args.CrankReward); err != nil {
		return err
	}

	queue.Active++
	queue.Queued++
	queue.NextTaskID = args.ID + 1
	return storeQueue(tx, queueAddr, queue)
}

// accounts: [cranker signer, queue writable, task writable]
func (p *Program) completeTask(tx *ledger.Tx, ix types.Instruction) error {
	if err := need(ix, 3); err != nil {
		return err
	}
	cranker := ix.Accounts[0].Address
	queueAddr := ix.Accounts[1].Address
	taskAddr := ix.Accounts[2].Address

	queue, err := loadQueue(tx, queueAddr)
	if err != nil {
		return err
	}
	taskAcct := tx.Get(taskAddr)
	if taskAcct == nil || taskAcct.Owner != tx.Program() {
		return ledger.Reject(ledger.CodeAccountNotFound, "no task at %s", taskAddr)
	}
	var task Task
	if err := ledger.DecodeState(taskAcct, &task); err != nil {
		return err
	}
	if task.Queue != queueAddr {
		return ledger.Reject(CodeTaskWrongQueue, "task %s belongs to %s", taskAddr, task.Queue)
	}
	if err := tx.Close(taskAddr, cranker); err != nil {
		return err
	}
	if queue.Active > 0 {
		queue.Active--
	}
	queue.Completed++
	return storeQueue(tx, queueAddr, queue)
}

func (p *Program) expect(got types.Address, derive func() (types.Address, error)) error {
	want, err := derive()
	if err != nil {
		return ledger.Reject(ledger.CodeSeedMismatch, "%v", err)
	}
	if got != want {
		return ledger.Reject(ledger.CodeSeedMismatch, "address %s does not match seeds (want %s)", got, want)
	}
	return nil
}

func loadQueue(tx *ledger.Tx, addr types.Address) (Queue, error) {
	var q Queue
	acct := tx.Get(addr)
	if acct == nil || acct.Owner != tx.Program() {
		return q, ledger.Reject(ledger.CodeAccountNotFound, "no task queue at %s", addr)
	}
	if err := ledger.DecodeState(acct, &q); err != nil {
		return q, ledger.Reject(ledger.CodeInvalidInstruction, "%v", err)
	}
	return q, nil
}

func storeQueue(tx *ledger.Tx, addr types.Address, q Queue) error {
	acct := tx.Get(addr)
	acct.Data = ledger.EncodeState(q)
	tx.Put(acct)
	return nil
}

func need(ix types.Instruction, n int) error {
	if len(ix.Accounts) < n {
		return ledger.Reject(ledger.CodeInvalidInstruction, "expected %d accounts, got %d", n, len(ix.Accounts))
	}
	return nil
}
