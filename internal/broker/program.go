package broker

import (
	"time"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Opcodes of the cron program.
const (
	OpCreateJob byte = iota
	OpAddTransaction
	OpRemoveTransaction
	OpCloseJob
	OpQueueDue
)

// Reject codes of the cron program.
const (
	CodeSlotOccupied     = "slot_occupied"
	CodeNameInUse        = "name_in_use"
	CodeInvalidSchedule  = "invalid_schedule"
	CodeNotDue           = "not_due"
	CodeNoTransactions   = "no_transactions"
	CodeJobHasSlots      = "job_has_transactions"
	CodeNoQueueAuthority = "no_queue_authority"
)

// Account kinds, stored in every cron account so scans can tell them apart.
const (
	kindUserJobs = "user_cron_jobs"
	kindJob      = "cron_job"
	kindMapping  = "cron_job_name_mapping"
	kindSlot     = "cron_job_transaction"
)

type userJobs struct {
	Kind      string        `json:"kind"`
	Authority types.Address `json:"authority"`
	NextID    uint32        `json:"next_id"`
}

// jobState is a job record plus crank bookkeeping.
type jobState struct {
	Kind string `json:"kind"`
	types.JobRecord
	LastRun int64  `json:"last_run"`
	Runs    uint64 `json:"runs"`
}

type nameMapping struct {
	Kind string        `json:"kind"`
	Name string        `json:"name"`
	Job  types.Address `json:"job"`
}

type slotState struct {
	Kind string `json:"kind"`
	types.SlotRecord
}

type createJobArgs struct {
	Name                    string `json:"name"`
	Schedule                string `json:"schedule"`
	FreeTasksPerTransaction uint16 `json:"free_tasks_per_transaction"`
	NumTasksPerQueueCall    uint16 `json:"num_tasks_per_queue_call"`
	Now                     int64  `json:"now"`
}

type slotArgs struct {
	Index       uint32                    `json:"index"`
	Transaction types.CompiledTransaction `json:"transaction"`
}

type queueDueArgs struct {
	Now         int64          `json:"now"`
	TaskID      uint16         `json:"task_id"`
	CrankReward types.Lamports `json:"crank_reward"`
}

// Program is the local cron program.
type Program struct {
	programs address.Programs
}

// NewProgram returns the cron program for the given identities.
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
	case OpCreateJob:
		return p.createJob(tx, ix, payload)
	case OpAddTransaction:
		return p.addTransaction(tx, ix, payload)
	case OpRemoveTransaction:
		return p.removeTransaction(tx, ix, payload)
	case OpCloseJob:
		return p.closeJob(tx, ix)
	case OpQueueDue:
		return p.queueDue(tx, ix, payload)
	default:
		return ledger.Reject(ledger.CodeInvalidInstruction, "cron: unknown op %d", op)
	}
}

// accounts: [authority signer, user jobs writable, job writable,
// name mapping writable, task queue, task queue authority grant]
func (p *Program) createJob(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 6); err != nil {
		return err
	}
	var args createJobArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	if args.Name == "" {
		return ledger.Reject(ledger.CodeInvalidInstruction, "job name is empty")
	}
	if _, err := ParseSchedule(args.Schedule); err != nil {
		return ledger.Reject(CodeInvalidSchedule, "%v", err)
	}

	authority := ix.Accounts[0].Address
	countersAddr := ix.Accounts[1].Address
	jobAddr := ix.Accounts[2].Address
	mappingAddr := ix.Accounts[3].Address
	queue := ix.Accounts[4].Address
	grant := ix.Accounts[5].Address

	if err := expect(countersAddr, func() (types.Address, error) { return p.programs.UserCronJobs(authority) }); err != nil {
		return err
	}
	if err := expect(mappingAddr, func() (types.Address, error) { return p.programs.CronJobNameMapping(authority, args.Name) }); err != nil {
		return err
	}
	if err := expect(grant, func() (types.Address, error) { return p.programs.TaskQueueAuthority(queue, authority) }); err != nil {
		return err
	}
	if g := tx.Get(grant); g == nil || g.Owner != p.programs.TaskQueue {
		return ledger.Reject(CodeNoQueueAuthority, "%s holds no authority on queue %s", authority, queue)
	}
	if tx.Exists(mappingAddr) {
		return ledger.Reject(CodeNameInUse, "job %q already exists for %s", args.Name, authority)
	}

	counters := userJobs{Kind: kindUserJobs, Authority: authority}
	countersAcct := tx.Get(countersAddr)
	if countersAcct != nil {
		if err := ledger.DecodeState(countersAcct, &counters); err != nil {
			return err
		}
	}
	id := counters.NextID
	// the caller derived jobAddr from the counter it read; a stale read
	// lands here as a mismatch instead of a silent overwrite
	if err := expect(jobAddr, func() (types.Address, error) { return p.programs.CronJob(authority, id) }); err != nil {
		return err
	}

	job := jobState{
		Kind: kindJob,
		JobRecord: types.JobRecord{
			Address:                 jobAddr,
			ID:                      id,
			Name:                    args.Name,
			Schedule:                args.Schedule,
			Authority:               authority,
			TaskQueue:               queue,
			FreeTasksPerTransaction: args.FreeTasksPerTransaction,
			NumTasksPerQueueCall:    args.NumTasksPerQueueCall,
		},
		LastRun: args.Now,
	}
	if err := tx.CreateAccount(authority, jobAddr, tx.Program(), authority, ledger.EncodeState(job)); err != nil {
		return err
	}
	mapping := nameMapping{Kind: kindMapping, Name: args.Name, Job: jobAddr}
	if err := tx.CreateAccount(authority, mappingAddr, tx.Program(), authority, ledger.EncodeState(mapping)); err != nil {
		return err
	}

	counters.NextID++
	if countersAcct == nil {
		return tx.CreateAccount(authority, countersAddr, tx.Program(), authority, ledger.EncodeState(counters))
	}
	countersAcct.Data = ledger.EncodeState(counters)
	tx.Put(countersAcct)
	return nil
}

// accounts: [authority signer, job writable, slot writable]
func (p *Program) addTransaction(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 3); err != nil {
		return err
	}
	var args slotArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	authority, jobAddr, slotAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	job, err := p.loadJob(tx, jobAddr, authority)
	if err != nil {
		return err
	}
	if err := expect(slotAddr, func() (types.Address, error) { return p.programs.CronJobTransaction(jobAddr, args.Index) }); err != nil {
		return err
	}
	// checked under the domain lock: no other writer can fill the slot
	// between this test and the create below
	if tx.Exists(slotAddr) {
		return ledger.Reject(CodeSlotOccupied, "job %q slot %d already holds a transaction", job.Name, args.Index)
	}
	if len(args.Transaction.Instructions) == 0 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "slot %d: empty transaction", args.Index)
	}
	if err := args.Transaction.Validate(); err != nil {
		return ledger.Reject(ledger.CodeInvalidInstruction, "%v", err)
	}

	slot := slotState{Kind: kindSlot, SlotRecord: types.SlotRecord{Job: jobAddr, Index: args.Index, Transaction: args.Transaction}}
	if err := tx.CreateAccount(authority, slotAddr, tx.Program(), authority, ledger.EncodeState(slot)); err != nil {
		return err
	}
	job.NumTransactions++
	return storeJob(tx, jobAddr, job)
}

// accounts: [authority signer, job writable, slot writable]
func (p *Program) removeTransaction(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 3); err != nil {
		return err
	}
	var args slotArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	authority, jobAddr, slotAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	job, err := p.loadJob(tx, jobAddr, authority)
	if err != nil {
		return err
	}
	if err := expect(slotAddr, func() (types.Address, error) { return p.programs.CronJobTransaction(jobAddr, args.Index) }); err != nil {
		return err
	}
	if !tx.Exists(slotAddr) {
		return ledger.Reject(ledger.CodeAccountNotFound, "job %q has no slot %d", job.Name, args.Index)
	}
	if err := tx.Close(slotAddr, authority); err != nil {
		return err
	}
	if job.NumTransactions > 0 {
		job.NumTransactions--
	}
	return storeJob(tx, jobAddr, job)
}

// accounts: [authority signer, job writable, name mapping writable]
func (p *Program) closeJob(tx *ledger.Tx, ix types.Instruction) error {
	if err := need(ix, 3); err != nil {
		return err
	}
	authority, jobAddr, mappingAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	job, err := p.loadJob(tx, jobAddr, authority)
	if err != nil {
		return err
	}
	if job.NumTransactions > 0 {
		return ledger.Reject(CodeJobHasSlots, "job %q still holds %d transactions", job.Name, job.NumTransactions)
	}
	if err := expect(mappingAddr, func() (types.Address, error) { return p.programs.CronJobNameMapping(authority, job.Name) }); err != nil {
		return err
	}
	if err := tx.Close(mappingAddr, authority); err != nil {
		return err
	}
	return tx.Close(jobAddr, authority)
}

// accounts: [cranker signer, job writable, job authority, task queue writable,
// task queue authority grant, task writable, slot]
func (p *Program) queueDue(tx *ledger.Tx, ix types.Instruction, payload []byte) error {
	if err := need(ix, 7); err != nil {
		return err
	}
	var args queueDueArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	jobAddr := ix.Accounts[1].Address
	queue := ix.Accounts[3].Address
	slotAddr := ix.Accounts[6].Address

	job, err := p.loadJob(tx, jobAddr, types.Address{})
	if err != nil {
		return err
	}
	if queue != job.TaskQueue {
		return ledger.Reject(ledger.CodeSeedMismatch, "job %q queues into %s, not %s", job.Name, job.TaskQueue, queue)
	}
	if !due(job, time.Unix(args.Now, 0)) {
		return ledger.Reject(CodeNotDue, "job %q not due at %d", job.Name, args.Now)
	}
	if job.NumTransactions == 0 {
		return ledger.Reject(CodeNoTransactions, "job %q has no transactions", job.Name)
	}

	index := uint32(job.Runs % uint64(job.NumTransactions))
	if err := expect(slotAddr, func() (types.Address, error) { return p.programs.CronJobTransaction(jobAddr, index) }); err != nil {
		return err
	}
	var slot slotState
	if err := ledger.DecodeState(tx.Get(slotAddr), &slot); err != nil {
		return ledger.Reject(ledger.CodeAccountNotFound, "job %q slot %d: %v", job.Name, index, err)
	}

	queueIx, _, err := taskqueue.QueueTaskInstruction(p.programs, jobAddr, job.Authority, queue, taskqueue.QueueTaskArgs{
		ID:          args.TaskID,
		CrankReward: args.CrankReward,
		FreeTasks:   job.FreeTasksPerTransaction,
		Description: "cron:" + job.Name,
		Transaction: slot.Transaction,
	})
	if err != nil {
		return ledger.Reject(ledger.CodeSeedMismatch, "%v", err)
	}
	// the job account pays for its own tasks
	if err := tx.Invoke(queueIx, jobAddr); err != nil {
		return err
	}

	// reload: the invoke debited the job's balance
	job, err = p.loadJob(tx, jobAddr, types.Address{})
	if err != nil {
		return err
	}
	job.LastRun = args.Now
	job.Runs++
	return storeJob(tx, jobAddr, job)
}

// loadJob reads the job at addr. A non-zero authority must match.
func (p *Program) loadJob(tx *ledger.Tx, addr, authority types.Address) (jobState, error) {
	var job jobState
	acct := tx.Get(addr)
	if acct == nil || acct.Owner != p.programs.Cron {
		return job, ledger.Reject(ledger.CodeAccountNotFound, "no cron job at %s", addr)
	}
	if err := ledger.DecodeState(acct, &job); err != nil || job.Kind != kindJob {
		return job, ledger.Reject(ledger.CodeInvalidInstruction, "%s is not a cron job", addr)
	}
	if !authority.IsZero() && job.Authority != authority {
		return job, ledger.Reject(ledger.CodeUnauthorized, "%s does not own job %q", authority, job.Name)
	}
	return job, nil
}

func storeJob(tx *ledger.Tx, addr types.Address, job jobState) error {
	acct := tx.Get(addr)
	acct.Data = ledger.EncodeState(job)
	tx.Put(acct)
	return nil
}

// due reports whether the job's schedule fired between its last run and now.
func due(job jobState, now time.Time) bool {
	sched, err := ParseSchedule(job.Schedule)
	if err != nil {
		return false
	}
	next := sched.Next(time.Unix(job.LastRun, 0))
	return !next.After(now)
}

func expect(got types.Address, derive func() (types.Address, error)) error {
	want, err := derive()
	if err != nil {
		return ledger.Reject(ledger.CodeSeedMismatch, "%v", err)
	}
	if got != want {
		return ledger.Reject(ledger.CodeSeedMismatch, "address %s does not match seeds (want %s)", got, want)
	}
	return nil
}

func need(ix types.Instruction, n int) error {
	if len(ix.Accounts) < n {
		return ledger.Reject(ledger.CodeInvalidInstruction, "expected %d accounts, got %d", n, len(ix.Accounts))
	}
	return nil
}
