package address

import (
	"crypto/sha256"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Namespace tags of every resource the pipeline touches.
const (
	TagTaskQueue          = "task_queue"
	TagTaskQueueAuthority = "task_queue_authority"
	TagQueueAuthority     = "queue_authority"
	TagTask               = "task"
	TagUserCronJobs       = "user_cron_jobs"
	TagCronJob            = "cron_job"
	TagCronJobNameMapping = "cron_job_name_mapping"
	TagCronJobTransaction = "cron_job_transaction"
	TagContextCounter     = "counter"
	TagContext            = "test-context"
	TagInteraction        = "interaction"
	TagDelegation         = "delegation"
)

// Programs holds the identities of the external programs a workflow talks
// to. They are configuration, not process-wide constants, so tests and
// alternate deployments can substitute their own.
type Programs struct {
	System     types.Address `yaml:"-"`
	TaskQueue  types.Address `yaml:"-"`
	Cron       types.Address `yaml:"-"`
	Oracle     types.Address `yaml:"-"`
	Delegation types.Address `yaml:"-"`
}

// ProgramID returns the default identity for a named program. Defaults are
// hashes of the name so a fresh local domain needs no key material.
func ProgramID(name string) types.Address {
	sum := sha256.Sum256([]byte("cronprov/program/v1\x00" + name))
	return types.Address(sum)
}

// DefaultPrograms returns the identities used by the local domain.
func DefaultPrograms() Programs {
	return Programs{
		System:     types.Address{},
		TaskQueue:  ProgramID("task-queue"),
		Cron:       ProgramID("cron"),
		Oracle:     ProgramID("llm-oracle"),
		Delegation: ProgramID("delegation"),
	}
}

// Override replaces identities with non-empty base58 strings.
func (p Programs) Override(taskQueue, cron, oracle, delegation string) (Programs, error) {
	set := func(dst *types.Address, s, name string) error {
		if s == "" {
			return nil
		}
		a, err := types.ParseAddress(s)
		if err != nil {
			return fmt.Errorf("program %s: %w", name, err)
		}
		*dst = a
		return nil
	}
	if err := set(&p.TaskQueue, taskQueue, "task_queue"); err != nil {
		return p, err
	}
	if err := set(&p.Cron, cron, "cron"); err != nil {
		return p, err
	}
	if err := set(&p.Oracle, oracle, "oracle"); err != nil {
		return p, err
	}
	if err := set(&p.Delegation, delegation, "delegation"); err != nil {
		return p, err
	}
	return p, nil
}

// Queue derives a task queue from its name.
func (p Programs) Queue(name string) (types.Address, error) {
	return Derive(TagTaskQueue, [][]byte{NameHash(name)}, p.TaskQueue)
}

// TaskQueueAuthority derives the grant that lets authority queue tasks.
func (p Programs) TaskQueueAuthority(queue, authority types.Address) (types.Address, error) {
	return Derive(TagTaskQueueAuthority, [][]byte{Key(queue), Key(authority)}, p.TaskQueue)
}

// QueueAuthority derives the cron program's own queueing identity.
func (p Programs) QueueAuthority() (types.Address, error) {
	return Derive(TagQueueAuthority, nil, p.Cron)
}

// Task derives a queued task slot.
func (p Programs) Task(queue types.Address, id uint16) (types.Address, error) {
	return Derive(TagTask, [][]byte{Key(queue), U16LE(id)}, p.TaskQueue)
}

// UserCronJobs derives the per-authority job counter.
func (p Programs) UserCronJobs(authority types.Address) (types.Address, error) {
	return Derive(TagUserCronJobs, [][]byte{Key(authority)}, p.Cron)
}

// CronJob derives a job from its authority and counter-assigned id. The id
// must be read from UserCronJobs before calling.
func (p Programs) CronJob(authority types.Address, id uint32) (types.Address, error) {
	return Derive(TagCronJob, [][]byte{Key(authority), U32LE(id)}, p.Cron)
}

// CronJobNameMapping derives the name index entry pointing at a job.
func (p Programs) CronJobNameMapping(authority types.Address, name string) (types.Address, error) {
	return Derive(TagCronJobNameMapping, [][]byte{Key(authority), NameHash(name)}, p.Cron)
}

// CronJobTransaction derives the slot at index within job.
func (p Programs) CronJobTransaction(job types.Address, index uint32) (types.Address, error) {
	return Derive(TagCronJobTransaction, [][]byte{Key(job), U32LE(index)}, p.Cron)
}

// ContextCounter derives the oracle's context counter.
func (p Programs) ContextCounter() (types.Address, error) {
	return Derive(TagContextCounter, nil, p.Oracle)
}

// Context derives the oracle context record at index.
func (p Programs) Context(index uint32) (types.Address, error) {
	return Derive(TagContext, [][]byte{U32LE(index)}, p.Oracle)
}

// Interaction derives the interaction record of user against context.
func (p Programs) Interaction(user, context types.Address) (types.Address, error) {
	return Derive(TagInteraction, [][]byte{Key(user), Key(context)}, p.Oracle)
}

// DelegationRecord derives the record marking resource as delegated.
func (p Programs) DelegationRecord(resource types.Address) (types.Address, error) {
	return Derive(TagDelegation, [][]byte{Key(resource)}, p.Delegation)
}
