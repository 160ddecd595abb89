// ============================================================================
// Pipeline - end-to-end provisioning of one recurring oracle interaction
// ============================================================================
//
// Package: internal/controller
// File: pipeline.go
// Purpose: Run the provisioning steps strictly in order and record every
//          decision in one report.
//
// Steps:
//   1. derive queue, grant, context and interaction addresses
//   2. require the task queue and the context (created by someone else)
//   3. ensure the wallet's queue authority grant
//   4. ensure the cron job (lookup by name, create, fund)
//   5. compile interact_with_llm and attach it at the slot
//   6. optionally hand the interaction over to an alternate domain
//
// Any failure halts the run. Nothing is rolled back; re-running picks up
// where the failed run stopped because every step checks before it creates.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/broker"
	"github.com/ChuLiYu/cron-provisioner/internal/compiler"
	"github.com/ChuLiYu/cron-provisioner/internal/delegation"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/internal/oracle"
	"github.com/ChuLiYu/cron-provisioner/internal/provision"
	"github.com/ChuLiYu/cron-provisioner/internal/registrar"
	"github.com/ChuLiYu/cron-provisioner/internal/taskqueue"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// DefaultFunding is what a new job receives when the config names nothing.
const DefaultFunding = types.LamportsPerSOL / 100

// ErrNoRouter is returned when delegation is requested without domains.
var ErrNoRouter = errors.New("delegation requested but no domain router configured")

// Config wires a pipeline.
type Config struct {
	Ledger   ledger.Ledger
	Programs address.Programs
	// Wallet pays for, signs and owns everything the pipeline creates.
	Wallet types.Address
	// Router is only needed when Params.DelegateTo is set.
	Router *delegation.Router
	Log    zerolog.Logger
}

// Params describes one recurring interaction.
type Params struct {
	QueueName    string
	JobName      string
	Schedule     string
	ContextIndex uint32
	Text         string
	Job          types.JobConfig
	SlotIndex    uint32
	// DelegateTo names the domain the interaction is handed to. Empty skips
	// the step.
	DelegateTo string
}

// Pipeline provisions recurring interactions for one wallet.
type Pipeline struct {
	cfg   Config
	prov  *provision.Provisioner
	queue *taskqueue.Client
	log   zerolog.Logger
	now   func() time.Time
}

// NewPipeline returns a pipeline over cfg.
func NewPipeline(cfg Config) *Pipeline {
	log := cfg.Log.With().Str("component", "pipeline").Logger()
	return &Pipeline{
		cfg:   cfg,
		prov:  provision.New(cfg.Ledger, cfg.Log),
		queue: taskqueue.NewClient(cfg.Ledger, cfg.Programs, cfg.Log),
		log:   log,
		now:   time.Now,
	}
}

// AddHook registers fn for every decision of every run.
func (p *Pipeline) AddHook(fn provision.Hook) {
	p.prov.AddHook(fn)
}

// Run executes the steps and returns the report, which is populated up to
// the failing step when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, params Params) (*provision.Report, error) {
	report := provision.NewReport(p.now())
	log := p.log.With().Str("run", report.RunID).Str("job", params.JobName).Logger()
	log.Info().Msg("provisioning run started")

	err := p.run(ctx, report, params)
	report.Finish(p.now())

	if err != nil {
		log.Error().Err(err).Msg("provisioning run halted")
		return report, err
	}
	log.Info().
		Int("created", report.Count(types.DecisionCreated)).
		Int("existing", report.Count(types.DecisionExists)).
		Dur("took", report.FinishedAt.Sub(report.StartedAt)).
		Msg("provisioning run finished")
	return report, nil
}

func (p *Pipeline) run(ctx context.Context, report *provision.Report, params Params) error {
	if params.Text == "" {
		params.Text = oracle.DefaultText
	}
	wallet := p.cfg.Wallet
	programs := p.cfg.Programs

	// 1. derive
	queueAddr, err := programs.Queue(params.QueueName)
	if err != nil {
		return fmt.Errorf("derive task queue: %w", err)
	}
	grantAddr, err := programs.TaskQueueAuthority(queueAddr, wallet)
	if err != nil {
		return fmt.Errorf("derive queue authority: %w", err)
	}
	contextAddr, err := programs.Context(params.ContextIndex)
	if err != nil {
		return fmt.Errorf("derive context: %w", err)
	}
	interactionAddr, err := programs.Interaction(wallet, contextAddr)
	if err != nil {
		return fmt.Errorf("derive interaction: %w", err)
	}

	// 2. prerequisites
	if _, err := p.prov.Ensure(ctx, report, provision.Resource{
		Name:    "task queue " + params.QueueName,
		Kind:    types.KindTaskQueue,
		Address: queueAddr,
		Mode:    provision.ModeRequire,
	}); err != nil {
		return err
	}
	if _, err := p.prov.Ensure(ctx, report, provision.Resource{
		Name:    fmt.Sprintf("context %d", params.ContextIndex),
		Kind:    types.KindContext,
		Address: contextAddr,
		Mode:    provision.ModeRequire,
	}); err != nil {
		return err
	}

	// 3. queue authority
	if _, err := p.prov.Ensure(ctx, report, provision.Resource{
		Name:    "queue authority",
		Kind:    types.KindQueueAuthority,
		Address: grantAddr,
		Mode:    provision.ModeCreate,
		Payer:   wallet,
		Create: func(ctx context.Context) error {
			ix, _, err := p.queue.AddQueueAuthorityInstruction(wallet, wallet, queueAddr)
			if err != nil {
				return err
			}
			_, err = p.cfg.Ledger.Submit(ctx, []types.Instruction{ix}, wallet)
			return err
		},
	}); err != nil {
		return err
	}

	// 4. cron job
	cron := broker.NewClient(p.cfg.Ledger, programs, wallet, queueAddr, p.cfg.Log)
	reg := registrar.New(cron, p.cfg.Ledger, wallet, p.cfg.Log)
	jobRes, err := reg.EnsureJob(ctx, params.JobName, params.Schedule, params.Job)
	jobEntry := provision.Entry{Name: "cron job " + params.JobName, Kind: types.KindCronJob, Decision: jobRes.Decision, Funded: jobRes.Funded}
	if jobRes.Job != nil {
		jobEntry.Address = jobRes.Job.Address
		report.Job = jobRes.Job
	}
	if err != nil {
		jobEntry.Decision = types.DecisionFailed
		jobEntry.Error = err.Error()
		if jobRes.Job != nil {
			jobEntry.Note = "created but not funded"
		}
		p.prov.Record(report, jobEntry)
		return fmt.Errorf("cron job %s: %w", params.JobName, err)
	}
	for _, d := range jobRes.Drift {
		report.Warn(fmt.Sprintf("job %q left unchanged: %s", params.JobName, d))
	}
	p.prov.Record(report, jobEntry)
	job := jobRes.Job

	// 5. compile and attach
	ix, err := oracle.InteractWithLLM(programs, wallet, params.ContextIndex, params.Text)
	if err != nil {
		return fmt.Errorf("build interaction: %w", err)
	}
	compiled, err := compiler.Compile([]types.Instruction{ix})
	if err != nil {
		return fmt.Errorf("compile interaction: %w", err)
	}
	slotAddr, err := cron.SlotKey(job.Address, params.SlotIndex)
	if err != nil {
		return fmt.Errorf("derive slot: %w", err)
	}
	report.Slot = &provision.SlotInfo{Index: params.SlotIndex, Address: slotAddr, Digest: compiler.Digest(compiled)}

	slotEntry := provision.Entry{Name: fmt.Sprintf("slot %d", params.SlotIndex), Kind: types.KindCronSlot, Address: slotAddr}
	decision, err := reg.AttachSlot(ctx, job.Address, params.SlotIndex, compiled)
	slotEntry.Decision = decision
	if err != nil {
		slotEntry.Error = err.Error()
		p.prov.Record(report, slotEntry)
		return fmt.Errorf("attach slot %d: %w", params.SlotIndex, err)
	}
	if decision == types.DecisionExists {
		if existing, err := cron.GetSlot(ctx, job.Address, params.SlotIndex); err == nil && existing != nil {
			if digest := compiler.Digest(existing.Transaction); digest != report.Slot.Digest {
				slotEntry.Note = "occupied by a different transaction"
				report.Warn(fmt.Sprintf("slot %d holds digest %s, wanted %s; remove it to replace", params.SlotIndex, short(digest), short(report.Slot.Digest)))
				report.Slot.Digest = digest
			}
		}
	}
	p.prov.Record(report, slotEntry)
	report.Hints = []string{
		fmt.Sprintf("cronprov job remove-slot --queue %s --job %s --index %d", params.QueueName, params.JobName, params.SlotIndex),
		fmt.Sprintf("cronprov job close --queue %s --job %s", params.QueueName, params.JobName),
	}

	// 6. delegation
	if params.DelegateTo == "" {
		return nil
	}
	return p.delegate(ctx, report, params, contextAddr, interactionAddr)
}

func (p *Pipeline) delegate(ctx context.Context, report *provision.Report, params Params, contextAddr, interactionAddr types.Address) error {
	if p.cfg.Router == nil {
		return ErrNoRouter
	}
	wallet := p.cfg.Wallet
	primary := p.cfg.Router.Primary()

	// the interaction record only exists once someone interacted; the first
	// interaction happens here so there is something to hand over
	if _, err := p.prov.Ensure(ctx, report, provision.Resource{
		Name:    fmt.Sprintf("interaction %d", params.ContextIndex),
		Kind:    types.KindInteraction,
		Address: interactionAddr,
		Mode:    provision.ModeCreate,
		Payer:   wallet,
		Create: func(ctx context.Context) error {
			_, err := oracle.NewClient(primary, p.cfg.Programs, p.cfg.Log).Interact(ctx, wallet, params.ContextIndex, params.Text)
			return err
		},
	}); err != nil {
		return err
	}

	record, err := p.cfg.Programs.DelegationRecord(interactionAddr)
	if err != nil {
		return err
	}
	coord := delegation.NewCoordinator(p.cfg.Router, p.cfg.Programs, wallet, p.cfg.Log)
	entry := provision.Entry{Name: "delegation to " + params.DelegateTo, Kind: types.KindDelegation, Address: record}
	h, err := coord.Delegate(ctx, interactionAddr, params.DelegateTo, contextAddr)
	switch {
	case err == nil:
		entry.Decision = types.DecisionCreated
	case errors.Is(err, delegation.ErrAlreadyDelegated):
		entry.Decision = types.DecisionExists
		if h.Domain != "" && h.Domain != params.DelegateTo {
			entry.Note = "delegated to " + h.Domain
			report.Warn(fmt.Sprintf("interaction already delegated to %q, not %q", h.Domain, params.DelegateTo))
		}
	default:
		entry.Decision = types.DecisionFailed
		entry.Error = err.Error()
		p.prov.Record(report, entry)
		return fmt.Errorf("delegate interaction: %w", err)
	}
	report.Delegation = &h
	p.prov.Record(report, entry)
	report.Warn(fmt.Sprintf("job %q still executes against the primary domain", params.JobName))
	return nil
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
