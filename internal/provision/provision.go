// ============================================================================
// Provisioner - check-then-create resource lifecycle
// ============================================================================
//
// Package: internal/provision
// File: provision.go
// Purpose: Bring named resources into existence at derived addresses without
//          ever creating one twice. Every resource walks
//
//   Unknown --GetAccount--> Absent  --create(+fund)--> Provisioned
//                       \-> Present (no-op)
//   any step that fails ---------------------------> Failed (halt)
//
// The existence check is the control-flow signal. A duplicate-create
// rejection from the ledger is reported as a failure, never swallowed.
//
// Funding follows creation immediately, before the caller moves on to any
// resource that depends on this one. Nothing is rolled back: a re-run picks
// up at the first resource that is still absent.
//
// ============================================================================

package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// ErrNotFound is returned when a required resource does not exist.
var ErrNotFound = errors.New("required resource not found")

// Mode says what to do about an absent resource.
type Mode int

const (
	// ModeCreate creates absent resources.
	ModeCreate Mode = iota
	// ModeRequire fails on absent resources; someone else must create them.
	ModeRequire
)

func (m Mode) String() string {
	if m == ModeRequire {
		return "require"
	}
	return "create"
}

// CreateFunc submits whatever creates the resource.
type CreateFunc func(ctx context.Context) error

// Resource is one thing the pipeline needs to exist.
type Resource struct {
	Name    string
	Kind    types.ResourceKind
	Address types.Address
	Mode    Mode
	Create  CreateFunc
	// Fund is transferred from Payer right after a successful create.
	Fund  types.Lamports
	Payer types.Address
}

// Outcome is the result of ensuring one resource.
type Outcome struct {
	State    types.ResourceState
	Decision types.Decision
	Funded   types.Lamports
}

// Hook is told about every recorded entry.
type Hook func(runID string, e Entry)

// Provisioner ensures resources against one ledger.
type Provisioner struct {
	ledger ledger.Ledger
	hooks  []Hook
	log    zerolog.Logger
}

// New returns a provisioner reading and funding through l.
func New(l ledger.Ledger, log zerolog.Logger) *Provisioner {
	return &Provisioner{ledger: l, log: log.With().Str("component", "provisioner").Logger()}
}

// AddHook registers fn for every recorded entry.
func (p *Provisioner) AddHook(fn Hook) {
	p.hooks = append(p.hooks, fn)
}

// Record appends e to the report and notifies hooks. Steps that are not
// plain address checks (slot attach, delegation) report through here.
func (p *Provisioner) Record(report *Report, e Entry) {
	report.add(e)
	for _, h := range p.hooks {
		h(report.RunID, e)
	}
	ev := p.log.Info()
	if e.Decision == types.DecisionFailed {
		ev = p.log.Error().Str("error", e.Error)
	}
	ev.Str("run", report.RunID).
		Str("resource", e.Name).
		Str("kind", string(e.Kind)).
		Str("address", e.Address.String()).
		Str("decision", string(e.Decision)).
		Msg("resource decision")
}

// Ensure walks r through its lifecycle and records the decision in report.
// A non-nil error means the pipeline must halt.
func (p *Provisioner) Ensure(ctx context.Context, report *Report, r Resource) (Outcome, error) {
	out := Outcome{State: types.StateUnknown}
	entry := Entry{Name: r.Name, Kind: r.Kind, Address: r.Address}

	fail := func(err error) (Outcome, error) {
		out.State = types.StateFailed
		out.Decision = types.DecisionFailed
		entry.Decision = types.DecisionFailed
		entry.Error = err.Error()
		p.Record(report, entry)
		return out, fmt.Errorf("%s %s: %w", r.Kind, r.Name, err)
	}

	acct, err := p.ledger.GetAccount(ctx, r.Address)
	if err != nil {
		return fail(fmt.Errorf("check existence: %w", err))
	}
	if acct != nil {
		out.State = types.StatePresent
		out.Decision = types.DecisionExists
		entry.Decision = types.DecisionExists
		p.Record(report, entry)
		return out, nil
	}
	out.State = types.StateAbsent

	if r.Mode == ModeRequire || r.Create == nil {
		return fail(ErrNotFound)
	}
	if err := r.Create(ctx); err != nil {
		return fail(fmt.Errorf("create: %w", err))
	}
	if r.Fund > 0 {
		ix := ledger.TransferInstruction(r.Payer, r.Address, r.Fund)
		if _, err := p.ledger.Submit(ctx, []types.Instruction{ix}, r.Payer); err != nil {
			entry.Note = "created but not funded"
			return fail(fmt.Errorf("fund %d lamports: %w", r.Fund, err))
		}
		out.Funded = r.Fund
		entry.Funded = r.Fund
	}

	out.State = types.StateProvisioned
	out.Decision = types.DecisionCreated
	entry.Decision = types.DecisionCreated
	p.Record(report, entry)
	return out, nil
}
