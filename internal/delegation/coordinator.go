// ============================================================================
// Delegation Coordinator - one-way hand-off to an alternate domain
// ============================================================================
//
// Package: internal/delegation
// File: coordinator.go
// Purpose: Move a resource's mutation authority from the primary domain to a
//          named alternate ("ephemeral") domain, and route later operations
//          on that resource to it.
//
// State machine per resource:
//
//   Undelegated --Delegate--> Delegated   (terminal; no undelegate)
//
// The primary domain keeps a record at DelegationRecord(resource) and the
// resource itself becomes owned by the delegation program, so the primary
// refuses further writes. The alternate domain receives a clone with the
// original owner if it accepts seeded accounts.
//
// Only callers that go through Router see the redirect. A recurring job
// compiled before the hand-off keeps targeting the domain it was built for.
//
// ============================================================================

package delegation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

var (
	// ErrAlreadyDelegated is returned when the resource already has a record.
	ErrAlreadyDelegated = errors.New("already delegated")
	// ErrAuthorityMismatch is returned when the caller is not the resource's authority.
	ErrAuthorityMismatch = errors.New("authority mismatch")
	// ErrNotFound is returned when the resource does not exist.
	ErrNotFound = errors.New("delegation: resource not found")
	// ErrUnknownDomain is returned for a domain that was never registered.
	ErrUnknownDomain = errors.New("unknown domain")
)

// Router picks the domain an operation on a resource must be issued against.
type Router struct {
	primary  ledger.Ledger
	programs address.Programs

	mu      sync.RWMutex
	domains map[string]ledger.Ledger
}

// NewRouter returns a router with only the primary domain.
func NewRouter(primary ledger.Ledger, programs address.Programs) *Router {
	return &Router{primary: primary, programs: programs, domains: make(map[string]ledger.Ledger)}
}

// Register adds or replaces an alternate domain.
func (r *Router) Register(name string, l ledger.Ledger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[name] = l
}

// Domains lists registered alternate domain names in order.
func (r *Router) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.domains))
	for n := range r.domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Primary returns the primary domain.
func (r *Router) Primary() ledger.Ledger { return r.primary }

func (r *Router) domain(name string) (ledger.Ledger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, name)
	}
	return l, nil
}

// Record reads the delegation record of resource, or nil if undelegated.
func (r *Router) Record(ctx context.Context, resource types.Address) (*Record, error) {
	addr, err := r.programs.DelegationRecord(resource)
	if err != nil {
		return nil, err
	}
	acct, err := r.primary.GetAccount(ctx, addr)
	if err != nil || acct == nil {
		return nil, err
	}
	var rec Record
	if err := ledger.DecodeState(acct, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// LedgerFor returns the ledger that owns writes to resource and its name.
func (r *Router) LedgerFor(ctx context.Context, resource types.Address) (ledger.Ledger, string, error) {
	rec, err := r.Record(ctx, resource)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return r.primary, "", nil
	}
	l, err := r.domain(rec.Domain)
	if err != nil {
		return nil, "", err
	}
	return l, rec.Domain, nil
}

// Coordinator performs delegations signed by one authority.
type Coordinator struct {
	router    *Router
	programs  address.Programs
	authority types.Address
	log       zerolog.Logger
}

// NewCoordinator returns a coordinator acting for authority.
func NewCoordinator(router *Router, programs address.Programs, authority types.Address, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		router:    router,
		programs:  programs,
		authority: authority,
		log:       log.With().Str("component", "delegation").Logger(),
	}
}

// Handle returns the current handle of resource.
func (c *Coordinator) Handle(ctx context.Context, resource types.Address) (types.DelegationHandle, error) {
	recAddr, err := c.programs.DelegationRecord(resource)
	if err != nil {
		return types.DelegationHandle{}, err
	}
	h := types.DelegationHandle{Resource: resource, Record: recAddr, State: types.Undelegated}
	rec, err := c.router.Record(ctx, resource)
	if err != nil || rec == nil {
		return h, err
	}
	h.Domain = rec.Domain
	h.Delegator = rec.Delegator
	h.State = types.Delegated
	return h, nil
}

// Delegate hands resource to domain. It fails with ErrAlreadyDelegated if a
// record exists, ErrNotFound if the resource does not, and
// ErrAuthorityMismatch if the coordinator's authority does not own it.
// Accounts in deps are copied to the domain as they are, for reading.
// When a record exists but the domain lost the resource, for instance
// because seeding failed after the record committed, the resource and deps
// are seeded again before ErrAlreadyDelegated is returned.
func (c *Coordinator) Delegate(ctx context.Context, resource types.Address, domain string, deps ...types.Address) (types.DelegationHandle, error) {
	target, err := c.router.domain(domain)
	if err != nil {
		return types.DelegationHandle{}, err
	}
	h, err := c.Handle(ctx, resource)
	if err != nil {
		return h, err
	}
	if h.State == types.Delegated {
		if err := c.reseed(ctx, resource, deps); err != nil {
			return h, err
		}
		return h, fmt.Errorf("%s to %q: %w", resource, h.Domain, ErrAlreadyDelegated)
	}

	primary := c.router.Primary()
	acct, err := primary.GetAccount(ctx, resource)
	if err != nil {
		return h, err
	}
	if acct == nil {
		return h, fmt.Errorf("%s: %w", resource, ErrNotFound)
	}
	if acct.Authority != c.authority {
		return h, fmt.Errorf("%s owned by %s: %w", resource, acct.Authority, ErrAuthorityMismatch)
	}

	ix, _, err := DelegateInstruction(c.programs, c.authority, resource, domain)
	if err != nil {
		return h, err
	}
	if _, err := primary.Submit(ctx, []types.Instruction{ix}, c.authority); err != nil {
		switch ledger.RejectCode(err) {
		case CodeAlreadyDelegated:
			return h, fmt.Errorf("%s: %w", resource, ErrAlreadyDelegated)
		case CodeAuthorityMismatch:
			return h, fmt.Errorf("%s: %w", resource, ErrAuthorityMismatch)
		case ledger.CodeAccountNotFound:
			return h, fmt.Errorf("%s: %w", resource, ErrNotFound)
		}
		return h, fmt.Errorf("delegate %s: %w", resource, err)
	}

	// the clone keeps the pre-delegation owner so that owner's program can
	// keep writing it in the alternate domain
	if err := c.seed(ctx, target, domain, acct.Clone(), deps); err != nil {
		return h, err
	}

	h.Domain = domain
	h.Delegator = c.authority
	h.State = types.Delegated
	c.log.Info().Str("resource", resource.String()).Str("domain", domain).Msg("resource delegated")
	return h, nil
}

// reseed restores a delegated resource its domain no longer holds. The
// primary copy is owned by the delegation program by now, so the clone gets
// the owner recorded at delegation time.
func (c *Coordinator) reseed(ctx context.Context, resource types.Address, deps []types.Address) error {
	rec, err := c.router.Record(ctx, resource)
	if err != nil || rec == nil || rec.Delegator != c.authority {
		return err
	}
	target, err := c.router.domain(rec.Domain)
	if err != nil {
		return err
	}
	if _, ok := target.(ledger.Seeder); !ok {
		return nil
	}
	held, err := target.GetAccount(ctx, resource)
	if err != nil || held != nil {
		return err
	}
	acct, err := c.router.Primary().GetAccount(ctx, resource)
	if err != nil || acct == nil {
		return err
	}
	clone := acct.Clone()
	clone.Owner = rec.OriginalOwner
	c.log.Warn().Str("resource", resource.String()).Str("domain", rec.Domain).Msg("delegated resource missing from domain, seeding again")
	return c.seed(ctx, target, rec.Domain, clone, deps)
}

func (c *Coordinator) seed(ctx context.Context, target ledger.Ledger, domain string, acct *types.AccountInfo, deps []types.Address) error {
	seeder, ok := target.(ledger.Seeder)
	if !ok {
		c.log.Warn().Str("domain", domain).Msg("domain does not accept seeded accounts, resource must be cloned externally")
		return nil
	}
	if err := seeder.Seed(ctx, acct); err != nil {
		return fmt.Errorf("seed %s into %q: %w", acct.Address, domain, err)
	}
	for _, dep := range deps {
		d, err := c.router.Primary().GetAccount(ctx, dep)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		if err := seeder.Seed(ctx, d); err != nil {
			return fmt.Errorf("seed %s into %q: %w", dep, domain, err)
		}
	}
	return nil
}
