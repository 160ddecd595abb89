// ============================================================================
// Memory domain - in-process execution domain
// ============================================================================
//
// Package: internal/ledger
// File: memory.go
// Purpose: A Ledger that stores accounts in a map and executes instructions
//          through registered Program handlers.
//
// Execution model:
//   Submit(ixs, signer)
//     1. lock the domain (one writer at a time)
//     2. open a copy-on-write Tx over the account map
//     3. run each instruction's program against the Tx, in order
//     4. any failure: drop the Tx and return *RejectedError
//     5. success: commit the overlay, bump the slot, return a Receipt
//
//   Because step 1-5 run under a single lock, "check slot empty then write"
//   inside a program handler is atomic with respect to every other writer.
//
// ============================================================================

package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Program executes instructions addressed to one program id.
type Program interface {
	Execute(tx *Tx, ix types.Instruction) error
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(tx *Tx, ix types.Instruction) error

// Execute calls f.
func (f ProgramFunc) Execute(tx *Tx, ix types.Instruction) error { return f(tx, ix) }

// SubmitObserver is told about every submission. err is nil on success.
type SubmitObserver func(domain string, err error, elapsed time.Duration)

// Memory is an in-process domain. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	name     string
	accounts map[types.Address]*types.AccountInfo
	programs map[types.Address]Program
	slot     uint64
	observer SubmitObserver
	log      zerolog.Logger
}

// NewMemory creates an empty domain with the system program installed at
// the zero address.
func NewMemory(name string, log zerolog.Logger) *Memory {
	m := &Memory{
		name:     name,
		accounts: make(map[types.Address]*types.AccountInfo),
		programs: make(map[types.Address]Program),
		log:      log.With().Str("domain", name).Logger(),
	}
	m.programs[SystemProgram] = ProgramFunc(executeSystem)
	return m
}

// Name returns the domain name.
func (m *Memory) Name() string { return m.name }

// Register installs p at id, replacing any previous program.
func (m *Memory) Register(id types.Address, p Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.programs[id] = p
}

// Observe sets the submission observer.
func (m *Memory) Observe(fn SubmitObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Slot returns the number of committed submissions.
func (m *Memory) Slot() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot
}

// Airdrop credits lamports to addr, creating a system-owned account if
// needed. Local domains use it to fund wallets.
func (m *Memory) Airdrop(addr types.Address, amount types.Lamports) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[addr]
	if !ok {
		a = &types.AccountInfo{Address: addr, Owner: SystemProgram}
		m.accounts[addr] = a
	}
	a.Lamports += amount
}

// GetAccount implements Ledger.
func (m *Memory) GetAccount(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[addr].Clone(), nil
}

// AccountsOwnedBy returns every account owned by program, sorted by address.
func (m *Memory) AccountsOwnedBy(program types.Address) []*types.AccountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AccountInfo
	for _, a := range m.accounts {
		if a.Owner == program {
			out = append(out, a.Clone())
		}
	}
	sortAccounts(out)
	return out
}

// Seed implements Seeder. The cloned account replaces any local copy.
func (m *Memory) Seed(ctx context.Context, acct *types.AccountInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if acct == nil {
		return errors.New("seed: nil account")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.Address] = acct.Clone()
	m.log.Debug().Str("address", acct.Address.String()).Msg("account seeded")
	return nil
}

// Submit implements Ledger.
func (m *Memory) Submit(ctx context.Context, ixs []types.Instruction, signer types.Address) (types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return types.Receipt{}, err
	}
	start := time.Now()

	m.mu.Lock()
	receipt, err := m.apply(ixs, signer)
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(m.name, err, time.Since(start))
	}
	if err != nil {
		m.log.Debug().Err(err).Str("signer", signer.String()).Msg("submission rejected")
		return types.Receipt{}, err
	}
	m.log.Debug().
		Uint64("slot", receipt.Slot).
		Str("signature", receipt.Signature).
		Int("instructions", len(ixs)).
		Msg("submission committed")
	return receipt, nil
}

// apply runs ixs under m.mu.
func (m *Memory) apply(ixs []types.Instruction, signer types.Address) (types.Receipt, error) {
	if len(ixs) == 0 {
		return types.Receipt{}, Reject(CodeInvalidInstruction, "empty submission")
	}

	tx := &Tx{
		base:    m.accounts,
		writes:  make(map[types.Address]*types.AccountInfo),
		deletes: make(map[types.Address]struct{}),
		signer:  signer,
		slot:    m.slot + 1,
		domain:  m.name,
		invoke:  m.execute,
	}

	for i, ix := range ixs {
		if err := m.execute(tx, ix); err != nil {
			var re *RejectedError
			if !errors.As(err, &re) {
				re = Reject(CodeInvalidInstruction, "%v", err)
			}
			re.Instruction = i
			return types.Receipt{}, re
		}
	}

	for addr := range tx.deletes {
		delete(m.accounts, addr)
	}
	for addr, a := range tx.writes {
		m.accounts[addr] = a
	}
	m.slot = tx.slot

	return types.Receipt{Signature: signature(m.name, tx.slot, signer, ixs), Slot: tx.slot}, nil
}

func (m *Memory) execute(tx *Tx, ix types.Instruction) error {
	for _, meta := range ix.Accounts {
		if meta.IsSigner && !tx.IsSigner(meta.Address) {
			return Reject(CodeMissingSigner, "%s must sign", meta.Address)
		}
	}
	prog, ok := m.programs[ix.ProgramID]
	if !ok {
		return Reject(CodeUnknownProgram, "no program at %s", ix.ProgramID)
	}
	tx.program = ix.ProgramID
	return prog.Execute(tx, ix)
}

// ============================================================================
// Snapshot support
// ============================================================================

// State is the serializable content of a Memory domain.
type State struct {
	Domain   string               `json:"domain"`
	Slot     uint64               `json:"slot"`
	Accounts []*types.AccountInfo `json:"accounts"`
}

// Export returns a deep copy of the domain state, sorted by address.
func (m *Memory) Export() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{Domain: m.name, Slot: m.slot, Accounts: make([]*types.AccountInfo, 0, len(m.accounts))}
	for _, a := range m.accounts {
		st.Accounts = append(st.Accounts, a.Clone())
	}
	sortAccounts(st.Accounts)
	return st
}

// Import replaces the domain's accounts and slot with st. Registered
// programs are kept.
func (m *Memory) Import(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[types.Address]*types.AccountInfo, len(st.Accounts))
	for _, a := range st.Accounts {
		if a == nil {
			continue
		}
		m.accounts[a.Address] = a.Clone()
	}
	m.slot = st.Slot
}

func sortAccounts(as []*types.AccountInfo) {
	sort.Slice(as, func(i, j int) bool {
		return string(as[i].Address[:]) < string(as[j].Address[:])
	})
}

func signature(domain string, slot uint64, signer types.Address, ixs []types.Instruction) string {
	h := sha256.New()
	h.Write([]byte(domain))
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], slot)
	h.Write(b[:])
	h.Write(signer[:])
	for _, ix := range ixs {
		h.Write(ix.ProgramID[:])
		for _, meta := range ix.Accounts {
			h.Write(meta.Address[:])
			h.Write([]byte{byte(meta.Role())})
		}
		h.Write(ix.Data)
	}
	return base58.Encode(h.Sum(nil))
}
