package ledger

import (
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Rent constants of the local domain. An account is rent exempt when it holds
// at least RentExempt(len(data)) lamports.
const (
	AccountStorageOverhead = 128
	LamportsPerByte        = 6960
)

// RentExempt returns the minimum balance for an account with dataLen bytes.
func RentExempt(dataLen int) types.Lamports {
	return types.Lamports((AccountStorageOverhead + dataLen) * LamportsPerByte)
}

// Tx is the copy-on-write view a program sees while a submission executes.
// Nothing it writes is visible outside until the submission commits.
type Tx struct {
	base    map[types.Address]*types.AccountInfo
	writes  map[types.Address]*types.AccountInfo
	deletes map[types.Address]struct{}
	signer  types.Address
	program types.Address
	slot    uint64
	domain  string

	// program-derived signers granted by Invoke, and the dispatcher
	derived map[types.Address]int
	invoke  func(tx *Tx, ix types.Instruction) error
	depth   int
}

// MaxInvokeDepth bounds nested program invocations.
const MaxInvokeDepth = 4

// Signer is the submitting identity.
func (tx *Tx) Signer() types.Address { return tx.signer }

// IsSigner reports whether addr signed the submission or was granted
// signing rights by the invoking program.
func (tx *Tx) IsSigner(addr types.Address) bool {
	return addr == tx.signer || tx.derived[addr] > 0
}

// Invoke runs ix from inside the executing program. Accounts listed in
// signers sign on the caller's behalf; each must be owned by the caller.
func (tx *Tx) Invoke(ix types.Instruction, signers ...types.Address) error {
	if tx.depth >= MaxInvokeDepth {
		return Reject(CodeInvalidInstruction, "invoke depth %d exceeded", MaxInvokeDepth)
	}
	caller := tx.program
	for _, s := range signers {
		a := tx.Get(s)
		if a == nil || a.Owner != caller {
			return Reject(CodeUnauthorized, "%s cannot sign for %s", caller, s)
		}
	}
	if tx.derived == nil {
		tx.derived = make(map[types.Address]int)
	}
	for _, s := range signers {
		tx.derived[s]++
	}
	tx.depth++
	defer func() {
		tx.depth--
		for _, s := range signers {
			tx.derived[s]--
		}
		tx.program = caller
	}()
	return tx.invoke(tx, ix)
}

// Program is the id of the program currently executing.
func (tx *Tx) Program() types.Address { return tx.program }

// Slot is the slot the submission will commit at.
func (tx *Tx) Slot() uint64 { return tx.slot }

// Domain is the executing domain's name.
func (tx *Tx) Domain() string { return tx.domain }

// Get returns a private copy of the account at addr, or nil.
func (tx *Tx) Get(addr types.Address) *types.AccountInfo {
	if _, gone := tx.deletes[addr]; gone {
		return nil
	}
	if a, ok := tx.writes[addr]; ok {
		return a.Clone()
	}
	return tx.base[addr].Clone()
}

// Exists reports whether addr holds an account.
func (tx *Tx) Exists(addr types.Address) bool { return tx.Get(addr) != nil }

// Put stages a write of acct.
func (tx *Tx) Put(acct *types.AccountInfo) {
	delete(tx.deletes, acct.Address)
	tx.writes[acct.Address] = acct.Clone()
}

// Close removes addr and refunds its balance to dest.
func (tx *Tx) Close(addr, dest types.Address) error {
	a := tx.Get(addr)
	if a == nil {
		return Reject(CodeAccountNotFound, "close %s: no account", addr)
	}
	if a.Lamports > 0 {
		if err := tx.credit(dest, a.Lamports); err != nil {
			return err
		}
	}
	delete(tx.writes, addr)
	tx.deletes[addr] = struct{}{}
	return nil
}

// CreateAccount allocates addr owned by owner with a rent-exempt balance paid
// by payer.
func (tx *Tx) CreateAccount(payer, addr, owner, authority types.Address, data []byte) error {
	if tx.Exists(addr) {
		return Reject(CodeAccountInUse, "address %s already in use", addr)
	}
	rent := RentExempt(len(data))
	if err := tx.debit(payer, rent); err != nil {
		return err
	}
	tx.Put(&types.AccountInfo{
		Address:   addr,
		Owner:     owner,
		Lamports:  rent,
		Data:      data,
		Authority: authority,
	})
	return nil
}

// Transfer moves amount from one account to another, creating the
// destination as a system account if it does not exist.
func (tx *Tx) Transfer(from, to types.Address, amount types.Lamports) error {
	if amount == 0 {
		return nil
	}
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	return tx.credit(to, amount)
}

func (tx *Tx) debit(addr types.Address, amount types.Lamports) error {
	a := tx.Get(addr)
	if a == nil {
		return Reject(CodeInsufficientFunds, "%s has no account", addr)
	}
	if a.Lamports < amount {
		return Reject(CodeInsufficientFunds, "%s holds %d lamports, needs %d", addr, a.Lamports, amount)
	}
	a.Lamports -= amount
	tx.Put(a)
	return nil
}

func (tx *Tx) credit(addr types.Address, amount types.Lamports) error {
	a := tx.Get(addr)
	if a == nil {
		a = &types.AccountInfo{Address: addr, Owner: SystemProgram}
	}
	a.Lamports += amount
	tx.Put(a)
	return nil
}
