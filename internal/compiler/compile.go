// ============================================================================
// Transaction Compiler
// ============================================================================
//
// Package: internal/compiler
// File: compile.go
// Purpose: Pack abstract instructions into a relocatable CompiledTransaction
//          whose instructions reference a deduplicated account table by index.
//
// Algorithm:
//   for each instruction, in order:
//     1. intern the program id as a read-only, non-signer entry
//     2. intern every account reference (key = address + role)
//     3. record the resulting indices, preserving reference order
//
//   Two references to the same address with different roles stay separate
//   entries: the role decides execution permissions.
//
// Properties:
//   - pure: no network or state access
//   - stable: the same input always yields the same table order and indices,
//     so re-compiling on retry produces byte-identical output
//
// ============================================================================

package compiler

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// MaxAccounts is the table size addressable by a one-byte index.
const MaxAccounts = 256

var (
	// ErrEmpty is returned when there is nothing to compile.
	ErrEmpty = errors.New("compiler: no instructions")
	// ErrTooManyAccounts is returned when the table would overflow u8 indices.
	ErrTooManyAccounts = errors.New("compiler: account table exceeds 256 entries")
)

type tableKey struct {
	addr types.Address
	role types.Role
}

type table struct {
	index   map[tableKey]uint8
	entries []types.AccountMeta
}

func (t *table) intern(m types.AccountMeta) (uint8, error) {
	k := tableKey{m.Address, m.Role()}
	if i, ok := t.index[k]; ok {
		return i, nil
	}
	if len(t.entries) >= MaxAccounts {
		return 0, ErrTooManyAccounts
	}
	i := uint8(len(t.entries))
	t.index[k] = i
	t.entries = append(t.entries, m)
	return i, nil
}

// Compile packs ixs into a CompiledTransaction.
func Compile(ixs []types.Instruction) (types.CompiledTransaction, error) {
	if len(ixs) == 0 {
		return types.CompiledTransaction{}, ErrEmpty
	}

	t := &table{index: make(map[tableKey]uint8)}
	compiled := make([]types.CompiledInstruction, 0, len(ixs))

	for n, ix := range ixs {
		pi, err := t.intern(types.Readonly(ix.ProgramID))
		if err != nil {
			return types.CompiledTransaction{}, fmt.Errorf("instruction %d program: %w", n, err)
		}

		accounts := make([]uint8, 0, len(ix.Accounts))
		for j, m := range ix.Accounts {
			idx, err := t.intern(m)
			if err != nil {
				return types.CompiledTransaction{}, fmt.Errorf("instruction %d account %d: %w", n, j, err)
			}
			accounts = append(accounts, idx)
		}

		compiled = append(compiled, types.CompiledInstruction{
			ProgramIDIndex: pi,
			Accounts:       accounts,
			Data:           append([]byte(nil), ix.Data...),
		})
	}

	return types.CompiledTransaction{
		Instructions: compiled,
		Accounts:     t.entries,
	}, nil
}

// Decompile resolves a compiled transaction back into instructions. It is
// the inverse the executing side uses to replay a stored slot.
func Decompile(tx types.CompiledTransaction) ([]types.Instruction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	out := make([]types.Instruction, 0, len(tx.Instructions))
	for _, ci := range tx.Instructions {
		metas := make([]types.AccountMeta, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			metas = append(metas, tx.Accounts[idx])
		}
		out = append(out, types.Instruction{
			ProgramID: tx.Accounts[ci.ProgramIDIndex].Address,
			Accounts:  metas,
			Data:      append([]byte(nil), ci.Data...),
		})
	}
	return out, nil
}

// RemainingAccounts returns the account table that must accompany an attach
// request so the broker can store the slot without re-resolving accounts.
func RemainingAccounts(tx types.CompiledTransaction) []types.AccountMeta {
	out := make([]types.AccountMeta, len(tx.Accounts))
	copy(out, tx.Accounts)
	return out
}
