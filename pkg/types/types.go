// Package types defines the domain model shared by the provisioning pipeline,
// the local execution domain and the transport layer.
package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-tron/base58"
)

// ============================================================================
// Addresses
// ============================================================================

// AddressLen is the width of every resource address in bytes.
const AddressLen = 32

// ErrInvalidAddress is returned when a textual address cannot be decoded.
var ErrInvalidAddress = errors.New("invalid address")

// Address is an opaque, fixed-width resource identifier. Derived addresses are
// always recomputed from their canonical seeds and never stored on their own.
type Address [AddressLen]byte

// ParseAddress decodes a base58 address.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return a, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if len(raw) != AddressLen {
		return a, fmt.Errorf("%w: %q decodes to %d bytes, want %d", ErrInvalidAddress, s, len(raw), AddressLen)
	}
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is like ParseAddress but panics on error.
// Use only in tests or for compiled-in constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address in base58.
func (a Address) String() string { return base58.Encode(a[:]) }

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLen)
	copy(b, a[:])
	return b
}

// IsZero reports whether the address is all zeroes (the system program).
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText implements encoding.TextMarshaler so addresses serialize as
// base58 strings in JSON snapshots and journals.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ============================================================================
// Amounts
// ============================================================================

// Lamports is the smallest unit of the ledger's native balance.
type Lamports uint64

// LamportsPerSOL is the number of lamports in one whole unit.
const LamportsPerSOL Lamports = 1_000_000_000

// SOL formats the amount in whole units without going through floats.
func (l Lamports) SOL() string {
	whole := l / LamportsPerSOL
	frac := l % LamportsPerSOL
	if frac == 0 {
		return strconv.FormatUint(uint64(whole), 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%09d", uint64(frac)), "0")
	return fmt.Sprintf("%d.%s", uint64(whole), fs)
}

// ============================================================================
// Instructions and accounts
// ============================================================================

// Role is the signer/writable permission bundle of an account reference.
type Role uint8

const (
	RoleReadonly Role = 0
	RoleSigner   Role = 1 << 0
	RoleWritable Role = 1 << 1
)

func (r Role) String() string {
	switch r {
	case RoleSigner | RoleWritable:
		return "signer+writable"
	case RoleSigner:
		return "signer"
	case RoleWritable:
		return "writable"
	default:
		return "readonly"
	}
}

// AccountMeta references an account from an instruction.
type AccountMeta struct {
	Address    Address `json:"address"`
	IsSigner   bool    `json:"is_signer,omitempty"`
	IsWritable bool    `json:"is_writable,omitempty"`
}

// Role returns the permission bundle of the reference.
func (m AccountMeta) Role() Role {
	var r Role
	if m.IsSigner {
		r |= RoleSigner
	}
	if m.IsWritable {
		r |= RoleWritable
	}
	return r
}

// Writable returns a writable, non-signer reference.
func Writable(a Address) AccountMeta { return AccountMeta{Address: a, IsWritable: true} }

// Readonly returns a read-only, non-signer reference.
func Readonly(a Address) AccountMeta { return AccountMeta{Address: a} }

// Signer returns a writable signer reference (payers, authorities).
func Signer(a Address) AccountMeta { return AccountMeta{Address: a, IsSigner: true, IsWritable: true} }

// ReadonlySigner returns a read-only signer reference.
func ReadonlySigner(a Address) AccountMeta { return AccountMeta{Address: a, IsSigner: true} }

// Instruction is one abstract operation against a program.
type Instruction struct {
	ProgramID Address       `json:"program_id"`
	Accounts  []AccountMeta `json:"accounts"`
	Data      []byte        `json:"data"`
}

// AccountInfo is the state stored at an address in a domain.
type AccountInfo struct {
	Address   Address  `json:"address"`
	Owner     Address  `json:"owner"`
	Lamports  Lamports `json:"lamports"`
	Data      []byte   `json:"data,omitempty"`
	Authority Address  `json:"authority"`
}

// Clone returns a deep copy.
func (a *AccountInfo) Clone() *AccountInfo {
	if a == nil {
		return nil
	}
	c := *a
	if a.Data != nil {
		c.Data = append([]byte(nil), a.Data...)
	}
	return &c
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
}

// ============================================================================
// Compiled transactions
// ============================================================================

// ErrInvalidCompiledTx marks a compiled transaction whose indices do not
// resolve against its account table.
var ErrInvalidCompiledTx = errors.New("invalid compiled transaction")

// CompiledInstruction references its program and accounts by index into the
// owning transaction's account table.
type CompiledInstruction struct {
	ProgramIDIndex uint8   `json:"program_id_index"`
	Accounts       []uint8 `json:"accounts"`
	Data           []byte  `json:"data"`
}

// CompiledTransaction is a relocatable batch of instructions plus the
// deduplicated account table they index into.
type CompiledTransaction struct {
	Instructions []CompiledInstruction `json:"instructions"`
	Accounts     []AccountMeta         `json:"accounts"`
}

// Validate checks that every index resolves and that the table holds no
// duplicate address+role entries.
func (tx CompiledTransaction) Validate() error {
	type key struct {
		addr Address
		role Role
	}
	seen := make(map[key]int, len(tx.Accounts))
	for i, m := range tx.Accounts {
		k := key{m.Address, m.Role()}
		if j, dup := seen[k]; dup {
			return fmt.Errorf("%w: accounts[%d] duplicates accounts[%d] (%s %s)", ErrInvalidCompiledTx, i, j, m.Address, m.Role())
		}
		seen[k] = i
	}
	n := len(tx.Accounts)
	for i, ix := range tx.Instructions {
		if int(ix.ProgramIDIndex) >= n {
			return fmt.Errorf("%w: instruction %d program index %d out of range (%d accounts)", ErrInvalidCompiledTx, i, ix.ProgramIDIndex, n)
		}
		for _, idx := range ix.Accounts {
			if int(idx) >= n {
				return fmt.Errorf("%w: instruction %d account index %d out of range (%d accounts)", ErrInvalidCompiledTx, i, idx, n)
			}
		}
	}
	return nil
}

// ============================================================================
// Provisioning
// ============================================================================

// ResourceKind names the category of a provisionable resource.
type ResourceKind string

const (
	KindTaskQueue      ResourceKind = "task_queue"
	KindQueueAuthority ResourceKind = "queue_authority"
	KindCronJob        ResourceKind = "cron_job"
	KindCronSlot       ResourceKind = "cron_slot"
	KindContext        ResourceKind = "context"
	KindInteraction    ResourceKind = "interaction"
	KindDelegation     ResourceKind = "delegation"
)

// ResourceState is the lifecycle of one resource within a run:
// Unknown -> Absent|Present -> Provisioned, or Failed.
type ResourceState int

const (
	StateUnknown ResourceState = iota
	StateAbsent
	StatePresent
	StateProvisioned
	StateFailed
)

func (s ResourceState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresent:
		return "present"
	case StateProvisioned:
		return "provisioned"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Decision is what a run did about a resource.
type Decision string

const (
	DecisionCreated Decision = "created"
	DecisionExists  Decision = "already-exists"
	DecisionFailed  Decision = "failed"
)

// ============================================================================
// Scheduled jobs
// ============================================================================

// JobConfig carries the per-invocation limits and the initial funding of a
// scheduled job.
type JobConfig struct {
	FreeTasksPerTransaction uint16   `json:"free_tasks_per_transaction" yaml:"free_tasks_per_transaction"`
	NumTasksPerQueueCall    uint16   `json:"num_tasks_per_queue_call" yaml:"num_tasks_per_queue_call"`
	Funding                 Lamports `json:"funding" yaml:"funding_lamports"`
}

// JobRecord is a scheduled job as stored by the broker.
type JobRecord struct {
	Address                 Address `json:"address"`
	ID                      uint32  `json:"id"`
	Name                    string  `json:"name"`
	Schedule                string  `json:"schedule"`
	Authority               Address `json:"authority"`
	TaskQueue               Address `json:"task_queue"`
	FreeTasksPerTransaction uint16  `json:"free_tasks_per_transaction"`
	NumTasksPerQueueCall    uint16  `json:"num_tasks_per_queue_call"`
	NumTransactions         uint32  `json:"num_transactions"`
}

// SlotRecord is one compiled transaction attached to a job.
type SlotRecord struct {
	Job         Address             `json:"job"`
	Index       uint32              `json:"index"`
	Transaction CompiledTransaction `json:"transaction"`
}

// ============================================================================
// Delegation
// ============================================================================

// DelegationState is a one-way transition: Undelegated -> Delegated.
type DelegationState string

const (
	Undelegated DelegationState = "undelegated"
	Delegated   DelegationState = "delegated"
)

// DelegationHandle records that a resource's mutation authority now lives in
// an alternate execution domain.
type DelegationHandle struct {
	Resource  Address         `json:"resource"`
	Domain    string          `json:"domain"`
	Delegator Address         `json:"delegator"`
	Record    Address         `json:"record"`
	State     DelegationState `json:"state"`
}
