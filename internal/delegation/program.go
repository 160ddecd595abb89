package delegation

import (
	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// OpDelegate is the only opcode of the delegation program.
const OpDelegate byte = 0

// Reject codes of the delegation program.
const (
	CodeAlreadyDelegated  = "already_delegated"
	CodeAuthorityMismatch = "authority_mismatch"
)

// Record is the stored state of a delegation.
type Record struct {
	Resource      types.Address `json:"resource"`
	Domain        string        `json:"domain"`
	Delegator     types.Address `json:"delegator"`
	OriginalOwner types.Address `json:"original_owner"`
	Slot          uint64        `json:"slot"`
}

type delegateArgs struct {
	Domain string `json:"domain"`
}

// Program is the local delegation program. Delegating takes ownership of the
// resource in the primary domain, which freezes it there.
type Program struct {
	programs address.Programs
}

// NewProgram returns the delegation program for the given identities.
func NewProgram(programs address.Programs) *Program {
	return &Program{programs: programs}
}

// DelegateInstruction hands resource to domain on behalf of its authority.
//
// accounts: [authority signer, resource writable, record writable, system]
func DelegateInstruction(programs address.Programs, authority, resource types.Address, domain string) (types.Instruction, types.Address, error) {
	record, err := programs.DelegationRecord(resource)
	if err != nil {
		return types.Instruction{}, types.Address{}, err
	}
	return types.Instruction{
		ProgramID: programs.Delegation,
		Accounts: []types.AccountMeta{
			types.Signer(authority),
			types.Writable(resource),
			types.Writable(record),
			types.Readonly(ledger.SystemProgram),
		},
		Data: ledger.EncodeOp(OpDelegate, delegateArgs{Domain: domain}),
	}, record, nil
}

// Execute implements ledger.Program.
func (p *Program) Execute(tx *ledger.Tx, ix types.Instruction) error {
	op, payload, err := ledger.DecodeOp(ix.Data)
	if err != nil {
		return err
	}
	if op != OpDelegate {
		return ledger.Reject(ledger.CodeInvalidInstruction, "delegation: unknown op %d", op)
	}
	if len(ix.Accounts) < 3 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "delegate needs 3 accounts, got %d", len(ix.Accounts))
	}
	var args delegateArgs
	if err := ledger.DecodeArgs(payload, &args); err != nil {
		return err
	}
	if args.Domain == "" {
		return ledger.Reject(ledger.CodeInvalidInstruction, "delegate: empty domain")
	}
	authority, resource, recordAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	want, err := p.programs.DelegationRecord(resource)
	if err != nil || want != recordAddr {
		return ledger.Reject(ledger.CodeSeedMismatch, "record %s does not match resource %s", recordAddr, resource)
	}
	if tx.Exists(recordAddr) {
		return ledger.Reject(CodeAlreadyDelegated, "%s is already delegated", resource)
	}
	acct := tx.Get(resource)
	if acct == nil {
		return ledger.Reject(ledger.CodeAccountNotFound, "no resource at %s", resource)
	}
	if acct.Authority != authority {
		return ledger.Reject(CodeAuthorityMismatch, "%s is not the authority of %s", authority, resource)
	}

	rec := Record{
		Resource:      resource,
		Domain:        args.Domain,
		Delegator:     authority,
		OriginalOwner: acct.Owner,
		Slot:          tx.Slot(),
	}
	if err := tx.CreateAccount(authority, recordAddr, tx.Program(), authority, ledger.EncodeState(rec)); err != nil {
		return err
	}
	acct.Owner = tx.Program()
	tx.Put(acct)
	return nil
}
