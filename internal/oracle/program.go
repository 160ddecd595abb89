package oracle

import (
	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Counter is the stored state of the context counter.
type Counter struct {
	Count uint32 `json:"count"`
}

// Context is a prompt context that interactions are answered against.
type Context struct {
	Index     uint32        `json:"index"`
	Text      string        `json:"text"`
	Authority types.Address `json:"authority"`
}

// Interaction is the latest request of a user within a context.
type Interaction struct {
	User                  types.Address `json:"user"`
	Context               types.Address `json:"context"`
	Text                  string        `json:"text"`
	CallbackProgram       types.Address `json:"callback_program"`
	CallbackDiscriminator Discriminator `json:"callback_discriminator"`
	Count                 uint64        `json:"count"`
	Slot                  uint64        `json:"slot"`
	Domain                string        `json:"domain"`
}

// Program is a local stand-in for the LLM oracle. It records requests; it
// does not answer them.
type Program struct {
	programs address.Programs
}

// NewProgram returns the oracle program for the given identities.
func NewProgram(programs address.Programs) *Program {
	return &Program{programs: programs}
}

// Execute implements ledger.Program.
func (p *Program) Execute(tx *ledger.Tx, ix types.Instruction) error {
	if len(ix.Data) < 8 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "oracle: %d bytes of instruction data", len(ix.Data))
	}
	var d Discriminator
	copy(d[:], ix.Data[:8])
	switch d {
	case DiscCreateContext:
		return p.createContext(tx, ix)
	case DiscInteract:
		return p.interact(tx, ix)
	default:
		return ledger.Reject(ledger.CodeInvalidInstruction, "oracle: unknown discriminator %x", d[:])
	}
}

// accounts: [payer signer, counter writable, context writable, system]
func (p *Program) createContext(tx *ledger.Tx, ix types.Instruction) error {
	if len(ix.Accounts) < 3 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "create_llm_context needs 3 accounts, got %d", len(ix.Accounts))
	}
	text, err := DecodeCreateContext(ix.Data)
	if err != nil {
		return ledger.Reject(ledger.CodeInvalidInstruction, "%v", err)
	}
	payer, counterAddr, ctxAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	want, err := p.programs.ContextCounter()
	if err != nil || want != counterAddr {
		return ledger.Reject(ledger.CodeSeedMismatch, "counter %s does not match seeds", counterAddr)
	}
	var counter Counter
	counterAcct := tx.Get(counterAddr)
	if counterAcct != nil {
		if err := ledger.DecodeState(counterAcct, &counter); err != nil {
			return err
		}
	}
	want, err = p.programs.Context(counter.Count)
	if err != nil || want != ctxAddr {
		return ledger.Reject(ledger.CodeSeedMismatch, "context %s is not context %d", ctxAddr, counter.Count)
	}

	c := Context{Index: counter.Count, Text: text, Authority: payer}
	if err := tx.CreateAccount(payer, ctxAddr, tx.Program(), payer, ledger.EncodeState(c)); err != nil {
		return err
	}
	counter.Count++
	if counterAcct == nil {
		return tx.CreateAccount(payer, counterAddr, tx.Program(), types.Address{}, ledger.EncodeState(counter))
	}
	counterAcct.Data = ledger.EncodeState(counter)
	tx.Put(counterAcct)
	return nil
}

// accounts: [payer signer, interaction writable, context, system]
func (p *Program) interact(tx *ledger.Tx, ix types.Instruction) error {
	if len(ix.Accounts) < 3 {
		return ledger.Reject(ledger.CodeInvalidInstruction, "interact_with_llm needs 3 accounts, got %d", len(ix.Accounts))
	}
	args, err := DecodeInteract(ix.Data)
	if err != nil {
		return ledger.Reject(ledger.CodeInvalidInstruction, "%v", err)
	}
	payer, interAddr, ctxAddr := ix.Accounts[0].Address, ix.Accounts[1].Address, ix.Accounts[2].Address

	ctxAcct := tx.Get(ctxAddr)
	if ctxAcct == nil || ctxAcct.Owner != tx.Program() {
		return ledger.Reject(ledger.CodeAccountNotFound, "no oracle context at %s", ctxAddr)
	}
	want, err := p.programs.Interaction(payer, ctxAddr)
	if err != nil || want != interAddr {
		return ledger.Reject(ledger.CodeSeedMismatch, "interaction %s does not match seeds", interAddr)
	}

	state := Interaction{User: payer, Context: ctxAddr}
	acct := tx.Get(interAddr)
	if acct != nil {
		// a delegated interaction belongs to the delegation program here and
		// can only be written in the domain it was handed to
		if acct.Owner != tx.Program() {
			return ledger.Reject(ledger.CodeUnauthorized, "interaction %s is owned by %s", interAddr, acct.Owner)
		}
		if err := ledger.DecodeState(acct, &state); err != nil {
			return err
		}
	}
	state.Text = args.Text
	state.CallbackProgram = args.CallbackProgram
	state.CallbackDiscriminator = args.CallbackDiscriminator
	state.Count++
	state.Slot = tx.Slot()
	state.Domain = tx.Domain()
	data := ledger.EncodeState(state)

	if acct == nil {
		return tx.CreateAccount(payer, interAddr, tx.Program(), payer, data)
	}
	acct.Data = data
	tx.Put(acct)
	// keep the account rent exempt as the prompt grows
	if need := ledger.RentExempt(len(data)); acct.Lamports < need {
		return tx.Transfer(payer, interAddr, need-acct.Lamports)
	}
	return nil
}
