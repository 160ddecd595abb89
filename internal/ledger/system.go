package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// SystemProgram owns plain balances. Its id is the zero address.
var SystemProgram = types.Address{}

// System program opcodes.
const (
	SystemOpTransfer byte = 0
)

type transferArgs struct {
	Lamports types.Lamports `json:"lamports"`
}

// TransferInstruction moves lamports from a signing account to any address.
func TransferInstruction(from, to types.Address, amount types.Lamports) types.Instruction {
	return types.Instruction{
		ProgramID: SystemProgram,
		Accounts:  []types.AccountMeta{types.Signer(from), types.Writable(to)},
		Data:      EncodeOp(SystemOpTransfer, transferArgs{Lamports: amount}),
	}
}

func executeSystem(tx *Tx, ix types.Instruction) error {
	op, payload, err := DecodeOp(ix.Data)
	if err != nil {
		return err
	}
	switch op {
	case SystemOpTransfer:
		if len(ix.Accounts) < 2 {
			return Reject(CodeInvalidInstruction, "transfer needs 2 accounts, got %d", len(ix.Accounts))
		}
		var args transferArgs
		if err := DecodeArgs(payload, &args); err != nil {
			return err
		}
		from, to := ix.Accounts[0], ix.Accounts[1]
		if !from.IsSigner {
			return Reject(CodeMissingSigner, "transfer source %s must sign", from.Address)
		}
		return tx.Transfer(from.Address, to.Address, args.Lamports)
	default:
		return Reject(CodeInvalidInstruction, "system: unknown op %d", op)
	}
}

// ============================================================================
// Instruction data codec
// ============================================================================
//
// Built-in programs encode instruction data as one opcode byte followed by
// JSON arguments. Account state is JSON as well, matching snapshots.

// EncodeOp builds instruction data for op with args.
func EncodeOp(op byte, args any) []byte {
	payload, err := json.Marshal(args)
	if err != nil {
		// args are always plain structs defined in this module
		panic(fmt.Sprintf("encode op %d: %v", op, err))
	}
	return append([]byte{op}, payload...)
}

// DecodeOp splits instruction data into opcode and argument payload.
func DecodeOp(data []byte) (byte, []byte, error) {
	if len(data) == 0 {
		return 0, nil, Reject(CodeInvalidInstruction, "empty instruction data")
	}
	return data[0], data[1:], nil
}

// DecodeArgs unmarshals an argument payload.
func DecodeArgs(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return Reject(CodeInvalidInstruction, "decode arguments: %v", err)
	}
	return nil
}

// EncodeState serializes account state.
func EncodeState(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode state: %v", err))
	}
	return b
}

// DecodeState unmarshals account state stored by EncodeState.
func DecodeState(acct *types.AccountInfo, v any) error {
	if acct == nil {
		return fmt.Errorf("decode state: %w", errNoAccount)
	}
	if err := json.Unmarshal(acct.Data, v); err != nil {
		return fmt.Errorf("decode state of %s: %w", acct.Address, err)
	}
	return nil
}
