package compiler

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Wire layout (protobuf, fields emitted in ascending order, zero values
// omitted):
//
//	CompiledTransaction { repeated AccountMeta accounts = 1; repeated CompiledInstruction instructions = 2; }
//	AccountMeta         { bytes address = 1; bool is_signer = 2; bool is_writable = 3; }
//	CompiledInstruction { uint32 program_id_index = 1; bytes accounts = 2; bytes data = 3; }
const (
	fieldTxAccounts     protowire.Number = 1
	fieldTxInstructions protowire.Number = 2

	fieldMetaAddress  protowire.Number = 1
	fieldMetaSigner   protowire.Number = 2
	fieldMetaWritable protowire.Number = 3

	fieldIxProgram  protowire.Number = 1
	fieldIxAccounts protowire.Number = 2
	fieldIxData     protowire.Number = 3
)

// ErrMalformed is returned when Decode meets bytes it cannot parse.
var ErrMalformed = errors.New("compiler: malformed compiled transaction")

// Encode serializes tx deterministically.
func Encode(tx types.CompiledTransaction) []byte {
	var b []byte
	for _, m := range tx.Accounts {
		b = protowire.AppendTag(b, fieldTxAccounts, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeMeta(m))
	}
	for _, ix := range tx.Instructions {
		b = protowire.AppendTag(b, fieldTxInstructions, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInstruction(ix))
	}
	return b
}

func encodeMeta(m types.AccountMeta) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMetaAddress, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Address[:])
	if m.IsSigner {
		b = protowire.AppendTag(b, fieldMetaSigner, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.IsWritable {
		b = protowire.AppendTag(b, fieldMetaWritable, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func encodeInstruction(ix types.CompiledInstruction) []byte {
	var b []byte
	if ix.ProgramIDIndex != 0 {
		b = protowire.AppendTag(b, fieldIxProgram, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ix.ProgramIDIndex))
	}
	if len(ix.Accounts) > 0 {
		b = protowire.AppendTag(b, fieldIxAccounts, protowire.BytesType)
		b = protowire.AppendBytes(b, ix.Accounts)
	}
	if len(ix.Data) > 0 {
		b = protowire.AppendTag(b, fieldIxData, protowire.BytesType)
		b = protowire.AppendBytes(b, ix.Data)
	}
	return b
}

// Decode parses bytes produced by Encode and validates the result.
func Decode(b []byte) (types.CompiledTransaction, error) {
	var tx types.CompiledTransaction
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == fieldTxAccounts && typ == protowire.BytesType:
			m, err := decodeMeta(v)
			if err != nil {
				return err
			}
			tx.Accounts = append(tx.Accounts, m)
		case num == fieldTxInstructions && typ == protowire.BytesType:
			ix, err := decodeInstruction(v)
			if err != nil {
				return err
			}
			tx.Instructions = append(tx.Instructions, ix)
		}
		return nil
	})
	if err != nil {
		return types.CompiledTransaction{}, err
	}
	if err := tx.Validate(); err != nil {
		return types.CompiledTransaction{}, err
	}
	return tx, nil
}

func decodeMeta(b []byte) (types.AccountMeta, error) {
	var m types.AccountMeta
	var sawAddress bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldMetaAddress && typ == protowire.BytesType:
			if len(v) != types.AddressLen {
				return fmt.Errorf("%w: address is %d bytes", ErrMalformed, len(v))
			}
			copy(m.Address[:], v)
			sawAddress = true
		case num == fieldMetaSigner && typ == protowire.VarintType:
			m.IsSigner = protowire.DecodeBool(x)
		case num == fieldMetaWritable && typ == protowire.VarintType:
			m.IsWritable = protowire.DecodeBool(x)
		}
		return nil
	})
	if err == nil && !sawAddress {
		err = fmt.Errorf("%w: account meta without address", ErrMalformed)
	}
	return m, err
}

func decodeInstruction(b []byte) (types.CompiledInstruction, error) {
	var ix types.CompiledInstruction
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == fieldIxProgram && typ == protowire.VarintType:
			if x > 255 {
				return fmt.Errorf("%w: program index %d", ErrMalformed, x)
			}
			ix.ProgramIDIndex = uint8(x)
		case num == fieldIxAccounts && typ == protowire.BytesType:
			ix.Accounts = append([]uint8(nil), v...)
		case num == fieldIxData && typ == protowire.BytesType:
			ix.Data = append([]byte(nil), v...)
		}
		return nil
	})
	return ix, err
}

// walk visits every field in b. Unknown fields are skipped.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, bytesVal []byte, varintVal uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			if err := visit(num, typ, nil, v); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// Digest is the SHA-256 of the wire encoding, rendered in base58. Equal
// digests mean byte-identical compiled transactions.
func Digest(tx types.CompiledTransaction) string {
	sum := sha256.Sum256(Encode(tx))
	return base58.Encode(sum[:])
}
