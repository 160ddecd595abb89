// ============================================================================
// Oracle instructions - binary layout of the LLM oracle's entry points
// ============================================================================
//
// Package: internal/oracle
// File: instruction.go
// Purpose: Build and parse oracle instruction data. Unlike the built-in
//          programs, the oracle speaks a length-prefixed binary layout:
//
//   create_llm_context: disc(8) | u32le len | text
//   interact_with_llm:  disc(8) | u32le len | text | callback program(32)
//                       | callback disc(8) | option<account metas>
//
// A discriminator is sha256("global:" + name)[:8]. The account-metas option
// is a single 0x00 for None, or 0x01 | u32le count | count*(addr | signer |
// writable) for Some.
//
// ============================================================================

package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// Discriminator is the 8-byte selector in front of instruction data.
type Discriminator [8]byte

// NewDiscriminator returns the selector of the named instruction.
func NewDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("global:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

var (
	DiscCreateContext = NewDiscriminator("create_llm_context")
	DiscInteract      = NewDiscriminator("interact_with_llm")
	DiscCallback      = NewDiscriminator("callback_from_oracle")
)

// DefaultText is the prompt sent by the scheduled interaction.
const DefaultText = "Scheduled interaction from cron"

// ErrMalformed is returned for instruction data that does not parse.
var ErrMalformed = errors.New("oracle: malformed instruction data")

// InteractArgs are the arguments of interact_with_llm.
type InteractArgs struct {
	Text                  string
	CallbackProgram       types.Address
	CallbackDiscriminator Discriminator
	// AccountMetas are passed to the callback. nil encodes as None.
	AccountMetas []types.AccountMeta
}

// Encode renders args in the oracle's binary layout.
func (a InteractArgs) Encode() []byte {
	buf := make([]byte, 0, 8+4+len(a.Text)+32+8+1)
	buf = append(buf, DiscInteract[:]...)
	buf = appendString(buf, a.Text)
	buf = append(buf, a.CallbackProgram[:]...)
	buf = append(buf, a.CallbackDiscriminator[:]...)
	if a.AccountMetas == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(a.AccountMetas)))
	for _, m := range a.AccountMetas {
		buf = append(buf, m.Address[:]...)
		buf = append(buf, boolByte(m.IsSigner), boolByte(m.IsWritable))
	}
	return buf
}

// DecodeInteract parses interact_with_llm instruction data.
func DecodeInteract(data []byte) (InteractArgs, error) {
	var args InteractArgs
	r := reader{buf: data}
	if d := r.disc(); d != DiscInteract {
		return args, r.fail(fmt.Errorf("%w: not interact_with_llm", ErrMalformed))
	}
	args.Text = r.str()
	copy(args.CallbackProgram[:], r.take(32))
	copy(args.CallbackDiscriminator[:], r.take(8))
	switch r.u8() {
	case 0:
	case 1:
		n := r.u32()
		if r.err == nil && int(n) > len(r.buf)/34 {
			return args, fmt.Errorf("%w: %d account metas in %d bytes", ErrMalformed, n, len(r.buf))
		}
		args.AccountMetas = make([]types.AccountMeta, 0, n)
		for i := uint32(0); i < n && r.err == nil; i++ {
			var m types.AccountMeta
			copy(m.Address[:], r.take(32))
			m.IsSigner = r.u8() == 1
			m.IsWritable = r.u8() == 1
			args.AccountMetas = append(args.AccountMetas, m)
		}
	default:
		if r.err == nil {
			return args, fmt.Errorf("%w: bad option tag", ErrMalformed)
		}
	}
	if r.err == nil && len(r.buf) != 0 {
		return args, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf))
	}
	return args, r.err
}

// CreateContextData encodes create_llm_context.
func CreateContextData(text string) []byte {
	buf := append([]byte(nil), DiscCreateContext[:]...)
	return appendString(buf, text)
}

// DecodeCreateContext parses create_llm_context instruction data.
func DecodeCreateContext(data []byte) (string, error) {
	r := reader{buf: data}
	if d := r.disc(); d != DiscCreateContext {
		return "", r.fail(fmt.Errorf("%w: not create_llm_context", ErrMalformed))
	}
	text := r.str()
	return text, r.err
}

// InteractWithLLM builds the instruction that asks the oracle to answer text
// for payer within context. The oracle calls back into itself.
//
// accounts: [payer signer, interaction writable, context, system program]
func InteractWithLLM(programs address.Programs, payer types.Address, contextIndex uint32, text string) (types.Instruction, error) {
	ctxAddr, err := programs.Context(contextIndex)
	if err != nil {
		return types.Instruction{}, err
	}
	interaction, err := programs.Interaction(payer, ctxAddr)
	if err != nil {
		return types.Instruction{}, err
	}
	return types.Instruction{
		ProgramID: programs.Oracle,
		Accounts: []types.AccountMeta{
			types.Signer(payer),
			types.Writable(interaction),
			types.Readonly(ctxAddr),
			types.Readonly(ledger.SystemProgram),
		},
		Data: InteractArgs{
			Text:                  text,
			CallbackProgram:       programs.Oracle,
			CallbackDiscriminator: DiscCallback,
		}.Encode(),
	}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// reader consumes a byte slice and remembers the first short read.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fail(err error) error {
	if r.err != nil {
		return r.err
	}
	return err
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) disc() Discriminator {
	var d Discriminator
	copy(d[:], r.take(8))
	return d
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0xff
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) str() string {
	n := r.u32()
	return string(r.take(int(n)))
}
