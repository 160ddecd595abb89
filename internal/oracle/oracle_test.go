package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

func key(b byte) types.Address {
	var a types.Address
	a[0], a[1] = b, 0x0A
	return a
}

func TestDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("global:interact_with_llm"))
	assert.Equal(t, sum[:8], DiscInteract[:])
	assert.NotEqual(t, DiscInteract, DiscCallback)
	assert.NotEqual(t, DiscInteract, DiscCreateContext)
}

func TestInteractArgs_Layout(t *testing.T) {
	programs := address.DefaultPrograms()
	args := InteractArgs{Text: "hi", CallbackProgram: programs.Oracle, CallbackDiscriminator: DiscCallback}
	data := args.Encode()

	require.Len(t, data, 8+4+2+32+8+1)
	assert.Equal(t, DiscInteract[:], data[:8])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[8:12]))
	assert.Equal(t, "hi", string(data[12:14]))
	assert.Equal(t, programs.Oracle[:], data[14:46])
	assert.Equal(t, DiscCallback[:], data[46:54])
	assert.Equal(t, byte(0), data[54], "no account metas")

	back, err := DecodeInteract(data)
	require.NoError(t, err)
	assert.Equal(t, args, back)
}

func TestInteractArgs_WithAccountMetas(t *testing.T) {
	args := InteractArgs{
		Text:         "with metas",
		AccountMetas: []types.AccountMeta{types.Signer(key(1)), types.Readonly(key(2))},
	}
	back, err := DecodeInteract(args.Encode())
	require.NoError(t, err)
	assert.Equal(t, args, back)
}

func TestDecodeInteract_Malformed(t *testing.T) {
	good := InteractArgs{Text: "abc"}.Encode()
	tests := map[string][]byte{
		"empty":          nil,
		"wrong selector": append(append([]byte(nil), DiscCallback[:]...), good[8:]...),
		"truncated":      good[:len(good)-3],
		"trailing":       append(append([]byte(nil), good...), 7),
		"bad option":     append(append([]byte(nil), good[:len(good)-1]...), 9),
		"huge meta count": append(append(append([]byte(nil), good[:len(good)-1]...), 1),
			0xff, 0xff, 0xff, 0x7f),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInteract(data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestInteractWithLLM_Accounts(t *testing.T) {
	programs := address.DefaultPrograms()
	payer := key(1)
	ix, err := InteractWithLLM(programs, payer, 3, DefaultText)
	require.NoError(t, err)

	ctxAddr, _ := programs.Context(3)
	inter, _ := programs.Interaction(payer, ctxAddr)
	assert.Equal(t, programs.Oracle, ix.ProgramID)
	assert.Equal(t, []types.AccountMeta{
		types.Signer(payer),
		types.Writable(inter),
		types.Readonly(ctxAddr),
		types.Readonly(ledger.SystemProgram),
	}, ix.Accounts)
}

type fixture struct {
	ctx      context.Context
	programs address.Programs
	mem      *ledger.Memory
	client   *Client
	payer    types.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), programs: address.DefaultPrograms(), payer: key(1)}
	f.mem = ledger.NewMemory("primary", zerolog.Nop())
	f.mem.Register(f.programs.Oracle, NewProgram(f.programs))
	f.mem.Airdrop(f.payer, types.LamportsPerSOL)
	f.client = NewClient(f.mem, f.programs, zerolog.Nop())
	return f
}

func TestCreateContext_CounterSeeds(t *testing.T) {
	f := newFixture(t)

	n, err := f.client.ContextCount(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), n)

	i0, a0, err := f.client.CreateContext(f.ctx, f.payer, "first")
	require.NoError(t, err)
	i1, a1, err := f.client.CreateContext(f.ctx, f.payer, "second")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), i0)
	assert.Equal(t, uint32(1), i1)
	assert.NotEqual(t, a0, a1)

	got, err := f.client.GetContext(f.ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Context{Index: 1, Text: "second", Authority: f.payer}, *got)

	_, err = f.client.GetContext(f.ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInteract(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Interact(f.ctx, f.payer, 0, "too early")
	assert.True(t, ledger.IsRejected(err, ledger.CodeAccountNotFound), "context must exist")

	_, _, err = f.client.CreateContext(f.ctx, f.payer, "ctx")
	require.NoError(t, err)

	_, err = f.client.Interact(f.ctx, f.payer, 0, DefaultText)
	require.NoError(t, err)
	_, err = f.client.Interact(f.ctx, f.payer, 0, DefaultText+" with a longer prompt than before")
	require.NoError(t, err)

	got, err := f.client.GetInteraction(f.ctx, f.payer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Count)
	assert.Equal(t, DefaultText+" with a longer prompt than before", got.Text)
	assert.Equal(t, f.programs.Oracle, got.CallbackProgram)
	assert.Equal(t, DiscCallback, got.CallbackDiscriminator)
	assert.Equal(t, "primary", got.Domain)

	ctxAddr, _ := f.programs.Context(0)
	inter, _ := f.programs.Interaction(f.payer, ctxAddr)
	acct, err := f.mem.GetAccount(f.ctx, inter)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acct.Lamports, ledger.RentExempt(len(acct.Data)))
	assert.Equal(t, f.payer, acct.Authority)
}

func TestInteract_RejectsForeignInteraction(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.client.CreateContext(f.ctx, f.payer, "ctx")
	require.NoError(t, err)

	// interaction address derived for someone else
	other := key(2)
	ix, err := InteractWithLLM(f.programs, other, 0, "x")
	require.NoError(t, err)
	ix.Accounts[0] = types.Signer(f.payer)
	_, err = f.mem.Submit(f.ctx, []types.Instruction{ix}, f.payer)
	assert.True(t, ledger.IsRejected(err, ledger.CodeSeedMismatch))
}

func TestExecute_UnknownDiscriminator(t *testing.T) {
	f := newFixture(t)
	ix := types.Instruction{
		ProgramID: f.programs.Oracle,
		Accounts:  []types.AccountMeta{types.Signer(f.payer)},
		Data:      DiscCallback[:],
	}
	_, err := f.mem.Submit(f.ctx, []types.Instruction{ix}, f.payer)
	assert.True(t, ledger.IsRejected(err, ledger.CodeInvalidInstruction))
}
