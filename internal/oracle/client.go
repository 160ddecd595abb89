package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cron-provisioner/internal/address"
	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// ErrNotFound is returned when a context or interaction does not exist.
var ErrNotFound = errors.New("oracle: not found")

// Client reads and creates oracle accounts on a ledger.
type Client struct {
	ledger   ledger.Ledger
	programs address.Programs
	log      zerolog.Logger
}

// NewClient returns an oracle client.
func NewClient(l ledger.Ledger, programs address.Programs, log zerolog.Logger) *Client {
	return &Client{ledger: l, programs: programs, log: log.With().Str("component", "oracle").Logger()}
}

// ContextCount reads the context counter. The next context gets this index.
func (c *Client) ContextCount(ctx context.Context) (uint32, error) {
	addr, err := c.programs.ContextCounter()
	if err != nil {
		return 0, err
	}
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil || acct == nil {
		return 0, err
	}
	var counter Counter
	if err := ledger.DecodeState(acct, &counter); err != nil {
		return 0, err
	}
	return counter.Count, nil
}

// CreateContext creates the next context with text, paid for by payer, and
// returns its index and address.
func (c *Client) CreateContext(ctx context.Context, payer types.Address, text string) (uint32, types.Address, error) {
	index, err := c.ContextCount(ctx)
	if err != nil {
		return 0, types.Address{}, fmt.Errorf("read context counter: %w", err)
	}
	counter, err := c.programs.ContextCounter()
	if err != nil {
		return 0, types.Address{}, err
	}
	addr, err := c.programs.Context(index)
	if err != nil {
		return 0, types.Address{}, err
	}
	ix := types.Instruction{
		ProgramID: c.programs.Oracle,
		Accounts: []types.AccountMeta{
			types.Signer(payer),
			types.Writable(counter),
			types.Writable(addr),
			types.Readonly(ledger.SystemProgram),
		},
		Data: CreateContextData(text),
	}
	if _, err := c.ledger.Submit(ctx, []types.Instruction{ix}, payer); err != nil {
		return 0, types.Address{}, fmt.Errorf("create context %d: %w", index, err)
	}
	c.log.Info().Uint32("index", index).Str("context", addr.String()).Msg("oracle context created")
	return index, addr, nil
}

// GetContext reads the context at index.
func (c *Client) GetContext(ctx context.Context, index uint32) (*Context, error) {
	addr, err := c.programs.Context(index)
	if err != nil {
		return nil, err
	}
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: context %d", ErrNotFound, index)
	}
	var out Context
	if err := ledger.DecodeState(acct, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInteraction reads the interaction of user within the context at index.
func (c *Client) GetInteraction(ctx context.Context, user types.Address, index uint32) (*Interaction, error) {
	ctxAddr, err := c.programs.Context(index)
	if err != nil {
		return nil, err
	}
	addr, err := c.programs.Interaction(user, ctxAddr)
	if err != nil {
		return nil, err
	}
	acct, err := c.ledger.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("%w: interaction %s", ErrNotFound, addr)
	}
	var out Interaction
	if err := ledger.DecodeState(acct, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Interact submits interact_with_llm directly.
func (c *Client) Interact(ctx context.Context, payer types.Address, index uint32, text string) (types.Receipt, error) {
	ix, err := InteractWithLLM(c.programs, payer, index, text)
	if err != nil {
		return types.Receipt{}, err
	}
	return c.ledger.Submit(ctx, []types.Instruction{ix}, payer)
}
