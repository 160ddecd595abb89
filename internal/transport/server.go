package transport

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

// slotter is implemented by domains that expose their slot.
type slotter interface {
	Slot() uint64
}

// Server serves one ledger.
type Server struct {
	ledger ledger.Ledger
	domain string
	log    zerolog.Logger
}

var _ LedgerServer = (*Server)(nil)

// NewServer returns a server for l, announced as domain.
func NewServer(l ledger.Ledger, domain string, log zerolog.Logger) *Server {
	return &Server{ledger: l, domain: domain, log: log.With().Str("component", "ledger-server").Str("domain", domain).Logger()}
}

func (s *Server) GetAccount(ctx context.Context, req *GetAccountRequest) (*GetAccountResponse, error) {
	acct, err := s.ledger.GetAccount(ctx, req.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetAccountResponse{Account: acct}, nil
}

func (s *Server) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	receipt, err := s.ledger.Submit(ctx, req.Instructions, req.Signer)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{Receipt: receipt}, nil
}

func (s *Server) Seed(ctx context.Context, req *SeedRequest) (*SeedResponse, error) {
	seeder, ok := s.ledger.(ledger.Seeder)
	if !ok {
		return nil, toStatus(ledger.Reject(ledger.CodeUnauthorized, "domain %q does not accept seeded accounts", s.domain))
	}
	if req.Account == nil {
		return nil, toStatus(ledger.Reject(ledger.CodeInvalidInstruction, "seed without account"))
	}
	if err := seeder.Seed(ctx, req.Account); err != nil {
		return nil, toStatus(err)
	}
	return &SeedResponse{}, nil
}

func (s *Server) Info(ctx context.Context, _ *InfoRequest) (*InfoResponse, error) {
	resp := &InfoResponse{Domain: s.domain}
	if sl, ok := s.ledger.(slotter); ok {
		resp.Slot = sl.Slot()
	}
	return resp, nil
}

// NewGRPCServer returns a grpc.Server with the ledger service and the
// logging interceptor installed.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryLogger(s.log)))
	gs := grpc.NewServer(opts...)
	RegisterLedgerServer(gs, s)
	return gs
}

// Serve accepts connections on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	s.log.Info().Str("addr", lis.Addr().String()).Msg("ledger service listening")
	return gs.Serve(lis)
}

// UnaryLogger logs every call with its status code and latency.
func UnaryLogger(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("took", time.Since(start)).
			Msg("rpc")
		return resp, err
	}
}

// Client is a ledger.Ledger backed by a remote domain.
type Client struct {
	conn   grpc.ClientConnInterface
	domain string
}

var (
	_ ledger.Ledger = (*Client)(nil)
	_ ledger.Seeder = (*Client)(nil)
)

// NewClient returns a client on conn. domain is only used in logs and errors.
func NewClient(conn grpc.ClientConnInterface, domain string) *Client {
	return &Client{conn: conn, domain: domain}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return fromStatus(c.conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(codecName)))
}

// GetAccount returns nil when the remote has no account at addr.
func (c *Client) GetAccount(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	var out GetAccountResponse
	if err := c.invoke(ctx, methodGetAccount, &GetAccountRequest{Address: addr}, &out); err != nil {
		return nil, err
	}
	return out.Account, nil
}

func (c *Client) Submit(ctx context.Context, ixs []types.Instruction, signer types.Address) (types.Receipt, error) {
	var out SubmitResponse
	if err := c.invoke(ctx, methodSubmit, &SubmitRequest{Instructions: ixs, Signer: signer}, &out); err != nil {
		return types.Receipt{}, err
	}
	return out.Receipt, nil
}

func (c *Client) Seed(ctx context.Context, acct *types.AccountInfo) error {
	return c.invoke(ctx, methodSeed, &SeedRequest{Account: acct}, &SeedResponse{})
}

// Info returns the remote domain's name and slot.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var out InfoResponse
	if err := c.invoke(ctx, methodInfo, &InfoRequest{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
