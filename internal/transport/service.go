// ============================================================================
// Ledger service - gRPC surface of an execution domain
// ============================================================================
//
// Package: internal/transport
// File: service.go
// Purpose: Expose a ledger.Ledger over gRPC so the pipeline can run against
//          a domain hosted by another process.
//
// Methods (unary, JSON codec):
//   GetAccount(address)            -> account | null
//   Submit(instructions, signer)   -> receipt
//   Seed(account)                  -> {}      (delegation hand-off)
//   Info()                         -> domain name, slot
//
// ============================================================================

package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ChuLiYu/cron-provisioner/pkg/types"
)

const (
	serviceName      = "cronprov.ledger.v1.Ledger"
	methodGetAccount = "/" + serviceName + "/GetAccount"
	methodSubmit     = "/" + serviceName + "/Submit"
	methodSeed       = "/" + serviceName + "/Seed"
	methodInfo       = "/" + serviceName + "/Info"
)

type GetAccountRequest struct {
	Address types.Address `json:"address"`
}

type GetAccountResponse struct {
	Account *types.AccountInfo `json:"account"`
}

type SubmitRequest struct {
	Instructions []types.Instruction `json:"instructions"`
	Signer       types.Address       `json:"signer"`
}

type SubmitResponse struct {
	Receipt types.Receipt `json:"receipt"`
}

type SeedRequest struct {
	Account *types.AccountInfo `json:"account"`
}

type SeedResponse struct{}

type InfoRequest struct{}

type InfoResponse struct {
	Domain string `json:"domain"`
	Slot   uint64 `json:"slot"`
}

// LedgerServer is the server side of the ledger service.
type LedgerServer interface {
	GetAccount(context.Context, *GetAccountRequest) (*GetAccountResponse, error)
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	Seed(context.Context, *SeedRequest) (*SeedResponse, error)
	Info(context.Context, *InfoRequest) (*InfoResponse, error)
}

// RegisterLedgerServer attaches srv to s.
func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAccount", Handler: unary(methodGetAccount, LedgerServer.GetAccount)},
		{MethodName: "Submit", Handler: unary(methodSubmit, LedgerServer.Submit)},
		{MethodName: "Seed", Handler: unary(methodSeed, LedgerServer.Seed)},
		{MethodName: "Info", Handler: unary(methodInfo, LedgerServer.Info)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger",
}

// unary adapts a typed method to grpc's handler signature.
func unary[Req, Resp any](fullMethod string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
