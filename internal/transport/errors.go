package transport

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/cron-provisioner/internal/ledger"
)

// errorDomain tags ErrorInfo details produced by this service.
const errorDomain = "ledger.cronprov"

// toStatus converts a ledger error into a gRPC status. Rejections keep their
// code, reason and instruction index in an ErrorInfo detail.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	var re *ledger.RejectedError
	if !errors.As(err, &re) {
		return status.Error(codes.Internal, err.Error())
	}

	st := status.New(rejectCode(re.Code), re.Error())
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: re.Code,
		Domain: errorDomain,
		Metadata: map[string]string{
			"reason":      re.Reason,
			"instruction": strconv.Itoa(re.Instruction),
		},
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func rejectCode(code string) codes.Code {
	switch code {
	case ledger.CodeAccountNotFound:
		return codes.NotFound
	case ledger.CodeAccountInUse:
		return codes.AlreadyExists
	case ledger.CodeInvalidInstruction, ledger.CodeSeedMismatch, ledger.CodeUnknownProgram:
		return codes.InvalidArgument
	case ledger.CodeMissingSigner, ledger.CodeUnauthorized:
		return codes.PermissionDenied
	default:
		return codes.FailedPrecondition
	}
}

// fromStatus reverses toStatus: a status carrying our ErrorInfo becomes a
// *ledger.RejectedError again so callers can keep matching reject codes.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		idx, perr := strconv.Atoi(info.GetMetadata()["instruction"])
		if perr != nil {
			idx = -1
		}
		return &ledger.RejectedError{
			Code:        info.GetReason(),
			Reason:      info.GetMetadata()["reason"],
			Instruction: idx,
		}
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return err
}
