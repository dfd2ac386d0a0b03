package fabric

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mapError translates gateway and gRPC errors onto the ledger sentinels.
// query is true for evaluate calls, where a chaincode "does not exist"
// failure means the key was never anchored.
func mapError(err error, query bool) error {
	if err == nil {
		return nil
	}

	var commitErr *client.CommitError
	if errors.As(err, &commitErr) {
		return fmt.Errorf("%v: %w", err, ledger.ErrContractRejected)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ledger.Classify(err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted:
		return fmt.Errorf("%v: %w", err, ledger.ErrNetworkUnavailable)
	case codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("%v: %w", err, ledger.ErrIdentityInvalid)
	case codes.NotFound:
		if query {
			return fmt.Errorf("%v: %w", err, ledger.ErrNotFound)
		}
		return fmt.Errorf("%v: %w", err, ledger.ErrContractRejected)
	}

	if query && isMissingKey(err) {
		return fmt.Errorf("%v: %w", err, ledger.ErrNotFound)
	}
	return fmt.Errorf("%v: %w", err, ledger.ErrContractRejected)
}

func isMissingKey(err error) bool {
	msg := strings.ToLower(err.Error())
	if st, ok := status.FromError(err); ok {
		for _, d := range st.Details() {
			msg += " " + strings.ToLower(fmt.Sprint(d))
		}
	}
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}
