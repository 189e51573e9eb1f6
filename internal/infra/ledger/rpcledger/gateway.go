package rpcledger

import (
	"context"
	"errors"

	"chainvault/internal/infra/ledger"

	"github.com/ethereum/go-ethereum/rpc"
)

// Gateway serves a ledger.Client over JSON-RPC under the "ledger" namespace.
type Gateway struct {
	backend ledger.Client
}

type gatewayError struct {
	code int
	msg  string
}

func (e *gatewayError) Error() string  { return e.msg }
func (e *gatewayError) ErrorCode() int { return e.code }

// NewServer registers a gateway for backend on a fresh RPC server.
func NewServer(backend ledger.Client) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("ledger", &Gateway{backend: backend}); err != nil {
		return nil, err
	}
	return server, nil
}

func (g *Gateway) Submit(ctx context.Context, tx ledger.Tx) (string, error) {
	ref, err := g.backend.Send(ctx, tx)
	return ref, wrapGatewayError(err)
}

func (g *Gateway) Lookup(ctx context.Context, ref string) (ledger.Entry, error) {
	entry, err := g.backend.Lookup(ctx, ref)
	return entry, wrapGatewayError(err)
}

func wrapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrRejected):
		return &gatewayError{code: codeRejected, msg: err.Error()}
	case errors.Is(err, ledger.ErrUnknownTx):
		return &gatewayError{code: codeUnknownTx, msg: err.Error()}
	default:
		return err
	}
}
