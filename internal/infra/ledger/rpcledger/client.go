// Package rpcledger reaches a chain through a JSON-RPC 2.0 ledger gateway
// exposing ledger_submit and ledger_lookup.
package rpcledger

import (
	"context"
	"errors"
	"fmt"

	"chainvault/internal/infra/ledger"

	"github.com/ethereum/go-ethereum/rpc"
)

const (
	codeRejected  = -32001
	codeUnknownTx = -32004
)

type Client struct {
	rpc *rpc.Client
}

func Dial(ctx context.Context, url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("rpcledger: url is required")
	}
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("rpcledger: dial %s: %w", url, err)
	}
	return &Client{rpc: client}, nil
}

// NewClient wraps an existing RPC client, such as an in-process one.
func NewClient(client *rpc.Client) *Client {
	return &Client{rpc: client}
}

func (c *Client) Send(ctx context.Context, tx ledger.Tx) (string, error) {
	var ref string
	if err := c.rpc.CallContext(ctx, &ref, "ledger_submit", tx); err != nil {
		return "", mapError(err)
	}
	return ref, nil
}

func (c *Client) Lookup(ctx context.Context, ref string) (ledger.Entry, error) {
	var entry ledger.Entry
	if err := c.rpc.CallContext(ctx, &entry, "ledger_lookup", ref); err != nil {
		return ledger.Entry{}, mapError(err)
	}
	return entry, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

func mapError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeRejected:
			return fmt.Errorf("%w: %s", ledger.ErrRejected, rpcErr.Error())
		case codeUnknownTx:
			return fmt.Errorf("%w: %s", ledger.ErrUnknownTx, rpcErr.Error())
		}
	}
	return err
}
