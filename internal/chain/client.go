// Package chain provides ledger interaction for the client core.
//
// The ledger boundary is a function-call contract: a target address, a
// function name and ordered arguments go in, a transaction hash or a raw
// return value comes out. Client talks JSON-RPC to a dApp gateway node;
// Simulator provides the same surface in-process for tests and demos.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrReceiptNotFound indicates the transaction is not yet included in a
// block. Callers should keep polling.
var ErrReceiptNotFound = errors.New("receipt not found")

// Reader is the read-only ledger surface the orchestration core depends on.
// Both the JSON-RPC client and the in-memory simulator satisfy it.
type Reader interface {
	// CallReadOnly executes a read-only contract call and returns the raw
	// return value.
	CallReadOnly(ctx context.Context, call ContractCall) ([]byte, error)

	// Receipt returns the receipt for a transaction, or ErrReceiptNotFound
	// while it is still pending.
	Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
}

// Client provides JSON-RPC ledger access through a dApp gateway node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	chainID    uint64
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	ChainID uint64
	Timeout time.Duration
}

// NewClient creates a new ledger client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		chainID: cfg.ChainID,
	}, nil
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// Call makes a JSON-RPC call to the gateway node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "gateway_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// CallReadOnly executes a read-only contract call and returns the raw
// return value.
func (c *Client) CallReadOnly(ctx context.Context, call ContractCall) ([]byte, error) {
	result, err := c.Call(ctx, "gateway_call", []interface{}{call})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", call.Method, err)
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}

	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return raw, nil
}

// Receipt returns the receipt for a transaction hash.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "gateway_getTransactionReceipt", []interface{}{txHash.Hex()})
	if err != nil {
		return nil, err
	}

	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrReceiptNotFound
	}

	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return &receipt, nil
}

// WaitForReceipt polls for a transaction receipt until it is available or the
// context is done. A missing receipt is treated as transient and retried
// until the context deadline expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := c.Receipt(ctx, txHash)
			if err != nil {
				if errors.Is(err, ErrReceiptNotFound) {
					continue
				}
				return nil, err
			}
			return receipt, nil
		}
	}
}
