package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ContractCall describes a contract invocation: target, function name,
// ordered arguments and an optional native value transfer. Concrete ledger
// bindings are responsible for encoding it onto the wire.
type ContractCall struct {
	Contract common.Address `json:"contract"`
	Method   string         `json:"method"`
	Args     []interface{}  `json:"args"`
	Value    *big.Int       `json:"value,omitempty"`
}

// Receipt reports the ledger-level outcome of a confirmed transaction.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	// Status is 1 for success, 0 for a reverted execution.
	Status      uint64    `json:"status"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
