// Package wallet defines the connection provider boundary: the current
// account, the current network, and the signing capability the core
// sequences but never owns. Key management stays behind this interface.
package wallet

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherdice/client_core/internal/chain"
)

// ErrRejected indicates the signer declined a signature request. The
// transaction never reached the ledger.
var ErrRejected = errors.New("signature request rejected")

// Change describes a connection change: a new account, a new network, or
// both.
type Change struct {
	Account common.Address
	ChainID uint64
}

// Provider exposes the connected wallet to the orchestration core.
//
// SubmitTransaction signs and broadcasts in one step, mirroring how browser
// wallets work: the core hands over an unsigned call and gets back a
// transaction hash, or ErrRejected if the user declines the prompt.
// Declining is the only cancellable step; once broadcast, a transaction
// cannot be recalled.
type Provider interface {
	// Account returns the currently connected account.
	Account() common.Address

	// ChainID returns the currently connected network.
	ChainID() uint64

	// SubmitTransaction signs and broadcasts a contract call.
	SubmitTransaction(ctx context.Context, call chain.ContractCall) (common.Hash, error)

	// SignAuthorization signs an out-of-band payload, e.g. a decryption
	// authorization request. Returns ErrRejected if the user declines.
	SignAuthorization(ctx context.Context, payload []byte) ([]byte, error)

	// OnChange registers a callback invoked whenever the account or the
	// network changes.
	OnChange(fn func(Change))
}
