package sim

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/wallet"
)

// Wallet is a simulated key-holding wallet bound to a simulated ledger. It
// signs and broadcasts in one step and can be told to decline prompts, which
// is how tests exercise the pre-broadcast rejection path.
type Wallet struct {
	ledger *Ledger

	mu         sync.Mutex
	account    common.Address
	rejectNext bool
	rejectAuth bool
	listeners  []func(wallet.Change)
}

// NewWallet creates a wallet connected to the ledger as the given account.
func NewWallet(ledger *Ledger, account common.Address) *Wallet {
	return &Wallet{ledger: ledger, account: account}
}

// Account implements wallet.Provider.
func (w *Wallet) Account() common.Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.account
}

// ChainID implements wallet.Provider.
func (w *Wallet) ChainID() uint64 {
	return w.ledger.ChainID()
}

// SubmitTransaction implements wallet.Provider.
func (w *Wallet) SubmitTransaction(ctx context.Context, call chain.ContractCall) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}

	w.mu.Lock()
	reject := w.rejectNext
	w.rejectNext = false
	account := w.account
	w.mu.Unlock()

	if reject {
		return common.Hash{}, wallet.ErrRejected
	}
	return w.ledger.Broadcast(account, call)
}

// SignAuthorization implements wallet.Provider.
func (w *Wallet) SignAuthorization(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rejectAuth {
		return nil, wallet.ErrRejected
	}
	return crypto.Keccak256(w.account.Bytes(), payload), nil
}

// OnChange implements wallet.Provider.
func (w *Wallet) OnChange(fn func(wallet.Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// RejectNext makes the wallet decline the next transaction prompt.
func (w *Wallet) RejectNext() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejectNext = true
}

// SetRejectAuthorizations makes the wallet decline authorization signatures.
func (w *Wallet) SetRejectAuthorizations(reject bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejectAuth = reject
}

// SwitchAccount changes the connected account and notifies subscribers.
func (w *Wallet) SwitchAccount(account common.Address) {
	w.mu.Lock()
	w.account = account
	listeners := append(([]func(wallet.Change))(nil), w.listeners...)
	w.mu.Unlock()

	change := wallet.Change{Account: account, ChainID: w.ledger.ChainID()}
	for _, fn := range listeners {
		fn(change)
	}
}
