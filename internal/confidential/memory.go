package confidential

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MemoryClient is an in-process confidentiality runtime binding. Encrypted
// values round-trip exactly; handles are opaque and unlinkable to their
// plaintext. Used by tests and the local simulation environment; real
// network bindings satisfy the same Client interface.
type MemoryClient struct {
	mu     sync.RWMutex
	ready  map[uint64]bool
	values map[Handle]*uint256.Int
}

// NewMemoryClient creates a memory client ready for the given networks.
func NewMemoryClient(chainIDs ...uint64) *MemoryClient {
	ready := make(map[uint64]bool, len(chainIDs))
	for _, id := range chainIDs {
		ready[id] = true
	}
	return &MemoryClient{
		ready:  ready,
		values: make(map[Handle]*uint256.Int),
	}
}

// SetReady marks the runtime as (un)initialized for a network.
func (m *MemoryClient) SetReady(chainID uint64, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready[chainID] = ready
}

// Ready reports whether the runtime has initialized for the network.
func (m *MemoryClient) Ready(chainID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready[chainID]
}

// Encrypt stores each field under a fresh opaque handle and returns the
// handles with correctness proofs, in field order.
func (m *MemoryClient) Encrypt(ctx context.Context, chainID uint64, account common.Address, fields []Field) ([]Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !m.Ready(chainID) {
		return nil, fmt.Errorf("chain %d: %w", chainID, ErrEncryptionUnavailable)
	}

	out := make([]Ciphertext, 0, len(fields))
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range fields {
		handle := freshHandle()
		m.values[handle] = f.Value.Clone()
		proof := crypto.Keccak256(handle[:], account.Bytes(), f.Value.Bytes())
		out = append(out, Ciphertext{Handle: handle, Proof: proof})
	}
	return out, nil
}

// Decrypt resolves handles to plaintext under a live authorization.
func (m *MemoryClient) Decrypt(ctx context.Context, auth Authorization, handles []Handle) (map[Handle]*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !auth.Covers(auth.Signer, auth.ChainID, time.Now().UTC()) {
		return nil, ErrAuthorizationRequired
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Handle]*uint256.Int, len(handles))
	for _, h := range handles {
		v, ok := m.values[h]
		if !ok {
			return nil, fmt.Errorf("%s: %w", h.Hex(), ErrUnknownHandle)
		}
		out[h] = v.Clone()
	}
	return out, nil
}

// Inject materializes a ciphertext for a value computed inside the runtime,
// e.g. a dice outcome produced by evaluating over encrypted inputs. The
// simulated ledger program uses it to publish outcome handles.
func (m *MemoryClient) Inject(value *uint256.Int) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := freshHandle()
	m.values[handle] = value.Clone()
	return handle
}

// Plaintext exposes a stored value to the runtime itself. The simulated
// ledger program calls it to evaluate game logic over encrypted inputs
// without an authorization, exactly as the on-chain computation would.
func (m *MemoryClient) Plaintext(handle Handle) (*uint256.Int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[handle]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// freshHandle derives an opaque handle from runtime randomness.
func freshHandle() Handle {
	var nonce [32]byte
	_, _ = rand.Read(nonce[:])
	return Handle(crypto.Keccak256Hash(nonce[:]))
}
