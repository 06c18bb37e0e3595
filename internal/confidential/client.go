// Package confidential provides the confidentiality runtime boundary for the
// client core: encryption of game inputs into ciphertext handles, and
// authorized decryption of handles back into plaintext.
//
// The cryptography itself lives behind the Client interface; this package
// sequences calls to it and owns the decryption cache.
package confidential

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrEncryptionUnavailable indicates the confidentiality runtime has not
	// finished initializing for the current network.
	ErrEncryptionUnavailable = errors.New("encryption unavailable for network")

	// ErrInvalidFieldWidth indicates a value exceeds its declared bit width.
	ErrInvalidFieldWidth = errors.New("value exceeds declared field width")

	// ErrRequestSealed indicates an encryption request was reused after
	// Build. Requests are single-use; ciphertexts must stay fresh per
	// transaction.
	ErrRequestSealed = errors.New("encryption request already built")

	// ErrAuthorizationRequired indicates decryption needs a fresh
	// signer-bound authorization before plaintext can be returned.
	ErrAuthorizationRequired = errors.New("decryption authorization required")

	// ErrUnknownHandle indicates a ciphertext handle the runtime has no
	// value for.
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
)

// Handle is an opaque reference to an encrypted value, resolvable to
// plaintext only through an authorized decryption call.
type Handle common.Hash

// Hex returns the handle as a 0x-prefixed hex string.
func (h Handle) Hex() string {
	return common.Hash(h).Hex()
}

// HandleFromHex parses a 0x-prefixed hex string into a Handle.
func HandleFromHex(s string) Handle {
	return Handle(common.HexToHash(s))
}

// Field is one plaintext input of an encryption request, tagged with its
// declared bit width.
type Field struct {
	Value *uint256.Int
	Width uint16
}

// Ciphertext is the encrypted form of one field: an opaque handle plus a
// correctness proof, in the same position as the submitted field.
type Ciphertext struct {
	Handle Handle
	Proof  []byte
}

// Authorization is a signer-bound, time-limited permission to decrypt.
type Authorization struct {
	Signer    common.Address
	ChainID   uint64
	Signature []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Covers reports whether the authorization is usable for the given signer
// and network at the given time.
func (a Authorization) Covers(signer common.Address, chainID uint64, now time.Time) bool {
	return len(a.Signature) > 0 &&
		a.Signer == signer &&
		a.ChainID == chainID &&
		now.Before(a.ExpiresAt)
}

// Client is the confidential computation runtime boundary. Encrypt is
// order-preserving: the i-th ciphertext corresponds to the i-th field.
type Client interface {
	// Ready reports whether the runtime has initialized for the network.
	Ready(chainID uint64) bool

	// Encrypt encrypts an ordered sequence of fields atomically on behalf
	// of an account and returns one ciphertext per field, in order.
	Encrypt(ctx context.Context, chainID uint64, account common.Address, fields []Field) ([]Ciphertext, error)

	// Decrypt resolves handles to plaintext under an authorization. Returns
	// ErrAuthorizationRequired if the authorization is missing or stale.
	Decrypt(ctx context.Context, auth Authorization, handles []Handle) (map[Handle]*uint256.Int, error)
}
