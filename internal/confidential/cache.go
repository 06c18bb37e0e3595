package confidential

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/cipherdice/client_core/pkg/logger"
)

// authDomain separates decryption authorization signatures from any other
// payload the wallet may be asked to sign.
const authDomain = "cipherdice/decrypt-auth/v1"

// DefaultAuthorizationTTL is the validity window of a negotiated decryption
// authorization.
const DefaultAuthorizationTTL = 10 * time.Minute

// Authorizer supplies the signer identity and the out-of-band signature that
// proves the requester may see plaintext. wallet.Provider satisfies it.
type Authorizer interface {
	Account() common.Address
	ChainID() uint64
	SignAuthorization(ctx context.Context, payload []byte) ([]byte, error)
}

// DecryptedValue is a cached plaintext together with the scope of the
// authorization that produced it.
type DecryptedValue struct {
	Plaintext *uint256.Int
	Signer    common.Address
	ChainID   uint64
	ExpiresAt time.Time
}

// DecryptionCache maps ciphertext handles to decrypted values. Entries are
// scoped to signer+network; an entry from a stale scope is never returned.
// All mutation is atomic per entry.
type DecryptionCache struct {
	client Client
	authz  Authorizer
	ttl    time.Duration
	log    *logger.Logger

	mu      sync.RWMutex
	auth    *Authorization
	entries map[Handle]DecryptedValue
}

// NewDecryptionCache creates a decryption cache. A zero ttl selects
// DefaultAuthorizationTTL.
func NewDecryptionCache(client Client, authz Authorizer, ttl time.Duration, log *logger.Logger) *DecryptionCache {
	if ttl <= 0 {
		ttl = DefaultAuthorizationTTL
	}
	if log == nil {
		log = logger.NewDefault("decryption-cache")
	}
	return &DecryptionCache{
		client:  client,
		authz:   authz,
		ttl:     ttl,
		log:     log,
		entries: make(map[Handle]DecryptedValue),
	}
}

// RequestDecryption resolves the given handles to plaintext, negotiating a
// signer-bound authorization first if none is cached. Requesting handles
// that are already cached and still valid is a no-op. A declined or failed
// signature surfaces as ErrAuthorizationRequired rather than blocking.
func (c *DecryptionCache) RequestDecryption(ctx context.Context, handles []Handle) error {
	signer := c.authz.Account()
	chainID := c.authz.ChainID()
	now := time.Now().UTC()

	missing := make([]Handle, 0, len(handles))
	c.mu.RLock()
	for _, h := range handles {
		if entry, ok := c.entries[h]; ok && entry.covers(signer, chainID, now) {
			continue
		}
		missing = append(missing, h)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return nil
	}

	auth, err := c.ensureAuthorization(ctx, signer, chainID, now)
	if err != nil {
		return err
	}

	values, err := c.client.Decrypt(ctx, auth, missing)
	if err != nil {
		// A runtime-side rejection means our cached authorization went
		// stale; drop it so the next request negotiates a fresh one.
		c.mu.Lock()
		c.auth = nil
		c.mu.Unlock()
		return fmt.Errorf("decrypt %d handles: %w", len(missing), err)
	}

	c.mu.Lock()
	for h, v := range values {
		c.entries[h] = DecryptedValue{
			Plaintext: v.Clone(),
			Signer:    auth.Signer,
			ChainID:   auth.ChainID,
			ExpiresAt: auth.ExpiresAt,
		}
	}
	c.mu.Unlock()

	c.log.WithField("handles", len(values)).Debug("decrypted ciphertext handles")
	return nil
}

// Get returns the cached plaintext for a handle, if present and still valid
// for the current signer and network.
func (c *DecryptionCache) Get(handle Handle) (*uint256.Int, bool) {
	signer := c.authz.Account()
	chainID := c.authz.ChainID()
	now := time.Now().UTC()

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[handle]
	if !ok || !entry.covers(signer, chainID, now) {
		return nil, false
	}
	return entry.Plaintext.Clone(), true
}

// Reset drops all cached entries and the negotiated authorization. Invoked
// whenever the signer or the network changes.
func (c *DecryptionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = nil
	c.entries = make(map[Handle]DecryptedValue)
}

// Len returns the number of cached entries, regardless of scope.
func (c *DecryptionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ensureAuthorization returns a valid authorization for the scope,
// negotiating a new signature when necessary.
func (c *DecryptionCache) ensureAuthorization(ctx context.Context, signer common.Address, chainID uint64, now time.Time) (Authorization, error) {
	c.mu.RLock()
	cached := c.auth
	c.mu.RUnlock()

	if cached != nil && cached.Covers(signer, chainID, now) {
		return *cached, nil
	}

	expiresAt := now.Add(c.ttl)
	sig, err := c.authz.SignAuthorization(ctx, authPayload(signer, chainID, expiresAt))
	if err != nil {
		c.log.WithError(err).Warn("decryption authorization declined")
		return Authorization{}, fmt.Errorf("sign decryption authorization: %w", ErrAuthorizationRequired)
	}

	auth := Authorization{
		Signer:    signer,
		ChainID:   chainID,
		Signature: sig,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}

	c.mu.Lock()
	c.auth = &auth
	c.mu.Unlock()

	return auth, nil
}

// covers reports whether a cache entry is valid for the scope at the time.
func (v DecryptedValue) covers(signer common.Address, chainID uint64, now time.Time) bool {
	return v.Signer == signer && v.ChainID == chainID && now.Before(v.ExpiresAt)
}

// authPayload builds the digest the wallet signs to authorize decryption.
func authPayload(signer common.Address, chainID uint64, expiresAt time.Time) []byte {
	var chainBuf, expBuf [8]byte
	binary.BigEndian.PutUint64(chainBuf[:], chainID)
	binary.BigEndian.PutUint64(expBuf[:], uint64(expiresAt.Unix()))
	return crypto.Keccak256([]byte(authDomain), signer.Bytes(), chainBuf[:], expBuf[:])
}
