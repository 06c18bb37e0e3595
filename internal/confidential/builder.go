package confidential

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestBuilder composes plaintext fields into a single atomic encryption
// request. A builder is single-use: after Build succeeds the request is
// sealed and any further use fails with ErrRequestSealed. Downstream
// transaction encoding relies on the guarantee that ciphertext ordering
// matches field ordering exactly.
type RequestBuilder struct {
	client  Client
	chainID uint64
	account common.Address
	fields  []Field
	sealed  bool
}

// NewRequest creates an encryption request builder bound to the current
// network and account.
func NewRequest(client Client, chainID uint64, account common.Address) *RequestBuilder {
	return &RequestBuilder{
		client:  client,
		chainID: chainID,
		account: account,
	}
}

// Add appends a field with an explicit bit width. Fails with
// ErrInvalidFieldWidth if the value does not fit the declared width.
func (b *RequestBuilder) Add(value *uint256.Int, width uint16) error {
	if b.sealed {
		return ErrRequestSealed
	}
	if width == 0 || width > 256 {
		return fmt.Errorf("%w: unsupported width %d", ErrInvalidFieldWidth, width)
	}
	if uint16(value.BitLen()) > width {
		return fmt.Errorf("%w: value needs %d bits, declared %d", ErrInvalidFieldWidth, value.BitLen(), width)
	}

	b.fields = append(b.fields, Field{Value: value.Clone(), Width: width})
	return nil
}

// AddUint8 appends an 8-bit field. The value is range-checked at the type
// level, so this cannot fail on an unsealed builder.
func (b *RequestBuilder) AddUint8(value uint8) *RequestBuilder {
	_ = b.Add(uint256.NewInt(uint64(value)), 8)
	return b
}

// AddUint64 appends a 64-bit field.
func (b *RequestBuilder) AddUint64(value uint64) *RequestBuilder {
	_ = b.Add(uint256.NewInt(value), 64)
	return b
}

// AddUint256 appends a 256-bit field.
func (b *RequestBuilder) AddUint256(value *uint256.Int) *RequestBuilder {
	_ = b.Add(value, 256)
	return b
}

// Len returns the number of fields added so far.
func (b *RequestBuilder) Len() int {
	return len(b.fields)
}

// Build submits the request to the confidentiality runtime and returns one
// ciphertext per field, in field order. Fails with ErrEncryptionUnavailable
// if the runtime is not ready for the bound network, and seals the builder
// on success.
func (b *RequestBuilder) Build(ctx context.Context) ([]Ciphertext, error) {
	if b.sealed {
		return nil, ErrRequestSealed
	}
	if len(b.fields) == 0 {
		return nil, fmt.Errorf("encryption request has no fields")
	}
	if b.client == nil || !b.client.Ready(b.chainID) {
		return nil, fmt.Errorf("chain %d: %w", b.chainID, ErrEncryptionUnavailable)
	}

	ciphertexts, err := b.client.Encrypt(ctx, b.chainID, b.account, b.fields)
	if err != nil {
		return nil, fmt.Errorf("encrypt %d fields: %w", len(b.fields), err)
	}
	if len(ciphertexts) != len(b.fields) {
		return nil, fmt.Errorf("runtime returned %d ciphertexts for %d fields", len(ciphertexts), len(b.fields))
	}

	b.sealed = true
	return ciphertexts, nil
}

// MaxForWidth returns the largest value representable in the given width.
// Widths of 256 and above saturate at the uint256 maximum.
func MaxForWidth(width uint16) *uint256.Int {
	if width >= 256 {
		max := new(uint256.Int)
		max.SetAllOne()
		return max
	}
	if width >= 64 {
		one := uint256.NewInt(1)
		return new(uint256.Int).Sub(new(uint256.Int).Lsh(one, uint(width)), one)
	}
	return uint256.NewInt(uint64(math.MaxUint64) >> (64 - width))
}
