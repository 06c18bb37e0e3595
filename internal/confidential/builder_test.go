package confidential

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

const testChainID = uint64(1337)

var testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestRequestBuilderWidthChecks(t *testing.T) {
	client := NewMemoryClient(testChainID)

	t.Run("value fits declared width", func(t *testing.T) {
		b := NewRequest(client, testChainID, testAccount)
		require.NoError(t, b.Add(uint256.NewInt(255), 8))
		require.NoError(t, b.Add(uint256.NewInt(1), 1))
	})

	t.Run("value exceeds declared width", func(t *testing.T) {
		b := NewRequest(client, testChainID, testAccount)
		err := b.Add(uint256.NewInt(256), 8)
		require.ErrorIs(t, err, ErrInvalidFieldWidth)
		require.Equal(t, 0, b.Len())
	})

	t.Run("zero width rejected", func(t *testing.T) {
		b := NewRequest(client, testChainID, testAccount)
		require.ErrorIs(t, b.Add(uint256.NewInt(0), 0), ErrInvalidFieldWidth)
	})

	t.Run("width above 256 rejected", func(t *testing.T) {
		b := NewRequest(client, testChainID, testAccount)
		require.ErrorIs(t, b.Add(uint256.NewInt(1), 257), ErrInvalidFieldWidth)
	})
}

func TestRequestBuilderOrderPreserved(t *testing.T) {
	client := NewMemoryClient(testChainID)

	values := []uint64{1, 42, 6, 99}
	b := NewRequest(client, testChainID, testAccount)
	for _, v := range values {
		b.AddUint64(v)
	}

	cts, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, cts, len(values))

	for i, ct := range cts {
		require.NotEmpty(t, ct.Proof)
		plain, ok := client.Plaintext(ct.Handle)
		require.True(t, ok)
		require.Equal(t, values[i], plain.Uint64(), "ciphertext %d out of order", i)
	}
}

func TestRequestBuilderSingleUse(t *testing.T) {
	client := NewMemoryClient(testChainID)

	b := NewRequest(client, testChainID, testAccount)
	b.AddUint8(1)

	_, err := b.Build(context.Background())
	require.NoError(t, err)

	_, err = b.Build(context.Background())
	require.ErrorIs(t, err, ErrRequestSealed)
	require.ErrorIs(t, b.Add(uint256.NewInt(1), 8), ErrRequestSealed)
}

func TestRequestBuilderFreshHandlesPerBuild(t *testing.T) {
	client := NewMemoryClient(testChainID)

	first, err := NewRequest(client, testChainID, testAccount).AddUint8(1).Build(context.Background())
	require.NoError(t, err)
	second, err := NewRequest(client, testChainID, testAccount).AddUint8(1).Build(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, first[0].Handle, second[0].Handle)
}

func TestRequestBuilderUnavailableRuntime(t *testing.T) {
	client := NewMemoryClient(testChainID)
	client.SetReady(testChainID, false)

	b := NewRequest(client, testChainID, testAccount)
	b.AddUint8(1)

	_, err := b.Build(context.Background())
	require.ErrorIs(t, err, ErrEncryptionUnavailable)

	// A failed build leaves the builder usable for a retry.
	client.SetReady(testChainID, true)
	_, err = b.Build(context.Background())
	require.NoError(t, err)
}

func TestRequestBuilderEmpty(t *testing.T) {
	b := NewRequest(NewMemoryClient(testChainID), testChainID, testAccount)
	_, err := b.Build(context.Background())
	require.Error(t, err)
}

func TestMaxForWidth(t *testing.T) {
	require.Equal(t, uint64(255), MaxForWidth(8).Uint64())
	require.Equal(t, uint64(1), MaxForWidth(1).Uint64())
	require.Equal(t, "0xffffffffffffffff", MaxForWidth(64).Hex())
	require.True(t, MaxForWidth(256).Eq(MaxForWidth(300)))
}
