package sim

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/confidential"
)

var (
	simGame   = common.HexToAddress("0x00000000000000000000000000000000d1ce6a4e")
	simToken  = common.HexToAddress("0x00000000000000000000000000000000707ce4e5")
	simPlayer = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func newPlainLedger() *Ledger {
	return NewLedger(LedgerConfig{
		ChainID:       1337,
		GameContract:  simGame,
		TokenContract: simToken,
		MineDelay:     time.Millisecond,
	})
}

func awaitReceipt(t *testing.T, ledger *Ledger, txHash common.Hash) *chain.Receipt {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		receipt, err := ledger.Receipt(context.Background(), txHash)
		if err == nil {
			return receipt
		}
		require.ErrorIs(t, err, chain.ErrReceiptNotFound)
		time.Sleep(time.Millisecond)
	}
	t.Fatal("receipt never became available")
	return nil
}

func TestLedgerMineDelay(t *testing.T) {
	ledger := NewLedger(LedgerConfig{
		ChainID:       1337,
		GameContract:  simGame,
		TokenContract: simToken,
		MineDelay:     50 * time.Millisecond,
	})

	txHash, err := ledger.Broadcast(simPlayer, chain.MintCall(simToken, simPlayer, big.NewInt(1)))
	require.NoError(t, err)

	_, err = ledger.Receipt(context.Background(), txHash)
	require.ErrorIs(t, err, chain.ErrReceiptNotFound)

	receipt := awaitReceipt(t, ledger, txHash)
	require.True(t, receipt.Succeeded())
}

func TestLedgerGameFlowPlain(t *testing.T) {
	ledger := newPlainLedger()
	ledger.FundTokens(simPlayer, big.NewInt(100))
	ledger.SetRoll(func(n int) []int { return []int{3, 5}[:n] })

	txHash, err := ledger.Broadcast(simPlayer,
		chain.StartGamePlainCall(simGame, 1, 2, chain.PredictionWireEven, big.NewInt(10)))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())
	require.Equal(t, int64(90), ledger.TokenBalance(simPlayer).Int64())

	txHash, err = ledger.Broadcast(simPlayer, chain.ResolveGameCall(simGame, 1))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())

	raw, err := ledger.CallReadOnly(context.Background(), chain.OutcomeCall(simGame, 1))
	require.NoError(t, err)
	reply, err := chain.ParseOutcomeReply(raw)
	require.NoError(t, err)
	require.True(t, reply.Resolved)
	require.Equal(t, []int{3, 5}, reply.Dice)

	// 3+5 is even: stake 10 pays out 19.
	require.Equal(t, int64(109), ledger.TokenBalance(simPlayer).Int64())
}

func TestLedgerGameFlowConfidential(t *testing.T) {
	runtime := confidential.NewMemoryClient(1337)
	ledger := NewLedger(LedgerConfig{
		ChainID:       1337,
		GameContract:  simGame,
		TokenContract: simToken,
		Runtime:       runtime,
		MineDelay:     time.Millisecond,
	})
	ledger.FundTokens(simPlayer, big.NewInt(100))
	ledger.SetRoll(func(n int) []int { return []int{4}[:n] })

	cts, err := confidential.NewRequest(runtime, 1337, simPlayer).
		AddUint8(chain.PredictionWireOdd).
		AddUint64(10).
		Build(context.Background())
	require.NoError(t, err)

	txHash, err := ledger.Broadcast(simPlayer,
		chain.StartGameConfidentialCall(simGame, 1, 1, cts[0], cts[1]))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())

	txHash, err = ledger.Broadcast(simPlayer, chain.ResolveGameCall(simGame, 1))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())

	raw, err := ledger.CallReadOnly(context.Background(), chain.OutcomeCall(simGame, 1))
	require.NoError(t, err)
	reply, err := chain.ParseOutcomeReply(raw)
	require.NoError(t, err)
	require.True(t, reply.Resolved)
	require.Empty(t, reply.Dice)
	require.Len(t, reply.DiceHandles, 1)

	// The published handle evaluates to the rolled face inside the runtime.
	face, ok := runtime.Plaintext(confidential.HandleFromHex(reply.DiceHandles[0]))
	require.True(t, ok)
	require.Equal(t, uint64(4), face.Uint64())

	// Odd predicted, 4 rolled: the stake is gone.
	require.Equal(t, int64(90), ledger.TokenBalance(simPlayer).Int64())
}

func TestLedgerRevertedExecutions(t *testing.T) {
	ledger := newPlainLedger()
	ledger.FundTokens(simPlayer, big.NewInt(5))

	t.Run("stake exceeds balance", func(t *testing.T) {
		txHash, err := ledger.Broadcast(simPlayer,
			chain.StartGamePlainCall(simGame, 1, 1, chain.PredictionWireEven, big.NewInt(50)))
		require.NoError(t, err)
		require.False(t, awaitReceipt(t, ledger, txHash).Succeeded())
		require.Equal(t, int64(5), ledger.TokenBalance(simPlayer).Int64())
	})

	t.Run("duplicate session id", func(t *testing.T) {
		txHash, err := ledger.Broadcast(simPlayer,
			chain.StartGamePlainCall(simGame, 2, 1, chain.PredictionWireEven, big.NewInt(1)))
		require.NoError(t, err)
		require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())

		txHash, err = ledger.Broadcast(simPlayer,
			chain.StartGamePlainCall(simGame, 2, 1, chain.PredictionWireEven, big.NewInt(1)))
		require.NoError(t, err)
		require.False(t, awaitReceipt(t, ledger, txHash).Succeeded())
	})

	t.Run("resolve by non-owner", func(t *testing.T) {
		other := common.HexToAddress("0x2222222222222222222222222222222222222222")
		txHash, err := ledger.Broadcast(other, chain.ResolveGameCall(simGame, 2))
		require.NoError(t, err)
		require.False(t, awaitReceipt(t, ledger, txHash).Succeeded())
	})
}

func TestLedgerSwaps(t *testing.T) {
	ledger := newPlainLedger()
	ledger.FundNative(simPlayer, big.NewInt(10))

	txHash, err := ledger.Broadcast(simPlayer, chain.SwapCall(simToken, chain.SwapNativeToToken, big.NewInt(3)))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())
	require.Equal(t, int64(7), ledger.NativeBalance(simPlayer).Int64())
	require.Equal(t, int64(300), ledger.TokenBalance(simPlayer).Int64())

	t.Run("token amount must divide by rate", func(t *testing.T) {
		txHash, err := ledger.Broadcast(simPlayer, chain.SwapCall(simToken, chain.SwapTokenToNative, big.NewInt(150)))
		require.NoError(t, err)
		require.False(t, awaitReceipt(t, ledger, txHash).Succeeded())
	})

	txHash, err = ledger.Broadcast(simPlayer, chain.SwapCall(simToken, chain.SwapTokenToNative, big.NewInt(200)))
	require.NoError(t, err)
	require.True(t, awaitReceipt(t, ledger, txHash).Succeeded())
	require.Equal(t, int64(9), ledger.NativeBalance(simPlayer).Int64())
	require.Equal(t, int64(100), ledger.TokenBalance(simPlayer).Int64())
}
