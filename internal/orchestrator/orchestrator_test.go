package orchestrator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/config"
	"github.com/cipherdice/client_core/internal/confidential"
	"github.com/cipherdice/client_core/internal/metrics"
	"github.com/cipherdice/client_core/internal/session"
	"github.com/cipherdice/client_core/internal/sim"
	"github.com/cipherdice/client_core/pkg/logger"
)

const testChainID = uint64(1337)

var (
	testGame    = common.HexToAddress("0x00000000000000000000000000000000d1ce6a4e")
	testToken   = common.HexToAddress("0x00000000000000000000000000000000707ce4e5")
	testAccount = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type testEnv struct {
	ledger  *sim.Ledger
	wallet  *sim.Wallet
	runtime *confidential.MemoryClient
	core    *Orchestrator
}

func newTestEnv(t *testing.T, mode config.Mode) *testEnv {
	t.Helper()
	return newTestEnvTimed(t, mode, time.Millisecond, 2*time.Second)
}

// newTestEnvTimed controls how long receipts stay hidden and how long the
// core waits for them.
func newTestEnvTimed(t *testing.T, mode config.Mode, mineDelay, confirmTimeout time.Duration) *testEnv {
	t.Helper()

	var runtime *confidential.MemoryClient
	if mode == config.ModeConfidential {
		runtime = confidential.NewMemoryClient(testChainID)
	}

	ledger := sim.NewLedger(sim.LedgerConfig{
		ChainID:       testChainID,
		GameContract:  testGame,
		TokenContract: testToken,
		Runtime:       runtime,
		MineDelay:     mineDelay,
	})
	w := sim.NewWallet(ledger, testAccount)

	cfg := config.Default()
	cfg.Mode = mode
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ConfirmTimeout = confirmTimeout
	cfg.SubmitRatePerSec = 1000
	cfg.Networks = map[uint64]config.Network{
		testChainID: {
			Name:          "simulated",
			GameContract:  testGame.Hex(),
			TokenContract: testToken.Hex(),
		},
	}

	var conf confidential.Client
	if runtime != nil {
		conf = runtime
	}
	core, err := New(Config{
		Config:       cfg,
		Wallet:       w,
		Reader:       ledger,
		Confidential: conf,
		Metrics:      metrics.NewUnregistered(),
		Log:          logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(core.Close)

	return &testEnv{ledger: ledger, wallet: w, runtime: runtime, core: core}
}

func (e *testEnv) fundAndSync(t *testing.T, native, tokens int64) {
	t.Helper()
	if native > 0 {
		e.ledger.FundNative(testAccount, big.NewInt(native))
	}
	if tokens > 0 {
		e.ledger.FundTokens(testAccount, big.NewInt(tokens))
	}
	require.NoError(t, e.core.Sync(context.Background()))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *testEnv) waitLifecycle(t *testing.T, sessionID uint64, want session.Lifecycle) {
	t.Helper()
	waitFor(t, string(want), func() bool {
		sess, err := e.core.Sessions().Get(sessionID)
		return err == nil && sess.Lifecycle == want
	})
}

func TestFullGameConfidential(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 2000)
	env.ledger.SetRoll(func(n int) []int { return []int{3, 5}[:n] })

	// Staking 1000 base units keeps the 1.95x payout exact: 1950.
	start, err := env.core.StartGame(context.Background(), 2, session.PredictionEven, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, uint64(1), start.SessionID)

	env.waitLifecycle(t, start.SessionID, session.LifecycleConfirmed)
	require.Equal(t, int64(1000), env.ledger.TokenBalance(testAccount).Int64())

	_, err = env.core.ResolveGame(context.Background(), start.SessionID)
	require.NoError(t, err)
	env.waitLifecycle(t, start.SessionID, session.LifecycleResolved)

	sess, err := env.core.Sessions().Get(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, []int{3, 5}, sess.Outcome.Dice)
	require.True(t, sess.Outcome.Won)
	require.Equal(t, int64(1950), sess.Outcome.Payout.Int64())
	require.Equal(t, int64(2950), env.ledger.TokenBalance(testAccount).Int64())

	waitFor(t, "balance refresh", func() bool {
		snap := env.core.Snapshot()
		return snap.Balances.Token != nil && snap.Balances.Token.Int64() == 2950
	})

	stats := env.core.Sessions().Statistics()
	require.Equal(t, 1, stats.Wins)
	require.Equal(t, int64(950), stats.NetProfit.Int64())
}

func TestFullGamePlain(t *testing.T) {
	env := newTestEnv(t, config.ModePlain)
	env.fundAndSync(t, 0, 100)
	env.ledger.SetRoll(func(n int) []int { return []int{4}[:n] })

	start, err := env.core.StartGame(context.Background(), 1, session.PredictionOdd, big.NewInt(10))
	require.NoError(t, err)

	env.waitLifecycle(t, start.SessionID, session.LifecycleConfirmed)
	_, err = env.core.ResolveGame(context.Background(), start.SessionID)
	require.NoError(t, err)
	env.waitLifecycle(t, start.SessionID, session.LifecycleResolved)

	sess, err := env.core.Sessions().Get(start.SessionID)
	require.NoError(t, err)
	require.Equal(t, []int{4}, sess.Outcome.Dice)
	require.False(t, sess.Outcome.Won)
	require.Equal(t, int64(0), sess.Outcome.Payout.Int64())
	require.Equal(t, int64(90), env.ledger.TokenBalance(testAccount).Int64())
}

func TestStartGameValidation(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 100)

	cases := []struct {
		name       string
		diceCount  int
		prediction session.Prediction
		stake      *big.Int
	}{
		{"zero dice", 0, session.PredictionEven, big.NewInt(1)},
		{"too many dice", 4, session.PredictionEven, big.NewInt(1)},
		{"bad prediction", 1, session.Prediction("seven"), big.NewInt(1)},
		{"nil stake", 1, session.PredictionEven, nil},
		{"zero stake", 1, session.PredictionEven, new(big.Int)},
		{"negative stake", 1, session.PredictionEven, big.NewInt(-5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.core.StartGame(context.Background(), tc.diceCount, tc.prediction, tc.stake)
			require.ErrorIs(t, err, ErrInvalidInput)
			require.Equal(t, KindInvalidInput, Classify(err))
		})
	}

	// No session was created for any rejected input.
	require.Equal(t, 0, env.core.Sessions().Count())
}

func TestStartGameEncryptionUnavailable(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 100)
	env.runtime.SetReady(testChainID, false)

	_, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(10))
	require.ErrorIs(t, err, confidential.ErrEncryptionUnavailable)
	require.Equal(t, KindEncryptionUnavailable, Classify(err))
	require.Equal(t, 0, env.core.Sessions().Count())
}

func TestStartGameRejectedBySigner(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 100)
	env.wallet.RejectNext()

	start, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(10))
	require.Error(t, err)
	require.Equal(t, KindSubmissionRejected, Classify(err))

	sess, getErr := env.core.Sessions().Get(start.SessionID)
	require.NoError(t, getErr)
	require.Equal(t, session.LifecycleFailed, sess.Lifecycle)
	require.Equal(t, int64(100), env.ledger.TokenBalance(testAccount).Int64())
}

func TestStartGameInsufficientStakeReverts(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 5)

	start, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(5))
	require.NoError(t, err)
	env.waitLifecycle(t, start.SessionID, session.LifecycleConfirmed)
	waitFor(t, "drained balance", func() bool {
		snap := env.core.Snapshot()
		return snap.Balances.Token != nil && snap.Balances.Token.Sign() == 0
	})

	// A second stake of 5 exceeds the drained balance.
	_, err = env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(5))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, KindInsufficientBalance, Classify(err))
}

func TestConfirmationTimeoutResync(t *testing.T) {
	t.Run("late confirmation", func(t *testing.T) {
		env := newTestEnvTimed(t, config.ModePlain, time.Hour, 100*time.Millisecond)
		env.fundAndSync(t, 0, 100)

		start, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(10))
		require.NoError(t, err)

		// The receipt stays hidden past ConfirmTimeout. The timeout is
		// ambiguous: the session must stay Pending, never Failed.
		waitFor(t, "reconciliation timeout", func() bool {
			return !env.core.Snapshot().Busy
		})
		sess, err := env.core.Sessions().Get(start.SessionID)
		require.NoError(t, err)
		require.Equal(t, session.LifecyclePending, sess.Lifecycle)
		require.NotEmpty(t, env.core.Snapshot().LastErr)

		// The transaction confirms out-of-band; resync advances the session.
		env.ledger.MineAll()
		require.NoError(t, env.core.ResyncSession(context.Background(), start.SessionID))

		sess, err = env.core.Sessions().Get(start.SessionID)
		require.NoError(t, err)
		require.Equal(t, session.LifecycleConfirmed, sess.Lifecycle)

		// A second resync on the now-confirmed session is a no-op.
		require.NoError(t, env.core.ResyncSession(context.Background(), start.SessionID))
	})

	t.Run("late revert", func(t *testing.T) {
		env := newTestEnvTimed(t, config.ModePlain, time.Hour, 100*time.Millisecond)

		// No funding: the start executes against a zero balance and
		// reverts, but the receipt proving it stays hidden.
		start, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(5))
		require.NoError(t, err)

		waitFor(t, "reconciliation timeout", func() bool {
			return !env.core.Snapshot().Busy
		})
		sess, err := env.core.Sessions().Get(start.SessionID)
		require.NoError(t, err)
		require.Equal(t, session.LifecyclePending, sess.Lifecycle)

		env.ledger.MineAll()
		require.NoError(t, env.core.ResyncSession(context.Background(), start.SessionID))

		sess, err = env.core.Sessions().Get(start.SessionID)
		require.NoError(t, err)
		require.Equal(t, session.LifecycleFailed, sess.Lifecycle)
	})

	t.Run("unknown session", func(t *testing.T) {
		env := newTestEnv(t, config.ModePlain)
		err := env.core.ResyncSession(context.Background(), 42)
		require.ErrorIs(t, err, session.ErrSessionNotFound)
	})
}

func TestResolveGameStateChecks(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 100)
	env.ledger.SetRoll(func(n int) []int { return []int{2}[:n] })

	t.Run("unknown session", func(t *testing.T) {
		_, err := env.core.ResolveGame(context.Background(), 42)
		require.ErrorIs(t, err, session.ErrSessionNotFound)
		require.Equal(t, KindSessionNotFound, Classify(err))
	})

	start, err := env.core.StartGame(context.Background(), 1, session.PredictionEven, big.NewInt(10))
	require.NoError(t, err)

	t.Run("pending session not ready", func(t *testing.T) {
		_, err := env.core.ResolveGame(context.Background(), start.SessionID)
		if err == nil {
			t.Skip("session confirmed before the check ran")
		}
		require.ErrorIs(t, err, ErrNotReady)
	})

	env.waitLifecycle(t, start.SessionID, session.LifecycleConfirmed)
	_, err = env.core.ResolveGame(context.Background(), start.SessionID)
	require.NoError(t, err)
	env.waitLifecycle(t, start.SessionID, session.LifecycleResolved)

	t.Run("already resolved", func(t *testing.T) {
		_, err := env.core.ResolveGame(context.Background(), start.SessionID)
		require.ErrorIs(t, err, ErrAlreadyResolved)
		require.Equal(t, KindAlreadyResolved, Classify(err))
	})
}

func TestMintAndSwap(t *testing.T) {
	env := newTestEnv(t, config.ModePlain)
	env.fundAndSync(t, 50, 0)

	txID, err := env.core.Mint(context.Background(), big.NewInt(300))
	require.NoError(t, err)
	_, err = env.core.Tracker().AwaitOutcome(context.Background(), txID)
	require.NoError(t, err)
	waitFor(t, "mint balance", func() bool {
		snap := env.core.Snapshot()
		return snap.Balances.Token != nil && snap.Balances.Token.Int64() == 300
	})

	txID, err = env.core.Swap(context.Background(), chain.SwapNativeToToken, big.NewInt(5))
	require.NoError(t, err)
	_, err = env.core.Tracker().AwaitOutcome(context.Background(), txID)
	require.NoError(t, err)

	// Both balances land together: native down 5, tokens up 500.
	waitFor(t, "swap balances", func() bool {
		snap := env.core.Snapshot()
		return snap.Balances.Native != nil && snap.Balances.Native.Int64() == 45 &&
			snap.Balances.Token.Int64() == 800
	})

	txID, err = env.core.Swap(context.Background(), chain.SwapTokenToNative, big.NewInt(200))
	require.NoError(t, err)
	_, err = env.core.Tracker().AwaitOutcome(context.Background(), txID)
	require.NoError(t, err)
	waitFor(t, "reverse swap balances", func() bool {
		snap := env.core.Snapshot()
		return snap.Balances.Native.Int64() == 47 && snap.Balances.Token.Int64() == 600
	})
}

func TestSwapValidation(t *testing.T) {
	env := newTestEnv(t, config.ModePlain)
	env.fundAndSync(t, 10, 0)

	_, err := env.core.Swap(context.Background(), chain.SwapDirection("sideways"), big.NewInt(1))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.core.Swap(context.Background(), chain.SwapNativeToToken, new(big.Int))
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.core.Swap(context.Background(), chain.SwapNativeToToken, big.NewInt(11))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = env.core.Mint(context.Background(), big.NewInt(-1))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestWalletSwitchResetsScopedState(t *testing.T) {
	env := newTestEnv(t, config.ModeConfidential)
	env.fundAndSync(t, 0, 100)

	// Populate the decryption cache through a balance read.
	require.NoError(t, env.core.RefreshBalances(context.Background()))

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	env.ledger.FundTokens(other, big.NewInt(7))
	env.wallet.SwitchAccount(other)

	waitFor(t, "rescoped balance", func() bool {
		snap := env.core.Snapshot()
		return snap.Account == other &&
			snap.Balances.Token != nil && snap.Balances.Token.Int64() == 7
	})
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	env := newTestEnv(t, config.ModePlain)

	got := make(chan Snapshot, 16)
	env.core.Subscribe(func(snap Snapshot) { got <- snap })

	env.fundAndSync(t, 0, 50)

	select {
	case snap := <-got:
		require.Equal(t, config.ModePlain, snap.Mode)
		require.Equal(t, testAccount, snap.Account)
		require.Equal(t, int64(50), snap.Balances.Token.Int64())
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestWinPayout(t *testing.T) {
	require.Equal(t, int64(19), WinPayout(big.NewInt(10)).Int64())
	require.Equal(t, int64(195), WinPayout(big.NewInt(100)).Int64())
	require.Equal(t, int64(1), WinPayout(big.NewInt(1)).Int64())
}
