// dicectl runs the dice game client core against the in-process simulated
// ledger: it funds a demo account, mints and swaps, plays a few rounds and
// prints the resulting sessions and statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/config"
	"github.com/cipherdice/client_core/internal/confidential"
	"github.com/cipherdice/client_core/internal/metrics"
	"github.com/cipherdice/client_core/internal/orchestrator"
	"github.com/cipherdice/client_core/internal/session"
	"github.com/cipherdice/client_core/internal/sim"
	"github.com/cipherdice/client_core/pkg/logger"
)

const demoChainID = 1337

var (
	demoGame   = common.HexToAddress("0x00000000000000000000000000000000d1ce6a4e")
	demoToken  = common.HexToAddress("0x00000000000000000000000000000000707ce4e5")
	demoPlayer = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func main() {
	var (
		configPath = flag.String("config", "", "path to client.yaml (default: built-in demo config)")
		games      = flag.Int("games", 3, "number of rounds to play")
		stake      = flag.Int64("stake", 10, "token stake per round")
		plain      = flag.Bool("plain", false, "run unencrypted instead of confidential")
	)
	flag.Parse()

	if err := run(*configPath, *games, *stake, *plain); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func run(configPath string, games int, stake int64, plain bool) error {
	cfg, err := loadConfig(configPath, plain)
	if err != nil {
		return err
	}

	log := logger.New("dicectl", cfg.LogLevel)

	var runtime *confidential.MemoryClient
	if cfg.Mode == config.ModeConfidential {
		runtime = confidential.NewMemoryClient(demoChainID)
	}

	ledger := sim.NewLedger(sim.LedgerConfig{
		ChainID:       demoChainID,
		GameContract:  demoGame,
		TokenContract: demoToken,
		Runtime:       runtime,
	})
	ledger.FundNative(demoPlayer, big.NewInt(50))
	wallet := sim.NewWallet(ledger, demoPlayer)

	var conf confidential.Client
	if runtime != nil {
		conf = runtime
	}
	core, err := orchestrator.New(orchestrator.Config{
		Config:       cfg,
		Wallet:       wallet,
		Reader:       ledger,
		Confidential: conf,
		Metrics:      metrics.NewUnregistered(),
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer core.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pterm.DefaultHeader.Println("cipherdice demo")
	pterm.Info.Printfln("mode: %s  account: %s", cfg.Mode, demoPlayer.Hex())

	if err := core.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	if err := step(ctx, core, "mint 500 tokens", func() (uuid.UUID, error) {
		return core.Mint(ctx, big.NewInt(500))
	}); err != nil {
		return err
	}
	if err := step(ctx, core, "swap 5 native for tokens", func() (uuid.UUID, error) {
		return core.Swap(ctx, chain.SwapNativeToToken, big.NewInt(5))
	}); err != nil {
		return err
	}

	predictions := []session.Prediction{session.PredictionEven, session.PredictionOdd}
	for i := 0; i < games; i++ {
		prediction := predictions[i%len(predictions)]
		diceCount := 1 + i%3

		if err := playRound(ctx, core, diceCount, prediction, big.NewInt(stake)); err != nil {
			pterm.Warning.Printfln("round %d: %v", i+1, err)
		}
	}

	printSessions(core.Snapshot())
	return nil
}

// playRound starts one game, waits for confirmation and resolves it.
func playRound(ctx context.Context, core *orchestrator.Orchestrator, diceCount int, prediction session.Prediction, stake *big.Int) error {
	spinner, _ := pterm.DefaultSpinner.Start(
		fmt.Sprintf("rolling %d dice, predicting %s, staking %s", diceCount, prediction, stake))

	start, err := core.StartGame(ctx, diceCount, prediction, stake)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if err := awaitLifecycle(ctx, core, start.SessionID, session.LifecycleConfirmed); err != nil {
		spinner.Fail(err.Error())
		return err
	}

	if _, err := core.ResolveGame(ctx, start.SessionID); err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if err := awaitLifecycle(ctx, core, start.SessionID, session.LifecycleResolved); err != nil {
		spinner.Fail(err.Error())
		return err
	}

	sess, err := core.Sessions().Get(start.SessionID)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}

	if sess.Outcome.Won {
		spinner.Success(fmt.Sprintf("session %d: dice %v, won %s", sess.ID, sess.Outcome.Dice, sess.Outcome.Payout))
	} else {
		spinner.Warning(fmt.Sprintf("session %d: dice %v, lost %s", sess.ID, sess.Outcome.Dice, stake))
	}
	return nil
}

// step submits a transaction and waits for its terminal state.
func step(ctx context.Context, core *orchestrator.Orchestrator, what string, submit func() (uuid.UUID, error)) error {
	spinner, _ := pterm.DefaultSpinner.Start(what)

	txID, err := submit()
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if _, err := core.Tracker().AwaitOutcome(ctx, txID); err != nil {
		spinner.Fail(err.Error())
		return err
	}

	spinner.Success(what)
	return nil
}

// awaitLifecycle polls the session store until the session reaches the given
// state or a terminal failure.
func awaitLifecycle(ctx context.Context, core *orchestrator.Orchestrator, sessionID uint64, want session.Lifecycle) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sess, err := core.Sessions().Get(sessionID)
			if err != nil {
				return err
			}
			if sess.Lifecycle == want {
				return nil
			}
			if sess.Lifecycle == session.LifecycleFailed {
				return fmt.Errorf("session %d failed", sessionID)
			}
		}
	}
}

// printSessions renders the final session table and statistics.
func printSessions(snap orchestrator.Snapshot) {
	rows := pterm.TableData{{"ID", "Dice", "Prediction", "Stake", "State", "Outcome", "Payout"}}
	for _, sess := range snap.Sessions {
		outcome, payout := "-", "-"
		if sess.Outcome != nil {
			outcome = fmt.Sprintf("%v", sess.Outcome.Dice)
			payout = sess.Outcome.Payout.String()
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", sess.ID),
			fmt.Sprintf("%d", sess.DiceCount),
			string(sess.Prediction),
			sess.Stake.String(),
			string(sess.Lifecycle),
			outcome,
			payout,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	pterm.DefaultSection.Println("statistics")
	pterm.Info.Printfln("games: %d  wins: %d  staked: %s  net: %s",
		snap.Stats.TotalGames, snap.Stats.Wins, snap.Stats.TotalStaked, snap.Stats.NetProfit)
	pterm.Info.Printfln("balances: native %s  token %s", snap.Balances.Native, snap.Balances.Token)
}

// loadConfig loads the file config or builds the demo default.
func loadConfig(path string, plain bool) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.LoadFromPath(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.PollInterval = 20 * time.Millisecond
		cfg.ConfirmTimeout = 30 * time.Second
		cfg.SubmitRatePerSec = 50
		cfg.Networks = map[uint64]config.Network{
			demoChainID: {
				Name:          "simulated",
				GameContract:  demoGame.Hex(),
				TokenContract: demoToken.Hex(),
			},
		}
	}

	if plain {
		cfg.Mode = config.ModePlain
	}
	return cfg, nil
}
