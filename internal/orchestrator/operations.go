package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/config"
	"github.com/cipherdice/client_core/internal/confidential"
	"github.com/cipherdice/client_core/internal/session"
	"github.com/cipherdice/client_core/internal/tracker"
)

// Dice count bounds accepted by the game contract.
const (
	MinDiceCount = 1
	MaxDiceCount = 3
)

// StartResult correlates a freshly started game with its transaction.
type StartResult struct {
	SessionID uint64
	TxID      uuid.UUID
}

// StartGame validates the inputs, encrypts them in confidential mode, creates
// a pending session and submits the start transaction. The session id and
// correlation id return as soon as the transaction is broadcast;
// confirmation is reconciled in the background.
//
// Validation failures and encryption failures leave no session behind.
func (o *Orchestrator) StartGame(ctx context.Context, diceCount int, prediction session.Prediction, stake *big.Int) (StartResult, error) {
	if diceCount < MinDiceCount || diceCount > MaxDiceCount {
		return StartResult{}, wrap(fmt.Errorf("dice count %d out of range [%d,%d]: %w", diceCount, MinDiceCount, MaxDiceCount, ErrInvalidInput))
	}
	if prediction != session.PredictionEven && prediction != session.PredictionOdd {
		return StartResult{}, wrap(fmt.Errorf("prediction %q: %w", prediction, ErrInvalidInput))
	}
	if stake == nil || stake.Sign() <= 0 {
		return StartResult{}, wrap(fmt.Errorf("stake must be positive: %w", ErrInvalidInput))
	}

	o.mu.RLock()
	game := o.game
	tokenBal := o.balances.Token
	o.mu.RUnlock()

	if tokenBal != nil && stake.Cmp(tokenBal) > 0 {
		return StartResult{}, wrap(fmt.Errorf("stake %s exceeds token balance %s: %w", stake, tokenBal, ErrInsufficientBalance))
	}

	var ciphertexts []confidential.Ciphertext
	if o.mode == config.ModeConfidential {
		stakeValue, overflow := uint256.FromBig(stake)
		if overflow {
			return StartResult{}, wrap(fmt.Errorf("stake exceeds 256 bits: %w", ErrInvalidInput))
		}

		builder := confidential.NewRequest(o.conf, o.wallet.ChainID(), o.wallet.Account())
		builder.AddUint8(predictionWire(prediction))
		if err := builder.Add(stakeValue, 256); err != nil {
			return StartResult{}, wrap(err)
		}

		var err error
		ciphertexts, err = builder.Build(ctx)
		if err != nil {
			o.setLastErr(err)
			return StartResult{}, wrap(err)
		}
	}

	sessionID := o.sessions.CreatePending(diceCount, prediction, stake)
	o.clearLastErr()

	var call chain.ContractCall
	if o.mode == config.ModeConfidential {
		call = chain.StartGameConfidentialCall(game, sessionID, diceCount, ciphertexts[0], ciphertexts[1])
	} else {
		call = chain.StartGamePlainCall(game, sessionID, diceCount, predictionWire(prediction), stake)
	}

	txID, err := o.tracker.Submit(ctx, tracker.KindGameStart, sessionID, call)
	if err != nil {
		if markErr := o.sessions.MarkFailed(sessionID); markErr != nil {
			o.log.WithError(markErr).WithField("session_id", sessionID).Error("mark failed session")
		}
		o.setLastErr(err)
		o.notify()
		return StartResult{SessionID: sessionID, TxID: txID}, wrap(err)
	}

	if err := o.sessions.BindTransaction(sessionID, txID); err != nil {
		o.log.WithError(err).WithField("session_id", sessionID).Error("bind transaction")
	}
	o.notify()

	o.beginOp()
	o.wg.Add(1)
	go o.reconcileStart(sessionID, txID)

	return StartResult{SessionID: sessionID, TxID: txID}, nil
}

// ResolveGame submits the resolution transaction for a confirmed session.
// The outcome is fetched, decrypted and recorded in the background once the
// transaction confirms.
//
// A rejected or reverted resolution leaves the session Confirmed: the game
// is still live on the ledger and resolution can be retried.
func (o *Orchestrator) ResolveGame(ctx context.Context, sessionID uint64) (uuid.UUID, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return uuid.Nil, wrap(err)
	}

	switch sess.Lifecycle {
	case session.LifecycleConfirmed:
	case session.LifecycleResolved:
		return uuid.Nil, wrap(fmt.Errorf("session %d: %w", sessionID, ErrAlreadyResolved))
	default:
		return uuid.Nil, wrap(fmt.Errorf("session %d is %s: %w", sessionID, sess.Lifecycle, ErrNotReady))
	}

	o.mu.RLock()
	game := o.game
	o.mu.RUnlock()

	txID, err := o.tracker.Submit(ctx, tracker.KindGameResolve, sessionID, chain.ResolveGameCall(game, sessionID))
	if err != nil {
		o.setLastErr(err)
		o.notify()
		return txID, wrap(err)
	}
	o.clearLastErr()
	o.notify()

	o.beginOp()
	o.wg.Add(1)
	go o.reconcileResolve(sessionID, sess, txID)

	return txID, nil
}

// Swap exchanges between the native and token balances at the deployment's
// fixed rate. The amount is denominated in the currency being sold.
func (o *Orchestrator) Swap(ctx context.Context, direction chain.SwapDirection, amount *big.Int) (uuid.UUID, error) {
	if direction != chain.SwapNativeToToken && direction != chain.SwapTokenToNative {
		return uuid.Nil, wrap(fmt.Errorf("swap direction %q: %w", direction, ErrInvalidInput))
	}
	if amount == nil || amount.Sign() <= 0 {
		return uuid.Nil, wrap(fmt.Errorf("swap amount must be positive: %w", ErrInvalidInput))
	}

	o.mu.RLock()
	token := o.token
	available := o.balances.Native
	if direction == chain.SwapTokenToNative {
		available = o.balances.Token
	}
	o.mu.RUnlock()

	if available != nil && amount.Cmp(available) > 0 {
		return uuid.Nil, wrap(fmt.Errorf("swap %s exceeds balance %s: %w", amount, available, ErrInsufficientBalance))
	}

	txID, err := o.tracker.Submit(ctx, tracker.KindSwap, 0, chain.SwapCall(token, direction, amount))
	if err != nil {
		o.setLastErr(err)
		o.notify()
		return txID, wrap(err)
	}
	o.clearLastErr()
	o.notify()

	o.beginOp()
	o.wg.Add(1)
	go o.reconcileTransfer(txID, "swap")

	return txID, nil
}

// Mint requests demo tokens from the faucet.
func (o *Orchestrator) Mint(ctx context.Context, amount *big.Int) (uuid.UUID, error) {
	if amount == nil || amount.Sign() <= 0 {
		return uuid.Nil, wrap(fmt.Errorf("mint amount must be positive: %w", ErrInvalidInput))
	}

	o.mu.RLock()
	token := o.token
	o.mu.RUnlock()

	txID, err := o.tracker.Submit(ctx, tracker.KindMint, 0, chain.MintCall(token, o.wallet.Account(), amount))
	if err != nil {
		o.setLastErr(err)
		o.notify()
		return txID, wrap(err)
	}
	o.clearLastErr()
	o.notify()

	o.beginOp()
	o.wg.Add(1)
	go o.reconcileTransfer(txID, "mint")

	return txID, nil
}

// WinPayout returns the payout a winning game earns for a stake.
func WinPayout(stake *big.Int) *big.Int {
	payout := new(big.Int).Mul(stake, big.NewInt(chain.PayoutNum))
	return payout.Div(payout, big.NewInt(chain.PayoutDen))
}

// reconcileStart follows a start transaction to its terminal state and
// advances the session accordingly.
func (o *Orchestrator) reconcileStart(sessionID uint64, txID uuid.UUID) {
	defer o.wg.Done()
	defer o.endOp()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConfirmTimeout)
	defer cancel()

	status, err := o.tracker.AwaitOutcome(ctx, txID)
	if err != nil {
		// Ambiguous: the transaction may still confirm. The session stays
		// Pending for ResyncSession to settle.
		o.setLastErr(fmt.Errorf("session %d start: %w", sessionID, err))
		o.notify()
		return
	}

	switch status {
	case tracker.StatusConfirmed:
		if err := o.sessions.MarkConfirmed(sessionID); err != nil {
			o.log.WithError(err).WithField("session_id", sessionID).Error("confirm session")
		}
		o.refreshAndNotify()
	case tracker.StatusReverted:
		if err := o.sessions.MarkFailed(sessionID); err != nil {
			o.log.WithError(err).WithField("session_id", sessionID).Error("fail session")
		}
		o.setLastErr(fmt.Errorf("session %d start: %w", sessionID, ErrTransactionReverted))
		o.notify()
	default:
		if err := o.sessions.MarkFailed(sessionID); err != nil {
			o.log.WithError(err).WithField("session_id", sessionID).Error("fail session")
		}
		o.notify()
	}
}

// reconcileResolve follows a resolution transaction and, once confirmed,
// fetches the outcome, decrypts it in confidential mode and records it.
func (o *Orchestrator) reconcileResolve(sessionID uint64, sess session.GameSession, txID uuid.UUID) {
	defer o.wg.Done()
	defer o.endOp()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConfirmTimeout)
	defer cancel()

	status, err := o.tracker.AwaitOutcome(ctx, txID)
	if err != nil {
		o.setLastErr(fmt.Errorf("session %d resolve: %w", sessionID, err))
		o.notify()
		return
	}
	if status != tracker.StatusConfirmed {
		o.setLastErr(fmt.Errorf("session %d resolve: %w", sessionID, ErrTransactionReverted))
		o.notify()
		return
	}

	dice, err := o.fetchDice(ctx, sessionID)
	if err != nil {
		if o.metrics != nil {
			o.metrics.DecryptionErrors.Inc()
		}
		o.setLastErr(fmt.Errorf("session %d outcome: %w", sessionID, err))
		o.notify()
		return
	}

	sum := 0
	for _, face := range dice {
		sum += face
	}
	won := sess.Prediction.Matches(sum)

	payout := new(big.Int)
	if won {
		payout = WinPayout(sess.Stake)
	}

	if err := o.sessions.MarkResolved(sessionID, session.Outcome{
		Dice:   dice,
		Won:    won,
		Payout: payout,
	}); err != nil {
		o.log.WithError(err).WithField("session_id", sessionID).Error("resolve session")
		o.notify()
		return
	}

	if o.metrics != nil {
		o.metrics.SessionsResolved.Inc()
	}
	o.log.WithField("session_id", sessionID).
		WithField("dice", dice).
		WithField("won", won).
		Info("game resolved")

	o.refreshAndNotify()
}

// reconcileTransfer follows a swap or mint transaction and refreshes
// balances once it settles.
func (o *Orchestrator) reconcileTransfer(txID uuid.UUID, what string) {
	defer o.wg.Done()
	defer o.endOp()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ConfirmTimeout)
	defer cancel()

	status, err := o.tracker.AwaitOutcome(ctx, txID)
	if err != nil {
		o.setLastErr(fmt.Errorf("%s: %w", what, err))
		o.notify()
		return
	}
	if status != tracker.StatusConfirmed {
		o.setLastErr(fmt.Errorf("%s: %w", what, ErrTransactionReverted))
		o.notify()
		return
	}

	o.refreshAndNotify()
}

// fetchDice reads the resolved dice faces for a session, decrypting the
// outcome handles in confidential mode. The outcome may lag the resolution
// receipt by a moment, so an unresolved reply is retried briefly.
func (o *Orchestrator) fetchDice(ctx context.Context, sessionID uint64) ([]int, error) {
	o.mu.RLock()
	game := o.game
	o.mu.RUnlock()

	var reply *chain.OutcomeReply
	for {
		raw, err := o.reader.CallReadOnly(ctx, chain.OutcomeCall(game, sessionID))
		if err != nil {
			return nil, err
		}
		reply, err = chain.ParseOutcomeReply(raw)
		if err != nil {
			return nil, err
		}
		if reply.Resolved {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("outcome not published: %w", ctx.Err())
		case <-time.After(o.cfg.PollInterval):
		}
	}

	if o.mode == config.ModePlain {
		return append([]int(nil), reply.Dice...), nil
	}

	handles := make([]confidential.Handle, len(reply.DiceHandles))
	for i, hex := range reply.DiceHandles {
		handles[i] = confidential.HandleFromHex(hex)
	}

	if err := o.cache.RequestDecryption(ctx, handles); err != nil {
		return nil, err
	}

	dice := make([]int, len(handles))
	for i, h := range handles {
		value, ok := o.cache.Get(h)
		if !ok {
			return nil, fmt.Errorf("dice handle %s: %w", h.Hex(), confidential.ErrUnknownHandle)
		}
		dice[i] = int(value.Uint64())
	}
	if o.metrics != nil {
		o.metrics.Decryptions.Inc()
	}
	return dice, nil
}

// predictionWire maps a prediction to its wire encoding.
func predictionWire(p session.Prediction) uint8 {
	if p == session.PredictionOdd {
		return chain.PredictionWireOdd
	}
	return chain.PredictionWireEven
}
