// Package orchestrator is the root of the client core. It composes the
// wallet, the ledger reader, the confidentiality runtime, the transaction
// tracker and the session store into four public operations (StartGame,
// ResolveGame, Swap, Mint) and a state snapshot the presentation layer
// subscribes to.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/config"
	"github.com/cipherdice/client_core/internal/confidential"
	"github.com/cipherdice/client_core/internal/metrics"
	"github.com/cipherdice/client_core/internal/session"
	"github.com/cipherdice/client_core/internal/tracker"
	"github.com/cipherdice/client_core/internal/wallet"
	"github.com/cipherdice/client_core/pkg/logger"
)

// Balances holds the connected account's last known native and token
// balances. Either may be nil before the first refresh.
type Balances struct {
	Native *big.Int
	Token  *big.Int
}

// Snapshot is the full observable state of the core at one point in time.
// All nested data is copied; mutating a snapshot never affects the core.
type Snapshot struct {
	Mode     config.Mode
	Account  common.Address
	ChainID  uint64
	Busy     bool
	LastErr  string
	Balances Balances
	Sessions []session.GameSession
	Stats    session.Statistics
}

// Config holds orchestrator configuration.
type Config struct {
	Config       *config.Config
	Wallet       wallet.Provider
	Reader       chain.Reader
	Confidential confidential.Client
	Metrics      *metrics.Metrics
	Log          *logger.Logger
}

// Orchestrator sequences game, swap and mint operations against the ledger
// and owns the client-side state they produce.
type Orchestrator struct {
	cfg     *config.Config
	mode    config.Mode
	wallet  wallet.Provider
	reader  chain.Reader
	conf    confidential.Client
	metrics *metrics.Metrics
	log     *logger.Logger

	sessions *session.Store
	tracker  *tracker.Tracker
	cache    *confidential.DecryptionCache

	mu       sync.RWMutex
	game     common.Address
	token    common.Address
	balances Balances
	busy     int
	lastErr  string
	subs     []func(Snapshot)

	wg sync.WaitGroup
}

// New creates the orchestrator and binds it to the wallet's current network.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("wallet is required")
	}
	if cfg.Reader == nil {
		return nil, fmt.Errorf("ledger reader is required")
	}
	if cfg.Config.Mode == config.ModeConfidential && cfg.Confidential == nil {
		return nil, fmt.Errorf("confidential mode requires a runtime client")
	}

	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("orchestrator")
	}

	trk, err := tracker.New(tracker.Config{
		Wallet:       cfg.Wallet,
		Receipts:     cfg.Reader,
		PollInterval: cfg.Config.PollInterval,
		SubmitRate:   cfg.Config.SubmitRatePerSec,
		Metrics:      cfg.Metrics,
		Log:          log.WithField("component", "tracker"),
	})
	if err != nil {
		return nil, fmt.Errorf("create tracker: %w", err)
	}

	o := &Orchestrator{
		cfg:      cfg.Config,
		mode:     cfg.Config.Mode,
		wallet:   cfg.Wallet,
		reader:   cfg.Reader,
		conf:     cfg.Confidential,
		metrics:  cfg.Metrics,
		log:      log,
		sessions: session.NewStore(log.WithField("component", "sessions")),
		tracker:  trk,
	}

	if o.mode == config.ModeConfidential {
		o.cache = confidential.NewDecryptionCache(
			cfg.Confidential,
			cfg.Wallet,
			cfg.Config.DecryptionTTL,
			log.WithField("component", "decryption-cache"),
		)
	}

	if err := o.applyNetwork(cfg.Wallet.ChainID()); err != nil {
		return nil, err
	}
	cfg.Wallet.OnChange(o.handleWalletChange)

	return o, nil
}

// Close stops background receipt watchers and waits for in-flight
// reconciliation to finish.
func (o *Orchestrator) Close() {
	o.tracker.Close()
	o.wg.Wait()
}

// Mode returns the active operating mode.
func (o *Orchestrator) Mode() config.Mode {
	return o.mode
}

// Sessions returns the session store.
func (o *Orchestrator) Sessions() *session.Store {
	return o.sessions
}

// Tracker returns the transaction tracker.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// Snapshot returns a copy of the full observable state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	snap := Snapshot{
		Mode:    o.mode,
		Account: o.wallet.Account(),
		ChainID: o.wallet.ChainID(),
		Busy:    o.busy > 0,
		LastErr: o.lastErr,
	}
	if o.balances.Native != nil {
		snap.Balances.Native = new(big.Int).Set(o.balances.Native)
	}
	if o.balances.Token != nil {
		snap.Balances.Token = new(big.Int).Set(o.balances.Token)
	}
	o.mu.RUnlock()

	snap.Sessions = o.sessions.Sessions()
	snap.Stats = o.sessions.Statistics()
	return snap
}

// Subscribe registers a snapshot listener invoked after every state change.
// Listeners run outside the core's locks and may call back into it.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) {
	o.mu.Lock()
	o.subs = append(o.subs, fn)
	o.mu.Unlock()
}

// Sync performs the initial balance refresh. Call once after New, before the
// first operation that depends on balances.
func (o *Orchestrator) Sync(ctx context.Context) error {
	if err := o.RefreshBalances(ctx); err != nil {
		return wrap(err)
	}
	o.notify()
	return nil
}

// RefreshBalances re-reads both balances from the ledger and installs them
// atomically: a snapshot never mixes a pre-swap native balance with a
// post-swap token balance.
func (o *Orchestrator) RefreshBalances(ctx context.Context) error {
	o.mu.RLock()
	token := o.token
	o.mu.RUnlock()
	account := o.wallet.Account()

	native, err := o.readNativeBalance(ctx, token, account)
	if err != nil {
		return fmt.Errorf("read native balance: %w", err)
	}
	tokenBal, err := o.readTokenBalance(ctx, token, account)
	if err != nil {
		return fmt.Errorf("read token balance: %w", err)
	}

	o.mu.Lock()
	o.balances = Balances{Native: native, Token: tokenBal}
	o.mu.Unlock()
	return nil
}

// ResyncSession reconciles a session whose start transaction timed out: it
// forces a receipt check and advances the session to match the ledger.
func (o *Orchestrator) ResyncSession(ctx context.Context, sessionID uint64) error {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return wrap(err)
	}
	if sess.Lifecycle != session.LifecyclePending {
		return nil
	}

	status, err := o.tracker.Resync(ctx, sess.TxID)
	if err != nil {
		return wrap(err)
	}

	switch status {
	case tracker.StatusConfirmed:
		if err := o.sessions.MarkConfirmed(sessionID); err != nil {
			return wrap(err)
		}
		o.refreshAndNotify()
	case tracker.StatusReverted, tracker.StatusFailedLocal:
		if err := o.sessions.MarkFailed(sessionID); err != nil {
			return wrap(err)
		}
		o.notify()
	}
	return nil
}

// handleWalletChange reacts to an account or network switch: scoped state is
// dropped, contract addresses are re-derived and balances re-read.
func (o *Orchestrator) handleWalletChange(change wallet.Change) {
	o.log.WithField("account", change.Account.Hex()).
		WithField("chain_id", change.ChainID).
		Info("wallet changed")

	if o.cache != nil {
		o.cache.Reset()
	}
	if err := o.applyNetwork(change.ChainID); err != nil {
		o.setLastErr(err)
		o.notify()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.RefreshBalances(ctx); err != nil {
		o.setLastErr(err)
	}
	o.notify()
}

// applyNetwork installs the deployment addresses for a chain ID.
func (o *Orchestrator) applyNetwork(chainID uint64) error {
	net, ok := o.cfg.Network(chainID)
	if !ok {
		return fmt.Errorf("chain %d has no configured deployment", chainID)
	}

	o.mu.Lock()
	o.game = common.HexToAddress(net.GameContract)
	o.token = common.HexToAddress(net.TokenContract)
	o.mu.Unlock()
	return nil
}

// readNativeBalance reads the account's native balance.
func (o *Orchestrator) readNativeBalance(ctx context.Context, token common.Address, account common.Address) (*big.Int, error) {
	raw, err := o.reader.CallReadOnly(ctx, chain.NativeBalanceOfCall(token, account))
	if err != nil {
		return nil, err
	}
	reply, err := chain.ParseBalanceReply(raw)
	if err != nil {
		return nil, err
	}
	return reply.ParseAmount()
}

// readTokenBalance reads the account's token balance. In confidential mode
// the ledger returns a ciphertext handle that is decrypted through the cache.
func (o *Orchestrator) readTokenBalance(ctx context.Context, token common.Address, account common.Address) (*big.Int, error) {
	raw, err := o.reader.CallReadOnly(ctx, chain.BalanceOfCall(token, account))
	if err != nil {
		return nil, err
	}
	reply, err := chain.ParseBalanceReply(raw)
	if err != nil {
		return nil, err
	}

	if o.mode == config.ModePlain {
		return reply.ParseAmount()
	}

	handle := confidential.HandleFromHex(reply.Handle)
	if err := o.cache.RequestDecryption(ctx, []confidential.Handle{handle}); err != nil {
		return nil, err
	}
	value, ok := o.cache.Get(handle)
	if !ok {
		return nil, fmt.Errorf("balance handle %s: %w", handle.Hex(), confidential.ErrUnknownHandle)
	}
	if o.metrics != nil {
		o.metrics.Decryptions.Inc()
	}
	return value.ToBig(), nil
}

// notify delivers a fresh snapshot to all subscribers.
func (o *Orchestrator) notify() {
	o.mu.RLock()
	subs := append(([]func(Snapshot))(nil), o.subs...)
	o.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	snap := o.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

// refreshAndNotify refreshes balances best-effort and notifies subscribers.
func (o *Orchestrator) refreshAndNotify() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.RefreshBalances(ctx); err != nil {
		o.log.WithError(err).Warn("balance refresh failed")
	}
	o.notify()
}

// setLastErr records the most recent operational error for snapshots.
func (o *Orchestrator) setLastErr(err error) {
	if err == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.OperationErrors.WithLabelValues(string(Classify(err))).Inc()
	}
	o.mu.Lock()
	o.lastErr = err.Error()
	o.mu.Unlock()
}

// clearLastErr resets the error surfaced in snapshots.
func (o *Orchestrator) clearLastErr() {
	o.mu.Lock()
	o.lastErr = ""
	o.mu.Unlock()
}

// beginOp marks the core busy for the duration of a background operation.
func (o *Orchestrator) beginOp() {
	o.mu.Lock()
	o.busy++
	o.mu.Unlock()
}

// endOp releases one busy marker.
func (o *Orchestrator) endOp() {
	o.mu.Lock()
	o.busy--
	o.mu.Unlock()
}
