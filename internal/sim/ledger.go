// Package sim provides in-process bindings of the ledger, the wallet and
// the dice game program. Tests and the demo CLI run the full orchestration
// flow against it; real deployments swap in the JSON-RPC client and a real
// wallet behind the same interfaces.
package sim

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/confidential"
)

// DefaultSwapRate is the fixed token/native exchange rate: tokens received
// per native unit sold.
var DefaultSwapRate = big.NewInt(100)

// LedgerConfig configures the simulated ledger.
type LedgerConfig struct {
	ChainID       uint64
	GameContract  common.Address
	TokenContract common.Address

	// Runtime is the confidentiality runtime the simulated program
	// evaluates over. Nil selects the plain (unencrypted) program.
	Runtime *confidential.MemoryClient

	// MineDelay is how long a receipt stays unavailable after broadcast.
	MineDelay time.Duration

	// SwapRate overrides DefaultSwapRate.
	SwapRate *big.Int
}

type round struct {
	player      common.Address
	diceCount   int
	prediction  uint8
	stake       *big.Int
	resolved    bool
	dice        []int
	diceHandles []confidential.Handle
}

type minedTx struct {
	receipt     chain.Receipt
	availableAt time.Time
}

// Ledger is an in-memory ledger running the dice game and token programs.
// Transactions execute on broadcast; their receipts become visible after
// MineDelay, exercising the same polling path as a real network.
type Ledger struct {
	chainID   uint64
	game      common.Address
	token     common.Address
	runtime   *confidential.MemoryClient
	mineDelay time.Duration
	swapRate  *big.Int

	mu       sync.Mutex
	height   uint64
	txSeq    uint64
	receipts map[common.Hash]*minedTx
	rounds   map[uint64]*round
	native   map[common.Address]*big.Int
	tokens   map[common.Address]*big.Int
	roll     func(n int) []int
}

// NewLedger creates a simulated ledger.
func NewLedger(cfg LedgerConfig) *Ledger {
	delay := cfg.MineDelay
	if delay <= 0 {
		delay = 10 * time.Millisecond
	}
	swapRate := cfg.SwapRate
	if swapRate == nil {
		swapRate = DefaultSwapRate
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Ledger{
		chainID:   cfg.ChainID,
		game:      cfg.GameContract,
		token:     cfg.TokenContract,
		runtime:   cfg.Runtime,
		mineDelay: delay,
		swapRate:  new(big.Int).Set(swapRate),
		receipts:  make(map[common.Hash]*minedTx),
		rounds:    make(map[uint64]*round),
		native:    make(map[common.Address]*big.Int),
		tokens:    make(map[common.Address]*big.Int),
		roll: func(n int) []int {
			dice := make([]int, n)
			for i := range dice {
				dice[i] = rng.Intn(6) + 1
			}
			return dice
		},
	}
}

// ChainID returns the simulated network id.
func (l *Ledger) ChainID() uint64 {
	return l.chainID
}

// SetRoll replaces the dice roller. Tests use it for deterministic faces.
func (l *Ledger) SetRoll(roll func(n int) []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll = roll
}

// MineAll makes every broadcast receipt immediately visible. Tests pair it
// with a long MineDelay to release transactions held past a confirmation
// deadline.
func (l *Ledger) MineAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, mined := range l.receipts {
		if mined.availableAt.After(now) {
			mined.availableAt = now
		}
	}
}

// FundNative credits an account's native balance.
func (l *Ledger) FundNative(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(l.native, account, amount)
}

// FundTokens credits an account's game token balance.
func (l *Ledger) FundTokens(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(l.tokens, account, amount)
}

// NativeBalance returns an account's native balance.
func (l *Ledger) NativeBalance(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(l.native, account))
}

// TokenBalance returns an account's game token balance.
func (l *Ledger) TokenBalance(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(l.tokens, account))
}

// Broadcast executes a signed contract call and returns its transaction
// hash. Execution failures surface as reverted receipts, exactly as on a
// real chain; the hash is always returned.
func (l *Ledger) Broadcast(from common.Address, call chain.ContractCall) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.txSeq++
	l.height++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.txSeq)
	txHash := crypto.Keccak256Hash(seq[:], from.Bytes(), []byte(call.Method))

	status := uint64(1)
	if err := l.execute(from, call); err != nil {
		status = 0
	}

	l.receipts[txHash] = &minedTx{
		receipt: chain.Receipt{
			TxHash:      txHash,
			BlockNumber: l.height,
			Status:      status,
			ConfirmedAt: time.Now().UTC().Add(l.mineDelay),
		},
		availableAt: time.Now().Add(l.mineDelay),
	}
	return txHash, nil
}

// Receipt implements chain.Reader.
func (l *Ledger) Receipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	mined, ok := l.receipts[txHash]
	if !ok || time.Now().Before(mined.availableAt) {
		return nil, chain.ErrReceiptNotFound
	}
	receipt := mined.receipt
	return &receipt, nil
}

// CallReadOnly implements chain.Reader.
func (l *Ledger) CallReadOnly(ctx context.Context, call chain.ContractCall) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch call.Method {
	case chain.MethodGetOutcome:
		return l.readOutcome(call)
	case chain.MethodBalanceOf:
		return l.readTokenBalance(call)
	case chain.MethodNativeBalanceOf:
		return l.readNativeBalance(call)
	default:
		return nil, fmt.Errorf("unknown read-only method %s", call.Method)
	}
}

// execute dispatches a state-changing call. Must hold the lock.
func (l *Ledger) execute(from common.Address, call chain.ContractCall) error {
	switch call.Method {
	case chain.MethodStartGame:
		return l.startGame(from, call.Args)
	case chain.MethodResolveGame:
		return l.resolveGame(from, call.Args)
	case chain.MethodMint:
		return l.mint(call.Args)
	case chain.MethodSwapNativeToken:
		return l.swapNativeToToken(from, call.Value)
	case chain.MethodSwapTokenNative:
		return l.swapTokenToNative(from, call.Args)
	default:
		return fmt.Errorf("unknown method %s", call.Method)
	}
}

func (l *Ledger) startGame(from common.Address, args []interface{}) error {
	if len(args) < 4 {
		return fmt.Errorf("startGame: want at least 4 args, got %d", len(args))
	}

	sessionID, ok := args[0].(uint64)
	if !ok {
		return fmt.Errorf("startGame: bad session id")
	}
	diceCount, ok := args[1].(uint64)
	if !ok || diceCount < 1 || diceCount > 3 {
		return fmt.Errorf("startGame: bad dice count")
	}
	if _, exists := l.rounds[sessionID]; exists {
		return fmt.Errorf("startGame: session %d already exists", sessionID)
	}

	prediction, stake, err := l.decodeGameInputs(args)
	if err != nil {
		return err
	}
	if prediction != chain.PredictionWireEven && prediction != chain.PredictionWireOdd {
		return fmt.Errorf("startGame: bad prediction %d", prediction)
	}
	if stake.Sign() <= 0 {
		return fmt.Errorf("startGame: non-positive stake")
	}

	balance := l.balance(l.tokens, from)
	if balance.Cmp(stake) < 0 {
		return fmt.Errorf("startGame: stake exceeds balance")
	}
	balance.Sub(balance, stake)

	l.rounds[sessionID] = &round{
		player:     from,
		diceCount:  int(diceCount),
		prediction: prediction,
		stake:      stake,
	}
	return nil
}

// decodeGameInputs extracts prediction and stake from either the
// confidential argument layout (handles, evaluated inside the runtime) or
// the plain one.
func (l *Ledger) decodeGameInputs(args []interface{}) (uint8, *big.Int, error) {
	if handle, ok := args[2].(confidential.Handle); ok {
		if l.runtime == nil {
			return 0, nil, fmt.Errorf("startGame: ciphertext args without runtime")
		}
		predValue, ok := l.runtime.Plaintext(handle)
		if !ok {
			return 0, nil, fmt.Errorf("startGame: unknown prediction handle")
		}
		stakeHandle, ok := args[3].(confidential.Handle)
		if !ok {
			return 0, nil, fmt.Errorf("startGame: bad stake handle")
		}
		stakeValue, ok := l.runtime.Plaintext(stakeHandle)
		if !ok {
			return 0, nil, fmt.Errorf("startGame: unknown stake handle")
		}
		return uint8(predValue.Uint64()), stakeValue.ToBig(), nil
	}

	prediction, ok := args[2].(uint8)
	if !ok {
		return 0, nil, fmt.Errorf("startGame: bad prediction")
	}
	stake, ok := args[3].(*big.Int)
	if !ok {
		return 0, nil, fmt.Errorf("startGame: bad stake")
	}
	return prediction, new(big.Int).Set(stake), nil
}

func (l *Ledger) resolveGame(from common.Address, args []interface{}) error {
	if len(args) < 1 {
		return fmt.Errorf("resolveGame: missing session id")
	}
	sessionID, ok := args[0].(uint64)
	if !ok {
		return fmt.Errorf("resolveGame: bad session id")
	}

	r, ok := l.rounds[sessionID]
	if !ok {
		return fmt.Errorf("resolveGame: unknown session %d", sessionID)
	}
	if r.player != from {
		return fmt.Errorf("resolveGame: not the session owner")
	}
	if r.resolved {
		return fmt.Errorf("resolveGame: session %d already resolved", sessionID)
	}

	r.dice = l.roll(r.diceCount)
	sum := 0
	for _, face := range r.dice {
		sum += face
	}

	won := (sum%2 == 0) == (r.prediction == chain.PredictionWireEven)
	if won {
		payout := new(big.Int).Mul(r.stake, big.NewInt(chain.PayoutNum))
		payout.Div(payout, big.NewInt(chain.PayoutDen))
		l.credit(l.tokens, r.player, payout)
	}

	if l.runtime != nil {
		r.diceHandles = make([]confidential.Handle, len(r.dice))
		for i, face := range r.dice {
			r.diceHandles[i] = l.runtime.Inject(uint256.NewInt(uint64(face)))
		}
	}
	r.resolved = true
	return nil
}

func (l *Ledger) mint(args []interface{}) error {
	if len(args) < 2 {
		return fmt.Errorf("mint: want 2 args, got %d", len(args))
	}
	account, ok := args[0].(common.Address)
	if !ok {
		return fmt.Errorf("mint: bad account")
	}
	amount, ok := args[1].(*big.Int)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("mint: bad amount")
	}
	l.credit(l.tokens, account, amount)
	return nil
}

func (l *Ledger) swapNativeToToken(from common.Address, value *big.Int) error {
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("swap: non-positive value")
	}

	native := l.balance(l.native, from)
	if native.Cmp(value) < 0 {
		return fmt.Errorf("swap: insufficient native balance")
	}

	native.Sub(native, value)
	l.credit(l.tokens, from, new(big.Int).Mul(value, l.swapRate))
	return nil
}

func (l *Ledger) swapTokenToNative(from common.Address, args []interface{}) error {
	if len(args) < 1 {
		return fmt.Errorf("swap: missing amount")
	}
	amount, ok := args[0].(*big.Int)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("swap: bad amount")
	}
	if new(big.Int).Mod(amount, l.swapRate).Sign() != 0 {
		return fmt.Errorf("swap: amount not divisible by rate")
	}

	tokens := l.balance(l.tokens, from)
	if tokens.Cmp(amount) < 0 {
		return fmt.Errorf("swap: insufficient token balance")
	}

	tokens.Sub(tokens, amount)
	l.credit(l.native, from, new(big.Int).Div(amount, l.swapRate))
	return nil
}

func (l *Ledger) readOutcome(call chain.ContractCall) ([]byte, error) {
	if len(call.Args) < 1 {
		return nil, fmt.Errorf("getOutcome: missing session id")
	}
	sessionID, ok := call.Args[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("getOutcome: bad session id")
	}

	r, found := l.rounds[sessionID]
	if !found {
		return nil, fmt.Errorf("getOutcome: unknown session %d", sessionID)
	}

	reply := chain.OutcomeReply{Resolved: r.resolved}
	if r.resolved {
		if l.runtime != nil {
			reply.DiceHandles = make([]string, len(r.diceHandles))
			for i, h := range r.diceHandles {
				reply.DiceHandles[i] = h.Hex()
			}
		} else {
			reply.Dice = append([]int(nil), r.dice...)
		}
	}
	return json.Marshal(reply)
}

func (l *Ledger) readTokenBalance(call chain.ContractCall) ([]byte, error) {
	account, err := accountArg(call.Args)
	if err != nil {
		return nil, err
	}

	balance := l.balance(l.tokens, account)
	if l.runtime != nil {
		encrypted, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, fmt.Errorf("balanceOf: balance overflows 256 bits")
		}
		handle := l.runtime.Inject(encrypted)
		return json.Marshal(chain.BalanceReply{Handle: handle.Hex()})
	}
	return json.Marshal(chain.BalanceReply{Amount: balance.String()})
}

func (l *Ledger) readNativeBalance(call chain.ContractCall) ([]byte, error) {
	account, err := accountArg(call.Args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(chain.BalanceReply{Amount: l.balance(l.native, account).String()})
}

func accountArg(args []interface{}) (common.Address, error) {
	if len(args) < 1 {
		return common.Address{}, fmt.Errorf("missing account argument")
	}
	account, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("bad account argument")
	}
	return account, nil
}

// balance returns the mutable balance entry for an account. Must hold the
// lock.
func (l *Ledger) balance(book map[common.Address]*big.Int, account common.Address) *big.Int {
	b, ok := book[account]
	if !ok {
		b = new(big.Int)
		book[account] = b
	}
	return b
}

// credit adds to an account balance. Must hold the lock.
func (l *Ledger) credit(book map[common.Address]*big.Int, account common.Address, amount *big.Int) {
	l.balance(book, account).Add(l.balance(book, account), amount)
}
