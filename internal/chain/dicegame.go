package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cipherdice/client_core/internal/confidential"
)

// Dice game contract surface. Method names and argument ordering are the
// wire contract; both the JSON-RPC gateway and the in-memory simulator
// dispatch on them.
const (
	MethodStartGame   = "startGame"
	MethodResolveGame = "resolveGame"
	MethodGetOutcome  = "getOutcome"

	MethodBalanceOf       = "balanceOf"
	MethodNativeBalanceOf = "nativeBalanceOf"
	MethodMint            = "mint"
	MethodSwapNativeToken = "swapNativeToToken"
	MethodSwapTokenNative = "swapTokenToNative"
)

// Payout multiplier for a winning game: payout = stake * PayoutNum / PayoutDen.
const (
	PayoutNum = 195
	PayoutDen = 100
)

// Prediction wire encoding for the 8-bit encrypted prediction field.
const (
	PredictionWireEven uint8 = 0
	PredictionWireOdd  uint8 = 1
)

// SwapDirection selects which leg of the native/token pair is sold.
type SwapDirection string

const (
	SwapNativeToToken SwapDirection = "native_to_token"
	SwapTokenToNative SwapDirection = "token_to_native"
)

// StartGameConfidentialCall builds the confidential start call: the
// prediction and stake travel as ciphertext handles with their proofs, in
// the same order they were encrypted.
func StartGameConfidentialCall(game common.Address, sessionID uint64, diceCount int, prediction, stake confidential.Ciphertext) ContractCall {
	return ContractCall{
		Contract: game,
		Method:   MethodStartGame,
		Args: []interface{}{
			sessionID,
			uint64(diceCount),
			prediction.Handle,
			stake.Handle,
			prediction.Proof,
			stake.Proof,
		},
	}
}

// StartGamePlainCall builds the unencrypted demo-mode start call.
func StartGamePlainCall(game common.Address, sessionID uint64, diceCount int, prediction uint8, stake *big.Int) ContractCall {
	return ContractCall{
		Contract: game,
		Method:   MethodStartGame,
		Args: []interface{}{
			sessionID,
			uint64(diceCount),
			prediction,
			new(big.Int).Set(stake),
		},
	}
}

// ResolveGameCall builds the resolution call for a started game.
func ResolveGameCall(game common.Address, sessionID uint64) ContractCall {
	return ContractCall{
		Contract: game,
		Method:   MethodResolveGame,
		Args:     []interface{}{sessionID},
	}
}

// OutcomeCall builds the read-only outcome query.
func OutcomeCall(game common.Address, sessionID uint64) ContractCall {
	return ContractCall{
		Contract: game,
		Method:   MethodGetOutcome,
		Args:     []interface{}{sessionID},
	}
}

// BalanceOfCall builds the read-only token balance query.
func BalanceOfCall(token common.Address, account common.Address) ContractCall {
	return ContractCall{
		Contract: token,
		Method:   MethodBalanceOf,
		Args:     []interface{}{account},
	}
}

// NativeBalanceOfCall builds the read-only native balance query.
func NativeBalanceOfCall(token common.Address, account common.Address) ContractCall {
	return ContractCall{
		Contract: token,
		Method:   MethodNativeBalanceOf,
		Args:     []interface{}{account},
	}
}

// MintCall builds the faucet mint call. Minted amounts are not confidential.
func MintCall(token common.Address, account common.Address, amount *big.Int) ContractCall {
	return ContractCall{
		Contract: token,
		Method:   MethodMint,
		Args:     []interface{}{account, new(big.Int).Set(amount)},
	}
}

// SwapCall builds a swap of the given direction. Selling native attaches the
// amount as the value transfer; selling tokens passes it as an argument.
func SwapCall(token common.Address, direction SwapDirection, amount *big.Int) ContractCall {
	if direction == SwapNativeToToken {
		return ContractCall{
			Contract: token,
			Method:   MethodSwapNativeToken,
			Value:    new(big.Int).Set(amount),
		}
	}
	return ContractCall{
		Contract: token,
		Method:   MethodSwapTokenNative,
		Args:     []interface{}{new(big.Int).Set(amount)},
	}
}

// OutcomeReply is the getOutcome return value. Confidential deployments
// publish one ciphertext handle per die; plain deployments publish the faces
// directly.
type OutcomeReply struct {
	Resolved    bool     `json:"resolved"`
	DiceHandles []string `json:"dice_handles,omitempty"`
	Dice        []int    `json:"dice,omitempty"`
}

// ParseOutcomeReply decodes a getOutcome return value.
func ParseOutcomeReply(raw []byte) (*OutcomeReply, error) {
	var reply OutcomeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parse outcome reply: %w", err)
	}
	return &reply, nil
}

// BalanceReply is the balanceOf return value: a ciphertext handle for
// confidential balances, a decimal amount otherwise.
type BalanceReply struct {
	Handle string `json:"handle,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// ParseBalanceReply decodes a balanceOf return value.
func ParseBalanceReply(raw []byte) (*BalanceReply, error) {
	var reply BalanceReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parse balance reply: %w", err)
	}
	return &reply, nil
}

// ParseAmount decodes the plain decimal amount of a reply.
func (r *BalanceReply) ParseAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("parse balance amount %q", r.Amount)
	}
	return amount, nil
}
