// Package session owns the authoritative in-memory record of dice game
// sessions: their lifecycle state machine and derived statistics.
package session

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cipherdice/client_core/pkg/logger"
)

// ErrInvalidTransition indicates a lifecycle transition the state machine
// forbids. Under correct orchestration this never happens; treat it as a
// programming error, not a recoverable user error.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrSessionNotFound indicates an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

// Prediction is the player's even/odd call on the dice sum.
type Prediction string

const (
	PredictionEven Prediction = "even"
	PredictionOdd  Prediction = "odd"
)

// Matches reports whether the prediction matches a dice sum.
func (p Prediction) Matches(sum int) bool {
	if p == PredictionEven {
		return sum%2 == 0
	}
	return sum%2 == 1
}

// Lifecycle is the session state machine:
//
//	Pending -> Confirmed -> Resolved
//	Pending -> Failed
//	Confirmed -> Failed
//
// Resolved and Failed are terminal.
type Lifecycle string

const (
	LifecyclePending   Lifecycle = "pending"
	LifecycleConfirmed Lifecycle = "confirmed"
	LifecycleResolved  Lifecycle = "resolved"
	LifecycleFailed    Lifecycle = "failed"
)

// Outcome holds the resolved result of a session.
type Outcome struct {
	Dice   []int
	Won    bool
	Payout *big.Int
}

// GameSession is one dice game attempt. DiceCount, Prediction and Stake are
// fixed at creation; Outcome is set exactly when Lifecycle is Resolved.
type GameSession struct {
	ID          uint64
	DiceCount   int
	Prediction  Prediction
	Stake       *big.Int
	SubmittedAt time.Time
	Lifecycle   Lifecycle
	Outcome     *Outcome

	// TxID references (never owns) the tracker entry that carried the
	// session's start transaction.
	TxID uuid.UUID
}

// Statistics is derived from resolved sessions, recomputed from the store on
// every call and never cached separately.
//
// TotalStaked sums the stakes that actually left the balance: sessions that
// reached Confirmed or Resolved. Pending sessions and sessions that failed
// before confirmation never moved funds and do not count.
type Statistics struct {
	TotalGames  int
	Wins        int
	TotalStaked *big.Int
	NetProfit   *big.Int
}

// Store holds all game sessions for the connected account. Safe for
// concurrent use; session ids are assigned atomically and never reused.
type Store struct {
	mu       sync.RWMutex
	sessions map[uint64]*GameSession
	nextID   uint64
	log      *logger.Logger
}

// NewStore creates an empty session store.
func NewStore(log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("session-store")
	}
	return &Store{
		sessions: make(map[uint64]*GameSession),
		nextID:   1,
		log:      log,
	}
}

// CreatePending allocates a new session in the Pending state and returns its
// id.
func (s *Store) CreatePending(diceCount int, prediction Prediction, stake *big.Int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	s.sessions[id] = &GameSession{
		ID:          id,
		DiceCount:   diceCount,
		Prediction:  prediction,
		Stake:       new(big.Int).Set(stake),
		SubmittedAt: time.Now().UTC(),
		Lifecycle:   LifecyclePending,
	}

	s.log.WithField("session_id", id).
		WithField("dice_count", diceCount).
		WithField("prediction", prediction).
		Debug("session created")
	return id
}

// BindTransaction records the correlation id of the session's start
// transaction.
func (s *Store) BindTransaction(id uint64, txID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	sess.TxID = txID
	return nil
}

// MarkConfirmed transitions Pending -> Confirmed.
func (s *Store) MarkConfirmed(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if sess.Lifecycle != LifecyclePending {
		return fmt.Errorf("session %d is %s, want pending: %w", id, sess.Lifecycle, ErrInvalidTransition)
	}

	sess.Lifecycle = LifecycleConfirmed
	s.log.WithField("session_id", id).Debug("session confirmed")
	return nil
}

// MarkResolved transitions Confirmed -> Resolved and attaches the outcome.
func (s *Store) MarkResolved(id uint64, outcome Outcome) error {
	if outcome.Payout == nil {
		return fmt.Errorf("session %d: outcome payout missing: %w", id, ErrInvalidTransition)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if sess.Lifecycle != LifecycleConfirmed {
		return fmt.Errorf("session %d is %s, want confirmed: %w", id, sess.Lifecycle, ErrInvalidTransition)
	}

	out := Outcome{
		Dice:   append([]int(nil), outcome.Dice...),
		Won:    outcome.Won,
		Payout: new(big.Int).Set(outcome.Payout),
	}
	sess.Lifecycle = LifecycleResolved
	sess.Outcome = &out

	s.log.WithField("session_id", id).
		WithField("won", outcome.Won).
		Debug("session resolved")
	return nil
}

// MarkFailed transitions Pending or Confirmed -> Failed. Terminal.
func (s *Store) MarkFailed(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	if sess.Lifecycle != LifecyclePending && sess.Lifecycle != LifecycleConfirmed {
		return fmt.Errorf("session %d is %s: %w", id, sess.Lifecycle, ErrInvalidTransition)
	}

	sess.Lifecycle = LifecycleFailed
	s.log.WithField("session_id", id).Debug("session failed")
	return nil
}

// Get returns a copy of the session.
func (s *Store) Get(id uint64) (GameSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return GameSession{}, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return copySession(sess), nil
}

// Sessions returns copies of all sessions ordered by id.
func (s *Store) Sessions() []GameSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]GameSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Statistics recomputes derived statistics from the current store. Net
// profit is the sum of payout minus stake over resolved sessions.
func (s *Store) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{
		TotalStaked: new(big.Int),
		NetProfit:   new(big.Int),
	}

	for _, sess := range s.sessions {
		stats.TotalGames++
		if sess.Lifecycle == LifecycleConfirmed || sess.Lifecycle == LifecycleResolved {
			stats.TotalStaked.Add(stats.TotalStaked, sess.Stake)
		}

		if sess.Lifecycle != LifecycleResolved {
			continue
		}
		if sess.Outcome.Won {
			stats.Wins++
		}
		stats.NetProfit.Add(stats.NetProfit, sess.Outcome.Payout)
		stats.NetProfit.Sub(stats.NetProfit, sess.Stake)
	}
	return stats
}

func copySession(sess *GameSession) GameSession {
	out := *sess
	out.Stake = new(big.Int).Set(sess.Stake)
	if sess.Outcome != nil {
		o := Outcome{
			Dice:   append([]int(nil), sess.Outcome.Dice...),
			Won:    sess.Outcome.Won,
			Payout: new(big.Int).Set(sess.Outcome.Payout),
		}
		out.Outcome = &o
	}
	return out
}
