// Package tracker follows submitted ledger transactions through their
// lifecycle: Submitted -> Confirmed | Reverted, or FailedLocal when the
// signer declines before broadcast. Terminal states are sticky and each
// transaction delivers at most one terminal notification.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cipherdice/client_core/internal/chain"
	"github.com/cipherdice/client_core/internal/metrics"
	"github.com/cipherdice/client_core/pkg/logger"
)

var (
	// ErrSubmissionRejected indicates the signer declined; the transaction
	// never reached the ledger.
	ErrSubmissionRejected = errors.New("transaction submission rejected by signer")

	// ErrConfirmationTimeout indicates no terminal state arrived in time.
	// The transaction may still confirm out-of-band; the entry stays
	// Submitted and should be resynced, never assumed dead.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrUnknownTransaction indicates an unknown correlation id.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// Kind identifies what a transaction does.
type Kind string

const (
	KindGameStart   Kind = "game_start"
	KindGameResolve Kind = "game_resolve"
	KindSwap        Kind = "swap"
	KindMint        Kind = "mint"
)

// Status is the per-transaction lifecycle state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusConfirmed   Status = "confirmed"
	StatusReverted    Status = "reverted"
	StatusFailedLocal Status = "failed_local"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusReverted || s == StatusFailedLocal
}

// Submitter signs and broadcasts contract calls. wallet.Provider satisfies
// it.
type Submitter interface {
	SubmitTransaction(ctx context.Context, call chain.ContractCall) (common.Hash, error)
}

// PendingTransaction correlates a submitted transaction with the action that
// triggered it.
type PendingTransaction struct {
	ID          uuid.UUID
	Kind        Kind
	SessionID   uint64
	TxHash      common.Hash
	Status      Status
	SubmittedAt time.Time
	SettledAt   time.Time
	Err         string
}

type entry struct {
	tx   PendingTransaction
	done chan struct{}
}

// Config holds tracker configuration.
type Config struct {
	Wallet       Submitter
	Receipts     chain.Reader
	PollInterval time.Duration
	// SubmitRate caps broadcasts per second. Zero selects 2/s.
	SubmitRate float64
	Metrics    *metrics.Metrics
	Log        *logger.Logger
}

// Tracker owns all pending transaction records.
type Tracker struct {
	wallet   Submitter
	receipts chain.Reader
	poll     time.Duration
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a transaction lifecycle tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("wallet is required")
	}
	if cfg.Receipts == nil {
		return nil, fmt.Errorf("receipt source is required")
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	submitRate := cfg.SubmitRate
	if submitRate <= 0 {
		submitRate = 2
	}
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("tracker")
	}

	return &Tracker{
		wallet:   cfg.Wallet,
		receipts: cfg.Receipts,
		poll:     poll,
		limiter:  rate.NewLimiter(rate.Limit(submitRate), int(submitRate)+1),
		metrics:  cfg.Metrics,
		log:      log,
		entries:  make(map[uuid.UUID]*entry),
		quit:     make(chan struct{}),
	}, nil
}

// Submit broadcasts a contract call and starts following its receipt. It
// returns a correlation id immediately after broadcast. If the signer
// declines, the record is kept as FailedLocal and ErrSubmissionRejected is
// returned along with the id.
func (t *Tracker) Submit(ctx context.Context, kind Kind, sessionID uint64, call chain.ContractCall) (uuid.UUID, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("rate limit: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()

	txHash, err := t.wallet.SubmitTransaction(ctx, call)
	if err != nil {
		e := &entry{
			tx: PendingTransaction{
				ID:          id,
				Kind:        kind,
				SessionID:   sessionID,
				Status:      StatusFailedLocal,
				SubmittedAt: now,
				SettledAt:   now,
				Err:         err.Error(),
			},
			done: closedChan(),
		}
		t.mu.Lock()
		t.entries[id] = e
		t.mu.Unlock()

		if t.metrics != nil {
			t.metrics.TxRejected.WithLabelValues(string(kind)).Inc()
		}
		t.log.WithError(err).WithField("kind", kind).Warn("submission rejected")
		return id, fmt.Errorf("%s: %w", call.Method, ErrSubmissionRejected)
	}

	e := &entry{
		tx: PendingTransaction{
			ID:          id,
			Kind:        kind,
			SessionID:   sessionID,
			TxHash:      txHash,
			Status:      StatusSubmitted,
			SubmittedAt: now,
		},
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[id] = e
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.TxSubmitted.WithLabelValues(string(kind)).Inc()
	}
	t.log.WithField("tx", txHash.Hex()).
		WithField("kind", kind).
		Info("transaction submitted")

	t.wg.Add(1)
	go t.watch(id, txHash)

	return id, nil
}

// AwaitOutcome blocks the calling goroutine until the transaction reaches a
// terminal state or the context expires. On expiry it returns the current
// (non-terminal) status with ErrConfirmationTimeout without touching the
// record.
func (t *Tracker) AwaitOutcome(ctx context.Context, id uuid.UUID) (Status, error) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrUnknownTransaction)
	}

	select {
	case <-e.done:
		return t.status(id), nil
	case <-ctx.Done():
		return t.status(id), fmt.Errorf("%s: %w", id, ErrConfirmationTimeout)
	}
}

// Get returns a copy of the transaction record.
func (t *Tracker) Get(id uuid.UUID) (PendingTransaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return PendingTransaction{}, false
	}
	return e.tx, true
}

// Pending returns copies of all non-terminal records.
func (t *Tracker) Pending() []PendingTransaction {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PendingTransaction, 0)
	for _, e := range t.entries {
		if !e.tx.Status.Terminal() {
			out = append(out, e.tx)
		}
	}
	return out
}

// Resync forces an immediate receipt check for a still-pending transaction.
// Used after a confirmation timeout to reconcile an ambiguous outcome.
func (t *Tracker) Resync(ctx context.Context, id uuid.UUID) (Status, error) {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrUnknownTransaction)
	}
	if e.tx.Status.Terminal() {
		return e.tx.Status, nil
	}

	receipt, err := t.receipts.Receipt(ctx, e.tx.TxHash)
	if err != nil {
		if errors.Is(err, chain.ErrReceiptNotFound) {
			return StatusSubmitted, nil
		}
		return StatusSubmitted, fmt.Errorf("resync receipt: %w", err)
	}

	t.settle(id, receipt)
	return t.status(id), nil
}

// Close stops all receipt watchers and waits for them to exit.
func (t *Tracker) Close() {
	t.quitOnce.Do(func() { close(t.quit) })
	t.wg.Wait()
}

// watch polls for the transaction receipt until terminal delivery or
// shutdown.
func (t *Tracker) watch(id uuid.UUID, txHash common.Hash) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.poll*4)
			receipt, err := t.receipts.Receipt(ctx, txHash)
			cancel()

			if err != nil {
				if !errors.Is(err, chain.ErrReceiptNotFound) {
					t.log.WithError(err).WithField("tx", txHash.Hex()).Debug("receipt check failed")
				}
				continue
			}

			t.settle(id, receipt)
			return
		}
	}
}

// settle moves a record to its terminal ledger state. Idempotent: a record
// already terminal is left untouched so each transaction settles once.
func (t *Tracker) settle(id uuid.UUID, receipt *chain.Receipt) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.tx.Status.Terminal() {
		t.mu.Unlock()
		return
	}

	e.tx.SettledAt = time.Now().UTC()
	if receipt.Succeeded() {
		e.tx.Status = StatusConfirmed
	} else {
		e.tx.Status = StatusReverted
		e.tx.Err = "transaction reverted"
	}
	kind := e.tx.Kind
	status := e.tx.Status
	close(e.done)
	t.mu.Unlock()

	if t.metrics != nil {
		switch status {
		case StatusConfirmed:
			t.metrics.TxConfirmed.WithLabelValues(string(kind)).Inc()
		case StatusReverted:
			t.metrics.TxReverted.WithLabelValues(string(kind)).Inc()
		}
	}
	t.log.WithField("tx", e.tx.TxHash.Hex()).
		WithField("status", status).
		Info("transaction settled")
}

// status returns the current status under the read lock.
func (t *Tracker) status(id uuid.UUID) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[id]; ok {
		return e.tx.Status
	}
	return ""
}

// closedChan returns an already-closed channel for records born terminal.
func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
