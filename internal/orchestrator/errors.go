package orchestrator

import (
	"errors"

	"github.com/cipherdice/client_core/internal/confidential"
	"github.com/cipherdice/client_core/internal/session"
	"github.com/cipherdice/client_core/internal/tracker"
	"github.com/cipherdice/client_core/internal/wallet"
)

var (
	// ErrInvalidInput indicates caller-side validation failed; nothing
	// reached the network and no state changed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotReady indicates the session has not confirmed yet.
	ErrNotReady = errors.New("session not ready")

	// ErrAlreadyResolved indicates the session already has an outcome.
	ErrAlreadyResolved = errors.New("session already resolved")

	// ErrInsufficientBalance indicates the swap amount exceeds the
	// available balance for its direction.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTransactionReverted indicates a ledger-confirmed failure.
	ErrTransactionReverted = errors.New("transaction reverted")
)

// Kind is the machine-checkable error category surfaced to the presentation
// layer alongside the human-readable message.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindEncryptionUnavailable Kind = "encryption_unavailable"
	KindSubmissionRejected    Kind = "submission_rejected"
	KindConfirmationTimeout   Kind = "confirmation_timeout"
	KindTransactionReverted   Kind = "transaction_reverted"
	KindAuthorizationRequired Kind = "authorization_required"
	KindInsufficientBalance   Kind = "insufficient_balance"
	KindInvalidTransition     Kind = "invalid_transition"
	KindNotReady              Kind = "not_ready"
	KindAlreadyResolved       Kind = "already_resolved"
	KindSessionNotFound       Kind = "session_not_found"
	KindInternal              Kind = "internal"
)

// Error pairs a human-readable message with a machine-checkable kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an error to its kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, confidential.ErrEncryptionUnavailable),
		errors.Is(err, confidential.ErrInvalidFieldWidth),
		errors.Is(err, confidential.ErrRequestSealed):
		return KindEncryptionUnavailable
	case errors.Is(err, tracker.ErrSubmissionRejected), errors.Is(err, wallet.ErrRejected):
		return KindSubmissionRejected
	case errors.Is(err, tracker.ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrTransactionReverted):
		return KindTransactionReverted
	case errors.Is(err, confidential.ErrAuthorizationRequired):
		return KindAuthorizationRequired
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, session.ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotReady):
		return KindNotReady
	case errors.Is(err, ErrAlreadyResolved):
		return KindAlreadyResolved
	case errors.Is(err, session.ErrSessionNotFound):
		return KindSessionNotFound
	default:
		return KindInternal
	}
}

// wrap turns any error into an *Error with its classified kind. Existing
// *Error values pass through unchanged.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return err
	}
	return &Error{
		Kind:    Classify(err),
		Message: err.Error(),
		Err:     err,
	}
}
