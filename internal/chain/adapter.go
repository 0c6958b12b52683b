// Package chain is the coordinator's sole dependency on the Hedera
// network. Everything else treats transactions as opaque frozen bytes.
package chain

import (
	"context"
	"errors"
)

// Result is the outcome of a successful submission.
type Result struct {
	TransactionID string `json:"transactionId"`
	Receipt       string `json:"receipt"`
}

// Adapter abstracts the Hedera SDK so the session core can be tested
// without a network and so another chain backend could be substituted.
type Adapter interface {
	// SigningBytes returns the canonical per-node body bytes a signer
	// must sign, one entry per node the transaction was frozen for.
	SigningBytes(frozen []byte) ([][]byte, error)
	// AttachSignature adds a signer's signatures (one per node body) to
	// the frozen transaction and returns the new serialized bytes.
	AttachSignature(frozen []byte, publicKey string, sigs [][]byte) ([]byte, error)
	// Submit executes the fully signed transaction and waits for the
	// receipt. Errors are classified via Classify.
	Submit(ctx context.Context, frozen []byte) (*Result, error)
}

// ErrorKind classifies submission failures for the session state machine.
type ErrorKind int

const (
	// KindOther is any terminal failure without special handling.
	KindOther ErrorKind = iota
	// KindTransient failures get one retry with a fresh client.
	KindTransient
	// KindValidityExpired means the transaction's validity window elapsed
	// before consensus; the session expires rather than fails.
	KindValidityExpired
	// KindInsufficientSignatures should be unreachable when the threshold
	// logic holds; it is surfaced as failed and logged as an invariant
	// violation.
	KindInsufficientSignatures
)

// classifiedError wraps a submission error with its kind.
type classifiedError struct {
	kind ErrorKind
	err  error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// WithKind tags err with a classification. Used by adapter
// implementations and by tests scripting failure modes.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Classify returns the error kind of a submission failure.
func Classify(err error) ErrorKind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindValidityExpired
	}
	return KindOther
}
