// Package sigverify validates candidate signatures against a frozen
// transaction before the session core counts them.
//
// For single-node transactions the one signature must verify against the
// canonical signing bytes under the claimed key. For multi-node
// transactions every supplied signature must verify against its
// corresponding node body; a partial match fails.
package sigverify

import (
	"context"
	"strconv"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
)

// Reason is a stable rejection code.
type Reason string

const (
	ReasonMalformedKey       Reason = "malformed-key"
	ReasonMalformedSignature Reason = "malformed-signature"
	ReasonWrongCount         Reason = "wrong-count"
	ReasonFailed             Reason = "verification-failed"
)

// Error is a verification failure with its reason code.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return string(e.Reason) + ": " + e.Message }

// SigningBytesProvider extracts per-node signing bodies from frozen bytes.
// The chain adapter satisfies this.
type SigningBytesProvider interface {
	SigningBytes(frozen []byte) ([][]byte, error)
}

// DefaultTimeout is the soft deadline per verification; a key that makes
// verification hang is treated as failed rather than blocking the session.
const DefaultTimeout = 2 * time.Second

// Verifier checks signatures cryptographically. Key type (Ed25519 or
// ECDSA secp256k1) is inferred from the encoded key by the SDK.
type Verifier struct {
	bodies  SigningBytesProvider
	timeout time.Duration
}

// New creates a Verifier backed by the given signing-bytes provider.
func New(bodies SigningBytesProvider, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{bodies: bodies, timeout: timeout}
}

// Verify checks sigs against the frozen transaction under publicKey.
// Returns nil when every node body verifies.
func (v *Verifier) Verify(ctx context.Context, frozen []byte, publicKey string, sigs [][]byte) error {
	pk, err := hedera.PublicKeyFromString(publicKey)
	if err != nil {
		return &Error{Reason: ReasonMalformedKey, Message: err.Error()}
	}
	if len(sigs) == 0 {
		return &Error{Reason: ReasonMalformedSignature, Message: "no signature supplied"}
	}
	for i, sig := range sigs {
		if len(sig) == 0 {
			return &Error{Reason: ReasonMalformedSignature, Message: "empty signature at index " + strconv.Itoa(i)}
		}
	}

	bodies, err := v.bodies.SigningBytes(frozen)
	if err != nil {
		return &Error{Reason: ReasonFailed, Message: err.Error()}
	}
	if len(sigs) != len(bodies) {
		return &Error{
			Reason:  ReasonWrongCount,
			Message: "got " + strconv.Itoa(len(sigs)) + " signatures for " + strconv.Itoa(len(bodies)) + " node bodies",
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for i := range bodies {
			if !pk.Verify(bodies[i], sigs[i]) {
				done <- &Error{Reason: ReasonFailed, Message: "signature does not verify for node body " + strconv.Itoa(i)}
				return
			}
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return &Error{Reason: ReasonFailed, Message: "verification deadline exceeded"}
	case err := <-done:
		return err
	}
}
