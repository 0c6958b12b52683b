package chain

import (
	"context"
	"sync"
)

// FakeAdapter is a scriptable Adapter for tests. SigningBytes and
// AttachSignature delegate to the real protobuf layer unless overridden,
// so signature plumbing is exercised even in tests.
type FakeAdapter struct {
	mu sync.Mutex

	// SubmitFn scripts the outcome; nil means a generic success.
	SubmitFn func(ctx context.Context, frozen []byte) (*Result, error)
	// SigningBytesFn overrides body extraction when set.
	SigningBytesFn func(frozen []byte) ([][]byte, error)

	// Submissions records every frozen blob passed to Submit.
	Submissions [][]byte
}

func (f *FakeAdapter) SigningBytes(frozen []byte) ([][]byte, error) {
	if f.SigningBytesFn != nil {
		return f.SigningBytesFn(frozen)
	}
	return ExtractSigningBytes(frozen)
}

func (f *FakeAdapter) AttachSignature(frozen []byte, publicKey string, sigs [][]byte) ([]byte, error) {
	// Attachment goes through the real protobuf path.
	real := &HederaAdapter{}
	return real.AttachSignature(frozen, publicKey, sigs)
}

func (f *FakeAdapter) Submit(ctx context.Context, frozen []byte) (*Result, error) {
	f.mu.Lock()
	f.Submissions = append(f.Submissions, append([]byte(nil), frozen...))
	f.mu.Unlock()
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, frozen)
	}
	return &Result{TransactionID: "0.0.2@1700000000.000000001", Receipt: "SUCCESS"}, nil
}

// SubmitCount returns how many times Submit was called.
func (f *FakeAdapter) SubmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submissions)
}
