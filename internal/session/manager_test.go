package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazysuperheroes/hedera-multisig/internal/chain"
	"github.com/lazysuperheroes/hedera-multisig/internal/logging"
	"github.com/lazysuperheroes/hedera-multisig/internal/protocol"
	"github.com/lazysuperheroes/hedera-multisig/internal/sigverify"
	"github.com/lazysuperheroes/hedera-multisig/internal/testutil"
	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
)

// recorder captures every frame the manager emits.
type recorder struct {
	mu        sync.Mutex
	broadcast []protocol.Message
	direct    map[string][]protocol.Message // participantID -> frames
	closed    []string
}

func newRecorder() *recorder {
	return &recorder{direct: make(map[string][]protocol.Message)}
}

func (r *recorder) Broadcast(sessionID string, msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = append(r.broadcast, msg)
}

func (r *recorder) SendParticipant(sessionID, participantID string, msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[participantID] = append(r.direct[participantID], msg)
	return true
}

func (r *recorder) SendCoordinator(sessionID string, msg protocol.Message) {}

func (r *recorder) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, sessionID)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.broadcast))
	for i, m := range r.broadcast {
		out[i] = m.Type
	}
	return out
}

func (r *recorder) countType(msgType string) int {
	n := 0
	for _, t := range r.types() {
		if t == msgType {
			n++
		}
	}
	return n
}

type signer struct {
	key hedera.PrivateKey
	pub string
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := hedera.PrivateKeyGenerateEd25519()
	require.NoError(t, err)
	return signer{key: key, pub: key.PublicKey().String()}
}

// sign produces one signature per node body of the frozen transaction.
func (s signer) sign(t *testing.T, frozen []byte) [][]byte {
	t.Helper()
	bodies, err := chain.ExtractSigningBytes(frozen)
	require.NoError(t, err)
	sigs := make([][]byte, len(bodies))
	for i, b := range bodies {
		sigs[i] = s.key.Sign(b)
	}
	return sigs
}

type managerFixture struct {
	manager  *Manager
	store    *MemoryStore
	adapter  *chain.FakeAdapter
	recorder *recorder
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	logger := logging.New("error", "text")
	store := NewMemoryStore(time.Minute)
	adapter := &chain.FakeAdapter{}
	verifier := sigverify.New(adapter, 2*time.Second)
	rec := newRecorder()
	mgr := NewManager(store, verifier, adapter, logger).WithBroadcaster(rec)
	return &managerFixture{manager: mgr, store: store, adapter: adapter, recorder: rec}
}

func freshTransfer(t *testing.T) []byte {
	return testutil.FrozenTransfer(t, []testutil.TransferLeg{
		{AccountNum: 800, Amount: -100_000_000},
		{AccountNum: 801, Amount: 100_000_000},
	}, testutil.TxOptions{ValidStart: time.Now(), ValidDuration: 120 * time.Second})
}

func (f *managerFixture) createSession(t *testing.T, threshold int, signers []signer) *Session {
	t.Helper()
	keys := make([]string, len(signers))
	for i, s := range signers {
		keys[i] = s.pub
	}
	snap, connStr, err := f.manager.CreateSession(context.Background(), CreateConfig{
		Threshold:       threshold,
		EligibleKeys:    keys,
		ExpectedSigners: len(signers),
	})
	require.NoError(t, err)
	require.NotEmpty(t, snap.PIN)
	require.NotEmpty(t, connStr)
	return snap
}

func (f *managerFixture) join(t *testing.T, sessionID string, s signer) *Participant {
	t.Helper()
	ctx := context.Background()
	p, _, err := f.manager.JoinParticipant(ctx, sessionID, "")
	require.NoError(t, err)
	_, err = f.manager.OnParticipantReady(ctx, sessionID, p.ID, s.pub)
	require.NoError(t, err)
	return p
}

func (f *managerFixture) waitStatus(t *testing.T, sessionID string, want Status) *Session {
	t.Helper()
	var snap *Session
	require.Eventually(t, func() bool {
		var err error
		snap, err = f.store.Get(context.Background(), sessionID)
		return err == nil && snap.Status == want
	}, 3*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return snap
}

func TestManager_TwoOfThreeHappyPath(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)

	p1 := f.join(t, snap.ID, signers[0])
	p2 := f.join(t, snap.ID, signers[1])
	f.join(t, snap.ID, signers[2])

	frozen := freshTransfer(t)
	decoded, validation, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "transfer", string(decoded.Kind))
	assert.True(t, validation.Valid)

	// All three ready participants received the transaction.
	f.recorder.mu.Lock()
	directCount := len(f.recorder.direct)
	f.recorder.mu.Unlock()
	assert.Equal(t, 3, directCount)

	res, err := f.manager.OnSignatureSubmit(ctx, snap.ID, p1.ID, signers[0].pub, signers[0].sign(t, frozen))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.False(t, res.ThresholdMet)

	res, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p2.ID, signers[1].pub, signers[1].sign(t, frozen))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.True(t, res.ThresholdMet)

	final := f.waitStatus(t, snap.ID, StatusCompleted)
	require.NotNil(t, final.Result)
	assert.NotEmpty(t, final.Result.TransactionID)

	// Exactly two verified signatures recorded.
	assert.Len(t, final.Signatures, 2)
	for _, rec := range final.Signatures {
		assert.True(t, rec.Verified)
	}

	// Event ordering: accepted, accepted, threshold, executed — with the
	// threshold broadcast exactly once.
	types := f.recorder.types()
	assert.Equal(t, 1, f.recorder.countType(protocol.TypeThresholdMet))
	assert.Equal(t, 2, f.recorder.countType(protocol.TypeSignatureAccepted))
	assert.Equal(t, 1, f.recorder.countType(protocol.TypeTransactionExecuted))
	assert.Greater(t, indexOf(types, protocol.TypeTransactionExecuted), indexOf(types, protocol.TypeThresholdMet))

	assert.Equal(t, 1, f.adapter.SubmitCount())
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestManager_IneligibleSignerRejected(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)
	p, _, err := f.manager.JoinParticipant(ctx, snap.ID, "outsider")
	require.NoError(t, err)

	frozen := freshTransfer(t)
	_, _, err = f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	outsider := newSigner(t)
	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, outsider.pub, outsider.sign(t, frozen))
	assert.ErrorIs(t, err, ErrIneligibleKey)
	assert.Equal(t, "ineligible-key", ReasonCode(err))

	got, _ := f.store.Get(ctx, snap.ID)
	assert.Empty(t, got.Signatures)
	assert.Equal(t, StatusTransactionReceived, got.Status)
}

func TestManager_BadSignatureRejected(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)
	p := f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	// Signature by the right key over the wrong bytes.
	wrong := signers[0].key.Sign([]byte("not the signing bytes"))
	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, [][]byte{wrong})
	require.Error(t, err)
	var verr *sigverify.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, sigverify.ReasonFailed, verr.Reason)

	got, _ := f.store.Get(ctx, snap.ID)
	assert.Empty(t, got.Signatures)
}

func TestManager_DuplicateSubmitIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)
	p := f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	sigs := signers[0].sign(t, frozen)
	res, err := f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, sigs)
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)

	// Byte-identical resubmission: success, not re-counted.
	res, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, sigs)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, 1, res.Count)

	// Only the first acceptance was broadcast.
	assert.Equal(t, 1, f.recorder.countType(protocol.TypeSignatureAccepted))
}

func TestManager_ValidityWindowExpiredOnSubmit(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.SubmitFn = func(ctx context.Context, frozen []byte) (*chain.Result, error) {
		return nil, chain.WithKind(chain.KindValidityExpired, errors.New("TRANSACTION_EXPIRED"))
	}
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)
	p := f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, signers[0].sign(t, frozen))
	require.NoError(t, err)

	f.waitStatus(t, snap.ID, StatusExpired)
	require.Eventually(t, func() bool {
		return f.recorder.countType(protocol.TypeTransactionExpired) == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_TransientErrorRetriesOnce(t *testing.T) {
	f := newManagerFixture(t)
	attempts := 0
	f.adapter.SubmitFn = func(ctx context.Context, frozen []byte) (*chain.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, chain.WithKind(chain.KindTransient, errors.New("BUSY"))
		}
		return &chain.Result{TransactionID: "0.0.1001@1700000000.1", Receipt: "SUCCESS"}, nil
	}
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)
	p := f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, signers[0].sign(t, frozen))
	require.NoError(t, err)

	f.waitStatus(t, snap.ID, StatusCompleted)
	assert.Equal(t, 2, attempts)
}

func TestManager_OtherErrorFailsSession(t *testing.T) {
	f := newManagerFixture(t)
	f.adapter.SubmitFn = func(ctx context.Context, frozen []byte) (*chain.Result, error) {
		return nil, chain.WithKind(chain.KindOther, errors.New("INVALID_TRANSACTION"))
	}
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)
	p := f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p.ID, signers[0].pub, signers[0].sign(t, frozen))
	require.NoError(t, err)

	f.waitStatus(t, snap.ID, StatusFailed)
}

func TestManager_DisconnectAfterSigningKeepsSignature(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)
	p1 := f.join(t, snap.ID, signers[0])
	p2 := f.join(t, snap.ID, signers[1])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p1.ID, signers[0].pub, signers[0].sign(t, frozen))
	require.NoError(t, err)

	// P1 disconnects after signing.
	f.manager.OnDisconnect(ctx, snap.ID, p1.ID)
	got, _ := f.store.Get(ctx, snap.ID)
	assert.Equal(t, ParticipantDisconnected, got.Participants[p1.ID].Status)
	assert.Len(t, got.Signatures, 1)

	// P2 completes the threshold.
	_, err = f.manager.OnSignatureSubmit(ctx, snap.ID, p2.ID, signers[1].pub, signers[1].sign(t, frozen))
	require.NoError(t, err)
	f.waitStatus(t, snap.ID, StatusCompleted)
}

func TestManager_ReinjectionRefused(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	_, _, err = f.manager.InjectTransaction(ctx, snap.ID, freshTransfer(t), nil, nil)
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestManager_SelectorMismatchHaltsInjection(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)
	f.join(t, snap.ID, signers[0])

	// Call data selecting a different function than the claimed interface.
	data := append([]byte{0xde, 0xad, 0xbe, 0xef}, make([]byte, 32)...)
	raw := testutil.FrozenContractCall(t, 5005, 100_000, 0, data, testutil.TxOptions{
		ValidStart: time.Now(),
	})

	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, raw, []string{"setValue(uint256)"}, nil)
	require.Error(t, err)
	var derr *txdecode.DecodeError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "selector-mismatch", derr.Reason)

	// Session stays waiting; no participant saw a transaction.
	got, _ := f.store.Get(ctx, snap.ID)
	assert.Equal(t, StatusWaiting, got.Status)
	f.recorder.mu.Lock()
	for pid, frames := range f.recorder.direct {
		for _, frame := range frames {
			assert.NotEqual(t, protocol.TypeTransactionReceived, frame.Type, "participant %s got a transaction", pid)
		}
	}
	f.recorder.mu.Unlock()
}

func TestManager_CancelBroadcasts(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)

	require.NoError(t, f.manager.Cancel(ctx, snap.ID, "wrong amount"))
	got, _ := f.store.Get(ctx, snap.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, 1, f.recorder.countType(protocol.TypeSessionCancelled))

	// Cancelled sessions refuse injection.
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, freshTransfer(t), nil, nil)
	assert.ErrorIs(t, err, ErrSessionCancelled)
}

func TestManager_LateReadyReceivesTransaction(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t), newSigner(t)}
	snap := f.createSession(t, 2, signers)
	f.join(t, snap.ID, signers[0])

	frozen := freshTransfer(t)
	_, _, err := f.manager.InjectTransaction(ctx, snap.ID, frozen, nil, nil)
	require.NoError(t, err)

	// Second participant goes ready after injection and still gets the
	// transaction as part of its ready flow.
	late := f.join(t, snap.ID, signers[1])
	f.recorder.mu.Lock()
	frames := f.recorder.direct[late.ID]
	f.recorder.mu.Unlock()
	require.NotEmpty(t, frames)
	assert.Equal(t, protocol.TypeTransactionReceived, frames[len(frames)-1].Type)
}

func TestManager_JoinSanitizesLabel(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)

	p, _, err := f.manager.JoinParticipant(ctx, snap.ID, "  ops\x00 laptop  ")
	require.NoError(t, err)
	assert.Equal(t, "ops laptop", p.Label)

	got, _ := f.store.Get(ctx, snap.ID)
	assert.Equal(t, "ops laptop", got.Participants[p.ID].Label)
}

func TestManager_EarlyEligibilityCheckOnAuth(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	signers := []signer{newSigner(t)}
	snap := f.createSession(t, 1, signers)

	_, err := f.manager.Authenticate(ctx, snap.ID, snap.PIN, newSigner(t).pub)
	assert.ErrorIs(t, err, ErrIneligibleKey)

	_, err = f.manager.Authenticate(ctx, snap.ID, snap.PIN, signers[0].pub)
	assert.NoError(t, err)
}
