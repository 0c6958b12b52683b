package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lazysuperheroes/hedera-multisig/internal/chain"
	"github.com/lazysuperheroes/hedera-multisig/internal/connstring"
	"github.com/lazysuperheroes/hedera-multisig/internal/idgen"
	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
	"github.com/lazysuperheroes/hedera-multisig/internal/protocol"
	"github.com/lazysuperheroes/hedera-multisig/internal/retry"
	"github.com/lazysuperheroes/hedera-multisig/internal/sigverify"
	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
	"github.com/lazysuperheroes/hedera-multisig/internal/validation"
)

// DefaultSessionTimeout bounds a session's total lifetime. It is
// deliberately much longer than any transaction validity window:
// participants may need a long time to assemble.
const DefaultSessionTimeout = time.Hour

// validityEpsilon is subtracted from the transaction's expiry when
// bounding the execution attempt, leaving headroom for consensus.
const validityEpsilon = 5 * time.Second

// Manager orchestrates the session lifecycle. It is the only component
// that drives state transitions through the Store, decodes transactions,
// verifies signatures, and calls the chain adapter.
type Manager struct {
	store       Store
	verifier    *sigverify.Verifier
	adapter     chain.Adapter
	broadcaster Broadcaster
	logger      *slog.Logger

	defaultTimeout time.Duration
	serverURL      func() string // resolved late: the tunnel may rewrite it

	// inflight tracks cancellation funcs for executing submissions so
	// expiry can abort them best-effort.
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewManager wires the orchestration core. The broadcaster may be set
// later with WithBroadcaster (the transport is constructed afterwards).
func NewManager(store Store, verifier *sigverify.Verifier, adapter chain.Adapter, logger *slog.Logger) *Manager {
	return &Manager{
		store:          store,
		verifier:       verifier,
		adapter:        adapter,
		broadcaster:    nopBroadcaster{},
		logger:         logger,
		defaultTimeout: DefaultSessionTimeout,
		serverURL:      func() string { return "" },
		inflight:       make(map[string]context.CancelFunc),
	}
}

// WithBroadcaster attaches the transport's outbound half.
func (m *Manager) WithBroadcaster(b Broadcaster) *Manager {
	m.broadcaster = b
	return m
}

// WithServerURL sets the resolver for the URL embedded in connection
// strings. The tunnel collaborator may change what it returns at runtime.
func (m *Manager) WithServerURL(fn func() string) *Manager {
	m.serverURL = fn
	return m
}

// WithDefaultTimeout overrides the default session lifetime.
func (m *Manager) WithDefaultTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.defaultTimeout = d
	}
	return m
}

// Store exposes the underlying store for read-only callers (REST views).
func (m *Manager) Store() Store { return m.store }

// CreateSession validates the config, generates the session ID and PIN,
// decodes any pre-supplied transaction (decode failure cancels creation),
// and stores the session.
func (m *Manager) CreateSession(ctx context.Context, cfg CreateConfig) (*Session, string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	pin := cfg.PIN
	if pin == "" {
		pin = GeneratePIN(DefaultPINLength)
	}

	var decoded *txdecode.Decoded
	if len(cfg.FrozenTx) > 0 {
		var err error
		decoded, err = txdecode.Decode(cfg.FrozenTx, nil)
		if err != nil {
			return nil, "", err
		}
	}

	now := time.Now()
	s := &Session{
		ID:              idgen.Hex(16),
		PIN:             pin,
		Threshold:       cfg.Threshold,
		EligibleKeys:    append([]string(nil), cfg.EligibleKeys...),
		ExpectedSigners: cfg.ExpectedSigners,
		FrozenTx:        cfg.FrozenTx,
		Decoded:         decoded,
		Metadata:        cfg.Metadata,
		CreatedAt:       now,
		ExpiresAt:       now.Add(timeout),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, "", err
	}

	connStr := connstring.Encode(connstring.Coordinates{
		ServerURL: m.serverURL(),
		SessionID: s.ID,
		PIN:       pin,
	})

	metrics.SessionsCreated.Inc()
	m.logger.Info("session created",
		"session_id", s.ID,
		"threshold", s.Threshold,
		"eligible_keys", len(s.EligibleKeys),
		"expires_at", s.ExpiresAt,
	)
	snap, err := m.store.Get(ctx, s.ID)
	if err != nil {
		return nil, "", err
	}
	return snap, connStr, nil
}

// Authenticate checks the PIN for either role. For participants with an
// early public key, eligibility is validated here so an ineligible signer
// learns before going ready.
func (m *Manager) Authenticate(ctx context.Context, sessionID, pin, publicKey string) (*Session, error) {
	snap, err := m.store.Authenticate(ctx, sessionID, pin)
	if err != nil {
		return nil, err
	}
	if publicKey != "" && !snap.Eligible(publicKey) {
		return nil, ErrIneligibleKey
	}
	return snap, nil
}

// JoinParticipant registers an authenticated participant and announces it.
// The label is client-supplied display text and is sanitized before it is
// stored or broadcast.
func (m *Manager) JoinParticipant(ctx context.Context, sessionID, label string) (*Participant, *Session, error) {
	p := &Participant{
		ID:     idgen.WithPrefix("p_"),
		Label:  validation.SanitizeLabel(label),
		Status: ParticipantConnected,
	}
	if err := m.store.AddParticipant(ctx, sessionID, p); err != nil {
		return nil, nil, err
	}
	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	metrics.ParticipantsJoined.Inc()
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeParticipantConnected,
		protocol.ParticipantEvent{ParticipantID: p.ID, Label: p.Label}))
	return p, snap, nil
}

// InjectTransaction decodes, validates metadata, atomically installs the
// transaction, and fans it out to every currently ready participant.
// Participants that become ready later receive it in their ready ack.
func (m *Manager) InjectTransaction(ctx context.Context, sessionID string, raw []byte, contractInterface []string, metadata map[string]string) (*txdecode.Decoded, *txdecode.MetadataValidation, error) {
	decoded, err := txdecode.Decode(raw, contractInterface)
	if err != nil {
		return nil, nil, err
	}
	validation := txdecode.ValidateMetadata(decoded, metadata)

	if err := m.store.InjectTransaction(ctx, sessionID, raw, decoded, contractInterface, metadata); err != nil {
		return nil, nil, err
	}

	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	payload := transactionPayload(snap, validation)
	sent := 0
	for _, p := range snap.Participants {
		if p.Status != ParticipantReady {
			continue
		}
		if m.broadcaster.SendParticipant(sessionID, p.ID, protocol.New(protocol.TypeTransactionReceived, payload)) {
			sent++
			_ = m.store.SetParticipantStatus(ctx, sessionID, p.ID, ParticipantReviewing)
		}
	}

	metrics.TransactionsInjected.Inc()
	m.logger.Info("transaction injected",
		"session_id", sessionID,
		"type", decoded.Kind,
		"checksum", decoded.Checksum,
		"ready_recipients", sent,
		"metadata_valid", validation.Valid,
	)
	return decoded, validation, nil
}

// OnParticipantReady validates eligibility, marks readiness, announces it
// (participant ID only; the key is never broadcast), and hands the
// transaction to the new signer if one is already installed.
func (m *Manager) OnParticipantReady(ctx context.Context, sessionID, participantID, publicKey string) (*Session, error) {
	if err := m.store.SetParticipantReady(ctx, sessionID, participantID, publicKey); err != nil {
		return nil, err
	}
	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeParticipantReadyEvent,
		protocol.ParticipantEvent{ParticipantID: participantID}))

	if len(snap.FrozenTx) > 0 {
		validation := txdecode.ValidateMetadata(snap.Decoded, snap.Metadata)
		if m.broadcaster.SendParticipant(sessionID, participantID,
			protocol.New(protocol.TypeTransactionReceived, transactionPayload(snap, validation))) {
			_ = m.store.SetParticipantStatus(ctx, sessionID, participantID, ParticipantReviewing)
		}
	}
	return snap, nil
}

// SubmitResult reports the outcome of an accepted signature.
type SubmitResult struct {
	Count        int
	Threshold    int
	ThresholdMet bool
	Idempotent   bool // byte-identical resubmission; not re-counted
}

// OnSignatureSubmit runs the full acceptance pipeline: status gate,
// eligibility, duplicate detection, cryptographic verification, atomic
// recording, threshold detection, and execution kick-off.
//
// Every submission yields exactly one terminal response on the submitting
// connection: the returned result on acceptance, or an error the transport
// maps to SIGNATURE_REJECTED.
func (m *Manager) OnSignatureSubmit(ctx context.Context, sessionID, participantID, publicKey string, sigs [][]byte) (*SubmitResult, error) {
	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case snap.Status.Terminal():
		return nil, terminalError(snap)
	case snap.Status == StatusExecuting:
		metrics.SignaturesRejected.WithLabelValues(ErrThresholdMet.Code).Inc()
		return nil, ErrThresholdMet
	case snap.Status != StatusTransactionReceived && snap.Status != StatusSigning:
		return nil, ErrNotAcceptingSigs
	}
	if !snap.Eligible(publicKey) {
		metrics.SignaturesRejected.WithLabelValues(ErrIneligibleKey.Code).Inc()
		return nil, ErrIneligibleKey
	}
	if existing, ok := snap.Signatures[publicKey]; ok {
		if signatureBytesEqual(existing.Signatures, sigs) {
			return &SubmitResult{
				Count:      len(snap.Signatures),
				Threshold:  snap.Threshold,
				Idempotent: true,
			}, nil
		}
		metrics.SignaturesRejected.WithLabelValues(ErrDuplicateKey.Code).Inc()
		return nil, ErrDuplicateKey
	}

	if err := m.verifier.Verify(ctx, snap.FrozenTx, publicKey, sigs); err != nil {
		var verr *sigverify.Error
		if errors.As(err, &verr) {
			metrics.SignaturesRejected.WithLabelValues(string(verr.Reason)).Inc()
		}
		return nil, err
	}

	count, met, err := m.store.RecordSignature(ctx, sessionID, &SignatureRecord{
		PublicKey:     publicKey,
		Signatures:    sigs,
		ParticipantID: participantID,
		Verified:      true,
	})
	if err != nil {
		// A concurrent submission may have won the race after our
		// snapshot; duplicates are still idempotent on identical bytes.
		if errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrThresholdMet) {
			metrics.SignaturesRejected.WithLabelValues(ReasonCode(err)).Inc()
		}
		return nil, err
	}

	metrics.SignaturesAccepted.Inc()
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeSignatureAccepted,
		protocol.SignatureAccepted{PublicKey: publicKey, Count: count, Threshold: snap.Threshold}))
	m.logger.Info("signature accepted",
		"session_id", sessionID,
		"participant_id", participantID,
		"count", count,
		"threshold", snap.Threshold,
	)

	res := &SubmitResult{Count: count, Threshold: snap.Threshold, ThresholdMet: met}
	if met {
		// The threshold fires exactly once: RecordSignature reports it for
		// every acceptance at or past M, but MarkExecuting is legal only
		// from signing, so only the first such acceptance gets past it.
		if err := m.store.MarkExecuting(ctx, sessionID); err != nil {
			return res, nil
		}
		m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeThresholdMet,
			protocol.ThresholdMet{Count: count}))
		go m.execute(sessionID)
	}
	return res, nil
}

// execute attaches all recorded signatures and submits. The broadcast
// ordering guarantee holds because THRESHOLD_MET was emitted before this
// goroutine started and the terminal broadcast happens at its end.
func (m *Manager) execute(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.inflight[sessionID] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.inflight, sessionID)
		m.mu.Unlock()
	}()

	snap, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.logger.Error("execute: session vanished", "session_id", sessionID, "error", err)
		return
	}

	// Bound the attempt by the transaction validity window.
	if snap.Decoded != nil && snap.Decoded.ExpiresAtUnix > 0 {
		deadline := time.Unix(snap.Decoded.ExpiresAtUnix, 0).Add(-validityEpsilon)
		if time.Now().After(deadline) {
			m.expireDuringExecution(sessionID, "validity window elapsed before submission")
			return
		}
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, deadline)
		defer dcancel()
	}

	signed := snap.FrozenTx
	for _, rec := range snap.Signatures {
		signed, err = m.adapter.AttachSignature(signed, rec.PublicKey, rec.Signatures)
		if err != nil {
			m.failExecution(sessionID, "attach signature: "+err.Error(), "other")
			return
		}
	}

	// Transient failures get exactly one retry; Submit builds a fresh
	// client per call so the retry never reuses a poisoned channel.
	var result *chain.Result
	err = retry.Do(ctx, 2, time.Second, func() error {
		var serr error
		result, serr = m.adapter.Submit(ctx, signed)
		if serr == nil {
			return nil
		}
		if chain.Classify(serr) != chain.KindTransient {
			return retry.Permanent(serr)
		}
		m.logger.Warn("transient submission failure, retrying with fresh client",
			"session_id", sessionID, "error", serr)
		return serr
	})

	if err != nil {
		switch chain.Classify(err) {
		case chain.KindValidityExpired:
			m.expireDuringExecution(sessionID, err.Error())
		case chain.KindInsufficientSignatures:
			// The threshold guarantees should have prevented this.
			m.logger.Error("invariant violation: chain reports insufficient signatures",
				"session_id", sessionID, "error", err)
			m.failExecution(sessionID, err.Error(), ErrInvariantViolated.Code)
		default:
			m.failExecution(sessionID, err.Error(), "other")
		}
		return
	}

	if err := m.store.MarkCompleted(context.Background(), sessionID, &ExecutionResult{
		TransactionID: result.TransactionID,
		Receipt:       result.Receipt,
	}); err != nil {
		m.logger.Error("mark completed", "session_id", sessionID, "error", err)
	}
	metrics.Executions.WithLabelValues("completed").Inc()
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeTransactionExecuted,
		protocol.TransactionExecuted{TransactionID: result.TransactionID, Receipt: result.Receipt}))
	m.logger.Info("session completed",
		"session_id", sessionID,
		"transaction_id", result.TransactionID,
		"receipt", result.Receipt,
	)
}

// Terminal marks run on a fresh context: the execution context may
// already be past its validity deadline or cancelled.

func (m *Manager) failExecution(sessionID, reason, code string) {
	ctx := context.Background()
	if err := m.store.MarkFailed(ctx, sessionID, reason); err != nil {
		m.logger.Error("mark failed", "session_id", sessionID, "error", err)
	}
	metrics.Executions.WithLabelValues("failed").Inc()
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeError,
		protocol.SessionFailed{Message: reason, Code: code}))
	m.logger.Error("session failed", "session_id", sessionID, "reason", reason)
}

func (m *Manager) expireDuringExecution(sessionID, reason string) {
	ctx := context.Background()
	if snap, err := m.store.Get(ctx, sessionID); err == nil &&
		snap.Status.Terminal() && snap.Status != StatusExpired {
		// A coordinator cancel raced the expiry; the cancel broadcast
		// already went out.
		return
	}
	if err := m.store.MarkExpired(ctx, sessionID); err != nil {
		m.logger.Error("mark expired", "session_id", sessionID, "error", err)
	}
	metrics.Executions.WithLabelValues("expired").Inc()
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeTransactionExpired, nil))
	m.logger.Warn("transaction validity window expired", "session_id", sessionID, "reason", reason)
}

// OnParticipantReject records a participant's refusal; the session
// continues, other signers may still reach the threshold.
func (m *Manager) OnParticipantReject(ctx context.Context, sessionID, participantID, reason string) error {
	if err := m.store.SetParticipantStatus(ctx, sessionID, participantID, ParticipantRejected); err != nil {
		return err
	}
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeParticipantRejectedTx,
		protocol.ParticipantEvent{ParticipantID: participantID, Reason: reason}))
	m.logger.Info("participant rejected transaction",
		"session_id", sessionID, "participant_id", participantID, "reason", reason)
	return nil
}

// OnDisconnect handles connection closure. Recorded signatures survive.
func (m *Manager) OnDisconnect(ctx context.Context, sessionID, participantID string) {
	if err := m.store.RemoveParticipant(ctx, sessionID, participantID); err != nil {
		if !errors.Is(err, ErrParticipantGone) && !errors.Is(err, ErrSessionNotFound) {
			m.logger.Warn("remove participant", "session_id", sessionID, "error", err)
		}
		return
	}
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeParticipantDisconnected,
		protocol.ParticipantEvent{ParticipantID: participantID}))
}

// Cancel is coordinator-only; the transport enforces the role.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string) error {
	if err := m.store.MarkCancelled(ctx, sessionID, reason); err != nil {
		return err
	}
	m.abortInflight(sessionID)
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeSessionCancelled,
		protocol.SessionCancelled{Reason: reason}))
	m.logger.Info("session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// NotifyExpired is called by the sweep timer for each newly expired
// session: abort any in-flight submission and tell the subscribers.
func (m *Manager) NotifyExpired(sessionID string) {
	m.abortInflight(sessionID)
	m.broadcaster.Broadcast(sessionID, protocol.New(protocol.TypeSessionExpired, nil))
}

// NotifyDeleted is called when a session's grace period elapses.
func (m *Manager) NotifyDeleted(sessionID string) {
	m.broadcaster.CloseSession(sessionID)
}

func (m *Manager) abortInflight(sessionID string) {
	m.mu.Lock()
	cancel, ok := m.inflight[sessionID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// transactionPayload builds the TRANSACTION_RECEIVED frame body from a
// session snapshot. Metadata rides along flagged as unverified via the
// validation result.
func transactionPayload(s *Session, validation *txdecode.MetadataValidation) protocol.TransactionPayload {
	return protocol.TransactionPayload{
		FrozenTransaction:  protocol.FrozenTransaction{Base64: base64.StdEncoding.EncodeToString(s.FrozenTx)},
		TxDetails:          s.Decoded,
		Metadata:           s.Metadata,
		MetadataValidation: validation,
		ContractInterface:  s.ContractInterface,
	}
}

// ReasonCode extracts the stable machine-readable code for a rejection
// error; the transport puts it in SIGNATURE_REJECTED and ERROR frames.
func ReasonCode(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Code
	}
	var serr *sigverify.Error
	if errors.As(err, &serr) {
		return string(serr.Reason)
	}
	var derr *txdecode.DecodeError
	if errors.As(err, &derr) {
		return derr.Reason
	}
	return "internal_error"
}
