package session

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
)

// Store is the persistence contract for sessions. The in-memory store is
// the default backend; a durable backend can be substituted without
// touching the Manager.
//
// Every mutation observes the session invariants as a single atomic step.
// Reads return snapshots; mutations are serialized per session.
type Store interface {
	Create(ctx context.Context, s *Session) error
	// Get returns a snapshot. A session past its deadline is lazily
	// transitioned to expired before the snapshot is taken.
	Get(ctx context.Context, id string) (*Session, error)
	// Authenticate compares the PIN in constant time. Only sessions in
	// waiting, transaction-received, or signing accept new connections.
	Authenticate(ctx context.Context, id, pin string) (*Session, error)
	AddParticipant(ctx context.Context, id string, p *Participant) error
	SetParticipantReady(ctx context.Context, id, participantID, publicKey string) error
	SetParticipantStatus(ctx context.Context, id, participantID string, st ParticipantStatus) error
	// InjectTransaction atomically sets the frozen transaction and moves
	// the session from waiting to transaction-received.
	InjectTransaction(ctx context.Context, id string, raw []byte, decoded *txdecode.Decoded, contractInterface []string, metadata map[string]string) error
	// RecordSignature validates eligibility, duplicates, and status, then
	// records. The first signature moves the session to signing. Returns
	// the new count and whether this acceptance reached the threshold.
	RecordSignature(ctx context.Context, id string, sig *SignatureRecord) (count int, thresholdMet bool, err error)
	MarkExecuting(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result *ExecutionResult) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkCancelled(ctx context.Context, id string, reason string) error
	MarkExpired(ctx context.Context, id string) error
	// RemoveParticipant deletes a participant that has not signed;
	// a signer is marked disconnected instead and its signature kept.
	RemoveParticipant(ctx context.Context, id, participantID string) error
	ListActive(ctx context.Context) ([]*Summary, error)
	// SweepExpired transitions past-due non-terminal sessions to expired
	// and returns their snapshots so callers can notify subscribers.
	SweepExpired(ctx context.Context, now time.Time) ([]*Session, error)
	// DeleteDue removes terminal sessions whose grace period has elapsed.
	// Returns the IDs of deleted sessions.
	DeleteDue(ctx context.Context, now time.Time) ([]string, error)
	Shutdown(ctx context.Context) error
}

// MemoryStore is the in-memory Store. A top-level lock guards only
// creation and lookup; a per-session mutex serializes everything else.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	gracePeriod time.Duration
	shutdown    bool
	now         func() time.Time // test hook
}

type entry struct {
	mu sync.Mutex
	s  *Session
}

// DefaultGracePeriod is how long a terminal session stays readable
// before deletion.
const DefaultGracePeriod = 5 * time.Minute

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(gracePeriod time.Duration) *MemoryStore {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &MemoryStore{
		sessions:    make(map[string]*entry),
		gracePeriod: gracePeriod,
		now:         time.Now,
	}
}

func (m *MemoryStore) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shutdown {
		return nil, ErrStoreShutdown
	}
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}

// expireLocked lazily transitions a past-due session. Caller holds e.mu.
func (m *MemoryStore) expireLocked(s *Session) {
	if !s.Status.Terminal() && s.Expired(m.now()) {
		s.Status = StatusExpired
		s.DeleteAt = m.now().Add(m.gracePeriod)
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	if s.Threshold < 1 {
		return ErrBadThreshold
	}
	if len(s.EligibleKeys) > 0 && s.Threshold > len(s.EligibleKeys) {
		return ErrBadThreshold
	}
	if s.ExpectedSigners > 0 && s.ExpectedSigners < s.Threshold {
		return ErrBadExpectedCount
	}
	if s.Participants == nil {
		s.Participants = make(map[string]*Participant)
	}
	if s.Signatures == nil {
		s.Signatures = make(map[string]*SignatureRecord)
	}
	if s.Status == "" {
		if len(s.FrozenTx) > 0 {
			s.Status = StatusTransactionReceived
			s.TxReceivedAt = m.now()
		} else {
			s.Status = StatusWaiting
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrStoreShutdown
	}
	if _, exists := m.sessions[s.ID]; exists {
		return ErrSessionIDTaken
	}
	m.sessions[s.ID] = &entry{s: snapshot(s)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	return snapshot(e.s), nil
}

func (m *MemoryStore) Authenticate(ctx context.Context, id, pin string) (*Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		// Compare against a dummy so unknown IDs cost the same as wrong PINs.
		PINEqual(pin, "--------")
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	ok := PINEqual(pin, e.s.PIN)
	if !e.s.Status.Authenticatable() {
		return nil, terminalError(e.s)
	}
	if !ok {
		return nil, ErrWrongPIN
	}
	return snapshot(e.s), nil
}

func (m *MemoryStore) AddParticipant(ctx context.Context, id string, p *Participant) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	if e.s.Status.Terminal() {
		return terminalError(e.s)
	}
	now := m.now()
	cp := *p
	if cp.Status == "" {
		cp.Status = ParticipantConnected
	}
	if cp.ConnectedAt.IsZero() {
		cp.ConnectedAt = now
	}
	cp.LastUpdate = now
	cp.Subscribed = true
	e.s.Participants[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) SetParticipantReady(ctx context.Context, id, participantID, publicKey string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	if e.s.Status.Terminal() {
		return terminalError(e.s)
	}
	p, ok := e.s.Participants[participantID]
	if !ok {
		return ErrParticipantGone
	}
	if !e.s.Eligible(publicKey) {
		return ErrIneligibleKey
	}
	if _, signed := e.s.Signatures[publicKey]; signed {
		return ErrAlreadySigned
	}
	now := m.now()
	p.PublicKey = publicKey
	p.Status = ParticipantReady
	p.ReadyAt = now
	p.LastUpdate = now
	return nil
}

func (m *MemoryStore) SetParticipantStatus(ctx context.Context, id, participantID string, st ParticipantStatus) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.s.Participants[participantID]
	if !ok {
		return ErrParticipantGone
	}
	p.Status = st
	p.LastUpdate = m.now()
	return nil
}

func (m *MemoryStore) InjectTransaction(ctx context.Context, id string, raw []byte, decoded *txdecode.Decoded, contractInterface []string, metadata map[string]string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	if e.s.Status.Terminal() {
		return terminalError(e.s)
	}
	if e.s.Status != StatusWaiting {
		return ErrNotWaiting
	}
	e.s.FrozenTx = append([]byte(nil), raw...)
	e.s.Decoded = decoded
	e.s.ContractInterface = append([]string(nil), contractInterface...)
	if metadata != nil {
		e.s.Metadata = cloneMeta(metadata)
	}
	e.s.Status = StatusTransactionReceived
	e.s.TxReceivedAt = m.now()
	return nil
}

func (m *MemoryStore) RecordSignature(ctx context.Context, id string, sig *SignatureRecord) (int, bool, error) {
	e, err := m.lookup(id)
	if err != nil {
		return 0, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m.expireLocked(e.s)
	s := e.s
	if s.Status.Terminal() {
		return len(s.Signatures), false, terminalError(s)
	}
	if s.Status == StatusExecuting {
		return len(s.Signatures), false, ErrThresholdMet
	}
	if s.Status != StatusTransactionReceived && s.Status != StatusSigning {
		return len(s.Signatures), false, ErrNotAcceptingSigs
	}
	if !s.Eligible(sig.PublicKey) {
		return len(s.Signatures), false, ErrIneligibleKey
	}
	if existing, dup := s.Signatures[sig.PublicKey]; dup {
		// Byte-identical resubmission is idempotent success.
		if signatureBytesEqual(existing.Signatures, sig.Signatures) {
			return len(s.Signatures), false, nil
		}
		return len(s.Signatures), false, ErrDuplicateKey
	}
	if !sig.Verified {
		// Stored signatures are verified by contract; the Manager runs
		// the Verifier before calling here.
		return len(s.Signatures), false, ErrNotAcceptingSigs
	}

	cp := *sig
	cp.Signatures = cloneSigs(sig.Signatures)
	if cp.ReceivedAt.IsZero() {
		cp.ReceivedAt = m.now()
	}
	s.Signatures[cp.PublicKey] = &cp
	if p, ok := s.Participants[cp.ParticipantID]; ok {
		p.Status = ParticipantSigned
		p.PublicKey = cp.PublicKey
		p.LastUpdate = m.now()
	}
	if s.Status == StatusTransactionReceived {
		s.Status = StatusSigning
	}
	count := len(s.Signatures)
	return count, count >= s.Threshold, nil
}

func (m *MemoryStore) MarkExecuting(ctx context.Context, id string) error {
	return m.transition(id, func(s *Session) error {
		if s.Status.Terminal() {
			return terminalError(s)
		}
		if s.Status != StatusSigning {
			return ErrNotAcceptingSigs
		}
		s.Status = StatusExecuting
		return nil
	})
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string, result *ExecutionResult) error {
	return m.transition(id, func(s *Session) error {
		if s.Status.Terminal() {
			return nil // idempotent
		}
		s.Status = StatusCompleted
		s.Result = result
		s.CompletedAt = m.now()
		s.DeleteAt = m.now().Add(m.gracePeriod)
		return nil
	})
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return m.transition(id, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusFailed
		s.FailureReason = reason
		s.CompletedAt = m.now()
		s.DeleteAt = m.now().Add(m.gracePeriod)
		return nil
	})
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, id string, reason string) error {
	return m.transition(id, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusCancelled
		s.FailureReason = reason
		s.DeleteAt = m.now().Add(m.gracePeriod)
		return nil
	})
}

func (m *MemoryStore) MarkExpired(ctx context.Context, id string) error {
	return m.transition(id, func(s *Session) error {
		if s.Status.Terminal() {
			return nil
		}
		s.Status = StatusExpired
		s.DeleteAt = m.now().Add(m.gracePeriod)
		return nil
	})
}

func (m *MemoryStore) transition(id string, fn func(*Session) error) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.s)
}

func (m *MemoryStore) RemoveParticipant(ctx context.Context, id, participantID string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.s.Participants[participantID]
	if !ok {
		return ErrParticipantGone
	}
	hasSignature := false
	for _, sig := range e.s.Signatures {
		if sig.ParticipantID == participantID {
			hasSignature = true
			break
		}
	}
	if hasSignature {
		// The signature outlives the connection.
		p.Status = ParticipantDisconnected
		p.Subscribed = false
		p.LastUpdate = m.now()
		return nil
	}
	delete(e.s.Participants, participantID)
	return nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]*Summary, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		m.expireLocked(e.s)
		if !e.s.Status.Terminal() {
			out = append(out, e.s.Summarize())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var expired []*Session
	for _, e := range entries {
		e.mu.Lock()
		if !e.s.Status.Terminal() && e.s.Expired(now) {
			e.s.Status = StatusExpired
			e.s.DeleteAt = now.Add(m.gracePeriod)
			expired = append(expired, snapshot(e.s))
		}
		e.mu.Unlock()
	}
	return expired, nil
}

func (m *MemoryStore) DeleteDue(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []string
	for id, e := range m.sessions {
		e.mu.Lock()
		due := e.s.Status.Terminal() && !e.s.DeleteAt.IsZero() && !now.Before(e.s.DeleteAt)
		e.mu.Unlock()
		if due {
			delete(m.sessions, id)
			deleted = append(deleted, id)
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
	m.sessions = make(map[string]*entry)
	return nil
}

// terminalError maps a terminal status to its lifecycle error.
func terminalError(s *Session) error {
	switch s.Status {
	case StatusExpired:
		return ErrSessionExpired
	case StatusCancelled:
		return ErrSessionCancelled
	default:
		return ErrSessionTerminal
	}
}

// snapshot deep-copies a session so callers never alias store state.
func snapshot(s *Session) *Session {
	cp := *s
	cp.FrozenTx = append([]byte(nil), s.FrozenTx...)
	cp.EligibleKeys = append([]string(nil), s.EligibleKeys...)
	cp.ContractInterface = append([]string(nil), s.ContractInterface...)
	cp.Metadata = cloneMeta(s.Metadata)
	cp.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		cp.Participants[id] = &pc
	}
	cp.Signatures = make(map[string]*SignatureRecord, len(s.Signatures))
	for k, sig := range s.Signatures {
		sc := *sig
		sc.Signatures = cloneSigs(sig.Signatures)
		cp.Signatures[k] = &sc
	}
	if s.Result != nil {
		rc := *s.Result
		cp.Result = &rc
	}
	return &cp
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSigs(sigs [][]byte) [][]byte {
	out := make([][]byte, len(sigs))
	for i, b := range sigs {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

func signatureBytesEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
