// Package session implements multi-signature signing sessions.
//
// A session outlives any single transaction's validity window. The flow:
// - Coordinator creates a session (threshold, eligible keys, PIN)
// - Participants connect over WebSocket, authenticate by PIN, go ready
// - Coordinator injects a frozen transaction; it fans out to ready participants
// - Participants submit partial signatures; each is verified before counting
// - At threshold the transaction executes against the network
//
// Private keys never reach the server. Only verifiable, in-policy
// signatures are counted toward the threshold.
package session

import (
	"time"

	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusWaiting             Status = "waiting"
	StatusTransactionReceived Status = "transaction-received"
	StatusSigning             Status = "signing"
	StatusExecuting           Status = "executing"
	StatusCompleted           Status = "completed"
	StatusExpired             Status = "expired"
	StatusCancelled           Status = "cancelled"
	StatusFailed              Status = "failed"
)

// Terminal reports whether no further state mutations are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Authenticatable reports whether new connections may still join.
func (s Status) Authenticatable() bool {
	switch s {
	case StatusWaiting, StatusTransactionReceived, StatusSigning:
		return true
	}
	return false
}

// ParticipantStatus is a participant lifecycle state.
type ParticipantStatus string

const (
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantReady        ParticipantStatus = "ready"
	ParticipantReviewing    ParticipantStatus = "reviewing"
	ParticipantSigned       ParticipantStatus = "signed"
	ParticipantRejected     ParticipantStatus = "rejected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// Participant is a remote signer attached to a session.
type Participant struct {
	ID          string            `json:"participantId"`
	Label       string            `json:"label,omitempty"`
	Status      ParticipantStatus `json:"status"`
	PublicKey   string            `json:"-"` // known after ready; never broadcast
	ConnectedAt time.Time         `json:"connectedAt"`
	ReadyAt     time.Time         `json:"readyAt,omitempty"`
	LastUpdate  time.Time         `json:"lastUpdate"`
	// Subscribed is true while a live connection backs this participant.
	// The transport owns the connection; the store only tracks presence.
	Subscribed bool `json:"-"`
}

// SignatureRecord is one verified partial signature.
// At most one record per public key per session.
type SignatureRecord struct {
	PublicKey     string    `json:"publicKey"`
	Signatures    [][]byte  `json:"-"` // one per node-specific transaction body
	ParticipantID string    `json:"participantId"`
	ReceivedAt    time.Time `json:"receivedAt"`
	Verified      bool      `json:"verified"`
}

// ExecutionResult is the outcome reported by the chain after submission.
type ExecutionResult struct {
	TransactionID string `json:"transactionId"`
	Receipt       string `json:"receipt"`
}

// Session is a signing session. The store owns the canonical copy;
// reads return snapshots.
type Session struct {
	ID                  string            `json:"sessionId"`
	PIN                 string            `json:"-"`
	Threshold           int               `json:"threshold"`
	EligibleKeys        []string          `json:"eligiblePublicKeys,omitempty"`
	ExpectedSigners     int               `json:"expectedParticipants"`
	Status              Status            `json:"status"`
	FrozenTx            []byte            `json:"-"` // immutable once set
	Decoded             *txdecode.Decoded `json:"txDetails,omitempty"`
	ContractInterface   []string          `json:"-"`
	Metadata            map[string]string `json:"metadata,omitempty"` // coordinator-supplied, unverified
	CreatedAt           time.Time         `json:"createdAt"`
	ExpiresAt           time.Time         `json:"expiresAt"`
	TxReceivedAt        time.Time         `json:"transactionReceivedAt,omitempty"`
	CompletedAt         time.Time         `json:"completedAt,omitempty"`
	DeleteAt            time.Time         `json:"-"` // grace-period deletion marker
	Participants        map[string]*Participant
	Signatures          map[string]*SignatureRecord // keyed by public key
	Result              *ExecutionResult            `json:"result,omitempty"`
	FailureReason       string                      `json:"failureReason,omitempty"`
	CoordinatorAttached bool                        `json:"-"`
}

// Eligible reports whether key may count toward the threshold. An empty
// eligible set is advisory-open: any key is accepted here and the chain is
// the final arbiter.
func (s *Session) Eligible(key string) bool {
	if len(s.EligibleKeys) == 0 {
		return true
	}
	for _, k := range s.EligibleKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Expired reports whether the session deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Summary is the externally visible view of a session. It never carries
// the PIN, the frozen bytes, or participant public keys.
type Summary struct {
	SessionID       string            `json:"sessionId"`
	Status          Status            `json:"status"`
	Threshold       int               `json:"threshold"`
	ExpectedSigners int               `json:"expectedParticipants"`
	Participants    int               `json:"participants"`
	Ready           int               `json:"ready"`
	Signatures      int               `json:"signatures"`
	HasTransaction  bool              `json:"hasTransaction"`
	TxType          string            `json:"txType,omitempty"`
	Checksum        string            `json:"checksum,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ExpiresAt       time.Time         `json:"expiresAt"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Summarize builds the external view from a snapshot.
func (s *Session) Summarize() *Summary {
	sum := &Summary{
		SessionID:       s.ID,
		Status:          s.Status,
		Threshold:       s.Threshold,
		ExpectedSigners: s.ExpectedSigners,
		Participants:    len(s.Participants),
		Signatures:      len(s.Signatures),
		HasTransaction:  len(s.FrozenTx) > 0,
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		Metadata:        s.Metadata,
	}
	for _, p := range s.Participants {
		if p.Status == ParticipantReady || p.Status == ParticipantReviewing || p.Status == ParticipantSigned {
			sum.Ready++
		}
	}
	if s.Decoded != nil {
		sum.TxType = string(s.Decoded.Kind)
		sum.Checksum = s.Decoded.Checksum
	}
	return sum
}

// CreateConfig is the input to session creation.
type CreateConfig struct {
	Threshold       int
	EligibleKeys    []string
	ExpectedSigners int
	Timeout         time.Duration // zero means the configured default
	PIN             string        // empty means generate
	FrozenTx        []byte        // optional: pre-injected transaction
	Metadata        map[string]string
}

// ValidationError is a domain error with a stable machine-readable code.
// Codes surface verbatim in protocol rejection payloads.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

var (
	ErrSessionNotFound   = &ValidationError{Code: "session_not_found", Message: "Session not found"}
	ErrSessionExpired    = &ValidationError{Code: "expired", Message: "Session has expired"}
	ErrSessionCancelled  = &ValidationError{Code: "cancelled", Message: "Session has been cancelled"}
	ErrSessionTerminal   = &ValidationError{Code: "session_terminal", Message: "Session is in a terminal state"}
	ErrWrongPIN          = &ValidationError{Code: "wrong_pin", Message: "Invalid session PIN"}
	ErrBadThreshold      = &ValidationError{Code: "threshold_out_of_range", Message: "Threshold must be between 1 and the number of eligible keys"}
	ErrBadExpectedCount  = &ValidationError{Code: "expected_below_threshold", Message: "Expected participants must be at least the threshold"}
	ErrNotWaiting        = &ValidationError{Code: "transaction_already_set", Message: "Session already has a transaction"}
	ErrNoTransaction     = &ValidationError{Code: "no_transaction", Message: "Session has no transaction to sign"}
	ErrIneligibleKey     = &ValidationError{Code: "ineligible-key", Message: "Public key is not in the eligible signer set"}
	ErrDuplicateKey      = &ValidationError{Code: "duplicate-key", Message: "A signature for this public key is already recorded"}
	ErrThresholdMet      = &ValidationError{Code: "threshold-already-met", Message: "Signature threshold already met"}
	ErrAlreadySigned     = &ValidationError{Code: "already_signed", Message: "This key has already signed"}
	ErrParticipantGone   = &ValidationError{Code: "participant_not_found", Message: "Participant not found"}
	ErrNotAcceptingSigs  = &ValidationError{Code: "not_accepting_signatures", Message: "Session is not accepting signatures"}
	ErrDecodeFailed      = &ValidationError{Code: "decode-error", Message: "Frozen transaction could not be decoded"}
	ErrStoreShutdown     = &ValidationError{Code: "store_shutdown", Message: "Session store is shut down"}
	ErrSessionIDTaken    = &ValidationError{Code: "session_id_taken", Message: "Session ID already exists"}
	ErrCoordinatorOnly   = &ValidationError{Code: "role_mismatch", Message: "Operation requires the coordinator role"}
	ErrInvariantViolated = &ValidationError{Code: "insufficient-signatures", Message: "Chain reported insufficient signatures despite threshold"}
)
