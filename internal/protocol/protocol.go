// Package protocol defines the framed messages exchanged between the
// coordinator, participants, and the server. Every frame is a single JSON
// object with a case-sensitive "type" and a "payload".
package protocol

import "encoding/json"

// Client → server message types.
const (
	TypeAuth                = "AUTH"
	TypeCreateSession       = "CREATE_SESSION"
	TypeInjectTransaction   = "INJECT_TRANSACTION"
	TypeCancelSession       = "CANCEL_SESSION"
	TypeParticipantReady    = "PARTICIPANT_READY"
	TypeSignatureSubmit     = "SIGNATURE_SUBMIT"
	TypeTransactionRejected = "TRANSACTION_REJECTED"
	TypePing                = "PING"
)

// Server → client message types.
const (
	TypeAuthSuccess             = "AUTH_SUCCESS"
	TypeAuthFailed              = "AUTH_FAILED"
	TypeSessionCreated          = "SESSION_CREATED"
	TypeTransactionInjected     = "TRANSACTION_INJECTED"
	TypeTransactionReceived     = "TRANSACTION_RECEIVED"
	TypeSignatureAccepted       = "SIGNATURE_ACCEPTED"
	TypeSignatureRejected       = "SIGNATURE_REJECTED"
	TypeThresholdMet            = "THRESHOLD_MET"
	TypeTransactionExecuted     = "TRANSACTION_EXECUTED"
	TypeTransactionExpired      = "TRANSACTION_EXPIRED"
	TypeParticipantConnected    = "PARTICIPANT_CONNECTED"
	TypeParticipantReadyEvent   = "PARTICIPANT_READY"
	TypeParticipantRejectedTx   = "PARTICIPANT_REJECTED"
	TypeParticipantDisconnected = "PARTICIPANT_DISCONNECTED"
	TypeSessionExpired          = "SESSION_EXPIRED"
	TypeSessionCancelled        = "SESSION_CANCELLED"
	TypeError                   = "ERROR"
	TypePong                    = "PONG"
)

// Roles accepted in AUTH.
const (
	RoleCoordinator = "coordinator"
	RoleParticipant = "participant"
)

// Message is one frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a frame, panicking only on unmarshalable payloads, which are
// programmer errors.
func New(msgType string, payload any) Message {
	if payload == nil {
		return Message{Type: msgType}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("protocol: unmarshalable payload for " + msgType + ": " + err.Error())
	}
	return Message{Type: msgType, Payload: raw}
}

// Encode serializes a frame for the wire.
func (m Message) Encode() []byte {
	raw, err := json.Marshal(m)
	if err != nil {
		panic("protocol: unmarshalable frame " + m.Type + ": " + err.Error())
	}
	return raw
}

// Auth is the first client frame on every connection.
type Auth struct {
	SessionID string `json:"session_id"`
	PIN       string `json:"pin"`
	Role      string `json:"role"`
	Label     string `json:"label,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // optional early eligibility check
}

// CreateSession is the coordinator's session-creation request.
type CreateSession struct {
	Threshold            int      `json:"threshold"`
	EligiblePublicKeys   []string `json:"eligible_public_keys,omitempty"`
	ExpectedParticipants int      `json:"expected_participants"`
	TimeoutMs            int64    `json:"timeout_ms,omitempty"`
	PIN                  string   `json:"pin,omitempty"`
}

// SessionCreated answers CreateSession.
type SessionCreated struct {
	SessionID        string `json:"session_id"`
	PIN              string `json:"pin"`
	ConnectionString string `json:"connection_string"`
}

// InjectTransaction carries the frozen bytes into a waiting session.
type InjectTransaction struct {
	SessionID              string            `json:"session_id"`
	FrozenTransactionB64   string            `json:"frozen_transaction_base64"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	ContractInterface      []string          `json:"contract_interface,omitempty"`
}

// CancelSession is a coordinator-only request.
type CancelSession struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ParticipantReady announces the signer's public key.
type ParticipantReady struct {
	PublicKey string `json:"public_key"`
}

// SignatureSubmit carries one signature (single-node) or a list
// (multi-node), base64 encoded.
type SignatureSubmit struct {
	PublicKey string          `json:"public_key"`
	Signature json.RawMessage `json:"signature"` // string or array of strings
}

// TransactionRejected is a participant declining to sign.
type TransactionRejected struct {
	Reason string `json:"reason,omitempty"`
}

// SessionInfo is embedded in AUTH_SUCCESS.
type SessionInfo struct {
	SessionID            string   `json:"session_id"`
	Status               string   `json:"status"`
	Threshold            int      `json:"threshold"`
	ExpectedParticipants int      `json:"expected_participants"`
	ExpiresAt            int64    `json:"expires_at"`
	EligiblePublicKeys   []string `json:"eligible_public_keys,omitempty"`
	TxDetails            any      `json:"tx_details,omitempty"`
}

// AuthSuccess answers a successful AUTH.
type AuthSuccess struct {
	ParticipantID string      `json:"participant_id,omitempty"`
	SessionInfo   SessionInfo `json:"session_info"`
}

// AuthFailed answers a rejected AUTH. The connection stays open for
// another AUTH until the per-connection failure cap is reached.
type AuthFailed struct {
	Message string `json:"message"`
}

// TransactionPayload fans a frozen transaction out to participants.
type TransactionPayload struct {
	FrozenTransaction  FrozenTransaction `json:"frozen_transaction"`
	TxDetails          any               `json:"tx_details"`
	Metadata           map[string]string `json:"metadata,omitempty"` // unverified
	MetadataValidation any               `json:"metadata_validation,omitempty"`
	ContractInterface  []string          `json:"contract_interface,omitempty"`
}

// FrozenTransaction wraps the base64 bytes.
type FrozenTransaction struct {
	Base64 string `json:"base64"`
}

// TransactionInjected acknowledges the coordinator's injection.
type TransactionInjected struct {
	Checksum           string `json:"checksum"`
	Decoded            any    `json:"decoded"`
	MetadataValidation any    `json:"metadata_validation,omitempty"`
}

// SignatureAccepted confirms a counted signature to all subscribers.
type SignatureAccepted struct {
	PublicKey string `json:"public_key"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
}

// SignatureRejected is the terminal response for a refused submission.
type SignatureRejected struct {
	Message    string `json:"message"`
	ReasonCode string `json:"reason_code"`
}

// ThresholdMet announces that execution is starting.
type ThresholdMet struct {
	Count int `json:"count"`
}

// TransactionExecuted reports the chain outcome.
type TransactionExecuted struct {
	TransactionID string `json:"transaction_id"`
	Receipt       string `json:"receipt"`
}

// ParticipantEvent carries participant lifecycle fan-outs. The public key
// is never included.
type ParticipantEvent struct {
	ParticipantID string `json:"participant_id"`
	Label         string `json:"label,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SessionCancelled announces coordinator cancellation.
type SessionCancelled struct {
	Reason string `json:"reason,omitempty"`
}

// SessionFailed announces a terminal execution failure.
type SessionFailed struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error is the generic protocol error frame.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// DecodeSignatures normalizes the SIGNATURE_SUBMIT signature field, which
// is a base64 string for single-node transactions or an array for
// multi-node ones.
func DecodeSignatures(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}
