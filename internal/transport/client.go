package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lazysuperheroes/hedera-multisig/internal/idgen"
	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
	"github.com/lazysuperheroes/hedera-multisig/internal/protocol"
	"github.com/lazysuperheroes/hedera-multisig/internal/session"
	"github.com/lazysuperheroes/hedera-multisig/internal/sigverify"
	"github.com/lazysuperheroes/hedera-multisig/internal/txdecode"
	"github.com/lazysuperheroes/hedera-multisig/internal/validation"
)

const writeWait = 10 * time.Second

// maxAuthFailures bounds AUTH retries on one connection.
const maxAuthFailures = 3

// Client is one WebSocket connection. Until AUTH succeeds the only legal
// inbound frame is AUTH; anything else closes the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	// sendMu guards send against the enqueue/close race: broadcasts come
	// from arbitrary goroutines while disconnects close the channel.
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	// set on successful AUTH; read only from the read loop afterwards
	authed        bool
	authFailures  int
	role          string
	sessionID     string
	participantID string
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.opts.SendQueueSize),
		id:   idgen.WithPrefix("c_"),
	}
}

// enqueue hands a frame to the write pump. Overflow evicts the client:
// a subscriber that cannot drain its queue is disconnected rather than
// allowed to stall the session.
func (c *Client) enqueue(raw []byte) bool {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return false
	}
	select {
	case c.send <- raw:
		c.sendMu.Unlock()
		return true
	default:
		c.sendMu.Unlock()
		c.hub.logger.Warn("outbound queue overflow, dropping subscriber",
			"conn_id", c.id, "session_id", c.sessionID)
		metrics.BroadcastsDropped.Inc()
		c.close()
		return false
	}
}

// close tears the connection down once; the read pump's exit handles
// hub/session cleanup.
func (c *Client) close() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// send a frame directly (pre-registration or terminal responses).
func (c *Client) reply(msg protocol.Message) {
	c.enqueue(msg.Encode())
}

func (c *Client) replyError(code, message string) {
	c.reply(protocol.New(protocol.TypeError, protocol.Error{Message: message, Code: code}))
}

// readPump processes inbound frames in connection order.
func (c *Client) readPump() {
	defer func() {
		if c.participantID != "" {
			c.hub.manager.OnDisconnect(context.Background(), c.sessionID, c.participantID)
		}
		c.hub.detach(c)
		// Closing the send channel lets the write pump drain any queued
		// terminal frame before it closes the socket.
		c.close()
		c.hub.logger.Info("connection closed", "conn_id", c.id, "session_id", c.sessionID)
	}()

	pongWait := 2*c.hub.opts.PingInterval + 5*time.Second
	c.conn.SetReadLimit(c.hub.opts.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyError("malformed_frame", "frame is not a {type, payload} object")
			return
		}

		if !c.authed {
			if msg.Type != protocol.TypeAuth {
				c.replyError("unauthenticated", "first message must be AUTH")
				return
			}
			if !c.handleAuth(msg.Payload) {
				// A failed AUTH keeps the connection open; retries are
				// capped at maxAuthFailures.
				c.authFailures++
				if c.authFailures >= maxAuthFailures {
					return
				}
			}
			continue
		}

		if !c.hub.limiter.Allow(c.id) {
			c.replyError("rate_exceeded", "inbound message rate exceeded")
			return
		}

		if !c.route(msg) {
			return
		}
	}
}

// handleAuth authenticates the connection. Returns whether AUTH
// succeeded; failures get AUTH_FAILED and may be retried.
func (c *Client) handleAuth(payload json.RawMessage) bool {
	var auth protocol.Auth
	if err := json.Unmarshal(payload, &auth); err != nil {
		c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: "malformed AUTH payload"}))
		return false
	}

	// Shape-check the session ID before it reaches the store; the reply
	// is indistinguishable from an unknown session.
	if auth.SessionID != "" && !validation.IsValidSessionID(auth.SessionID) {
		c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: session.ErrSessionNotFound.Message}))
		return false
	}

	ctx := context.Background()
	switch auth.Role {
	case protocol.RoleCoordinator:
		// A coordinator may authenticate before any session exists; that
		// connection can only CREATE_SESSION until it attaches.
		if auth.SessionID == "" {
			c.authed = true
			c.role = protocol.RoleCoordinator
			c.reply(protocol.New(protocol.TypeAuthSuccess, protocol.AuthSuccess{}))
			return true
		}
		snap, err := c.hub.manager.Authenticate(ctx, auth.SessionID, auth.PIN, "")
		if err != nil {
			c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: err.Error()}))
			return false
		}
		c.authed = true
		c.role = protocol.RoleCoordinator
		c.sessionID = auth.SessionID
		c.hub.attach(c)
		c.reply(protocol.New(protocol.TypeAuthSuccess, protocol.AuthSuccess{SessionInfo: sessionInfo(snap)}))
		return true

	case protocol.RoleParticipant:
		snap, err := c.hub.manager.Authenticate(ctx, auth.SessionID, auth.PIN, auth.PublicKey)
		if err != nil {
			c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: err.Error()}))
			return false
		}
		p, snap, err := c.hub.manager.JoinParticipant(ctx, auth.SessionID, auth.Label)
		if err != nil {
			c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: err.Error()}))
			return false
		}
		c.authed = true
		c.role = protocol.RoleParticipant
		c.sessionID = auth.SessionID
		c.participantID = p.ID
		c.hub.attach(c)
		c.reply(protocol.New(protocol.TypeAuthSuccess, protocol.AuthSuccess{
			ParticipantID: p.ID,
			SessionInfo:   sessionInfo(snap),
		}))
		return true

	default:
		c.reply(protocol.New(protocol.TypeAuthFailed, protocol.AuthFailed{Message: "role must be coordinator or participant"}))
		return false
	}
}

// route dispatches one authenticated frame. Returns false to close.
func (c *Client) route(msg protocol.Message) bool {
	ctx := context.Background()
	switch msg.Type {
	case protocol.TypePing:
		c.reply(protocol.New(protocol.TypePong, nil))
		return true

	case protocol.TypeCreateSession:
		return c.handleCreateSession(ctx, msg.Payload)

	case protocol.TypeInjectTransaction:
		return c.handleInject(ctx, msg.Payload)

	case protocol.TypeCancelSession:
		return c.handleCancel(ctx, msg.Payload)

	case protocol.TypeParticipantReady:
		return c.handleReady(ctx, msg.Payload)

	case protocol.TypeSignatureSubmit:
		return c.handleSignature(ctx, msg.Payload)

	case protocol.TypeTransactionRejected:
		return c.handleReject(ctx, msg.Payload)

	default:
		// Unknown types are protocol errors and disconnect.
		c.replyError("unknown_message_type", "unknown message type "+msg.Type)
		return false
	}
}

func (c *Client) requireCoordinator() bool {
	if c.role != protocol.RoleCoordinator {
		c.replyError(session.ErrCoordinatorOnly.Code, session.ErrCoordinatorOnly.Message)
		return false
	}
	return true
}

func (c *Client) requireParticipant() bool {
	if c.role != protocol.RoleParticipant {
		c.replyError("role_mismatch", "operation requires the participant role")
		return false
	}
	return true
}

func (c *Client) handleCreateSession(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireCoordinator() {
		return true
	}
	var req protocol.CreateSession
	if err := json.Unmarshal(payload, &req); err != nil {
		c.replyError("malformed_payload", "malformed CREATE_SESSION payload")
		return true
	}
	cfg := session.CreateConfig{
		Threshold:       req.Threshold,
		EligibleKeys:    req.EligiblePublicKeys,
		ExpectedSigners: req.ExpectedParticipants,
		PIN:             req.PIN,
	}
	if req.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	snap, connStr, err := c.hub.manager.CreateSession(ctx, cfg)
	if err != nil {
		c.replyError(session.ReasonCode(err), err.Error())
		return true
	}

	// The creating connection becomes the session's coordinator
	// subscription unless it is already attached elsewhere.
	if c.sessionID == "" {
		c.sessionID = snap.ID
		c.hub.attach(c)
	}
	c.reply(protocol.New(protocol.TypeSessionCreated, protocol.SessionCreated{
		SessionID:        snap.ID,
		PIN:              snap.PIN,
		ConnectionString: connStr,
	}))
	return true
}

func (c *Client) handleInject(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireCoordinator() {
		return true
	}
	var req protocol.InjectTransaction
	if err := json.Unmarshal(payload, &req); err != nil {
		c.replyError("malformed_payload", "malformed INJECT_TRANSACTION payload")
		return true
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if sessionID == "" || sessionID != c.sessionID {
		c.replyError("session_mismatch", "INJECT_TRANSACTION must target the authenticated session")
		return true
	}
	raw, err := base64.StdEncoding.DecodeString(req.FrozenTransactionB64)
	if err != nil {
		c.replyError("malformed_payload", "frozen_transaction_base64 is not valid base64")
		return true
	}
	decoded, validation, err := c.hub.manager.InjectTransaction(ctx, sessionID, raw, req.ContractInterface, req.Metadata)
	if err != nil {
		var derr *txdecode.DecodeError
		if errors.As(err, &derr) {
			c.replyError(derr.Reason, err.Error())
		} else {
			c.replyError(session.ReasonCode(err), err.Error())
		}
		return true
	}
	c.reply(protocol.New(protocol.TypeTransactionInjected, protocol.TransactionInjected{
		Checksum:           decoded.Checksum,
		Decoded:            decoded,
		MetadataValidation: validation,
	}))
	return true
}

func (c *Client) handleCancel(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireCoordinator() {
		return true
	}
	var req protocol.CancelSession
	if err := json.Unmarshal(payload, &req); err != nil {
		c.replyError("malformed_payload", "malformed CANCEL_SESSION payload")
		return true
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if sessionID == "" || sessionID != c.sessionID {
		c.replyError("session_mismatch", "CANCEL_SESSION must target the authenticated session")
		return true
	}
	if err := c.hub.manager.Cancel(ctx, sessionID, req.Reason); err != nil {
		c.replyError(session.ReasonCode(err), err.Error())
	}
	return true
}

func (c *Client) handleReady(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireParticipant() {
		return true
	}
	var req protocol.ParticipantReady
	if err := json.Unmarshal(payload, &req); err != nil || req.PublicKey == "" {
		c.replyError("malformed_payload", "PARTICIPANT_READY requires public_key")
		return true
	}
	if !validation.IsValidPublicKey(req.PublicKey) {
		c.replyError(string(sigverify.ReasonMalformedKey), "public_key is not a hex-encoded Hedera key")
		return true
	}
	if _, err := c.hub.manager.OnParticipantReady(ctx, c.sessionID, c.participantID, req.PublicKey); err != nil {
		c.replyError(session.ReasonCode(err), err.Error())
	}
	return true
}

func (c *Client) handleSignature(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireParticipant() {
		return true
	}
	var req protocol.SignatureSubmit
	if err := json.Unmarshal(payload, &req); err != nil || req.PublicKey == "" || len(req.Signature) == 0 {
		c.rejectSignature(string(sigverify.ReasonMalformedSignature), "SIGNATURE_SUBMIT requires public_key and signature")
		return true
	}
	if !validation.IsValidPublicKey(req.PublicKey) {
		c.rejectSignature(string(sigverify.ReasonMalformedKey), "public_key is not a hex-encoded Hedera key")
		return true
	}
	encoded, err := protocol.DecodeSignatures(req.Signature)
	if err != nil {
		c.rejectSignature(string(sigverify.ReasonMalformedSignature), "signature must be a base64 string or array of strings")
		return true
	}
	sigs := make([][]byte, 0, len(encoded))
	for _, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			c.rejectSignature(string(sigverify.ReasonMalformedSignature), "signature is not valid base64")
			return true
		}
		sigs = append(sigs, b)
	}

	res, err := c.hub.manager.OnSignatureSubmit(ctx, c.sessionID, c.participantID, req.PublicKey, sigs)
	if err != nil {
		c.rejectSignature(session.ReasonCode(err), err.Error())
		return true
	}
	if res.Idempotent {
		// The broadcast already happened when the signature was first
		// counted; the resubmitter still gets its terminal response.
		c.reply(protocol.New(protocol.TypeSignatureAccepted, protocol.SignatureAccepted{
			PublicKey: req.PublicKey,
			Count:     res.Count,
			Threshold: res.Threshold,
		}))
	}
	return true
}

func (c *Client) rejectSignature(code, message string) {
	c.reply(protocol.New(protocol.TypeSignatureRejected, protocol.SignatureRejected{
		Message:    message,
		ReasonCode: code,
	}))
}

func (c *Client) handleReject(ctx context.Context, payload json.RawMessage) bool {
	if !c.requireParticipant() {
		return true
	}
	var req protocol.TransactionRejected
	if err := json.Unmarshal(payload, &req); err != nil {
		c.replyError("malformed_payload", "malformed TRANSACTION_REJECTED payload")
		return true
	}
	if err := c.hub.manager.OnParticipantReject(ctx, c.sessionID, c.participantID, req.Reason); err != nil {
		c.replyError(session.ReasonCode(err), err.Error())
	}
	return true
}

// writePump writes frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.hub.logger.Warn("websocket write error", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "conn_id", c.id, "error", err)
				return
			}
		}
	}
}

// sessionInfo builds the AUTH_SUCCESS session view.
func sessionInfo(s *session.Session) protocol.SessionInfo {
	info := protocol.SessionInfo{
		SessionID:            s.ID,
		Status:               string(s.Status),
		Threshold:            s.Threshold,
		ExpectedParticipants: s.ExpectedSigners,
		ExpiresAt:            s.ExpiresAt.UnixMilli(),
		EligiblePublicKeys:   s.EligibleKeys,
	}
	if s.Decoded != nil {
		info.TxDetails = s.Decoded
	}
	return info
}
