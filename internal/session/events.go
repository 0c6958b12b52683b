package session

import (
	"github.com/lazysuperheroes/hedera-multisig/internal/protocol"
)

// Broadcaster is the outbound half of the message transport. The hub
// implements it; the Manager never holds connections directly.
type Broadcaster interface {
	// Broadcast fans a frame out to every subscriber of the session.
	Broadcast(sessionID string, msg protocol.Message)
	// SendParticipant delivers to one participant; false if it has no
	// live connection.
	SendParticipant(sessionID, participantID string, msg protocol.Message) bool
	// SendCoordinator delivers to the session's coordinator subscription,
	// if attached.
	SendCoordinator(sessionID string, msg protocol.Message)
	// CloseSession drops every subscription of a deleted session.
	CloseSession(sessionID string)
}

// nopBroadcaster lets the Manager run before the transport is wired,
// and in tests that do not care about fan-out.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, protocol.Message)                 {}
func (nopBroadcaster) SendParticipant(string, string, protocol.Message) bool { return false }
func (nopBroadcaster) SendCoordinator(string, protocol.Message)           {}
func (nopBroadcaster) CloseSession(string)                                {}
