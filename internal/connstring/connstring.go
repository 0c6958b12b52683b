// Package connstring encodes session coordinates as a pasteable string.
//
// Format: "hmsc:" + base64url(JSON{s, i, p?}). Participants paste the
// string to autofill server URL, session ID, and PIN.
package connstring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Prefix tags every connection string.
const Prefix = "hmsc:"

// Coordinates are the fields a participant needs to join.
type Coordinates struct {
	ServerURL string
	SessionID string
	PIN       string // optional; omitted when the coordinator shares it out of band
}

type wire struct {
	S string `json:"s"`
	I string `json:"i"`
	P string `json:"p,omitempty"`
}

var (
	ErrBadPrefix    = errors.New("connection string must start with " + Prefix)
	ErrBadPayload   = errors.New("connection string payload is not valid base64url JSON")
	ErrMissingField = errors.New("connection string payload must contain s and i")
	ErrUnknownField = errors.New("connection string payload contains unknown keys")
)

// Encode renders coordinates as a connection string.
func Encode(c Coordinates) string {
	raw, err := json.Marshal(wire{S: c.ServerURL, I: c.SessionID, P: c.PIN})
	if err != nil {
		panic("connstring: marshal: " + err.Error())
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw)
}

// Decode parses a connection string. It rejects anything not starting
// with the prefix, payloads missing s or i, and payloads carrying keys
// beyond {s, i, p}.
func Decode(s string) (Coordinates, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Coordinates{}, ErrBadPrefix
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
	if err != nil {
		// Tolerate padded variants from sloppy encoders.
		raw, err = base64.URLEncoding.DecodeString(strings.TrimPrefix(s, Prefix))
		if err != nil {
			return Coordinates{}, ErrBadPayload
		}
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return Coordinates{}, ErrBadPayload
	}
	for k := range keys {
		switch k {
		case "s", "i", "p":
		default:
			return Coordinates{}, ErrUnknownField
		}
	}

	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Coordinates{}, ErrBadPayload
	}
	if w.S == "" || w.I == "" {
		return Coordinates{}, ErrMissingField
	}
	return Coordinates{ServerURL: w.S, SessionID: w.I, PIN: w.P}, nil
}
