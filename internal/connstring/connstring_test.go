package connstring

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Coordinates{
		{ServerURL: "wss://relay.example.com", SessionID: "a1b2c3", PIN: "Xy42abcd"},
		{ServerURL: "ws://localhost:8089", SessionID: "deadbeef"},
	}
	for _, c := range cases {
		s := Encode(c)
		assert.True(t, strings.HasPrefix(s, Prefix))

		got, err := Decode(s)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestDecode_BadPrefix(t *testing.T) {
	_, err := Decode("wrong:abc")
	assert.ErrorIs(t, err, ErrBadPrefix)
	_, err = Decode("")
	assert.ErrorIs(t, err, ErrBadPrefix)
	// Prefix is case-sensitive.
	_, err = Decode("HMSC:abc")
	assert.ErrorIs(t, err, ErrBadPrefix)
}

func TestDecode_BadPayload(t *testing.T) {
	_, err := Decode(Prefix + "!!!not-base64!!!")
	assert.ErrorIs(t, err, ErrBadPayload)

	notJSON := base64.RawURLEncoding.EncodeToString([]byte("hello"))
	_, err = Decode(Prefix + notJSON)
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestDecode_MissingFields(t *testing.T) {
	for _, payload := range []string{`{}`, `{"s":"ws://x"}`, `{"i":"abc"}`} {
		enc := Prefix + base64.RawURLEncoding.EncodeToString([]byte(payload))
		_, err := Decode(enc)
		assert.ErrorIs(t, err, ErrMissingField, "payload %s", payload)
	}
}

func TestDecode_UnknownKeysRejected(t *testing.T) {
	payload := `{"s":"ws://x","i":"abc","extra":"nope"}`
	enc := Prefix + base64.RawURLEncoding.EncodeToString([]byte(payload))
	_, err := Decode(enc)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestDecode_PaddedBase64Tolerated(t *testing.T) {
	payload := `{"s":"ws://x","i":"abc"}`
	enc := Prefix + base64.URLEncoding.EncodeToString([]byte(payload))
	got, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.SessionID)
}
