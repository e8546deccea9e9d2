package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"text":"hi"}`))
	require.ErrorIs(t, err, ErrMissingType)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestChatTimestampIsISO8601(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.FixedZone("CET", 3600))
	env := Chat("alice", "hi", at)

	assert.Equal(t, "2024-03-01T11:30:45.123Z", env.Timestamp)

	data, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message","from":"alice","text":"hi","timestamp":"2024-03-01T11:30:45.123Z"}`, string(data))
}

func TestToMessageParsesBrowserTimestamps(t *testing.T) {
	now := time.Now()
	msg := Envelope{Type: TypeMessage, From: "bob", Text: "yo", Timestamp: "2024-03-01T11:30:45.123Z"}.ToMessage(now)

	assert.Equal(t, "bob", msg.From)
	assert.True(t, msg.Timestamp.Equal(time.Date(2024, 3, 1, 11, 30, 45, 123_000_000, time.UTC)))

	fallback := Envelope{Type: TypeMessage, Timestamp: "yesterday"}.ToMessage(now)
	assert.True(t, fallback.Timestamp.Equal(now))
}

func TestUserListOmitsEmptyUsers(t *testing.T) {
	data, err := Encode(UserList(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"userList"}`, string(data))

	env, err := Decode([]byte(`{"type":"userList","users":["alice","bob"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, env.Users)
}
