package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erilali/relay/internal/hub"
	"github.com/erilali/relay/internal/logger"
	"github.com/erilali/relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) string {
	t.Helper()
	h := hub.New(hub.WithLogger(logger.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWs))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestManagersChatThroughRelay(t *testing.T) {
	url := startRelay(t)

	alice := New(url, WithLogger(logger.Nop()))
	defer alice.Close()
	aliceEvents := record(t, alice)
	require.NoError(t, alice.Connect(context.Background(), "irc.example", "alice", "#cafe"))

	welcome := next(t, aliceEvents, EventMessage).Message
	assert.Equal(t, protocol.SenderWelcome, welcome.From)
	assert.Equal(t, []string{"alice"}, next(t, aliceEvents, EventUserList).Users)

	bob := New(url, WithLogger(logger.Nop()))
	defer bob.Close()
	bobEvents := record(t, bob)
	require.NoError(t, bob.Connect(context.Background(), "irc.example", "bob", "#cafe"))
	assert.Equal(t, []string{"alice", "bob"}, next(t, bobEvents, EventUserList).Users)

	assert.Equal(t, "bob has joined #cafe", next(t, aliceEvents, EventMessage).Message.Text)
	assert.Equal(t, []string{"alice", "bob"}, next(t, aliceEvents, EventUserList).Users)

	bob.SendMessage("hi")
	got := next(t, aliceEvents, EventMessage).Message
	assert.Equal(t, "bob", got.From)
	assert.Equal(t, "hi", got.Text)
	assert.WithinDuration(t, time.Now(), got.Timestamp, 5*time.Second)

	history := bob.Messages()
	var mine int
	for _, msg := range history {
		if msg.Text == "hi" {
			mine++
			assert.Equal(t, protocol.SenderLocal, msg.From)
		}
	}
	assert.Equal(t, 1, mine, "the coordinator must not echo the sender's own message")

	bob.Disconnect()
	assert.Equal(t, "bob has left #cafe", next(t, aliceEvents, EventMessage).Message.Text)
	assert.Equal(t, []string{"alice"}, next(t, aliceEvents, EventUserList).Users)
	assert.False(t, bob.IsConnected())
}
