package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erilali/relay/internal/metrics"
	"github.com/erilali/relay/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestHub(opts ...Option) *Hub {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

// accepted runs the accept step for a transport-less connection and discards the handshake notice.
func accepted(t *testing.T, h *Hub, buffer int) *Conn {
	t.Helper()
	c := newConn(nil, "pipe", buffer)
	h.handle(event{kind: eventAccept, conn: c})
	h.reapStalled()

	got := drain(c)
	require.Len(t, got, 1)
	require.Equal(t, protocol.TypeSystem, got[0].Type)
	return c
}

func request(t *testing.T, h *Hub, c *Conn, env protocol.Envelope) {
	t.Helper()
	data, err := protocol.Encode(env)
	require.NoError(t, err)
	raw(h, c, data)
}

func raw(h *Hub, c *Conn, data []byte) {
	h.handle(event{kind: eventFrame, conn: c, data: data})
	h.reapStalled()
}

func transportClosed(h *Hub, c *Conn) {
	h.handle(event{kind: eventClose, conn: c})
	h.reapStalled()
}

func join(t *testing.T, h *Hub, nick, channel string) *Conn {
	t.Helper()
	c := accepted(t, h, 64)
	request(t, h, c, protocol.Connect("irc.example", nick, channel))
	return c
}

// drain returns every queued envelope without blocking.
func drain(c *Conn) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			env, err := protocol.Decode(data)
			if err != nil {
				panic(err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func isClosed(c *Conn) bool {
	select {
	case _, ok := <-c.send:
		return !ok
	default:
		return false
	}
}

func TestAcceptSendsHandshakeOnly(t *testing.T) {
	h := newTestHub()
	c := newConn(nil, "pipe", 4)
	h.handle(event{kind: eventAccept, conn: c})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.System("WebSocket connection established"), got[0])
	assert.Equal(t, stateAwaitingJoin, c.state)
	assert.Empty(t, h.entries)
}

func TestCafeScenario(t *testing.T) {
	h := newTestHub()

	alice := join(t, h, "alice", "#cafe")
	got := drain(alice)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.Connected("irc.example", "alice", "#cafe"), got[0])
	assert.Equal(t, protocol.SenderWelcome, got[1].From)
	assert.Equal(t, "Welcome to #cafe! You are now connected.", got[1].Text)
	assert.Equal(t, []string{"alice"}, got[2].Users)

	bob := join(t, h, "bob", "#cafe")
	got = drain(bob)
	require.Len(t, got, 3, "joiner must not receive its own join notice")
	assert.Equal(t, protocol.TypeConnected, got[0].Type)
	assert.Equal(t, []string{"alice", "bob"}, got[2].Users)

	got = drain(alice)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.Chat(protocol.SenderSystem, "bob has joined #cafe", fixedNow), got[0])
	assert.Equal(t, protocol.UserList([]string{"alice", "bob"}), got[1])

	request(t, h, alice, protocol.Say("hi"))
	assert.Empty(t, drain(alice), "sender is excluded from its own broadcast")
	got = drain(bob)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].From)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "2024-05-01T09:00:00.000Z", got[0].Timestamp)

	request(t, h, alice, protocol.Disconnect())
	got = drain(bob)
	require.Len(t, got, 2)
	assert.Equal(t, "alice has left #cafe", got[0].Text)
	assert.Equal(t, protocol.SenderSystem, got[0].From)
	assert.Equal(t, []string{"bob"}, got[1].Users)

	got = drain(alice)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeDisconnected, got[0].Type)
	assert.True(t, isClosed(alice))
	assert.Equal(t, stateClosed, alice.state)
}

func TestMessagesStayInChannel(t *testing.T) {
	h := newTestHub()
	alice := join(t, h, "alice", "#cafe")
	bob := join(t, h, "bob", "#cafe")
	carol := join(t, h, "carol", "#lounge")
	drain(alice)
	drain(bob)
	drain(carol)

	request(t, h, carol, protocol.Say("anyone?"))
	assert.Empty(t, drain(alice))
	assert.Empty(t, drain(bob))
	assert.Empty(t, drain(carol))

	request(t, h, bob, protocol.Say("hello cafe"))
	assert.Len(t, drain(alice), 1)
	assert.Empty(t, drain(carol))
}

func TestMessageBeforeJoinIsDropped(t *testing.T) {
	h := newTestHub()
	bystander := join(t, h, "bob", "#cafe")
	drain(bystander)

	c := accepted(t, h, 8)
	request(t, h, c, protocol.Say("hello?"))

	assert.Empty(t, drain(c))
	assert.Empty(t, drain(bystander))
}

func TestProtocolErrorsGoToOffenderOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewRelay(reg)
	require.NoError(t, err)
	h := newTestHub(WithMetrics(m))

	peer := join(t, h, "bob", "#cafe")
	drain(peer)
	c := join(t, h, "alice", "#cafe")
	drain(c)
	drain(peer)

	request(t, h, c, protocol.Envelope{Type: "nick"})
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Error("Unknown command"), got[0])

	raw(h, c, []byte("{nope"))
	got = drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.NotEmpty(t, got[0].Message)

	assert.Empty(t, drain(peer))
	assert.Equal(t, stateJoined, c.state)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newTestHub()
	alice := join(t, h, "alice", "#cafe")
	bob := join(t, h, "bob", "#cafe")
	drain(alice)
	drain(bob)

	request(t, h, alice, protocol.Disconnect())
	request(t, h, alice, protocol.Disconnect())
	transportClosed(h, alice)
	transportClosed(h, alice)

	got := drain(bob)
	require.Len(t, got, 2, "one leave notice and one user list")
	assert.Equal(t, "alice has left #cafe", got[0].Text)
	assert.Equal(t, []string{"bob"}, got[1].Users)
	assert.NotContains(t, h.conns, alice)
}

func TestDisconnectBeforeJoinIsNoop(t *testing.T) {
	h := newTestHub()
	c := accepted(t, h, 8)

	request(t, h, c, protocol.Disconnect())
	assert.Empty(t, drain(c))
	assert.Equal(t, stateAwaitingJoin, c.state)
}

func TestTransportCloseRunsLeaveSideEffects(t *testing.T) {
	h := newTestHub()
	alice := join(t, h, "alice", "#cafe")
	bob := join(t, h, "bob", "#cafe")
	drain(alice)
	drain(bob)

	transportClosed(h, bob)

	got := drain(alice)
	require.Len(t, got, 2)
	assert.Equal(t, "bob has left #cafe", got[0].Text)
	assert.Equal(t, []string{"alice"}, got[1].Users)
	assert.Len(t, h.conns, 1)
	assert.Len(t, h.entries, 1)
}

func TestDuplicateNicksAreAllowed(t *testing.T) {
	h := newTestHub()
	first := join(t, h, "sam", "#cafe")
	second := join(t, h, "sam", "#cafe")
	drain(first)

	got := drain(second)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"sam", "sam"}, got[2].Users)
}

func TestSecondConnectIsRejected(t *testing.T) {
	h := newTestHub()
	c := join(t, h, "alice", "#cafe")
	drain(c)

	request(t, h, c, protocol.Connect("irc.example", "alice", "#lounge"))
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.Error("Already joined #cafe"), got[0])
	assert.Equal(t, "#cafe", h.entries[c].Channel)
}

func TestConnectRequiresNickAndChannel(t *testing.T) {
	h := newTestHub()
	c := accepted(t, h, 8)

	request(t, h, c, protocol.Connect("irc.example", "", "#cafe"))
	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeError, got[0].Type)
	assert.Empty(t, h.entries)
}

func TestSlowPeerIsDroppedWithoutStallingOthers(t *testing.T) {
	h := newTestHub()
	alice := join(t, h, "alice", "#cafe")
	drain(alice)

	slow := accepted(t, h, 4)
	request(t, h, slow, protocol.Connect("irc.example", "slow", "#cafe"))
	// connected, welcome and user list leave room for one more frame.
	drain(alice)

	request(t, h, alice, protocol.Say("one"))
	request(t, h, alice, protocol.Say("two"))

	assert.Equal(t, stateClosed, slow.state)
	assert.NotContains(t, h.entries, slow)

	got := drain(alice)
	require.Len(t, got, 2)
	assert.Equal(t, "slow has left #cafe", got[0].Text)
	assert.Equal(t, []string{"alice"}, got[1].Users)
}

type recordingTap struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingTap) Publish(subject string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func TestTapPublishesActivity(t *testing.T) {
	tap := &recordingTap{}
	h := newTestHub(WithTap(tap, "cafe"))

	alice := join(t, h, "alice", "#cafe")
	request(t, h, alice, protocol.Say("hi"))
	request(t, h, alice, protocol.Disconnect())

	assert.Equal(t, []string{"cafe.joined", "cafe.message", "cafe.left"}, tap.subjects)
}

func TestRunServesStatsAndStops(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := newConn(nil, "pipe", 8)
	require.True(t, h.submit(event{kind: eventAccept, conn: c}))
	data, err := protocol.Encode(protocol.Connect("irc.example", "alice", "#cafe"))
	require.NoError(t, err)
	require.True(t, h.submit(event{kind: eventFrame, conn: c, data: data}))

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 1, stats.Members)
	assert.Equal(t, map[string]int{"#cafe": 1}, stats.Channels)

	cancel()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	_, err = h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, h.submit(event{kind: eventClose, conn: c}))
}

func TestStopClosesQueuedAccepts(t *testing.T) {
	h := newTestHub()
	c := newConn(nil, "pipe", 8)
	require.True(t, h.submit(event{kind: eventAccept, conn: c}))

	h.stop()

	assert.Equal(t, stateClosed, c.state)
	assert.True(t, isClosed(c))
	assert.NotContains(t, h.conns, c)
	assert.False(t, h.submit(event{kind: eventAccept, conn: newConn(nil, "pipe", 8)}))
}

func TestShutdownLeavesNoAcceptedConnOpen(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	accepted := make(chan *Conn, 400)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c := newConn(nil, "pipe", 4)
				if h.submit(event{kind: eventAccept, conn: c}) {
					accepted <- c
				}
			}
		}()
	}
	cancel()
	wg.Wait()
	<-h.Done()

	close(accepted)
	for c := range accepted {
		assert.Equal(t, stateClosed, c.state, "conn %s", c.ID)
	}
}
