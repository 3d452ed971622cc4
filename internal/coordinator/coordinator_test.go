package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/protocol"
	"github.com/oceanchat/session-server/internal/score"
)

// user is one simulated client: its endpoint plus the client side of the pipe.
type user struct {
	id     string
	ep     *endpoint.Endpoint
	client net.Conn
}

func startCoordinator(t *testing.T, pairInterval time.Duration) *Coordinator {
	t.Helper()

	c := New(Config{
		PairInterval:  pairInterval,
		StatsInterval: time.Hour,
		MailboxSize:   64,
	}, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c
}

// connect builds an endpoint wired to the coordinator and enqueues it, as
// the HTTP layer does after a successful upgrade.
func connect(t *testing.T, c *Coordinator, id string, v float64) *user {
	t.Helper()

	client, server := net.Pipe()
	cfg := endpoint.Config{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MailboxSize:  32,
	}
	ep := endpoint.New(server, id, score.Scores{O: v, C: v, E: v, A: v, N: v}, c.Events(), cfg)
	c.Enqueue(ep)

	t.Cleanup(func() {
		ep.Close()
		client.Close()
	})
	return &user{id: id, ep: ep, client: client}
}

func (u *user) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(u.client, ws.OpText, data); err != nil {
		t.Fatalf("%s: client write: %v", u.id, err)
	}
}

func (u *user) recv(t *testing.T) protocol.Message {
	t.Helper()
	_ = u.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(u.client)
	if err != nil {
		t.Fatalf("%s: client read: %v", u.id, err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("%s: client decode %q: %v", u.id, data, err)
	}
	return msg
}

// recvGreeting consumes the pairing greeting and returns the peer's scores.
func (u *user) recvGreeting(t *testing.T) score.Scores {
	t.Helper()
	if msg := u.recv(t); msg.Tag != protocol.TagInfo {
		t.Fatalf("%s: expected greeting Info, got %+v", u.id, msg)
	}
	msg := u.recv(t)
	if msg.Tag != protocol.TagPeerScores {
		t.Fatalf("%s: expected PeerScores, got %+v", u.id, msg)
	}
	return msg.Scores
}

// waitStatus polls the HTTP status surface until it reports want.
func waitStatus(t *testing.T, c *Coordinator, id string, want protocol.UserStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Status(context.Background(), id) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("id=%s never reached %s (last: %s)", id, want, c.Status(context.Background(), id))
}

func TestTwoUsersArePairedAndCanChat(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a := connect(t, c, "a", 10)
	b := connect(t, c, "b", 90)

	if got := a.recvGreeting(t); got != b.ep.Scores() {
		t.Errorf("a should see b's scores, got %+v", got)
	}
	if got := b.recvGreeting(t); got != a.ep.Scores() {
		t.Errorf("b should see a's scores, got %+v", got)
	}

	a.send(t, protocol.User("hi"))
	if msg := b.recv(t); msg.Tag != protocol.TagUser || msg.Text != "hi" {
		t.Errorf("b should receive a's message, got %+v", msg)
	}
	b.send(t, protocol.User("hey"))
	if msg := a.recv(t); msg.Tag != protocol.TagUser || msg.Text != "hey" {
		t.Errorf("a should receive b's message, got %+v", msg)
	}
}

func TestStatusAcrossLifecycle(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)

	if got := c.Status(context.Background(), "nobody"); got != protocol.StatusDisconnected {
		t.Errorf("unknown id should be Disconnected, got %s", got)
	}

	a := connect(t, c, "a", 99)
	waitStatus(t, c, "a", protocol.StatusWaiting)

	b := connect(t, c, "b", 1)
	waitStatus(t, c, "a", protocol.StatusConnected)
	waitStatus(t, c, "b", protocol.StatusConnected)
	a.recvGreeting(t)
	b.recvGreeting(t)

	// The in-band query surface reports the same thing.
	a.send(t, protocol.GetStatus())
	if msg := a.recv(t); msg.Tag != protocol.TagStatus || msg.Status != protocol.StatusConnected {
		t.Errorf("unexpected in-band status: %+v", msg)
	}
}

func TestPartnerDisconnectMovesSurvivorToIdle(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a := connect(t, c, "a", 10)
	b := connect(t, c, "b", 90)
	a.recvGreeting(t)
	b.recvGreeting(t)

	a.client.Close()

	if msg := b.recv(t); msg.Tag != protocol.TagConnectionClosed {
		t.Errorf("b should be told a left, got %+v", msg)
	}
	waitStatus(t, c, "b", protocol.StatusIdle)
	waitStatus(t, c, "a", protocol.StatusDisconnected)
}

func TestIdleUserCanRejoinTheQueue(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a := connect(t, c, "a", 10)
	b := connect(t, c, "b", 90)
	a.recvGreeting(t)
	b.recvGreeting(t)

	a.client.Close()
	if msg := b.recv(t); msg.Tag != protocol.TagConnectionClosed {
		t.Fatalf("b should be told a left, got %+v", msg)
	}
	waitStatus(t, c, "b", protocol.StatusIdle)

	b.send(t, protocol.StateChange(protocol.StatusWaiting))
	waitStatus(t, c, "b", protocol.StatusWaiting)

	d := connect(t, c, "d", 50)
	if got := b.recvGreeting(t); got != d.ep.Scores() {
		t.Errorf("b should be re-paired with d, got %+v", got)
	}
	d.recvGreeting(t)
	waitStatus(t, c, "b", protocol.StatusConnected)
}

func TestWaitingUserCanGoIdle(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a := connect(t, c, "a", 10)
	waitStatus(t, c, "a", protocol.StatusWaiting)

	a.send(t, protocol.StateChange(protocol.StatusIdle))
	waitStatus(t, c, "a", protocol.StatusIdle)

	// An idle user must not be matched.
	connect(t, c, "b", 10)
	time.Sleep(100 * time.Millisecond)
	if got := c.Status(context.Background(), "a"); got != protocol.StatusIdle {
		t.Errorf("a should stay idle, got %s", got)
	}
	if got := c.Status(context.Background(), "b"); got != protocol.StatusWaiting {
		t.Errorf("b should stay waiting, got %s", got)
	}
}

func TestDuplicateIDEvictsOldConnection(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a1 := connect(t, c, "a", 10)
	waitStatus(t, c, "a", protocol.StatusWaiting)

	a2 := connect(t, c, "a", 20)
	waitStatus(t, c, "a", protocol.StatusWaiting)

	// The first socket is torn down.
	_ = a1.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := wsutil.ReadServerText(a1.client); err == nil {
		t.Error("evicted connection should be closed")
	}

	// The replacement is the one that gets paired.
	b := connect(t, c, "b", 20)
	if got := a2.recvGreeting(t); got != b.ep.Scores() {
		t.Errorf("replacement should pair with b, got %+v", got)
	}
	b.recvGreeting(t)
}

func TestDuplicateIDEvictionStrandsPartnerAsIdle(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	a1 := connect(t, c, "a", 10)
	b := connect(t, c, "b", 90)
	a1.recvGreeting(t)
	b.recvGreeting(t)

	connect(t, c, "a", 10)

	if msg := b.recv(t); msg.Tag != protocol.TagConnectionClosed {
		t.Errorf("b should be told its partner left, got %+v", msg)
	}
	waitStatus(t, c, "b", protocol.StatusIdle)
	waitStatus(t, c, "a", protocol.StatusWaiting)
}

func TestNearestNeighborWinsTheSecondSlot(t *testing.T) {
	// Long interval so all three users are queued before the first pass.
	c := startCoordinator(t, 300*time.Millisecond)
	a := connect(t, c, "a", 0)
	connect(t, c, "b", 90)
	d := connect(t, c, "d", 10)

	if got := a.recvGreeting(t); got != d.ep.Scores() {
		t.Errorf("a should pair with the nearest user d, got %+v", got)
	}
	d.recvGreeting(t)
	waitStatus(t, c, "b", protocol.StatusWaiting)
}

func TestSilentWaiterTimesOutToDisconnected(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)

	client, server := net.Pipe()
	cfg := endpoint.Config{
		ReadTimeout:  150 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		MailboxSize:  32,
	}
	ep := endpoint.New(server, "a", score.Scores{O: 50, C: 50, E: 50, A: 50, N: 50}, c.Events(), cfg)
	c.Enqueue(ep)
	t.Cleanup(func() {
		ep.Close()
		client.Close()
	})

	waitStatus(t, c, "a", protocol.StatusWaiting)

	// No frames at all: the idle deadline removes the user.
	waitStatus(t, c, "a", protocol.StatusDisconnected)
}

func TestCountsTrackContainers(t *testing.T) {
	c := startCoordinator(t, 20*time.Millisecond)
	connect(t, c, "a", 10)
	connect(t, c, "b", 90)
	waitStatus(t, c, "a", protocol.StatusConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts := c.Counts()
		if counts.Pairs == 1 && counts.Connections == 2 && counts.Waiting == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("counts never converged: %+v", c.Counts())
}
