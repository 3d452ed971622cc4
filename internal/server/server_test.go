package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/oceanchat/session-server/internal/coordinator"
	"github.com/oceanchat/session-server/internal/protocol"
)

// newTestServer starts a coordinator plus the HTTP surface on an ephemeral
// port and returns the base URL.
func newTestServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()

	coord := coordinator.New(coordinator.Config{
		PairInterval:  20 * time.Millisecond,
		StatsInterval: time.Hour,
		MailboxSize:   64,
	}, coordinator.Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)

	cfg := DefaultConfig()
	cfg.ReadTimeout = 5 * time.Second
	s := New(cfg, coord, nil)
	s.startedAt = time.Now()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts, coord
}

// dial opens a pairing WebSocket for the given scores path segment and id.
func dial(t *testing.T, ts *httptest.Server, scores, id string) net.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/pair/" + scores + "/" + id
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvMsg(t *testing.T, conn net.Conn) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return msg
}

func sendMsg(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func getStatus(t *testing.T, ts *httptest.Server, id string) protocol.UserStatus {
	t.Helper()

	resp, err := http.Get(ts.URL + "/status/" + id)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	var status protocol.UserStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("status decode: %v", err)
	}
	return status
}

func TestPairEndToEnd(t *testing.T) {
	ts, _ := newTestServer(t)

	alice := dial(t, ts, "10,10,10,10,10", "alice")
	bob := dial(t, ts, "90,90,90,90,90", "bob")

	// Both sides get the greeting once the matchmaker pairs them.
	for _, conn := range []net.Conn{alice, bob} {
		if msg := recvMsg(t, conn); msg.Tag != protocol.TagInfo {
			t.Fatalf("expected greeting Info, got %+v", msg)
		}
		if msg := recvMsg(t, conn); msg.Tag != protocol.TagPeerScores {
			t.Fatalf("expected PeerScores, got %+v", msg)
		}
	}

	sendMsg(t, alice, protocol.User("hello bob"))
	if msg := recvMsg(t, bob); msg.Tag != protocol.TagUser || msg.Text != "hello bob" {
		t.Errorf("bob should receive alice's message, got %+v", msg)
	}
}

func TestPairRejectsBadScores(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{
		"/pair/1,2,3/alice",          // wrong count
		"/pair/1,2,3,4,x/alice",      // malformed
		"/pair/1,2,3,4,500/alice",    // out of range
		"/pair/10,10,10,10,10/",      // missing id
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected rejection, got %d", path, resp.StatusCode)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	if got := getStatus(t, ts, "ghost"); got != protocol.StatusDisconnected {
		t.Errorf("unknown id should be Disconnected, got %s", got)
	}

	dial(t, ts, "50,50,50,50,50", "carol")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if getStatus(t, ts, "carol") == protocol.StatusWaiting {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("carol never reached Waiting, got %s", getStatus(t, ts, "carol"))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("health decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("unexpected health body: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	ts, _ := newTestServer(t)

	conn := dial(t, ts, "50,50,50,50,50", "dave")
	sendMsg(t, conn, protocol.Ping())
	if msg := recvMsg(t, conn); msg.Tag != protocol.TagPing {
		t.Errorf("expected Ping echo, got %+v", msg)
	}
}
