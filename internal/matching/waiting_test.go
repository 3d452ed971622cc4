package matching

import (
	"net"
	"testing"
	"time"

	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/score"
)

// newEndpoint builds a live endpoint over a pipe with the given scores.
func newEndpoint(t *testing.T, id string, s score.Scores) *endpoint.Endpoint {
	t.Helper()

	client, server := net.Pipe()
	events := make(chan endpoint.Event, 8)
	cfg := endpoint.Config{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MailboxSize:  32,
	}
	ep := endpoint.New(server, id, s, events, cfg)

	t.Cleanup(func() {
		ep.Close()
		client.Close()
		// Drain the Remove event so the reader goroutine can exit.
		select {
		case <-events:
		case <-time.After(time.Second):
		}
	})
	return ep
}

func uniformScores(v float64) score.Scores {
	return score.Scores{O: v, C: v, E: v, A: v, N: v}
}

func TestPopPairNeedsTwoUsers(t *testing.T) {
	q := NewWaitingQueue()

	if l, r, _ := q.PopPair(); l != nil || r != nil {
		t.Error("empty queue should not produce a pair")
	}

	q.Queue(newEndpoint(t, "a", uniformScores(50)))
	if l, r, _ := q.PopPair(); l != nil || r != nil {
		t.Error("single user should not produce a pair")
	}
	if q.Len() != 1 {
		t.Errorf("lone user should remain queued, len=%d", q.Len())
	}
}

func TestPopPairPicksNearestToLongestWaiter(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(0))
	b := newEndpoint(t, "b", uniformScores(90))
	c := newEndpoint(t, "c", uniformScores(10))
	q.Queue(a)
	q.Queue(b)
	q.Queue(c)

	left, right, _ := q.PopPair()
	if left != a {
		t.Errorf("left should be the longest waiter a, got %v", left)
	}
	if right != c {
		t.Errorf("right should be nearest neighbor c, got %v", right)
	}
	if q.Len() != 1 || !q.Has("b") {
		t.Errorf("b should remain queued, len=%d", q.Len())
	}
}

func TestPopPairTieBreaksOnArrival(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(50))
	b := newEndpoint(t, "b", uniformScores(60))
	c := newEndpoint(t, "c", uniformScores(60))
	q.Queue(a)
	q.Queue(b)
	q.Queue(c)

	_, right, _ := q.PopPair()
	if right != b {
		t.Errorf("equal distances should favor the earlier arrival b, got %v", right)
	}
}

func TestPopPairDiscardsClosedEntries(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(0))
	b := newEndpoint(t, "b", uniformScores(1))
	c := newEndpoint(t, "c", uniformScores(90))
	q.Queue(a)
	q.Queue(b)
	q.Queue(c)

	// b disconnects while queued: it must never be handed out.
	b.Close()
	time.Sleep(20 * time.Millisecond)

	left, right, _ := q.PopPair()
	if left != a || right != c {
		t.Errorf("expected a+c, got %v %v", left, right)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty, len=%d", q.Len())
	}
}

func TestPopPairWithOnlyOneLiveUser(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(0))
	b := newEndpoint(t, "b", uniformScores(1))
	q.Queue(a)
	q.Queue(b)

	b.Close()
	time.Sleep(20 * time.Millisecond)

	if l, r, _ := q.PopPair(); l != nil || r != nil {
		t.Error("one live user should not produce a pair")
	}
	if !q.Has("a") {
		t.Error("live user should remain queued")
	}
}

func TestTakeRemovesQueuedUser(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(50))
	q.Queue(a)

	if got := q.Take("a"); got != a {
		t.Errorf("expected a, got %v", got)
	}
	if q.Take("a") != nil {
		t.Error("second take should find nothing")
	}
	if q.Len() != 0 {
		t.Errorf("queue should be empty, len=%d", q.Len())
	}
}

func TestQueueOrderIsArrivalOrder(t *testing.T) {
	q := NewWaitingQueue()
	a := newEndpoint(t, "a", uniformScores(10))
	b := newEndpoint(t, "b", uniformScores(20))
	q.Queue(a)
	q.Queue(b)

	all := q.All()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Errorf("unexpected order: %v", all)
	}

	if _, ok := q.QueuedAt("a"); !ok {
		t.Error("QueuedAt should find a")
	}
}

func TestIdleSet(t *testing.T) {
	s := NewIdleSet()
	a := newEndpoint(t, "a", uniformScores(50))

	if s.Has("a") || s.Len() != 0 {
		t.Error("new set should be empty")
	}

	s.Add(a)
	if !s.Has("a") || s.Len() != 1 {
		t.Error("a should be idle")
	}

	if got := s.Take("a"); got != a {
		t.Errorf("expected a, got %v", got)
	}
	if s.Take("a") != nil {
		t.Error("second take should find nothing")
	}
}
