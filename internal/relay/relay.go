// Package relay runs the message loop for one active pair. A relay owns its
// two endpoints for the lifetime of the pair: it greets both sides, forwards
// chat frames between them, and reports how the pair ended so the state
// coordinator can re-home the survivor.
package relay

import (
	"fmt"
	"log"
	"sync"
	"unicode/utf8"

	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/metrics"
	"github.com/oceanchat/session-server/internal/protocol"
)

const (
	// MaxMessageBytes caps a single chat frame's payload size.
	MaxMessageBytes = 4096
	// MaxTextChars caps a single chat frame's character count.
	MaxTextChars = 2000
)

// Cause says why a relay stopped.
type Cause int

const (
	// CauseStopped means Stop was called; both endpoints are still live.
	CauseStopped Cause = iota
	// CauseLeftClosed means the left endpoint's socket went away.
	CauseLeftClosed
	// CauseRightClosed means the right endpoint's socket went away.
	CauseRightClosed
	// CauseForwardFailed means a Send to one side failed, closing that side.
	CauseForwardFailed
)

func (c Cause) String() string {
	switch c {
	case CauseStopped:
		return "stopped"
	case CauseLeftClosed:
		return "left_closed"
	case CauseRightClosed:
		return "right_closed"
	case CauseForwardFailed:
		return "forward_failed"
	default:
		return "unknown"
	}
}

// Result describes a finished relay. Notified carries the id of the peer the
// relay already sent ConnectionClosed to, so the coordinator does not send a
// second one; it is empty when the relay notified nobody.
type Result struct {
	Left     *endpoint.Endpoint
	Right    *endpoint.Endpoint
	Cause    Cause
	Notified string
}

// Relay forwards chat frames between two endpoints until one side leaves or
// the coordinator stops it.
type Relay struct {
	left  *endpoint.Endpoint
	right *endpoint.Endpoint

	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
	done     chan Result
}

// Start greets both endpoints and begins relaying in a new goroutine. The
// greeting is an Info line followed by the peer's scores, sent to each side.
func Start(left, right *endpoint.Endpoint) *Relay {
	r := &Relay{
		left:     left,
		right:    right,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		done:     make(chan Result, 1),
	}

	_ = left.Send(protocol.Info("connected to peer!"))
	_ = left.Send(protocol.PeerScores(right.Scores()))
	_ = right.Send(protocol.Info("connected to peer!"))
	_ = right.Send(protocol.PeerScores(left.Scores()))

	go r.run()
	return r
}

// Stop asks the relay to return its endpoints. Idempotent.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Done yields the relay's Result exactly once, after the loop has exited and
// both endpoints are detached.
func (r *Relay) Done() <-chan Result {
	return r.done
}

func (r *Relay) run() {
	leftFrames := r.left.AttachRelay(r.finished)
	rightFrames := r.right.AttachRelay(r.finished)

	defer func() {
		r.left.DetachRelay()
		r.right.DetachRelay()
	}()

	res := Result{Left: r.left, Right: r.right}

	for {
		select {
		case <-r.stop:
			res.Cause = CauseStopped
			r.finish(res)
			return

		case f := <-leftFrames:
			if f.Closed {
				res.Cause = CauseLeftClosed
				res.Notified = r.notifyPeer(r.right)
				r.finish(res)
				return
			}
			if !r.forward(r.left, r.right, f.Text) {
				res.Cause = CauseForwardFailed
				res.Notified = r.notifyPeer(r.left)
				r.finish(res)
				return
			}

		case f := <-rightFrames:
			if f.Closed {
				res.Cause = CauseRightClosed
				res.Notified = r.notifyPeer(r.left)
				r.finish(res)
				return
			}
			if !r.forward(r.right, r.left, f.Text) {
				res.Cause = CauseForwardFailed
				res.Notified = r.notifyPeer(r.right)
				r.finish(res)
				return
			}
		}
	}
}

// finish closes the frame channels' escape hatch, then publishes the result.
func (r *Relay) finish(res Result) {
	close(r.finished)
	r.done <- res
}

// forward validates and delivers one chat frame from sender to receiver.
// Invalid frames are rejected back to the sender and do not end the pair;
// a failed delivery to the receiver does.
func (r *Relay) forward(from, to *endpoint.Endpoint, text string) bool {
	if err := validate(text); err != nil {
		metrics.MessagesRelayed.WithLabelValues("blocked").Inc()
		_ = from.Send(protocol.Info(fmt.Sprintf("message rejected: %v", err)))
		return true
	}

	if err := to.Send(protocol.User(text)); err != nil {
		log.Printf("[relay] forward %s -> %s failed: %v", from.ID(), to.ID(), err)
		return false
	}
	metrics.MessagesRelayed.WithLabelValues("forwarded").Inc()
	return true
}

// notifyPeer tells the surviving side its partner is gone. Returns the id it
// notified, or "" if the send did not go through.
func (r *Relay) notifyPeer(peer *endpoint.Endpoint) string {
	if err := peer.Send(protocol.ConnectionClosed()); err != nil {
		return ""
	}
	return peer.ID()
}

// validate checks a chat frame against content limits.
func validate(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
