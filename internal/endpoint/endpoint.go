// Package endpoint owns the server side of one client WebSocket. Each
// endpoint runs two goroutines: a reader that decodes inbound frames,
// enforces the read-timeout, and emits lifecycle events, and a writer that
// drains a bounded outbound mailbox. The endpoint is the only code that
// touches its socket; everything else interacts through Send, the relay
// channel, and the close signal.
package endpoint

import (
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/oceanchat/session-server/internal/protocol"
	"github.com/oceanchat/session-server/internal/score"
)

// Config holds per-endpoint tunables.
type Config struct {
	ReadTimeout  time.Duration // idle deadline, reset on every inbound frame
	WriteTimeout time.Duration // deadline for a single outbound frame write
	MailboxSize  int           // outbound mailbox capacity
}

// DefaultConfig returns production defaults: 120s read-timeout per the
// pairing protocol, 10s write timeout, 32-slot mailbox.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 10 * time.Second,
		MailboxSize:  32,
	}
}

var (
	// ErrClosed is returned by Send after the endpoint has shut down.
	ErrClosed = errors.New("endpoint: closed")

	// ErrMailboxFull is returned by Send when the outbound mailbox
	// overflows. Overflow is fatal: the endpoint closes itself.
	ErrMailboxFull = errors.New("endpoint: outbound mailbox full")
)

// RelayFrame is one item handed from an endpoint's reader to the pair relay.
// Closed marks the end of the stream: the endpoint's socket is gone.
type RelayFrame struct {
	Text   string
	Closed bool
}

// Endpoint wraps one accepted WebSocket connection.
type Endpoint struct {
	id          string
	scores      score.Scores
	connectedAt time.Time
	conn        net.Conn
	cfg         Config
	events      chan<- Event

	out       chan protocol.Message
	closeCh   chan struct{}
	closeOnce sync.Once

	relayMu       sync.Mutex
	relayCh       chan RelayFrame
	relayFinished <-chan struct{}
}

// New creates an endpoint over an upgraded WebSocket connection and starts
// its reader and writer goroutines. Lifecycle events are emitted on events;
// the caller is expected to route an Enqueue event itself after creation.
func New(conn net.Conn, id string, scores score.Scores, events chan<- Event, cfg Config) *Endpoint {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}

	e := &Endpoint{
		id:          id,
		scores:      scores,
		connectedAt: time.Now(),
		conn:        conn,
		cfg:         cfg,
		events:      events,
		out:         make(chan protocol.Message, cfg.MailboxSize),
		closeCh:     make(chan struct{}),
	}

	go e.writeLoop()
	go e.readLoop()

	return e
}

// ID returns the client-supplied identity token.
func (e *Endpoint) ID() string { return e.id }

// Scores returns the user's personality vector.
func (e *Endpoint) Scores() score.Scores { return e.scores }

// ConnectedAt returns the time the socket was accepted.
func (e *Endpoint) ConnectedAt() time.Time { return e.connectedAt }

// Closed returns a channel that is closed once the endpoint begins shutdown.
func (e *Endpoint) Closed() <-chan struct{} { return e.closeCh }

// IsClosed reports whether the endpoint has begun shutdown.
func (e *Endpoint) IsClosed() bool {
	select {
	case <-e.closeCh:
		return true
	default:
		return false
	}
}

// Send queues a message for delivery. Delivery is best-effort FIFO; a full
// mailbox is fatal for the endpoint (the connection is not keeping up and
// blocking here would stall the relay).
func (e *Endpoint) Send(msg protocol.Message) error {
	select {
	case <-e.closeCh:
		return ErrClosed
	default:
	}

	select {
	case e.out <- msg:
		return nil
	case <-e.closeCh:
		return ErrClosed
	default:
		log.Printf("endpoint: mailbox overflow id=%s, closing", e.id)
		e.Close()
		return ErrMailboxFull
	}
}

// Close requests shutdown. It is idempotent and returns immediately; the
// writer drains pending frames, sends a Close frame, and tears down the
// socket, which in turn unblocks the reader.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.closeCh)
	})
}

// AttachRelay installs the relay channel that User frames are forwarded on.
// finished must be closed by the relay when it stops consuming, so that
// pending forwards never block a dead relay. If the endpoint has already
// closed, the returned channel carries the Closed marker up front.
func (e *Endpoint) AttachRelay(finished <-chan struct{}) <-chan RelayFrame {
	ch := make(chan RelayFrame, 32)

	e.relayMu.Lock()
	e.relayCh = ch
	e.relayFinished = finished
	e.relayMu.Unlock()

	if e.IsClosed() {
		ch <- RelayFrame{Closed: true}
	}
	return ch
}

// DetachRelay removes the relay channel. Subsequent User frames are dropped.
func (e *Endpoint) DetachRelay() {
	e.relayMu.Lock()
	e.relayCh = nil
	e.relayFinished = nil
	e.relayMu.Unlock()
}

// forwardToRelay hands a chat frame to the installed relay. With no relay
// installed the frame is dropped silently.
func (e *Endpoint) forwardToRelay(frame RelayFrame) {
	e.relayMu.Lock()
	ch, finished := e.relayCh, e.relayFinished
	e.relayMu.Unlock()

	if ch == nil {
		return
	}
	select {
	case ch <- frame:
	case <-finished:
	case <-e.closeCh:
		// Still deliver a Closed marker if that's what we carry; the
		// relay needs it to notice the departure.
		if frame.Closed {
			select {
			case ch <- frame:
			case <-finished:
			}
		}
	}
}

// readLoop decodes inbound frames and dispatches them until the socket
// fails, the client closes, or the read-timeout fires. On exit it emits a
// single Remove event and marks the relay stream closed.
func (e *Endpoint) readLoop() {
	defer func() {
		e.Close()
		e.forwardToRelay(RelayFrame{Closed: true})
		e.events <- Event{Kind: EventRemove, EP: e, ID: e.id}
	}()

	for {
		if e.cfg.ReadTimeout > 0 {
			_ = e.conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		}

		data, op, err := wsutil.ReadClientData(e.conn)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("endpoint: read timeout id=%s", e.id)
			} else if !e.IsClosed() {
				log.Printf("endpoint: read failed id=%s: %v", e.id, err)
			}
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("endpoint: malformed frame id=%s: %v", e.id, err)
			return
		}

		e.dispatch(msg)
	}
}

// dispatch routes one decoded client message. Any decoded frame has already
// refreshed the read deadline by reaching this point.
func (e *Endpoint) dispatch(msg protocol.Message) {
	switch msg.Tag {
	case protocol.TagPing, protocol.TagPong:
		// Echo so simple clients can verify liveness without distinct
		// pong handling.
		_ = e.Send(protocol.Ping())

	case protocol.TagGetStatus:
		reply := make(chan protocol.UserStatus, 1)
		e.events <- Event{Kind: EventStatus, EP: e, ID: e.id, Reply: reply}
		select {
		case st := <-reply:
			_ = e.Send(protocol.Status(st))
		case <-e.closeCh:
		}

	case protocol.TagStateChange:
		if !protocol.ValidStateChange(msg.Status) {
			log.Printf("endpoint: invalid state change %q id=%s", msg.Status, e.id)
			return
		}
		e.events <- Event{Kind: EventStateChange, EP: e, ID: e.id, Target: msg.Status}

	case protocol.TagUser:
		e.forwardToRelay(RelayFrame{Text: msg.Text})

	default:
		// Server-to-client tags arriving upstream: protocol error,
		// logged and dropped, connection continues.
		log.Printf("endpoint: unexpected client tag %q id=%s", msg.Tag, e.id)
	}
}

// writeLoop delivers mailbox messages in order. On the close signal it
// drains whatever is pending, sends a Close frame, and closes the socket.
func (e *Endpoint) writeLoop() {
	for {
		select {
		case msg := <-e.out:
			if !e.writeMessage(msg) {
				e.Close()
				e.conn.Close()
				return
			}
		case <-e.closeCh:
			e.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes pending outbound frames, then performs the closing
// handshake and tears down the socket.
func (e *Endpoint) drainAndClose() {
	for {
		select {
		case msg := <-e.out:
			if !e.writeMessage(msg) {
				e.conn.Close()
				return
			}
		default:
			if e.cfg.WriteTimeout > 0 {
				_ = e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
			}
			_ = ws.WriteFrame(e.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			e.conn.Close()
			return
		}
	}
}

// writeMessage writes a single text frame, reporting success.
func (e *Endpoint) writeMessage(msg protocol.Message) bool {
	data, err := msg.Encode()
	if err != nil {
		log.Printf("endpoint: encode failed id=%s: %v", e.id, err)
		return true // drop the frame, keep the connection
	}

	if e.cfg.WriteTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	}
	if err := wsutil.WriteServerMessage(e.conn, ws.OpText, data); err != nil {
		if !e.IsClosed() {
			log.Printf("endpoint: write failed id=%s: %v", e.id, err)
		}
		return false
	}
	return true
}
