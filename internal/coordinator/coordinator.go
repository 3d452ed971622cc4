// Package coordinator implements the state machine at the center of the
// session server. A single goroutine owns the waiting queue, the idle set,
// and the pair registry, and is the only code that moves users between
// them; endpoints and the HTTP surface talk to it through its event
// mailbox. The matchmaker is a ticker case inside the same loop, so pair
// formation is serialized with every other mutation by construction.
package coordinator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/history"
	"github.com/oceanchat/session-server/internal/matching"
	"github.com/oceanchat/session-server/internal/messaging"
	"github.com/oceanchat/session-server/internal/metrics"
	"github.com/oceanchat/session-server/internal/protocol"
	"github.com/oceanchat/session-server/internal/registry"
	"github.com/oceanchat/session-server/internal/relay"
	"github.com/oceanchat/session-server/internal/session"
)

// Config holds coordinator tunables.
type Config struct {
	PairInterval  time.Duration // matchmaker tick
	StatsInterval time.Duration // periodic count logging
	MailboxSize   int           // event mailbox capacity
}

// DefaultConfig returns production defaults: one pairing pass per second.
func DefaultConfig() Config {
	return Config{
		PairInterval:  time.Second,
		StatsInterval: time.Minute,
		MailboxSize:   128,
	}
}

// Deps are the optional backing services. Any of them may be nil; the
// coordinator is fully functional on its in-memory state alone.
type Deps struct {
	Sessions *session.Store    // Redis presence mirror
	Bus      *messaging.Client // NATS lifecycle events
	History  *history.Store    // Postgres pair history
}

// Counts is a point-in-time snapshot of the coordinator's containers.
type Counts struct {
	Connections int `json:"connections"`
	Waiting     int `json:"waiting"`
	Idle        int `json:"idle"`
	Pairs       int `json:"pairs"`
}

// Coordinator owns all session state. Construct with New, start with Run.
type Coordinator struct {
	cfg  Config
	deps Deps

	events  chan endpoint.Event
	waiting *matching.WaitingQueue
	idle    *matching.IdleSet
	pairs   *registry.Registry

	mu     sync.Mutex
	counts Counts
}

// New creates a coordinator. Run must be called before events flow.
func New(cfg Config, deps Deps) *Coordinator {
	if cfg.PairInterval <= 0 {
		cfg.PairInterval = DefaultConfig().PairInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultConfig().StatsInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}

	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		events:  make(chan endpoint.Event, cfg.MailboxSize),
		waiting: matching.NewWaitingQueue(),
		idle:    matching.NewIdleSet(),
		pairs:   registry.New(),
	}
}

// Events returns the mailbox endpoints emit their lifecycle events on.
func (c *Coordinator) Events() chan<- endpoint.Event {
	return c.events
}

// Enqueue admits a freshly accepted endpoint into the waiting queue.
func (c *Coordinator) Enqueue(ep *endpoint.Endpoint) {
	c.events <- endpoint.Event{Kind: endpoint.EventEnqueue, EP: ep, ID: ep.ID()}
}

// Status answers the user's current status for the HTTP surface. Unknown
// ids report Disconnected.
func (c *Coordinator) Status(ctx context.Context, id string) protocol.UserStatus {
	reply := make(chan protocol.UserStatus, 1)
	select {
	case c.events <- endpoint.Event{Kind: endpoint.EventStatus, ID: id, Reply: reply}:
	case <-ctx.Done():
		return protocol.StatusDisconnected
	}
	select {
	case st := <-reply:
		return st
	case <-ctx.Done():
		return protocol.StatusDisconnected
	}
}

// Counts returns the latest container snapshot.
func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Run processes events until ctx is cancelled, then closes every live
// endpoint. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) {
	pairTicker := time.NewTicker(c.cfg.PairInterval)
	defer pairTicker.Stop()
	statsTicker := time.NewTicker(c.cfg.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return

		case ev := <-c.events:
			c.handle(ev)

		case <-pairTicker.C:
			c.formPairs()

		case <-statsTicker.C:
			counts := c.Counts()
			log.Printf("[coordinator] connections=%d waiting=%d idle=%d pairs=%d",
				counts.Connections, counts.Waiting, counts.Idle, counts.Pairs)
		}

		c.refreshCounts()
	}
}

func (c *Coordinator) handle(ev endpoint.Event) {
	switch ev.Kind {
	case endpoint.EventEnqueue:
		c.handleEnqueue(ev.EP)
	case endpoint.EventStateChange:
		c.handleStateChange(ev.EP, ev.Target)
	case endpoint.EventRemove:
		c.handleRemove(ev.EP)
	case endpoint.EventStatus:
		ev.Reply <- c.statusOf(ev.ID)
	default:
		log.Printf("[coordinator] unknown event kind %v", ev.Kind)
	}
}

// handleEnqueue admits a new endpoint, evicting any same-id occupant first.
// Eviction and admission happen in one handler invocation, so no other
// event can observe the id in two places.
func (c *Coordinator) handleEnqueue(ep *endpoint.Endpoint) {
	if c.evict(ep.ID(), "evicted") {
		log.Printf("[coordinator] evicted stale connection id=%s", ep.ID())
		metrics.Removals.WithLabelValues("evicted").Inc()
	}

	c.waiting.Queue(ep)
	log.Printf("[coordinator] user queued id=%s", ep.ID())

	c.async(func(ctx context.Context) {
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.Create(ctx, ep.ID(), ep.Scores()); err != nil {
				log.Printf("[coordinator] presence create id=%s: %v", ep.ID(), err)
			}
		}
		if c.deps.Bus != nil {
			if err := c.deps.Bus.PublishUserConnected(ep.ID()); err != nil {
				log.Printf("[coordinator] publish user.connected id=%s: %v", ep.ID(), err)
			}
		}
	})
}

// handleStateChange moves the endpoint to the requested container. A user
// leaving an active pair strands their partner, who is notified and moved
// to Idle.
func (c *Coordinator) handleStateChange(ep *endpoint.Endpoint, target protocol.UserStatus) {
	id := ep.ID()

	if !c.waiting.Remove(ep) && !c.idle.Remove(ep) {
		p := c.pairs.Lookup(id)
		switch {
		case p != nil && (p.Left == ep || p.Right == ep):
			_, res, _ := c.pairs.Take(id)
			c.rehomeSurvivor(p.Peer(id), res)
			c.pairClosed(p, "peer_left")
		case ep.IsClosed():
			// Stale event from an evicted endpoint.
			return
		default:
			log.Printf("[coordinator] state change for untracked live endpoint id=%s", id)
		}
	}

	switch target {
	case protocol.StatusWaiting:
		c.waiting.Queue(ep)
	case protocol.StatusIdle:
		c.idle.Add(ep)
	default:
		// Endpoints validate before emitting; anything else is a breach.
		log.Printf("[coordinator] ERROR: invalid state change target %q id=%s", target, id)
		c.waiting.Queue(ep)
		return
	}

	c.async(func(ctx context.Context) {
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.UpdateStatus(ctx, id, target); err != nil {
				log.Printf("[coordinator] presence update id=%s: %v", id, err)
			}
		}
	})
}

// handleRemove retires an endpoint whose socket is gone. If it was paired,
// the surviving partner is told and moved to Idle.
func (c *Coordinator) handleRemove(ep *endpoint.Endpoint) {
	id := ep.ID()
	found := c.waiting.Remove(ep) || c.idle.Remove(ep)

	if !found {
		p := c.pairs.Lookup(id)
		if p != nil && (p.Left == ep || p.Right == ep) {
			_, res, _ := c.pairs.Take(id)
			c.rehomeSurvivor(p.Peer(id), res)
			c.pairClosed(p, res.Cause.String())
			found = true
		}
	}

	ep.Close()
	if !found {
		// Stale instance or already evicted.
		return
	}

	log.Printf("[coordinator] user removed id=%s", id)
	metrics.Removals.WithLabelValues("disconnect").Inc()

	c.async(func(ctx context.Context) {
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.Delete(ctx, id); err != nil {
				log.Printf("[coordinator] presence delete id=%s: %v", id, err)
			}
		}
		if c.deps.Bus != nil {
			if err := c.deps.Bus.PublishUserRemoved(id, "disconnect"); err != nil {
				log.Printf("[coordinator] publish user.removed id=%s: %v", id, err)
			}
		}
	})
}

// statusOf derives a user's status from container membership. Occupancy of
// more than one container is a bookkeeping breach: the user is evicted and
// reported Disconnected.
func (c *Coordinator) statusOf(id string) protocol.UserStatus {
	occupancy := 0
	status := protocol.StatusDisconnected
	if c.waiting.Has(id) {
		occupancy++
		status = protocol.StatusWaiting
	}
	if c.idle.Has(id) {
		occupancy++
		status = protocol.StatusIdle
	}
	if c.pairs.Has(id) {
		occupancy++
		status = protocol.StatusConnected
	}

	if occupancy > 1 {
		log.Printf("[coordinator] ERROR: id=%s occupies %d containers, evicting", id, occupancy)
		c.evict(id, "breach")
		metrics.Removals.WithLabelValues("evicted").Inc()
		return protocol.StatusDisconnected
	}
	return status
}

// evict removes id from every container, closing whatever it finds. A
// paired eviction strands the partner, who is notified and moved to Idle.
// Reports whether anything was removed.
func (c *Coordinator) evict(id, cause string) bool {
	evicted := false

	if old := c.waiting.Take(id); old != nil {
		old.Close()
		evicted = true
	}
	if old := c.idle.Take(id); old != nil {
		old.Close()
		evicted = true
	}
	if p, res, ok := c.pairs.Take(id); ok {
		this, peer := p.Left, p.Right
		if peer.ID() == id {
			this, peer = peer, this
		}
		this.Close()
		c.rehomeSurvivor(peer, res)
		c.pairClosed(p, cause)
		evicted = true
	}
	return evicted
}

// rehomeSurvivor moves a pair's surviving member to Idle, sending the
// ConnectionClosed notice unless the relay already did.
func (c *Coordinator) rehomeSurvivor(peer *endpoint.Endpoint, res relay.Result) {
	if peer.IsClosed() {
		// Both sides gone; the peer's own Remove event retires it.
		return
	}
	if res.Notified != peer.ID() {
		_ = peer.Send(protocol.ConnectionClosed())
	}
	c.idle.Add(peer)

	id := peer.ID()
	c.async(func(ctx context.Context) {
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.ClearPairID(ctx, id); err != nil {
				log.Printf("[coordinator] presence clear pair id=%s: %v", id, err)
			}
		}
	})
}

// formPairs runs one matchmaking pass, draining the waiting queue in pairs.
func (c *Coordinator) formPairs() {
	for {
		left, right, waited := c.waiting.PopPair()
		if left == nil {
			return
		}

		p := c.pairs.Connect(left, right)
		distance := left.Scores().Distance(right.Scores())
		log.Printf("[coordinator] paired %s with %s distance=%.2f pair=%s",
			left.ID(), right.ID(), distance, p.ID)

		metrics.PairsFormed.Inc()
		metrics.PairWaitDuration.Observe(waited.Seconds())
		metrics.PairDistance.Observe(distance)

		pairID := p.ID.String()
		leftID, rightID := left.ID(), right.ID()
		startedAt := p.StartedAt
		c.async(func(ctx context.Context) {
			if c.deps.Sessions != nil {
				if err := c.deps.Sessions.SetPairID(ctx, leftID, pairID); err != nil {
					log.Printf("[coordinator] presence pair id=%s: %v", leftID, err)
				}
				if err := c.deps.Sessions.SetPairID(ctx, rightID, pairID); err != nil {
					log.Printf("[coordinator] presence pair id=%s: %v", rightID, err)
				}
			}
			if c.deps.Bus != nil {
				err := c.deps.Bus.PublishPairFormed(messaging.PairEvent{
					PairID: pairID, Left: leftID, Right: rightID, Distance: distance,
				})
				if err != nil {
					log.Printf("[coordinator] publish pair.formed pair=%s: %v", pairID, err)
				}
			}
			if c.deps.History != nil {
				if err := c.deps.History.PairStarted(ctx, pairID, leftID, rightID, distance, startedAt); err != nil {
					log.Printf("[coordinator] history insert pair=%s: %v", pairID, err)
				}
			}
		})
	}
}

// pairClosed records a pair ending in the backing services.
func (c *Coordinator) pairClosed(p *registry.Pair, cause string) {
	pairID := p.ID.String()
	leftID, rightID := p.Left.ID(), p.Right.ID()
	distance := p.Left.Scores().Distance(p.Right.Scores())
	endedAt := time.Now()

	c.async(func(ctx context.Context) {
		if c.deps.Bus != nil {
			err := c.deps.Bus.PublishPairClosed(messaging.PairEvent{
				PairID: pairID, Left: leftID, Right: rightID, Distance: distance, Cause: cause,
			})
			if err != nil {
				log.Printf("[coordinator] publish pair.closed pair=%s: %v", pairID, err)
			}
		}
		if c.deps.History != nil {
			if err := c.deps.History.PairEnded(ctx, pairID, cause, endedAt); err != nil {
				log.Printf("[coordinator] history update pair=%s: %v", pairID, err)
			}
		}
	})
}

// async runs a best-effort side effect off the coordinator goroutine. The
// mirrors must never stall event handling, so failures are logged by the
// callback and otherwise ignored.
func (c *Coordinator) async(f func(ctx context.Context)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f(ctx)
	}()
}

// refreshCounts publishes the container sizes to the snapshot and gauges.
func (c *Coordinator) refreshCounts() {
	counts := Counts{
		Waiting: c.waiting.Len(),
		Idle:    c.idle.Len(),
		Pairs:   c.pairs.Len(),
	}
	counts.Connections = counts.Waiting + counts.Idle + 2*counts.Pairs

	c.mu.Lock()
	c.counts = counts
	c.mu.Unlock()

	metrics.ConnectionsTotal.Set(float64(counts.Connections))
	metrics.WaitingUsers.Set(float64(counts.Waiting))
	metrics.IdleUsers.Set(float64(counts.Idle))
	metrics.ActivePairs.Set(float64(counts.Pairs))
}

// shutdown closes every live endpoint and answers whatever is still in the
// mailbox, so no reader goroutine is left blocked.
func (c *Coordinator) shutdown() {
	log.Printf("[coordinator] shutting down")

	for _, p := range c.pairs.All() {
		if _, res, ok := c.pairs.Take(p.Left.ID()); ok {
			res.Left.Close()
			res.Right.Close()
		}
	}
	for _, ep := range c.waiting.All() {
		ep.Close()
	}
	for _, ep := range c.idle.All() {
		ep.Close()
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Reply != nil {
				ev.Reply <- protocol.StatusDisconnected
			}
		case <-deadline:
			return
		}
	}
}
