// Package messaging publishes session-server lifecycle events to NATS so
// sibling services (analytics, moderation, dashboards) can observe pairing
// activity without polling. It wraps the connection lifecycle and the
// subject vocabulary in one place.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published by the session server.
const (
	SubjectUserConnected = "user.connected"
	SubjectUserRemoved   = "user.removed"
	SubjectPairFormed    = "pair.formed"
	SubjectPairClosed    = "pair.closed"
)

// UserEvent is the payload for user.connected and user.removed.
type UserEvent struct {
	UserID string `json:"user_id"`
	Cause  string `json:"cause,omitempty"` // removals only
	Ts     int64  `json:"ts"`
}

// PairEvent is the payload for pair.formed and pair.closed.
type PairEvent struct {
	PairID   string  `json:"pair_id"`
	Left     string  `json:"left"`
	Right    string  `json:"right"`
	Distance float64 `json:"distance"`
	Cause    string  `json:"cause,omitempty"` // closures only
	Ts       int64   `json:"ts"`
}

// Client wraps the NATS connection with publish helpers.
type Client struct {
	conn *nats.Conn
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "oceanchat-session",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{conn: nc}, nil
}

// PublishUserConnected announces a new endpoint.
func (c *Client) PublishUserConnected(userID string) error {
	return c.publish(SubjectUserConnected, UserEvent{
		UserID: userID,
		Ts:     time.Now().Unix(),
	})
}

// PublishUserRemoved announces an endpoint removal with its cause.
func (c *Client) PublishUserRemoved(userID, cause string) error {
	return c.publish(SubjectUserRemoved, UserEvent{
		UserID: userID,
		Cause:  cause,
		Ts:     time.Now().Unix(),
	})
}

// PublishPairFormed announces a newly formed pair.
func (c *Client) PublishPairFormed(ev PairEvent) error {
	ev.Ts = time.Now().Unix()
	return c.publish(SubjectPairFormed, ev)
}

// PublishPairClosed announces a pair ending with its cause.
func (c *Client) PublishPairClosed(ev PairEvent) error {
	ev.Ts = time.Now().Unix()
	return c.publish(SubjectPairClosed, ev)
}

func (c *Client) publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] drain error: %v", err)
		c.conn.Close()
	}
}
