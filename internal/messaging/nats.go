// Package messaging wraps the NATS connection shared by the broker and the
// moderator. The broker asks the moderator to file reports over
// request/reply and listens for ban announcements; the moderator does the
// reverse.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectReport = "moderation.report" // request/reply, ReportRequest -> ReportReply
	SubjectBan    = "moderation.ban"    // fan-out, BanEvent

	// QueueModerators load-balances report requests across moderator
	// replicas.
	QueueModerators = "moderators"
)

// NATSClient is a NATS connection plus the subscriptions made through it.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for unlimited
}

// DefaultNATSConfig returns settings for a local server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "pairchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. It fails if the first connection attempt
// fails; later drops are retried per config.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
				return
			}
			log.Printf("[nats] disconnected")
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

	return &NATSClient{conn: nc, subs: make(map[string]*nats.Subscription)}, nil
}

// RequestReport sends a report to a moderator and waits for the reply until
// ctx expires.
func (c *NATSClient) RequestReport(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, SubjectReport, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", SubjectReport, err)
	}
	return msg.Data, nil
}

// SubscribeReports serves report requests. handler's return value is sent
// back as the reply.
func (c *NATSClient) SubscribeReports(handler func(data []byte) []byte) error {
	sub, err := c.conn.QueueSubscribe(SubjectReport, QueueModerators, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("[nats] respond %s: %v", SubjectReport, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectReport, err)
	}
	c.track(SubjectReport, sub)
	return nil
}

// PublishBan announces a ban to every broker.
func (c *NATSClient) PublishBan(data []byte) error {
	return c.conn.Publish(SubjectBan, data)
}

// SubscribeBans delivers ban announcements to handler.
func (c *NATSClient) SubscribeBans(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectBan, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectBan, err)
	}
	c.track(SubjectBan, sub)
	return nil
}

// Unsubscribe drops the subscription on subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains subscriptions and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

func (c *NATSClient) track(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[subject]; ok {
		old.Unsubscribe()
	}
	c.subs[subject] = sub
	c.mu.Unlock()
}
