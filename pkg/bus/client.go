package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/omnivenue/routing/pkg/types"
)

// Client publishes core events to NATS for out-of-process consumers
// (dashboards, recorders). The core never depends on anything coming back.
type Client struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// Connect establishes the NATS connection with automatic reconnect.
func Connect(url, name string) (*Client, error) {
	logger := logrus.WithField("component", "bus")

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{conn: conn, logger: logger}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// IsConnected reports transport liveness, for health checks.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// PublishTick publishes a normalized quote.
func (c *Client) PublishTick(q types.Quote) error {
	return c.publish(TickSubject(q.Venue, q.Symbol), q)
}

// PublishExecution publishes an order result.
func (c *Client) PublishExecution(res *types.OrderResult) error {
	return c.publish(ExecutionSubject(res.Venue), res)
}

// PublishHealth publishes the venue health snapshot.
func (c *Client) PublishHealth(health []types.VenueHealth) error {
	return c.publish(SubjectHealth, health)
}

// PublishAlert publishes a high severity execution quality issue.
func (c *Client) PublishAlert(alert interface{}) error {
	return c.publish(SubjectAlerts, alert)
}

func (c *Client) publish(subject string, data interface{}) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.conn.Publish(subject, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeTicks delivers published quotes for a venue/symbol pair.
// Malformed messages are logged and dropped.
func (c *Client) SubscribeTicks(venue, symbol string, handler func(types.Quote)) (*nats.Subscription, error) {
	subject := TickSubject(venue, symbol)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var q types.Quote
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			c.logger.Warnf("dropping malformed tick on %s: %v", msg.Subject, err)
			return
		}
		handler(q)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}
