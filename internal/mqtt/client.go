// Package mqtt connects the ingestion router to the broker. The backend
// subscribes to every node topic of its domain and republishes propagated
// values to downstream Input topics.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"pepeunit/internal/domain"
	"pepeunit/internal/ingest"
)

const defaultTimeout = 10 * time.Second

var ErrNotConnected = errors.New("mqtt client is not connected")

// Ingestor is the part of the router the subscriber feeds.
type Ingestor interface {
	Ingest(ctx context.Context, in ingest.Inbound) (ingest.Outcome, error)
}

type Config struct {
	Broker   string
	ClientID string
	// Username carries the backend token; the broker auth hook resolves it.
	Username string
	Password string
	QoS      byte
	Domain   string
	Timeout  time.Duration
}

// Subscriptions are the filters covering Output and Input topics of domain.
func Subscriptions(backendDomain string) []string {
	return []string{
		backendDomain + "/+/" + ingest.OutputSuffix,
		backendDomain + "/+",
	}
}

// Client is the broker side of the router. It implements ingest.Publisher.
type Client struct {
	cfg      Config
	agent    domain.Agent
	ingestor Ingestor
	logger   logrus.FieldLogger
	client   paho.Client
}

// New builds a client. Messages are ingested as agent, the backend identity
// the broker ACL already trusted.
func New(cfg Config, agent domain.Agent, ingestor Ingestor, logger logrus.FieldLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, agent: agent, ingestor: ingestor, logger: logger}
}

func (c *Client) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(c.cfg.Timeout).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(func(pc paho.Client) {
		if err := c.subscribe(pc); err != nil {
			c.logger.WithError(err).Error("mqtt subscribe failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.WithError(err).Warn("mqtt connection lost")
	})
	return opts
}

// Connect dials the broker and subscribes. Subscriptions are renewed on every
// reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.client = paho.NewClient(c.options())
	if err := wait(ctx, c.client.Connect(), c.cfg.Timeout); err != nil {
		return fmt.Errorf("connect %s: %w", c.cfg.Broker, err)
	}
	c.logger.WithField("broker", c.cfg.Broker).Info("mqtt connected")
	return nil
}

func (c *Client) subscribe(pc paho.Client) error {
	filters := make(map[string]byte)
	for _, f := range Subscriptions(c.cfg.Domain) {
		filters[f] = c.cfg.QoS
	}
	tok := pc.SubscribeMultiple(filters, c.handler())
	if !tok.WaitTimeout(c.cfg.Timeout) {
		return fmt.Errorf("subscribe: timed out after %s", c.cfg.Timeout)
	}
	return tok.Error()
}

func (c *Client) handler() paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		c.handle(context.Background(), msg)
	}
}

func (c *Client) handle(ctx context.Context, msg paho.Message) {
	out, err := c.ingestor.Ingest(ctx, ingest.Inbound{
		Topic:     msg.Topic(),
		Payload:   msg.Payload(),
		QoS:       msg.Qos(),
		Publisher: c.agent,
	})
	entry := c.logger.WithField("topic", msg.Topic())
	switch {
	case err != nil:
		entry.WithError(err).Error("ingest failed")
	case out.Reason != "":
		entry.WithFields(logrus.Fields{"reason": out.Reason, "detail": out.Detail}).Debug("value dropped")
	}
}

// Publish sends payload to topic and waits for the broker to acknowledge it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.client == nil || !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return wait(ctx, c.client.Publish(topic, c.cfg.QoS, false, payload), c.cfg.Timeout)
}

// Close disconnects, letting in-flight work finish for up to 250ms.
func (c *Client) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("mqtt: timed out after %s", timeout)
	}
}
