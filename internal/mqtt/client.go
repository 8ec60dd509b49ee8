package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/joshp123/stromer/internal/log"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	quiesceMillis  = 500
)

var ErrNotConnected = errors.New("mqtt not connected")

// Config locates the broker. WillTopic, when set, receives a retained
// "offline" if the connection drops and "online" after every connect.
type Config struct {
	Host      string
	Port      int
	TLS       bool
	Username  string
	Password  string
	ClientID  string
	WillTopic string
}

// Handler receives the payload of a message on a subscribed topic.
type Handler func(topic string, payload []byte)

// Client is a paho connection that remembers its subscriptions and restores
// them after every reconnect.
type Client struct {
	client paho.Client
	cfg    Config
	logger log.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

func Connect(cfg Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger.WithName("mqtt"), subs: make(map[string]Handler)}

	opts := paho.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, "offline", 1, true)
	}
	opts.SetOnConnectHandler(func(paho.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.logger.Warn("connection lost", "error", err.Error())
	})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s:%d: timed out", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return c, nil
}

func newWithClient(client paho.Client, cfg Config) *Client {
	return &Client{client: client, cfg: cfg, logger: log.NewNop(), subs: make(map[string]Handler)}
}

func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic, replacing any earlier handler.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.subscribe(topic, handler)
}

func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
	c.client.Unsubscribe(topic).WaitTimeout(publishTimeout)
}

func (c *Client) Close() {
	if c.cfg.WillTopic != "" && c.client.IsConnectionOpen() {
		_ = c.Publish(c.cfg.WillTopic, []byte("offline"), true)
	}
	c.client.Disconnect(quiesceMillis)
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) onConnect() {
	c.logger.Info("connected", "host", c.cfg.Host)
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.Error(err, "resubscribe failed", "topic", topic)
		}
	}
	if c.cfg.WillTopic != "" {
		// Publish from a goroutine: paho runs this handler on its own router.
		go func() {
			if err := c.Publish(c.cfg.WillTopic, []byte("online"), true); err != nil {
				c.logger.Error(err, "publish online status")
			}
		}()
	}
}
