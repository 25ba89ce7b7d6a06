package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const qosAtLeastOnce = 1

// Client is a paho client that restores its subscriptions after reconnecting
type Client struct {
	client paho.Client
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// Connect dials the broker. mqtt:// URLs are rewritten to tcp://.
func Connect(brokerURL, clientID string, logger *zap.Logger) (*Client, error) {
	url := strings.TrimSpace(brokerURL)
	if strings.HasPrefix(url, "mqtt://") {
		url = "tcp://" + strings.TrimPrefix(url, "mqtt://")
	}
	if strings.TrimSpace(clientID) == "" {
		clientID = "energy-usage-service-" + time.Now().Format("150405.000")
	}

	c := &Client{
		logger: logger,
		subs:   map[string]paho.MessageHandler{},
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(url)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}
	opts.OnConnect = func(pc paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", url))
		c.resubscribe(pc)
	}

	c.client = paho.NewClient(opts)
	tok := c.client.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect to %s timed out", url)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", url, err)
	}
	return c, nil
}

// Subscribe registers handler for topic at QoS 1
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	cb := func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()

	tok := c.client.Subscribe(topic, qosAtLeastOnce, cb)
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *Client) resubscribe(pc paho.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, cb := range c.subs {
		tok := pc.Subscribe(topic, qosAtLeastOnce, cb)
		tok.Wait()
		if err := tok.Error(); err != nil {
			c.logger.Error("mqtt resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Close disconnects, waiting up to a second for in-flight work
func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Disconnect(1000)
}
