package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/sweeney/pool-controller/internal/config"
	"github.com/sweeney/pool-controller/internal/logging"
)

const opTimeout = 5 * time.Second

var connectTimeout = 10 * time.Second

// RealClient is a Client over an actual MQTT broker.
type RealClient struct {
	client paho.Client
	log    *logging.Logger

	mu          sync.Mutex
	connected   bool
	onReconnect []func()
}

// NewRealClient connects to the broker in cfg. The connection is attempted
// once; paho reconnects automatically after a later loss.
func NewRealClient(cfg config.MQTT, log *logging.Logger) (*RealClient, error) {
	c := &RealClient{log: log}

	opts := paho.NewClientOptions().
		AddBroker(BrokerURL(cfg)).
		SetClientID("pool-controller-" + uuid.NewString()[:8]).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(connectTimeout).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(func(paho.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("connection lost", "error", err)
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("connect to broker: timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

// handleConnect runs on every successful connect. The first one is the
// initial connection; the rest are reconnects.
func (c *RealClient) handleConnect() {
	c.mu.Lock()
	first := !c.connected
	c.connected = true
	fns := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()

	if first {
		return
	}
	for _, fn := range fns {
		fn()
	}
}

// BrokerURL builds the paho broker URL from the configured host and port.
// The host may already carry a scheme ("mqtt://", "tcp://", "ws://").
func BrokerURL(cfg config.MQTT) string {
	host := cfg.Host
	switch {
	case strings.HasPrefix(host, "mqtt://"):
		host = "tcp://" + strings.TrimPrefix(host, "mqtt://")
	case strings.HasPrefix(host, "mqtts://"):
		host = "ssl://" + strings.TrimPrefix(host, "mqtts://")
	case !strings.Contains(host, "://"):
		host = "tcp://" + host
	}

	port := cfg.Port
	if port == 0 {
		port = 1883
	}
	rest := host[strings.Index(host, "://")+3:]
	if strings.Contains(rest, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *RealClient) Publish(topic string, payload []byte) error {
	// QoS 0 (at-most-once), not retained
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *RealClient) Subscribe(topic string, handler func(Message)) error {
	token := c.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		handler(Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *RealClient) Unsubscribe(topic string) error {
	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (c *RealClient) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}

// Connect builds an Adapter for cfg. When no broker is configured or the
// single connection attempt fails, the Adapter has no client and every call
// is a no-op.
func Connect(cfg config.MQTT, log *logging.Logger) *Adapter {
	if !cfg.Configured() {
		log.Info("no broker configured")
		return NewAdapter(nil, cfg.TopicPrefix, log)
	}
	client, err := NewRealClient(cfg, log)
	if err != nil {
		log.Error("broker unavailable, continuing without mqtt", "broker", BrokerURL(cfg), "error", err)
		return NewAdapter(nil, cfg.TopicPrefix, log)
	}
	log.Info("connected", "broker", BrokerURL(cfg))
	return NewAdapter(client, cfg.TopicPrefix, log)
}
