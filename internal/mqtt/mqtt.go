// Package mqtt provides the controller's publish/subscribe adapter with an
// abstraction over the broker connection for testing.
package mqtt

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sweeney/pool-controller/internal/logging"
)

// ErrNotConnected is returned by a Client that has no broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// Message is an inbound broker message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Client is a single broker connection. Topics passed to a Client are full
// (prefixed) topics.
type Client interface {
	IsConnected() bool
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(Message)) error
	Unsubscribe(topic string) error

	// OnReconnect registers fn to run every time the connection is
	// re-established after a loss. It is not called for the first connect.
	OnReconnect(fn func())

	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Listener receives the payload of a message on a subscribed topic.
type Listener func(payload string)

// PubSub is the surface the controller modules use. Topics are bare names.
type PubSub interface {
	Publish(topic, payload string)
	Subscribe(topic string, l Listener)
}

// Adapter publishes and subscribes on bare topic names, applying the
// configured prefix. It keeps the latest payload per topic and republishes
// all of them after a reconnect.
//
// Errors are logged and never returned: losing telemetry is preferable to
// failing the caller. An Adapter without a Client accepts every call and
// transmits nothing.
type Adapter struct {
	client Client
	prefix string
	log    *logging.Logger

	// pubMu serializes the unsubscribe/publish/resubscribe sequence.
	pubMu sync.Mutex

	mu         sync.Mutex
	buffer     *latestBuffer
	subscribed map[string]bool
	listeners  map[string][]Listener
}

// NewAdapter wraps client. client may be nil.
func NewAdapter(client Client, prefix string, log *logging.Logger) *Adapter {
	a := &Adapter{
		client:     client,
		prefix:     strings.TrimSuffix(prefix, "/"),
		log:        log,
		buffer:     newLatestBuffer(),
		subscribed: make(map[string]bool),
		listeners:  make(map[string][]Listener),
	}
	if client != nil {
		client.OnReconnect(a.reconnected)
	}
	return a
}

// IsConnected reports whether a broker connection is up.
func (a *Adapter) IsConnected() bool {
	return a.client != nil && a.client.IsConnected()
}

// Publish records payload as the latest value of topic and, if connected,
// sends it. While subscribed to topic, the subscription is dropped around
// the send so the adapter does not receive its own value.
func (a *Adapter) Publish(topic, payload string) {
	full := a.fullTopic(topic)

	a.mu.Lock()
	a.buffer.put(full, payload)
	a.mu.Unlock()

	if !a.IsConnected() {
		a.log.Debug("not connected, buffered", "topic", full)
		return
	}
	a.send(full, payload)
}

func (a *Adapter) send(full, payload string) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	a.sendLocked(full, payload)
}

// sendLocked publishes with the subscription bracket. Caller holds pubMu.
func (a *Adapter) sendLocked(full, payload string) {
	a.mu.Lock()
	sub := a.subscribed[full]
	a.mu.Unlock()

	if sub {
		if err := a.client.Unsubscribe(full); err != nil {
			a.log.Error("unsubscribe before publish failed", "topic", full, "error", err)
			return
		}
	}

	if err := a.client.Publish(full, []byte(payload)); err != nil {
		a.log.Error("publish failed", "topic", full, "error", err)
	}

	if sub {
		if err := a.client.Subscribe(full, a.deliver); err != nil {
			a.log.Error("resubscribe after publish failed", "topic", full, "error", err)
		}
	}
}

// Subscribe attaches l to topic. The broker subscription is issued the first
// time any listener registers for the topic.
func (a *Adapter) Subscribe(topic string, l Listener) {
	full := a.fullTopic(topic)

	a.mu.Lock()
	a.listeners[full] = append(a.listeners[full], l)
	first := !a.subscribed[full]
	a.subscribed[full] = true
	a.mu.Unlock()

	if !first || a.client == nil {
		return
	}
	if err := a.client.Subscribe(full, a.deliver); err != nil {
		a.log.Error("subscribe failed", "topic", full, "error", err)
		return
	}
	a.log.Debug("subscribed", "topic", full)
}

// deliver dispatches an inbound message. Retained messages are broker-cached
// and may be stale commands, so they are dropped.
func (a *Adapter) deliver(m Message) {
	if m.Retained {
		a.log.Debug("ignoring retained message", "topic", m.Topic)
		return
	}

	a.mu.Lock()
	ls := append([]Listener(nil), a.listeners[m.Topic]...)
	a.mu.Unlock()

	payload := string(m.Payload)
	for _, l := range ls {
		l(payload)
	}
}

// reconnected restores subscriptions, then republishes every buffered value
// once and empties the buffer. A topic published again after the drain is
// skipped: its newer value goes out through Publish.
func (a *Adapter) reconnected() {
	a.mu.Lock()
	topics := make([]string, 0, len(a.subscribed))
	for t := range a.subscribed {
		topics = append(topics, t)
	}
	pending := a.buffer.drainAll()
	a.mu.Unlock()

	sort.Strings(topics)
	a.log.Info("reconnected to broker", "subscriptions", len(topics), "replay", len(pending))

	for _, t := range topics {
		if err := a.client.Subscribe(t, a.deliver); err != nil {
			a.log.Error("restore subscription failed", "topic", t, "error", err)
		}
	}
	for _, m := range pending {
		a.replay(m)
	}
}

func (a *Adapter) replay(m bufferedMsg) {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	a.mu.Lock()
	fresh := a.buffer.has(m.topic)
	a.mu.Unlock()
	if fresh {
		a.log.Debug("skipping replay of superseded value", "topic", m.topic)
		return
	}
	a.sendLocked(m.topic, m.payload)
}

// Buffered returns the number of topics waiting for replay.
func (a *Adapter) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer.len()
}

// Close disconnects from the broker.
func (a *Adapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *Adapter) fullTopic(topic string) string {
	if a.prefix == "" {
		return topic
	}
	return a.prefix + "/" + topic
}

// BareTopic strips the configured prefix from a full topic.
func (a *Adapter) BareTopic(full string) string {
	if a.prefix == "" {
		return full
	}
	return strings.TrimPrefix(full, a.prefix+"/")
}
