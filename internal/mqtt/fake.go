package mqtt

import "sync"

// FakeClient records broker calls for test assertions. It is safe for
// concurrent use.
type FakeClient struct {
	mu sync.Mutex

	connected   bool
	handlers    map[string]func(Message)
	onReconnect []func()

	// Published contains every successful publish.
	Published []Message

	// Calls is the ordered log of broker calls ("sub:t", "unsub:t", "pub:t").
	Calls []string

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// SubscribeError, if set, will be returned by Subscribe.
	SubscribeError error

	// Closed tracks if Close was called.
	Closed bool

	// OnSubscribe, if set, runs after every successful Subscribe, outside
	// the lock.
	OnSubscribe func(topic string)
}

// NewFakeClient creates a FakeClient in the given connection state.
func NewFakeClient(connected bool) *FakeClient {
	return &FakeClient{
		connected: connected,
		handlers:  make(map[string]func(Message)),
	}
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Calls = append(f.Calls, "pub:"+topic)
	f.Published = append(f.Published, Message{Topic: topic, Payload: payload})
	return nil
}

func (f *FakeClient) Subscribe(topic string, handler func(Message)) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	if f.SubscribeError != nil {
		err := f.SubscribeError
		f.mu.Unlock()
		return err
	}
	f.Calls = append(f.Calls, "sub:"+topic)
	f.handlers[topic] = handler
	hook := f.OnSubscribe
	f.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	return nil
}

func (f *FakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.Calls = append(f.Calls, "unsub:"+topic)
	delete(f.handlers, topic)
	return nil
}

func (f *FakeClient) OnReconnect(fn func()) {
	f.mu.Lock()
	f.onReconnect = append(f.onReconnect, fn)
	f.mu.Unlock()
}

func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Disconnect simulates a connection loss. Broker-side subscriptions are lost.
func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.handlers = make(map[string]func(Message))
	f.mu.Unlock()
}

// Reconnect simulates the connection coming back and runs the reconnect
// callbacks synchronously.
func (f *FakeClient) Reconnect() {
	f.mu.Lock()
	f.connected = true
	fns := append([]func(){}, f.onReconnect...)
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Deliver simulates an inbound message on a full topic. It reports whether a
// subscription existed.
func (f *FakeClient) Deliver(topic, payload string, retained bool) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(Message{Topic: topic, Payload: []byte(payload), Retained: retained})
	return true
}

// Subscribed reports whether the broker currently holds a subscription.
func (f *FakeClient) Subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

// PublishedTo returns the payloads published on topic, in order.
func (f *FakeClient) PublishedTo(topic string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.Published {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

// CallLog returns a copy of Calls.
func (f *FakeClient) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Reset clears recorded calls and publishes.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	f.Published = nil
	f.Calls = nil
	f.PublishError = nil
	f.SubscribeError = nil
	f.mu.Unlock()
}
