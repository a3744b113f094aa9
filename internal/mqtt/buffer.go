package mqtt

// bufferedMsg stores the latest payload of a topic for replay after reconnection.
type bufferedMsg struct {
	topic   string
	payload string
}

// latestBuffer keeps one payload per topic, replayed in first-write order.
// Not safe for concurrent use; the Adapter holds its lock around it.
type latestBuffer struct {
	order  []string
	values map[string]string
}

func newLatestBuffer() *latestBuffer {
	return &latestBuffer{values: make(map[string]string)}
}

func (b *latestBuffer) put(topic, payload string) {
	if _, ok := b.values[topic]; !ok {
		b.order = append(b.order, topic)
	}
	b.values[topic] = payload
}

func (b *latestBuffer) has(topic string) bool {
	_, ok := b.values[topic]
	return ok
}

func (b *latestBuffer) drainAll() []bufferedMsg {
	if len(b.order) == 0 {
		return nil
	}

	result := make([]bufferedMsg, len(b.order))
	for i, t := range b.order {
		result[i] = bufferedMsg{topic: t, payload: b.values[t]}
	}

	b.order = nil
	b.values = make(map[string]string)
	return result
}

func (b *latestBuffer) len() int {
	return len(b.order)
}
