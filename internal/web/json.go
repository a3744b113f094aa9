package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sweeney/pool-controller/internal/channel"
)

// Message is one frame on the /ws socket. Outbound frames carry a bus event;
// inbound frames are dispatched to the bus handlers for Channel.
type Message struct {
	Channel channel.Name    `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var errNoChannel = errors.New("message has no channel")

// encodeEvent renders a bus event as a socket frame. Values with a String
// method and no JSON form of their own (system status) travel as their tag.
func encodeEvent(ev channel.Event) ([]byte, error) {
	payload := ev.Payload
	if s, ok := payload.(fmt.Stringer); ok {
		if _, isMarshaler := payload.(json.Marshaler); !isMarshaler {
			payload = s.String()
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Channel, err)
	}
	return json.Marshal(Message{Channel: ev.Channel, Payload: raw})
}

// decodeCommand parses an inbound frame into the channel name and the
// payload string the bus handlers expect. A JSON string is unquoted, null or
// a missing payload is a query, and anything else is passed as raw JSON.
func decodeCommand(data []byte) (channel.Name, string, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", "", fmt.Errorf("decode message: %w", err)
	}
	if msg.Channel == "" {
		return "", "", errNoChannel
	}

	raw := bytes.TrimSpace(msg.Payload)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return msg.Channel, "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", "", fmt.Errorf("decode payload: %w", err)
		}
		return msg.Channel, s, nil
	}
	return msg.Channel, string(raw), nil
}
