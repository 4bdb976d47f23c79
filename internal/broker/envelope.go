package broker

import (
	"encoding/json"
	"time"
)

// envelope is the wire shape for every server-to-client frame: a named
// event, its payload, and the instant the hub produced it.
type envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

func newEnvelope(event string, data interface{}) envelope {
	return envelope{Event: event, Data: data, Timestamp: time.Now()}
}

// channelNames accepts the `channels: string | string[]` shape the wire
// contract allows, normalized to a flat slice of channel names.
type channelNames []string

func (c *channelNames) UnmarshalJSON(data []byte) error {
	var multi []string
	if err := json.Unmarshal(data, &multi); err == nil {
		*c = multi
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*c = []string{single}
	return nil
}

// controlFrame is the client-to-server control message shape: subscribe,
// unsubscribe, subscribe_global, unsubscribe_global, ping. Channels names
// channels by name, never by internal id — a client has no legitimate way
// to know the latter.
type controlFrame struct {
	Type     string       `json:"type"`
	Channels channelNames `json:"channels,omitempty"`
}
