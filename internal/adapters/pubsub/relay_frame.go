package pubsub

import (
	"encoding/json"

	"github.com/dkeye/peercall/internal/core"
)

// Relay protocol operations exchanged between WSTransport and the relay server.
const (
	OpWelcome     = "welcome"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpEvent       = "event"
	OpAck         = "ack"
	OpError       = "error"
)

// RelayFrame is one websocket text message of the relay protocol.
type RelayFrame struct {
	Op      string          `json:"op"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Kind    core.EventKind  `json:"kind,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventFrame wraps a hub event for delivery to a relay client.
func EventFrame(ev core.Event) RelayFrame {
	return RelayFrame{Op: OpEvent, Topic: ev.Topic, Kind: ev.Kind, From: ev.From, Payload: ev.Payload}
}
