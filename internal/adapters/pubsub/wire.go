package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/peercall/internal/core"
)

// wireEvent is the envelope shared by every networked transport.
type wireEvent struct {
	Kind    core.EventKind  `json:"kind"`
	Topic   string          `json:"topic"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEvent(ev core.Event) ([]byte, error) {
	if !json.Valid(ev.Payload) {
		return nil, fmt.Errorf("payload of %s is not json", ev.Topic)
	}
	return json.Marshal(wireEvent{Kind: ev.Kind, Topic: ev.Topic, From: ev.From, Payload: ev.Payload})
}

func decodeEvent(data []byte) (core.Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return core.Event{}, err
	}
	if w.Kind == "" || w.Topic == "" {
		return core.Event{}, fmt.Errorf("incomplete event")
	}
	return core.Event{Kind: w.Kind, Topic: w.Topic, From: w.From, Payload: []byte(w.Payload)}, nil
}
